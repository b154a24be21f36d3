package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gomailzero/gamemail/internal/account"
	"github.com/gomailzero/gamemail/internal/api"
	"github.com/gomailzero/gamemail/internal/auth"
	"github.com/gomailzero/gamemail/internal/chatd"
	"github.com/gomailzero/gamemail/internal/config"
	"github.com/gomailzero/gamemail/internal/logger"
	"github.com/gomailzero/gamemail/internal/mailbox"
	"github.com/gomailzero/gamemail/internal/mailcmd"
	"github.com/gomailzero/gamemail/internal/metrics"
	"github.com/gomailzero/gamemail/internal/quota"
	"github.com/gomailzero/gamemail/internal/ratelimit"
	"github.com/gomailzero/gamemail/internal/smtpgw"
	tlsconfig "github.com/gomailzero/gamemail/internal/tls"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// stopper 可关闭的服务
type stopper interface {
	Stop(ctx context.Context) error
}

func main() {
	var (
		configPath = flag.String("c", "gamemail.yml", "配置文件路径")
		version    = flag.Bool("version", false, "显示版本信息")
	)
	flag.Parse()

	if *version {
		fmt.Printf("gamemaild version %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger.Init(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Msg("gamemaild 启动")

	gin.SetMode(gin.ReleaseMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化账号库
	accounts, err := account.NewSQLiteDirectory(cfg.Storage.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化账号库失败")
	}
	defer accounts.Close()

	// 初始化邮箱存储
	if err := os.MkdirAll(cfg.Mail.Root, 0700); err != nil {
		logger.Fatal().Err(err).Str("root", cfg.Mail.Root).Msg("创建邮箱根目录失败")
	}
	if cfg.Mail.LockDir != "" {
		if err := os.MkdirAll(cfg.Mail.LockDir, 0700); err != nil {
			logger.Fatal().Err(err).Str("dir", cfg.Mail.LockDir).Msg("创建锁目录失败")
		}
	}
	store := mailbox.NewStore(cfg.Mail.Root, mailbox.NewLocker(cfg.Mail.LockDir, cfg.Mail.LockTimeout))

	exporter := metrics.NewExporter()

	limiter := ratelimit.New(cfg.Mail.SendLimit, cfg.Mail.SendWindow)
	go limiter.Cleanup(ctx, 10*time.Minute)

	mail := mailcmd.New(store, accounts, mailcmd.Options{
		Enabled: cfg.Mail.Enabled,
		Quota:   quota.NewPolicy(cfg.Mail.DefaultQuota, cfg.Mail.MaxQuota),
		Limiter: limiter,
		Metrics: exporter,
	})

	// 配置热更新：邮箱开关、配额和发信限速
	if err := config.Watch(*configPath, func(next *config.Config) error {
		mail.Reload(next.Mail.Enabled, quota.NewPolicy(next.Mail.DefaultQuota, next.Mail.MaxQuota))
		limiter.SetLimit(next.Mail.SendLimit, next.Mail.SendWindow)
		return nil
	}); err != nil {
		logger.Warn().Err(err).Msg("无法监听配置文件，热更新不可用")
	}

	// 加载 TLS 配置
	var (
		tlsConfig *tls.Config
		certs     *tlsconfig.CertStore
	)
	if cfg.TLS.Enabled {
		tlsConfig, certs, err = tlsconfig.LoadTLSConfig(&cfg.TLS)
		if err != nil {
			logger.Fatal().Err(err).Msg("加载 TLS 配置失败")
		}
		updateCertExpiry(certs, exporter)
	}

	var servers []stopper

	// 启动聊天服务器
	if cfg.Chat.Enabled {
		chatServer := chatd.NewServer(&chatd.Config{
			Port:        cfg.Chat.Port,
			MOTD:        cfg.Chat.MOTD,
			TLS:         tlsConfig,
			Accounts:    accounts,
			Mail:        mail,
			Metrics:     exporter,
			IdleTimeout: 30 * time.Minute,
		})
		if err := chatServer.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("聊天服务器启动失败")
		}
		servers = append(servers, chatServer)
	}

	// 启动 SMTP 网关
	if cfg.SMTP.Enabled {
		maxSize, _ := config.ParseSize(cfg.SMTP.MaxSize)
		smtpServer := smtpgw.NewServer(&smtpgw.Config{
			Port:     cfg.SMTP.Port,
			Domain:   cfg.Domain,
			Hostname: cfg.SMTP.Hostname,
			MaxSize:  maxSize,
			TLS:      tlsConfig,
			Mail:     mail,
			Metrics:  exporter,
		})
		if err := smtpServer.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("SMTP 网关启动失败")
		}
		servers = append(servers, smtpServer)
	}

	// 启动管理 API
	if cfg.Admin.APIKey != "" {
		jwtSecret := cfg.Admin.JWTSecret
		if jwtSecret == "" {
			logger.Warn().Msg("未配置 admin.jwt_secret，使用 API Key 派生的密钥")
			jwtSecret = cfg.Admin.APIKey
		}

		apiServer := api.NewServer(&api.Config{
			Port:       cfg.Admin.Port,
			APIKey:     cfg.Admin.APIKey,
			Accounts:   accounts,
			Mail:       mail,
			JWTManager: auth.NewJWTManager(jwtSecret, cfg.Domain),
		})

		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("管理 API 启动失败")
			}
		}()
		servers = append(servers, apiServer)
	}

	// 启动指标服务器
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, exporter.Handler())

		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second, // 防止 Slowloris 攻击
		}

		go func() {
			logger.Info().Int("port", cfg.Metrics.Port).Str("path", cfg.Metrics.Path).Msg("指标服务器启动")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("指标服务器错误")
			}
		}()
	}

	logger.Info().Msg("所有服务已启动")

	// 等待信号，SIGHUP 重新加载证书
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if certs != nil {
				if err := certs.Reload(); err != nil {
					logger.Error().Err(err).Msg("重新加载证书失败")
				}
				updateCertExpiry(certs, exporter)
			}
			continue
		}
		logger.Info().Str("signal", sig.String()).Msg("收到退出信号")
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	for _, s := range servers {
		if err := s.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("关闭服务失败")
		}
	}
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("gamemaild 关闭")
}

func updateCertExpiry(certs *tlsconfig.CertStore, exporter *metrics.Exporter) {
	expiry, err := certs.Expiry()
	if err != nil {
		logger.Warn().Err(err).Msg("读取证书过期时间失败")
		return
	}
	exporter.SetTLSCertExpiry(expiry)
}
