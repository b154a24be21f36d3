package smtpgw

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/gomailzero/gamemail/internal/logger"
	"github.com/gomailzero/gamemail/internal/mailcmd"
	"github.com/gomailzero/gamemail/internal/metrics"
)

// Server SMTP 网关服务器
type Server struct {
	config  *Config
	backend *Backend
	server  *smtp.Server
	wg      sync.WaitGroup
}

// Config SMTP 网关配置
type Config struct {
	Port     int
	Domain   string // 收件域名，RCPT TO:<账号>@Domain
	Hostname string
	MaxSize  int64
	// TLS 非 nil 时支持 STARTTLS
	TLS     *tls.Config
	Mail    *mailcmd.Handler
	Metrics *metrics.Exporter
}

// NewServer 创建 SMTP 网关
func NewServer(cfg *Config) *Server {
	backend := NewBackend(cfg.Domain, cfg.Mail, cfg.Metrics)

	s := smtp.NewServer(backend)
	s.Addr = fmt.Sprintf(":%d", cfg.Port)
	s.Domain = cfg.Hostname
	if s.Domain == "" {
		s.Domain = "localhost"
	}
	s.MaxMessageBytes = cfg.MaxSize
	s.MaxRecipients = 50
	s.ReadTimeout = time.Minute
	s.WriteTimeout = time.Minute
	s.TLSConfig = cfg.TLS

	return &Server{
		config:  cfg,
		backend: backend,
		server:  s,
	}
}

// Start 监听配置的端口
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("监听端口失败: %w", err)
	}
	s.Serve(listener)
	return nil
}

// Serve 在给定的监听器上提供服务，立即返回
func (s *Server) Serve(listener net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		logger.Info().Str("addr", listener.Addr().String()).Str("domain", s.config.Domain).Msg("SMTP 网关启动")

		if err := s.server.Serve(listener); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			logger.Error().Err(err).Msg("SMTP 网关错误")
		}
	}()
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("关闭 SMTP 网关失败")
		s.server.Close()
	}

	s.wg.Wait()
	logger.Info().Msg("SMTP 网关已停止")
	return nil
}
