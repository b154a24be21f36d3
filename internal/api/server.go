package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gomailzero/gamemail/internal/account"
	"github.com/gomailzero/gamemail/internal/auth"
	"github.com/gomailzero/gamemail/internal/logger"
	"github.com/gomailzero/gamemail/internal/mailcmd"
)

// claimsKey gin 上下文中保存调用者身份的键
const claimsKey = "claims"

// Server API 服务器
type Server struct {
	config *Config
	router *gin.Engine
	server *http.Server
}

// Config API 配置
type Config struct {
	Port       int
	APIKey     string
	Accounts   account.Directory
	Mail       *mailcmd.Handler
	JWTManager *auth.JWTManager
	// TokenTTL 签发令牌的有效期，默认 24 小时
	TokenTTL time.Duration
}

// NewServer 创建 API 服务器
func NewServer(cfg *Config) *Server {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware())

	public := router.Group("/api/v1")
	public.GET("/health", healthHandler)
	public.POST("/token", tokenHandler(cfg))

	// 支持 API Key 和 JWT 两种认证方式
	api := router.Group("/api/v1")
	api.Use(authMiddleware(cfg.APIKey, cfg.JWTManager))

	// 账号管理
	api.POST("/accounts", requireAdmin(), createAccountHandler(cfg.Accounts))
	api.GET("/accounts/:name", requireSelf(), getAccountHandler(cfg.Accounts, cfg.Mail))

	// 配额管理
	api.PUT("/accounts/:name/quota", requireAdmin(), setQuotaHandler(cfg.Accounts, cfg.Mail))
	api.DELETE("/accounts/:name/quota", requireAdmin(), resetQuotaHandler(cfg.Accounts, cfg.Mail))

	// 邮箱
	mail := api.Group("/accounts/:name/mail")
	mail.Use(mailEnabled(cfg.Mail))
	mail.GET("", requireSelf(), listMailHandler(cfg.Accounts, cfg.Mail))
	mail.GET("/:index", requireSelf(), readMailHandler(cfg.Accounts, cfg.Mail))
	mail.POST("", sendMailHandler(cfg.Mail))
	mail.DELETE("", requireSelf(), clearMailHandler(cfg.Accounts, cfg.Mail))
	mail.DELETE("/:index", requireSelf(), eraseMailHandler(cfg.Accounts, cfg.Mail))

	return &Server{
		config: cfg,
		router: router,
	}
}

// Handler 返回路由，便于测试和挂载
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second, // 防止 Slowloris 攻击
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info().Int("port", s.config.Port).Msg("管理 API 服务器启动")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API 服务器错误: %w", err)
	}

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("关闭 API 服务器失败: %w", err)
	}

	logger.Info().Msg("管理 API 服务器已停止")
	return nil
}

// loggerMiddleware 日志中间件，每个请求带一个 trace id
func loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		traceID := logger.NewTraceID()
		c.Request = c.Request.WithContext(logger.WithTraceIDContext(c.Request.Context(), traceID))
		c.Header("X-Trace-Id", traceID)

		c.Next()

		logger.InfoCtx(c.Request.Context()).
			Int("status", c.Writer.Status()).
			Str("method", c.Request.Method).
			Str("path", path).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("API 请求")
	}
}

// authMiddleware 认证中间件：API Key 视为管理员，Bearer 令牌按声明授权
func authMiddleware(apiKey string, jwtManager *auth.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey != "" && c.GetHeader("X-API-Key") == apiKey {
			c.Set(claimsKey, &auth.Claims{Account: "admin", Admin: true})
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if jwtManager != nil && strings.HasPrefix(header, "Bearer ") {
			claims, err := jwtManager.ValidateToken(strings.TrimPrefix(header, "Bearer "))
			if err == nil {
				c.Set(claimsKey, claims)
				c.Next()
				return
			}
			logger.DebugCtx(c.Request.Context()).Err(err).Msg("令牌无效")
		}

		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "未授权",
		})
		c.Abort()
	}
}

func claimsFrom(c *gin.Context) *auth.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

// requireAdmin 只允许管理员
func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := claimsFrom(c)
		if claims == nil || !claims.Admin {
			c.JSON(http.StatusForbidden, gin.H{"error": "需要管理员权限"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// requireSelf 管理员或账号本人
func requireSelf() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := claimsFrom(c)
		if claims == nil || (!claims.Admin && !strings.EqualFold(claims.Account, c.Param("name"))) {
			c.JSON(http.StatusForbidden, gin.H{"error": "只能访问自己的账号"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// mailEnabled 邮箱功能关闭时拒绝所有邮箱请求
func mailEnabled(mail *mailcmd.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !mail.Enabled() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "This server has NO mail support."})
			c.Abort()
			return
		}
		c.Next()
	}
}

// healthHandler 健康检查处理器
func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}
