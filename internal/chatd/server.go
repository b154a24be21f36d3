package chatd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gomailzero/gamemail/internal/account"
	"github.com/gomailzero/gamemail/internal/crypto"
	"github.com/gomailzero/gamemail/internal/logger"
	"github.com/gomailzero/gamemail/internal/mailcmd"
	"github.com/gomailzero/gamemail/internal/metrics"
)

const badLogin = "Either that account does not exist, or has a different password."

// Config 聊天服务器配置
type Config struct {
	Port int
	// MOTD 登录成功后显示，可多行
	MOTD string
	// TLS 非 nil 时监听 TLS
	TLS      *tls.Config
	Accounts account.Directory
	Mail     *mailcmd.Handler
	Metrics  *metrics.Exporter
	// IdleTimeout 空闲断开时间，0 表示不限
	IdleTimeout time.Duration
}

// Server 聊天行协议服务器
type Server struct {
	config   *Config
	listener net.Listener

	mu       sync.Mutex
	sessions map[*session]struct{}
	wg       sync.WaitGroup
}

// NewServer 创建聊天服务器
func NewServer(cfg *Config) *Server {
	return &Server{
		config:   cfg,
		sessions: make(map[*session]struct{}),
	}
}

// Start 监听配置的端口
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	var (
		listener net.Listener
		err      error
	)
	if s.config.TLS != nil {
		listener, err = tls.Listen("tcp", addr, s.config.TLS)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("监听端口失败: %w", err)
	}

	s.Serve(listener)
	return nil
}

// Serve 在给定的监听器上接受连接，立即返回
func (s *Server) Serve(listener net.Listener) {
	s.listener = listener
	logger.Info().Str("addr", listener.Addr().String()).Msg("聊天服务器启动")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(listener)
	}()
}

// Stop 关闭监听器和所有连接
func (s *Server) Stop(ctx context.Context) error {
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for sess := range s.sessions {
		sess.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("聊天服务器已停止")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待连接关闭超时: %w", ctx.Err())
	}
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Error().Err(err).Msg("接受连接失败")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) track(sess *session, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.sessions[sess] = struct{}{}
	} else {
		delete(s.sessions, sess)
	}
}

// handleConnection 一个连接的完整生命周期
func (s *Server) handleConnection(conn net.Conn) {
	ctx := logger.WithTraceIDContext(context.Background(), logger.NewTraceID())
	logger.InfoCtx(ctx).Str("remote", conn.RemoteAddr().String()).Msg("新连接")

	if tc, ok := conn.(*tls.Conn); ok {
		if err := s.handshake(ctx, tc); err != nil {
			logger.WarnCtx(ctx).Err(err).Msg("TLS 握手失败")
			conn.Close()
			return
		}
	}

	sess := newSession(ctx, conn)
	s.track(sess, true)
	if m := s.config.Metrics; m != nil {
		m.IncChatConnections()
	}

	defer func() {
		s.track(sess, false)
		sess.close()
		if m := s.config.Metrics; m != nil {
			m.DecChatConnections()
		}
		logger.InfoCtx(ctx).Str("account", sess.Username()).Msg("连接关闭")
	}()

	sess.writeLine("Welcome. Commands: connect <name> <password>, create <name> <password>, quit")

	for {
		line, ok := sess.readLine(s.config.IdleTimeout)
		if !ok {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var keep bool
		if sess.loggedIn() {
			keep = s.handleCommand(sess, line)
		} else {
			keep = s.handleLogin(sess, line)
		}
		if !keep {
			return
		}
	}
}

func (s *Server) handshake(ctx context.Context, tc *tls.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := tc.HandshakeContext(ctx)
	if m := s.config.Metrics; m != nil {
		if err != nil {
			m.IncTLSHandshakeErrors()
		} else {
			m.IncTLSHandshakes()
		}
	}
	return err
}

// handleLogin 处理登录前的命令，返回 false 表示断开
func (s *Server) handleLogin(sess *session, line string) bool {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "quit", "/quit":
		sess.writeLine("Goodbye!")
		return false
	case "connect":
		if len(fields) != 3 {
			sess.writeLine("Usage: connect <name> <password>")
			return true
		}
		return s.connect(sess, fields[1], fields[2])
	case "create":
		if len(fields) != 3 {
			sess.writeLine("Usage: create <name> <password>")
			return true
		}
		s.create(sess, fields[1], fields[2])
		return true
	default:
		sess.writeLine("Commands: connect <name> <password>, create <name> <password>, quit")
		return true
	}
}

func (s *Server) connect(sess *session, name, password string) bool {
	ctx := sess.ctx

	acct, err := s.config.Accounts.Lookup(ctx, name)
	if err != nil && !errors.Is(err, account.ErrNotFound) {
		logger.ErrorCtx(ctx).Err(err).Str("account", name).Msg("查找账号失败")
		sess.Send(mailcmd.KindError, "There was an error completing your request!")
		return true
	}

	valid := false
	if acct != nil && acct.Active {
		valid, err = crypto.VerifyPassword(password, acct.PasswordHash)
		if err != nil {
			logger.WarnCtx(ctx).Err(err).Str("account", name).Msg("密码哈希格式错误")
		}
	}

	if !valid {
		if m := s.config.Metrics; m != nil {
			m.IncChatAuthFailures()
		}
		logger.InfoCtx(ctx).Str("account", name).Msg("登录失败")

		sess.Send(mailcmd.KindError, badLogin)
		sess.retries--
		if sess.retries <= 0 {
			sess.Send(mailcmd.KindError, "Too many failed attempts. Disconnecting.")
			return false
		}
		return true
	}

	s.welcome(sess, acct)
	return true
}

func (s *Server) create(sess *session, name, password string) {
	ctx := sess.ctx

	if len(name) < 2 {
		sess.Send(mailcmd.KindError, "That name is too short.")
		return
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		logger.ErrorCtx(ctx).Err(err).Msg("哈希密码失败")
		sess.Send(mailcmd.KindError, "There was an error completing your request!")
		return
	}

	acct := &account.Account{Name: name, PasswordHash: hash, Active: true}
	if err := s.config.Accounts.Create(ctx, acct); err != nil {
		if errors.Is(err, account.ErrExists) {
			sess.Send(mailcmd.KindError, "That name is already taken.")
			return
		}
		logger.ErrorCtx(ctx).Err(err).Str("account", name).Msg("创建账号失败")
		sess.Send(mailcmd.KindError, "There was an error completing your request!")
		return
	}

	logger.InfoCtx(ctx).Str("account", acct.Name).Uint32("uid", acct.UID).Msg("创建账号")
	s.welcome(sess, acct)
}

// welcome 登录成功：MOTD 和未读邮件提示
func (s *Server) welcome(sess *session, acct *account.Account) {
	sess.login(acct)
	logger.InfoCtx(sess.ctx).Str("account", acct.Name).Uint32("uid", acct.UID).Msg("登录成功")

	sess.writeLine(fmt.Sprintf("Welcome, %s!", acct.Name))
	if motd := strings.TrimSpace(s.config.MOTD); motd != "" {
		for _, line := range strings.Split(motd, "\n") {
			sess.writeLine(line)
		}
	}

	if !s.config.Mail.Enabled() {
		return
	}
	n, err := s.config.Mail.UnreadCount(sess.ctx, acct.UID)
	if err != nil {
		logger.WarnCtx(sess.ctx).Err(err).Msg("统计邮件数失败")
		return
	}
	if n > 0 {
		sess.writeLine(fmt.Sprintf("You have %d message(s) in your mailbox.", n))
	}
}

// handleCommand 处理登录后的命令，返回 false 表示断开
func (s *Server) handleCommand(sess *session, line string) bool {
	verb := strings.Fields(line)[0]
	switch strings.ToLower(verb) {
	case "/quit", "/logout":
		sess.writeLine("Goodbye!")
		return false
	case "/mail", "/m":
		// 命令结果已回复给客户端
		if err := s.config.Mail.Handle(sess.ctx, sess, line); err != nil {
			logger.DebugCtx(sess.ctx).Err(err).Str("command", line).Msg("邮件命令失败")
		}
		return true
	case "/help", "/?":
		sess.writeLine("Commands: /mail, /quit")
		return true
	default:
		sess.Send(mailcmd.KindError, "Unknown command. Commands: /mail, /quit")
		return true
	}
}
