package chatd

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gomailzero/gamemail/internal/account"
	"github.com/gomailzero/gamemail/internal/mailcmd"
)

// maxLineLength 单行命令最大长度
const maxLineLength = 4096

// writeTimeout 单次写入超时
const writeTimeout = 5 * time.Second

// session 一个客户端连接
type session struct {
	conn    net.Conn
	scanner *bufio.Scanner
	ctx     context.Context
	retries int

	mu      sync.Mutex
	closed  bool
	account *account.Account
}

func newSession(ctx context.Context, conn net.Conn) *session {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 512), maxLineLength)
	return &session{
		conn:    conn,
		scanner: scanner,
		ctx:     ctx,
		retries: 3,
	}
}

// AccountID 当前登录账号
func (s *session) AccountID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return 0
	}
	return s.account.UID
}

// Username 当前登录账号名
func (s *session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return ""
	}
	return s.account.Name
}

// Send 写一行回复，错误回复带 "ERROR: " 前缀
func (s *session) Send(kind mailcmd.Kind, text string) {
	if kind == mailcmd.KindError {
		text = "ERROR: " + text
	}
	s.writeLine(text)
}

func (s *session) writeLine(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := s.conn.Write([]byte(strings.TrimRight(text, "\r\n") + "\r\n")); err != nil {
		s.closed = true
		s.conn.Close()
	}
}

// readLine 读取下一行，连接关闭或超长时返回 false
func (s *session) readLine(idle time.Duration) (string, bool) {
	if idle > 0 {
		s.conn.SetReadDeadline(time.Now().Add(idle))
	}
	if !s.scanner.Scan() {
		return "", false
	}
	return strings.TrimRight(s.scanner.Text(), "\r"), true
}

func (s *session) loggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account != nil
}

func (s *session) login(acct *account.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = acct
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.conn.Close()
	}
}

var _ mailcmd.Conn = (*session)(nil)
