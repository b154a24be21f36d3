package smtpgw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/gomailzero/gamemail/internal/logger"
	"github.com/gomailzero/gamemail/internal/mailbox"
	"github.com/gomailzero/gamemail/internal/mailcmd"
	"github.com/gomailzero/gamemail/internal/metrics"
)

var (
	errRelayDenied = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      "Relay denied",
	}
	errUnknownRecipient = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "Receiver UNKNOWN!",
	}
	errMailboxFull = &smtp.SMTPError{
		Code:         552,
		EnhancedCode: smtp.EnhancedCode{5, 2, 2},
		Message:      "Receiver has reached his mail quota. Your message will NOT be sent.",
	}
	errEmptyMessage = &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 6, 0},
		Message:      "Your message is empty!",
	}
	errRateLimited = &smtp.SMTPError{
		Code:         450,
		EnhancedCode: smtp.EnhancedCode{4, 7, 0},
		Message:      "You are sending mail too fast. Please wait a moment.",
	}
	errTemporary = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "There was an error completing your request!",
	}
	errDisabled = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 3, 2},
		Message:      "This server has NO mail support.",
	}
)

// senderPrefix 外部邮件发件人的前缀
const senderPrefix = "smtp:"

// Backend SMTP 网关后端：把 <账号>@<域名> 的邮件投递到游戏邮箱
type Backend struct {
	domain  string
	mail    *mailcmd.Handler
	metrics *metrics.Exporter
}

// NewBackend 创建后端
func NewBackend(domain string, mail *mailcmd.Handler, exporter *metrics.Exporter) *Backend {
	return &Backend{
		domain:  strings.ToLower(domain),
		mail:    mail,
		metrics: exporter,
	}
}

// NewSession 创建新会话
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	if b.metrics != nil {
		b.metrics.IncSMTPConnections()
	}
	ctx := logger.WithTraceIDContext(context.Background(), logger.NewTraceID())
	logger.DebugCtx(ctx).Str("remote", c.Conn().RemoteAddr().String()).Msg("SMTP 连接")
	return &Session{
		backend: b,
		ctx:     ctx,
	}, nil
}

// Session SMTP 会话
type Session struct {
	backend    *Backend
	ctx        context.Context
	from       string
	recipients []string
}

// Mail 设置发件人
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if !s.backend.mail.Enabled() {
		return errDisabled
	}
	s.from = from
	logger.DebugCtx(s.ctx).Str("from", from).Msg("MAIL FROM")
	return nil
}

// Rcpt 设置收件人：域名必须匹配，账号必须存在且邮箱未满
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	local, domain, ok := strings.Cut(to, "@")
	if !ok || local == "" {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      fmt.Sprintf("无效的邮箱地址: %s", to),
		}
	}
	if !strings.EqualFold(domain, s.backend.domain) {
		s.backend.incErrors()
		return errRelayDenied
	}

	acct, err := s.backend.mail.Lookup(s.ctx, local)
	if err != nil {
		s.backend.incErrors()
		if errors.Is(err, mailcmd.ErrUnknownAccount) {
			return errUnknownRecipient
		}
		logger.ErrorCtx(s.ctx).Err(err).Str("to", to).Msg("查找收件人失败")
		return errTemporary
	}

	full, err := s.backend.mail.Full(s.ctx, acct.UID)
	if err != nil {
		logger.ErrorCtx(s.ctx).Err(err).Str("to", to).Msg("检查邮箱配额失败")
		return errTemporary
	}
	if full {
		s.backend.incErrors()
		return errMailboxFull
	}

	s.recipients = append(s.recipients, acct.Name)
	logger.DebugCtx(s.ctx).Str("to", to).Msg("RCPT TO")
	return nil
}

// Data 接收邮件数据，取第一段纯文本压成一行后投递
func (s *Session) Data(r io.Reader) error {
	b := s.backend
	if b.metrics != nil {
		b.metrics.IncSMTPMessages()
	}

	sender, body, err := parseMessage(r, s.from)
	if err != nil {
		b.incErrors()
		logger.WarnCtx(s.ctx).Err(err).Msg("解析邮件失败")
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "无法解析邮件",
		}
	}
	if body == "" {
		b.incErrors()
		return errEmptyMessage
	}
	// From 头未经认证，加前缀以免冒充游戏账号
	sender = senderPrefix + sender

	var firstErr error
	delivered := 0
	for _, rcpt := range s.recipients {
		err := b.mail.Send(s.ctx, sender, rcpt, body)
		if err != nil {
			logger.WarnCtx(s.ctx).Err(err).Str("recipient", rcpt).Msg("投递失败")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered++
		if b.metrics != nil {
			b.metrics.IncMailDelivered("smtp")
		}
	}

	logger.InfoCtx(s.ctx).
		Str("from", sender).
		Int("recipients", len(s.recipients)).
		Int("delivered", delivered).
		Msg("接收邮件")

	// 部分收件人成功时不再报错，避免对方重发造成重复投递
	if delivered > 0 || firstErr == nil {
		return nil
	}
	b.incErrors()
	return smtpError(firstErr)
}

// Reset 重置会话
func (s *Session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 登出
func (s *Session) Logout() error {
	if s.backend.metrics != nil {
		s.backend.metrics.DecSMTPConnections()
	}
	return nil
}

func (b *Backend) incErrors() {
	if b.metrics != nil {
		b.metrics.IncSMTPErrors()
	}
}

func smtpError(err error) error {
	switch {
	case errors.Is(err, mailbox.ErrQuotaExceeded):
		return errMailboxFull
	case errors.Is(err, mailcmd.ErrUnknownAccount):
		return errUnknownRecipient
	case errors.Is(err, mailcmd.ErrRateLimited):
		return errRateLimited
	case errors.Is(err, mailcmd.ErrFeatureDisabled):
		return errDisabled
	default:
		return errTemporary
	}
}

// parseMessage 返回发件人显示名和一行正文（带主题时为 "[主题] 正文"）
func parseMessage(r io.Reader, envelopeFrom string) (string, string, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", "", fmt.Errorf("读取邮件失败: %w", err)
	}
	defer mr.Close()

	sender := envelopeFrom
	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		if addrs[0].Name != "" {
			sender = addrs[0].Name
		} else {
			sender = addrs[0].Address
		}
	}
	if sender == "" {
		sender = "postmaster"
	}

	subject, _ := mr.Header.Subject()

	var text string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", "", fmt.Errorf("读取邮件正文失败: %w", err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		if ct != "" && ct != "text/plain" {
			continue
		}
		data, err := io.ReadAll(p.Body)
		if err != nil {
			return "", "", fmt.Errorf("读取邮件正文失败: %w", err)
		}
		text = string(data)
		break
	}

	body := strings.Join(strings.Fields(text), " ")
	subject = strings.Join(strings.Fields(subject), " ")
	if subject != "" && body != "" {
		body = "[" + subject + "] " + body
	}
	return sender, body, nil
}
