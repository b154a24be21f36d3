package mailcmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gomailzero/gamemail/internal/account"
	"github.com/gomailzero/gamemail/internal/logger"
	"github.com/gomailzero/gamemail/internal/mailbox"
	"github.com/gomailzero/gamemail/internal/metrics"
	"github.com/gomailzero/gamemail/internal/quota"
	"github.com/gomailzero/gamemail/internal/ratelimit"
)

var (
	// ErrNullConnection 没有可回复的连接
	ErrNullConnection = errors.New("got NULL connection")
	// ErrFeatureDisabled 服务器未开启邮箱功能
	ErrFeatureDisabled = errors.New("mail support disabled")
	// ErrUsage 缺少必需参数
	ErrUsage = errors.New("usage error")
	// ErrFormat 序号不是数字
	ErrFormat = errors.New("index is not a number")
	// ErrUnknownAccount 收件人不存在
	ErrUnknownAccount = errors.New("receiver unknown")
	// ErrUnknownVerb 未知子命令
	ErrUnknownVerb = errors.New("unknown mail command")
	// ErrRateLimited 发信过快
	ErrRateLimited = errors.New("sending mail too fast")
)

// Kind 回复类型
type Kind int

const (
	// KindInfo 普通信息
	KindInfo Kind = iota
	// KindError 错误信息
	KindError
)

// Conn 已登录的连接
type Conn interface {
	AccountID() uint32
	Username() string
	Send(kind Kind, text string)
}

// Accounts 收件人解析与配额属性
type Accounts interface {
	Lookup(ctx context.Context, name string) (*account.Account, error)
	quota.AttrReader
}

// Options 处理器选项
type Options struct {
	Enabled bool
	Quota   quota.Policy
	// Limiter 为 nil 时不限速
	Limiter *ratelimit.Limiter
	Metrics *metrics.Exporter
	// Location 列表与阅读时间的显示时区，默认 time.Local
	Location *time.Location
}

type prefs struct {
	enabled bool
	quota   quota.Policy
}

// Handler 处理 /mail 命令
type Handler struct {
	store    *mailbox.Store
	accounts Accounts
	limiter  *ratelimit.Limiter
	metrics  *metrics.Exporter
	loc      *time.Location
	prefs    atomic.Pointer[prefs]
}

// New 创建命令处理器
func New(store *mailbox.Store, accounts Accounts, opts Options) *Handler {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	h := &Handler{
		store:    store,
		accounts: accounts,
		limiter:  opts.Limiter,
		metrics:  opts.Metrics,
		loc:      loc,
	}
	h.prefs.Store(&prefs{enabled: opts.Enabled, quota: opts.Quota})
	return h
}

// Reload 更新开关与配额策略（配置热重载）
func (h *Handler) Reload(enabled bool, policy quota.Policy) {
	h.prefs.Store(&prefs{enabled: enabled, quota: policy})
}

// Enabled 邮箱功能是否开启
func (h *Handler) Enabled() bool {
	return h.prefs.Load().enabled
}

// Policy 当前配额策略
func (h *Handler) Policy() quota.Policy {
	return h.prefs.Load().quota
}

// Store 邮件存储
func (h *Handler) Store() *mailbox.Store {
	return h.store
}

// UnreadCount 账号邮箱中的邮件数
func (h *Handler) UnreadCount(ctx context.Context, uid uint32) (int, error) {
	return h.store.Open(uid).Size(ctx)
}

// QuotaFor 账号的有效配额
func (h *Handler) QuotaFor(ctx context.Context, uid uint32) (int, error) {
	return h.Policy().For(ctx, h.accounts, uid)
}

// Handle 执行一条 /mail 命令，回复写入 conn，返回本次调用的失败原因
func (h *Handler) Handle(ctx context.Context, conn Conn, text string) error {
	if conn == nil {
		logger.ErrorCtx(ctx).Msg("got NULL connection")
		return ErrNullConnection
	}

	if !h.Enabled() {
		conn.Send(KindError, "This server has NO mail support.")
		return ErrFeatureDisabled
	}

	// 跳过命令字本身
	_, rest := nextToken(text)
	verb, rest := nextToken(rest)

	switch strings.ToLower(verb) {
	case "", "read", "r":
		h.count("read")
		return h.read(ctx, conn, rest)
	case "send", "s":
		h.count("send")
		return h.send(ctx, conn, rest)
	case "delete", "del":
		h.count("delete")
		return h.delete(ctx, conn, rest)
	case "help", "h":
		h.count("help")
		conn.Send(KindInfo, "The mail command supports the following patterns.")
		usage(conn)
		return nil
	default:
		h.count("unknown")
		conn.Send(KindError, "The command its incorrect. Use one of the following patterns.")
		usage(conn)
		return ErrUnknownVerb
	}
}

func (h *Handler) send(ctx context.Context, conn Conn, args string) error {
	dest, rest := nextToken(args)
	if dest == "" {
		conn.Send(KindError, "You must specify the receiver")
		conn.Send(KindError, "Syntax: /mail send <receiver> <message>")
		return ErrUsage
	}

	body := strings.TrimSpace(rest)
	if body == "" {
		conn.Send(KindError, "Your message is empty!")
		conn.Send(KindError, "Syntax: /mail send <receiver> <message>")
		return ErrUsage
	}

	err := h.Send(ctx, conn.Username(), dest, body)
	switch {
	case err == nil:
		h.delivered("chat")
		conn.Send(KindInfo, "Your mail has been sent successfully.")
	case errors.Is(err, ErrRateLimited):
		conn.Send(KindError, "You are sending mail too fast. Please wait a moment.")
	case errors.Is(err, ErrUnknownAccount):
		conn.Send(KindError, "Receiver UNKNOWN!")
	case errors.Is(err, mailbox.ErrQuotaExceeded):
		conn.Send(KindError, "Receiver has reached his mail quota. Your message will NOT be sent.")
	default:
		conn.Send(KindError, "There was an error completing your request!")
	}
	return err
}

// Send 以 sender 的名义向 dest 投递一封邮件
//
// 依次检查功能开关、发信限速、收件人、收件人配额。聊天命令、SMTP 网关和管理接口共用此入口。
func (h *Handler) Send(ctx context.Context, sender, dest, body string) error {
	if !h.Enabled() {
		return ErrFeatureDisabled
	}

	if h.limiter != nil && !h.limiter.Allow(strings.ToLower(sender)) {
		h.rejected("rate_limited")
		logger.InfoCtx(ctx).Str("sender", sender).Msg("发信过快")
		return ErrRateLimited
	}

	recv, err := h.Lookup(ctx, dest)
	if err != nil {
		if errors.Is(err, ErrUnknownAccount) {
			h.rejected("unknown_account")
		}
		return err
	}

	limit, err := h.QuotaFor(ctx, recv.UID)
	if err != nil {
		logger.ErrorCtx(ctx).Err(err).Uint32("uid", recv.UID).Msg("读取邮箱配额失败")
		return err
	}

	if err := h.store.Open(recv.UID).DeliverWithin(ctx, limit, sender, body); err != nil {
		if errors.Is(err, mailbox.ErrQuotaExceeded) {
			h.rejected("quota")
		} else {
			h.rejected("deliver_error")
		}
		return err
	}
	return nil
}

// Lookup 解析收件人账号，不存在时返回 ErrUnknownAccount
func (h *Handler) Lookup(ctx context.Context, name string) (*account.Account, error) {
	acct, err := h.accounts.Lookup(ctx, name)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", name, ErrUnknownAccount)
		}
		logger.ErrorCtx(ctx).Err(err).Str("receiver", name).Msg("查找收件人失败")
		return nil, err
	}
	return acct, nil
}

// Full 邮箱是否已达配额。只用于提前拒绝，投递时仍会在锁内复查
func (h *Handler) Full(ctx context.Context, uid uint32) (bool, error) {
	limit, err := h.QuotaFor(ctx, uid)
	if err != nil {
		return false, err
	}
	n, err := h.UnreadCount(ctx, uid)
	if err != nil {
		return false, err
	}
	return n >= limit, nil
}

func (h *Handler) read(ctx context.Context, conn Conn, args string) error {
	token, _ := nextToken(args)
	mbox := h.store.Open(conn.AccountID())

	if token == "" {
		messages, err := mbox.ReadAll(ctx)
		if err != nil {
			conn.Send(KindError, "There was an error completing your request.")
			return err
		}
		if len(messages) == 0 {
			conn.Send(KindInfo, "You have no mail.")
			return nil
		}

		limit, err := h.QuotaFor(ctx, conn.AccountID())
		if err != nil {
			logger.WarnCtx(ctx).Err(err).Uint32("uid", conn.AccountID()).Msg("读取邮箱配额失败，使用默认配额")
			limit = h.Policy().Effective("", false)
		}

		conn.Send(KindInfo, fmt.Sprintf("You have %d messages. Your mail quota is set to %d.", len(messages), limit))
		conn.Send(KindInfo, "ID    Sender          Date")
		conn.Send(KindInfo, "-------------------------------------")
		for i, msg := range messages {
			conn.Send(KindInfo, fmt.Sprintf("%02d    %-14.14s %s", i, msg.Sender(), h.formatTime(msg)))
		}
		conn.Send(KindInfo, "Use /mail read <ID> to read the content of any message")
		return nil
	}

	if !digits(token) {
		conn.Send(KindError, "Invalid index. Please use /mail read <index> where <index> is a number.")
		return ErrFormat
	}

	idx, err := strconv.Atoi(token)
	if err != nil {
		// 超出 int 范围的序号不可能存在
		idx = -1
	}

	msg, err := mbox.ReadOne(ctx, idx)
	if err != nil {
		conn.Send(KindError, "There was an error completing your request.")
		return err
	}

	conn.Send(KindInfo, fmt.Sprintf("Message #%d from %s on %s:", idx, msg.Sender(), h.formatTime(msg)))
	conn.Send(KindInfo, msg.Body())
	return nil
}

func (h *Handler) delete(ctx context.Context, conn Conn, args string) error {
	token, _ := nextToken(args)
	if token == "" {
		conn.Send(KindError, "Please specify which message to delete. Use the following syntax: /mail delete {<index>|all} .")
		return ErrUsage
	}

	mbox := h.store.Open(conn.AccountID())

	if token == "all" {
		if err := mbox.Clear(ctx); err != nil {
			conn.Send(KindError, "There was an error completing your request.")
			return err
		}
		conn.Send(KindInfo, "Successfully deleted messages.")
		return nil
	}

	if !digits(token) {
		conn.Send(KindError, "Invalid index. Please use /mail delete {<index>|all} where <index> is a number.")
		return ErrFormat
	}

	idx, err := strconv.Atoi(token)
	if err != nil {
		idx = -1
	}
	if err := mbox.Erase(ctx, idx); err != nil {
		conn.Send(KindError, "There was an error completing your request.")
		return err
	}
	conn.Send(KindInfo, "Succesfully deleted message.")
	return nil
}

func (h *Handler) formatTime(msg mailbox.Message) string {
	return msg.Time().In(h.loc).Format("Mon Jan 02 15:04:05 2006")
}

func (h *Handler) count(verb string) {
	if h.metrics != nil {
		h.metrics.IncMailCommand(verb)
	}
}

func (h *Handler) delivered(source string) {
	if h.metrics != nil {
		h.metrics.IncMailDelivered(source)
	}
}

func (h *Handler) rejected(reason string) {
	if h.metrics != nil {
		h.metrics.IncMailRejected(reason)
	}
}

func usage(conn Conn) {
	for _, line := range usageLines {
		conn.Send(KindInfo, line)
	}
}

var usageLines = []string{
	"to print this information:",
	"    /mail help",
	"to print an index of you messages:",
	"    /mail [read]",
	"to send a message:",
	"    /mail send <receiver> <message>",
	"to read a message:",
	"    /mail read <index num>",
	"to delete a message:",
	"    /mail delete {<index>|all}",
	"Commands may be abbreviated as follows:",
	"    help: h",
	"    read: r",
	"    send: s",
	"    delete: del",
}

// nextToken 切出第一个以空白分隔的词，rest 保留其后的原始文本
func nextToken(s string) (token, rest string) {
	s = strings.TrimLeft(s, " \t\r\n")
	i := strings.IndexAny(s, " \t\r\n")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
