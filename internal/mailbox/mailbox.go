package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gomailzero/gamemail/internal/logger"
	"github.com/google/uuid"
)

const (
	// 账号目录名宽度：root/000042
	uidWidth = 6
	// 邮件文件名宽度：000001760000000
	stampWidth = 15
	// 同一秒内同一邮箱最多追加的序号
	maxSuffix = 999

	rootPerm  = 0755
	dirPerm   = 0711
	entryPerm = 0640
)

// Store 邮件根目录，按账号打开邮箱
type Store struct {
	root  string
	locks *Locker
	now   func() time.Time
}

// NewStore 创建邮件存储，locks 为 nil 时使用进程内锁
func NewStore(root string, locks *Locker) *Store {
	if locks == nil {
		locks = NewLocker("", 0)
	}
	return &Store{
		root:  root,
		locks: locks,
		now:   time.Now,
	}
}

// Root 邮件根目录
func (s *Store) Root() string {
	return s.root
}

// Open 打开账号邮箱。邮箱是一次性句柄，每条命令单独打开
func (s *Store) Open(uid uint32) *Mailbox {
	return &Mailbox{
		uid:   uid,
		path:  filepath.Join(s.root, fmt.Sprintf("%0*d", uidWidth, uid)),
		store: s,
	}
}

// Mailbox 单个账号的邮箱目录
//
// 逻辑序号是对目录的一次排序快照中第 i 个非隐藏条目，
// 每个操作在锁内只枚举一次目录。
type Mailbox struct {
	uid   uint32
	path  string
	store *Store
}

// UID 账号 ID
func (m *Mailbox) UID() uint32 {
	return m.uid
}

// Path 邮箱目录路径
func (m *Mailbox) Path() string {
	return m.path
}

// Size 返回邮件数量，目录不存在时为 0
func (m *Mailbox) Size(ctx context.Context) (int, error) {
	unlock, err := m.store.locks.Lock(ctx, m.uid)
	if err != nil {
		return 0, err
	}
	defer unlock()

	names, err := m.snapshot()
	if err != nil {
		return 0, fmt.Errorf("读取邮箱目录失败: %w", err)
	}
	return len(names), nil
}

// Empty 判断邮箱是否为空，找到第一封邮件即返回
func (m *Mailbox) Empty(ctx context.Context) (bool, error) {
	unlock, err := m.store.locks.Lock(ctx, m.uid)
	if err != nil {
		return false, err
	}
	defer unlock()

	dir, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("打开邮箱目录失败: %w", err)
	}
	defer dir.Close()

	for {
		entries, err := dir.ReadDir(16)
		for _, entry := range entries {
			if !entry.IsDir() && !hidden(entry.Name()) {
				return false, nil
			}
		}
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("读取邮箱目录失败: %w", err)
		}
	}
}

// Deliver 投递一封邮件
func (m *Mailbox) Deliver(ctx context.Context, sender, body string) error {
	return m.DeliverWithin(ctx, 0, sender, body)
}

// DeliverWithin 在配额内投递邮件，limit <= 0 表示不限
//
// 配额检查与写入在同一把锁内完成。
func (m *Mailbox) DeliverWithin(ctx context.Context, limit int, sender, body string) error {
	unlock, err := m.store.locks.Lock(ctx, m.uid)
	if err != nil {
		return err
	}
	defer unlock()

	if limit > 0 {
		names, err := m.snapshot()
		if err != nil {
			return &DeliverError{UID: m.uid, Path: m.path, Err: err}
		}
		if len(names) >= limit {
			return ErrQuotaExceeded
		}
	}

	name, err := m.deliver(sender, body)
	if err != nil {
		logger.ErrorCtx(ctx).Err(err).
			Uint32("uid", m.uid).
			Str("path", m.path).
			Msg("投递邮件失败，请检查目录权限")
		return &DeliverError{UID: m.uid, Path: m.path, Err: err}
	}

	logger.DebugCtx(ctx).
		Uint32("uid", m.uid).
		Str("entry", name).
		Msg("邮件已投递")
	return nil
}

// ReadOne 读取第 index 封邮件
func (m *Mailbox) ReadOne(ctx context.Context, index int) (Message, error) {
	unlock, err := m.store.locks.Lock(ctx, m.uid)
	if err != nil {
		return Message{}, err
	}
	defer unlock()

	names, err := m.snapshot()
	if err != nil {
		return Message{}, &ReadError{UID: m.uid, Path: m.path, Err: err}
	}
	if index < 0 || index >= len(names) {
		logger.InfoCtx(ctx).Uint32("uid", m.uid).Int("index", index).Msg("mail not found")
		return Message{}, &ReadError{UID: m.uid, Path: m.path, Err: ErrNotFound}
	}

	msg, err := m.readEntry(names[index])
	if err != nil {
		logger.ErrorCtx(ctx).Err(err).Uint32("uid", m.uid).Msg("打开邮件文件失败")
		return Message{}, err
	}
	return msg, nil
}

// ReadAll 读取全部邮件，单封读取失败时跳过
func (m *Mailbox) ReadAll(ctx context.Context) ([]Message, error) {
	unlock, err := m.store.locks.Lock(ctx, m.uid)
	if err != nil {
		return nil, err
	}
	defer unlock()

	names, err := m.snapshot()
	if err != nil {
		logger.WarnCtx(ctx).Err(err).Uint32("uid", m.uid).Msg("读取邮箱目录失败")
		return nil, nil
	}

	messages := make([]Message, 0, len(names))
	for _, name := range names {
		msg, err := m.readEntry(name)
		if err != nil {
			logger.WarnCtx(ctx).Err(err).Uint32("uid", m.uid).Msg("跳过无法读取的邮件")
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Erase 删除第 index 封邮件；序号越界只记录日志
func (m *Mailbox) Erase(ctx context.Context, index int) error {
	unlock, err := m.store.locks.Lock(ctx, m.uid)
	if err != nil {
		return err
	}
	defer unlock()

	names, err := m.snapshot()
	if err != nil {
		logger.WarnCtx(ctx).Err(err).Uint32("uid", m.uid).Msg("读取邮箱目录失败")
		return nil
	}
	if index < 0 || index >= len(names) {
		logger.WarnCtx(ctx).Uint32("uid", m.uid).Int("index", index).Msg("index out of range")
		return nil
	}

	path := filepath.Join(m.path, names[index])
	if err := os.Remove(path); err != nil {
		logger.InfoCtx(ctx).Err(err).Str("path", path).Msg("删除邮件文件失败")
	}
	return nil
}

// Clear 删除全部邮件
func (m *Mailbox) Clear(ctx context.Context) error {
	unlock, err := m.store.locks.Lock(ctx, m.uid)
	if err != nil {
		return err
	}
	defer unlock()

	names, err := m.snapshot()
	if err != nil {
		logger.WarnCtx(ctx).Err(err).Uint32("uid", m.uid).Msg("读取邮箱目录失败")
		return nil
	}

	for _, name := range names {
		path := filepath.Join(m.path, name)
		if err := os.Remove(path); err != nil {
			logger.InfoCtx(ctx).Err(err).Str("path", path).Msg("删除邮件文件失败")
		}
	}
	return nil
}

// snapshot 按名称排序枚举非隐藏条目，调用方须持有锁
func (m *Mailbox) snapshot() ([]string, error) {
	entries, err := os.ReadDir(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || hidden(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// deliver 写入临时文件后硬链接到第一个空闲的条目名，调用方须持有锁
func (m *Mailbox) deliver(sender, body string) (string, error) {
	if err := m.ensureDir(); err != nil {
		return "", err
	}

	tmpPath := filepath.Join(m.path, ".tmp-"+uuid.NewString())
	// #nosec G304 -- 临时文件名由邮箱目录和 uuid 组成
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, entryPerm)
	if err != nil {
		return "", fmt.Errorf("打开邮件文件失败: %w", err)
	}
	defer os.Remove(tmpPath)

	if _, err := fmt.Fprintf(f, "%s\n%s\n", oneLine(sender), oneLine(body)); err != nil {
		f.Close()
		return "", fmt.Errorf("写入邮件文件失败: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("同步邮件文件失败: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("关闭邮件文件失败: %w", err)
	}

	name, err := m.link(tmpPath, m.store.now().Unix())
	if err != nil {
		return "", err
	}
	syncDir(m.path)
	return name, nil
}

// link 把临时文件链接为 <timestamp>[.<seq>]，已存在的名字不会被覆盖
func (m *Mailbox) link(tmpPath string, stamp int64) (string, error) {
	base := fmt.Sprintf("%0*d", stampWidth, stamp)
	for seq := 0; seq <= maxSuffix; seq++ {
		name := base
		if seq > 0 {
			name = fmt.Sprintf("%s.%03d", base, seq)
		}
		err := os.Link(tmpPath, filepath.Join(m.path, name))
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("写入邮件文件失败: %w", err)
		}
	}
	return "", fmt.Errorf("同一秒内投递过多: %s", base)
}

func (m *Mailbox) ensureDir() error {
	// #nosec G301 -- 根目录允许其他用户遍历
	if err := os.MkdirAll(m.store.root, rootPerm); err != nil {
		return fmt.Errorf("创建邮件根目录失败: %w", err)
	}
	if err := os.Mkdir(m.path, dirPerm); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("创建邮箱目录失败: %w", err)
	}
	return nil
}

// readEntry 第一行为发件人，第二行为正文，时间取自文件名
func (m *Mailbox) readEntry(name string) (Message, error) {
	path := filepath.Join(m.path, name)
	// #nosec G304 -- name 来自邮箱目录枚举
	data, err := os.ReadFile(path)
	if err != nil {
		return Message{}, &ReadError{UID: m.uid, Path: path, Err: err}
	}

	lines := strings.SplitN(string(data), "\n", 3)
	sender := strings.TrimRight(lines[0], "\r")
	var body string
	if len(lines) > 1 {
		body = strings.TrimRight(lines[1], "\r")
	}
	return NewMessage(sender, body, parseStamp(name)), nil
}

func parseStamp(name string) int64 {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	stamp, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return 0
	}
	return stamp
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func oneLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

func syncDir(path string) {
	dir, err := os.Open(path)
	if err != nil {
		return
	}
	_ = dir.Sync()
	dir.Close()
}
