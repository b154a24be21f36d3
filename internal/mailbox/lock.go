package mailbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 50 * time.Millisecond

// Locker 按账号 ID 串行化邮箱操作
//
// 进程内使用每账号一个信号量；配置了锁目录时再叠加 flock 文件锁，
// 保证多个服务进程共享同一邮件根目录时也互斥。
type Locker struct {
	mu      sync.Mutex
	entries map[uint32]*lockEntry
	dir     string
	timeout time.Duration
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// NewLocker 创建锁管理器，dir 为空时只做进程内互斥
func NewLocker(dir string, timeout time.Duration) *Locker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Locker{
		entries: make(map[uint32]*lockEntry),
		dir:     dir,
		timeout: timeout,
	}
}

// Lock 获取账号邮箱锁，返回释放函数
func (l *Locker) Lock(ctx context.Context, uid uint32) (func(), error) {
	// 已取消的上下文不再参与竞争
	if err := ctx.Err(); err != nil {
		return nil, lockErr(uid, err)
	}

	entry := l.ref(uid)

	lockCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	select {
	case entry.sem <- struct{}{}:
	case <-lockCtx.Done():
		l.unref(uid)
		return nil, lockErr(uid, lockCtx.Err())
	}

	if l.dir == "" {
		return func() {
			<-entry.sem
			l.unref(uid)
		}, nil
	}

	fl, err := l.lockFile(lockCtx, uid)
	if err != nil {
		<-entry.sem
		l.unref(uid)
		return nil, err
	}

	return func() {
		_ = fl.Unlock()
		<-entry.sem
		l.unref(uid)
	}, nil
}

// lockFile 获取跨进程文件锁
func (l *Locker) lockFile(ctx context.Context, uid uint32) (*flock.Flock, error) {
	// #nosec G301 -- 锁目录只存放空的锁文件
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return nil, fmt.Errorf("创建锁目录失败: %w", err)
	}

	fl := flock.New(filepath.Join(l.dir, fmt.Sprintf("%06d.lock", uid)))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, lockErr(uid, err)
	}
	if !locked {
		return nil, fmt.Errorf("uid %d: %w", uid, ErrLockTimeout)
	}
	return fl, nil
}

func (l *Locker) ref(uid uint32) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[uid]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[uid] = entry
	}
	entry.refs++
	return entry
}

func (l *Locker) unref(uid uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[uid]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(l.entries, uid)
	}
}

func lockErr(uid uint32, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("uid %d: %w", uid, ErrLockTimeout)
	}
	return fmt.Errorf("获取邮箱锁失败 (uid=%d): %w", uid, err)
}
