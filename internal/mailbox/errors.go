package mailbox

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded 收件箱已达配额上限
	ErrQuotaExceeded = errors.New("mailbox quota exceeded")
	// ErrLockTimeout 获取邮箱锁超时
	ErrLockTimeout = errors.New("timeout acquiring mailbox lock")
	// ErrNotFound 邮件不存在
	ErrNotFound = errors.New("mail not found")
)

// DeliverError 投递失败（目录无法创建或文件无法写入）
type DeliverError struct {
	UID  uint32
	Path string
	Err  error
}

func (e *DeliverError) Error() string {
	return fmt.Sprintf("投递邮件失败 (uid=%d, path=%s): %v", e.UID, e.Path, e.Err)
}

func (e *DeliverError) Unwrap() error {
	return e.Err
}

// ReadError 读取失败（邮件不存在或无法打开）
type ReadError struct {
	UID  uint32
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("读取邮件失败 (uid=%d, path=%s): %v", e.UID, e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}
