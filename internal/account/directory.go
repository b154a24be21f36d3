package account

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound 账号不存在
	ErrNotFound = errors.New("account not found")
	// ErrExists 账号名已被占用
	ErrExists = errors.New("account already exists")
)

// Directory 账号目录：按名称解析账号 ID，读写账号属性
type Directory interface {
	// 账号管理
	Create(ctx context.Context, acct *Account) error
	Lookup(ctx context.Context, name string) (*Account, error)
	Get(ctx context.Context, uid uint32) (*Account, error)
	List(ctx context.Context, limit, offset int) ([]*Account, error)

	// 属性管理
	Attr(ctx context.Context, uid uint32, key string) (string, bool, error)
	SetAttr(ctx context.Context, uid uint32, key, value string) error
	DeleteAttr(ctx context.Context, uid uint32, key string) error

	// 关闭连接
	Close() error
}

// Account 游戏账号
type Account struct {
	UID          uint32    `json:"uid"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"` // 不序列化
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
