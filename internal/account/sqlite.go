package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteDirectory SQLite 账号目录
type SQLiteDirectory struct {
	db *sql.DB
}

// NewSQLiteDirectory 创建 SQLite 账号目录
func NewSQLiteDirectory(dsn string) (*SQLiteDirectory, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// 设置连接参数；内存库每个连接都是独立的数据库，只能用一个连接
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}

	d := &SQLiteDirectory{db: db}

	// 初始化表结构
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}

	return d, nil
}

// initSchema 初始化数据库表结构
func (d *SQLiteDirectory) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		uid INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL COLLATE NOCASE,
		password_hash TEXT NOT NULL,
		active INTEGER DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS account_attrs (
		uid INTEGER NOT NULL REFERENCES accounts(uid) ON DELETE CASCADE,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (uid, key)
	);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Create 创建账号，成功后回填 UID
func (d *SQLiteDirectory) Create(ctx context.Context, acct *Account) error {
	query := `
		INSERT INTO accounts (name, password_hash, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`
	now := time.Now()
	active := 0
	if acct.Active {
		active = 1
	}
	res, err := d.db.ExecContext(ctx, query,
		acct.Name,
		acct.PasswordHash,
		active,
		now,
		now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("创建账号失败 %s: %w", acct.Name, ErrExists)
		}
		return fmt.Errorf("创建账号失败: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取账号 ID 失败: %w", err)
	}
	acct.UID = uint32(id)
	acct.CreatedAt = now
	acct.UpdatedAt = now
	return nil
}

// Lookup 按名称查找账号（不区分大小写）
func (d *SQLiteDirectory) Lookup(ctx context.Context, name string) (*Account, error) {
	query := `
		SELECT uid, name, password_hash, active, created_at, updated_at
		FROM accounts
		WHERE name = ?
	`
	return d.scanOne(d.db.QueryRowContext(ctx, query, name))
}

// Get 按 UID 查找账号
func (d *SQLiteDirectory) Get(ctx context.Context, uid uint32) (*Account, error) {
	query := `
		SELECT uid, name, password_hash, active, created_at, updated_at
		FROM accounts
		WHERE uid = ?
	`
	return d.scanOne(d.db.QueryRowContext(ctx, query, uid))
}

func (d *SQLiteDirectory) scanOne(row *sql.Row) (*Account, error) {
	var acct Account
	var active int
	err := row.Scan(
		&acct.UID,
		&acct.Name,
		&acct.PasswordHash,
		&active,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("账号不存在: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("查询账号失败: %w", err)
	}

	acct.Active = active == 1
	return &acct, nil
}

// List 列出账号
func (d *SQLiteDirectory) List(ctx context.Context, limit, offset int) ([]*Account, error) {
	query := `
		SELECT uid, name, password_hash, active, created_at, updated_at
		FROM accounts
		ORDER BY uid
		LIMIT ? OFFSET ?
	`
	rows, err := d.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("查询账号列表失败: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var acct Account
		var active int
		if err := rows.Scan(
			&acct.UID,
			&acct.Name,
			&acct.PasswordHash,
			&active,
			&acct.CreatedAt,
			&acct.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("扫描账号失败: %w", err)
		}
		acct.Active = active == 1
		accounts = append(accounts, &acct)
	}

	return accounts, rows.Err()
}

// Attr 读取账号属性，第二个返回值表示属性是否存在
func (d *SQLiteDirectory) Attr(ctx context.Context, uid uint32, key string) (string, bool, error) {
	query := `
		SELECT value
		FROM account_attrs
		WHERE uid = ? AND key = ?
	`
	var value string
	err := d.db.QueryRowContext(ctx, query, uid, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("读取账号属性失败: %w", err)
	}
	return value, true, nil
}

// SetAttr 写入账号属性
func (d *SQLiteDirectory) SetAttr(ctx context.Context, uid uint32, key, value string) error {
	query := `
		INSERT INTO account_attrs (uid, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(uid, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	_, err := d.db.ExecContext(ctx, query, uid, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("写入账号属性失败: %w", err)
	}
	return nil
}

// DeleteAttr 删除账号属性
func (d *SQLiteDirectory) DeleteAttr(ctx context.Context, uid uint32, key string) error {
	query := `DELETE FROM account_attrs WHERE uid = ? AND key = ?`
	_, err := d.db.ExecContext(ctx, query, uid, key)
	if err != nil {
		return fmt.Errorf("删除账号属性失败: %w", err)
	}
	return nil
}

// Close 关闭连接
func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}
