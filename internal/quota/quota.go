package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// MaxMailQuota 单个邮箱可容纳邮件数的硬上限
	MaxMailQuota = 30
	// DefaultMailQuota 服务器默认配额
	DefaultMailQuota = 5
	// AttrMailQuota 账号配额覆盖属性
	AttrMailQuota = `BNET\auth\mailquota`
)

// AttrReader 读取账号属性
type AttrReader interface {
	Attr(ctx context.Context, uid uint32, key string) (string, bool, error)
}

// Policy 配额策略
type Policy struct {
	Default int
	Max     int
}

// NewPolicy 创建配额策略，max <= 0 时使用 MaxMailQuota
func NewPolicy(def, max int) Policy {
	if max <= 0 {
		max = MaxMailQuota
	}
	return Policy{Default: def, Max: max}
}

// Effective 计算有效配额，结果总在 [1, Max] 内
func (p Policy) Effective(override string, ok bool) int {
	q := p.Default
	if ok {
		q = atoi(override)
	}
	return p.clamp(q)
}

// For 读取账号的配额覆盖属性并计算有效配额
func (p Policy) For(ctx context.Context, attrs AttrReader, uid uint32) (int, error) {
	value, ok, err := attrs.Attr(ctx, uid, AttrMailQuota)
	if err != nil {
		return 0, fmt.Errorf("读取配额属性失败: %w", err)
	}
	return p.Effective(value, ok), nil
}

func (p Policy) clamp(q int) int {
	max := p.Max
	if max < 1 {
		max = MaxMailQuota
	}
	if q > max {
		q = max
	}
	if q < 1 {
		q = 1
	}
	return q
}

// atoi 按 C atoi 的规则解析前导整数，无法解析时为 0
func atoi(s string) int {
	s = strings.TrimLeft(s, " \t\n\r\v\f")
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		// 溢出时按符号取极值，其余情况为 0
		if errors.Is(err, strconv.ErrRange) {
			if strings.HasPrefix(s, "-") {
				return math.MinInt
			}
			return math.MaxInt
		}
		return 0
	}
	return n
}
