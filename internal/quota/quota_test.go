package quota

import (
	"context"
	"errors"
	"testing"
)

type mockAttrs map[string]string

func (m mockAttrs) Attr(ctx context.Context, uid uint32, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

type failingAttrs struct{}

func (failingAttrs) Attr(ctx context.Context, uid uint32, key string) (string, bool, error) {
	return "", false, errors.New("db down")
}

func TestPolicy_Effective(t *testing.T) {
	p := NewPolicy(DefaultMailQuota, MaxMailQuota)

	tests := []struct {
		name     string
		override string
		set      bool
		want     int
	}{
		{name: "未设置使用默认", set: false, want: DefaultMailQuota},
		{name: "正常覆盖", override: "12", set: true, want: 12},
		{name: "零提升到 1", override: "0", set: true, want: 1},
		{name: "负数提升到 1", override: "-4", set: true, want: 1},
		{name: "超过上限", override: "500", set: true, want: MaxMailQuota},
		{name: "等于上限", override: "30", set: true, want: MaxMailQuota},
		{name: "非数字按 0 处理", override: "lots", set: true, want: 1},
		{name: "前导数字", override: " 7abc", set: true, want: 7},
		{name: "溢出", override: "99999999999999999999999", set: true, want: MaxMailQuota},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Effective(tt.override, tt.set); got != tt.want {
				t.Errorf("Effective(%q, %v) = %d, want %d", tt.override, tt.set, got, tt.want)
			}
		})
	}
}

func TestPolicy_OverflowUsesConfiguredMax(t *testing.T) {
	p := NewPolicy(5, 100)

	tests := []struct {
		override string
		want     int
	}{
		{"99999999999999999999999", 100},
		{"-99999999999999999999999", 1},
		{"150", 100},
	}
	for _, tt := range tests {
		if got := p.Effective(tt.override, true); got != tt.want {
			t.Errorf("Effective(%q) with Max=100 = %d, want %d", tt.override, got, tt.want)
		}
	}
}

func TestPolicy_DefaultIsClamped(t *testing.T) {
	if got := NewPolicy(100, 10).Effective("", false); got != 10 {
		t.Errorf("默认值超过上限: got %d, want 10", got)
	}
	if got := NewPolicy(0, 10).Effective("", false); got != 1 {
		t.Errorf("默认值为 0: got %d, want 1", got)
	}
	if got := NewPolicy(5, 0).Max; got != MaxMailQuota {
		t.Errorf("Max = %d, want %d", got, MaxMailQuota)
	}
}

func TestPolicy_For(t *testing.T) {
	ctx := context.Background()
	p := NewPolicy(DefaultMailQuota, MaxMailQuota)

	got, err := p.For(ctx, mockAttrs{AttrMailQuota: "8"}, 1)
	if err != nil {
		t.Fatalf("For() error = %v", err)
	}
	if got != 8 {
		t.Errorf("For() = %d, want 8", got)
	}

	got, err = p.For(ctx, mockAttrs{}, 1)
	if err != nil {
		t.Fatalf("For() error = %v", err)
	}
	if got != DefaultMailQuota {
		t.Errorf("For() = %d, want %d", got, DefaultMailQuota)
	}

	if _, err := p.For(ctx, failingAttrs{}, 1); err == nil {
		t.Error("属性读取失败时应该返回错误")
	}
}
