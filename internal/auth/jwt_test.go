package auth

import (
	"errors"
	"testing"
	"time"
)

func TestJWTManager(t *testing.T) {
	m := NewJWTManager("secret", "gamemail")

	token, err := m.GenerateToken("alice", 7, false, time.Hour)
	if err != nil {
		t.Fatalf("生成令牌失败: %v", err)
	}

	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("验证令牌失败: %v", err)
	}
	if claims.Account != "alice" || claims.UID != 7 || claims.Admin {
		t.Errorf("claims = %+v", claims)
	}
}

func TestJWTManager_Invalid(t *testing.T) {
	m := NewJWTManager("secret", "gamemail")

	tests := []struct {
		name    string
		token   func() string
		wantErr error
	}{
		{
			name: "已过期",
			token: func() string {
				tok, _ := m.GenerateToken("alice", 1, false, -time.Minute)
				return tok
			},
			wantErr: ErrExpiredToken,
		},
		{
			name: "密钥不同",
			token: func() string {
				tok, _ := NewJWTManager("other", "gamemail").GenerateToken("alice", 1, true, time.Hour)
				return tok
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "签发者不同",
			token: func() string {
				tok, _ := NewJWTManager("secret", "someone-else").GenerateToken("alice", 1, true, time.Hour)
				return tok
			},
			wantErr: ErrInvalidToken,
		},
		{
			name:    "格式错误",
			token:   func() string { return "not-a-jwt" },
			wantErr: ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ValidateToken(tt.token())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
