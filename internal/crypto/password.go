package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id 参数（OWASP 推荐的低内存档）
	argon2Time    = 3
	argon2Memory  = 32 * 1024 // 32 MB
	argon2Threads = 4
	argon2KeyLen  = 32
	saltSize      = 16

	hashPrefix = "argon2id"
)

// ErrMalformedHash 密码哈希格式无效
var ErrMalformedHash = errors.New("密码哈希格式无效")

// HashPassword 使用 Argon2id 哈希账号密码，格式为 argon2id$<salt>$<hash>
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("生成 salt 失败: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	enc := base64.RawStdEncoding
	return hashPrefix + "$" + enc.EncodeToString(salt) + "$" + enc.EncodeToString(hash), nil
}

// VerifyPassword 验证密码
func VerifyPassword(password, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 3 || parts[0] != hashPrefix {
		return false, ErrMalformedHash
	}

	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[1])
	if err != nil || len(salt) != saltSize {
		return false, ErrMalformedHash
	}
	expected, err := enc.DecodeString(parts[2])
	if err != nil || len(expected) == 0 {
		return false, ErrMalformedHash
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, uint32(len(expected)))

	// 使用 constant-time 比较
	return subtle.ConstantTimeCompare(hash, expected) == 1, nil
}
