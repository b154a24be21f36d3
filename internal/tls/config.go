package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/gomailzero/gamemail/internal/config"
	"github.com/gomailzero/gamemail/internal/logger"
)

// CertStore 持有当前证书，支持不重启监听器重新加载
type CertStore struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	certFile string
	keyFile  string
}

// LoadTLSConfig 加载 TLS 配置，未启用时返回 nil
func LoadTLSConfig(cfg *config.TLSConfig) (*tls.Config, *CertStore, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, nil, fmt.Errorf("TLS 已启用但未配置证书")
	}

	store := &CertStore{certFile: cfg.CertFile, keyFile: cfg.KeyFile}
	if err := store.Reload(); err != nil {
		return nil, nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion:     tls.VersionTLS12,
		MaxVersion:     tls.VersionTLS13,
		GetCertificate: store.GetCertificate,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}

	// 设置最低 TLS 版本
	switch cfg.MinVersion {
	case "1.3":
		tlsConfig.MinVersion = tls.VersionTLS13
	default:
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	return tlsConfig, store, nil
}

// Reload 重新加载证书（用于热更新）
func (s *CertStore) Reload() error {
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return fmt.Errorf("加载证书失败: %w", err)
	}

	s.mu.Lock()
	s.cert = &cert
	s.mu.Unlock()

	logger.Info().
		Str("cert_file", s.certFile).
		Str("key_file", s.keyFile).
		Msg("加载 TLS 证书")
	return nil
}

// GetCertificate 供 tls.Config 使用
func (s *CertStore) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cert, nil
}

// Expiry 当前证书的过期时间
func (s *CertStore) Expiry() (time.Time, error) {
	s.mu.RLock()
	cert := s.cert
	s.mu.RUnlock()

	if cert == nil || len(cert.Certificate) == 0 {
		return time.Time{}, fmt.Errorf("没有已加载的证书")
	}
	leaf := cert.Leaf
	if leaf == nil {
		var err error
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return time.Time{}, fmt.Errorf("解析证书失败: %w", err)
		}
	}
	return leaf.NotAfter, nil
}
