package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gomailzero/gamemail/internal/logger"
	"github.com/spf13/viper"
)

// envPrefix 环境变量前缀，例如 GMAIL_MAIL_ROOT
const envPrefix = "GMAIL"

// Config 应用配置
type Config struct {
	Domain  string        `yaml:"domain" mapstructure:"domain"`
	WorkDir string        `yaml:"workdir" mapstructure:"workdir"` // 工作目录，所有相对路径基于此目录
	TLS     TLSConfig     `yaml:"tls" mapstructure:"tls"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
	Mail    MailConfig    `yaml:"mail" mapstructure:"mail"`
	Chat    ChatConfig    `yaml:"chat" mapstructure:"chat"`
	SMTP    SMTPConfig    `yaml:"smtp" mapstructure:"smtp"`
	Admin   AdminConfig   `yaml:"admin" mapstructure:"admin"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// TLSConfig TLS 配置
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	CertFile   string `yaml:"cert_file" mapstructure:"cert_file"`
	KeyFile    string `yaml:"key_file" mapstructure:"key_file"`
	MinVersion string `yaml:"min_version" mapstructure:"min_version"`
}

// StorageConfig 账号库配置
type StorageConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // sqlite
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// MailConfig 游戏邮箱配置
type MailConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	Root         string        `yaml:"root" mapstructure:"root"`                   // 邮箱根目录
	DefaultQuota int           `yaml:"default_quota" mapstructure:"default_quota"` // 未设置账号属性时的配额
	MaxQuota     int           `yaml:"max_quota" mapstructure:"max_quota"`         // 配额上限
	LockDir      string        `yaml:"lock_dir" mapstructure:"lock_dir"`           // 跨进程锁文件目录，留空只用进程内锁
	LockTimeout  time.Duration `yaml:"lock_timeout" mapstructure:"lock_timeout"`
	SendLimit    int           `yaml:"send_limit" mapstructure:"send_limit"` // 每个发件人在 send_window 内的发信数，0 不限
	SendWindow   time.Duration `yaml:"send_window" mapstructure:"send_window"`
}

// ChatConfig 聊天服务配置
type ChatConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Port    int    `yaml:"port" mapstructure:"port"`
	MOTD    string `yaml:"motd" mapstructure:"motd"`
}

// SMTPConfig SMTP 网关配置
type SMTPConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Port     int    `yaml:"port" mapstructure:"port"`
	MaxSize  string `yaml:"max_size" mapstructure:"max_size"`
	Hostname string `yaml:"hostname" mapstructure:"hostname"`
}

// AdminConfig 管理配置
type AdminConfig struct {
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	Port      int    `yaml:"port" mapstructure:"port"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // trace, debug, info, warn, error, fatal
	Format string `yaml:"format" mapstructure:"format"` // json, text
	Output string `yaml:"output" mapstructure:"output"` // stdout, file path
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
	Port    int    `yaml:"port" mapstructure:"port"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	v := newViper(path)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 配置文件不存在时使用默认值
	}

	return decode(v)
}

func newViper(path string) *viper.Viper {
	v := viper.New()

	// 设置配置文件路径
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// 设置环境变量前缀
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// 解析工作目录和相对路径
	if err := resolvePaths(&cfg); err != nil {
		return nil, fmt.Errorf("解析路径失败: %w", err)
	}

	// 验证配置
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// resolvePaths 解析工作目录和相对路径
func resolvePaths(cfg *Config) error {
	// 如果没有指定工作目录，使用当前工作目录
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("获取当前工作目录失败: %w", err)
		}
		cfg.WorkDir = wd
	}

	// 将工作目录转换为绝对路径
	workDir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("解析工作目录失败: %w", err)
	}
	cfg.WorkDir = workDir

	// 相对路径基于工作目录解析
	resolvePath := func(path string) string {
		if path == "" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(workDir, path)
	}

	// SQLite DSN 如果是相对路径，基于工作目录解析
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.DSN != ":memory:" {
		cfg.Storage.DSN = resolvePath(cfg.Storage.DSN)
	}

	cfg.Mail.Root = resolvePath(cfg.Mail.Root)
	cfg.Mail.LockDir = resolvePath(cfg.Mail.LockDir)

	cfg.TLS.CertFile = resolvePath(cfg.TLS.CertFile)
	cfg.TLS.KeyFile = resolvePath(cfg.TLS.KeyFile)

	// 解析日志输出路径（如果不是 stdout）
	if cfg.Log.Output != "" && cfg.Log.Output != "stdout" && cfg.Log.Output != "stderr" {
		cfg.Log.Output = resolvePath(cfg.Log.Output)
	}

	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	// 基础配置
	v.SetDefault("domain", "game.local")
	v.SetDefault("workdir", "") // 默认使用当前工作目录

	// TLS 配置
	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.min_version", "1.2")

	// 账号库配置
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "/var/lib/gamemail/accounts.db")

	// 邮箱配置
	v.SetDefault("mail.enabled", true)
	v.SetDefault("mail.root", "/var/lib/gamemail/mail")
	v.SetDefault("mail.default_quota", 5)
	v.SetDefault("mail.max_quota", 30)
	v.SetDefault("mail.lock_dir", "/var/lib/gamemail/locks")
	v.SetDefault("mail.lock_timeout", "5s")
	v.SetDefault("mail.send_limit", 0)
	v.SetDefault("mail.send_window", "1m")

	// 聊天服务配置
	v.SetDefault("chat.enabled", true)
	v.SetDefault("chat.port", 6112)
	v.SetDefault("chat.motd", "")

	// SMTP 网关配置
	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.port", 2525)
	v.SetDefault("smtp.max_size", "1MB")
	v.SetDefault("smtp.hostname", "")

	// 管理配置
	v.SetDefault("admin.port", 8081)

	// 日志配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	// 指标配置
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)
}

// validate 验证配置
func validate(cfg *Config) error {
	if cfg.Domain == "" {
		return fmt.Errorf("domain 不能为空")
	}

	if cfg.Storage.Driver != "sqlite" {
		return fmt.Errorf("不支持的存储驱动: %s", cfg.Storage.Driver)
	}

	if cfg.Mail.Root == "" {
		return fmt.Errorf("mail.root 不能为空")
	}
	if cfg.Mail.MaxQuota < 1 {
		return fmt.Errorf("mail.max_quota 必须大于 0: %d", cfg.Mail.MaxQuota)
	}
	if cfg.Mail.SendLimit < 0 {
		return fmt.Errorf("mail.send_limit 不能为负数: %d", cfg.Mail.SendLimit)
	}
	if _, err := ParseSize(cfg.SMTP.MaxSize); err != nil {
		return fmt.Errorf("smtp.max_size 无效: %w", err)
	}

	if cfg.TLS.Enabled {
		if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
			return fmt.Errorf("TLS 已启用但未配置证书文件")
		}
		// 检查证书文件是否存在
		if _, err := os.Stat(cfg.TLS.CertFile); err != nil {
			return fmt.Errorf("证书文件不存在: %w", err)
		}
		if _, err := os.Stat(cfg.TLS.KeyFile); err != nil {
			return fmt.Errorf("密钥文件不存在: %w", err)
		}
	}

	return nil
}

// ParseSize 解析大小字符串（如 "1MB"）为字节数，支持 KB、MB、GB 和纯数字
func ParseSize(sizeStr string) (int64, error) {
	s := strings.ToUpper(strings.TrimSpace(sizeStr))
	if s == "" {
		return 0, fmt.Errorf("大小为空")
	}

	var multiplier int64 = 1
	for _, unit := range []struct {
		suffix string
		mul    int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	} {
		if strings.HasSuffix(s, unit.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, unit.suffix))
			multiplier = unit.mul
			break
		}
	}

	var size int64
	if _, err := fmt.Sscanf(s, "%d", &size); err != nil || size <= 0 {
		return 0, fmt.Errorf("无法解析大小: %q", sizeStr)
	}
	return size * multiplier, nil
}

// Watch 监听配置文件变化，解析并验证通过后调用 callback
func Watch(path string, callback func(*Config) error) error {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Error().Err(err).Str("file", e.Name).Msg("配置热更新失败")
			return
		}

		if err := callback(cfg); err != nil {
			logger.Error().Err(err).Str("file", e.Name).Msg("配置热更新失败: 回调错误")
			return
		}

		logger.Info().Str("file", e.Name).Msg("配置热更新成功")
	})
	v.WatchConfig()

	return nil
}
