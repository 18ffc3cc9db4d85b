package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// 元数据索引后端。
const (
	MetadataBackendSQLite = "sqlite"
	MetadataBackendRedis  = "redis"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述代理进程的运行参数，所有 namespace 共享同一份。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	CollapseMisses  bool     `mapstructure:"CollapseMisses"`
}

// MetadataConfig 决定 (namespace, fingerprint) → 对象 ID 索引存放在哪里。
type MetadataConfig struct {
	Backend        string `mapstructure:"MetadataBackend"`
	Path           string `mapstructure:"MetadataPath"`
	RedisAddr      string `mapstructure:"RedisAddr"`
	RedisPassword  string `mapstructure:"RedisPassword"`
	RedisDB        int    `mapstructure:"RedisDB"`
	RedisKeyPrefix string `mapstructure:"RedisKeyPrefix"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig   `mapstructure:",squash"`
	Metadata MetadataConfig `mapstructure:",squash"`
}

// MetadataPathOrDefault 返回 sqlite 索引文件路径，未配置时放在 StoragePath 下。
func (c *Config) MetadataPathOrDefault() string {
	if c.Metadata.Path != "" {
		return c.Metadata.Path
	}
	return filepath.Join(c.Global.StoragePath, "metadata.db")
}

// BackendSummary 输出 `sqlite:<path>` 或 `redis:<addr>`，供启动日志使用。
func (c *Config) BackendSummary() string {
	switch c.Metadata.Backend {
	case MetadataBackendRedis:
		return fmt.Sprintf("%s:%s", MetadataBackendRedis, c.Metadata.RedisAddr)
	default:
		return fmt.Sprintf("%s:%s", MetadataBackendSQLite, c.MetadataPathOrDefault())
	}
}
