package config

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return rejectField("ListenPort", g.ListenPort, "必须在 1-65535")
	}
	if strings.TrimSpace(g.StoragePath) == "" {
		return rejectField("StoragePath", g.StoragePath, "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return rejectField("UpstreamTimeout", g.UpstreamTimeout.DurationValue(), "必须大于 0")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return rejectField("LogLevel", g.LogLevel, "无法识别")
		}
	}
	if g.LogMaxSize < 0 {
		return rejectField("LogMaxSize", g.LogMaxSize, "不能为负数")
	}
	if g.LogMaxBackups < 0 {
		return rejectField("LogMaxBackups", g.LogMaxBackups, "不能为负数")
	}

	return c.Metadata.validate()
}

func (m MetadataConfig) validate() error {
	switch m.Backend {
	case MetadataBackendSQLite:
		return nil
	case MetadataBackendRedis:
		if strings.TrimSpace(m.RedisAddr) == "" {
			return rejectField("RedisAddr", m.RedisAddr, "redis 后端必须提供地址")
		}
		if m.RedisDB < 0 {
			return rejectField("RedisDB", m.RedisDB, "不能为负数")
		}
		if strings.ContainsAny(m.RedisKeyPrefix, " \t\n") {
			return rejectField("RedisKeyPrefix", m.RedisKeyPrefix, "不允许包含空白字符")
		}
		return nil
	default:
		return rejectField("MetadataBackend", m.Backend, "仅支持 sqlite|redis")
	}
}
