package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 namespace/目标地址/处理结果字段，供代理请求日志复用。
func RequestFields(namespace, method, target, outcome string) logrus.Fields {
	fields := logrus.Fields{
		"action":    "proxy",
		"namespace": namespace,
		"method":    method,
		"outcome":   outcome,
		"cache_hit": outcome == "hit",
	}
	if target != "" {
		fields["target"] = target
	}
	return fields
}
