package config

import (
	"fmt"
	"strings"
)

// FieldError 指向配置文件中的键名（与 TOML 中书写一致），并带上被拒绝的取值。
type FieldError struct {
	Field  string
	Value  any
	Reason string
}

func (e FieldError) Error() string {
	value := fmt.Sprint(e.Value)
	if strings.TrimSpace(value) == "" {
		return fmt.Sprintf("配置项 %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("配置项 %s=%q %s", e.Field, value, e.Reason)
}

func rejectField(field string, value any, reason string) error {
	return FieldError{Field: field, Value: value, Reason: reason}
}
