package proxy

import (
	"errors"
	"fmt"
)

// Kind 对请求失败原因分类，边界层据此决定日志级别，响应统一为 FailureStatus。
type Kind string

const (
	KindInvalidNamespace  Kind = "InvalidNamespace"
	KindInvalidOrigin     Kind = "InvalidOrigin"
	KindUnsupportedMethod Kind = "UnsupportedMethod"
	KindOriginUnreachable Kind = "OriginUnreachable"
	KindNotFound          Kind = "NotFound"
	KindStorageFailure    Kind = "StorageFailure"
	KindUnexpected        Kind = "Unexpected"
)

// Error 携带失败分类、失败的步骤以及底层错误。
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 返回 err 链上第一个 *Error 的分类；非 *Error 一律视为 Unexpected。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// clientFault 表示请求本身不合法，与存储/源站故障区分日志级别。
func clientFault(kind Kind) bool {
	switch kind {
	case KindInvalidNamespace, KindInvalidOrigin, KindUnsupportedMethod:
		return true
	default:
		return false
	}
}
