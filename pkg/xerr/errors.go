package xerr

import (
	"errors"
	"fmt"
)

// 常用错误码定义
const (
	OK                 = 200
	RequestParamsError = 400
	RecordNotFound     = 404
	TooManyRequests    = 429
	ServerCommonError  = 500
	ServiceUnavailable = 503

	// 业务码
	UnsupportedSymbol = 1001002
	InvalidAlert      = 1001003
	UnknownEvent      = 1001004
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"message"`
	err  error
}

func (e *CodeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s: %v", e.Code, e.Msg, e.err)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.err }

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 保留原始错误链，对外只暴露 code + msg
func Wrap(err error, code int, msg string) error {
	if err == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, err: err}
}

// From 取出错误链上的 CodeError，没有就按 500 处理
func From(err error) *CodeError {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce
	}
	return &CodeError{Code: ServerCommonError, Msg: MapErrMsg(ServerCommonError), err: err}
}

func MapErrMsg(code int) string {
	switch code {
	case RequestParamsError:
		return "invalid params"
	case RecordNotFound:
		return "not found"
	case TooManyRequests:
		return "too many requests"
	case ServerCommonError:
		return "internal error"
	case ServiceUnavailable:
		return "service unavailable"
	case UnsupportedSymbol:
		return "unsupported symbol"
	case InvalidAlert:
		return "invalid alert"
	case UnknownEvent:
		return "unknown event"
	default:
		return "unknown error"
	}
}
