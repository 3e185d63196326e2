package model

import (
	"errors"
)

// MeshError 定义服务网格操作可能返回的错误类型
type MeshError struct {
	Code    int
	Message string
	Err     error
}

// Error 实现error接口
func (e *MeshError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *MeshError) Unwrap() error {
	return e.Err
}

// 定义错误代码
const (
	// ErrNotFound 服务不存在
	ErrNotFound = iota + 1
	// ErrUnreachable 服务不可达（超时或网络错误）
	ErrUnreachable
	// ErrBadResponse 服务返回了非成功状态码或无法解析的响应
	ErrBadResponse
	// ErrHandler 事件处理函数执行失败
	ErrHandler
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
)

// NewNotFoundError 创建服务不存在错误
func NewNotFoundError(message string) *MeshError {
	return &MeshError{Code: ErrNotFound, Message: message}
}

// NewUnreachableError 创建服务不可达错误
func NewUnreachableError(message string, err error) *MeshError {
	return &MeshError{Code: ErrUnreachable, Message: message, Err: err}
}

// NewBadResponseError 创建响应异常错误
func NewBadResponseError(message string, err error) *MeshError {
	return &MeshError{Code: ErrBadResponse, Message: message, Err: err}
}

// NewHandlerError 创建事件处理错误
func NewHandlerError(message string, err error) *MeshError {
	return &MeshError{Code: ErrHandler, Message: message, Err: err}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *MeshError {
	return &MeshError{Code: ErrInvalidArgument, Message: message}
}

// CodeOf 返回错误链中第一个MeshError的错误代码，没有则返回0
func CodeOf(err error) int {
	var me *MeshError
	if errors.As(err, &me) {
		return me.Code
	}
	return 0
}

// IsNotFound 判断是否为服务不存在错误
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrNotFound
}
