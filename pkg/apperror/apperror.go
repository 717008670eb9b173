package apperror

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind string

const (
	// KindTransientStore 存储读写失败（网络/后端异常），可重试
	KindTransientStore Kind = "transient_store"
	// KindReferentialGap 引用的消息已删除或不可见
	KindReferentialGap Kind = "referential_gap"
	// KindSubscriptionDrop 订阅断开，需要重新订阅并全量拉取
	KindSubscriptionDrop Kind = "subscription_drop"
	// KindPermissionViolation 无权执行该操作，在发起任何网络请求前拒绝
	KindPermissionViolation Kind = "permission_violation"
	// KindNotFound 目标不存在
	KindNotFound Kind = "not_found"
	// KindInvalidInput 参数错误
	KindInvalidInput Kind = "invalid_input"
	// KindInvalidTransition 会话状态不允许该操作
	KindInvalidTransition Kind = "invalid_transition"
)

// AppError 业务错误
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// New 创建业务错误
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Wrap 包装底层错误
func Wrap(kind Kind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// KindOf 返回错误链上第一个 AppError 的分类，找不到时返回空
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// Is 判断错误是否属于指定分类
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf 返回面向用户的错误信息
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
