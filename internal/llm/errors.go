package llm

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind 区分可重试与不可重试的生成错误
type ErrorKind int

const (
	KindFatal ErrorKind = iota
	KindTransient
)

func (k ErrorKind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "fatal"
}

// ErrEmptyResponse 服务返回了空文本
var ErrEmptyResponse = errors.New("生成服务未返回任何文本")

// ErrGenerationBlocked 服务因内容策略拒绝生成，重试不会改变结果
var ErrGenerationBlocked = errors.New("GENERATION_BLOCKED")

// GenerationError 是提供者返回的分类错误
type GenerationError struct {
	Kind       ErrorKind
	StatusCode int           // HTTP 状态码，网络错误时为 0
	Status     string        // 服务端状态，例如 RESOURCE_EXHAUSTED
	RetryAfter time.Duration // 服务端建议的等待时间
	Err        error
}

func (e *GenerationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s generation error (%d %s): %v", e.Kind, e.StatusCode, e.Status, e.Err)
	}
	return fmt.Sprintf("%s generation error: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// NewTransientError 构造可重试错误
func NewTransientError(statusCode int, err error) *GenerationError {
	return &GenerationError{Kind: KindTransient, StatusCode: statusCode, Err: err}
}

// NewFatalError 构造不可重试错误
func NewFatalError(statusCode int, err error) *GenerationError {
	return &GenerationError{Kind: KindFatal, StatusCode: statusCode, Err: err}
}

// IsTransient 报告错误链中是否有可重试的 GenerationError
func IsTransient(err error) bool {
	var genErr *GenerationError
	return errors.As(err, &genErr) && genErr.Kind == KindTransient
}

// IsAuthError 报告错误是否由凭证问题引起
func IsAuthError(err error) bool {
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		return false
	}
	return genErr.StatusCode == 401 || genErr.StatusCode == 403
}

// StatusClassification 按 HTTP 状态码分类，429 和 5xx 网关类错误可重试
func StatusClassification(statusCode int) ErrorKind {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return KindTransient
	default:
		return KindFatal
	}
}
