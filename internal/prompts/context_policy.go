// internal/prompts/context_policy.go
package prompts

import (
	"errors"
	"fmt"
)

// ContextMode 决定累积故事文本如何进入续写提示词
type ContextMode string

const (
	ContextUnbounded ContextMode = "unbounded"
	ContextTruncate  ContextMode = "truncate"
	ContextReject    ContextMode = "reject"
)

// ElisionMarker 截断后放在保留文本之前
const ElisionMarker = "[...earlier story omitted...]\n"

var ErrContextTooLarge = errors.New("story context exceeds the configured limit")

// ContextPolicy 在故事文本放入提示词之前对其进行约束
type ContextPolicy struct {
	Mode     ContextMode `json:"mode"`
	MaxChars int         `json:"max_chars,omitempty"`
}

// NewContextPolicy 校验并创建策略
func NewContextPolicy(mode string, maxChars int) (ContextPolicy, error) {
	p := ContextPolicy{Mode: ContextMode(mode), MaxChars: maxChars}
	switch p.Mode {
	case "":
		p.Mode = ContextUnbounded
	case ContextUnbounded:
	case ContextTruncate, ContextReject:
		if maxChars <= 0 {
			return ContextPolicy{}, fmt.Errorf("上下文策略 %s 需要正数 MaxChars", mode)
		}
	default:
		return ContextPolicy{}, fmt.Errorf("未知的上下文策略: %s", mode)
	}
	return p, nil
}

// Apply 返回可放入提示词的故事文本，长度按 rune 计
func (p ContextPolicy) Apply(story string) (string, error) {
	if p.Mode == ContextUnbounded || p.MaxChars <= 0 {
		return story, nil
	}
	runes := []rune(story)
	if len(runes) <= p.MaxChars {
		return story, nil
	}
	if p.Mode == ContextReject {
		return "", fmt.Errorf("%w: %d > %d characters", ErrContextTooLarge, len(runes), p.MaxChars)
	}
	return ElisionMarker + string(runes[len(runes)-p.MaxChars:]), nil
}
