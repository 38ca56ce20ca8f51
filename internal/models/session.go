// internal/models/session.go
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidTone       = errors.New("invalid tone")
	ErrInvalidComplexity = errors.New("invalid complexity")
	ErrInvalidGenre      = errors.New("invalid genre")
)

// Tone 故事语气
type Tone string

const (
	ToneSerious       Tone = "Serious"
	ToneHumorous      Tone = "Humorous"
	ToneDark          Tone = "Dark"
	ToneInspirational Tone = "Inspirational"
)

// Tones 按界面显示顺序排列，第一个为默认值
var Tones = []Tone{ToneSerious, ToneHumorous, ToneDark, ToneInspirational}

// ParseTone 不区分大小写地解析语气
func ParseTone(s string) (Tone, error) {
	for _, t := range Tones {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTone, s)
}

const (
	MinComplexity = 1
	MaxComplexity = 10
)

// Customization 是生成初稿和续写时使用的写作偏好
type Customization struct {
	Tone       Tone `json:"tone"`
	Complexity int  `json:"complexity"`
}

// DefaultCustomization 对应第一个语气选项和最低复杂度
func DefaultCustomization() Customization {
	return Customization{Tone: ToneSerious, Complexity: MinComplexity}
}

func (c Customization) Validate() error {
	if _, err := ParseTone(string(c.Tone)); err != nil {
		return err
	}
	if c.Complexity < MinComplexity || c.Complexity > MaxComplexity {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidComplexity, c.Complexity, MinComplexity, MaxComplexity)
	}
	return nil
}

// CustomizationPatch 只携带请求中出现的偏好字段
type CustomizationPatch struct {
	Tone       *Tone
	Complexity *int
}

// Apply 在 base 上覆盖已提供的字段
func (p CustomizationPatch) Apply(base Customization) Customization {
	if p.Tone != nil {
		base.Tone = *p.Tone
	}
	if p.Complexity != nil {
		base.Complexity = *p.Complexity
	}
	return base
}

// Validate 只校验已提供的字段
func (p CustomizationPatch) Validate() error {
	return p.Apply(DefaultCustomization()).Validate()
}

// Genre 前提的题材
type Genre string

const (
	GenreSciFi  Genre = "scifi"
	GenreHorror Genre = "horror"
	GenreFunny  Genre = "funny"
)

// Stage 由会话内容推导出的写作阶段
type Stage string

const (
	StageEmpty         Stage = "EMPTY"
	StagePremiseSet    Stage = "PREMISE_SET"
	StageOutlineSet    Stage = "OUTLINE_SET"
	StageStoryDrafted  Stage = "STORY_DRAFTED"
	StageStoryExtended Stage = "STORY_EXTENDED"
)

// Progress 返回阶段对应的进度百分比
func (s Stage) Progress() int {
	switch s {
	case StagePremiseSet:
		return 25
	case StageOutlineSet:
		return 50
	case StageStoryDrafted:
		return 75
	case StageStoryExtended:
		return 100
	default:
		return 0
	}
}

// Session 是一个浏览器会话的写作状态
type Session struct {
	ID            string        `json:"id"`
	Premise       string        `json:"premise"`
	Outline       string        `json:"outline"`
	Story         string        `json:"story"`
	Genre         Genre         `json:"genre,omitempty"`
	Customization Customization `json:"customization"`
	Extensions    int           `json:"extensions"` // 自上次初稿或加载以来的续写/支线次数
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NewSession 创建空会话
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:            id,
		Customization: DefaultCustomization(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Stage 推导当前阶段
func (s *Session) Stage() Stage {
	switch {
	case s.Story != "" && s.Extensions > 0:
		return StageStoryExtended
	case s.Story != "":
		return StageStoryDrafted
	case s.Outline != "":
		return StageOutlineSet
	case s.Premise != "":
		return StagePremiseSet
	default:
		return StageEmpty
	}
}

func (s *Session) CanOutline() bool { return s.Premise != "" }
func (s *Session) CanDraft() bool   { return s.Outline != "" }
func (s *Session) CanExtend() bool  { return s.Story != "" }

// Clone 返回值拷贝，动作在拷贝上执行，成功后再整体替换
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// Unlocked 描述各步骤当前是否可用
type Unlocked struct {
	Outline bool `json:"outline"`
	Draft   bool `json:"draft"`
	Extend  bool `json:"extend"`
}

// SessionSnapshot 是对外返回的会话视图
type SessionSnapshot struct {
	*Session
	Stage    Stage    `json:"stage"`
	Progress int      `json:"progress"`
	Unlocked Unlocked `json:"unlocked"`
}

// Snapshot 生成带派生字段的只读视图
func (s *Session) Snapshot() SessionSnapshot {
	stage := s.Stage()
	return SessionSnapshot{
		Session:  s.Clone(),
		Stage:    stage,
		Progress: stage.Progress(),
		Unlocked: Unlocked{
			Outline: s.CanOutline(),
			Draft:   s.CanDraft(),
			Extend:  s.CanExtend(),
		},
	}
}
