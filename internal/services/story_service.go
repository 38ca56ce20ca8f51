// internal/services/story_service.go
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/Corphon/StoryGenerator/internal/errors"
	"github.com/Corphon/StoryGenerator/internal/llm"
	"github.com/Corphon/StoryGenerator/internal/models"
	"github.com/Corphon/StoryGenerator/internal/prompts"
	"github.com/Corphon/StoryGenerator/internal/storage"
	"github.com/Corphon/StoryGenerator/internal/utils"
)

// SubplotPrefix 支线文本追加到故事前的标记
const SubplotPrefix = "\n\n**Subplot**: "

// EventPublisher 接收会话事件
type EventPublisher interface {
	Publish(event models.SessionEvent)
}

type noopPublisher struct{}

func (noopPublisher) Publish(models.SessionEvent) {}

// StoryServiceConfig 故事服务的依赖
type StoryServiceConfig struct {
	Generator llm.TextGenerator
	Prompts   *prompts.Builder
	Store     *SessionStore
	StoryFile *storage.StoryFile
	Events    EventPublisher

	// 重新生成前提时是否清空大纲和故事
	PremiseResetsDownstream bool
}

// StoryService 每个界面动作对应一个方法，负责解锁规则和错误归类
type StoryService struct {
	generator               llm.TextGenerator
	prompts                 *prompts.Builder
	store                   *SessionStore
	storyFile               *storage.StoryFile
	events                  EventPublisher
	metrics                 *StoryServiceMetrics
	premiseResetsDownstream bool
	logger                  *utils.Logger
}

// NewStoryService 创建故事服务
func NewStoryService(cfg StoryServiceConfig) *StoryService {
	events := cfg.Events
	if events == nil {
		events = noopPublisher{}
	}
	return &StoryService{
		generator:               cfg.Generator,
		prompts:                 cfg.Prompts,
		store:                   cfg.Store,
		storyFile:               cfg.StoryFile,
		events:                  events,
		metrics:                 NewStoryServiceMetrics(),
		premiseResetsDownstream: cfg.PremiseResetsDownstream,
		logger:                  utils.GetLogger(),
	}
}

// Options 可供界面选择的题材、语气和复杂度范围
type Options struct {
	Genres        []prompts.GenreSpec   `json:"genres"`
	Tones         []models.Tone         `json:"tones"`
	MinComplexity int                   `json:"min_complexity"`
	MaxComplexity int                   `json:"max_complexity"`
	Default       models.Customization  `json:"default"`
	Context       prompts.ContextPolicy `json:"context"`
}

func (s *StoryService) Options() Options {
	return Options{
		Genres:        s.prompts.Catalog().Genres,
		Tones:         models.Tones,
		MinComplexity: models.MinComplexity,
		MaxComplexity: models.MaxComplexity,
		Default:       models.DefaultCustomization(),
		Context:       s.prompts.Policy(),
	}
}

// Session 返回会话当前状态
func (s *StoryService) Session(sessionID string) *models.Session {
	return s.store.Get(sessionID)
}

// Metrics 返回服务指标
func (s *StoryService) Metrics() map[string]interface{} {
	m := s.metrics.GetMetrics()
	m["sessions"] = s.store.Len()
	return m
}

// GeneratePremise 按题材生成前提，任何阶段都可用
func (s *StoryService) GeneratePremise(ctx context.Context, sessionID string, genre models.Genre) (*models.Session, error) {
	prompt, err := s.prompts.Premise(genre)
	if err != nil {
		return nil, apperrors.NewValidationError("unknown genre: "+string(genre), err).WithCode(apperrors.CodeInvalidGenre)
	}

	return s.run(ctx, sessionID, models.ActionPremise, func(ctx context.Context, sess *models.Session) error {
		text, err := s.generate(ctx, sess.ID, models.ActionPremise, prompt)
		if err != nil {
			return err
		}
		sess.Premise = text
		sess.Genre = genre
		if s.premiseResetsDownstream {
			sess.Outline = ""
			sess.Story = ""
			sess.Extensions = 0
		}
		return nil
	})
}

// GenerateOutline 基于前提生成大纲
func (s *StoryService) GenerateOutline(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.run(ctx, sessionID, models.ActionOutline, func(ctx context.Context, sess *models.Session) error {
		if !sess.CanOutline() {
			return apperrors.NewPreconditionError("Generate a premise before building an outline.")
		}
		text, err := s.generate(ctx, sess.ID, models.ActionOutline, s.prompts.Outline(sess.Premise))
		if err != nil {
			return err
		}
		sess.Outline = text
		return nil
	})
}

// GenerateDraft 按写作偏好生成初稿，替换已有故事
func (s *StoryService) GenerateDraft(ctx context.Context, sessionID string, custom models.Customization) (*models.Session, error) {
	if err := custom.Validate(); err != nil {
		return nil, customizationError(err)
	}

	return s.run(ctx, sessionID, models.ActionDraft, func(ctx context.Context, sess *models.Session) error {
		if !sess.CanDraft() {
			return apperrors.NewPreconditionError("Generate an outline before writing the first draft.")
		}
		prompt := s.prompts.Draft(custom, sess.Premise, sess.Outline)
		text, err := s.generate(ctx, sess.ID, models.ActionDraft, prompt)
		if err != nil {
			return err
		}
		sess.Customization = custom
		sess.Story = text
		sess.Extensions = 0
		return nil
	})
}

// ContinueStory 续写故事，input 可以为空；patch 中缺省的字段沿用会话上次的偏好
func (s *StoryService) ContinueStory(ctx context.Context, sessionID, input string, patch models.CustomizationPatch) (*models.Session, error) {
	if err := patch.Validate(); err != nil {
		return nil, customizationError(err)
	}

	return s.run(ctx, sessionID, models.ActionContinue, func(ctx context.Context, sess *models.Session) error {
		if !sess.CanExtend() {
			return apperrors.NewPreconditionError("Write a first draft before continuing the story.")
		}
		c := resolveCustomization(sess, patch)
		prompt, err := s.prompts.Continuation(c, sess.Premise, sess.Outline, sess.Story, input)
		if err != nil {
			return contextError(err)
		}
		text, err := s.generate(ctx, sess.ID, models.ActionContinue, prompt)
		if err != nil {
			return err
		}
		sess.Customization = c
		sess.Story += text
		sess.Extensions++
		return nil
	})
}

// GenerateSubplot 生成支线并以带标签的段落追加到故事末尾
func (s *StoryService) GenerateSubplot(ctx context.Context, sessionID string, patch models.CustomizationPatch) (*models.Session, error) {
	if err := patch.Validate(); err != nil {
		return nil, customizationError(err)
	}

	return s.run(ctx, sessionID, models.ActionSubplot, func(ctx context.Context, sess *models.Session) error {
		if !sess.CanExtend() {
			return apperrors.NewPreconditionError("Write a first draft before adding a subplot.")
		}
		c := resolveCustomization(sess, patch)
		prompt, err := s.prompts.Subplot(c, sess.Premise, sess.Outline, sess.Story)
		if err != nil {
			return contextError(err)
		}
		text, err := s.generate(ctx, sess.ID, models.ActionSubplot, prompt)
		if err != nil {
			return err
		}
		sess.Customization = c
		sess.Story += SubplotPrefix + text
		sess.Extensions++
		return nil
	})
}

// SaveStory 把故事整体写入存档文件，故事为空时也会写入
func (s *StoryService) SaveStory(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.run(ctx, sessionID, models.ActionSave, func(ctx context.Context, sess *models.Session) error {
		if err := s.storyFile.Save(sess.Story); err != nil {
			return apperrors.NewStorageError("Could not save the story.", err).WithCode(apperrors.CodeStorySaveFailed)
		}
		s.logger.Info("故事已保存", map[string]interface{}{
			"session_id": sess.ID,
			"path":       s.storyFile.Path(),
			"chars":      len(sess.Story),
		})
		return nil
	})
}

// LoadStory 从存档文件读取故事并替换当前故事
func (s *StoryService) LoadStory(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.run(ctx, sessionID, models.ActionLoad, func(ctx context.Context, sess *models.Session) error {
		story, err := s.storyFile.Load()
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return apperrors.NewNotFoundError("No saved story found!", err).WithCode(apperrors.CodeStoryFileNotFound)
			}
			return apperrors.NewStorageError("Could not read the saved story.", err).WithCode(apperrors.CodeStoryLoadFailed)
		}
		sess.Story = story
		sess.Extensions = 0
		return nil
	})
}

// Reset 清空会话的所有内容
func (s *StoryService) Reset(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.run(ctx, sessionID, models.ActionReset, func(ctx context.Context, sess *models.Session) error {
		*sess = *models.NewSession(sess.ID, time.Now())
		return nil
	})
}

// run 在会话锁下执行动作，记录指标并推送事件
func (s *StoryService) run(ctx context.Context, sessionID string, action models.Action, fn func(context.Context, *models.Session) error) (*models.Session, error) {
	start := time.Now()
	done := s.metrics.Begin()
	defer done()

	sess, err := s.store.ExecuteWithSessionLock(sessionID, func(sess *models.Session) error {
		return fn(ctx, sess)
	})
	s.metrics.RecordAction(action, time.Since(start), err)

	if err != nil {
		if apperrors.IsConflictError(err) {
			s.metrics.RecordBusy()
		}
		s.logger.Warn("动作失败", map[string]interface{}{
			"session_id": sessionID,
			"action":     action,
			"type":       apperrors.TypeOf(err),
			"error":      err,
		})
		return nil, err
	}

	stage := sess.Stage()
	s.logger.Info("动作完成", map[string]interface{}{
		"session_id":  sessionID,
		"action":      action,
		"stage":       stage,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	s.events.Publish(models.SessionEvent{
		Type:      models.EventSessionUpdated,
		SessionID: sessionID,
		Action:    action,
		Stage:     stage,
		Progress:  stage.Progress(),
		Timestamp: time.Now(),
	})
	return sess, nil
}

// generate 调用生成服务，把重试和结果以事件形式推送
func (s *StoryService) generate(ctx context.Context, sessionID string, action models.Action, prompt string) (string, error) {
	s.publish(sessionID, action, models.EventGenerationStarted, "")

	ctx = llm.WithRetryObserver(ctx, func(attempt uint, err error, wait time.Duration) {
		s.metrics.RecordRetry()
		s.events.Publish(models.SessionEvent{
			Type:      models.EventGenerationRetrying,
			SessionID: sessionID,
			Action:    action,
			Attempt:   attempt,
			WaitMS:    wait.Milliseconds(),
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
	})

	text, err := s.generator.Generate(ctx, prompt)
	if err == nil && strings.TrimSpace(text) == "" {
		err = llm.NewTransientError(0, llm.ErrEmptyResponse)
	}
	if err != nil {
		appErr := classifyGenerationError(err)
		s.publish(sessionID, action, models.EventGenerationFailed, appErr.Message)
		return "", appErr
	}

	s.publish(sessionID, action, models.EventGenerationFinished, "")
	return text, nil
}

func (s *StoryService) publish(sessionID string, action models.Action, eventType models.EventType, message string) {
	s.events.Publish(models.SessionEvent{
		Type:      eventType,
		SessionID: sessionID,
		Action:    action,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// classifyGenerationError 把生成错误归入应用错误类型
func classifyGenerationError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewAppError(apperrors.ErrorTypeTimeout, "The request was cancelled before the story service answered.", err)
	case errors.Is(err, llm.ErrGenerationBlocked):
		return apperrors.NewProcessingError("The story service declined to write this text. Try a different genre or direction.", err).WithCode(apperrors.CodeGenerationBlocked)
	case llm.IsAuthError(err):
		return apperrors.NewUnauthorizedError("The story service rejected the configured credentials.", err).WithCode(apperrors.CodeLLMConfigInvalid)
	case llm.IsTransient(err):
		return apperrors.NewUnavailableError("The story service is busy right now. Please try again shortly.", err).WithCode(apperrors.CodeLLMServiceUnavailable)
	default:
		return apperrors.NewProcessingError("The story service could not generate text.", err).WithCode(apperrors.CodeGenerationFailed)
	}
}

func contextError(err error) error {
	if errors.Is(err, prompts.ErrContextTooLarge) {
		return apperrors.NewValidationError("The story is too long to send as context.", err).WithCode(apperrors.CodeContextTooLarge)
	}
	return apperrors.NewProcessingError("Could not build the prompt.", err)
}

func customizationError(err error) error {
	return apperrors.NewValidationError(err.Error(), err).WithCode(apperrors.CodeInvalidCustom)
}

func resolveCustomization(sess *models.Session, patch models.CustomizationPatch) models.Customization {
	base := sess.Customization
	if base.Validate() != nil {
		base = models.DefaultCustomization()
	}
	return patch.Apply(base)
}
