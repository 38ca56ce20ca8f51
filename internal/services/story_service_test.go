package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/Corphon/StoryGenerator/internal/errors"
	"github.com/Corphon/StoryGenerator/internal/llm"
	"github.com/Corphon/StoryGenerator/internal/models"
	"github.com/Corphon/StoryGenerator/internal/prompts"
	"github.com/Corphon/StoryGenerator/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeGenerator 记录提示词并按顺序返回预设回复
type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	replies []string
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	n := len(f.prompts)
	err := f.err
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if n <= len(f.replies) {
		return f.replies[n-1], nil
	}
	return fmt.Sprintf("reply %d", n), nil
}

func (f *fakeGenerator) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// recordingPublisher 收集事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []models.SessionEvent
}

func (r *recordingPublisher) Publish(e models.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingPublisher) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc       *StoryService
	gen       *fakeGenerator
	events    *recordingPublisher
	builder   *prompts.Builder
	storyFile *storage.StoryFile
}

func newFixture(t *testing.T, gen llm.TextGenerator, resetDownstream bool) *fixture {
	t.Helper()
	catalog, err := prompts.DefaultCatalog()
	require.NoError(t, err)
	builder := prompts.NewBuilder(catalog, prompts.ContextPolicy{Mode: prompts.ContextUnbounded})

	storyFile, err := storage.NewStoryFile(t.TempDir(), "saved_story.txt")
	require.NoError(t, err)

	store := NewSessionStore(0)
	t.Cleanup(store.Close)

	events := &recordingPublisher{}
	f := &fixture{
		events:    events,
		builder:   builder,
		storyFile: storyFile,
	}
	if fg, ok := gen.(*fakeGenerator); ok {
		f.gen = fg
	}
	f.svc = NewStoryService(StoryServiceConfig{
		Generator:               gen,
		Prompts:                 builder,
		Store:                   store,
		StoryFile:               storyFile,
		Events:                  events,
		PremiseResetsDownstream: resetDownstream,
	})
	return f
}

func TestFullScenario(t *testing.T) {
	gen := &fakeGenerator{replies: []string{
		"Cats crew a generation ship.",
		"1. Launch\n2. Mutiny",
		"The ship hummed.",
		"A stowaway kitten.",
	}}
	f := newFixture(t, gen, false)
	ctx := context.Background()

	sess, err := f.svc.GeneratePremise(ctx, "s1", models.GenreSciFi)
	require.NoError(t, err)
	assert.Equal(t, "Cats crew a generation ship.", sess.Premise)
	assert.Equal(t, models.StagePremiseSet, sess.Stage())
	premisePrompt, _ := f.builder.Premise(models.GenreSciFi)
	assert.Equal(t, premisePrompt, gen.lastPrompt())

	sess, err = f.svc.GenerateOutline(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "1. Launch\n2. Mutiny", sess.Outline)
	assert.Equal(t, f.builder.Outline("Cats crew a generation ship."), gen.lastPrompt())

	custom := models.Customization{Tone: models.ToneDark, Complexity: 7}
	sess, err = f.svc.GenerateDraft(ctx, "s1", custom)
	require.NoError(t, err)
	assert.Equal(t, "The ship hummed.", sess.Story)
	assert.Equal(t, custom, sess.Customization)
	assert.Equal(t, models.StageStoryDrafted, sess.Stage())
	assert.Contains(t, gen.lastPrompt(), "You prefer to write in a dark tone with a plot complexity level of 7.")
	assert.Contains(t, gen.lastPrompt(), "Your rich outline is:\n1. Launch\n2. Mutiny\nBegin the story.")

	sess, err = f.svc.GenerateSubplot(ctx, "s1", models.CustomizationPatch{})
	require.NoError(t, err)
	assert.Equal(t, "The ship hummed.\n\n**Subplot**: A stowaway kitten.", sess.Story)
	assert.Equal(t, models.StageStoryExtended, sess.Stage())
	assert.Equal(t, 100, sess.Stage().Progress())
	assert.Contains(t, gen.lastPrompt(), "dark tone")
	assert.True(t, strings.HasSuffix(gen.lastPrompt(), "Add an exciting subplot to this story."))
}

func TestLockedStepsFailWithoutChangingSession(t *testing.T) {
	gen := &fakeGenerator{}
	f := newFixture(t, gen, false)
	ctx := context.Background()

	_, err := f.svc.GenerateOutline(ctx, "s1")
	assert.Equal(t, apperrors.ErrorTypePrecondition, apperrors.TypeOf(err))

	_, err = f.svc.GenerateDraft(ctx, "s1", models.DefaultCustomization())
	assert.Equal(t, apperrors.ErrorTypePrecondition, apperrors.TypeOf(err))

	_, err = f.svc.ContinueStory(ctx, "s1", "more", models.CustomizationPatch{})
	assert.Equal(t, apperrors.ErrorTypePrecondition, apperrors.TypeOf(err))

	_, err = f.svc.GenerateSubplot(ctx, "s1", models.CustomizationPatch{})
	assert.Equal(t, apperrors.ErrorTypePrecondition, apperrors.TypeOf(err))

	assert.Equal(t, 0, gen.calls())
	assert.Equal(t, models.StageEmpty, f.svc.Session("s1").Stage())

	_, err = f.svc.GeneratePremise(ctx, "s1", models.GenreHorror)
	require.NoError(t, err)
	_, err = f.svc.GenerateDraft(ctx, "s1", models.DefaultCustomization())
	assert.Equal(t, apperrors.ErrorTypePrecondition, apperrors.TypeOf(err))
	assert.Equal(t, 1, gen.calls())
}

func TestValidationErrors(t *testing.T) {
	gen := &fakeGenerator{}
	f := newFixture(t, gen, false)
	ctx := context.Background()

	_, err := f.svc.GeneratePremise(ctx, "s1", "western")
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))

	_, err = f.svc.GenerateDraft(ctx, "s1", models.Customization{Tone: models.ToneDark, Complexity: 11})
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))

	cheerful := models.Tone("Cheerful")
	_, err = f.svc.ContinueStory(ctx, "s1", "", models.CustomizationPatch{Tone: &cheerful})
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))

	tooSimple := 0
	_, err = f.svc.GenerateSubplot(ctx, "s1", models.CustomizationPatch{Complexity: &tooSimple})
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))

	assert.Equal(t, 0, gen.calls())
}

func TestFailedGenerationLeavesSessionUnchanged(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"premise", "outline", "draft"}}
	f := newFixture(t, gen, false)
	ctx := context.Background()

	_, err := f.svc.GeneratePremise(ctx, "s1", models.GenreFunny)
	require.NoError(t, err)
	_, err = f.svc.GenerateOutline(ctx, "s1")
	require.NoError(t, err)
	before := f.svc.Session("s1")

	tests := []struct {
		name string
		err  error
		typ  apperrors.ErrorType
		code string
	}{
		{"fatal", llm.NewFatalError(400, errors.New("bad request")), apperrors.ErrorTypeError, "GENERATION_FAILED"},
		{"auth", llm.NewFatalError(401, errors.New("bad key")), apperrors.ErrorTypeUnauthorized, "LLM_CONFIG_INVALID"},
		{"exhausted", llm.NewTransientError(503, errors.New("overloaded")), apperrors.ErrorTypeUnavailable, "LLM_SERVICE_UNAVAILABLE"},
		{"blocked", llm.NewFatalError(200, fmt.Errorf("%w: SAFETY", llm.ErrGenerationBlocked)), apperrors.ErrorTypeError, apperrors.CodeGenerationBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen.mu.Lock()
			gen.err = tt.err
			gen.mu.Unlock()

			_, err := f.svc.GenerateDraft(ctx, "s1", models.Customization{Tone: models.ToneHumorous, Complexity: 3})
			var appErr *apperrors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.typ, appErr.Type)
			assert.Equal(t, tt.code, appErr.Code)

			after := f.svc.Session("s1")
			assert.Equal(t, before.Story, after.Story)
			assert.Equal(t, before.Outline, after.Outline)
			assert.Equal(t, before.Customization, after.Customization)
		})
	}
	assert.Contains(t, f.events.types(), models.EventGenerationFailed)
}

func TestEmptyGenerationIsUnavailable(t *testing.T) {
	f := newFixture(t, &fakeGenerator{replies: []string{"  \n"}}, false)
	_, err := f.svc.GeneratePremise(context.Background(), "s1", models.GenreSciFi)
	assert.Equal(t, apperrors.ErrorTypeUnavailable, apperrors.TypeOf(err))
	assert.Equal(t, "", f.svc.Session("s1").Premise)
}

func TestRetryEventsReachPublisher(t *testing.T) {
	calls := 0
	flaky := llm.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		calls++
		if calls == 1 {
			return "", llm.NewTransientError(429, errors.New("slow down"))
		}
		return "premise", nil
	})
	gen := llm.NewRetryingGenerator(flaky, llm.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1,
	})
	f := newFixture(t, gen, false)

	_, err := f.svc.GeneratePremise(context.Background(), "s1", models.GenreSciFi)
	require.NoError(t, err)
	assert.Equal(t, []models.EventType{
		models.EventGenerationStarted,
		models.EventGenerationRetrying,
		models.EventGenerationFinished,
		models.EventSessionUpdated,
	}, f.events.types())

	metrics := f.svc.Metrics()
	assert.Equal(t, int64(1), metrics["retries"])
}

func TestConcurrentActionIsRejected(t *testing.T) {
	gen := &fakeGenerator{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	f := newFixture(t, gen, false)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := f.svc.GeneratePremise(ctx, "s1", models.GenreSciFi)
		errCh <- err
	}()
	<-gen.started

	_, err := f.svc.GeneratePremise(ctx, "s1", models.GenreHorror)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrorTypeConflict, appErr.Type)
	assert.Equal(t, "SESSION_BUSY", appErr.Code)

	// 其他会话不受影响
	otherGen := make(chan error, 1)
	go func() {
		_, err := f.svc.Reset(ctx, "s2")
		otherGen <- err
	}()
	assert.NoError(t, <-otherGen)

	close(gen.release)
	require.NoError(t, <-errCh)
	assert.Equal(t, "reply 1", f.svc.Session("s1").Premise)
}

func TestContinueAppendsRawTextAndUsesInput(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"P", "O", "Start.", " And then."}}
	f := newFixture(t, gen, false)
	ctx := context.Background()

	_, _ = f.svc.GeneratePremise(ctx, "s1", models.GenreSciFi)
	_, _ = f.svc.GenerateOutline(ctx, "s1")
	_, err := f.svc.GenerateDraft(ctx, "s1", models.Customization{Tone: models.ToneInspirational, Complexity: 4})
	require.NoError(t, err)

	sess, err := f.svc.ContinueStory(ctx, "s1", "add a dragon", models.CustomizationPatch{})
	require.NoError(t, err)
	assert.Equal(t, "Start. And then.", sess.Story)
	assert.Equal(t, 1, sess.Extensions)
	assert.Contains(t, gen.lastPrompt(), "What you've written so far:\nStart.\n\nUser Input: add a dragon\nContinue writing.")
	assert.Contains(t, gen.lastPrompt(), "inspirational tone with a plot complexity level of 4")
}

func TestContinueWithOverrideCustomization(t *testing.T) {
	gen := &fakeGenerator{}
	f := newFixture(t, gen, false)
	ctx := context.Background()

	_, _ = f.svc.GeneratePremise(ctx, "s1", models.GenreSciFi)
	_, _ = f.svc.GenerateOutline(ctx, "s1")
	_, _ = f.svc.GenerateDraft(ctx, "s1", models.DefaultCustomization())

	humorous, nine := models.ToneHumorous, 9
	sess, err := f.svc.ContinueStory(ctx, "s1", "", models.CustomizationPatch{Tone: &humorous, Complexity: &nine})
	require.NoError(t, err)
	assert.Equal(t, models.Customization{Tone: models.ToneHumorous, Complexity: 9}, sess.Customization)
	assert.Contains(t, gen.lastPrompt(), "humorous tone with a plot complexity level of 9")
}

func TestPartialCustomizationKeepsSessionValues(t *testing.T) {
	gen := &fakeGenerator{}
	f := newFixture(t, gen, false)
	ctx := context.Background()

	_, _ = f.svc.GeneratePremise(ctx, "s1", models.GenreHorror)
	_, _ = f.svc.GenerateOutline(ctx, "s1")
	_, err := f.svc.GenerateDraft(ctx, "s1", models.Customization{Tone: models.ToneDark, Complexity: 7})
	require.NoError(t, err)

	three := 3
	sess, err := f.svc.ContinueStory(ctx, "s1", "", models.CustomizationPatch{Complexity: &three})
	require.NoError(t, err)
	assert.Equal(t, models.Customization{Tone: models.ToneDark, Complexity: 3}, sess.Customization)
	assert.Contains(t, gen.lastPrompt(), "dark tone with a plot complexity level of 3")

	inspirational := models.ToneInspirational
	sess, err = f.svc.GenerateSubplot(ctx, "s1", models.CustomizationPatch{Tone: &inspirational})
	require.NoError(t, err)
	assert.Equal(t, models.Customization{Tone: models.ToneInspirational, Complexity: 3}, sess.Customization)
}

func TestPremiseRegeneration(t *testing.T) {
	ctx := context.Background()

	t.Run("keeps downstream by default", func(t *testing.T) {
		f := newFixture(t, &fakeGenerator{}, false)
		_, _ = f.svc.GeneratePremise(ctx, "s1", models.GenreSciFi)
		_, _ = f.svc.GenerateOutline(ctx, "s1")
		_, _ = f.svc.GenerateDraft(ctx, "s1", models.DefaultCustomization())

		sess, err := f.svc.GeneratePremise(ctx, "s1", models.GenreFunny)
		require.NoError(t, err)
		assert.Equal(t, "reply 4", sess.Premise)
		assert.Equal(t, "reply 2", sess.Outline)
		assert.Equal(t, "reply 3", sess.Story)
		assert.Equal(t, models.GenreFunny, sess.Genre)
	})

	t.Run("resets downstream when configured", func(t *testing.T) {
		f := newFixture(t, &fakeGenerator{}, true)
		_, _ = f.svc.GeneratePremise(ctx, "s1", models.GenreSciFi)
		_, _ = f.svc.GenerateOutline(ctx, "s1")
		_, _ = f.svc.GenerateDraft(ctx, "s1", models.DefaultCustomization())

		sess, err := f.svc.GeneratePremise(ctx, "s1", models.GenreHorror)
		require.NoError(t, err)
		assert.Equal(t, "", sess.Outline)
		assert.Equal(t, "", sess.Story)
		assert.Equal(t, models.StagePremiseSet, sess.Stage())
	})
}

func TestSaveAndLoad(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"P", "O", "The end."}}
	f := newFixture(t, gen, false)
	ctx := context.Background()

	_, err := f.svc.LoadStory(ctx, "s1")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrorTypeNotFound, appErr.Type)
	assert.Equal(t, "No saved story found!", appErr.Message)
	assert.Equal(t, "STORY_FILE_NOT_FOUND", appErr.Code)

	// 空故事也可以保存，读回后仍为空
	_, err = f.svc.SaveStory(ctx, "s1")
	require.NoError(t, err)
	sess, err := f.svc.LoadStory(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "", sess.Story)

	_, _ = f.svc.GeneratePremise(ctx, "s1", models.GenreSciFi)
	_, _ = f.svc.GenerateOutline(ctx, "s1")
	_, _ = f.svc.GenerateDraft(ctx, "s1", models.DefaultCustomization())
	_, err = f.svc.SaveStory(ctx, "s1")
	require.NoError(t, err)

	// 另一个会话读取同一个存档
	sess, err = f.svc.LoadStory(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "The end.", sess.Story)
	assert.Equal(t, models.StageStoryDrafted, sess.Stage())
	assert.True(t, sess.CanExtend())
}

func TestSaveFailureLeavesSessionUnchanged(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"P", "O", "The end."}}
	f := newFixture(t, gen, false)
	ctx := context.Background()

	_, _ = f.svc.GeneratePremise(ctx, "s1", models.GenreSciFi)
	_, _ = f.svc.GenerateOutline(ctx, "s1")
	_, err := f.svc.GenerateDraft(ctx, "s1", models.DefaultCustomization())
	require.NoError(t, err)
	before := f.svc.Session("s1")

	// 存档路径被目录占用，root 用户下同样会失败
	require.NoError(t, os.MkdirAll(filepath.Join(f.storyFile.Path(), "occupied"), 0o755))

	_, err = f.svc.SaveStory(ctx, "s1")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrorTypeStorage, appErr.Type)
	assert.Equal(t, apperrors.CodeStorySaveFailed, appErr.Code)
	assert.Equal(t, "Could not save the story.", appErr.Message)

	assert.Equal(t, before, f.svc.Session("s1"))
}

func TestLoadResetsExtensions(t *testing.T) {
	f := newFixture(t, &fakeGenerator{}, false)
	ctx := context.Background()
	require.NoError(t, f.storyFile.Save("saved"))

	_, err := f.svc.LoadStory(ctx, "s1")
	require.NoError(t, err)
	sess, err := f.svc.ContinueStory(ctx, "s1", "", models.CustomizationPatch{})
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Extensions)

	sess, err = f.svc.LoadStory(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "saved", sess.Story)
	assert.Equal(t, 0, sess.Extensions)
}

func TestContextPolicyRejectsOversizedStory(t *testing.T) {
	gen := &fakeGenerator{}
	f := newFixture(t, gen, false)
	f.svc.prompts = prompts.NewBuilder(f.builder.Catalog(), prompts.ContextPolicy{Mode: prompts.ContextReject, MaxChars: 3})
	ctx := context.Background()
	require.NoError(t, f.storyFile.Save("far too long"))
	_, err := f.svc.LoadStory(ctx, "s1")
	require.NoError(t, err)

	_, err = f.svc.GenerateSubplot(ctx, "s1", models.CustomizationPatch{})
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CONTEXT_TOO_LARGE", appErr.Code)
	assert.Equal(t, 0, gen.calls())
}

func TestResetAndIsolation(t *testing.T) {
	f := newFixture(t, &fakeGenerator{}, false)
	ctx := context.Background()

	_, err := f.svc.GeneratePremise(ctx, "a", models.GenreSciFi)
	require.NoError(t, err)
	assert.Equal(t, "", f.svc.Session("b").Premise)

	sess, err := f.svc.Reset(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StageEmpty, sess.Stage())
	assert.Equal(t, models.DefaultCustomization(), sess.Customization)
	assert.Equal(t, "a", sess.ID)
}

func TestOptions(t *testing.T) {
	f := newFixture(t, &fakeGenerator{}, false)
	opts := f.svc.Options()
	assert.Len(t, opts.Genres, 3)
	assert.Equal(t, models.Tones, opts.Tones)
	assert.Equal(t, 1, opts.MinComplexity)
	assert.Equal(t, 10, opts.MaxComplexity)
	assert.Equal(t, prompts.ContextUnbounded, opts.Context.Mode)
}
