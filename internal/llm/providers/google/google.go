// internal/llm/providers/google/google.go
package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Corphon/StoryGenerator/internal/llm"
	"google.golang.org/genai"
)

const defaultModel = "gemini-1.5-flash"

func init() {
	llm.Register("google", func() llm.Provider {
		return &Provider{
			models: []string{
				"gemini-1.5-flash",
				"gemini-1.5-pro",
				"gemini-2.0-flash",
				"gemini-2.5-flash",
			},
		}
	})
}

// Provider 通过 genai SDK 调用 Gemini generateContent
type Provider struct {
	client       *genai.Client
	defaultModel string
	models       []string
	temperature  *float32
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := config["api_key"]
	if apiKey == "" {
		return llm.NewFatalError(http.StatusUnauthorized, errors.New("gemini api密钥未提供"))
	}

	p.defaultModel = defaultModel
	if model := config["default_model"]; model != "" {
		p.defaultModel = model
	}

	if raw := config["temperature"]; raw != "" {
		t, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return fmt.Errorf("无效的温度配置 %q: %w", raw, err)
		}
		p.temperature = genai.Ptr(float32(t))
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{},
	}
	if baseURL := config["base_url"]; baseURL != "" {
		cc.HTTPOptions.BaseURL = baseURL
	}
	if timeout := config["timeout"]; timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("无效的超时配置 %q: %w", timeout, err)
		}
		cc.HTTPOptions.Timeout = &d
	}

	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return fmt.Errorf("创建Gemini客户端失败: %w", err)
	}
	p.client = client
	return nil
}

func (p *Provider) GetName() string {
	return "google gemini"
}

func (p *Provider) GetSupportedModels() []string {
	return p.models
}

// Generate 发送单轮提示词并返回第一个候选的完整文本
func (p *Provider) Generate(ctx context.Context, prompt string) (string, error) {
	if p.client == nil {
		return "", llm.NewFatalError(0, errors.New("gemini提供者尚未初始化"))
	}

	var cfg *genai.GenerateContentConfig
	if p.temperature != nil {
		cfg = &genai.GenerateContentConfig{Temperature: p.temperature}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.defaultModel, genai.Text(prompt), cfg)
	if err != nil {
		return "", classify(ctx, err)
	}

	if reason := blockReason(resp); reason != "" {
		return "", llm.NewFatalError(http.StatusOK, fmt.Errorf("%w: %s", llm.ErrGenerationBlocked, reason))
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", llm.NewTransientError(http.StatusOK, llm.ErrEmptyResponse)
	}
	return text, nil
}

// blockReason 返回提示词或首个候选被内容策略拦截的原因，未拦截时为空
func blockReason(resp *genai.GenerateContentResponse) string {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return string(resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return ""
	}
	switch reason := resp.Candidates[0].FinishReason; reason {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent,
		genai.FinishReasonBlocklist, genai.FinishReasonRecitation, genai.FinishReasonSPII:
		return string(reason)
	}
	return ""
}

// classify 把 SDK 错误映射为可重试或不可重试的生成错误
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return llm.NewFatalError(0, err)
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		genErr := &llm.GenerationError{
			Kind:       llm.StatusClassification(apiErr.Code),
			StatusCode: apiErr.Code,
			Status:     apiErr.Status,
			Err:        errors.New(apiErr.Message),
		}
		if apiErr.Code == http.StatusTooManyRequests && isDailyQuota(apiErr.Details) {
			genErr.Kind = llm.KindFatal
		}
		genErr.RetryAfter = retryDelay(apiErr.Details)
		return genErr
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return llm.NewTransientError(0, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return llm.NewTransientError(0, err)
	}
	return llm.NewFatalError(0, err)
}

// isDailyQuota 判断 429 是否来自按天计算的配额，这类配额当天不会恢复
func isDailyQuota(details []map[string]any) bool {
	for _, detail := range details {
		if t, _ := detail["@type"].(string); !strings.HasSuffix(t, "google.rpc.QuotaFailure") {
			continue
		}
		violations, _ := detail["violations"].([]any)
		for _, v := range violations {
			violation, _ := v.(map[string]any)
			if quotaID, _ := violation["quotaId"].(string); strings.Contains(quotaID, "PerDay") {
				return true
			}
		}
	}
	return false
}

// retryDelay 读取 google.rpc.RetryInfo 中的建议等待时间
func retryDelay(details []map[string]any) time.Duration {
	for _, detail := range details {
		if t, _ := detail["@type"].(string); !strings.HasSuffix(t, "google.rpc.RetryInfo") {
			continue
		}
		raw, _ := detail["retryDelay"].(string)
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return 0
}
