// internal/config/config.go
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// 上下文策略
const (
	ContextUnbounded = "unbounded"
	ContextTruncate  = "truncate"
	ContextReject    = "reject"
)

// RetryConfig 生成服务的重试参数
type RetryConfig struct {
	MaxAttempts     uint          `env:"MAX_ATTEMPTS" envDefault:"5"`
	InitialInterval time.Duration `env:"INITIAL_INTERVAL" envDefault:"1s"`
	MaxInterval     time.Duration `env:"MAX_INTERVAL" envDefault:"30s"`
	Multiplier      float64       `env:"MULTIPLIER" envDefault:"2"`
	Jitter          float64       `env:"JITTER" envDefault:"0.5"`
	MaxElapsed      time.Duration `env:"MAX_ELAPSED" envDefault:"2m"`
}

// ContextConfig 控制累积故事文本进入提示词时的处理方式
type ContextConfig struct {
	Policy   string `env:"POLICY" envDefault:"unbounded"`
	MaxChars int    `env:"MAX_CHARS" envDefault:"0"`
}

// Config 存储应用配置
type Config struct {
	// 基础配置
	Port      string `env:"PORT" envDefault:"8080"`
	LogDir    string `env:"LOG_DIR" envDefault:"logs"`
	DebugMode bool   `env:"DEBUG_MODE" envDefault:"false"`

	// LLM相关配置
	LLMProvider  string `env:"LLM_PROVIDER" envDefault:"google"`
	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	GeminiModel  string `env:"GEMINI_MODEL" envDefault:"gemini-1.5-flash"`
	GeminiURL    string `env:"GEMINI_BASE_URL"`

	// 故事文件
	SaveDir  string `env:"SAVE_DIR" envDefault:"."`
	SaveFile string `env:"SAVE_FILE" envDefault:"saved_story.txt"`

	// 会话与流程
	PromptsFile             string        `env:"PROMPTS_FILE"`
	PremiseResetsDownstream bool          `env:"PREMISE_RESETS_DOWNSTREAM" envDefault:"false"`
	SessionTTL              time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	GenerationRateLimit     int           `env:"GENERATION_RATE_LIMIT" envDefault:"30"`

	Retry   RetryConfig   `envPrefix:"RETRY_"`
	Context ContextConfig `envPrefix:"CONTEXT_"`
}

// Load 从 .env 文件和环境变量加载配置
func Load() (*Config, error) {
	// .env 文件是可选的
	_ = godotenv.Load()

	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.GeminiAPIKey == "" {
		// 只记录警告，不返回错误
		log.Println("警告: 未设置 GEMINI_API_KEY，生成操作将返回未授权错误")
	}

	return cfg, nil
}

// ParseEnv 将环境变量解析到目标结构
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT 不能为空")
	}
	if c.SaveFile == "" {
		return fmt.Errorf("SAVE_FILE 不能为空")
	}
	if c.Retry.MaxAttempts == 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS 必须大于 0")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER 不能小于 1: %v", c.Retry.Multiplier)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("RETRY_JITTER 必须在 [0,1] 内: %v", c.Retry.Jitter)
	}

	switch c.Context.Policy {
	case ContextUnbounded:
	case ContextTruncate, ContextReject:
		if c.Context.MaxChars <= 0 {
			return fmt.Errorf("CONTEXT_POLICY=%s 需要 CONTEXT_MAX_CHARS > 0", c.Context.Policy)
		}
	default:
		return fmt.Errorf("未知的 CONTEXT_POLICY: %s", c.Context.Policy)
	}

	return nil
}

// SavePath 返回故事文件的完整路径
func (c *Config) SavePath() string {
	return filepath.Join(c.SaveDir, c.SaveFile)
}

// LogFile 返回当天的日志文件路径
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, fmt.Sprintf("story_%s.log", time.Now().Format("2006-01-02")))
}

// EnsureDirectories 创建运行所需的目录
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.LogDir, c.SaveDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建目录失败 %s: %w", dir, err)
		}
	}
	return nil
}
