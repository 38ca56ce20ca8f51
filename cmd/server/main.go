// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Corphon/StoryGenerator/internal/api"
	"github.com/Corphon/StoryGenerator/internal/config"
	"github.com/Corphon/StoryGenerator/internal/llm"
	_ "github.com/Corphon/StoryGenerator/internal/llm/providers/google"
	"github.com/Corphon/StoryGenerator/internal/prompts"
	"github.com/Corphon/StoryGenerator/internal/services"
	"github.com/Corphon/StoryGenerator/internal/storage"
	"github.com/Corphon/StoryGenerator/internal/utils"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log.Println("🚀 启动 StoryGenerator 服务器...")

	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 配置加载完成，端口: %s", cfg.Port)

	// 2. 创建必要的目录并初始化日志
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("创建目录失败: %v", err)
	}
	if err := utils.InitLogger(cfg.LogFile()); err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	logger := utils.GetLogger()
	defer logger.Sync()
	if cfg.DebugMode {
		logger.SetLogLevel(utils.DEBUG)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// 3. 初始化生成服务
	generator := newGenerator(cfg)

	// 4. 初始化提示词和存储
	catalog, err := loadCatalog(cfg.PromptsFile)
	if err != nil {
		log.Fatalf("❌ 加载提示词失败: %v", err)
	}
	policy, err := prompts.NewContextPolicy(cfg.Context.Policy, cfg.Context.MaxChars)
	if err != nil {
		log.Fatalf("❌ 上下文策略无效: %v", err)
	}
	storyFile, err := storage.NewStoryFile(cfg.SaveDir, cfg.SaveFile)
	if err != nil {
		log.Fatalf("❌ 初始化故事文件失败: %v", err)
	}

	store := services.NewSessionStore(cfg.SessionTTL)
	defer store.Close()
	metrics := utils.NewAPIMetrics(nil)
	hub := api.NewSessionHub(metrics)
	defer hub.Close()
	limiter := api.NewRateLimiter()
	defer limiter.Close()

	storyService := services.NewStoryService(services.StoryServiceConfig{
		Generator:               generator,
		Prompts:                 prompts.NewBuilder(catalog, policy),
		Store:                   store,
		StoryFile:               storyFile,
		Events:                  hub,
		PremiseResetsDownstream: cfg.PremiseResetsDownstream,
	})
	log.Println("✅ 所有服务初始化完成")

	// 5. 设置路由
	router, err := api.SetupRouter(api.RouterConfig{
		Story:               storyService,
		Hub:                 hub,
		Limiter:             limiter,
		Metrics:             metrics,
		SessionTTL:          cfg.SessionTTL,
		GenerationRateLimit: cfg.GenerationRateLimit,
	})
	if err != nil {
		log.Fatalf("❌ 设置路由失败: %v", err)
	}
	log.Println("✅ 路由设置完成")

	// 6. 启动服务器
	log.Printf("🌐 服务器启动在端口 %s", cfg.Port)
	log.Printf("🔗 访问地址: http://localhost:%s", cfg.Port)
	log.Printf("💾 故事存档: %s", storyFile.Path())

	if err := serve(router, cfg.Port, hub); err != nil {
		logger.Error("❌ 服务器异常退出", map[string]interface{}{"error": err})
		os.Exit(1)
	}
	log.Println("✅ 服务器优雅关闭完成")
}

// newGenerator 创建带重试的生成服务；缺少凭证时仍然启动，生成请求返回配置错误
func newGenerator(cfg *config.Config) llm.TextGenerator {
	provider, err := llm.GetProvider(cfg.LLMProvider, map[string]string{
		"api_key":       cfg.GeminiAPIKey,
		"default_model": cfg.GeminiModel,
		"base_url":      cfg.GeminiURL,
	})
	if err != nil {
		if errors.Is(err, llm.ErrUnknownProvider) {
			log.Fatalf("❌ 未知的 LLM_PROVIDER %q，可用: %v", cfg.LLMProvider, llm.ListProviders())
		}
		utils.GetLogger().Warn("⚠️ 生成服务初始化失败，生成请求将返回错误", map[string]interface{}{
			"provider": cfg.LLMProvider,
			"error":    err,
		})
		initErr := err
		return llm.GeneratorFunc(func(context.Context, string) (string, error) {
			return "", initErr
		})
	}
	log.Printf("✅ 生成服务: %s (%s)", provider.GetName(), cfg.GeminiModel)

	return llm.NewRetryingGenerator(provider, llm.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		Multiplier:      cfg.Retry.Multiplier,
		Jitter:          cfg.Retry.Jitter,
		MaxElapsed:      cfg.Retry.MaxElapsed,
	})
}

func loadCatalog(path string) (*prompts.Catalog, error) {
	if path == "" {
		return prompts.DefaultCatalog()
	}
	log.Printf("📄 使用自定义提示词: %s", path)
	return prompts.LoadCatalog(path)
}

// serve 运行HTTP服务器，收到中断信号后优雅关闭
func serve(router *gin.Engine, port string, hub *api.SessionHub) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("🛑 正在关闭服务器...")

		// WebSocket 连接已被劫持，Shutdown 不会等待它们
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
