// internal/api/router.go
package api

import (
	"fmt"
	"html/template"
	"net/http"
	"time"

	apperrors "github.com/Corphon/StoryGenerator/internal/errors"
	"github.com/Corphon/StoryGenerator/internal/models"
	"github.com/Corphon/StoryGenerator/internal/render"
	"github.com/Corphon/StoryGenerator/internal/services"
	"github.com/Corphon/StoryGenerator/internal/utils"
	"github.com/Corphon/StoryGenerator/web"
	"github.com/gin-gonic/gin"
)

// RouterConfig 路由依赖
type RouterConfig struct {
	Story      *services.StoryService
	Hub        *SessionHub
	Limiter    *RateLimiter      // 为空时不限流
	Metrics    *utils.APIMetrics // 为空时使用全局收集器
	SessionTTL time.Duration

	// 每个会话每分钟允许的生成请求数
	GenerationRateLimit int
}

// SetupRouter 配置HTTP路由
func SetupRouter(cfg RouterConfig) (*gin.Engine, error) {
	if cfg.Story == nil || cfg.Hub == nil {
		return nil, fmt.Errorf("故事服务或事件中心未初始化")
	}

	tmpl, err := template.ParseFS(web.Templates(), "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("加载页面模板失败: %w", err)
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = utils.NewAPIMetrics(nil)
	}
	handler := NewHandler(cfg.Story, cfg.Hub, render.NewMarkdown())
	handler.Metrics = metrics

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(corsMiddleware())
	r.Use(SessionMiddleware(cfg.SessionTTL))

	r.SetHTMLTemplate(tmpl)
	r.StaticFS("/static", http.FS(web.Static()))

	formLimit := cfg.generationLimit(func(c *gin.Context) {
		handler.setFlash(c, "error", "Too many generation requests. Please wait a moment.")
		c.Redirect(http.StatusSeeOther, "/")
	})
	jsonLimit := cfg.generationLimit(func(c *gin.Context) {
		handler.Response.Error(c, http.StatusTooManyRequests, apperrors.CodeRateLimited, "Too many generation requests. Please wait a moment.")
	})

	// ===============================
	// 页面路由
	// ===============================
	r.GET("/", handler.IndexPage)
	r.POST("/actions/:action", formLimit, handler.FormAction)

	// WebSocket 支持
	r.GET("/ws/session", handler.SessionWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	{
		api.GET("/health", handler.Health)
		api.GET("/options", handler.GetOptions)
		api.GET("/metrics", handler.GetMetrics)

		sessionGroup := api.Group("/session")
		{
			sessionGroup.GET("", handler.GetSession)
			sessionGroup.DELETE("", handler.ResetSession)
			sessionGroup.POST("/:action", jsonLimit, handler.SessionAction)
		}
	}

	return r, nil
}

// generationLimit 只对会调用生成服务的动作限流
func (cfg RouterConfig) generationLimit(onLimited gin.HandlerFunc) gin.HandlerFunc {
	if cfg.Limiter == nil || cfg.GenerationRateLimit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limit := cfg.Limiter.GenerationRateLimit(cfg.GenerationRateLimit, onLimited)
	return func(c *gin.Context) {
		action := models.Action(c.Param("action"))
		if !action.Generates() {
			c.Next()
			return
		}
		limit(c)
	}
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
