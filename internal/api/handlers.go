// internal/api/handlers.go
package api

import (
	"context"
	"html/template"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/Corphon/StoryGenerator/internal/errors"
	"github.com/Corphon/StoryGenerator/internal/models"
	"github.com/Corphon/StoryGenerator/internal/render"
	"github.com/Corphon/StoryGenerator/internal/services"
	"github.com/Corphon/StoryGenerator/internal/utils"
	"github.com/gin-gonic/gin"
)

const (
	flashCookieName = "story_flash"
	flashMaxAge     = 60
)

// Handler 处理页面和API请求
type Handler struct {
	Story    *services.StoryService // 故事服务
	Hub      *SessionHub            // 会话事件推送
	Markdown *render.Markdown       // 生成文本渲染
	Metrics  *utils.APIMetrics      // HTTP 指标
	Response *ResponseHelper        // 响应助手
}

// NewHandler 创建处理器
func NewHandler(story *services.StoryService, hub *SessionHub, markdown *render.Markdown) *Handler {
	return &Handler{
		Story:    story,
		Hub:      hub,
		Markdown: markdown,
		Metrics:  utils.NewAPIMetrics(nil),
		Response: NewResponseHelper(),
	}
}

// ActionRequest 表单和JSON共用的动作参数，未用到的字段会被忽略
type ActionRequest struct {
	Genre      string `form:"genre" json:"genre"`
	Tone       string `form:"tone" json:"tone"`
	Complexity *int   `form:"complexity" json:"complexity"`
	Input      string `form:"input" json:"input"`
}

// customization 解析写作偏好，只包含请求中出现的字段
func (r ActionRequest) customization() (models.CustomizationPatch, error) {
	var patch models.CustomizationPatch
	if r.Tone != "" {
		tone, err := models.ParseTone(r.Tone)
		if err != nil {
			return patch, apperrors.NewValidationError(err.Error(), err).WithCode(apperrors.CodeInvalidCustom)
		}
		patch.Tone = &tone
	}
	patch.Complexity = r.Complexity
	return patch, nil
}

// pageNotice 页面顶部的提示
type pageNotice struct {
	Level   string
	Message string
}

type pageData struct {
	Session models.SessionSnapshot
	Options services.Options
	Notice  *pageNotice
	Premise template.HTML
	Outline template.HTML
	Story   template.HTML
}

// IndexPage 渲染写作页面
func (h *Handler) IndexPage(c *gin.Context) {
	sess := h.Story.Session(sessionID(c))
	c.HTML(http.StatusOK, "index.html", pageData{
		Session: sess.Snapshot(),
		Options: h.Story.Options(),
		Notice:  h.takeFlash(c),
		Premise: h.Markdown.HTML(sess.Premise),
		Outline: h.Markdown.HTML(sess.Outline),
		Story:   h.Markdown.HTML(sess.Story),
	})
}

// FormAction 处理页面表单提交，结果通过一次性 cookie 带回页面
func (h *Handler) FormAction(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBind(&req); err != nil {
		h.setFlash(c, "error", "Invalid form submission.")
		c.Redirect(http.StatusSeeOther, "/")
		return
	}

	_, message, err := h.dispatch(c.Request.Context(), sessionID(c), models.Action(c.Param("action")), req)
	if err != nil {
		_, _, message = describeError(err)
		h.setFlash(c, "error", message)
	} else {
		h.setFlash(c, "success", message)
	}
	c.Redirect(http.StatusSeeOther, "/")
}

// SessionAction 以JSON形式执行动作并返回最新会话
func (h *Handler) SessionAction(c *gin.Context) {
	var req ActionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.Response.BadRequest(c, "Invalid request body.", err.Error())
			return
		}
	}

	sess, message, err := h.dispatch(c.Request.Context(), sessionID(c), models.Action(c.Param("action")), req)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, sess.Snapshot(), message)
}

// GetSession 返回当前会话
func (h *Handler) GetSession(c *gin.Context) {
	h.Response.Success(c, h.Story.Session(sessionID(c)).Snapshot())
}

// ResetSession 清空当前会话
func (h *Handler) ResetSession(c *gin.Context) {
	sess, message, err := h.dispatch(c.Request.Context(), sessionID(c), models.ActionReset, ActionRequest{})
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, sess.Snapshot(), message)
}

// GetOptions 返回可选的题材、语气和复杂度范围
func (h *Handler) GetOptions(c *gin.Context) {
	h.Response.Success(c, h.Story.Options())
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// GetMetrics 返回故事服务和 HTTP 层的指标，以及当前会话的实时连接数
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"story":     h.Story.Metrics(),
		"http":      h.Metrics.Collector().GetMetrics(),
		"listeners": h.Hub.ClientCount(sessionID(c)),
	})
}

// dispatch 把动作名映射到服务方法，返回更新后的会话和提示语
func (h *Handler) dispatch(ctx context.Context, id string, action models.Action, req ActionRequest) (*models.Session, string, error) {
	var (
		sess    *models.Session
		message string
		err     error
	)

	switch action {
	case models.ActionPremise:
		sess, err = h.Story.GeneratePremise(ctx, id, models.Genre(strings.ToLower(strings.TrimSpace(req.Genre))))
		message = "Premise generated!"
	case models.ActionOutline:
		sess, err = h.Story.GenerateOutline(ctx, id)
		message = "Outline generated!"
	case models.ActionDraft:
		var patch models.CustomizationPatch
		if patch, err = req.customization(); err == nil {
			sess, err = h.Story.GenerateDraft(ctx, id, patch.Apply(models.DefaultCustomization()))
		}
		message = "First draft generated!"
	case models.ActionContinue:
		var patch models.CustomizationPatch
		if patch, err = req.customization(); err == nil {
			sess, err = h.Story.ContinueStory(ctx, id, req.Input, patch)
		}
		message = "Story continued!"
	case models.ActionSubplot:
		var patch models.CustomizationPatch
		if patch, err = req.customization(); err == nil {
			sess, err = h.Story.GenerateSubplot(ctx, id, patch)
		}
		message = "Subplot added!"
	case models.ActionSave:
		sess, err = h.Story.SaveStory(ctx, id)
		message = "Story saved successfully!"
	case models.ActionLoad:
		sess, err = h.Story.LoadStory(ctx, id)
		message = "Story loaded successfully!"
	case models.ActionReset:
		sess, err = h.Story.Reset(ctx, id)
		message = "Session cleared."
	default:
		err = apperrors.NewNotFoundError("Unknown action: "+string(action), nil).WithCode(apperrors.CodeUnknownAction)
	}

	if err != nil {
		return nil, "", err
	}
	return sess, message, nil
}

// setFlash 保存一次性提示，格式为 level|message
func (h *Handler) setFlash(c *gin.Context, level, message string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(flashCookieName, level+"|"+message, flashMaxAge, "/", "", false, true)
}

// takeFlash 读取并清除一次性提示
func (h *Handler) takeFlash(c *gin.Context) *pageNotice {
	value, err := c.Cookie(flashCookieName)
	if err != nil || value == "" {
		return nil
	}
	c.SetCookie(flashCookieName, "", -1, "/", "", false, true)

	level, message, ok := strings.Cut(value, "|")
	if !ok {
		return nil
	}
	return &pageNotice{Level: level, Message: message}
}
