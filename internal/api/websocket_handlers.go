// internal/api/websocket_handlers.go
package api

import (
	"github.com/Corphon/StoryGenerator/internal/utils"
	"github.com/gin-gonic/gin"
)

// SessionWebSocket 把当前会话的事件流推送给浏览器
func (h *Handler) SessionWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.GetLogger().Warn("❌ 会话 WebSocket 升级失败", map[string]interface{}{
			"error": err,
		})
		return
	}
	h.Hub.Serve(conn, sessionID(c))
}
