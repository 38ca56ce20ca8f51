// internal/models/event.go
package models

import "time"

// Action 是用户可触发的会话动作
type Action string

const (
	ActionPremise  Action = "premise"
	ActionOutline  Action = "outline"
	ActionDraft    Action = "draft"
	ActionContinue Action = "continue"
	ActionSubplot  Action = "subplot"
	ActionSave     Action = "save"
	ActionLoad     Action = "load"
	ActionReset    Action = "reset"
)

// Generates 报告动作是否会调用生成服务
func (a Action) Generates() bool {
	switch a {
	case ActionPremise, ActionOutline, ActionDraft, ActionContinue, ActionSubplot:
		return true
	}
	return false
}

// EventType 会话事件类型
type EventType string

const (
	EventGenerationStarted  EventType = "generation_started"
	EventGenerationRetrying EventType = "generation_retrying"
	EventGenerationFinished EventType = "generation_finished"
	EventGenerationFailed   EventType = "generation_failed"
	EventSessionUpdated     EventType = "session_updated"
)

// SessionEvent 通过 websocket 推送给会话所属浏览器
type SessionEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Action    Action    `json:"action,omitempty"`
	Attempt   uint      `json:"attempt,omitempty"`
	WaitMS    int64     `json:"wait_ms,omitempty"`
	Message   string    `json:"message,omitempty"`
	Stage     Stage     `json:"stage,omitempty"`
	Progress  int       `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}
