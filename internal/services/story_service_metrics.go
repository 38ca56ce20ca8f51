// internal/services/story_service_metrics.go
package services

import (
	"sync"
	"time"

	"github.com/Corphon/StoryGenerator/internal/models"
)

// actionStats 单个动作的统计
type actionStats struct {
	total       int64
	failures    int64
	averageTime time.Duration
}

// StoryServiceMetrics 故事服务性能指标
type StoryServiceMetrics struct {
	mutex                sync.RWMutex
	actions              map[models.Action]*actionStats
	retries              int64
	concurrentOperations int32
	rejectedBusy         int64
	startedAt            time.Time
}

// NewStoryServiceMetrics 创建指标收集器
func NewStoryServiceMetrics() *StoryServiceMetrics {
	return &StoryServiceMetrics{
		actions:   make(map[models.Action]*actionStats),
		startedAt: time.Now(),
	}
}

// Begin 记录一个动作开始，返回结束时调用的函数
func (m *StoryServiceMetrics) Begin() func() {
	m.mutex.Lock()
	m.concurrentOperations++
	m.mutex.Unlock()

	return func() {
		m.mutex.Lock()
		m.concurrentOperations--
		m.mutex.Unlock()
	}
}

// RecordAction 记录动作耗时与结果
func (m *StoryServiceMetrics) RecordAction(action models.Action, duration time.Duration, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	stats, ok := m.actions[action]
	if !ok {
		stats = &actionStats{}
		m.actions[action] = stats
	}
	stats.total++
	if err != nil {
		stats.failures++
	}
	stats.averageTime = (stats.averageTime*time.Duration(stats.total-1) + duration) / time.Duration(stats.total)
}

// RecordRetry 记录一次生成重试
func (m *StoryServiceMetrics) RecordRetry() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.retries++
}

// RecordBusy 记录因会话正忙被拒绝的动作
func (m *StoryServiceMetrics) RecordBusy() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rejectedBusy++
}

// GetMetrics 获取性能指标
func (m *StoryServiceMetrics) GetMetrics() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	actions := make(map[string]interface{}, len(m.actions))
	for action, stats := range m.actions {
		actions[string(action)] = map[string]interface{}{
			"total":           stats.total,
			"failures":        stats.failures,
			"average_time_ms": stats.averageTime.Milliseconds(),
		}
	}

	return map[string]interface{}{
		"actions":               actions,
		"retries":               m.retries,
		"concurrent_operations": m.concurrentOperations,
		"rejected_busy":         m.rejectedBusy,
		"since":                 m.startedAt,
	}
}
