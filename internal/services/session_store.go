// internal/services/session_store.go
package services

import (
	"sync"
	"time"

	apperrors "github.com/Corphon/StoryGenerator/internal/errors"
	"github.com/Corphon/StoryGenerator/internal/models"
	"github.com/Corphon/StoryGenerator/internal/utils"
)

// sessionEntry 包装会话和动作锁
type sessionEntry struct {
	actionMu sync.Mutex   // 同一会话同时只允许一个动作
	stateMu  sync.RWMutex // 保护 session 指针和 lastUsed
	session  *models.Session
	lastUsed time.Time
}

// SessionStore 按会话ID隔离的内存会话存储
type SessionStore struct {
	entries    map[string]*sessionEntry
	globalLock sync.RWMutex
	ttl        time.Duration
	now        func() time.Time
	beforeLock func(id string) // 测试用，在取得条目和加动作锁之间调用

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSessionStore 创建会话存储，ttl>0 时启动过期清理
func NewSessionStore(ttl time.Duration) *SessionStore {
	s := &SessionStore{
		entries: make(map[string]*sessionEntry),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if ttl > 0 {
		interval := ttl / 4
		if interval < time.Second {
			interval = time.Second
		}
		if interval > 5*time.Minute {
			interval = 5 * time.Minute
		}
		go s.cleanupLoop(interval)
	} else {
		close(s.done)
	}
	return s
}

// getEntry 获取或创建会话条目（线程安全）
func (s *SessionStore) getEntry(id string) *sessionEntry {
	s.globalLock.RLock()
	if entry, exists := s.entries[id]; exists {
		s.globalLock.RUnlock()
		return entry
	}
	s.globalLock.RUnlock()

	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	// 双重检查
	if entry, exists := s.entries[id]; exists {
		return entry
	}

	now := s.now()
	entry := &sessionEntry{
		session:  models.NewSession(id, now),
		lastUsed: now,
	}
	s.entries[id] = entry
	return entry
}

// Get 返回会话的拷贝，不存在时创建空会话
func (s *SessionStore) Get(id string) *models.Session {
	entry := s.getEntry(id)
	entry.stateMu.Lock()
	defer entry.stateMu.Unlock()

	entry.lastUsed = s.now()
	return entry.session.Clone()
}

// ExecuteWithSessionLock 在会话动作锁下执行 fn。
// fn 拿到的是会话拷贝，仅在返回 nil 时整体替换原会话；会话正忙时立即返回冲突错误。
func (s *SessionStore) ExecuteWithSessionLock(id string, fn func(sess *models.Session) error) (*models.Session, error) {
	entry, ok := s.lockEntry(id)
	if !ok {
		return nil, apperrors.NewConflictError("Another action is still running for this session. Please wait for it to finish.", nil).WithCode(apperrors.CodeSessionBusy)
	}
	defer entry.actionMu.Unlock()

	entry.stateMu.RLock()
	working := entry.session.Clone()
	entry.stateMu.RUnlock()

	if err := fn(working); err != nil {
		entry.stateMu.Lock()
		entry.lastUsed = s.now()
		entry.stateMu.Unlock()
		return nil, err
	}

	now := s.now()
	working.UpdatedAt = now

	entry.stateMu.Lock()
	entry.session = working
	entry.lastUsed = now
	entry.stateMu.Unlock()

	return working.Clone(), nil
}

// lockEntry 取得条目并持有其动作锁。
// 条目可能在查找和加锁之间被过期清理移除，此时放弃旧条目重新查找，
// 否则提交会落到已不在 map 中的条目上。
func (s *SessionStore) lockEntry(id string) (*sessionEntry, bool) {
	for {
		entry := s.getEntry(id)
		if s.beforeLock != nil {
			s.beforeLock(id)
		}
		if !entry.actionMu.TryLock() {
			return nil, false
		}

		s.globalLock.RLock()
		current := s.entries[id] == entry
		s.globalLock.RUnlock()
		if current {
			return entry, true
		}
		entry.actionMu.Unlock()
	}
}

// Len 返回当前会话数
func (s *SessionStore) Len() int {
	s.globalLock.RLock()
	defer s.globalLock.RUnlock()
	return len(s.entries)
}

// Close 停止过期清理
func (s *SessionStore) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

func (s *SessionStore) cleanupLoop(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stop:
			return
		}
	}
}

// cleanupExpired 移除超过 TTL 未使用且当前没有动作在执行的会话
func (s *SessionStore) cleanupExpired() int {
	if s.ttl <= 0 {
		return 0
	}

	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	now := s.now()
	removed := 0
	for id, entry := range s.entries {
		if !entry.actionMu.TryLock() {
			continue
		}
		entry.stateMu.RLock()
		idle := now.Sub(entry.lastUsed)
		entry.stateMu.RUnlock()

		if idle > s.ttl {
			delete(s.entries, id)
			removed++
		}
		entry.actionMu.Unlock()
	}

	if removed > 0 {
		utils.GetLogger().Info("清理过期会话", map[string]interface{}{
			"removed":   removed,
			"remaining": len(s.entries),
		})
	}
	return removed
}
