// Package repository 提供了数据访问层的实现。
package repository

import (
	"container/list"
	"context"
	"sync"
	"time"

	"chat-relay/internal/model"
	"chat-relay/pkg/log"
)

// ConversationStore 持有每个会话的有序消息历史。
// 所有方法都是原子的，不会失败。
type ConversationStore interface {
	// Append 把消息追加到历史末尾，历史不存在时自动创建。
	Append(key model.ConversationKey, msg model.ChatMessage)
	// ContextWindow 返回 system + 最近 limit 条消息，不修改状态。
	ContextWindow(key model.ConversationKey, limit int, system model.ChatMessage) []model.ChatMessage
	// Clear 删除整段历史，幂等。
	Clear(key model.ConversationKey)
	// Get 返回完整历史的副本，可能为空。
	Get(key model.ConversationKey) []model.ChatMessage
	// Seed 在 key 不存在时装入一段已有历史（例如从 Redis 恢复），返回是否装入。
	Seed(key model.ConversationKey, msgs []model.ChatMessage) bool
	// Exists 判断 key 是否在内存中。
	Exists(key model.ConversationKey) bool
	// Len 返回内存中的会话数量。
	Len() int
	// Pin 在返回的 unpin 调用之前保护 key 不被容量淘汰或空闲淘汰，可重入。
	// Clear 不受影响。
	Pin(key model.ConversationKey) (unpin func())
}

// StoreLimits 限制内存占用，零值表示不限制。
type StoreLimits struct {
	MaxConversations int
	MaxMessages      int
	IdleTTL          time.Duration
}

type history struct {
	key        model.ConversationKey
	messages   []model.ChatMessage
	lastActive time.Time
	elem       *list.Element
}

// MemoryConversationStore 是带容量上限的内存实现。
// order 按最近活跃时间排序，队首最久未活跃，容量满时从队首淘汰。
type MemoryConversationStore struct {
	mu        sync.Mutex
	histories map[model.ConversationKey]*history
	pins      map[model.ConversationKey]int
	order     *list.List
	limits    StoreLimits
	now       func() time.Time

	evictRunning bool
}

// NewMemoryConversationStore 创建一个新的内存会话存储。
func NewMemoryConversationStore(limits StoreLimits) *MemoryConversationStore {
	return &MemoryConversationStore{
		histories: make(map[model.ConversationKey]*history),
		pins:      make(map[model.ConversationKey]int),
		order:     list.New(),
		limits:    limits,
		now:       time.Now,
	}
}

var _ ConversationStore = (*MemoryConversationStore)(nil)

func (s *MemoryConversationStore) Append(key model.ConversationKey, msg model.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.getOrCreateLocked(key)
	next := make([]model.ChatMessage, 0, len(h.messages)+1)
	next = append(next, h.messages...)
	next = append(next, msg)
	if maxN := s.limits.MaxMessages; maxN > 0 && len(next) > maxN {
		next = next[len(next)-maxN:]
	}
	h.messages = next
	s.touchLocked(h)
}

func (s *MemoryConversationStore) ContextWindow(key model.ConversationKey, limit int, system model.ChatMessage) []model.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgs []model.ChatMessage
	if h, ok := s.histories[key]; ok {
		msgs = h.messages
	}
	if limit < 0 {
		limit = 0
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	window := make([]model.ChatMessage, 0, len(msgs)+1)
	window = append(window, system)
	window = append(window, msgs...)
	return window
}

func (s *MemoryConversationStore) Clear(key model.ConversationKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
}

func (s *MemoryConversationStore) Get(key model.ConversationKey) []model.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[key]
	if !ok {
		return []model.ChatMessage{}
	}
	out := make([]model.ChatMessage, len(h.messages))
	copy(out, h.messages)
	return out
}

func (s *MemoryConversationStore) Seed(key model.ConversationKey, msgs []model.ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.histories[key]; ok {
		return false
	}
	h := s.getOrCreateLocked(key)
	seeded := make([]model.ChatMessage, len(msgs))
	copy(seeded, msgs)
	if maxN := s.limits.MaxMessages; maxN > 0 && len(seeded) > maxN {
		seeded = seeded[len(seeded)-maxN:]
	}
	h.messages = seeded
	s.touchLocked(h)
	return true
}

func (s *MemoryConversationStore) Exists(key model.ConversationKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.histories[key]
	return ok
}

func (s *MemoryConversationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.histories)
}

func (s *MemoryConversationStore) getOrCreateLocked(key model.ConversationKey) *history {
	if h, ok := s.histories[key]; ok {
		return h
	}
	if maxN := s.limits.MaxConversations; maxN > 0 {
		for len(s.histories) >= maxN {
			victim := s.oldestUnpinnedLocked()
			if victim == nil {
				// 全部处于问答中，暂时超出上限
				break
			}
			s.removeLocked(victim.key)
			log.Debugw("conversation evicted (capacity)", "conversation", victim.key.String())
		}
	}
	h := &history{key: key, messages: []model.ChatMessage{}}
	h.elem = s.order.PushBack(h)
	s.histories[key] = h
	return h
}

func (s *MemoryConversationStore) oldestUnpinnedLocked() *history {
	for e := s.order.Front(); e != nil; e = e.Next() {
		h := e.Value.(*history)
		if s.pins[h.key] == 0 {
			return h
		}
	}
	return nil
}

func (s *MemoryConversationStore) Pin(key model.ConversationKey) func() {
	s.mu.Lock()
	s.pins[key]++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.pins[key]--; s.pins[key] <= 0 {
				delete(s.pins, key)
			}
		})
	}
}

func (s *MemoryConversationStore) touchLocked(h *history) {
	h.lastActive = s.now()
	s.order.MoveToBack(h.elem)
}

func (s *MemoryConversationStore) removeLocked(key model.ConversationKey) {
	h, ok := s.histories[key]
	if !ok {
		return
	}
	s.order.Remove(h.elem)
	delete(s.histories, key)
}

// EvictIdle 删除超过 IdleTTL 未活跃且未被 Pin 的会话，返回删除数量。
func (s *MemoryConversationStore) EvictIdle(now time.Time) int {
	if s.limits.IdleTTL <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for e := s.order.Front(); e != nil; {
		h := e.Value.(*history)
		if now.Sub(h.lastActive) < s.limits.IdleTTL {
			// 后面的都更新，可以提前结束
			break
		}
		next := e.Next()
		if s.pins[h.key] == 0 {
			s.removeLocked(h.key)
			evicted++
		}
		e = next
	}
	return evicted
}

// StartEvictionLoop 在后台按 interval 清理空闲会话，ctx 结束时退出。
func (s *MemoryConversationStore) StartEvictionLoop(ctx context.Context, interval time.Duration) {
	if s.limits.IdleTTL <= 0 || interval <= 0 {
		return
	}
	s.mu.Lock()
	if s.evictRunning {
		s.mu.Unlock()
		return
	}
	s.evictRunning = true
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.evictRunning = false
				s.mu.Unlock()
				return
			case now := <-ticker.C:
				if n := s.EvictIdle(now); n > 0 {
					log.Infow("evicted idle conversations", "count", n, "remaining", s.Len())
				}
			}
		}
	}()
}
