package service

import (
	"errors"
	"sync"
	"time"

	"chat-relay/internal/config"
	"chat-relay/internal/model"
	"chat-relay/pkg/log"
)

var (
	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrTooManyConnections  = errors.New("too many connections")
)

// Sender 是一条连接的出站写端，实现必须是非阻塞的。
type Sender interface {
	Send(event model.OutboundEvent) error
}

// SessionRegistry 管理实时连接的生命周期、身份绑定以及会话订阅。
type SessionRegistry interface {
	Register(id string, sender Sender) (model.Connection, error)
	Identify(id, userID, username string) error
	Unregister(id string)
	Subscribe(id string, key model.ConversationKey) error
	Get(id string) (model.Connection, bool)
	// BroadcastTargets 返回所有存活连接。
	BroadcastTargets() []model.Connection
	// Targets 返回在当前广播模式下 key 对应的接收者。
	Targets(key model.ConversationKey) []model.Connection
	// Publish 把事件发给 Targets(key)，返回成功投递的数量。
	Publish(key model.ConversationKey, event model.OutboundEvent) int
	// SendTo 只发给一条连接；连接不存在时返回 ErrUnknownConnection。
	SendTo(id string, event model.OutboundEvent) error
	// Forward 发给范围内除 fromID 以外的连接。key 为 nil 时范围是全部连接。
	Forward(fromID string, key *model.ConversationKey, event model.OutboundEvent) int
	Count() int
}

type connEntry struct {
	conn   model.Connection
	sender Sender
	subs   map[model.ConversationKey]struct{}
}

type sessionRegistry struct {
	mu             sync.RWMutex
	conns          map[string]*connEntry
	subscribers    map[model.ConversationKey]map[string]struct{} // conversation -> connection ids
	mode           string
	maxConnections int
	now            func() time.Time
}

// NewSessionRegistry 创建注册表。mode 为 config.BroadcastConversation 或 config.BroadcastGlobal，
// maxConnections <= 0 表示不限制。
func NewSessionRegistry(mode string, maxConnections int) SessionRegistry {
	if mode != config.BroadcastGlobal {
		mode = config.BroadcastConversation
	}
	return &sessionRegistry{
		conns:          make(map[string]*connEntry),
		subscribers:    make(map[model.ConversationKey]map[string]struct{}),
		mode:           mode,
		maxConnections: maxConnections,
		now:            time.Now,
	}
}

func (r *sessionRegistry) Register(id string, sender Sender) (model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[id]; exists {
		return model.Connection{}, ErrDuplicateConnection
	}
	if r.maxConnections > 0 && len(r.conns) >= r.maxConnections {
		return model.Connection{}, ErrTooManyConnections
	}
	conn := model.Connection{ID: id, ConnectedAt: r.now()}
	r.conns[id] = &connEntry{conn: conn, sender: sender, subs: make(map[model.ConversationKey]struct{})}
	return conn, nil
}

func (r *sessionRegistry) Identify(id, userID, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	e.conn.UserID = userID
	e.conn.Username = username
	return nil
}

func (r *sessionRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return
	}
	for k := range e.subs {
		if subs, ok := r.subscribers[k]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(r.subscribers, k)
			}
		}
	}
	delete(r.conns, id)
}

func (r *sessionRegistry) Subscribe(id string, key model.ConversationKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	e.subs[key] = struct{}{}
	subs, ok := r.subscribers[key]
	if !ok {
		subs = make(map[string]struct{})
		r.subscribers[key] = subs
	}
	subs[id] = struct{}{}
	return nil
}

func (r *sessionRegistry) Get(id string) (model.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return model.Connection{}, false
	}
	return e.conn, true
}

func (r *sessionRegistry) BroadcastTargets() []model.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Connection, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.conn)
	}
	return out
}

func (r *sessionRegistry) Targets(key model.ConversationKey) []model.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.scopeLocked(&key, "")
	out := make([]model.Connection, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.conn)
	}
	return out
}

// scopeLocked 必须持有读锁。
func (r *sessionRegistry) scopeLocked(key *model.ConversationKey, exclude string) []*connEntry {
	var out []*connEntry
	if key == nil || r.mode == config.BroadcastGlobal {
		out = make([]*connEntry, 0, len(r.conns))
		for id, e := range r.conns {
			if id != exclude {
				out = append(out, e)
			}
		}
		return out
	}
	subs := r.subscribers[*key]
	out = make([]*connEntry, 0, len(subs))
	for id := range subs {
		if id == exclude {
			continue
		}
		if e, ok := r.conns[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *sessionRegistry) Publish(key model.ConversationKey, event model.OutboundEvent) int {
	r.mu.RLock()
	targets := r.scopeLocked(&key, "")
	r.mu.RUnlock()
	return deliver(targets, event)
}

func (r *sessionRegistry) Forward(fromID string, key *model.ConversationKey, event model.OutboundEvent) int {
	r.mu.RLock()
	targets := r.scopeLocked(key, fromID)
	r.mu.RUnlock()
	return deliver(targets, event)
}

func (r *sessionRegistry) SendTo(id string, event model.OutboundEvent) error {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	return e.sender.Send(event)
}

func (r *sessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// deliver 在锁外发送，单个连接失败不影响其它连接。
func deliver(targets []*connEntry, event model.OutboundEvent) int {
	delivered := 0
	for _, e := range targets {
		if err := e.sender.Send(event); err != nil {
			log.Warnw("drop event for connection", "connectionId", e.conn.ID, "event", event.Event, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}
