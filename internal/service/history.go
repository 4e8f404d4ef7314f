package service

import (
	"context"
	"sync"
	"time"

	"chat-relay/internal/model"
	"chat-relay/internal/repository"
	"chat-relay/pkg/keylock"
	"chat-relay/pkg/log"
)

const mirrorTimeout = 2 * time.Second

// ConversationHistory 把内存存储、按会话加锁以及可选的 Redis 镜像组合在一起，
// 供 ChatService 与 ConversationService 共享。
type ConversationHistory struct {
	store  repository.ConversationStore
	mirror repository.ConversationRepository
	locks  *keylock.Locker
}

// NewConversationHistory 创建 ConversationHistory，mirror 可以为 nil。
func NewConversationHistory(store repository.ConversationStore, mirror repository.ConversationRepository) *ConversationHistory {
	return &ConversationHistory{store: store, mirror: mirror, locks: keylock.New()}
}

// Store 返回底层内存存储。
func (h *ConversationHistory) Store() repository.ConversationStore {
	return h.store
}

// Lock 获取会话级互斥锁，直到 ctx 结束。持锁期间该会话不会被存储淘汰，
// 否则问答进行中的历史可能只剩下助手消息。
func (h *ConversationHistory) Lock(ctx context.Context, key model.ConversationKey) (func(), error) {
	release, err := h.locks.Lock(ctx, key.String())
	if err != nil {
		return nil, err
	}
	unpin := h.store.Pin(key)
	var once sync.Once
	return func() {
		once.Do(func() {
			unpin()
			release()
		})
	}, nil
}

// InFlight 返回当前被占用或等待中的会话数。
func (h *ConversationHistory) InFlight() int {
	return h.locks.Len()
}

// Hydrate 在内存中没有该会话时尝试从镜像恢复。失败只记录日志。
func (h *ConversationHistory) Hydrate(ctx context.Context, key model.ConversationKey) {
	if h.mirror == nil || h.store.Exists(key) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()

	msgs, found, err := h.mirror.LoadHistory(ctx, key)
	if err != nil {
		log.Warnw("failed to restore conversation from mirror", "conversation", key.String(), "error", err)
		return
	}
	if found && h.store.Seed(key, msgs) {
		log.Debugw("conversation restored from mirror", "conversation", key.String(), "messages", len(msgs))
	}
}

// Persist 把当前历史写入镜像，调用方应持有会话锁以保证快照顺序。
func (h *ConversationHistory) Persist(ctx context.Context, key model.ConversationKey) {
	if h.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()

	if err := h.mirror.SaveHistory(ctx, key, h.store.Get(key)); err != nil {
		log.Warnw("failed to mirror conversation", "conversation", key.String(), "error", err)
	}
}

// Forget 清空内存与镜像中的历史。
func (h *ConversationHistory) Forget(ctx context.Context, key model.ConversationKey) {
	h.store.Clear(key)
	if h.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()
	if err := h.mirror.DeleteHistory(ctx, key); err != nil {
		log.Warnw("failed to delete mirrored conversation", "conversation", key.String(), "error", err)
	}
}
