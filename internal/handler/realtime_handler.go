package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"chat-relay/internal/model"
	"chat-relay/internal/service"
	"chat-relay/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const pendingMessages = 16

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// RealtimeHandler 负责处理 WebSocket 实时连接。
type RealtimeHandler struct {
	chatService service.ChatService
	registry    service.SessionRegistry

	mu      sync.Mutex
	clients map[string]*wsClient
	closing bool
	active  sync.WaitGroup
}

// NewRealtimeHandler 创建一个新的 RealtimeHandler。
func NewRealtimeHandler(chatService service.ChatService, registry service.SessionRegistry) *RealtimeHandler {
	return &RealtimeHandler{chatService: chatService, registry: registry, clients: make(map[string]*wsClient)}
}

// Shutdown 关闭所有 websocket 连接，并等待它们的消息队列处理完毕或 ctx 结束。
// 之后到达的连接会被直接拒绝。
func (h *RealtimeHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	for _, c := range h.clients {
		c.close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *RealtimeHandler) track(id string, client *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.clients[id] = client
	h.active.Add(1)
	return true
}

func (h *RealtimeHandler) untrack(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
	h.active.Done()
}

func reject(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	_ = conn.Close()
}

// Handle 处理 GET /ws。
func (h *RealtimeHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}

	id := uuid.NewString()
	client := newWSClient(id, conn)
	if !h.track(id, client) {
		reject(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer h.untrack(id)

	if _, err := h.registry.Register(id, client); err != nil {
		log.Warnw("connection rejected", "connectionId", id, "error", err)
		reject(conn, websocket.CloseTryAgainLater, err.Error())
		return
	}
	go client.writeLoop()
	log.Infow("websocket connected", "connectionId", id, "remote", c.ClientIP())

	// 同一连接的 send-message 按到达顺序逐条处理，读循环不被模型调用阻塞
	queue := make(chan service.RealtimeMessage, pendingMessages)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for msg := range queue {
			_ = h.chatService.HandleRealtime(context.Background(), id, msg)
		}
	}()

	defer func() {
		h.registry.Unregister(id)
		client.close()
		close(queue)
		<-workerDone
		log.Infow("websocket disconnected", "connectionId", id)
	}()

	_ = client.Send(model.OutboundEvent{Event: model.EventConnected, Data: model.ConnectedPayload{ConnectionID: id}})

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnw("websocket read failed", "connectionId", id, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.dispatch(id, client, queue, data)
	}
}

func (h *RealtimeHandler) dispatch(id string, client *wsClient, queue chan<- service.RealtimeMessage, data []byte) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		sendError(client, "Invalid message format")
		return
	}

	switch env.Event {
	case model.EventIdentify:
		var p model.IdentifyPayload
		if !decode(client, env.Data, &p) {
			return
		}
		h.chatService.Identify(id, p.UserID, p.Username)

	case model.EventTyping:
		var p model.TypingPayload
		if !decode(client, env.Data, &p) {
			return
		}
		h.chatService.Typing(id, p)

	case model.EventJoinConversation:
		var p model.JoinConversationPayload
		if !decode(client, env.Data, &p) {
			return
		}
		if err := h.chatService.JoinConversation(id, p.UserID, p.ConversationID); err != nil {
			log.Warnw("join conversation failed", "connectionId", id, "error", err)
		}

	case model.EventSendMessage:
		var p model.SendMessagePayload
		if !decode(client, env.Data, &p) {
			return
		}
		msg := service.RealtimeMessage{
			Message:        p.Message,
			UserID:         p.UserID,
			ConversationID: p.ConversationID,
			Username:       p.Username,
		}
		select {
		case queue <- msg:
		default:
			sendError(client, "Too many pending messages, please wait")
		}

	default:
		log.Debugw("unknown event ignored", "connectionId", id, "event", env.Event)
	}
}

func decode(client *wsClient, raw json.RawMessage, v interface{}) bool {
	if len(raw) == 0 {
		sendError(client, "Invalid message format")
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		sendError(client, "Invalid message format")
		return false
	}
	return true
}

func sendError(client *wsClient, message string) {
	_ = client.Send(model.OutboundEvent{Event: model.EventError, Data: model.ErrorPayload{Message: message}})
}
