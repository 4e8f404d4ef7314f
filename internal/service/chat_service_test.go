package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"chat-relay/internal/config"
	"chat-relay/internal/model"
	"chat-relay/internal/repository"
	"chat-relay/pkg/llm"
	"chat-relay/pkg/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls [][]llm.Message
	reply func(ctx context.Context, msgs []llm.Message) (string, error)
}

func (p *fakeProvider) Complete(ctx context.Context, msgs []llm.Message, _ *llm.GenerationParams) (string, error) {
	p.mu.Lock()
	cp := make([]llm.Message, len(msgs))
	copy(cp, msgs)
	p.calls = append(p.calls, cp)
	p.mu.Unlock()
	if p.reply == nil {
		return "reply:" + msgs[len(msgs)-1].Content, nil
	}
	return p.reply(ctx, msgs)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Calls() [][]llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]llm.Message(nil), p.calls...)
}

type fakeMirror struct {
	mu    sync.Mutex
	data  map[string][]model.ChatMessage
	saves int
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{data: make(map[string][]model.ChatMessage)}
}

func (m *fakeMirror) LoadHistory(_ context.Context, key model.ConversationKey) ([]model.ChatMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, ok := m.data[key.String()]
	return msgs, ok, nil
}

func (m *fakeMirror) SaveHistory(_ context.Context, key model.ConversationKey, msgs []model.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key.String()] = msgs
	m.saves++
	return nil
}

func (m *fakeMirror) DeleteHistory(_ context.Context, key model.ConversationKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key.String())
	return nil
}

func (m *fakeMirror) snapshot(key model.ConversationKey) ([]model.ChatMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, ok := m.data[key.String()]
	return msgs, ok
}

type fakePublisher struct {
	tasks chan tasks.ExchangeArchiveTask
}

func (p *fakePublisher) PublishExchange(_ context.Context, task tasks.ExchangeArchiveTask) error {
	p.tasks <- task
	return nil
}

type chatFixture struct {
	store    *repository.MemoryConversationStore
	history  *ConversationHistory
	registry SessionRegistry
	provider *fakeProvider
	svc      ChatService
}

func newChatFixture(t *testing.T, mirror repository.ConversationRepository, publisher ExchangePublisher, opts ChatOptions) *chatFixture {
	t.Helper()
	store := repository.NewMemoryConversationStore(repository.StoreLimits{})
	history := NewConversationHistory(store, mirror)
	registry := NewSessionRegistry(config.BroadcastConversation, 0)
	provider := &fakeProvider{}
	if opts.HTTPSystemPrompt == "" {
		opts.HTTPSystemPrompt = "http system"
	}
	if opts.RealtimeSystemPrompt == "" {
		opts.RealtimeSystemPrompt = "realtime system"
	}
	return &chatFixture{
		store:    store,
		history:  history,
		registry: registry,
		provider: provider,
		svc:      NewChatService(history, registry, provider, publisher, opts),
	}
}

func msgContents(msgs []llm.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestChatAppendsExchange(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{})
	f.provider.reply = func(context.Context, []llm.Message) (string, error) { return "hello", nil }

	reply, err := f.svc.Chat(context.Background(), ChatRequest{Message: "hi", UserID: "u1", ConversationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "hello", reply.Response)
	assert.Equal(t, "c1", reply.ConversationID)
	assert.False(t, reply.Timestamp.IsZero())

	got := f.store.Get(model.ConversationKey{UserID: "u1", ConversationID: "c1"})
	require.Len(t, got, 2)
	assert.Equal(t, model.RoleUser, got[0].Role)
	assert.Equal(t, "hi", got[0].Content)
	assert.Equal(t, model.RoleAssistant, got[1].Role)
	assert.Equal(t, "hello", got[1].Content)

	calls := f.provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, llm.RoleSystem, calls[0][0].Role)
	assert.Equal(t, []string{"http system", "hi"}, msgContents(calls[0]))
}

func TestChatDefaultsKey(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{})
	reply, err := f.svc.Chat(context.Background(), ChatRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "default", reply.ConversationID)
	assert.Len(t, f.store.Get(model.ConversationKey{UserID: "anonymous", ConversationID: "default"}), 2)
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{MaxMessageLength: 5})

	for _, msg := range []string{"", "   ", "\n\t"} {
		_, err := f.svc.Chat(context.Background(), ChatRequest{Message: msg, UserID: "u1"})
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
	_, err := f.svc.Chat(context.Background(), ChatRequest{Message: "too long message", UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, "Message is too long", UserFacingMessage(err))

	assert.Empty(t, f.provider.Calls())
	assert.Equal(t, 0, f.store.Len())
}

func TestChatProviderFailureKeepsOnlyUserMessage(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{})
	f.provider.reply = func(context.Context, []llm.Message) (string, error) {
		return "", &llm.ProviderError{Kind: llm.ErrQuotaExceeded, Provider: "fake", StatusCode: 429}
	}
	key := model.ConversationKey{UserID: "u1", ConversationID: "c1"}

	_, err := f.svc.Chat(context.Background(), ChatRequest{Message: "hi", UserID: "u1", ConversationID: "c1"})
	assert.ErrorIs(t, err, llm.ErrQuotaExceeded)

	got := f.store.Get(key)
	require.Len(t, got, 1)
	assert.Equal(t, model.RoleUser, got[0].Role)
}

func TestChatProviderTimeout(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{ProviderTimeout: 20 * time.Millisecond})
	f.provider.reply = func(ctx context.Context, _ []llm.Message) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	_, err := f.svc.Chat(context.Background(), ChatRequest{Message: "hi", UserID: "u1"})
	assert.ErrorIs(t, err, ErrProviderTimeout)
	assert.Len(t, f.store.Get(ConversationKeyFor("u1", "")), 1)
}

func TestChatCompletesAfterCallerCancels(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	f.provider.reply = func(callCtx context.Context, _ []llm.Message) (string, error) {
		cancel()
		assert.NoError(t, callCtx.Err())
		return "still here", nil
	}

	reply, err := f.svc.Chat(ctx, ChatRequest{Message: "hi", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "still here", reply.Response)
	assert.Len(t, f.store.Get(ConversationKeyFor("u1", "")), 2)
}

func TestChatContextWindowLimits(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{})
	key := ConversationKeyFor("u1", "c1")
	for i := 0; i < 12; i++ {
		f.store.Append(key, model.ChatMessage{Role: model.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}

	_, err := f.svc.Chat(context.Background(), ChatRequest{Message: "now", UserID: "u1", ConversationID: "c1"})
	require.NoError(t, err)

	calls := f.provider.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 11)
	assert.Equal(t, "http system", calls[0][0].Content)
	assert.Equal(t, "m3", calls[0][1].Content)
	assert.Equal(t, "now", calls[0][10].Content)
}

func TestChatSerializesSameConversation(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{})
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	f.provider.reply = func(_ context.Context, msgs []llm.Message) (string, error) {
		last := msgs[len(msgs)-1].Content
		if last == "first" {
			once.Do(func() { close(entered) })
			<-unblock
		}
		return "reply:" + last, nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.svc.Chat(context.Background(), ChatRequest{Message: "first", UserID: "u1", ConversationID: "c1"})
		assert.NoError(t, err)
	}()
	<-entered
	go func() {
		defer wg.Done()
		_, err := f.svc.Chat(context.Background(), ChatRequest{Message: "second", UserID: "u1", ConversationID: "c1"})
		assert.NoError(t, err)
	}()
	time.Sleep(20 * time.Millisecond)
	close(unblock)
	wg.Wait()

	calls := f.provider.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"http system", "first", "reply:first", "second"}, msgContents(calls[1]))

	got := f.store.Get(ConversationKeyFor("u1", "c1"))
	require.Len(t, got, 4)
	assert.Equal(t, []model.Role{model.RoleUser, model.RoleAssistant, model.RoleUser, model.RoleAssistant},
		[]model.Role{got[0].Role, got[1].Role, got[2].Role, got[3].Role})
}

func TestChatDifferentConversationsDoNotBlock(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{})
	unblock := make(chan struct{})
	f.provider.reply = func(_ context.Context, msgs []llm.Message) (string, error) {
		if msgs[len(msgs)-1].Content == "slow" {
			<-unblock
		}
		return "ok", nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.svc.Chat(context.Background(), ChatRequest{Message: "slow", UserID: "u1", ConversationID: "a"})
	}()

	_, err := f.svc.Chat(context.Background(), ChatRequest{Message: "fast", UserID: "u1", ConversationID: "b"})
	require.NoError(t, err)
	close(unblock)
	<-done
}

func TestChatHydratesAndMirrors(t *testing.T) {
	mirror := newFakeMirror()
	key := ConversationKeyFor("u1", "c1")
	mirror.data[key.String()] = []model.ChatMessage{
		{Role: model.RoleUser, Content: "earlier"},
		{Role: model.RoleAssistant, Content: "earlier answer"},
	}
	f := newChatFixture(t, mirror, nil, ChatOptions{})

	_, err := f.svc.Chat(context.Background(), ChatRequest{Message: "again", UserID: "u1", ConversationID: "c1"})
	require.NoError(t, err)

	calls := f.provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"http system", "earlier", "earlier answer", "again"}, msgContents(calls[0]))

	saved, ok := mirror.snapshot(key)
	require.True(t, ok)
	assert.Len(t, saved, 4)
}

func TestChatPublishesExchange(t *testing.T) {
	pub := &fakePublisher{tasks: make(chan tasks.ExchangeArchiveTask, 1)}
	f := newChatFixture(t, nil, pub, ChatOptions{})

	_, err := f.svc.Chat(context.Background(), ChatRequest{Message: "hi", UserID: "u1", ConversationID: "c1"})
	require.NoError(t, err)

	select {
	case task := <-pub.tasks:
		assert.NotEmpty(t, task.ExchangeID)
		assert.Equal(t, "u1", task.UserID)
		assert.Equal(t, "c1", task.ConversationID)
		assert.Equal(t, "http", task.Channel)
		assert.Equal(t, "fake", task.Provider)
		assert.Equal(t, "hi", task.Question)
		assert.Equal(t, "reply:hi", task.Answer)
	case <-time.After(time.Second):
		t.Fatal("exchange was not published")
	}
}

func TestHandleRealtimeEchoesThenReplies(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{})
	origin, peer := &recordingSender{}, &recordingSender{}
	_, _ = f.registry.Register("origin", origin)
	_, _ = f.registry.Register("peer", peer)
	require.NoError(t, f.registry.Identify("origin", "u1", "alice"))
	require.NoError(t, f.svc.JoinConversation("peer", "u1", "c1"))

	err := f.svc.HandleRealtime(context.Background(), "origin", RealtimeMessage{Message: "hi", UserID: "u1", ConversationID: "c1"})
	require.NoError(t, err)

	for _, s := range []*recordingSender{origin, peer} {
		events := s.Events()
		require.Len(t, events, 2)
		echo := events[0].Data.(model.NewMessagePayload)
		assert.Equal(t, model.SenderUser, echo.Sender)
		assert.Equal(t, "hi", echo.Message)
		assert.Equal(t, "alice", echo.Username)
		answer := events[1].Data.(model.NewMessagePayload)
		assert.Equal(t, model.SenderAssistant, answer.Sender)
		assert.Equal(t, "reply:hi", answer.Message)
		assert.Equal(t, "c1", answer.ConversationID)
	}

	calls := f.provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "realtime system", calls[0][0].Content)
}

func TestHandleRealtimeUsesRealtimeLimit(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{})
	_, _ = f.registry.Register("c", &recordingSender{})
	key := ConversationKeyFor("u1", "c1")
	for i := 0; i < 20; i++ {
		f.store.Append(key, model.ChatMessage{Role: model.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}

	require.NoError(t, f.svc.HandleRealtime(context.Background(), "c", RealtimeMessage{Message: "hi", UserID: "u1", ConversationID: "c1"}))
	calls := f.provider.Calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 9)
}

func TestHandleRealtimeErrorGoesToOriginOnly(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{})
	f.provider.reply = func(context.Context, []llm.Message) (string, error) {
		return "", &llm.ProviderError{Kind: llm.ErrUnavailable, Provider: "fake", StatusCode: 503, Body: "upstream secret"}
	}
	origin, peer := &recordingSender{}, &recordingSender{}
	_, _ = f.registry.Register("origin", origin)
	_, _ = f.registry.Register("peer", peer)
	require.NoError(t, f.svc.JoinConversation("peer", "u1", "c1"))

	err := f.svc.HandleRealtime(context.Background(), "origin", RealtimeMessage{Message: "hi", UserID: "u1", ConversationID: "c1"})
	assert.ErrorIs(t, err, llm.ErrUnavailable)

	assert.Equal(t, []string{model.EventNewMessage, model.EventError}, origin.names())
	assert.Equal(t, []string{model.EventNewMessage}, peer.names())
	payload := origin.Events()[1].Data.(model.ErrorPayload)
	assert.NotContains(t, payload.Message, "upstream secret")
	assert.Len(t, f.store.Get(ConversationKeyFor("u1", "c1")), 1)
}

func TestHandleRealtimeEmptyMessage(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{})
	origin := &recordingSender{}
	_, _ = f.registry.Register("origin", origin)

	err := f.svc.HandleRealtime(context.Background(), "origin", RealtimeMessage{Message: "  ", UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, []string{model.EventError}, origin.names())
	assert.Empty(t, f.provider.Calls())
	assert.Equal(t, 0, f.store.Len())
}

func TestHandleRealtimeOriginDisconnectsMidCall(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{})
	origin := &recordingSender{}
	_, _ = f.registry.Register("origin", origin)
	f.provider.reply = func(context.Context, []llm.Message) (string, error) {
		f.registry.Unregister("origin")
		return "late answer", nil
	}

	err := f.svc.HandleRealtime(context.Background(), "origin", RealtimeMessage{Message: "hi", UserID: "u1", ConversationID: "c1"})
	require.NoError(t, err)
	assert.Len(t, origin.Events(), 1)
	assert.Len(t, f.store.Get(ConversationKeyFor("u1", "c1")), 2)
}

func TestTypingForwardsToPeers(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{})
	origin, peer := &recordingSender{}, &recordingSender{}
	_, _ = f.registry.Register("origin", origin)
	_, _ = f.registry.Register("peer", peer)

	f.svc.Typing("origin", model.TypingPayload{UserID: "u1", Username: "alice", IsTyping: true})
	assert.Empty(t, origin.Events())
	require.Len(t, peer.Events(), 1)
	ev := peer.Events()[0]
	assert.Equal(t, model.EventUserTyping, ev.Event)
	assert.True(t, ev.Data.(model.TypingPayload).IsTyping)
}

func TestIdentifyUnknownConnectionDoesNotPanic(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{})
	assert.NotPanics(t, func() { f.svc.Identify("ghost", "u1", "alice") })
	assert.Equal(t, 0, f.registry.Count())
}

func TestUserFacingMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: message is required", ErrInvalidInput), "Message is required"},
		{&llm.ProviderError{Kind: llm.ErrQuotaExceeded}, "The AI service quota has been exceeded. Please try again later."},
		{&llm.ProviderError{Kind: llm.ErrRateLimited}, "Too many requests. Please wait a moment and try again."},
		{&llm.ProviderError{Kind: llm.ErrTimeout}, "The AI service took too long to respond. Please try again."},
		{&llm.ProviderError{Kind: llm.ErrUnavailable, Body: "internal"}, "Sorry, something went wrong while processing your message."},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, UserFacingMessage(c.err))
	}
}

func TestChatColonBearingKeysDoNotShareHistory(t *testing.T) {
	f := newChatFixture(t, nil, nil, ChatOptions{})

	_, err := f.svc.Chat(context.Background(), ChatRequest{Message: "mine", UserID: "alice", ConversationID: "x:y"})
	require.NoError(t, err)
	_, err = f.svc.Chat(context.Background(), ChatRequest{Message: "theirs", UserID: "alice:x", ConversationID: "y"})
	require.NoError(t, err)

	calls := f.provider.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"http system", "theirs"}, msgContents(calls[1]))
	assert.Len(t, f.store.Get(ConversationKeyFor("alice", "x:y")), 2)
	assert.Len(t, f.store.Get(ConversationKeyFor("alice:x", "y")), 2)
}

func TestChatKeepsHistoryWhenCapacityEvictsMidExchange(t *testing.T) {
	store := repository.NewMemoryConversationStore(repository.StoreLimits{MaxConversations: 1})
	history := NewConversationHistory(store, nil)
	provider := &fakeProvider{}
	svc := NewChatService(history, NewSessionRegistry(config.BroadcastConversation, 0), provider, nil, ChatOptions{HTTPSystemPrompt: "sys"})

	entered := make(chan struct{})
	unblock := make(chan struct{})
	provider.reply = func(_ context.Context, msgs []llm.Message) (string, error) {
		if msgs[len(msgs)-1].Content == "slow" {
			close(entered)
			<-unblock
		}
		return "ok", nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := svc.Chat(context.Background(), ChatRequest{Message: "slow", UserID: "u1", ConversationID: "a"})
		assert.NoError(t, err)
	}()
	<-entered
	assert.Equal(t, 1, history.InFlight())

	// 另一个会话在 a 的模型调用期间写入，容量已满
	store.Append(ConversationKeyFor("u1", "b"), model.ChatMessage{Role: model.RoleUser, Content: "other"})
	close(unblock)
	<-done

	got := store.Get(ConversationKeyFor("u1", "a"))
	require.Len(t, got, 2)
	assert.Equal(t, model.RoleUser, got[0].Role)
	assert.Equal(t, model.RoleAssistant, got[1].Role)
	assert.Equal(t, 0, history.InFlight())
}

type blockingPublisher struct {
	unblock chan struct{}
	mu      sync.Mutex
	done    int
}

func (p *blockingPublisher) PublishExchange(context.Context, tasks.ExchangeArchiveTask) error {
	<-p.unblock
	p.mu.Lock()
	p.done++
	p.mu.Unlock()
	return nil
}

func TestDrainWaitsForPendingPublishes(t *testing.T) {
	pub := &blockingPublisher{unblock: make(chan struct{})}
	f := newChatFixture(t, nil, pub, ChatOptions{})

	_, err := f.svc.Chat(context.Background(), ChatRequest{Message: "hi", UserID: "u1", ConversationID: "c1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.svc.Drain(ctx), context.DeadlineExceeded)

	close(pub.unblock)
	require.NoError(t, f.svc.Drain(context.Background()))
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, 1, pub.done)
}
