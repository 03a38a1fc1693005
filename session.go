package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	// Dialer opens the realtime connection. Required.
	Dialer           Dialer
	Realtime         RealtimeConfig
	OfflinePolicy    OfflinePolicy
	OutboxRetryLimit int
	RequestTimeout   time.Duration
	PageSize         int
	Logger           *zerolog.Logger
}

func (c *SessionConfig) defaults() {
	if c.OutboxRetryLimit == 0 {
		c.OutboxRetryLimit = 5
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	if c.Realtime.Logger == nil {
		c.Realtime.Logger = c.Logger
	}
}

// ============================================================================
// Session
// ============================================================================

// Session is the UI-facing service for one logged-in user. It wires the
// connection, subscriptions, dispatcher and engine together.
type Session struct {
	api    API
	config *SessionConfig
	log    zerolog.Logger

	conn       *ConnectionManager
	registry   *Registry
	outbox     *Outbox
	dispatcher *Dispatcher
	engine     *Engine

	// selectMu orders selections against each other and against Disconnect.
	selectMu sync.Mutex

	mu   sync.RWMutex
	user *User
}

// NewSession creates a session. Nothing touches the network until Connect.
func NewSession(api API, cfg *SessionConfig) *Session {
	if cfg == nil {
		cfg = &SessionConfig{}
	}
	cfg.defaults()
	log := *cfg.Logger

	conn := NewConnectionManager(cfg.Dialer, &cfg.Realtime)
	outbox := NewOutbox()
	s := &Session{
		api:        api,
		config:     cfg,
		log:        log.With().Str("component", "session").Logger(),
		conn:       conn,
		registry:   NewRegistry(conn, log),
		outbox:     outbox,
		dispatcher: NewDispatcher(conn, outbox, cfg.OfflinePolicy, cfg.OutboxRetryLimit, log),
		engine:     NewEngine(log),
	}
	conn.onConnect(func(uint64) { s.dispatcher.Flush() })
	return s
}

func (s *Session) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.RequestTimeout)
}

// Login authenticates with the request layer and then connects.
func (s *Session) Login(ctx context.Context, email, password string) (*AuthTokens, error) {
	rctx, cancel := s.requestContext(ctx)
	tokens, err := s.api.Login(rctx, email, password)
	cancel()
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx, tokens.AccessToken); err != nil {
		return nil, err
	}
	return tokens, nil
}

// Connect loads the user and the conversation list, then starts the
// realtime connection. The socket connects in the background.
func (s *Session) Connect(ctx context.Context, token string) error {
	if s.config.Dialer == nil {
		return errors.New("session: no dialer configured")
	}
	if err := checkCredential(token, time.Now()); err != nil {
		return err
	}
	s.api.SetToken(token)

	rctx, cancel := s.requestContext(ctx)
	defer cancel()

	user, err := s.api.FetchCurrentUser(rctx)
	if err != nil {
		return err
	}
	list, err := s.api.FetchConversationList(rctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.user = user
	s.mu.Unlock()

	s.engine.SetLocalUser(user.ID)
	s.engine.ReplaceConversations(list)

	s.registry.Subscribe(ConversationsDestination(user.ID), func([]byte) error {
		go s.refreshConversations()
		return nil
	}, ConversationsKey(user.ID))

	if err := s.conn.Connect(token); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.log.Info().Int64("user", user.ID).Int("conversations", len(list)).Msg("session started")
	return nil
}

// Disconnect tears the session down. It never reconnects afterwards.
func (s *Session) Disconnect() {
	s.selectMu.Lock()
	defer s.selectMu.Unlock()

	s.registry.Clear()
	s.conn.Disconnect()
	s.outbox.Clear()
	s.engine.Reset()

	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()
}

// SelectConversation makes id current: it moves the per-conversation
// subscriptions, loads the latest history and marks the conversation read.
func (s *Session) SelectConversation(id string) {
	s.selectMu.Lock()
	defer s.selectMu.Unlock()

	gen, prev := s.engine.Select(id)
	if prev != "" && prev != id {
		s.registry.Unsubscribe(MessagesKey(prev))
		s.registry.Unsubscribe(ReadReceiptsKey(prev))
	}

	s.registry.Subscribe(MessagesDestination(id), JSONHandler(func(m Message) {
		s.handleInboundMessage(id, m)
	}), MessagesKey(id))
	s.registry.Subscribe(ReadReceiptsDestination(id), JSONHandler(func(ReadReceipt) {
		s.engine.ApplyReadReceipt(id)
	}), ReadReceiptsKey(id))

	go s.fetchHistory(gen, id)

	s.markRead(id)
}

// LoadOlderMessages fetches the page before the oldest loaded message of the
// current conversation and reports whether even older history exists.
func (s *Session) LoadOlderMessages(ctx context.Context) (bool, error) {
	id, gen := s.engine.Selection()
	if id == "" {
		return false, ErrNoConversation
	}
	var before *time.Time
	if oldest, ok := s.engine.Oldest(id); ok {
		before = &oldest
	}

	rctx, cancel := s.requestContext(ctx)
	defer cancel()
	page, err := s.api.FetchMessagePage(rctx, id, before, s.config.PageSize)
	if err != nil {
		return false, err
	}
	s.engine.ApplyOlder(gen, id, page)
	return page.HasMore, nil
}

// SendMessage sends content to the current conversation.
func (s *Session) SendMessage(content string) SendStatus {
	id := s.engine.Current()
	if id == "" {
		s.log.Warn().Msg("send without a current conversation")
		return SendIgnored
	}
	return s.dispatcher.SendMessage(id, content)
}

// CreateConversation opens a conversation with receiverID, refreshes the
// list and selects it.
func (s *Session) CreateConversation(ctx context.Context, receiverID int64) (*Conversation, error) {
	rctx, cancel := s.requestContext(ctx)
	defer cancel()

	conv, err := s.api.CreateConversation(rctx, receiverID)
	if err != nil {
		return nil, err
	}
	list, err := s.api.FetchConversationList(rctx)
	if err != nil {
		return nil, err
	}
	s.engine.ReplaceConversations(list)
	s.SelectConversation(conv.ID)
	return conv, nil
}

// MarkRead acknowledges every message of the current conversation.
func (s *Session) MarkRead() error {
	id := s.engine.Current()
	if id == "" {
		return ErrNoConversation
	}
	s.markRead(id)
	return nil
}

func (s *Session) markRead(id string) {
	s.engine.MarkLocalRead(id)
	s.dispatcher.SendReadReceipt(id, "")
	go s.persistRead(id, "")
}

func (s *Session) handleInboundMessage(id string, m Message) {
	if s.engine.ApplyInboundMessage(id, m) {
		s.dispatcher.SendReadReceipt(id, m.ID)
		go s.persistRead(id, m.ID)
	}
}

func (s *Session) persistRead(id, messageID string) {
	ctx, cancel := s.requestContext(context.Background())
	defer cancel()
	if err := s.api.PersistReadReceipt(ctx, id, messageID); err != nil {
		s.log.Warn().Err(err).Str("conversation", id).Msg("failed to persist read receipt")
	}
}

func (s *Session) fetchHistory(gen uint64, id string) {
	ctx, cancel := s.requestContext(context.Background())
	defer cancel()
	page, err := s.api.FetchMessagePage(ctx, id, nil, s.config.PageSize)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation", id).Msg("failed to load history")
		return
	}
	s.engine.ApplyHistory(gen, id, page)
}

func (s *Session) refreshConversations() {
	ctx, cancel := s.requestContext(context.Background())
	defer cancel()
	list, err := s.api.FetchConversationList(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to refresh conversations")
		return
	}
	s.engine.ReplaceConversations(list)
}

// ============================================================================
// Read-only views
// ============================================================================

func (s *Session) Conversations() []Conversation { return s.engine.Conversations() }

// Messages returns the loaded messages of the current conversation.
func (s *Session) Messages() []Message {
	id := s.engine.Current()
	if id == "" {
		return nil
	}
	return s.engine.Messages(id)
}

// CurrentConversation returns the current conversation summary, or nil.
func (s *Session) CurrentConversation() *Conversation {
	id := s.engine.Current()
	if id == "" {
		return nil
	}
	c, ok := s.engine.Conversation(id)
	if !ok {
		return &Conversation{ID: id}
	}
	return &c
}

func (s *Session) IsConnected() bool { return s.conn.IsConnected() }
func (s *Session) State() ConnectionState { return s.conn.State() }

// User returns the logged-in user, or nil before Connect.
func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// SubscriptionKeys lists the wanted subscriptions.
func (s *Session) SubscriptionKeys() []string { return s.registry.Keys() }

// PendingOutbound returns how many events wait in the outbox.
func (s *Session) PendingOutbound() int { return s.outbox.PendingCount() }

func (s *Session) OnChange(h func(Change))               { s.engine.OnChange(h) }
func (s *Session) OnStateChange(h func(ConnectionState)) { s.conn.OnStateChange(h) }
func (s *Session) OnAuthFailure(h func(error))           { s.conn.OnAuthFailure(h) }
