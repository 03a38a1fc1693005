package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Change Notifications
// ============================================================================

// ChangeKind names which part of the local view changed.
type ChangeKind int

const (
	ChangeConversations ChangeKind = iota
	ChangeMessages
)

func (k ChangeKind) String() string {
	if k == ChangeMessages {
		return "messages"
	}
	return "conversations"
}

// Change is delivered to OnChange observers after each engine mutation.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// ============================================================================
// Summary Reducer
// ============================================================================

type summaryKind int

const (
	summaryMessage summaryKind = iota
	summaryRemoteRead
	summaryLocalRead
)

type summaryEvent struct {
	kind    summaryKind
	message Message
	unread  bool
}

// reduceSummary is the only place last-message and unread fields change.
func reduceSummary(c Conversation, ev summaryEvent) Conversation {
	switch ev.kind {
	case summaryMessage:
		if c.LastMessage == nil || !ev.message.CreatedAt.Before(c.LastMessage.CreatedAt) {
			c.LastMessage = &LastMessage{
				MessageID: ev.message.ID,
				Content:   ev.message.Content,
				SenderID:  ev.message.SenderID,
				CreatedAt: ev.message.CreatedAt,
				Read:      ev.message.Read,
			}
		}
		if ev.unread {
			c.UnreadCount++
		}
	case summaryRemoteRead:
		if c.LastMessage != nil {
			lm := *c.LastMessage
			lm.Read = true
			c.LastMessage = &lm
		}
		c.UnreadCount = 0
	case summaryLocalRead:
		c.UnreadCount = 0
	}
	return c
}

// ============================================================================
// Engine
// ============================================================================

type thread struct {
	messages []Message
	ids      map[string]struct{}
	hasMore  bool
}

func newThread() *thread {
	return &thread{ids: make(map[string]struct{})}
}

// insert places m after every message with an equal or earlier timestamp.
// Duplicate ids are rejected.
func (t *thread) insert(m Message) bool {
	if _, ok := t.ids[m.ID]; ok {
		return false
	}
	i := sort.Search(len(t.messages), func(i int) bool {
		return t.messages[i].CreatedAt.After(m.CreatedAt)
	})
	t.messages = append(t.messages, Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = m
	t.ids[m.ID] = struct{}{}
	return true
}

// Engine reconciles fetched pages and pushed events into one ordered,
// deduplicated timeline per conversation plus the conversation summaries.
type Engine struct {
	log zerolog.Logger

	mu            sync.Mutex
	localUserID   int64
	conversations map[string]Conversation
	threads       map[string]*thread
	current       string
	generation    uint64

	observersMu sync.RWMutex
	observers   []func(Change)
	signals     notifier
}

// NewEngine creates an empty engine.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{
		log:           log.With().Str("component", "engine").Logger(),
		conversations: make(map[string]Conversation),
		threads:       make(map[string]*thread),
	}
}

// OnChange registers an observer. Observers run one at a time, in mutation
// order, outside the engine lock.
func (e *Engine) OnChange(h func(Change)) {
	e.observersMu.Lock()
	e.observers = append(e.observers, h)
	e.observersMu.Unlock()
}

func (e *Engine) notifyLocked(kind ChangeKind, conversationID string) {
	ch := Change{Kind: kind, ConversationID: conversationID}
	e.signals.post(func() {
		e.observersMu.RLock()
		observers := append([]func(Change){}, e.observers...)
		e.observersMu.RUnlock()
		for _, h := range observers {
			h(ch)
		}
	})
}

// SetLocalUser sets the id used to tell own messages from incoming ones.
func (e *Engine) SetLocalUser(userID int64) {
	e.mu.Lock()
	e.localUserID = userID
	e.mu.Unlock()
}

// Reset drops all state and invalidates every in-flight fetch.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conversations = make(map[string]Conversation)
	e.threads = make(map[string]*thread)
	e.current = ""
	e.localUserID = 0
	e.generation++
	e.notifyLocked(ChangeConversations, "")
}

// ReplaceConversations installs a freshly fetched list. Summaries are
// replaced and loaded message lists are kept.
func (e *Engine) ReplaceConversations(list []Conversation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := make(map[string]Conversation, len(list))
	for _, c := range list {
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		next[c.ID] = c
	}
	e.conversations = next
	e.notifyLocked(ChangeConversations, "")
}

// Select makes id current. It returns the generation that fetches issued
// for this selection must present, and the conversation it replaced.
func (e *Engine) Select(id string) (gen uint64, prev string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev = e.current
	e.current = id
	e.generation++
	return e.generation, prev
}

// Selection returns the current conversation and its generation.
func (e *Engine) Selection() (string, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, e.generation
}

// ApplyHistory replaces the list of id with page. It reports false and
// changes nothing when gen is no longer the current selection.
func (e *Engine) ApplyHistory(gen uint64, id string, page *MessagePage) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation || id != e.current {
		e.log.Debug().Str("conversation", id).Msg("discarding stale history")
		return false
	}

	msgs := append([]Message(nil), page.Messages...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	t := newThread()
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = id
		}
		t.insert(m)
	}
	// Pushes that raced ahead of the page are newer than anything in it.
	if old := e.threads[id]; old != nil {
		var newest time.Time
		if len(t.messages) > 0 {
			newest = t.messages[len(t.messages)-1].CreatedAt
		}
		for _, m := range old.messages {
			if m.CreatedAt.After(newest) {
				t.insert(m)
			}
		}
	}
	t.hasMore = page.HasMore
	e.threads[id] = t
	e.notifyLocked(ChangeMessages, id)
	return true
}

// ApplyOlder merges an older page into the list of id.
func (e *Engine) ApplyOlder(gen uint64, id string, page *MessagePage) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation || id != e.current {
		e.log.Debug().Str("conversation", id).Msg("discarding stale page")
		return false
	}

	t := e.threadLocked(id)
	for _, m := range page.Messages {
		if m.ID == "" {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = id
		}
		t.insert(m)
	}
	t.hasMore = page.HasMore
	e.notifyLocked(ChangeMessages, id)
	return true
}

// Oldest returns the creation time of the oldest loaded message of id.
func (e *Engine) Oldest(id string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.threads[id]
	if t == nil || len(t.messages) == 0 {
		return time.Time{}, false
	}
	return t.messages[0].CreatedAt, true
}

// HasMore reports whether older history exists for id.
func (e *Engine) HasMore(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.threads[id]
	return t != nil && t.hasMore
}

// ApplyInboundMessage merges a pushed message. It returns whether the
// message should be acknowledged as read: it came from the other party
// into the current conversation.
func (e *Engine) ApplyInboundMessage(id string, m Message) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m.ConversationID == "" {
		m.ConversationID = id
	}
	if !e.threadLocked(id).insert(m) {
		e.log.Debug().Str("conversation", id).Str("message", m.ID).Msg("duplicate message ignored")
		return false
	}

	fromOther := m.SenderID != e.localUserID
	c, ok := e.conversations[id]
	if !ok {
		c = Conversation{ID: id}
	}
	e.conversations[id] = reduceSummary(c, summaryEvent{kind: summaryMessage, message: m, unread: fromOther})

	e.notifyLocked(ChangeMessages, id)
	e.notifyLocked(ChangeConversations, id)
	return fromOther && id == e.current
}

// ApplyReadReceipt marks every message the local user sent in id as read.
func (e *Engine) ApplyReadReceipt(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t := e.threads[id]; t != nil {
		for i := range t.messages {
			if t.messages[i].SenderID == e.localUserID {
				t.messages[i].Read = true
			}
		}
	}
	if c, ok := e.conversations[id]; ok {
		e.conversations[id] = reduceSummary(c, summaryEvent{kind: summaryRemoteRead})
	}

	e.notifyLocked(ChangeMessages, id)
	e.notifyLocked(ChangeConversations, id)
}

// MarkLocalRead zeroes the unread count of id ahead of server confirmation.
func (e *Engine) MarkLocalRead(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conversations[id]
	if !ok {
		return
	}
	e.conversations[id] = reduceSummary(c, summaryEvent{kind: summaryLocalRead})
	e.notifyLocked(ChangeConversations, id)
}

func (e *Engine) threadLocked(id string) *thread {
	t := e.threads[id]
	if t == nil {
		t = newThread()
		e.threads[id] = t
	}
	return t
}

// ============================================================================
// Snapshots
// ============================================================================

// Conversations returns the summaries ordered by last activity, newest first.
func (e *Engine) Conversations() []Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Conversation, 0, len(e.conversations))
	for _, c := range e.conversations {
		if c.LastMessage != nil {
			lm := *c.LastMessage
			c.LastMessage = &lm
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].lastActivity(), out[j].lastActivity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conversation returns the summary of id.
func (e *Engine) Conversation(id string) (Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conversations[id]
	if ok && c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	return c, ok
}

// Messages returns a copy of the ordered list of id.
func (e *Engine) Messages(id string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.threads[id]
	if t == nil {
		return nil
	}
	return append([]Message(nil), t.messages...)
}

// Current returns the current conversation id, or "".
func (e *Engine) Current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}
