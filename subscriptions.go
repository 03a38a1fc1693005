package chatsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler consumes the body of one inbound MESSAGE frame. A returned error
// marks the payload malformed; it is logged and the frame dropped.
type Handler func(body []byte) error

type validator interface {
	validate() error
}

// JSONHandler decodes each payload into T before calling fn.
func JSONHandler[T any](fn func(T)) Handler {
	return func(body []byte) error {
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return fmt.Errorf("decode %T: %w", v, err)
		}
		if val, ok := any(&v).(validator); ok {
			if err := val.validate(); err != nil {
				return err
			}
		}
		fn(v)
		return nil
	}
}

// MessagesKey names the message subscription of a conversation.
func MessagesKey(conversationID string) string { return "messages:" + conversationID }

// ReadReceiptsKey names the read-receipt subscription of a conversation.
func ReadReceiptsKey(conversationID string) string { return "read-receipts:" + conversationID }

// ConversationsKey names the new-conversation subscription of a user.
func ConversationsKey(userID int64) string {
	return "conversations:" + strconv.FormatInt(userID, 10)
}

// ============================================================================
// Registry
// ============================================================================

type subscriptionTransport interface {
	frameSender
	Epoch() uint64
}

type subscription struct {
	key         string
	destination string
	handler     Handler
	wireID      string
	epoch       uint64
}

// Registry keeps the wanted subscriptions by key and makes them active on
// every live connection. An entry is active when its epoch matches the
// connection's.
type Registry struct {
	conn subscriptionTransport
	log  zerolog.Logger

	mu      sync.Mutex
	entries map[string]*subscription
	byWire  map[string]*subscription
}

// NewRegistry creates a registry bound to conn. Wanted subscriptions are
// activated on each successful connect and inbound MESSAGE frames are
// routed to their handlers.
func NewRegistry(conn *ConnectionManager, log zerolog.Logger) *Registry {
	r := newRegistry(conn, log)
	conn.onConnect(r.resubscribe)
	conn.handleMessages(r.deliver)
	return r
}

func newRegistry(conn subscriptionTransport, log zerolog.Logger) *Registry {
	return &Registry{
		conn:    conn,
		log:     log.With().Str("component", "registry").Logger(),
		entries: make(map[string]*subscription),
		byWire:  make(map[string]*subscription),
	}
}

// Subscribe records destination under key, replacing any previous entry,
// and activates it right away when connected. It never blocks on the network.
func (r *Registry) Subscribe(destination string, handler Handler, key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old := r.entries[key]; old != nil {
		r.teardownLocked(old)
	}
	sub := &subscription{key: key, destination: destination, handler: handler}
	r.entries[key] = sub
	r.activateLocked(sub)
	return key
}

// Unsubscribe removes key. Unknown keys are ignored.
func (r *Registry) Unsubscribe(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := r.entries[key]
	if sub == nil {
		return
	}
	r.teardownLocked(sub)
	delete(r.entries, key)
	r.log.Debug().Str("key", key).Msg("unsubscribed")
}

// Clear removes every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.entries {
		r.teardownLocked(sub)
	}
	r.entries = make(map[string]*subscription)
	r.byWire = make(map[string]*subscription)
}

// Active reports whether key is subscribed on the live connection.
func (r *Registry) Active(key string) bool {
	epoch := r.conn.Epoch()
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.entries[key]
	return sub != nil && epoch != 0 && sub.epoch == epoch
}

// Keys returns the wanted keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) resubscribe(epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, sub := range r.entries {
		if sub.epoch == epoch {
			continue
		}
		delete(r.byWire, sub.wireID)
		if r.activateLocked(sub) {
			count++
		}
	}
	r.log.Info().Int("count", count).Msg("resubscribed")
}

func (r *Registry) activateLocked(sub *subscription) bool {
	if r.conn.Epoch() == 0 {
		return false
	}
	wireID := uuid.NewString()
	epoch, err := r.conn.Send(subscribeFrame(sub.destination, wireID))
	if err != nil {
		r.log.Debug().Err(err).Str("key", sub.key).Msg("subscription deferred")
		return false
	}
	sub.wireID = wireID
	sub.epoch = epoch
	r.byWire[wireID] = sub
	r.log.Debug().Str("key", sub.key).Str("destination", sub.destination).Msg("subscribed")
	return true
}

func (r *Registry) teardownLocked(sub *subscription) {
	if sub.wireID != "" {
		delete(r.byWire, sub.wireID)
	}
	if sub.epoch != 0 && sub.epoch == r.conn.Epoch() {
		if _, err := r.conn.Send(unsubscribeFrame(sub.wireID)); err != nil {
			r.log.Debug().Err(err).Str("key", sub.key).Msg("unsubscribe not sent")
		}
	}
	sub.epoch = 0
	sub.wireID = ""
}

func (r *Registry) deliver(f *frame.Frame) {
	wireID := f.Header.Get(hdrSubscription)

	r.mu.Lock()
	sub := r.byWire[wireID]
	var h Handler
	var key string
	if sub != nil {
		h, key = sub.handler, sub.key
	}
	r.mu.Unlock()

	if h == nil {
		r.log.Debug().Str("subscription", wireID).Str("destination", f.Header.Get(hdrDestination)).Msg("dropping frame for unknown subscription")
		return
	}
	if err := h(f.Body); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("dropping malformed payload")
	}
}
