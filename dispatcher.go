package chatsync

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/rs/zerolog"
)

// OfflinePolicy decides what happens to outbound events while not connected.
type OfflinePolicy int

const (
	// DropWhenOffline discards the event with a warning.
	DropWhenOffline OfflinePolicy = iota
	// QueueWhenOffline holds the event in the outbox until the next connect.
	QueueWhenOffline
)

func (p OfflinePolicy) String() string {
	switch p {
	case DropWhenOffline:
		return "drop"
	case QueueWhenOffline:
		return "queue"
	}
	return "unknown"
}

// ParseOfflinePolicy accepts "drop" or "queue".
func ParseOfflinePolicy(s string) (OfflinePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return DropWhenOffline, nil
	case "queue":
		return QueueWhenOffline, nil
	}
	return DropWhenOffline, errors.New("unknown offline policy: " + s)
}

type frameSender interface {
	Send(f *frame.Frame) (uint64, error)
}

// Dispatcher serializes outgoing chat and read-receipt events.
type Dispatcher struct {
	conn       frameSender
	outbox     *Outbox
	policy     OfflinePolicy
	retryLimit int
	log        zerolog.Logger

	mu sync.Mutex
}

// NewDispatcher creates a dispatcher publishing through conn.
func NewDispatcher(conn frameSender, outbox *Outbox, policy OfflinePolicy, retryLimit int, log zerolog.Logger) *Dispatcher {
	if retryLimit <= 0 {
		retryLimit = 5
	}
	return &Dispatcher{
		conn:       conn,
		outbox:     outbox,
		policy:     policy,
		retryLimit: retryLimit,
		log:        log.With().Str("component", "dispatcher").Logger(),
	}
}

// SendMessage publishes trimmed content to the conversation.
// Blank content is ignored.
func (d *Dispatcher) SendMessage(conversationID, content string) SendStatus {
	content = strings.TrimSpace(content)
	if content == "" || conversationID == "" {
		return SendIgnored
	}
	return d.publish(DestinationSendMessage, conversationID, OutboundMessage{
		ConversationID: conversationID,
		Content:        content,
	})
}

// SendReadReceipt publishes a read receipt. An empty messageID marks
// the whole conversation read and is encoded as null.
func (d *Dispatcher) SendReadReceipt(conversationID, messageID string) SendStatus {
	if conversationID == "" {
		return SendIgnored
	}
	receipt := ReadReceipt{ConversationID: conversationID}
	if messageID != "" {
		receipt.MessageID = &messageID
	}
	return d.publish(DestinationSendReadReceipt, conversationID, receipt)
}

func (d *Dispatcher) publish(destination, conversationID string, payload any) SendStatus {
	body, err := json.Marshal(payload)
	if err != nil {
		d.log.Error().Err(err).Str("destination", destination).Msg("failed to encode outbound event")
		return SendDropped
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Queued events go first so a reconnect never reorders them.
	if d.policy == QueueWhenOffline && d.outbox.PendingCount() > 0 {
		d.outbox.Enqueue(destination, conversationID, body, d.retryLimit)
		d.flushLocked()
		if d.outbox.PendingCount() > 0 {
			return SendQueued
		}
		return SendPublished
	}

	if _, err := d.conn.Send(sendFrame(destination, body)); err != nil {
		if d.policy == QueueWhenOffline {
			d.outbox.Enqueue(destination, conversationID, body, d.retryLimit)
			d.log.Info().Str("conversation", conversationID).Str("destination", destination).Msg("offline, event queued")
			return SendQueued
		}
		d.log.Warn().Err(err).Str("conversation", conversationID).Str("destination", destination).Msg("offline, event dropped")
		return SendDropped
	}
	d.log.Debug().Str("conversation", conversationID).Str("destination", destination).Msg("event published")
	return SendPublished
}

// Flush publishes queued events in creation order and returns how many went out.
// It stops at the first failure so later events never overtake earlier ones.
// Only failures on a live connection count against an event's retry limit.
func (d *Dispatcher) Flush() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked()
}

func (d *Dispatcher) flushLocked() int {
	sent := 0
	for _, op := range d.outbox.DequeueReady(0) {
		if _, err := d.conn.Send(sendFrame(op.Destination, op.Body)); err != nil {
			if errors.Is(err, ErrNotConnected) {
				break
			}
			d.outbox.Nack(op.ID, err.Error())
			d.log.Warn().Err(err).Str("conversation", op.ConversationID).Str("op", op.ID).Msg("queued event not flushed")
			break
		}
		d.outbox.Ack(op.ID)
		sent++
	}
	if sent > 0 {
		d.log.Info().Int("count", sent).Msg("flushed queued events")
	}
	return sent
}
