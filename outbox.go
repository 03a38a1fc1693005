package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Outbox
// ============================================================================

const (
	opStatusPending = "pending"
	opStatusFailed  = "failed"
)

// OutboxOp is an outbound event waiting for a live connection.
type OutboxOp struct {
	ID             string    `json:"id"`
	Destination    string    `json:"destination"`
	ConversationID string    `json:"conversationId"`
	Body           []byte    `json:"body"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	Retries        int       `json:"retries"`
	MaxRetries     int       `json:"maxRetries"`
	Error          string    `json:"error,omitempty"`

	seq uint64
}

// Outbox is a goroutine-safe in-memory queue of pending outbound events.
type Outbox struct {
	mu  sync.RWMutex
	ops map[string]*OutboxOp
	seq uint64
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{ops: make(map[string]*OutboxOp)}
}

// Enqueue stores a new pending op and returns it.
func (o *Outbox) Enqueue(destination, conversationID string, body []byte, maxRetries int) *OutboxOp {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	op := &OutboxOp{
		ID:             uuid.NewString(),
		Destination:    destination,
		ConversationID: conversationID,
		Body:           body,
		Status:         opStatusPending,
		CreatedAt:      time.Now(),
		MaxRetries:     maxRetries,
		seq:            o.seq,
	}
	o.ops[op.ID] = op
	return op
}

// DequeueReady returns up to limit pending ops in creation order.
// A limit of zero or less returns all of them.
func (o *Outbox) DequeueReady(limit int) []*OutboxOp {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var ready []*OutboxOp
	for _, op := range o.ops {
		if op.Status == opStatusPending && op.Retries < op.MaxRetries {
			ready = append(ready, op)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready
}

// Ack removes a delivered op.
func (o *Outbox) Ack(opID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.ops, opID)
}

// Nack records a failed publish. The op is marked failed once it runs out
// of retries and is never dequeued again.
func (o *Outbox) Nack(opID string, errMsg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	op := o.ops[opID]
	if op == nil {
		return
	}
	op.Retries++
	op.Error = errMsg
	if op.Retries >= op.MaxRetries {
		op.Status = opStatusFailed
	}
}

// PendingCount returns the number of ops still waiting to be flushed.
func (o *Outbox) PendingCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	count := 0
	for _, op := range o.ops {
		if op.Status == opStatusPending {
			count++
		}
	}
	return count
}

// Failed returns the ops that exhausted their retries, oldest first.
func (o *Outbox) Failed() []OutboxOp {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var failed []OutboxOp
	for _, op := range o.ops {
		if op.Status == opStatusFailed {
			failed = append(failed, *op)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].seq < failed[j].seq })
	return failed
}

// Clear drops every op.
func (o *Outbox) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = make(map[string]*OutboxOp)
}
