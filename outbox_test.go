package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbox_EnqueueAndDequeueInOrder(t *testing.T) {
	o := NewOutbox()
	a := o.Enqueue(DestinationSendMessage, "c1", []byte(`a`), 3)
	b := o.Enqueue(DestinationSendReadReceipt, "c1", []byte(`b`), 3)
	c := o.Enqueue(DestinationSendMessage, "c2", []byte(`c`), 3)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, opStatusPending, a.Status)
	assert.Equal(t, 3, o.PendingCount())

	ready := o.DequeueReady(0)
	require.Len(t, ready, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{ready[0].ID, ready[1].ID, ready[2].ID})

	limited := o.DequeueReady(2)
	require.Len(t, limited, 2)
	assert.Equal(t, a.ID, limited[0].ID)
}

func TestOutbox_AckRemoves(t *testing.T) {
	o := NewOutbox()
	op := o.Enqueue(DestinationSendMessage, "c1", []byte(`a`), 3)

	o.Ack(op.ID)
	o.Ack("missing")
	assert.Zero(t, o.PendingCount())
	assert.Empty(t, o.DequeueReady(0))
}

func TestOutbox_NackExhaustsRetries(t *testing.T) {
	o := NewOutbox()
	op := o.Enqueue(DestinationSendMessage, "c1", []byte(`a`), 2)

	o.Nack(op.ID, "boom")
	assert.Equal(t, 1, o.PendingCount())
	assert.Len(t, o.DequeueReady(0), 1)
	assert.Empty(t, o.Failed())

	o.Nack(op.ID, "boom again")
	o.Nack("missing", "ignored")
	assert.Zero(t, o.PendingCount())
	assert.Empty(t, o.DequeueReady(0))

	failed := o.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, op.ID, failed[0].ID)
	assert.Equal(t, 2, failed[0].Retries)
	assert.Equal(t, "boom again", failed[0].Error)
	assert.Equal(t, opStatusFailed, failed[0].Status)
}

func TestOutbox_Clear(t *testing.T) {
	o := NewOutbox()
	o.Enqueue(DestinationSendMessage, "c1", []byte(`a`), 1)
	failed := o.Enqueue(DestinationSendMessage, "c1", []byte(`b`), 1)
	o.Nack(failed.ID, "x")

	o.Clear()
	assert.Zero(t, o.PendingCount())
	assert.Empty(t, o.Failed())
}
