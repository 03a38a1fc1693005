package chatsync

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subscribeIDs(frames []*frame.Frame) map[string]string {
	ids := make(map[string]string)
	for _, f := range frames {
		if f.Command == frame.SUBSCRIBE {
			ids[f.Header.Get(hdrDestination)] = f.Header.Get(hdrID)
		}
	}
	return ids
}

func TestRegistry_SubscribeWhileDisconnectedIsDeferred(t *testing.T) {
	tr := &fakeTransport{}
	r := newRegistry(tr, *nopLogger())

	key := r.Subscribe(MessagesDestination("c1"), func([]byte) error { return nil }, MessagesKey("c1"))
	assert.Equal(t, MessagesKey("c1"), key)
	assert.Empty(t, tr.frames())
	assert.False(t, r.Active(key))
	assert.Equal(t, []string{MessagesKey("c1")}, r.Keys())

	tr.setEpoch(1)
	r.resubscribe(1)

	frames := tr.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, frame.SUBSCRIBE, frames[0].Command)
	assert.Equal(t, MessagesDestination("c1"), frames[0].Header.Get(hdrDestination))
	assert.NotEmpty(t, frames[0].Header.Get(hdrID))
	assert.True(t, r.Active(key))
}

func TestRegistry_SubscribeWhileConnectedIsImmediate(t *testing.T) {
	tr := &fakeTransport{epoch: 1}
	r := newRegistry(tr, *nopLogger())

	r.Subscribe(ReadReceiptsDestination("c1"), func([]byte) error { return nil }, ReadReceiptsKey("c1"))
	assert.Equal(t, []string{frame.SUBSCRIBE}, commands(tr.frames()))
	assert.True(t, r.Active(ReadReceiptsKey("c1")))

	// The resubscribe hook for the same epoch does nothing.
	r.resubscribe(1)
	assert.Len(t, tr.frames(), 1)
}

func TestRegistry_ReplaceKey(t *testing.T) {
	tr := &fakeTransport{epoch: 1}
	r := newRegistry(tr, *nopLogger())

	var got []string
	r.Subscribe(MessagesDestination("c1"), func(b []byte) error { got = append(got, "old"); return nil }, "k")
	oldID := tr.frames()[0].Header.Get(hdrID)

	r.Subscribe(MessagesDestination("c2"), func(b []byte) error { got = append(got, "new"); return nil }, "k")
	frames := tr.frames()
	require.Equal(t, []string{frame.SUBSCRIBE, frame.UNSUBSCRIBE, frame.SUBSCRIBE}, commands(frames))
	assert.Equal(t, oldID, frames[1].Header.Get(hdrID))
	newID := frames[2].Header.Get(hdrID)
	assert.NotEqual(t, oldID, newID)
	assert.Equal(t, []string{"k"}, r.Keys())

	r.deliver(messageFrame(oldID, `{}`))
	r.deliver(messageFrame(newID, `{}`))
	assert.Equal(t, []string{"new"}, got)
}

func TestRegistry_UnsubscribeIsIdempotent(t *testing.T) {
	tr := &fakeTransport{epoch: 1}
	r := newRegistry(tr, *nopLogger())

	r.Subscribe(MessagesDestination("c1"), func([]byte) error { return nil }, MessagesKey("c1"))
	r.Unsubscribe(MessagesKey("c1"))
	r.Unsubscribe(MessagesKey("c1"))
	r.Unsubscribe("never-subscribed")

	assert.Equal(t, []string{frame.SUBSCRIBE, frame.UNSUBSCRIBE}, commands(tr.frames()))
	assert.Empty(t, r.Keys())
	assert.False(t, r.Active(MessagesKey("c1")))
}

func TestRegistry_UnsubscribeWhileDisconnectedSendsNothing(t *testing.T) {
	tr := &fakeTransport{epoch: 1}
	r := newRegistry(tr, *nopLogger())
	r.Subscribe(MessagesDestination("c1"), func([]byte) error { return nil }, MessagesKey("c1"))

	tr.setEpoch(0)
	tr.reset()
	r.Unsubscribe(MessagesKey("c1"))
	assert.Empty(t, tr.frames())

	tr.setEpoch(2)
	r.resubscribe(2)
	assert.Empty(t, tr.frames(), "removed keys are not restored")
}

func TestRegistry_ResubscribeOncePerConnection(t *testing.T) {
	tr := &fakeTransport{epoch: 1}
	r := newRegistry(tr, *nopLogger())
	r.Subscribe(MessagesDestination("c1"), func([]byte) error { return nil }, MessagesKey("c1"))
	r.Subscribe(ReadReceiptsDestination("c1"), func([]byte) error { return nil }, ReadReceiptsKey("c1"))
	first := subscribeIDs(tr.frames())

	tr.reset()
	tr.setEpoch(2)
	assert.False(t, r.Active(MessagesKey("c1")), "entries from an older connection are inactive")

	r.resubscribe(2)
	r.resubscribe(2)

	frames := tr.frames()
	require.Equal(t, []string{frame.SUBSCRIBE, frame.SUBSCRIBE}, commands(frames))
	second := subscribeIDs(frames)
	assert.Len(t, second, 2)
	for dest, id := range second {
		assert.NotEqual(t, first[dest], id)
	}
	assert.True(t, r.Active(MessagesKey("c1")))
	assert.True(t, r.Active(ReadReceiptsKey("c1")))
}

func TestRegistry_FailedActivationIsRetriedOnReconnect(t *testing.T) {
	tr := &fakeTransport{epoch: 1}
	tr.setFail(errors.New("write queue full"))
	r := newRegistry(tr, *nopLogger())

	r.Subscribe(MessagesDestination("c1"), func([]byte) error { return nil }, MessagesKey("c1"))
	assert.False(t, r.Active(MessagesKey("c1")))

	tr.setFail(nil)
	tr.setEpoch(2)
	r.resubscribe(2)
	assert.True(t, r.Active(MessagesKey("c1")))
	assert.Len(t, tr.frames(), 1)
}

func TestRegistry_DeliverDropsMalformedPayloads(t *testing.T) {
	tr := &fakeTransport{epoch: 1}
	r := newRegistry(tr, *nopLogger())

	var got []Message
	r.Subscribe(MessagesDestination("c1"), JSONHandler(func(m Message) { got = append(got, m) }), MessagesKey("c1"))
	id := tr.frames()[0].Header.Get(hdrID)

	r.deliver(messageFrame(id, `not json`))
	r.deliver(messageFrame(id, `{"content":"no id"}`))
	r.deliver(messageFrame("unknown-subscription", `{"messageId":"x"}`))
	r.deliver(messageFrame(id, `{"messageId":"m1","senderId":2,"senderUsername":"bob","content":"hi"}`))

	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "bob", got[0].SenderName)
}

func TestRegistry_Clear(t *testing.T) {
	tr := &fakeTransport{epoch: 1}
	r := newRegistry(tr, *nopLogger())
	r.Subscribe(MessagesDestination("c1"), func([]byte) error { return nil }, MessagesKey("c1"))
	r.Subscribe(ConversationsDestination(7), func([]byte) error { return nil }, ConversationsKey(7))
	tr.reset()

	r.Clear()
	assert.Equal(t, []string{frame.UNSUBSCRIBE, frame.UNSUBSCRIBE}, commands(tr.frames()))
	assert.Empty(t, r.Keys())

	tr.reset()
	tr.setEpoch(2)
	r.resubscribe(2)
	assert.Empty(t, tr.frames())
}

func TestRegistry_WithConnectionManager(t *testing.T) {
	dialer := newFakeDialer()
	m := NewConnectionManager(dialer, testRealtimeConfig())
	r := NewRegistry(m, *nopLogger())

	var mu sync.Mutex
	var got []string
	r.Subscribe(MessagesDestination("c1"), JSONHandler(func(m Message) {
		mu.Lock()
		got = append(got, m.ID)
		mu.Unlock()
	}), MessagesKey("c1"))

	require.NoError(t, m.Connect("token"))
	conn := dialer.waitConn(t)
	sub := conn.nextCommand(t, frame.SUBSCRIBE)
	assert.Equal(t, MessagesDestination("c1"), sub.Header.Get(hdrDestination))
	waitState(t, m, StateConnected)
	assert.True(t, r.Active(MessagesKey("c1")))

	conn.push(messageFrame(sub.Header.Get(hdrID), `{"messageId":"m1","content":"hi"}`))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, 5*time.Millisecond)

	// After a drop the subscription is restored exactly once.
	conn.Close()
	conn2 := dialer.waitConn(t)
	sub2 := conn2.nextCommand(t, frame.SUBSCRIBE)
	assert.Equal(t, MessagesDestination("c1"), sub2.Header.Get(hdrDestination))
	assert.NotEqual(t, sub.Header.Get(hdrID), sub2.Header.Get(hdrID))
	conn2.noFrame(t, 50*time.Millisecond)

	m.Disconnect()
}
