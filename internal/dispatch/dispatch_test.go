package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/internal/crypto"
	"securechat/internal/gateway"
	"securechat/internal/protocol"
	"securechat/internal/readstatus"
)

// wire round-trips a frame through JSON so ParseData sees what the socket delivers.
func wire(t *testing.T, typ protocol.EventType, data any) *protocol.Frame {
	t.Helper()
	raw, err := protocol.NewFrame(typ, "", data).Marshal()
	require.NoError(t, err)
	f, err := protocol.UnmarshalFrame(raw)
	require.NoError(t, err)
	return f
}

func serverGateway() *gateway.Gateway {
	return gateway.New(
		gateway.StaticModes{"conv": protocol.ModeServerEncrypted},
		gateway.KeyringSource{Keyring: crypto.NewKeyring("secret", 1)},
		nil, nil,
	)
}

func collect(d *Dispatcher, t protocol.EventType) *[]Event {
	var got []Event
	d.On(t, func(ev Event) { got = append(got, ev) })
	return &got
}

func TestNewMessageIsDecrypted(t *testing.T) {
	g := serverGateway()
	d := New("bob", g)
	got := collect(d, protocol.EventNew)

	msg := &protocol.ChatMessage{ID: "m1", ConversationID: "conv", SenderID: "alice", Content: "hello"}
	p, err := g.Encrypt(context.Background(), "hello", "conv")
	require.NoError(t, err)
	p.Attach(msg)
	msg.Content = "stale"

	d.HandleFrame(wire(t, protocol.EventNew, msg))

	require.Len(t, *got, 1)
	ev := (*got)[0]
	require.NoError(t, ev.Err)
	assert.Equal(t, "hello", ev.Message.Content)
	assert.False(t, ev.Message.DecryptionFailed)
}

func TestForgedCiphertextStillDelivered(t *testing.T) {
	g := serverGateway()
	d := New("bob", g)
	got := collect(d, protocol.EventNew)

	msg := &protocol.ChatMessage{ID: "m1", ConversationID: "conv", SenderID: "alice"}
	p, err := g.Encrypt(context.Background(), "hello", "conv")
	require.NoError(t, err)
	p.Attach(msg)
	raw, _ := protocol.DecodeKey(msg.EncryptedContent)
	raw[len(raw)-1] ^= 0xff
	msg.EncryptedContent = protocol.EncodeKey(raw)

	require.NotPanics(t, func() { d.HandleFrame(wire(t, protocol.EventNew, msg)) })

	require.Len(t, *got, 1)
	ev := (*got)[0]
	assert.Equal(t, protocol.CodeDecryptionFailed, protocol.CodeOf(ev.Err))
	assert.True(t, ev.Message.DecryptionFailed)
	assert.Equal(t, protocol.DecryptionFailedPlaceholder, ev.Message.Content)

	// The flag survives a JSON hop under its wire name.
	out, err := json.Marshal(ev.Message)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"_decryptionFailed":true`)
}

func TestEncryptedWithoutDecrypter(t *testing.T) {
	d := New("bob", nil)
	got := collect(d, protocol.EventNew)

	d.HandleFrame(wire(t, protocol.EventNew, &protocol.ChatMessage{
		ID: "m1", Content: protocol.EncryptedPlaceholder, EncryptedContent: "AAAA",
	}))
	require.Len(t, *got, 1)
	assert.True(t, (*got)[0].Message.DecryptionFailed)
}

func TestListenerPanicIsContained(t *testing.T) {
	d := New("bob", nil)
	d.On(protocol.EventNew, func(Event) { panic("listener bug") })
	got := collect(d, protocol.EventNew)

	require.NotPanics(t, func() {
		d.HandleFrame(wire(t, protocol.EventNew, &protocol.ChatMessage{ID: "m1", Content: "hi"}))
	})
	assert.Len(t, *got, 1)
}

func TestUnsubscribe(t *testing.T) {
	d := New("bob", nil)
	calls := 0
	off := d.On(protocol.EventDeleted, func(Event) { calls++ })

	d.HandleFrame(wire(t, protocol.EventDeleted, protocol.DeletedEvent{MessageID: "m1", ConversationID: "conv"}))
	off()
	d.HandleFrame(wire(t, protocol.EventDeleted, protocol.DeletedEvent{MessageID: "m1", ConversationID: "conv"}))
	assert.Equal(t, 1, calls)
}

func TestDeletedMarksLocalCopy(t *testing.T) {
	d := New("bob", nil)
	d.HandleFrame(wire(t, protocol.EventNew, &protocol.ChatMessage{ID: "m1", ConversationID: "conv", Content: "hi"}))
	d.HandleFrame(wire(t, protocol.EventDeleted, protocol.DeletedEvent{MessageID: "m1", ConversationID: "conv"}))

	m, ok := d.Message("m1")
	require.True(t, ok)
	assert.True(t, m.Deleted)
	assert.Empty(t, m.Content)
}

func TestStatusEventsRecomputeAggregate(t *testing.T) {
	d := New("alice", nil)
	d.Track(&protocol.ChatMessage{
		ID:             "m1",
		ConversationID: "conv",
		SenderID:       "alice",
		Status:         readstatus.Initial("alice", []string{"alice", "bob", "carol"}),
	})
	got := collect(d, protocol.EventStatusChanged)

	send := func(user string, received, read bool) {
		d.HandleFrame(wire(t, protocol.EventStatusChanged, protocol.StatusEvent{
			MessageID:      "m1",
			ConversationID: "conv",
			Entry:          protocol.DeliveryStatus{UserID: user, IsReceived: received, IsRead: read},
		}))
	}

	send("bob", true, false)
	send("carol", true, false)
	send("bob", true, true)
	send("bob", true, true) // duplicate
	send("carol", true, true)

	var states []readstatus.Status
	for _, ev := range *got {
		states = append(states, ev.Status)
	}
	assert.Equal(t, []readstatus.Status{
		readstatus.Sent,
		readstatus.Delivered,
		readstatus.PartiallyRead,
		readstatus.PartiallyRead,
		readstatus.AllRead,
	}, states)

	s, ok := d.Status("m1")
	require.True(t, ok)
	assert.Equal(t, readstatus.AllRead, s)
}

func TestStatusForUnknownMessage(t *testing.T) {
	d := New("alice", nil)
	got := collect(d, protocol.EventStatusChanged)
	d.HandleFrame(wire(t, protocol.EventStatusChanged, protocol.StatusEvent{
		MessageID: "m9",
		Entry:     protocol.DeliveryStatus{UserID: "bob", IsRead: true},
	}))
	require.Len(t, *got, 1)
	assert.Equal(t, readstatus.AllRead, (*got)[0].Status)
}

func TestEditKeepsTrackedStatus(t *testing.T) {
	d := New("bob", nil)
	d.Track(&protocol.ChatMessage{ID: "m1", Status: []protocol.DeliveryStatus{{UserID: "carol", IsReceived: true}}})
	d.HandleFrame(wire(t, protocol.EventEdited, &protocol.ChatMessage{ID: "m1", Content: "changed"}))

	m, ok := d.Message("m1")
	require.True(t, ok)
	assert.Equal(t, "changed", m.Content)
	assert.Len(t, m.Status, 1)
}

func TestTrackedMessagesAreBounded(t *testing.T) {
	d := New("bob", nil)
	d.maxMsgs = 3
	for _, id := range []string{"a", "b", "c", "d"} {
		d.Track(&protocol.ChatMessage{ID: id})
	}
	_, ok := d.Message("a")
	assert.False(t, ok)
	_, ok = d.Message("d")
	assert.True(t, ok)
}

func TestTrackKeepsEarlierStatusEvents(t *testing.T) {
	d := New("alice", nil)
	d.HandleFrame(wire(t, protocol.EventStatusChanged, protocol.StatusEvent{
		MessageID: "m1",
		Entry:     protocol.DeliveryStatus{UserID: "bob", IsReceived: true, IsRead: true},
	}))
	d.Track(&protocol.ChatMessage{
		ID:       "m1",
		SenderID: "alice",
		Status:   readstatus.Initial("alice", []string{"alice", "bob"}),
	})

	s, ok := d.Status("m1")
	require.True(t, ok)
	assert.Equal(t, readstatus.AllRead, s)
}
