// Package dispatch fans inbound delivery events out to local listeners,
// decrypting message payloads on the way.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"securechat/internal/logging"
	"securechat/internal/protocol"
	"securechat/internal/readstatus"
)

// DefaultTracked bounds the number of local message copies kept for status
// recomputation.
const DefaultTracked = 2048

// Decrypter opens message payloads in place, flagging failures on the message.
type Decrypter interface {
	DecryptMessage(ctx context.Context, m *protocol.ChatMessage) error
}

// Event is delivered to listeners.
type Event struct {
	Type           protocol.EventType
	Message        *protocol.ChatMessage
	MessageID      string
	ConversationID string
	// Status is the recomputed aggregate for status events.
	Status readstatus.Status
	// Err is the decryption error of a message event, if any.
	Err error
}

// Listener handles one event. Listeners must not block for long; they run on
// the connection's read loop.
type Listener func(Event)

// Dispatcher routes frames to listeners. It is safe for concurrent use.
type Dispatcher struct {
	userID string
	dec    Decrypter

	mu        sync.RWMutex
	listeners map[protocol.EventType]map[int]Listener
	nextID    int

	msgMu   sync.Mutex
	msgs    map[string]*protocol.ChatMessage
	order   []string
	maxMsgs int
}

// New creates a dispatcher for the local user. dec may be nil when no
// conversation is encrypted.
func New(userID string, dec Decrypter) *Dispatcher {
	return &Dispatcher{
		userID:    userID,
		dec:       dec,
		listeners: make(map[protocol.EventType]map[int]Listener),
		msgs:      make(map[string]*protocol.ChatMessage),
		maxMsgs:   DefaultTracked,
	}
}

// On registers a listener and returns a function that removes it.
func (d *Dispatcher) On(t protocol.EventType, l Listener) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	if d.listeners[t] == nil {
		d.listeners[t] = make(map[int]Listener)
	}
	d.listeners[t][id] = l

	return func() {
		d.mu.Lock()
		delete(d.listeners[t], id)
		d.mu.Unlock()
	}
}

// Track records a locally sent message so later status events can be
// aggregated against it.
func (d *Dispatcher) Track(m *protocol.ChatMessage) {
	if m == nil || m.ID == "" {
		return
	}
	m = m.Clone()

	// Status events may overtake the send acknowledgement.
	d.msgMu.Lock()
	if prev, ok := d.msgs[m.ID]; ok {
		for _, st := range prev.Status {
			m.Status = readstatus.Apply(m.Status, st)
		}
	}
	d.msgMu.Unlock()
	d.store(m)
}

// Message returns a copy of the local state of a message.
func (d *Dispatcher) Message(id string) (*protocol.ChatMessage, bool) {
	d.msgMu.Lock()
	defer d.msgMu.Unlock()
	m, ok := d.msgs[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Status recomputes the aggregate read status of a tracked message.
func (d *Dispatcher) Status(id string) (readstatus.Status, bool) {
	d.msgMu.Lock()
	defer d.msgMu.Unlock()
	m, ok := d.msgs[id]
	if !ok {
		return readstatus.Sent, false
	}
	return readstatus.Calculate(m, d.userID), true
}

// HandleFrame processes one server frame. It never panics and never drops a
// message because its payload could not be decrypted.
func (d *Dispatcher) HandleFrame(f *protocol.Frame) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Recovered from panic while dispatching", map[string]string{
				"type":  string(f.Type),
				"panic": fmt.Sprint(r),
			})
		}
	}()

	switch f.Type {
	case protocol.EventNew, protocol.EventEdited:
		d.handleMessage(f)
	case protocol.EventDeleted:
		d.handleDeleted(f)
	case protocol.EventStatusChanged:
		d.handleStatus(f)
	case protocol.EventError:
		var e protocol.ErrorResponse
		if err := f.ParseData(&e); err == nil {
			logging.Warn("Server error", map[string]string{"code": string(e.Code), "message": e.Message})
		}
		d.emit(Event{Type: f.Type, Err: protocol.Errorf(e.Code, "%s", e.Message)})
	default:
		logging.Warn("Unhandled frame", map[string]string{"type": string(f.Type)})
	}
}

func (d *Dispatcher) handleMessage(f *protocol.Frame) {
	var m protocol.ChatMessage
	if err := f.ParseData(&m); err != nil {
		logging.WarnWithError("Dropping malformed message frame", err, map[string]string{"type": string(f.Type)})
		return
	}

	var decErr error
	if d.dec != nil {
		decErr = d.dec.DecryptMessage(context.Background(), &m)
	} else if m.IsEncrypted() {
		decErr = protocol.Errorf(protocol.CodeDecryptionFailed, "no decrypter configured")
		m.Content = protocol.DecryptionFailedPlaceholder
		m.DecryptionFailed = true
	}

	if f.Type == protocol.EventEdited {
		d.msgMu.Lock()
		if prev, ok := d.msgs[m.ID]; ok && len(m.Status) == 0 {
			m.Status = append([]protocol.DeliveryStatus(nil), prev.Status...)
		}
		d.msgMu.Unlock()
	}
	d.store(m.Clone())

	d.emit(Event{
		Type:           f.Type,
		Message:        &m,
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Status:         readstatus.Calculate(&m, d.userID),
		Err:            decErr,
	})
}

func (d *Dispatcher) handleDeleted(f *protocol.Frame) {
	var ev protocol.DeletedEvent
	if err := f.ParseData(&ev); err != nil || ev.MessageID == "" {
		logging.Warn("Dropping malformed delete frame")
		return
	}

	d.msgMu.Lock()
	if m, ok := d.msgs[ev.MessageID]; ok {
		m.Deleted = true
		m.Content, m.EncryptedContent, m.EncryptionMetadata = "", "", nil
	}
	d.msgMu.Unlock()

	d.emit(Event{Type: f.Type, MessageID: ev.MessageID, ConversationID: ev.ConversationID})
}

func (d *Dispatcher) handleStatus(f *protocol.Frame) {
	var ev protocol.StatusEvent
	if err := f.ParseData(&ev); err != nil || ev.MessageID == "" {
		logging.Warn("Dropping malformed status frame")
		return
	}

	d.msgMu.Lock()
	m, ok := d.msgs[ev.MessageID]
	if !ok {
		m = &protocol.ChatMessage{ID: ev.MessageID, ConversationID: ev.ConversationID}
		d.insertLocked(m)
	}
	m.Status = readstatus.Apply(m.Status, ev.Entry)
	status := readstatus.Calculate(m, d.userID)
	d.msgMu.Unlock()

	d.emit(Event{
		Type:           f.Type,
		MessageID:      ev.MessageID,
		ConversationID: ev.ConversationID,
		Status:         status,
	})
}

func (d *Dispatcher) store(m *protocol.ChatMessage) {
	d.msgMu.Lock()
	defer d.msgMu.Unlock()
	if _, ok := d.msgs[m.ID]; ok {
		d.msgs[m.ID] = m
		return
	}
	d.insertLocked(m)
}

func (d *Dispatcher) insertLocked(m *protocol.ChatMessage) {
	d.msgs[m.ID] = m
	d.order = append(d.order, m.ID)
	for len(d.order) > d.maxMsgs {
		delete(d.msgs, d.order[0])
		d.order = d.order[1:]
	}
}

func (d *Dispatcher) emit(ev Event) {
	d.mu.RLock()
	ls := make([]Listener, 0, len(d.listeners[ev.Type]))
	for _, l := range d.listeners[ev.Type] {
		ls = append(ls, l)
	}
	d.mu.RUnlock()

	for _, l := range ls {
		d.call(l, ev)
	}
}

func (d *Dispatcher) call(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Listener panicked", map[string]string{
				"type":  string(ev.Type),
				"panic": fmt.Sprint(r),
			})
		}
	}()
	l(ev)
}
