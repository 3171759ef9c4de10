package transport

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"securechat/internal/logging"
	"securechat/internal/protocol"
)

// DefaultAckTimeout bounds the wait for a duplex acknowledgement.
const DefaultAckTimeout = 10 * time.Second

// Fallback is the request/response channel. It only ever carries
// unencrypted messages.
type Fallback interface {
	SendMessage(ctx context.Context, msg *protocol.ChatMessage) (*protocol.ChatMessage, error)
}

// Encryptor is the part of the encryption gateway the transport needs.
type Encryptor interface {
	GetConversationMode(ctx context.Context, conversationID string) (protocol.Mode, error)
	EncryptMode(ctx context.Context, mode protocol.Mode, plaintext, conversationID string) (*protocol.EncryptedPayload, error)
}

// Notifier surfaces terminal failures to the user who started the operation.
type Notifier interface {
	NotifyFailure(op, messageID string, err error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(op, messageID string, err error)

func (f NotifierFunc) NotifyFailure(op, messageID string, err error) { f(op, messageID, err) }

// Config wires a Transport.
type Config struct {
	Duplex     Duplex
	Fallback   Fallback
	Encryptor  Encryptor
	Notifier   Notifier
	AckTimeout time.Duration
}

// Transport sends, edits and deletes messages.
type Transport struct {
	duplex     Duplex
	fallback   Fallback
	enc        Encryptor
	notify     Notifier
	ackTimeout time.Duration
}

// New creates a transport. Duplex is required.
func New(cfg Config) *Transport {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NotifierFunc(func(op, messageID string, err error) {
			logging.ErrorWithError("Operation failed", err, map[string]string{"op": op, "message_id": messageID})
		})
	}
	return &Transport{
		duplex:     cfg.Duplex,
		fallback:   cfg.Fallback,
		enc:        cfg.Encryptor,
		notify:     cfg.Notifier,
		ackTimeout: cfg.AckTimeout,
	}
}

// Send delivers msg. The message gets an id if it has none; its content is
// left as the caller's plaintext. Encrypted payloads are never sent over the
// fallback channel. A nil error means the message was accepted by the server.
func (t *Transport) Send(ctx context.Context, msg *protocol.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}

	out, err := t.prepare(ctx, msg)
	if err != nil {
		return t.fail("send", msg.ID, err)
	}

	event := protocol.EventSend
	if out.HasAttachments() {
		event = protocol.EventSendWithAttachments
	}

	res := t.duplex.Emit(ctx, event, out).Await(ctx, t.ackTimeout)
	if res.Outcome == Ok {
		return nil
	}
	sendErr := res.Err()

	if out.IsEncrypted() {
		logging.Warn("Not falling back for encrypted message", map[string]string{
			"message_id": out.ID,
			"outcome":    res.Outcome.String(),
		})
		return t.fail("send", out.ID, sendErr)
	}
	if t.fallback == nil || ctx.Err() != nil {
		return t.fail("send", out.ID, sendErr)
	}

	logging.Info("Retrying over fallback channel", map[string]string{
		"message_id": out.ID,
		"outcome":    res.Outcome.String(),
	})
	if _, err := t.fallback.SendMessage(ctx, out); err != nil {
		return t.fail("send", out.ID, protocol.Wrap(protocol.CodeSendFailed, errors.Join(sendErr, err), "fallback failed"))
	}
	return nil
}

// prepare builds the wire copy of msg, encrypting it when the mode requires.
func (t *Transport) prepare(ctx context.Context, msg *protocol.ChatMessage) (*protocol.ChatMessage, error) {
	out := msg.Clone()
	out.EncryptedContent, out.EncryptionMetadata, out.DecryptionFailed = "", nil, false

	p, err := t.encrypt(ctx, msg.Content, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		p.Attach(out)
	}
	return out, nil
}

func (t *Transport) encrypt(ctx context.Context, content, conversationID string) (*protocol.EncryptedPayload, error) {
	if t.enc == nil {
		return nil, nil
	}
	mode, err := t.enc.GetConversationMode(ctx, conversationID)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeSendFailed, err, "cannot resolve conversation mode")
	}
	if !mode.Encryptable() {
		return nil, nil
	}
	return t.enc.EncryptMode(ctx, mode, content, conversationID)
}

// Edit replaces the content of a sent message. There is no fallback.
func (t *Transport) Edit(ctx context.Context, conversationID, messageID, content string) error {
	req := protocol.EditRequest{MessageID: messageID, Content: content}

	p, err := t.encrypt(ctx, content, conversationID)
	if err != nil {
		return t.fail("edit", messageID, err)
	}
	if p != nil {
		m := &protocol.ChatMessage{ConversationID: conversationID, Content: content}
		p.Attach(m)
		req.Content, req.EncryptedContent, req.EncryptionMetadata = m.Content, m.EncryptedContent, m.EncryptionMetadata
	}

	return t.roundTrip(ctx, "edit", messageID, protocol.EventEdit, req)
}

// Delete removes a message. There is no fallback.
func (t *Transport) Delete(ctx context.Context, messageID string) error {
	return t.roundTrip(ctx, "delete", messageID, protocol.EventDelete, protocol.DeleteRequest{MessageID: messageID})
}

// MarkStatus advances the local user's delivery cursor for a message.
// Failures are logged only; the cursor is resent on the next update.
func (t *Transport) MarkStatus(ctx context.Context, messageID string, received, read bool) error {
	req := protocol.StatusRequest{MessageID: messageID, Received: received || read, Read: read}
	res := t.duplex.Emit(ctx, protocol.EventStatus, req).Await(ctx, t.ackTimeout)
	if err := res.Err(); err != nil {
		logging.WarnWithError("Failed to update delivery status", err, map[string]string{"message_id": messageID})
		return err
	}
	return nil
}

func (t *Transport) roundTrip(ctx context.Context, op, messageID string, event protocol.EventType, data any) error {
	if messageID == "" {
		return t.fail(op, messageID, protocol.Errorf(protocol.CodeBadRequest, "message id is required"))
	}
	res := t.duplex.Emit(ctx, event, data).Await(ctx, t.ackTimeout)
	if err := res.Err(); err != nil {
		return t.fail(op, messageID, err)
	}
	return nil
}

func (t *Transport) fail(op, messageID string, err error) error {
	t.notify.NotifyFailure(op, messageID, err)
	return err
}
