package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"securechat/internal/db"
	"securechat/internal/logging"
	"securechat/internal/protocol"
	"securechat/internal/readstatus"
)

// handleFrame routes a client request and acknowledges it.
func (c *Connection) handleFrame(f *protocol.Frame) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Recovered from panic while handling frame", map[string]string{
				"type":  string(f.Type),
				"user":  c.userID,
				"panic": fmt.Sprint(r),
			})
			c.ack(f.ID, protocol.Errorf(protocol.CodeInternal, "internal error"))
		}
	}()

	var err error
	switch f.Type {
	case protocol.EventSend, protocol.EventSendWithAttachments:
		err = c.handleSend(f)
	case protocol.EventEdit:
		err = c.handleEdit(f)
	case protocol.EventDelete:
		err = c.handleDelete(f)
	case protocol.EventStatus:
		err = c.handleStatus(f)
	default:
		err = protocol.Errorf(protocol.CodeBadRequest, "unknown event %q", f.Type)
	}

	if err != nil {
		logging.Warn("Request rejected", map[string]string{
			"type": string(f.Type),
			"user": c.userID,
			"code": string(protocol.CodeOf(err)),
		})
	}
	c.ack(f.ID, err)
}

func (c *Connection) handleSend(f *protocol.Frame) error {
	var m protocol.ChatMessage
	if err := f.ParseData(&m); err != nil {
		return protocol.Wrap(protocol.CodeBadRequest, err, "invalid message")
	}
	if f.Type == protocol.EventSendWithAttachments && !m.HasAttachments() {
		return protocol.Errorf(protocol.CodeBadRequest, "no attachments")
	}
	_, err := c.server.acceptMessage(c.userID, &m)
	return err
}

// acceptMessage validates, stores and broadcasts a new message for both the
// duplex and the fallback channel. A message id seen before is acknowledged
// without a second broadcast.
func (s *Server) acceptMessage(userID string, m *protocol.ChatMessage) (*protocol.ChatMessage, error) {
	if m.ConversationID == "" {
		return nil, protocol.Errorf(protocol.CodeBadRequest, "conversationId is required")
	}
	if m.Content == "" && !m.IsEncrypted() && !m.HasAttachments() {
		return nil, protocol.Errorf(protocol.CodeBadRequest, "message is empty")
	}

	conv, err := s.memberConversation(userID, m.ConversationID)
	if err != nil {
		return nil, err
	}

	if m.AnonymousSenderID == "" {
		m.SenderID = userID
	} else {
		if err := s.checkPseudonym(conv, m.AnonymousSenderID); err != nil {
			return nil, err
		}
		m.SenderID = ""
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	m.EditedAt, m.Deleted, m.DecryptionFailed = 0, false, false

	if err := sealForStorage(conv, &m.Content, m.EncryptedContent, m.EncryptionMetadata); err != nil {
		return nil, err
	}
	m.Status = readstatus.Initial(userID, conv.Members)

	stored, err := s.database.StoreMessage(userID, m)
	if errors.Is(err, db.ErrMessageIDTaken) {
		return nil, protocol.Wrap(protocol.CodeBadRequest, err, "")
	}
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeInternal, err, "failed to store message")
	}
	if !stored {
		existing, err := s.database.GetMessage(m.ID)
		if err != nil {
			return nil, protocol.Wrap(protocol.CodeInternal, err, "failed to load message")
		}
		return existing, nil
	}

	s.deliver(others(conv.Members, userID), protocol.EventNew, m)
	return m, nil
}

// checkPseudonym rejects an anonymous sender id that names a real account,
// so a member cannot post as someone else.
func (s *Server) checkPseudonym(conv *db.Conversation, pseudonym string) error {
	if conv.HasMember(pseudonym) {
		return protocol.Errorf(protocol.CodeBadRequest, "anonymous sender id names a member")
	}
	_, err := s.database.GetUser(pseudonym)
	switch {
	case err == nil:
		return protocol.Errorf(protocol.CodeBadRequest, "anonymous sender id names a registered user")
	case errors.Is(err, db.ErrNotFound):
		return nil
	default:
		return dbError(err)
	}
}

// sealForStorage enforces what may be persisted for the conversation mode:
// e2ee content is replaced by the placeholder and must carry a payload whose
// metadata matches the conversation.
func sealForStorage(conv *db.Conversation, content *string, encrypted string, md *protocol.EncryptionMetadata) error {
	if encrypted != "" {
		if md == nil {
			return protocol.Errorf(protocol.CodeBadRequest, "encrypted content without metadata")
		}
		if md.Mode != conv.Mode {
			return protocol.Errorf(protocol.CodeBadRequest, "payload mode %s does not match conversation mode %s", md.Mode, conv.Mode)
		}
		if md.ConversationID != conv.ID {
			return protocol.Errorf(protocol.CodeBadRequest, "payload bound to another conversation")
		}
	}
	if conv.Mode == protocol.ModeE2EE {
		if encrypted == "" {
			return protocol.Errorf(protocol.CodeBadRequest, "end-to-end encrypted conversation requires an encrypted payload")
		}
		*content = protocol.EncryptedPlaceholder
	}
	return nil
}

func (c *Connection) handleEdit(f *protocol.Frame) error {
	var req protocol.EditRequest
	if err := f.ParseData(&req); err != nil || req.MessageID == "" {
		return protocol.Errorf(protocol.CodeBadRequest, "invalid edit request")
	}

	existing, err := c.server.database.GetMessage(req.MessageID)
	if err != nil {
		return dbError(err)
	}
	conv, err := c.server.memberConversation(c.userID, existing.ConversationID)
	if err != nil {
		return err
	}
	if err := sealForStorage(conv, &req.Content, req.EncryptedContent, req.EncryptionMetadata); err != nil {
		return err
	}

	m, err := c.server.database.EditMessage(c.userID, req)
	if err != nil {
		return dbError(err)
	}
	c.server.deliver(others(conv.Members, c.userID), protocol.EventEdited, m)
	return nil
}

func (c *Connection) handleDelete(f *protocol.Frame) error {
	var req protocol.DeleteRequest
	if err := f.ParseData(&req); err != nil || req.MessageID == "" {
		return protocol.Errorf(protocol.CodeBadRequest, "invalid delete request")
	}

	m, err := c.server.database.DeleteMessage(c.userID, req.MessageID)
	if err != nil {
		return dbError(err)
	}
	conv, err := c.server.database.GetConversation(m.ConversationID)
	if err != nil {
		return dbError(err)
	}
	c.server.deliver(others(conv.Members, c.userID), protocol.EventDeleted, protocol.DeletedEvent{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
	})
	return nil
}

func (c *Connection) handleStatus(f *protocol.Frame) error {
	var req protocol.StatusRequest
	if err := f.ParseData(&req); err != nil || req.MessageID == "" {
		return protocol.Errorf(protocol.CodeBadRequest, "invalid status request")
	}

	existing, err := c.server.database.GetMessage(req.MessageID)
	if err != nil {
		return dbError(err)
	}
	conv, err := c.server.memberConversation(c.userID, existing.ConversationID)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	entry := protocol.DeliveryStatus{UserID: c.userID, IsReceived: req.Received || req.Read, IsRead: req.Read}
	if entry.IsReceived {
		entry.ReceivedAt = now
	}
	if entry.IsRead {
		entry.ReadAt = now
	}

	m, err := c.server.database.ApplyStatus(req.MessageID, entry)
	if err != nil {
		return dbError(err)
	}
	for _, st := range m.Status {
		if st.UserID == c.userID {
			entry = st
		}
	}
	c.server.deliver(conv.Members, protocol.EventStatusChanged, protocol.StatusEvent{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Entry:          entry,
	})
	return nil
}

// memberConversation loads a conversation the user belongs to.
func (s *Server) memberConversation(userID, conversationID string) (*db.Conversation, error) {
	conv, err := s.database.GetConversation(conversationID)
	if err != nil {
		return nil, dbError(err)
	}
	if !conv.HasMember(userID) {
		return nil, protocol.Errorf(protocol.CodeForbidden, "not a member of conversation %s", conversationID)
	}
	return conv, nil
}

// dbError attaches a code to database errors that carry none.
func dbError(err error) error {
	var pe *protocol.Error
	switch {
	case errors.As(err, &pe):
		return err
	case errors.Is(err, db.ErrNotFound):
		return protocol.Wrap(protocol.CodeNotFound, err, "")
	default:
		return protocol.Wrap(protocol.CodeInternal, err, "database error")
	}
}

func others(members []string, userID string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != userID {
			out = append(out, m)
		}
	}
	return out
}
