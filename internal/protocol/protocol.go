package protocol

import (
	"encoding/json"
	"time"

	"github.com/mitchellh/mapstructure"
)

// EventType names a frame on the duplex channel.
type EventType string

const (
	// Client to server operations, each answered by an ack frame
	EventSend                EventType = "message:send"
	EventSendWithAttachments EventType = "message:send-with-attachments"
	EventEdit                EventType = "message:edit"
	EventDelete              EventType = "message:delete"
	EventStatus              EventType = "message:status"

	// Server to client events
	EventNew           EventType = "message:new"
	EventEdited        EventType = "message:edited"
	EventDeleted       EventType = "message:deleted"
	EventStatusChanged EventType = "message:status-changed"
	EventAck           EventType = "ack"
	EventError         EventType = "error"
)

// Frame is the envelope of every duplex channel message.
// For acks, ID echoes the ID of the request being acknowledged.
type Frame struct {
	Type      EventType `json:"type"`
	ID        string    `json:"id,omitempty"`
	Timestamp int64     `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Ack answers an outbound operation.
type Ack struct {
	Success bool   `json:"success" mapstructure:"success"`
	Error   string `json:"error,omitempty" mapstructure:"error"`
	Message string `json:"message,omitempty" mapstructure:"message"`
}

// EditRequest changes the content of an existing message.
type EditRequest struct {
	MessageID          string              `json:"messageId" mapstructure:"messageId"`
	Content            string              `json:"content" mapstructure:"content"`
	EncryptedContent   string              `json:"encryptedContent,omitempty" mapstructure:"encryptedContent"`
	EncryptionMetadata *EncryptionMetadata `json:"encryptionMetadata,omitempty" mapstructure:"encryptionMetadata"`
}

// DeleteRequest removes a message. Deletion is terminal.
type DeleteRequest struct {
	MessageID string `json:"messageId" mapstructure:"messageId"`
}

// StatusRequest moves the caller's delivery cursor for one message.
type StatusRequest struct {
	MessageID string `json:"messageId" mapstructure:"messageId"`
	Received  bool   `json:"received" mapstructure:"received"`
	Read      bool   `json:"read" mapstructure:"read"`
}

// DeletedEvent is broadcast when a message is removed.
type DeletedEvent struct {
	MessageID      string `json:"messageId" mapstructure:"messageId"`
	ConversationID string `json:"conversationId" mapstructure:"conversationId"`
}

// StatusEvent is broadcast when a participant's cursor moves.
type StatusEvent struct {
	MessageID      string         `json:"messageId" mapstructure:"messageId"`
	ConversationID string         `json:"conversationId" mapstructure:"conversationId"`
	Entry          DeliveryStatus `json:"entry" mapstructure:"entry"`
}

// ErrorResponse is the body of a failed REST call and the data of an error frame.
type ErrorResponse struct {
	Code    ErrorCode `json:"code" mapstructure:"code"`
	Message string    `json:"message" mapstructure:"message"`
}

// NewFrame creates a new frame with timestamp
func NewFrame(eventType EventType, id string, data any) *Frame {
	return &Frame{
		Type:      eventType,
		ID:        id,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}
}

// Marshal converts a frame to JSON bytes
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalFrame parses JSON bytes into a frame
func UnmarshalFrame(data []byte) (*Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return &f, err
}

// ParseData decodes the frame data into a specific type.
func (f *Frame) ParseData(target any) error {
	if f.Data == nil {
		return nil
	}
	return mapstructure.Decode(f.Data, target)
}
