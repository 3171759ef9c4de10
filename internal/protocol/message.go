package protocol

// EncryptedPlaceholder replaces the content of e2ee messages on the wire and at rest.
const EncryptedPlaceholder = "[Encrypted]"

// DecryptionFailedPlaceholder is shown when a payload cannot be opened.
const DecryptionFailedPlaceholder = "[Encrypted message - Unable to decrypt]"

// DeliveryStatus is one recipient's delivery cursor for a message.
type DeliveryStatus struct {
	UserID     string `json:"userId" mapstructure:"userId"`
	IsReceived bool   `json:"isReceived" mapstructure:"isReceived"`
	IsRead     bool   `json:"isRead" mapstructure:"isRead"`
	ReceivedAt int64  `json:"receivedAt,omitempty" mapstructure:"receivedAt"`
	ReadAt     int64  `json:"readAt,omitempty" mapstructure:"readAt"`
}

// ChatMessage is a message as it travels between sender, server and receivers.
type ChatMessage struct {
	ID                 string              `json:"id,omitempty" mapstructure:"id"`
	ConversationID     string              `json:"conversationId" mapstructure:"conversationId"`
	SenderID           string              `json:"senderId,omitempty" mapstructure:"senderId"`
	AnonymousSenderID  string              `json:"anonymousSenderId,omitempty" mapstructure:"anonymousSenderId"`
	Content            string              `json:"content" mapstructure:"content"`
	MessageType        string              `json:"messageType,omitempty" mapstructure:"messageType"`
	Language           string              `json:"originalLanguage,omitempty" mapstructure:"originalLanguage"`
	ReplyToID          string              `json:"replyToId,omitempty" mapstructure:"replyToId"`
	Mentions           []string            `json:"mentionedUserIds,omitempty" mapstructure:"mentionedUserIds"`
	AttachmentIDs      []string            `json:"attachmentIds,omitempty" mapstructure:"attachmentIds"`
	EncryptedContent   string              `json:"encryptedContent,omitempty" mapstructure:"encryptedContent"`
	EncryptionMetadata *EncryptionMetadata `json:"encryptionMetadata,omitempty" mapstructure:"encryptionMetadata"`
	Status             []DeliveryStatus    `json:"status,omitempty" mapstructure:"status"`
	CreatedAt          int64               `json:"createdAt,omitempty" mapstructure:"createdAt"`
	EditedAt           int64               `json:"editedAt,omitempty" mapstructure:"editedAt"`
	Deleted            bool                `json:"deleted,omitempty" mapstructure:"deleted"`
	DecryptionFailed   bool                `json:"_decryptionFailed,omitempty" mapstructure:"_decryptionFailed"`
}

// Sender returns the visible sender id.
func (m *ChatMessage) Sender() string {
	if m.SenderID != "" {
		return m.SenderID
	}
	return m.AnonymousSenderID
}

// HasAttachments reports whether the message references attachments.
func (m *ChatMessage) HasAttachments() bool {
	return len(m.AttachmentIDs) > 0
}

// IsEncrypted reports whether the message carries an encrypted payload.
func (m *ChatMessage) IsEncrypted() bool {
	return m.EncryptedContent != ""
}

// Clone returns a copy that shares no slices with m.
func (m *ChatMessage) Clone() *ChatMessage {
	c := *m
	c.Mentions = append([]string(nil), m.Mentions...)
	c.AttachmentIDs = append([]string(nil), m.AttachmentIDs...)
	c.Status = append([]DeliveryStatus(nil), m.Status...)
	if m.EncryptionMetadata != nil {
		md := *m.EncryptionMetadata
		if md.Handshake != nil {
			h := *md.Handshake
			md.Handshake = &h
		}
		c.EncryptionMetadata = &md
	}
	return &c
}
