package protocol

// RegisterRequest creates a user.
type RegisterRequest struct {
	Username string `json:"username"`
}

// RegisterResponse carries the bearer token of a new user. The token is
// shown once.
type RegisterResponse struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// CreateConversationRequest creates a conversation. The caller is always a member.
type CreateConversationRequest struct {
	ID      string   `json:"id,omitempty"`
	Mode    Mode     `json:"mode"`
	Members []string `json:"members"`
}

// Conversation is the REST view of a conversation.
type Conversation struct {
	ID      string   `json:"id"`
	Mode    Mode     `json:"mode"`
	Members []string `json:"members"`
}

// ConversationKey is the server-held key of a server-encrypted conversation.
type ConversationKey struct {
	Key     string `json:"key"` // base64
	Version int    `json:"version"`
}

// Health is the body of the health endpoint.
type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}
