// Package relay is the request/response client of the delivery server: key
// exchange, conversation lookups and the fallback send channel.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"securechat/internal/gateway"
	"securechat/internal/protocol"
	"securechat/internal/session"
	"securechat/internal/transport"
)

type HTTPClient struct {
	Base  string
	Token string
	HTTP  *http.Client

	mu    sync.RWMutex
	convs map[string]*protocol.Conversation
}

func NewHTTP(base, token string) *HTTPClient {
	return &HTTPClient{
		Base:  base,
		Token: token,
		HTTP:  &http.Client{Timeout: 15 * time.Second},
		convs: make(map[string]*protocol.Conversation),
	}
}

var (
	_ session.KeyDirectory = (*HTTPClient)(nil)
	_ session.Membership   = (*HTTPClient)(nil)
	_ gateway.ModeResolver = (*HTTPClient)(nil)
	_ gateway.ServerKeys   = (*HTTPClient)(nil)
	_ transport.Fallback   = (*HTTPClient)(nil)
)

// do performs a JSON request. A non-2xx response becomes a *protocol.Error
// carrying the server's code.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e protocol.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
			return protocol.Errorf(protocol.CodeFromStatus(resp.StatusCode), "%s %s: %s", method, path, resp.Status)
		}
		return protocol.Errorf(e.Code, "%s", e.Message)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: invalid response: %w", method, path, err)
	}
	return nil
}

// Register creates a user and adopts its token.
func (c *HTTPClient) Register(ctx context.Context, username string) (*protocol.RegisterResponse, error) {
	var out protocol.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/users", protocol.RegisterRequest{Username: username}, &out); err != nil {
		return nil, fmt.Errorf("register failed: %w", err)
	}
	c.Token = out.Token
	return &out, nil
}

// PublishKeys uploads a device bundle and its one-time keys.
func (c *HTTPClient) PublishKeys(ctx context.Context, req protocol.PublishRequest) error {
	if err := c.do(ctx, http.MethodPost, "/keys", req, nil); err != nil {
		return fmt.Errorf("publish keys failed: %w", err)
	}
	return nil
}

// Bundle returns the primary bundle of a user sharing a conversation with the caller.
func (c *HTTPClient) Bundle(ctx context.Context, userID string) (*protocol.PreKeyBundle, error) {
	var out protocol.PreKeyBundle
	if err := c.do(ctx, http.MethodGet, "/keys/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClaimOneTimeKey claims a one-time pre-key of a bundle.
func (c *HTTPClient) ClaimOneTimeKey(ctx context.Context, bundleID string, keyID uint32) error {
	userID, deviceID, err := protocol.SplitBundleID(bundleID)
	if err != nil {
		return protocol.Wrap(protocol.CodeBadRequest, err, "")
	}
	path := "/keys/" + url.PathEscape(userID) + "/" + strconv.FormatUint(uint64(deviceID), 10) + "/claim"
	return c.do(ctx, http.MethodPost, path, protocol.ClaimRequest{KeyID: keyID}, nil)
}

// FetchBundle fetches the recipient bundle through the session endpoint, which
// checks that both users are members of the conversation.
func (c *HTTPClient) FetchBundle(ctx context.Context, recipientUserID, conversationID string) (*protocol.PreKeyBundle, error) {
	var out protocol.PreKeyBundle
	req := protocol.EstablishRequest{RecipientUserID: recipientUserID, ConversationID: conversationID}
	if err := c.do(ctx, http.MethodPost, "/session/establish", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateConversation creates a conversation with the caller as a member.
func (c *HTTPClient) CreateConversation(ctx context.Context, req protocol.CreateConversationRequest) (*protocol.Conversation, error) {
	var out protocol.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", req, &out); err != nil {
		return nil, fmt.Errorf("create conversation failed: %w", err)
	}
	c.remember(&out)
	return &out, nil
}

func (c *HTTPClient) remember(conv *protocol.Conversation) {
	c.mu.Lock()
	c.convs[conv.ID] = conv
	c.mu.Unlock()
}

// Conversation looks a conversation up. Mode and membership do not change
// after creation, so lookups are cached.
func (c *HTTPClient) Conversation(ctx context.Context, id string) (*protocol.Conversation, error) {
	c.mu.RLock()
	conv, ok := c.convs[id]
	c.mu.RUnlock()
	if ok {
		return conv, nil
	}

	var out protocol.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	c.remember(&out)
	return &out, nil
}

// ConversationMode resolves the confidentiality mode of a conversation.
func (c *HTTPClient) ConversationMode(ctx context.Context, id string) (protocol.Mode, error) {
	conv, err := c.Conversation(ctx, id)
	if err != nil {
		return "", err
	}
	return conv.Mode, nil
}

// IsConversationMember reports membership as seen by the caller. Conversations
// the caller cannot see have no members.
func (c *HTTPClient) IsConversationMember(ctx context.Context, userID, conversationID string) (bool, error) {
	conv, err := c.Conversation(ctx, conversationID)
	if errors.Is(err, protocol.ErrForbidden) || protocol.CodeOf(err) == protocol.CodeNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, m := range conv.Members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

// ConversationKey fetches the server-held key of a server-encrypted conversation.
func (c *HTTPClient) ConversationKey(ctx context.Context, id string) ([]byte, int, error) {
	var out protocol.ConversationKey
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id)+"/key", nil, &out); err != nil {
		return nil, 0, err
	}
	key, err := protocol.DecodeKey(out.Key)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid conversation key: %w", err)
	}
	return key, out.Version, nil
}

// SendMessage is the fallback send. It refuses encrypted payloads itself so
// nothing sealed ever leaves through this channel.
func (c *HTTPClient) SendMessage(ctx context.Context, msg *protocol.ChatMessage) (*protocol.ChatMessage, error) {
	if msg.IsEncrypted() || msg.EncryptionMetadata != nil {
		return nil, protocol.Errorf(protocol.CodeBadRequest, "encrypted payloads cannot use the fallback channel")
	}
	body := &protocol.ChatMessage{
		ID:                msg.ID,
		AnonymousSenderID: msg.AnonymousSenderID,
		Content:           msg.Content,
		MessageType:       msg.MessageType,
		Language:          msg.Language,
		ReplyToID:         msg.ReplyToID,
		Mentions:          msg.Mentions,
		AttachmentIDs:     msg.AttachmentIDs,
		CreatedAt:         msg.CreatedAt,
	}
	var out protocol.ChatMessage
	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(msg.ConversationID)+"/messages", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages returns the latest limit messages of a conversation, oldest first.
func (c *HTTPClient) Messages(ctx context.Context, conversationID string, limit int) ([]*protocol.ChatMessage, error) {
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []*protocol.ChatMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health checks the server.
func (c *HTTPClient) Health(ctx context.Context) (*protocol.Health, error) {
	var out protocol.Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
