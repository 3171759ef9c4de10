package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"securechat/internal/audit"
	"securechat/internal/dispatch"
	"securechat/internal/gateway"
	"securechat/internal/keystore"
	"securechat/internal/logging"
	"securechat/internal/protocol"
	"securechat/internal/readstatus"
	"securechat/internal/relay"
	"securechat/internal/session"
	"securechat/internal/transport"
)

// Client represents the messaging client of one agent.
type Client struct {
	serverURL string
	configDir string
	config    *UserConfig

	relay      *relay.HTTPClient
	vault      *keystore.Store
	cache      *session.Cache
	audit      audit.Logger
	notifier   transport.Notifier
	ackTimeout time.Duration

	establisher *session.Establisher
	gateway     *gateway.Gateway
	dispatcher  *dispatch.Dispatcher
	channel     *transport.WSChannel
	transport   *transport.Transport

	mu        sync.Mutex // Protects the connection state above
	closeOnce sync.Once
}

// UserConfig stores user credentials locally
type UserConfig struct {
	Username string `json:"username"`
	UserID   string `json:"userId"`
	Token    string `json:"token"`
	DeviceID uint32 `json:"deviceId"`
}

// Options tunes a client.
type Options struct {
	// Notifier receives terminal send, edit and delete failures.
	Notifier transport.Notifier
	// Audit receives local security events such as session establishment.
	Audit      audit.Logger
	AckTimeout time.Duration
}

// NewClient creates a new client instance with default agent ID
func NewClient(serverURL string) *Client {
	return NewClientWithAgent(serverURL, "default")
}

// NewClientWithAgent creates a new client instance for a specific agent.
// Each agent's credentials are stored in ~/.securechat/agents/{agentID}/user.json
// and its private keys in the vault next to it.
func NewClientWithAgent(serverURL, agentID string) *Client {
	homeDir, _ := os.UserHomeDir()
	configDir := filepath.Join(homeDir, ".securechat", "agents", agentID)
	return NewClientWithConfigDir(serverURL, configDir)
}

// NewClientWithConfigDir creates a new client instance with a custom config directory
func NewClientWithConfigDir(serverURL, configDir string) *Client {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		logging.WarnWithError("Failed to create config directory", err, map[string]string{"dir": configDir})
	}
	serverURL = strings.TrimRight(serverURL, "/")
	return &Client{
		serverURL: serverURL,
		configDir: configDir,
		relay:     relay.NewHTTP(serverURL, ""),
		cache:     session.NewCache(),
		audit:     audit.LogSink{},
	}
}

// SetOptions applies opts. It must be called before Connect.
func (c *Client) SetOptions(opts Options) {
	if opts.Audit != nil {
		c.audit = opts.Audit
	}
	c.notifier = opts.Notifier
	c.ackTimeout = opts.AckTimeout
}

// UserID returns the registered user id, or "" before Register.
func (c *Client) UserID() string {
	if c.config == nil {
		if err := c.loadUserConfig(); err != nil {
			return ""
		}
	}
	return c.config.UserID
}

// Relay exposes the request/response client.
func (c *Client) Relay() *relay.HTTPClient { return c.relay }

// Register registers a new user with the server and stores its credentials.
func (c *Client) Register(ctx context.Context, username string) error {
	resp, err := c.relay.Register(ctx, username)
	if err != nil {
		return err
	}
	c.config = &UserConfig{Username: username, UserID: resp.UserID, Token: resp.Token, DeviceID: 1}
	if err := c.saveUserConfig(c.config); err != nil {
		return fmt.Errorf("failed to save user config: %w", err)
	}
	logging.Info("User registered", map[string]string{"username": username, "user": resp.UserID})
	return nil
}

func (c *Client) load() error {
	if c.config == nil {
		if err := c.loadUserConfig(); err != nil {
			return fmt.Errorf("not registered or config missing: %w", err)
		}
	}
	c.relay.Token = c.config.Token
	return nil
}

func (c *Client) openVault() (*keystore.Store, error) {
	if c.vault != nil {
		return c.vault, nil
	}
	vault, err := keystore.Open(filepath.Join(c.configDir, "keys"))
	if err != nil {
		return nil, fmt.Errorf("failed to open key vault: %w", err)
	}
	c.vault = vault
	return vault, nil
}

// GenerateKeys creates a fresh key set for this device, keeps the private
// half in the local vault and publishes the public bundle.
func (c *Client) GenerateKeys(ctx context.Context, opts keystore.GenerateOptions) (*protocol.PreKeyBundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.load(); err != nil {
		return nil, err
	}
	vault, err := c.openVault()
	if err != nil {
		return nil, err
	}

	bundle, err := vault.Generate(c.config.UserID, c.config.DeviceID, opts)
	if err != nil {
		return nil, err
	}
	oneTime, err := vault.OneTimePublics(c.config.UserID, c.config.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := c.relay.PublishKeys(ctx, protocol.PublishRequest{Bundle: *bundle, OneTimePreKeys: oneTime}); err != nil {
		return nil, err
	}
	logging.Info("Published key bundle", map[string]string{
		"user":          c.config.UserID,
		"one_time_keys": fmt.Sprint(len(oneTime)),
	})
	return bundle, nil
}

// CreateConversation creates a conversation with the given members.
func (c *Client) CreateConversation(ctx context.Context, mode protocol.Mode, members []string) (*protocol.Conversation, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	return c.relay.CreateConversation(ctx, protocol.CreateConversationRequest{Mode: mode, Members: members})
}

// Connect wires the session, encryption, dispatch and transport layers and
// opens the duplex channel.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		return nil
	}
	if err := c.load(); err != nil {
		return err
	}

	var acceptor gateway.Acceptor
	vault, err := c.openVault()
	if err != nil {
		return err
	}
	secrets, err := vault.Secrets(c.config.UserID, c.config.DeviceID)
	switch {
	case err == nil:
		c.establisher, err = session.NewEstablisher(session.Config{
			UserID:  c.config.UserID,
			Device:  secrets,
			Keys:    c.relay,
			Members: c.relay,
			Audit:   c.audit,
			Cache:   c.cache,
		})
		if err != nil {
			return err
		}
		acceptor = session.NewResponder(c.config.UserID, c.config.DeviceID, vault, c.cache, c.audit)
	case errors.Is(err, keystore.ErrSecretsNotFound):
		logging.Warn("No device keys, end-to-end encrypted conversations are unavailable", map[string]string{"user": c.config.UserID})
	default:
		return err
	}

	c.gateway = gateway.New(c.relay, c.relay, c.cache, acceptor)
	c.dispatcher = dispatch.New(c.config.UserID, c.gateway)

	wsURL, err := websocketURL(c.serverURL)
	if err != nil {
		return err
	}
	c.channel, err = transport.DialWS(ctx, wsURL, c.config.Token, c.dispatcher.HandleFrame)
	if err != nil {
		return err
	}
	c.transport = transport.New(transport.Config{
		Duplex:     c.channel,
		Fallback:   c.relay,
		Encryptor:  c.gateway,
		Notifier:   c.notifier,
		AckTimeout: c.ackTimeout,
	})
	return nil
}

func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func (c *Client) connected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return protocol.Errorf(protocol.CodeSendFailed, "not connected")
	}
	return nil
}

// Dispatcher returns the inbound event dispatcher. It is nil before Connect.
func (c *Client) Dispatcher() *dispatch.Dispatcher { return c.dispatcher }

// Done is closed when the duplex channel goes away.
func (c *Client) Done() <-chan struct{} {
	if c.channel == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.channel.Done()
}

// EnsureSession establishes the e2ee session of a conversation. Conversations
// in other modes need none.
func (c *Client) EnsureSession(ctx context.Context, conversationID string) error {
	mode, err := c.gateway.GetConversationMode(ctx, conversationID)
	if err != nil {
		return protocol.Wrap(protocol.CodeSendFailed, err, "failed to resolve conversation mode")
	}
	if mode != protocol.ModeE2EE {
		return nil
	}
	if c.establisher == nil {
		return protocol.Errorf(protocol.CodeSessionNotEstablished, "no device keys, run keys generate first")
	}

	conv, err := c.relay.Conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	var peers []string
	for _, m := range conv.Members {
		if m != c.config.UserID {
			peers = append(peers, m)
		}
	}
	if len(peers) != 1 {
		return protocol.Errorf(protocol.CodeBadRequest, "end-to-end encryption needs exactly one other member, conversation has %d", len(peers))
	}
	_, err = c.establisher.Establish(ctx, peers[0], conversationID)
	return err
}

// Send encrypts msg as its conversation requires and delivers it. The
// message's id and creation time are filled in.
func (c *Client) Send(ctx context.Context, msg *protocol.ChatMessage) error {
	if err := c.connected(); err != nil {
		return err
	}
	msg.SenderID = c.config.UserID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := c.EnsureSession(ctx, msg.ConversationID); err != nil {
		c.notify("send", msg.ID, err)
		return err
	}
	if err := c.transport.Send(ctx, msg); err != nil {
		return err
	}
	c.dispatcher.Track(withInitialStatus(msg, c.conversationMembers(ctx, msg.ConversationID)))
	return nil
}

func withInitialStatus(msg *protocol.ChatMessage, members []string) *protocol.ChatMessage {
	m := msg.Clone()
	if len(m.Status) == 0 {
		m.Status = readstatus.Initial(m.SenderID, members)
	}
	return m
}

func (c *Client) conversationMembers(ctx context.Context, conversationID string) []string {
	conv, err := c.relay.Conversation(ctx, conversationID)
	if err != nil {
		return nil
	}
	return conv.Members
}

func (c *Client) notify(op, messageID string, err error) {
	if c.notifier != nil {
		c.notifier.NotifyFailure(op, messageID, err)
		return
	}
	logging.ErrorWithError("Operation failed", err, map[string]string{"op": op, "message_id": messageID})
}

// History returns the latest limit messages of a conversation, oldest first,
// decrypted where this device can. The user's own end-to-end encrypted
// messages keep the placeholder since their headers are addressed to the peer.
func (c *Client) History(ctx context.Context, conversationID string, limit int) ([]*protocol.ChatMessage, error) {
	if err := c.connected(); err != nil {
		return nil, err
	}
	msgs, err := c.relay.Messages(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		own := m.SenderID == c.config.UserID
		if m.Deleted || (own && m.EncryptionMetadata != nil && m.EncryptionMetadata.Mode == protocol.ModeE2EE) {
			continue
		}
		_ = c.gateway.DecryptMessage(ctx, m)
	}
	return msgs, nil
}

// Edit replaces the content of one of the user's messages.
func (c *Client) Edit(ctx context.Context, conversationID, messageID, content string) error {
	if err := c.connected(); err != nil {
		return err
	}
	if err := c.EnsureSession(ctx, conversationID); err != nil {
		c.notify("edit", messageID, err)
		return err
	}
	return c.transport.Edit(ctx, conversationID, messageID, content)
}

// Delete removes one of the user's messages.
func (c *Client) Delete(ctx context.Context, messageID string) error {
	if err := c.connected(); err != nil {
		return err
	}
	return c.transport.Delete(ctx, messageID)
}

// MarkRead moves the user's cursor for a message to read.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	if err := c.connected(); err != nil {
		return err
	}
	return c.transport.MarkStatus(ctx, messageID, true, true)
}

// Listen delivers inbound messages to fn until ctx ends or the channel
// closes. Every message handed to fn is acknowledged as received, and as read
// when markRead is set.
func (c *Client) Listen(ctx context.Context, markRead bool, fn func(dispatch.Event)) error {
	if err := c.connected(); err != nil {
		return err
	}

	cursor := func(ev dispatch.Event) {
		if ev.Message == nil || ev.Message.Sender() == c.config.UserID {
			return
		}
		id := ev.Message.ID
		go func() {
			if err := c.transport.MarkStatus(context.Background(), id, true, markRead); err != nil {
				logging.WarnWithError("Failed to update delivery status", err, map[string]string{"message_id": id})
			}
		}()
	}

	var offs []func()
	for _, t := range []protocol.EventType{
		protocol.EventNew, protocol.EventEdited, protocol.EventDeleted, protocol.EventStatusChanged, protocol.EventError,
	} {
		offs = append(offs, c.dispatcher.On(t, fn))
	}
	offs = append(offs, c.dispatcher.On(protocol.EventNew, cursor))
	defer func() {
		for _, off := range offs {
			off()
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case <-c.channel.Done():
		return protocol.Errorf(protocol.CodeSendFailed, "connection closed")
	}
}

// Close performs complete cleanup of the client
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.channel != nil {
			c.channel.Close()
		}
		if c.vault != nil {
			c.vault.Close()
		}
	})
}

// saveUserConfig saves user configuration to disk
func (c *Client) saveUserConfig(config *UserConfig) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.getUserConfigPath(), data, 0600)
}

// loadUserConfig loads user configuration from disk
func (c *Client) loadUserConfig() error {
	data, err := os.ReadFile(c.getUserConfigPath())
	if err != nil {
		return err
	}

	var config UserConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}
	if config.DeviceID == 0 {
		config.DeviceID = 1
	}
	c.config = &config
	return nil
}

// getUserConfigPath returns the path to user configuration file
func (c *Client) getUserConfigPath() string {
	return filepath.Join(c.configDir, "user.json")
}
