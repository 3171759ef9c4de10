// Package session establishes pairwise sessions from published pre-key
// bundles and keeps them for the lifetime of the local process.
package session

import (
	"sync"
	"time"

	"securechat/internal/protocol"
)

// State is the establishment state of a (conversation, remote user) pair.
type State int

const (
	NoSession State = iota
	Establishing
	Established
)

func (s State) String() string {
	switch s {
	case Establishing:
		return "establishing"
	case Established:
		return "established"
	default:
		return "no-session"
	}
}

// Key identifies an outbound session.
type Key struct {
	ConversationID string
	RemoteUserID   string
	DeviceID       uint32
}

// Session is locally derived key material for one conversation and peer device.
// It is owned by the process that derived it and never mutated after creation.
type Session struct {
	ConversationID    string
	RemoteUserID      string
	RemoteDeviceID    uint32
	RemoteIdentityKey string
	LocalIdentityKey  string
	LocalDeviceID     uint32
	Key               []byte
	CreatedAt         time.Time
	Initiator         bool
	UsedOneTimeKey    bool
	// Handshake is the header this session was derived from. Initiators send
	// it with every payload so the peer can derive the same key.
	Handshake protocol.HandshakeHeader
}

// CacheKey returns the cache key of the session.
func (s *Session) CacheKey() Key {
	return Key{ConversationID: s.ConversationID, RemoteUserID: s.RemoteUserID, DeviceID: s.RemoteDeviceID}
}

// OutboundHeader returns the header to attach to payloads sealed with s.
func (s *Session) OutboundHeader() protocol.HandshakeHeader {
	if s.Initiator {
		return s.Handshake
	}
	return protocol.HandshakeHeader{
		IdentityKey:       s.LocalIdentityKey,
		SenderDeviceID:    s.LocalDeviceID,
		EphemeralKey:      s.Handshake.EphemeralKey,
		RecipientDeviceID: s.RemoteDeviceID,
		Responding:        true,
	}
}

type pairKey struct {
	conversationID string
	remoteUserID   string
}

// Cache holds outbound sessions by key and every known session by the
// ephemeral key that identifies it on the wire.
type Cache struct {
	mu           sync.RWMutex
	outbound     map[Key]*Session
	byConv       map[string]Key
	byEphemeral  map[string]*Session
	establishing map[pairKey]int
}

// NewCache creates an empty session cache.
func NewCache() *Cache {
	return &Cache{
		outbound:     make(map[Key]*Session),
		byConv:       make(map[string]Key),
		byEphemeral:  make(map[string]*Session),
		establishing: make(map[pairKey]int),
	}
}

// Get returns the outbound session for a key.
func (c *Cache) Get(k Key) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.outbound[k]
	return s, ok
}

// Find returns the outbound session for a peer in a conversation, any device.
func (c *Cache) Find(conversationID, remoteUserID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, s := range c.outbound {
		if k.ConversationID == conversationID && k.RemoteUserID == remoteUserID {
			return s, true
		}
	}
	return nil, false
}

// ForConversation returns the most recently stored outbound session of a conversation.
func (c *Cache) ForConversation(conversationID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.byConv[conversationID]
	if !ok {
		return nil, false
	}
	s, ok := c.outbound[k]
	return s, ok
}

// ByEphemeral returns any session, inbound or outbound, derived from the given ephemeral key.
func (c *Cache) ByEphemeral(ephemeralKey string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byEphemeral[ephemeralKey]
	return s, ok
}

// StoreIfAbsent stores s as the outbound session for its key unless one exists.
// It returns the session now cached and whether s was stored.
func (c *Cache) StoreIfAbsent(s *Session) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := s.CacheKey()
	if cur, ok := c.outbound[k]; ok {
		return cur, false
	}
	c.put(k, s)
	return s, true
}

// Replace swaps old for s when old is still the cached session.
// It returns the session now cached and whether the swap happened.
func (c *Cache) Replace(old, s *Session) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := s.CacheKey()
	cur, ok := c.outbound[k]
	if ok && cur != old {
		return cur, false
	}
	c.put(k, s)
	return s, true
}

// AddInbound registers a session for decryption only.
func (c *Cache) AddInbound(s *Session) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.byEphemeral[s.Handshake.EphemeralKey]; ok {
		return cur
	}
	c.byEphemeral[s.Handshake.EphemeralKey] = s
	return s
}

func (c *Cache) put(k Key, s *Session) {
	c.outbound[k] = s
	c.byConv[k.ConversationID] = k
	if _, ok := c.byEphemeral[s.Handshake.EphemeralKey]; !ok {
		c.byEphemeral[s.Handshake.EphemeralKey] = s
	}
}

// State reports the establishment state of a pair.
func (c *Cache) State(conversationID, remoteUserID string) State {
	c.mu.RLock()
	n := c.establishing[pairKey{conversationID, remoteUserID}]
	c.mu.RUnlock()
	if n > 0 {
		return Establishing
	}
	if _, ok := c.Find(conversationID, remoteUserID); ok {
		return Established
	}
	return NoSession
}

func (c *Cache) begin(conversationID, remoteUserID string) func() {
	k := pairKey{conversationID, remoteUserID}
	c.mu.Lock()
	c.establishing[k]++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if c.establishing[k]--; c.establishing[k] <= 0 {
			delete(c.establishing, k)
		}
		c.mu.Unlock()
	}
}
