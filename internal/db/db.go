package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"securechat/internal/audit"
	"securechat/internal/protocol"
	"securechat/internal/readstatus"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrUserExists     = errors.New("user already exists")
	ErrMessageIDTaken = errors.New("message id already in use")
)

// User represents a registered user
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	TokenHash string    `json:"token_hash"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// Conversation is the minimal conversation record the delivery core needs:
// its confidentiality mode and members.
type Conversation struct {
	ID        string        `json:"id"`
	Mode      protocol.Mode `json:"mode"`
	Members   []string      `json:"members"`
	CreatedBy string        `json:"created_by"`
	CreatedAt time.Time     `json:"created_at"`
}

// HasMember reports whether userID belongs to the conversation.
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Database wraps BadgerDB for users, conversations, messages and security events
type Database struct {
	db *badger.DB
}

// NewDatabase creates a new database instance. An empty path opens an
// in-memory database.
func NewDatabase(path string) (*Database, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = nil // Disable logging for performance

	// Memory efficiency optimizations
	opts.NumMemtables = 2            // Minimum required (reduced from default)
	opts.NumLevelZeroTables = 2      // Reduce L0 tables (reduced from default 5)
	opts.NumLevelZeroTablesStall = 3 // Reduce stall threshold (reduced from default 15)
	opts.NumCompactors = 2           // Minimum required compactors (reduced from default 4)
	opts.LevelSizeMultiplier = 8     // Reduce level size multiplier (reduced from default 10)
	opts.ValueLogFileSize = 16 << 20 // 16MB value log files (smaller than default 1GB)
	opts.MemTableSize = 8 << 20      // 8MB memtable size (smaller than default 64MB)
	opts.BlockCacheSize = 8 << 20    // 8MB block cache (smaller than default 256MB)
	opts.IndexCacheSize = 8 << 20    // 8MB index cache (smaller than default 0)
	opts.CompactL0OnClose = true     // Compact on close to reduce startup time
	// Status merges are read-modify-write and must not lose updates.
	opts.DetectConflicts = true

	opts.SyncWrites = false    // Async writes for better performance
	opts.NumVersionsToKeep = 1 // Keep only 1 version to save space

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database
func (d *Database) Close() error {
	return d.db.Close()
}

// RunGarbageCollection manually triggers BadgerDB garbage collection
func (d *Database) RunGarbageCollection() error {
	for {
		if err := d.db.RunValueLogGC(0.5); err != nil {
			break // No more cleanup needed
		}
	}
	return nil
}

// HashToken returns the index form of a bearer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error { return json.Unmarshal(val, v) })
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

// update retries fn on transaction conflicts.
func (d *Database) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if err = d.db.Update(fn); !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// CreateUser stores a new user with the hash of its bearer token
func (d *Database) CreateUser(user *User, token string) error {
	user.CreatedAt = time.Now()
	user.LastSeen = user.CreatedAt
	user.TokenHash = HashToken(token)

	return d.update(func(txn *badger.Txn) error {
		for _, key := range []string{"user:" + user.ID, "username:" + user.Username} {
			_, err := txn.Get([]byte(key))
			if err == nil {
				return fmt.Errorf("%w: %s", ErrUserExists, user.Username)
			}
			if err != badger.ErrKeyNotFound {
				return fmt.Errorf("failed to check if user exists: %w", err)
			}
		}

		if err := setJSON(txn, "user:"+user.ID, user); err != nil {
			return err
		}
		if err := txn.Set([]byte("username:"+user.Username), []byte(user.ID)); err != nil {
			return err
		}
		return txn.Set([]byte("token:"+user.TokenHash), []byte(user.ID))
	})
}

// GetUser retrieves a user by id
func (d *Database) GetUser(id string) (*User, error) {
	var user User
	err := d.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, "user:"+id, &user)
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve user %s: %w", id, err)
	}
	return &user, nil
}

// UserByToken resolves a bearer token
func (d *Database) UserByToken(token string) (*User, error) {
	var id string
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("token:" + HashToken(token)))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		id = string(val)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token: %w", err)
	}
	return d.GetUser(id)
}

// UpdateLastSeen updates the last seen timestamp for a user
func (d *Database) UpdateLastSeen(id string) error {
	return d.update(func(txn *badger.Txn) error {
		var user User
		if err := getJSON(txn, "user:"+id, &user); err != nil {
			return err
		}
		user.LastSeen = time.Now()
		return setJSON(txn, "user:"+id, &user)
	})
}

// CreateConversation stores a conversation
func (d *Database) CreateConversation(c *Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	return d.update(func(txn *badger.Txn) error {
		return setJSON(txn, "conv:"+c.ID, c)
	})
}

// GetConversation retrieves a conversation by id
func (d *Database) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := d.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, "conv:"+id, &c)
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve conversation %s: %w", id, err)
	}
	return &c, nil
}

// IsConversationMember reports whether userID belongs to conversationID.
// Unknown conversations have no members.
func (d *Database) IsConversationMember(_ context.Context, userID, conversationID string) (bool, error) {
	c, err := d.GetConversation(conversationID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.HasMember(userID), nil
}

// ShareConversation reports whether two users are members of a common conversation.
func (d *Database) ShareConversation(a, b string) (bool, error) {
	if a == b {
		return true, nil
	}
	shared := false
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("conv:")
		for it.Seek(prefix); it.ValidForPrefix(prefix) && !shared; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var c Conversation
				if err := json.Unmarshal(val, &c); err != nil {
					return err
				}
				shared = c.HasMember(a) && c.HasMember(b)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return shared, err
}

func messageIndexKey(m *protocol.ChatMessage) string {
	return fmt.Sprintf("conv_msg:%s:%020d:%s", m.ConversationID, m.CreatedAt, m.ID)
}

// storedMessage keeps the authenticated author next to the message. The
// author never leaves the server; anonymous messages carry only a pseudonym.
type storedMessage struct {
	Message  protocol.ChatMessage `json:"message"`
	AuthorID string               `json:"authorId"`
}

// StoreMessage persists a new message written by authorID. Storing an id
// twice is a no-op, so a duplex send retried over the fallback channel is
// kept once. An id already used by another author or conversation is
// ErrMessageIDTaken.
func (d *Database) StoreMessage(authorID string, m *protocol.ChatMessage) (stored bool, err error) {
	err = d.update(func(txn *badger.Txn) error {
		stored = false
		var prev storedMessage
		err := getJSON(txn, "msg:"+m.ID, &prev)
		if err == nil {
			if prev.AuthorID != authorID || prev.Message.ConversationID != m.ConversationID {
				return ErrMessageIDTaken
			}
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		if err := setJSON(txn, "msg:"+m.ID, &storedMessage{Message: *m, AuthorID: authorID}); err != nil {
			return err
		}
		stored = true
		return txn.Set([]byte(messageIndexKey(m)), []byte(m.ID))
	})
	return stored, err
}

// GetMessage retrieves a message by id
func (d *Database) GetMessage(id string) (*protocol.ChatMessage, error) {
	var rec storedMessage
	err := d.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, "msg:"+id, &rec)
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve message %s: %w", id, err)
	}
	return &rec.Message, nil
}

// ConversationMessages returns the last limit messages of a conversation,
// oldest first. A limit of zero returns all of them.
func (d *Database) ConversationMessages(conversationID string, limit int) ([]*protocol.ChatMessage, error) {
	var out []*protocol.ChatMessage
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte("conv_msg:" + conversationID + ":")
		// Reverse iteration starts at the last key below the seek key
		seek := append(append([]byte(nil), prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec storedMessage
			if err := getJSON(txn, "msg:"+string(id), &rec); err != nil {
				return err
			}
			out = append(out, &rec.Message)
		}
		return nil
	})
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, err
}

// mutateMessage runs fn on a stored message and its author inside one transaction.
func (d *Database) mutateMessage(id string, fn func(m *protocol.ChatMessage, authorID string) error) (*protocol.ChatMessage, error) {
	var rec storedMessage
	err := d.update(func(txn *badger.Txn) error {
		rec = storedMessage{}
		if err := getJSON(txn, "msg:"+id, &rec); err != nil {
			return err
		}
		if err := fn(&rec.Message, rec.AuthorID); err != nil {
			return err
		}
		return setJSON(txn, "msg:"+id, &rec)
	})
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec.Message, nil
}

// EditMessage replaces the content of a message. Only its author may edit it
// and deleted messages cannot be edited.
func (d *Database) EditMessage(userID string, req protocol.EditRequest) (*protocol.ChatMessage, error) {
	return d.mutateMessage(req.MessageID, func(m *protocol.ChatMessage, authorID string) error {
		if authorID != userID {
			return protocol.Errorf(protocol.CodeForbidden, "only the sender can edit a message")
		}
		if m.Deleted {
			return protocol.Errorf(protocol.CodeBadRequest, "message was deleted")
		}
		m.Content = req.Content
		m.EncryptedContent = req.EncryptedContent
		m.EncryptionMetadata = req.EncryptionMetadata
		m.EditedAt = time.Now().UnixMilli()
		return nil
	})
}

// DeleteMessage marks a message deleted and drops its content. Deletion is terminal.
func (d *Database) DeleteMessage(userID, id string) (*protocol.ChatMessage, error) {
	return d.mutateMessage(id, func(m *protocol.ChatMessage, authorID string) error {
		if authorID != userID {
			return protocol.Errorf(protocol.CodeForbidden, "only the sender can delete a message")
		}
		m.Deleted = true
		m.Content, m.EncryptedContent, m.EncryptionMetadata = "", "", nil
		return nil
	})
}

// ApplyStatus merges one participant's cursor into a message's status array.
func (d *Database) ApplyStatus(id string, entry protocol.DeliveryStatus) (*protocol.ChatMessage, error) {
	return d.mutateMessage(id, func(m *protocol.ChatMessage, authorID string) error {
		if entry.UserID == authorID {
			return protocol.Errorf(protocol.CodeBadRequest, "senders have no delivery cursor")
		}
		m.Status = readstatus.Apply(m.Status, entry)
		return nil
	})
}

// LogSecurityEvent persists a security event; Database is an audit.Logger.
func (d *Database) LogSecurityEvent(_ context.Context, userID, eventType string, severity audit.Severity, metadata map[string]any) error {
	ev := audit.NewEvent(userID, eventType, severity, metadata)
	return d.update(func(txn *badger.Txn) error {
		return setJSON(txn, fmt.Sprintf("secevt:%020d:%s", ev.Timestamp.UnixNano(), ev.ID), &ev)
	})
}

// SecurityEvents lists recorded events, oldest first. An empty userID lists all.
func (d *Database) SecurityEvents(userID string) ([]audit.Event, error) {
	var events []audit.Event
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("secevt:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var ev audit.Event
				if err := json.Unmarshal(val, &ev); err != nil {
					return err
				}
				if userID == "" || ev.UserID == userID {
					events = append(events, ev)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return events, err
}

// CleanupSecurityEvents removes events older than maxAge
func (d *Database) CleanupSecurityEvents(maxAge time.Duration) error {
	cutoff := []byte(fmt.Sprintf("secevt:%020d:", time.Now().Add(-maxAge).UnixNano()))

	return d.update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // Keys carry the timestamp
		it := txn.NewIterator(opts)
		defer it.Close()

		var keysToDelete [][]byte // Batch deletes for efficiency
		prefix := []byte("secevt:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= string(cutoff) {
				break
			}
			keysToDelete = append(keysToDelete, key)
		}

		for _, key := range keysToDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
