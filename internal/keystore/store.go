// Package keystore persists pre-key bundles and the private key material behind them.
//
// Public bundles, one-time pre-keys and device secrets live under separate key
// prefixes of one badger database:
//
//	bundle:<user>:<device>         public bundle without one-time keys
//	otk:<user>:<device>:<keyID>    unconsumed one-time public key
//	secret:<user>:<device>         private material of a locally generated device
//	secret-otk:<user>:<device>:<keyID>  one-time private key, removed on first use
//
// One-time key claims run in badger transactions with conflict detection, so
// concurrent claims of the same key commit at most once.
package keystore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"securechat/internal/protocol"
)

var (
	ErrNotFound         = errors.New("no pre-key bundle")
	ErrAlreadyConsumed  = errors.New("one-time pre-key already consumed")
	ErrSecretsNotFound  = errors.New("no private key material for device")
	ErrPrivateKeyAbsent = errors.New("private one-time pre-key absent")
)

// Store wraps BadgerDB for bundle and key custody.
type Store struct {
	db *badger.DB
}

// Open opens a store at path. An empty path opens an in-memory store.
func Open(path string) (*Store, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = nil

	// Memory efficiency settings carried over from the message database
	opts.NumMemtables = 2
	opts.NumLevelZeroTables = 2
	opts.NumLevelZeroTablesStall = 3
	opts.NumCompactors = 2
	opts.MemTableSize = 8 << 20
	opts.BlockCacheSize = 8 << 20
	opts.IndexCacheSize = 8 << 20
	opts.ValueLogFileSize = 16 << 20
	opts.NumVersionsToKeep = 1
	// Claims rely on optimistic transaction conflicts.
	opts.DetectConflicts = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func bundleKey(userID string, deviceID uint32) []byte {
	return []byte(fmt.Sprintf("bundle:%s:%d", userID, deviceID))
}

func otkPrefix(userID string, deviceID uint32) []byte {
	return []byte(fmt.Sprintf("otk:%s:%d:", userID, deviceID))
}

func otkKey(userID string, deviceID, keyID uint32) []byte {
	k := otkPrefix(userID, deviceID)
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], keyID)
	return append(k, id[:]...)
}

// Publish stores a device bundle and adds its one-time keys to the pool.
// A bundle with a different identity key replaces the device's one-time keys.
func (s *Store) Publish(bundle protocol.PreKeyBundle, oneTime []protocol.OneTimePreKey) error {
	if err := bundle.Validate(); err != nil {
		return err
	}
	if bundle.OneTimePreKey != nil {
		oneTime = append(oneTime, *bundle.OneTimePreKey)
		bundle.OneTimePreKey = nil
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := bundleKey(bundle.UserID, bundle.DeviceID)
		if item, err := txn.Get(key); err == nil {
			var prev protocol.PreKeyBundle
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &prev) }); err != nil {
				return fmt.Errorf("failed to read previous bundle: %w", err)
			}
			if prev.IdentityKey != bundle.IdentityKey {
				if err := deletePrefix(txn, otkPrefix(bundle.UserID, bundle.DeviceID)); err != nil {
					return err
				}
			}
		} else if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check bundle: %w", err)
		}

		data, err := json.Marshal(&bundle)
		if err != nil {
			return fmt.Errorf("failed to marshal bundle: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		for _, k := range oneTime {
			if _, err := protocol.DecodeKey(k.Key); err != nil {
				return protocol.Errorf(protocol.CodeBadRequest, "one-time pre-key %d is not base64", k.ID)
			}
			if err := txn.Set(otkKey(bundle.UserID, bundle.DeviceID, k.ID), []byte(k.Key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the primary device bundle of a user, carrying one unconsumed
// one-time pre-key when any remain. It does not claim the key.
func (s *Store) Get(userID string) (*protocol.PreKeyBundle, error) {
	devices, err := s.Devices(userID)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrNotFound
	}
	return s.GetDevice(userID, devices[0])
}

// GetDevice returns the bundle of one device.
func (s *Store) GetDevice(userID string, deviceID uint32) (*protocol.PreKeyBundle, error) {
	var bundle protocol.PreKeyBundle

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(bundleKey(userID, deviceID))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &bundle) }); err != nil {
			return fmt.Errorf("failed to unmarshal bundle: %w", err)
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 1
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := otkPrefix(userID, deviceID)
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		item = it.Item()
		id := binary.BigEndian.Uint32(item.Key()[len(prefix):])
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		bundle.OneTimePreKey = &protocol.OneTimePreKey{ID: id, Key: string(val)}
		return nil
	})

	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve bundle for %s: %w", userID, err)
	}
	return &bundle, nil
}

// Devices lists the device ids with a published bundle, lowest first.
func (s *Store) Devices(userID string) ([]uint32, error) {
	var devices []uint32
	prefix := []byte("bundle:" + userID + ":")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := string(it.Item().Key()[len(prefix):])
			if strings.Contains(rest, ":") {
				continue
			}
			var dev uint32
			if _, err := fmt.Sscanf(rest, "%d", &dev); err == nil {
				devices = append(devices, dev)
			}
		}
		return nil
	})
	sort.Slice(devices, func(i, j int) bool { return devices[i] < devices[j] })
	return devices, err
}

// ConsumeOneTimeKey atomically claims a one-time pre-key. Exactly one of any
// number of concurrent callers for the same key succeeds; the others get
// ErrAlreadyConsumed.
func (s *Store) ConsumeOneTimeKey(bundleID string, keyID uint32) error {
	userID, deviceID, err := protocol.SplitBundleID(bundleID)
	if err != nil {
		return protocol.Wrap(protocol.CodeBadRequest, err, "invalid bundle id")
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		key := otkKey(userID, deviceID, keyID)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound), errors.Is(err, badger.ErrConflict):
		return ErrAlreadyConsumed
	default:
		return fmt.Errorf("failed to consume one-time key %d of %s: %w", keyID, bundleID, err)
	}
}

// FetchBundle is Get for callers holding a context. The store holds no
// conversations; membership is checked by whoever fronts it.
func (s *Store) FetchBundle(_ context.Context, userID, _ string) (*protocol.PreKeyBundle, error) {
	b, err := s.Get(userID)
	if errors.Is(err, ErrNotFound) {
		return nil, protocol.Wrap(protocol.CodeKeysNotFound, err, userID)
	}
	return b, err
}

// ClaimOneTimeKey is ConsumeOneTimeKey for callers holding a context.
func (s *Store) ClaimOneTimeKey(_ context.Context, bundleID string, keyID uint32) error {
	return s.ConsumeOneTimeKey(bundleID, keyID)
}

// RemainingOneTimeKeys counts unconsumed one-time keys of a device.
func (s *Store) RemainingOneTimeKeys(userID string, deviceID uint32) (int, error) {
	n := 0
	prefix := otkPrefix(userID, deviceID)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	var keysToDelete [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keysToDelete {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
