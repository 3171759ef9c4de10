package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"securechat/internal/crypto"
	"securechat/internal/protocol"
)

// DefaultOneTimeKeys is the size of a freshly generated one-time key batch.
const DefaultOneTimeKeys = 20

// DeviceSecrets is the private half of a generated device bundle.
// It never leaves the store through the bundle interfaces.
type DeviceSecrets struct {
	UserID          string         `json:"user_id"`
	DeviceID        uint32         `json:"device_id"`
	RegistrationID  uint32         `json:"registration_id"`
	IdentityPrivate []byte         `json:"identity_private"`
	SignedPreKeyID  uint32         `json:"signed_pre_key_id"`
	SignedPreKey    crypto.KeyPair `json:"signed_pre_key"`
	KyberPreKeyID   uint32         `json:"kyber_pre_key_id,omitempty"`
	KyberSeed       []byte         `json:"kyber_seed,omitempty"`
}

// Identity returns the Ed25519 identity private key.
func (d *DeviceSecrets) Identity() ed25519.PrivateKey {
	return ed25519.PrivateKey(d.IdentityPrivate)
}

// IdentityPublic returns the Ed25519 identity public key.
func (d *DeviceSecrets) IdentityPublic() []byte {
	return d.Identity().Public().(ed25519.PublicKey)
}

// GenerateOptions tunes Generate.
type GenerateOptions struct {
	OneTimeKeys int
	WithKyber   bool
}

func secretKey(userID string, deviceID uint32) []byte {
	return []byte(fmt.Sprintf("secret:%s:%d", userID, deviceID))
}

func secretOTKKey(userID string, deviceID, keyID uint32) []byte {
	return []byte(fmt.Sprintf("secret-otk:%s:%d:%d", userID, deviceID, keyID))
}

// Generate creates a fresh identity, signed pre-key, one-time key batch and
// optional Kyber pre-key for a device, keeps the private material in the
// store and publishes the public bundle. Only public material is returned.
func (s *Store) Generate(userID string, deviceID uint32, opts GenerateOptions) (*protocol.PreKeyBundle, error) {
	if deviceID < 1 {
		return nil, protocol.Errorf(protocol.CodeBadRequest, "device id must be >= 1")
	}
	if opts.OneTimeKeys <= 0 {
		opts.OneTimeKeys = DefaultOneTimeKeys
	}

	idPub, idPriv, err := crypto.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	regID, err := crypto.RandomRegistrationID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate registration id: %w", err)
	}
	spk, err := crypto.GenerateX25519()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signed pre-key: %w", err)
	}
	spkID, err := randomKeyID()
	if err != nil {
		return nil, err
	}

	secrets := &DeviceSecrets{
		UserID:          userID,
		DeviceID:        deviceID,
		RegistrationID:  regID,
		IdentityPrivate: idPriv,
		SignedPreKeyID:  spkID,
		SignedPreKey:    *spk,
	}
	bundle := protocol.PreKeyBundle{
		UserID:         userID,
		IdentityKey:    protocol.EncodeKey(idPub),
		RegistrationID: regID,
		DeviceID:       deviceID,
		SignedPreKey: protocol.SignedPreKey{
			ID:        spkID,
			Key:       protocol.EncodeKey(spk.Public),
			Signature: protocol.EncodeKey(crypto.Sign(idPriv, spk.Public)),
		},
	}

	if opts.WithKyber {
		seed, ek, err := crypto.GenerateKEM()
		if err != nil {
			return nil, fmt.Errorf("failed to generate kyber pre-key: %w", err)
		}
		secrets.KyberPreKeyID = spkID
		secrets.KyberSeed = seed
		bundle.KyberPreKey = &protocol.KyberPreKey{
			ID:        spkID,
			Key:       protocol.EncodeKey(ek),
			Signature: protocol.EncodeKey(crypto.Sign(idPriv, ek)),
		}
	}

	base, err := randomKeyID()
	if err != nil {
		return nil, err
	}
	base &= 0x00ffffff
	publics := make([]protocol.OneTimePreKey, 0, opts.OneTimeKeys)
	privates := make(map[uint32][]byte, opts.OneTimeKeys)
	for i := 0; i < opts.OneTimeKeys; i++ {
		kp, err := crypto.GenerateX25519()
		if err != nil {
			return nil, fmt.Errorf("failed to generate one-time pre-key: %w", err)
		}
		id := base + uint32(i) + 1
		publics = append(publics, protocol.OneTimePreKey{ID: id, Key: protocol.EncodeKey(kp.Public)})
		privates[id] = kp.Private
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := deletePrefix(txn, []byte(fmt.Sprintf("secret-otk:%s:%d:", userID, deviceID))); err != nil {
			return err
		}
		data, err := json.Marshal(secrets)
		if err != nil {
			return err
		}
		if err := txn.Set(secretKey(userID, deviceID), data); err != nil {
			return err
		}
		for id, priv := range privates {
			if err := txn.Set(secretOTKKey(userID, deviceID, id), priv); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store device secrets: %w", err)
	}

	if err := s.Publish(bundle, publics); err != nil {
		return nil, err
	}
	return s.GetDevice(userID, deviceID)
}

// Secrets loads the private material of a locally generated device.
func (s *Store) Secrets(userID string, deviceID uint32) (*DeviceSecrets, error) {
	var secrets DeviceSecrets
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(secretKey(userID, deviceID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &secrets) })
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrSecretsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device secrets: %w", err)
	}
	return &secrets, nil
}

// OneTimeSecret returns a one-time private key without spending it.
func (s *Store) OneTimeSecret(userID string, deviceID, keyID uint32) ([]byte, error) {
	var priv []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(secretOTKKey(userID, deviceID, keyID))
		if err != nil {
			return err
		}
		priv, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrPrivateKeyAbsent
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load one-time secret: %w", err)
	}
	return priv, nil
}

// DropOneTimeSecret deletes a one-time private key once a session built on it
// has been authenticated. Exactly one caller succeeds; the others get
// ErrPrivateKeyAbsent.
func (s *Store) DropOneTimeSecret(userID string, deviceID, keyID uint32) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key := secretOTKKey(userID, deviceID, keyID)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) || errors.Is(err, badger.ErrConflict) {
		return ErrPrivateKeyAbsent
	}
	if err != nil {
		return fmt.Errorf("failed to drop one-time secret: %w", err)
	}
	return nil
}

// OneTimePublics lists the unconsumed one-time public keys of a device, for upload.
func (s *Store) OneTimePublics(userID string, deviceID uint32) ([]protocol.OneTimePreKey, error) {
	var keys []protocol.OneTimePreKey
	prefix := otkPrefix(userID, deviceID)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			keys = append(keys, protocol.OneTimePreKey{
				ID:  binary.BigEndian.Uint32(item.Key()[len(prefix):]),
				Key: string(val),
			})
		}
		return nil
	})
	return keys, err
}

func randomKeyID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to generate key id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:])&0x7fffffff | 1, nil
}
