package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"securechat/internal/audit"
	"securechat/internal/crypto"
	"securechat/internal/keystore"
	"securechat/internal/protocol"
)

// SecretSource is the local private key vault.
type SecretSource interface {
	Secrets(userID string, deviceID uint32) (*keystore.DeviceSecrets, error)
	OneTimeSecret(userID string, deviceID, keyID uint32) ([]byte, error)
	DropOneTimeSecret(userID string, deviceID, keyID uint32) error
}

// Verifier authenticates a candidate session, normally by opening the
// ciphertext that carried its handshake header.
type Verifier func(s *Session) error

// Responder derives sessions from handshake headers addressed to the local device.
type Responder struct {
	userID   string
	deviceID uint32
	vault    SecretSource
	cache    *Cache
	audit    audit.Logger
	now      func() time.Time

	mu sync.Mutex
}

// NewResponder creates a responder sharing cache with the local establisher.
func NewResponder(userID string, deviceID uint32, vault SecretSource, cache *Cache, auditLog audit.Logger) *Responder {
	if cache == nil {
		cache = NewCache()
	}
	return &Responder{
		userID:   userID,
		deviceID: deviceID,
		vault:    vault,
		cache:    cache,
		audit:    auditLog,
		now:      time.Now,
	}
}

// Accept returns the session a received header refers to once verify succeeds
// with it. A header seen for the first time derives a candidate session; its
// one-time pre-key is spent and the session cached only after verify passes,
// so a forged header changes nothing. A nil verify trusts the derivation.
func (r *Responder) Accept(ctx context.Context, senderID, conversationID string, h protocol.HandshakeHeader, verify Verifier) (*Session, error) {
	if h.EphemeralKey == "" {
		return nil, protocol.Errorf(protocol.CodeDecryptionFailed, "handshake header has no ephemeral key")
	}
	if verify == nil {
		verify = func(*Session) error { return nil }
	}

	if h.Responding {
		s, ok := r.cache.ByEphemeral(h.EphemeralKey)
		if !ok || !s.Initiator || s.RemoteUserID != senderID {
			return nil, protocol.Errorf(protocol.CodeSessionNotEstablished, "no session with %s for ephemeral key", senderID)
		}
		return s, verified(verify(s))
	}

	if s, ok := r.inbound(senderID, conversationID, h); ok {
		return s, verified(verify(s))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.inbound(senderID, conversationID, h); ok {
		return s, verified(verify(s))
	}

	s, err := r.derive(senderID, conversationID, h)
	if err != nil {
		return nil, err
	}
	if err := verify(s); err != nil {
		crypto.Zero(s.Key)
		return nil, verified(err)
	}

	if s.UsedOneTimeKey {
		err := r.vault.DropOneTimeSecret(r.userID, s.LocalDeviceID, h.OneTimePreKeyID)
		if errors.Is(err, keystore.ErrPrivateKeyAbsent) {
			return nil, protocol.Wrap(protocol.CodeSessionNotEstablished, err, "one-time pre-key already used")
		}
		if err != nil {
			return nil, protocol.Wrap(protocol.CodeInternal, err, "failed to spend one-time pre-key")
		}
	}
	s = r.cache.AddInbound(s)

	// Replies use the newest inbound session unless we initiated our own.
	if cur, ok := r.cache.Get(s.CacheKey()); ok {
		if !cur.Initiator {
			r.cache.Replace(cur, s)
		}
	} else {
		r.cache.StoreIfAbsent(s)
	}

	audit.Record(ctx, r.audit, r.userID, audit.EventSessionEstablished, audit.SeverityLow, map[string]any{
		"senderId":       senderID,
		"conversationId": conversationID,
		"deviceId":       h.SenderDeviceID,
		"oneTimeKeyUsed": s.UsedOneTimeKey,
		"role":           "responder",
	})
	return s, nil
}

// verified gives verification failures a decryption code.
func verified(err error) error {
	if err == nil || protocol.CodeOf(err) != protocol.CodeInternal {
		return err
	}
	return protocol.Wrap(protocol.CodeDecryptionFailed, err, "")
}

func (r *Responder) inbound(senderID, conversationID string, h protocol.HandshakeHeader) (*Session, bool) {
	s, ok := r.cache.ByEphemeral(h.EphemeralKey)
	if !ok || s.Initiator || s.RemoteUserID != senderID || s.ConversationID != conversationID {
		return nil, false
	}
	return s, true
}

func (r *Responder) derive(senderID, conversationID string, h protocol.HandshakeHeader) (*Session, error) {
	deviceID := h.RecipientDeviceID
	if deviceID == 0 {
		deviceID = r.deviceID
	}
	secrets, err := r.vault.Secrets(r.userID, deviceID)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeSessionNotEstablished, err, "no local keys for device")
	}
	if h.SignedPreKeyID != secrets.SignedPreKeyID {
		return nil, protocol.Errorf(protocol.CodeSessionNotEstablished, "signed pre-key %d was rotated out", h.SignedPreKeyID)
	}

	remoteIdentity, err := protocol.DecodeKey(h.IdentityKey)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeDecryptionFailed, err, "sender identity key is not base64")
	}
	remoteX, err := crypto.IdentityPublicToX25519(remoteIdentity)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeDecryptionFailed, err, "sender identity key")
	}
	ephemeral, err := protocol.DecodeKey(h.EphemeralKey)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeDecryptionFailed, err, "ephemeral key is not base64")
	}

	var oneTime []byte
	if h.OneTimePreKeyID != 0 {
		oneTime, err = r.vault.OneTimeSecret(r.userID, deviceID, h.OneTimePreKeyID)
		if errors.Is(err, keystore.ErrPrivateKeyAbsent) {
			return nil, protocol.Wrap(protocol.CodeSessionNotEstablished, err, "one-time pre-key already used")
		}
		if err != nil {
			return nil, protocol.Wrap(protocol.CodeInternal, err, "failed to load one-time pre-key")
		}
		defer crypto.Zero(oneTime)
	}

	idX := crypto.IdentityPrivateToX25519(secrets.Identity())
	defer crypto.Zero(idX)

	agreement := SelectAgreement(oneTime != nil)
	dh, err := agreement.Respond(ResponderKeys{
		Identity:        idX,
		Signed:          secrets.SignedPreKey.Private,
		OneTime:         oneTime,
		RemoteIdentity:  remoteX,
		RemoteEphemeral: ephemeral,
	})
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeDecryptionFailed, err, "key agreement failed")
	}
	defer crypto.Zero(dh)

	var kemShared []byte
	if h.KyberCiphertext != "" {
		if secrets.KyberSeed == nil || h.KyberPreKeyID != secrets.KyberPreKeyID {
			return nil, protocol.Errorf(protocol.CodeSessionNotEstablished, "kyber pre-key %d unavailable", h.KyberPreKeyID)
		}
		ct, err := protocol.DecodeKey(h.KyberCiphertext)
		if err != nil {
			return nil, protocol.Wrap(protocol.CodeDecryptionFailed, err, "kyber ciphertext is not base64")
		}
		if kemShared, err = crypto.Decapsulate(secrets.KyberSeed, ct); err != nil {
			return nil, protocol.Wrap(protocol.CodeDecryptionFailed, err, "kyber decapsulation failed")
		}
	}

	key, err := deriveSessionKey(dh, kemShared, conversationID)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeInternal, err, "session key derivation failed")
	}

	return &Session{
		ConversationID:    conversationID,
		RemoteUserID:      senderID,
		RemoteDeviceID:    h.SenderDeviceID,
		RemoteIdentityKey: h.IdentityKey,
		LocalIdentityKey:  protocol.EncodeKey(secrets.IdentityPublic()),
		LocalDeviceID:     deviceID,
		Key:               key,
		CreatedAt:         r.now(),
		UsedOneTimeKey:    agreement.UsesOneTimeKey(),
		Handshake:         h,
	}, nil
}
