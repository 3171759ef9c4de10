package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"securechat/internal/audit"
	"securechat/internal/crypto"
	"securechat/internal/keystore"
	"securechat/internal/logging"
	"securechat/internal/protocol"
)

// KeyDirectory serves published bundles and one-time key claims. Bundles are
// requested for a conversation so the directory can refuse non-members.
type KeyDirectory interface {
	FetchBundle(ctx context.Context, userID, conversationID string) (*protocol.PreKeyBundle, error)
	ClaimOneTimeKey(ctx context.Context, bundleID string, keyID uint32) error
}

// Membership answers conversation membership questions.
type Membership interface {
	IsConversationMember(ctx context.Context, userID, conversationID string) (bool, error)
}

// Config wires an Establisher.
type Config struct {
	UserID  string
	Device  *keystore.DeviceSecrets
	Keys    KeyDirectory
	Members Membership
	Audit   audit.Logger
	Cache   *Cache
	Now     func() time.Time
}

// Establisher performs the initiating side of the handshake.
type Establisher struct {
	userID  string
	device  *keystore.DeviceSecrets
	keys    KeyDirectory
	members Membership
	audit   audit.Logger
	cache   *Cache
	now     func() time.Time
	group   singleflight.Group
}

// NewEstablisher validates cfg and returns an Establisher.
func NewEstablisher(cfg Config) (*Establisher, error) {
	if cfg.UserID == "" || cfg.Device == nil {
		return nil, errors.New("establisher needs a local user and device")
	}
	if cfg.Keys == nil || cfg.Members == nil {
		return nil, errors.New("establisher needs a key directory and membership check")
	}
	if cfg.Cache == nil {
		cfg.Cache = NewCache()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.LogSink{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Establisher{
		userID:  cfg.UserID,
		device:  cfg.Device,
		keys:    cfg.Keys,
		members: cfg.Members,
		audit:   cfg.Audit,
		cache:   cfg.Cache,
		now:     cfg.Now,
	}, nil
}

// State reports the establishment state for a recipient in a conversation.
func (e *Establisher) State(recipientUserID, conversationID string) State {
	return e.cache.State(conversationID, recipientUserID)
}

// Establish returns a session with the recipient's primary device for the
// conversation, deriving one when none is cached or the recipient's identity
// key changed. Concurrent calls for the same pair share one derivation, and
// the first session stored wins.
func (e *Establisher) Establish(ctx context.Context, recipientUserID, conversationID string) (*Session, error) {
	if recipientUserID == "" || conversationID == "" {
		return nil, protocol.Errorf(protocol.CodeBadRequest, "recipient and conversation ids are required")
	}
	if err := e.authorize(ctx, recipientUserID, conversationID); err != nil {
		return nil, err
	}

	v, err, _ := e.group.Do(conversationID+"\x00"+recipientUserID, func() (any, error) {
		return e.establish(context.WithoutCancel(ctx), recipientUserID, conversationID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (e *Establisher) authorize(ctx context.Context, recipientUserID, conversationID string) error {
	for _, uid := range []string{e.userID, recipientUserID} {
		ok, err := e.members.IsConversationMember(ctx, uid, conversationID)
		if err != nil {
			if protocol.CodeOf(err) != protocol.CodeInternal {
				return err
			}
			return protocol.Wrap(protocol.CodeInternal, err, "membership check failed")
		}
		if !ok {
			audit.Record(ctx, e.audit, e.userID, audit.EventUnauthorizedAccess, audit.SeverityMedium, map[string]any{
				"recipientId":    recipientUserID,
				"conversationId": conversationID,
			})
			return protocol.Errorf(protocol.CodeForbidden, "%s is not a member of conversation %s", uid, conversationID)
		}
	}
	return nil
}

func (e *Establisher) establish(ctx context.Context, recipientUserID, conversationID string) (*Session, error) {
	done := e.cache.begin(conversationID, recipientUserID)
	defer done()

	bundle, err := e.keys.FetchBundle(ctx, recipientUserID, conversationID)
	if err != nil {
		if protocol.CodeOf(err) == protocol.CodeInternal {
			return nil, protocol.Wrap(protocol.CodeInternal, err, "failed to fetch bundle")
		}
		return nil, err
	}
	if bundle == nil {
		return nil, protocol.Errorf(protocol.CodeKeysNotFound, "%s has no published keys", recipientUserID)
	}

	remote, err := e.verify(ctx, bundle, conversationID)
	if err != nil {
		return nil, err
	}

	existing, cached := e.cache.Get(Key{ConversationID: conversationID, RemoteUserID: recipientUserID, DeviceID: bundle.DeviceID})
	if cached && existing.RemoteIdentityKey == bundle.IdentityKey {
		return existing, nil
	}

	if bundle.OneTimePreKey != nil {
		if err := e.keys.ClaimOneTimeKey(ctx, bundle.BundleID(), bundle.OneTimePreKey.ID); err != nil {
			logging.Info("One-time pre-key unavailable, using signed pre-key only", map[string]string{
				"bundle": bundle.BundleID(),
				"reason": err.Error(),
			})
			remote.oneTime, remote.oneTimeID = nil, 0
		}
	}

	s, err := e.derive(bundle, remote, conversationID)
	if err != nil {
		return nil, err
	}

	eventType := audit.EventSessionEstablished
	if cached {
		cur, swapped := e.cache.Replace(existing, s)
		if !swapped {
			return cur, nil
		}
		eventType = audit.EventSessionReestablished
	} else if cur, stored := e.cache.StoreIfAbsent(s); !stored {
		return cur, nil
	}

	audit.Record(ctx, e.audit, e.userID, eventType, audit.SeverityLow, map[string]any{
		"recipientId":    recipientUserID,
		"conversationId": conversationID,
		"deviceId":       bundle.DeviceID,
		"oneTimeKeyUsed": s.UsedOneTimeKey,
		"postQuantum":    s.Handshake.KyberCiphertext != "",
	})
	return s, nil
}

type remoteKeys struct {
	identityX []byte
	signed    []byte
	oneTime   []byte
	oneTimeID uint32
	kyber     []byte
}

// verify checks the bundle signatures and decodes its keys.
func (e *Establisher) verify(ctx context.Context, b *protocol.PreKeyBundle, conversationID string) (*remoteKeys, error) {
	fail := func(reason string) error {
		audit.Record(ctx, e.audit, e.userID, audit.EventInvalidSignature, audit.SeverityHigh, map[string]any{
			"recipientId":    b.UserID,
			"conversationId": conversationID,
			"deviceId":       b.DeviceID,
			"reason":         reason,
		})
		return protocol.Errorf(protocol.CodeInvalidSignature, "bundle of %s: %s", b.UserID, reason)
	}

	identity, err := protocol.DecodeKey(b.IdentityKey)
	if err != nil {
		return nil, fail("identity key is not base64")
	}
	signed, err := protocol.DecodeKey(b.SignedPreKey.Key)
	if err != nil {
		return nil, fail("signed pre-key is not base64")
	}
	sig, err := protocol.DecodeKey(b.SignedPreKey.Signature)
	if err != nil || !crypto.Verify(identity, signed, sig) {
		return nil, fail("signed pre-key signature mismatch")
	}
	identityX, err := crypto.IdentityPublicToX25519(identity)
	if err != nil {
		return nil, fail(err.Error())
	}

	r := &remoteKeys{identityX: identityX, signed: signed}

	if b.KyberPreKey != nil {
		ek, err := protocol.DecodeKey(b.KyberPreKey.Key)
		if err != nil {
			return nil, fail("kyber pre-key is not base64")
		}
		ksig, err := protocol.DecodeKey(b.KyberPreKey.Signature)
		if err != nil || !crypto.Verify(identity, ek, ksig) {
			return nil, fail("kyber pre-key signature mismatch")
		}
		r.kyber = ek
	}

	if b.OneTimePreKey != nil {
		otk, err := protocol.DecodeKey(b.OneTimePreKey.Key)
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeBadRequest, "one-time pre-key %d is not base64", b.OneTimePreKey.ID)
		}
		r.oneTime, r.oneTimeID = otk, b.OneTimePreKey.ID
	}
	return r, nil
}

func (e *Establisher) derive(b *protocol.PreKeyBundle, r *remoteKeys, conversationID string) (*Session, error) {
	eph, err := crypto.GenerateX25519()
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeInternal, err, "failed to generate ephemeral key")
	}
	defer crypto.Zero(eph.Private)

	idX := crypto.IdentityPrivateToX25519(e.device.Identity())
	defer crypto.Zero(idX)

	agreement := SelectAgreement(r.oneTime != nil)
	dh, err := agreement.Initiate(InitiatorKeys{
		Identity:       idX,
		Ephemeral:      eph.Private,
		RemoteIdentity: r.identityX,
		RemoteSigned:   r.signed,
		RemoteOneTime:  r.oneTime,
	})
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeInternal, err, "key agreement failed")
	}
	defer crypto.Zero(dh)

	header := protocol.HandshakeHeader{
		IdentityKey:       protocol.EncodeKey(e.device.IdentityPublic()),
		SenderDeviceID:    e.device.DeviceID,
		RegistrationID:    e.device.RegistrationID,
		EphemeralKey:      protocol.EncodeKey(eph.Public),
		RecipientDeviceID: b.DeviceID,
		SignedPreKeyID:    b.SignedPreKey.ID,
	}
	if agreement.UsesOneTimeKey() {
		header.OneTimePreKeyID = r.oneTimeID
	}

	var kemShared []byte
	if r.kyber != nil {
		shared, ct, err := crypto.Encapsulate(r.kyber)
		if err != nil {
			return nil, protocol.Wrap(protocol.CodeInternal, err, "kyber encapsulation failed")
		}
		kemShared = shared
		header.KyberPreKeyID = b.KyberPreKey.ID
		header.KyberCiphertext = protocol.EncodeKey(ct)
	}

	key, err := deriveSessionKey(dh, kemShared, conversationID)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeInternal, err, "session key derivation failed")
	}

	return &Session{
		ConversationID:    conversationID,
		RemoteUserID:      b.UserID,
		RemoteDeviceID:    b.DeviceID,
		RemoteIdentityKey: b.IdentityKey,
		LocalIdentityKey:  header.IdentityKey,
		LocalDeviceID:     e.device.DeviceID,
		Key:               key,
		CreatedAt:         e.now(),
		Initiator:         true,
		UsedOneTimeKey:    agreement.UsesOneTimeKey(),
		Handshake:         header,
	}, nil
}

func (s *Session) String() string {
	return fmt.Sprintf("session(%s -> %s:%d)", s.ConversationID, s.RemoteUserID, s.RemoteDeviceID)
}
