package session

import (
	"fmt"

	"securechat/internal/crypto"
)

// rootInfo prefixes the HKDF info string of every session key.
const rootInfo = "securechat/x3dh/v1|"

// InitiatorKeys is the key material of the side that fetched the bundle.
// Private keys are X25519 scalars, public keys are X25519 points.
type InitiatorKeys struct {
	Identity       []byte
	Ephemeral      []byte
	RemoteIdentity []byte
	RemoteSigned   []byte
	RemoteOneTime  []byte
}

// ResponderKeys is the key material of the bundle owner.
type ResponderKeys struct {
	Identity        []byte
	Signed          []byte
	OneTime         []byte
	RemoteIdentity  []byte
	RemoteEphemeral []byte
}

// Agreement produces the concatenated Diffie-Hellman outputs of a handshake.
// Both sides of one session must use the same Agreement.
type Agreement interface {
	Name() string
	UsesOneTimeKey() bool
	Initiate(k InitiatorKeys) ([]byte, error)
	Respond(k ResponderKeys) ([]byte, error)
}

var (
	// WithOneTimeKey mixes a claimed one-time pre-key into the secret.
	WithOneTimeKey Agreement = withOneTimeKey{}
	// SignedKeyOnly agrees on the signed pre-key alone.
	SignedKeyOnly Agreement = signedKeyOnly{}
)

// SelectAgreement picks the strategy for the available key material.
func SelectAgreement(haveOneTimeKey bool) Agreement {
	if haveOneTimeKey {
		return WithOneTimeKey
	}
	return SignedKeyOnly
}

type signedKeyOnly struct{}

func (signedKeyOnly) Name() string         { return "signed-key-only" }
func (signedKeyOnly) UsesOneTimeKey() bool { return false }

func (signedKeyOnly) Initiate(k InitiatorKeys) ([]byte, error) {
	return concatDH(
		[2][]byte{k.Identity, k.RemoteSigned},
		[2][]byte{k.Ephemeral, k.RemoteIdentity},
		[2][]byte{k.Ephemeral, k.RemoteSigned},
	)
}

func (signedKeyOnly) Respond(k ResponderKeys) ([]byte, error) {
	return concatDH(
		[2][]byte{k.Signed, k.RemoteIdentity},
		[2][]byte{k.Identity, k.RemoteEphemeral},
		[2][]byte{k.Signed, k.RemoteEphemeral},
	)
}

type withOneTimeKey struct{}

func (withOneTimeKey) Name() string         { return "one-time-key" }
func (withOneTimeKey) UsesOneTimeKey() bool { return true }

func (withOneTimeKey) Initiate(k InitiatorKeys) ([]byte, error) {
	if len(k.RemoteOneTime) == 0 {
		return nil, fmt.Errorf("one-time pre-key missing")
	}
	return concatDH(
		[2][]byte{k.Identity, k.RemoteSigned},
		[2][]byte{k.Ephemeral, k.RemoteIdentity},
		[2][]byte{k.Ephemeral, k.RemoteSigned},
		[2][]byte{k.Ephemeral, k.RemoteOneTime},
	)
}

func (withOneTimeKey) Respond(k ResponderKeys) ([]byte, error) {
	if len(k.OneTime) == 0 {
		return nil, fmt.Errorf("one-time private key missing")
	}
	return concatDH(
		[2][]byte{k.Signed, k.RemoteIdentity},
		[2][]byte{k.Identity, k.RemoteEphemeral},
		[2][]byte{k.Signed, k.RemoteEphemeral},
		[2][]byte{k.OneTime, k.RemoteEphemeral},
	)
}

func concatDH(pairs ...[2][]byte) ([]byte, error) {
	out := make([]byte, 0, 32*len(pairs))
	for i, p := range pairs {
		shared, err := crypto.DH(p[0], p[1])
		if err != nil {
			return nil, fmt.Errorf("dh%d: %w", i+1, err)
		}
		out = append(out, shared...)
	}
	return out, nil
}

// deriveSessionKey turns the agreement output and optional KEM secret into the
// session key, bound to the conversation.
func deriveSessionKey(dh, kemShared []byte, conversationID string) ([]byte, error) {
	ikm := make([]byte, 0, 32+len(dh)+len(kemShared))
	for i := 0; i < 32; i++ {
		ikm = append(ikm, 0xff)
	}
	ikm = append(ikm, dh...)
	ikm = append(ikm, kemShared...)
	defer crypto.Zero(ikm)
	return crypto.DeriveKey(ikm, make([]byte, 32), rootInfo+conversationID, crypto.KeyLength)
}
