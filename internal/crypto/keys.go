package crypto

import (
	"crypto/ed25519"
	"crypto/mlkem"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

// GenerateIdentity returns a new Ed25519 identity key pair.
func GenerateIdentity() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// GenerateX25519 returns a fresh Curve25519 key pair.
func GenerateX25519() (*KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	clamp(priv)
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// DH computes X25519 Diffie-Hellman.
func DH(priv, pub []byte) ([]byte, error) {
	return curve25519.X25519(priv, pub)
}

// IdentityPrivateToX25519 converts an Ed25519 private key to its X25519 scalar.
func IdentityPrivateToX25519(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	s := make([]byte, curve25519.ScalarSize)
	copy(s, h[:32])
	clamp(s)
	return s
}

// IdentityPublicToX25519 converts an Ed25519 public key to its Montgomery form.
func IdentityPublicToX25519(pub []byte) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("identity key must be 32 bytes")
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid identity key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// Sign signs msg with the identity key.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks an identity signature.
func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// DeriveKey expands input key material with HKDF-SHA256.
func DeriveKey(ikm, salt []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// GenerateKEM returns the seed and encapsulation key of a fresh ML-KEM-768 pair.
func GenerateKEM() (seed, encapsulationKey []byte, err error) {
	dk, err := mlkem.GenerateKey768()
	if err != nil {
		return nil, nil, err
	}
	return dk.Bytes(), dk.EncapsulationKey().Bytes(), nil
}

// Encapsulate produces a shared secret and ciphertext for an encapsulation key.
func Encapsulate(encapsulationKey []byte) (shared, ciphertext []byte, err error) {
	ek, err := mlkem.NewEncapsulationKey768(encapsulationKey)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid kyber key: %w", err)
	}
	shared, ciphertext = ek.Encapsulate()
	return shared, ciphertext, nil
}

// Decapsulate recovers the shared secret from a ciphertext.
func Decapsulate(seed, ciphertext []byte) ([]byte, error) {
	dk, err := mlkem.NewDecapsulationKey768(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid kyber seed: %w", err)
	}
	return dk.Decapsulate(ciphertext)
}

// RandomRegistrationID returns a random 14-bit device registration id.
func RandomRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]) & (1<<14 - 1), nil
}

// Zero overwrites b.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func clamp(k []byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
