package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Encryption parameters
	KeyLength   = 32     // AES-256 and XChaCha20 key size
	nonceLength = 12     // GCM nonce length
	iterations  = 100000 // PBKDF2 iterations
)

var errShortCiphertext = errors.New("encrypted data too short")

// Keyring derives per-conversation AES-256 keys from a server secret.
// Derived keys are cached; derivation is deliberately slow.
type Keyring struct {
	secret  []byte
	version int
	mu      sync.Mutex
	keys    map[string][]byte
}

// NewKeyring creates a keyring for the given secret and key version.
func NewKeyring(secret string, version int) *Keyring {
	return &Keyring{
		secret:  []byte(secret),
		version: version,
		keys:    make(map[string][]byte),
	}
}

// Version returns the key version stamped on payloads sealed with this keyring.
func (k *Keyring) Version() int { return k.version }

// ConversationKey returns the key for a conversation.
func (k *Keyring) ConversationKey(conversationID string) []byte {
	k.mu.Lock()
	defer k.mu.Unlock()

	if key, ok := k.keys[conversationID]; ok {
		return key
	}
	salt := sha256.Sum256([]byte("conversation:" + conversationID))
	key := pbkdf2.Key(k.secret, salt[:], iterations, KeyLength, sha256.New)
	k.keys[conversationID] = key
	return key
}

// SealGCM encrypts plaintext with AES-256-GCM and returns base64(nonce||ciphertext).
func SealGCM(key []byte, plaintext, aad []byte) (string, error) {
	if len(key) != KeyLength {
		return "", errors.New("encryption key not initialized")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, aad)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// OpenGCM reverses SealGCM.
func OpenGCM(key []byte, encryptedData string, aad []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, errors.New("encryption key not initialized")
	}

	data, err := base64.StdEncoding.DecodeString(encryptedData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	if len(data) < nonceLength {
		return nil, errShortCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, data[:nonceLength], data[nonceLength:], aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// SealX encrypts with XChaCha20-Poly1305 under a random 24-byte nonce
// and returns base64(nonce||ciphertext).
func SealX(key []byte, plaintext, aad []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("failed to create aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, plaintext, aad)
	return base64.StdEncoding.EncodeToString(out), nil
}

// OpenX reverses SealX.
func OpenX(key []byte, encryptedData string, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create aead: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(encryptedData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, errShortCiphertext
	}
	plaintext, err := aead.Open(nil, data[:chacha20poly1305.NonceSizeX], data[chacha20poly1305.NonceSizeX:], aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// GenerateUserToken creates a secure random bearer token for a new user
func GenerateUserToken() (string, error) {
	tokenBytes := make([]byte, 32)
	_, err := rand.Read(tokenBytes)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(tokenBytes), nil
}
