package protocol

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// OneTimePreKey is a single-use public pre-key.
type OneTimePreKey struct {
	ID  uint32 `json:"id" mapstructure:"id"`
	Key string `json:"key" mapstructure:"key"` // base64
}

// SignedPreKey is a medium-lived public key signed by the identity key.
type SignedPreKey struct {
	ID        uint32 `json:"id" mapstructure:"id"`
	Key       string `json:"key" mapstructure:"key"`             // base64
	Signature string `json:"signature" mapstructure:"signature"` // base64 Ed25519 over the decoded key
}

// KyberPreKey is an ML-KEM-768 encapsulation key signed by the identity key.
type KyberPreKey struct {
	ID        uint32 `json:"id" mapstructure:"id"`
	Key       string `json:"key" mapstructure:"key"`
	Signature string `json:"signature" mapstructure:"signature"`
}

// PreKeyBundle is the public key material a device publishes.
type PreKeyBundle struct {
	UserID         string         `json:"userId" mapstructure:"userId"`
	IdentityKey    string         `json:"identityKey" mapstructure:"identityKey"` // base64 Ed25519 public key
	RegistrationID uint32         `json:"registrationId" mapstructure:"registrationId"`
	DeviceID       uint32         `json:"deviceId" mapstructure:"deviceId"`
	OneTimePreKey  *OneTimePreKey `json:"oneTimePreKey,omitempty" mapstructure:"oneTimePreKey"`
	SignedPreKey   SignedPreKey   `json:"signedPreKey" mapstructure:"signedPreKey"`
	KyberPreKey    *KyberPreKey   `json:"kyberPreKey,omitempty" mapstructure:"kyberPreKey"`
}

// PublishRequest uploads a device bundle with its full one-time key batch.
type PublishRequest struct {
	Bundle         PreKeyBundle    `json:"bundle"`
	OneTimePreKeys []OneTimePreKey `json:"oneTimePreKeys"`
}

// EstablishRequest asks the server for a recipient bundle in a conversation.
type EstablishRequest struct {
	RecipientUserID string `json:"recipientUserId"`
	ConversationID  string `json:"conversationId"`
}

// ClaimRequest claims a one-time pre-key.
type ClaimRequest struct {
	KeyID uint32 `json:"keyId"`
}

const maxRegistrationID = 1<<14 - 1

// Validate checks the structural invariants of the bundle.
func (b *PreKeyBundle) Validate() error {
	if b.UserID == "" {
		return Errorf(CodeBadRequest, "bundle has no user id")
	}
	if b.DeviceID < 1 {
		return Errorf(CodeBadRequest, "device id must be >= 1")
	}
	if b.RegistrationID > maxRegistrationID {
		return Errorf(CodeBadRequest, "registration id exceeds 14 bits")
	}
	if k, err := DecodeKey(b.IdentityKey); err != nil || len(k) != 32 {
		return Errorf(CodeBadRequest, "identity key must be 32 bytes of base64")
	}
	if _, err := DecodeKey(b.SignedPreKey.Key); err != nil {
		return Errorf(CodeBadRequest, "signed pre-key is not base64")
	}
	if _, err := DecodeKey(b.SignedPreKey.Signature); err != nil {
		return Errorf(CodeBadRequest, "signed pre-key signature is not base64")
	}
	return nil
}

// BundleID identifies a device bundle.
func (b *PreKeyBundle) BundleID() string {
	return BundleID(b.UserID, b.DeviceID)
}

// BundleID joins a user and device into a bundle identifier.
func BundleID(userID string, deviceID uint32) string {
	return userID + ":" + strconv.FormatUint(uint64(deviceID), 10)
}

// SplitBundleID reverses BundleID.
func SplitBundleID(bundleID string) (string, uint32, error) {
	i := strings.LastIndexByte(bundleID, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed bundle id %q", bundleID)
	}
	dev, err := strconv.ParseUint(bundleID[i+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("malformed bundle id %q: %w", bundleID, err)
	}
	return bundleID[:i], uint32(dev), nil
}

// EncodeKey base64-encodes key material for the wire.
func EncodeKey(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeKey decodes base64 key material from the wire.
func DecodeKey(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
