package protocol

import "fmt"

// Mode is the confidentiality mode of a conversation.
type Mode string

const (
	ModeNone            Mode = "none"
	ModeServerEncrypted Mode = "server-encrypted"
	ModeE2EE            Mode = "e2ee"
)

// Encryptable reports whether payloads in this mode are encrypted.
func (m Mode) Encryptable() bool {
	return m == ModeServerEncrypted || m == ModeE2EE
}

// ParseMode maps a stored mode string, treating unknown values as none.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeServerEncrypted, ModeE2EE:
		return Mode(s)
	default:
		return ModeNone
	}
}

const (
	AlgorithmServerAESGCM = "aes-256-gcm"
	AlgorithmE2EEXChaCha  = "x3dh-xchacha20poly1305"

	ServerPayloadVersion = 1
	E2EEPayloadVersion   = 1
)

// HandshakeHeader lets a receiver derive the sender's session.
type HandshakeHeader struct {
	IdentityKey       string `json:"identityKey" mapstructure:"identityKey"`
	SenderDeviceID    uint32 `json:"senderDeviceId" mapstructure:"senderDeviceId"`
	RegistrationID    uint32 `json:"registrationId" mapstructure:"registrationId"`
	EphemeralKey      string `json:"ephemeralKey" mapstructure:"ephemeralKey"`
	RecipientDeviceID uint32 `json:"recipientDeviceId" mapstructure:"recipientDeviceId"`
	SignedPreKeyID    uint32 `json:"signedPreKeyId" mapstructure:"signedPreKeyId"`
	OneTimePreKeyID   uint32 `json:"oneTimePreKeyId,omitempty" mapstructure:"oneTimePreKeyId"`
	KyberPreKeyID     uint32 `json:"kyberPreKeyId,omitempty" mapstructure:"kyberPreKeyId"`
	KyberCiphertext   string `json:"kyberCiphertext,omitempty" mapstructure:"kyberCiphertext"`
	// Responding marks payloads sealed by the recipient of the session that
	// EphemeralKey identifies.
	Responding bool `json:"responding,omitempty" mapstructure:"responding"`
}

// EncryptionMetadata is the wire form of the payload metadata.
type EncryptionMetadata struct {
	Mode           Mode             `json:"mode" mapstructure:"mode"`
	Algorithm      string           `json:"algorithm" mapstructure:"algorithm"`
	Version        int              `json:"version" mapstructure:"version"`
	ConversationID string           `json:"conversationId" mapstructure:"conversationId"`
	KeyVersion     int              `json:"keyVersion,omitempty" mapstructure:"keyVersion"`
	Handshake      *HandshakeHeader `json:"handshake,omitempty" mapstructure:"handshake"`
}

// Metadata is the decoded, mode-specific payload metadata.
// The concrete types are ServerMetadata and E2EEMetadata.
type Metadata interface {
	Mode() Mode
	wire() *EncryptionMetadata
}

// ServerMetadata describes a payload sealed with a server-held conversation key.
type ServerMetadata struct {
	ConversationID string
	KeyVersion     int
}

func (ServerMetadata) Mode() Mode { return ModeServerEncrypted }

func (m ServerMetadata) wire() *EncryptionMetadata {
	return &EncryptionMetadata{
		Mode:           ModeServerEncrypted,
		Algorithm:      AlgorithmServerAESGCM,
		Version:        ServerPayloadVersion,
		ConversationID: m.ConversationID,
		KeyVersion:     m.KeyVersion,
	}
}

// E2EEMetadata describes a payload sealed with a pairwise session key.
type E2EEMetadata struct {
	ConversationID string
	Handshake      HandshakeHeader
}

func (E2EEMetadata) Mode() Mode { return ModeE2EE }

func (m E2EEMetadata) wire() *EncryptionMetadata {
	h := m.Handshake
	return &EncryptionMetadata{
		Mode:           ModeE2EE,
		Algorithm:      AlgorithmE2EEXChaCha,
		Version:        E2EEPayloadVersion,
		ConversationID: m.ConversationID,
		Handshake:      &h,
	}
}

// EncryptedPayload is opaque to the transport.
type EncryptedPayload struct {
	Ciphertext string
	Metadata   Metadata
}

// Decode validates the wire metadata and returns its mode-specific form.
func (w *EncryptionMetadata) Decode() (Metadata, error) {
	if w == nil {
		return nil, fmt.Errorf("missing encryption metadata")
	}
	switch w.Mode {
	case ModeServerEncrypted:
		if w.Algorithm != AlgorithmServerAESGCM || w.Version != ServerPayloadVersion {
			return nil, fmt.Errorf("unsupported server payload %s/v%d", w.Algorithm, w.Version)
		}
		return ServerMetadata{ConversationID: w.ConversationID, KeyVersion: w.KeyVersion}, nil
	case ModeE2EE:
		if w.Algorithm != AlgorithmE2EEXChaCha || w.Version != E2EEPayloadVersion {
			return nil, fmt.Errorf("unsupported e2ee payload %s/v%d", w.Algorithm, w.Version)
		}
		if w.Handshake == nil {
			return nil, fmt.Errorf("e2ee payload has no handshake header")
		}
		return E2EEMetadata{ConversationID: w.ConversationID, Handshake: *w.Handshake}, nil
	default:
		return nil, fmt.Errorf("unsupported payload mode %q", w.Mode)
	}
}

// Attach writes the payload into a message. For e2ee the plaintext is replaced.
func (p *EncryptedPayload) Attach(m *ChatMessage) {
	m.EncryptedContent = p.Ciphertext
	m.EncryptionMetadata = p.Metadata.wire()
	if p.Metadata.Mode() == ModeE2EE {
		m.Content = EncryptedPlaceholder
	}
}

// PayloadOf extracts the encrypted payload of a message, if any.
func PayloadOf(m *ChatMessage) (*EncryptedPayload, error) {
	if m.EncryptedContent == "" {
		return nil, nil
	}
	md, err := m.EncryptionMetadata.Decode()
	if err != nil {
		return nil, err
	}
	return &EncryptedPayload{Ciphertext: m.EncryptedContent, Metadata: md}, nil
}
