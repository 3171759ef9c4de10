// Package gateway encrypts and decrypts message content according to the
// confidentiality mode of its conversation.
package gateway

import (
	"context"
	"fmt"

	"securechat/internal/crypto"
	"securechat/internal/logging"
	"securechat/internal/protocol"
	"securechat/internal/session"
)

// ModeResolver looks up the confidentiality mode of a conversation.
type ModeResolver interface {
	ConversationMode(ctx context.Context, conversationID string) (protocol.Mode, error)
}

// ServerKeys supplies the conversation key for server-encrypted mode.
type ServerKeys interface {
	ConversationKey(ctx context.Context, conversationID string) (key []byte, version int, err error)
}

// Acceptor resolves the session an inbound handshake header refers to.
type Acceptor interface {
	Accept(ctx context.Context, senderID, conversationID string, h protocol.HandshakeHeader, verify session.Verifier) (*session.Session, error)
}

// Sessions finds the outbound session of a conversation.
type Sessions interface {
	ForConversation(conversationID string) (*session.Session, bool)
}

// Gateway is the mode-aware encrypt/decrypt boundary of a client.
type Gateway struct {
	modes    ModeResolver
	keys     ServerKeys
	sessions Sessions
	acceptor Acceptor
}

// New creates a gateway. keys, sessions and acceptor may be nil when the
// corresponding mode is never used.
func New(modes ModeResolver, keys ServerKeys, sessions Sessions, acceptor Acceptor) *Gateway {
	return &Gateway{modes: modes, keys: keys, sessions: sessions, acceptor: acceptor}
}

// GetConversationMode resolves the mode of a conversation. An unknown or
// empty mode resolves to ModeNone.
func (g *Gateway) GetConversationMode(ctx context.Context, conversationID string) (protocol.Mode, error) {
	if g.modes == nil {
		return protocol.ModeNone, nil
	}
	mode, err := g.modes.ConversationMode(ctx, conversationID)
	if err != nil {
		return protocol.ModeNone, err
	}
	return protocol.ParseMode(string(mode)), nil
}

// Encrypt seals plaintext for a conversation. It returns a nil payload when the
// conversation is not encrypted. For e2ee an outbound session must already
// exist; Encrypt never establishes one.
func (g *Gateway) Encrypt(ctx context.Context, plaintext, conversationID string) (*protocol.EncryptedPayload, error) {
	mode, err := g.GetConversationMode(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return g.EncryptMode(ctx, mode, plaintext, conversationID)
}

// EncryptMode is Encrypt with an already resolved mode.
func (g *Gateway) EncryptMode(ctx context.Context, mode protocol.Mode, plaintext, conversationID string) (*protocol.EncryptedPayload, error) {
	aad := []byte(conversationID)

	switch mode {
	case protocol.ModeServerEncrypted:
		if g.keys == nil {
			return nil, protocol.Errorf(protocol.CodeInternal, "no server key source configured")
		}
		key, version, err := g.keys.ConversationKey(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		ct, err := crypto.SealGCM(key, []byte(plaintext), aad)
		if err != nil {
			return nil, protocol.Wrap(protocol.CodeInternal, err, "failed to encrypt")
		}
		return &protocol.EncryptedPayload{
			Ciphertext: ct,
			Metadata:   protocol.ServerMetadata{ConversationID: conversationID, KeyVersion: version},
		}, nil

	case protocol.ModeE2EE:
		var s *session.Session
		if g.sessions != nil {
			s, _ = g.sessions.ForConversation(conversationID)
		}
		if s == nil {
			return nil, protocol.Errorf(protocol.CodeSessionNotEstablished, "no session for conversation %s", conversationID)
		}
		ct, err := crypto.SealX(s.Key, []byte(plaintext), aad)
		if err != nil {
			return nil, protocol.Wrap(protocol.CodeInternal, err, "failed to encrypt")
		}
		return &protocol.EncryptedPayload{
			Ciphertext: ct,
			Metadata:   protocol.E2EEMetadata{ConversationID: conversationID, Handshake: s.OutboundHeader()},
		}, nil

	default:
		return nil, nil
	}
}

// Decrypt opens a payload from senderID. Every failure carries
// CodeDecryptionFailed, or CodeSessionNotEstablished when the payload
// refers to a session this device cannot reconstruct.
func (g *Gateway) Decrypt(ctx context.Context, p *protocol.EncryptedPayload, senderID string) (string, error) {
	if p == nil || p.Metadata == nil {
		return "", protocol.Errorf(protocol.CodeDecryptionFailed, "missing payload metadata")
	}

	switch md := p.Metadata.(type) {
	case protocol.ServerMetadata:
		if g.keys == nil {
			return "", protocol.Errorf(protocol.CodeDecryptionFailed, "no server key source configured")
		}
		key, version, err := g.keys.ConversationKey(ctx, md.ConversationID)
		if err != nil {
			return "", protocol.Wrap(protocol.CodeDecryptionFailed, err, "conversation key unavailable")
		}
		if md.KeyVersion != 0 && md.KeyVersion != version {
			return "", protocol.Errorf(protocol.CodeDecryptionFailed, "payload key version %d, have %d", md.KeyVersion, version)
		}
		pt, err := crypto.OpenGCM(key, p.Ciphertext, []byte(md.ConversationID))
		if err != nil {
			return "", protocol.Wrap(protocol.CodeDecryptionFailed, err, "")
		}
		return string(pt), nil

	case protocol.E2EEMetadata:
		if g.acceptor == nil {
			return "", protocol.Errorf(protocol.CodeDecryptionFailed, "no session acceptor configured")
		}
		var pt []byte
		_, err := g.acceptor.Accept(ctx, senderID, md.ConversationID, md.Handshake, func(s *session.Session) error {
			var err error
			pt, err = crypto.OpenX(s.Key, p.Ciphertext, []byte(md.ConversationID))
			return err
		})
		if err != nil {
			if code := protocol.CodeOf(err); code == protocol.CodeSessionNotEstablished || code == protocol.CodeDecryptionFailed {
				return "", err
			}
			return "", protocol.Wrap(protocol.CodeDecryptionFailed, err, "")
		}
		return string(pt), nil

	default:
		return "", protocol.Errorf(protocol.CodeDecryptionFailed, "unsupported metadata %T", md)
	}
}

// DecryptMessage decrypts m in place when it carries a payload. On failure the
// content is replaced with a placeholder and DecryptionFailed is set; the
// error is returned for logging only.
func (g *Gateway) DecryptMessage(ctx context.Context, m *protocol.ChatMessage) error {
	p, err := protocol.PayloadOf(m)
	if err == nil && p == nil {
		return nil
	}
	if err != nil {
		err = protocol.Wrap(protocol.CodeDecryptionFailed, err, "malformed payload")
	} else {
		var pt string
		if pt, err = g.Decrypt(ctx, p, m.Sender()); err == nil {
			m.Content = pt
			m.DecryptionFailed = false
			return nil
		}
	}

	m.Content = protocol.DecryptionFailedPlaceholder
	m.DecryptionFailed = true
	logging.WarnWithError("Failed to decrypt message", err, map[string]string{
		"message_id":      m.ID,
		"conversation_id": m.ConversationID,
		"code":            string(protocol.CodeOf(err)),
	})
	return err
}

// KeyringSource serves server-encrypted keys from a local keyring.
type KeyringSource struct {
	Keyring *crypto.Keyring
}

func (k KeyringSource) ConversationKey(_ context.Context, conversationID string) ([]byte, int, error) {
	if k.Keyring == nil {
		return nil, 0, fmt.Errorf("keyring not configured")
	}
	return k.Keyring.ConversationKey(conversationID), k.Keyring.Version(), nil
}

// StaticModes resolves modes from a fixed map.
type StaticModes map[string]protocol.Mode

func (m StaticModes) ConversationMode(_ context.Context, conversationID string) (protocol.Mode, error) {
	return m[conversationID], nil
}
