package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/internal/crypto"
	"securechat/internal/keystore"
	"securechat/internal/protocol"
	"securechat/internal/session"
)

type allMembers struct{}

func (allMembers) IsConversationMember(context.Context, string, string) (bool, error) {
	return true, nil
}

type failingModes struct{}

func (failingModes) ConversationMode(context.Context, string) (protocol.Mode, error) {
	return "", errors.New("directory unavailable")
}

// e2eePair returns gateways for alice and bob sharing an e2ee conversation,
// with alice's outbound session already established.
func e2eePair(t *testing.T, conversationID string) (alice, bob *Gateway) {
	t.Helper()
	ctx := context.Background()

	open := func(user string) (*keystore.Store, *keystore.DeviceSecrets) {
		vault, err := keystore.Open("")
		require.NoError(t, err)
		t.Cleanup(func() { vault.Close() })
		_, err = vault.Generate(user, 1, keystore.GenerateOptions{OneTimeKeys: 2})
		require.NoError(t, err)
		secrets, err := vault.Secrets(user, 1)
		require.NoError(t, err)
		return vault, secrets
	}
	aliceVault, aliceSecrets := open("alice")
	bobVault, _ := open("bob")

	modes := StaticModes{conversationID: protocol.ModeE2EE}

	aliceCache := session.NewCache()
	est, err := session.NewEstablisher(session.Config{
		UserID: "alice", Device: aliceSecrets, Keys: bobVault, Members: allMembers{}, Cache: aliceCache,
	})
	require.NoError(t, err)
	_, err = est.Establish(ctx, "bob", conversationID)
	require.NoError(t, err)
	alice = New(modes, nil, aliceCache, session.NewResponder("alice", 1, aliceVault, aliceCache, nil))

	bobCache := session.NewCache()
	bob = New(modes, nil, bobCache, session.NewResponder("bob", 1, bobVault, bobCache, nil))
	return alice, bob
}

func TestEncryptModeGating(t *testing.T) {
	ctx := context.Background()
	g := New(StaticModes{
		"plain":  protocol.ModeNone,
		"server": protocol.ModeServerEncrypted,
		"weird":  protocol.Mode("rot13"),
	}, KeyringSource{crypto.NewKeyring("secret", 1)}, session.NewCache(), nil)

	for _, conv := range []string{"plain", "unknown", "weird"} {
		p, err := g.Encrypt(ctx, "hello", conv)
		require.NoError(t, err, conv)
		assert.Nil(t, p, conv)
	}

	p, err := g.Encrypt(ctx, "hello", "server")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, protocol.ModeServerEncrypted, p.Metadata.Mode())

	_, err = New(nil, nil, nil, nil).Encrypt(ctx, "hello", "any")
	assert.NoError(t, err)
}

func TestEncryptPropagatesModeLookupFailure(t *testing.T) {
	g := New(failingModes{}, nil, nil, nil)
	p, err := g.Encrypt(context.Background(), "hello", "conv")
	assert.Error(t, err)
	assert.Nil(t, p)
}

func TestEncryptE2EERequiresSession(t *testing.T) {
	g := New(StaticModes{"conv": protocol.ModeE2EE}, nil, session.NewCache(), nil)
	p, err := g.Encrypt(context.Background(), "hello", "conv")
	assert.Nil(t, p)
	assert.Equal(t, protocol.CodeSessionNotEstablished, protocol.CodeOf(err))
}

func TestServerEncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	keys := KeyringSource{crypto.NewKeyring("server-secret", 3)}
	g := New(StaticModes{"conv": protocol.ModeServerEncrypted}, keys, nil, nil)

	for _, msg := range []string{"", "hello", "ünïcødé ✓", strings.Repeat("x", 64<<10)} {
		p, err := g.Encrypt(ctx, msg, "conv")
		require.NoError(t, err)
		assert.NotContains(t, p.Ciphertext, "hello")

		md := p.Metadata.(protocol.ServerMetadata)
		assert.Equal(t, 3, md.KeyVersion)

		got, err := g.Decrypt(ctx, p, "alice")
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}
}

func TestServerEncryptedRejectsOtherConversation(t *testing.T) {
	ctx := context.Background()
	keys := KeyringSource{crypto.NewKeyring("server-secret", 1)}
	g := New(StaticModes{"a": protocol.ModeServerEncrypted, "b": protocol.ModeServerEncrypted}, keys, nil, nil)

	p, err := g.Encrypt(ctx, "hello", "a")
	require.NoError(t, err)
	p.Metadata = protocol.ServerMetadata{ConversationID: "b", KeyVersion: 1}

	_, err = g.Decrypt(ctx, p, "alice")
	assert.Equal(t, protocol.CodeDecryptionFailed, protocol.CodeOf(err))
}

func TestE2EERoundTrip(t *testing.T) {
	ctx := context.Background()
	alice, bob := e2eePair(t, "conv")

	for _, msg := range []string{"first", "second", ""} {
		p, err := alice.Encrypt(ctx, msg, "conv")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, protocol.ModeE2EE, p.Metadata.Mode())

		got, err := bob.Decrypt(ctx, p, "alice")
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}

	// Bob replies on the session he derived.
	reply, err := bob.Encrypt(ctx, "pong", "conv")
	require.NoError(t, err)
	got, err := alice.Decrypt(ctx, reply, "bob")
	require.NoError(t, err)
	assert.Equal(t, "pong", got)
}

func TestE2EEAttachReplacesContent(t *testing.T) {
	ctx := context.Background()
	alice, bob := e2eePair(t, "conv")

	msg := &protocol.ChatMessage{ID: "m1", ConversationID: "conv", SenderID: "alice", Content: "secret plan"}
	p, err := alice.Encrypt(ctx, msg.Content, "conv")
	require.NoError(t, err)
	p.Attach(msg)

	assert.Equal(t, protocol.EncryptedPlaceholder, msg.Content)
	require.NotNil(t, msg.EncryptionMetadata)
	assert.Equal(t, protocol.AlgorithmE2EEXChaCha, msg.EncryptionMetadata.Algorithm)

	require.NoError(t, bob.DecryptMessage(ctx, msg))
	assert.Equal(t, "secret plan", msg.Content)
	assert.False(t, msg.DecryptionFailed)
}

func TestForgedCiphertextFailsWithPlaceholder(t *testing.T) {
	ctx := context.Background()
	alice, bob := e2eePair(t, "conv")

	msg := &protocol.ChatMessage{ID: "m1", ConversationID: "conv", SenderID: "alice", Content: "hi"}
	p, err := alice.Encrypt(ctx, msg.Content, "conv")
	require.NoError(t, err)
	p.Attach(msg)

	raw, err := protocol.DecodeKey(msg.EncryptedContent)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	msg.EncryptedContent = protocol.EncodeKey(raw)

	err = bob.DecryptMessage(ctx, msg)
	assert.Equal(t, protocol.CodeDecryptionFailed, protocol.CodeOf(err))
	assert.True(t, errors.Is(err, protocol.ErrDecryptionFailed))
	assert.True(t, msg.DecryptionFailed)
	assert.Equal(t, protocol.DecryptionFailedPlaceholder, msg.Content)
}

func TestForgedHandshakeLeavesSessionIntact(t *testing.T) {
	ctx := context.Background()
	alice, bob := e2eePair(t, "conv")

	p, err := alice.Encrypt(ctx, "hi bob", "conv")
	require.NoError(t, err)
	md := p.Metadata.(protocol.E2EEMetadata)
	require.NotZero(t, md.Handshake.OneTimePreKeyID)

	spoof, err := crypto.GenerateX25519()
	require.NoError(t, err)
	md.Handshake.EphemeralKey = protocol.EncodeKey(spoof.Public)
	forged := &protocol.EncryptedPayload{Ciphertext: p.Ciphertext, Metadata: md}

	_, err = bob.Decrypt(ctx, forged, "alice")
	assert.Equal(t, protocol.CodeDecryptionFailed, protocol.CodeOf(err))

	got, err := bob.Decrypt(ctx, p, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hi bob", got)
}

func TestDecryptMalformedMetadata(t *testing.T) {
	g := New(nil, nil, nil, nil)

	msg := &protocol.ChatMessage{
		ID:               "m1",
		EncryptedContent: "AAAA",
		EncryptionMetadata: &protocol.EncryptionMetadata{
			Mode:      protocol.ModeE2EE,
			Algorithm: protocol.AlgorithmE2EEXChaCha,
			Version:   99,
		},
	}
	err := g.DecryptMessage(context.Background(), msg)
	assert.Equal(t, protocol.CodeDecryptionFailed, protocol.CodeOf(err))
	assert.True(t, msg.DecryptionFailed)

	_, err = g.Decrypt(context.Background(), nil, "alice")
	assert.Equal(t, protocol.CodeDecryptionFailed, protocol.CodeOf(err))
}

func TestDecryptMessageLeavesPlaintextAlone(t *testing.T) {
	msg := &protocol.ChatMessage{ID: "m1", Content: "plain"}
	require.NoError(t, New(nil, nil, nil, nil).DecryptMessage(context.Background(), msg))
	assert.Equal(t, "plain", msg.Content)
	assert.False(t, msg.DecryptionFailed)
}
