package keystore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/internal/crypto"
	"securechat/internal/protocol"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGeneratePublishesVerifiableBundle(t *testing.T) {
	s := openStore(t)

	b, err := s.Generate("alice", 1, GenerateOptions{OneTimeKeys: 4, WithKyber: true})
	require.NoError(t, err)
	require.NoError(t, b.Validate())

	identity, err := protocol.DecodeKey(b.IdentityKey)
	require.NoError(t, err)
	spk, _ := protocol.DecodeKey(b.SignedPreKey.Key)
	sig, _ := protocol.DecodeKey(b.SignedPreKey.Signature)
	assert.True(t, crypto.Verify(identity, spk, sig))

	require.NotNil(t, b.KyberPreKey)
	ek, _ := protocol.DecodeKey(b.KyberPreKey.Key)
	ksig, _ := protocol.DecodeKey(b.KyberPreKey.Signature)
	assert.True(t, crypto.Verify(identity, ek, ksig))

	require.NotNil(t, b.OneTimePreKey)
	n, err := s.RemainingOneTimeKeys("alice", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	secrets, err := s.Secrets("alice", 1)
	require.NoError(t, err)
	assert.Equal(t, identity, secrets.IdentityPublic())
	assert.Equal(t, b.SignedPreKey.ID, secrets.SignedPreKeyID)
	assert.NotEmpty(t, secrets.KyberSeed)
}

func TestGenerateRejectsDeviceZero(t *testing.T) {
	s := openStore(t)
	_, err := s.Generate("alice", 0, GenerateOptions{})
	assert.Equal(t, protocol.CodeBadRequest, protocol.CodeOf(err))
}

func TestMissingBundles(t *testing.T) {
	s := openStore(t)

	_, err := s.Get("nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.FetchBundle(context.Background(), "nobody", "c1")
	assert.Equal(t, protocol.CodeKeysNotFound, protocol.CodeOf(err))

	_, err = s.Secrets("nobody", 1)
	assert.ErrorIs(t, err, ErrSecretsNotFound)
}

func TestOneTimeKeyIsClaimedOnce(t *testing.T) {
	s := openStore(t)
	b, err := s.Generate("bob", 1, GenerateOptions{OneTimeKeys: 2})
	require.NoError(t, err)

	keyID := b.OneTimePreKey.ID
	require.NoError(t, s.ConsumeOneTimeKey(b.BundleID(), keyID))
	assert.ErrorIs(t, s.ConsumeOneTimeKey(b.BundleID(), keyID), ErrAlreadyConsumed)

	next, err := s.Get("bob")
	require.NoError(t, err)
	require.NotNil(t, next.OneTimePreKey)
	assert.NotEqual(t, keyID, next.OneTimePreKey.ID)

	require.NoError(t, s.ClaimOneTimeKey(context.Background(), next.BundleID(), next.OneTimePreKey.ID))
	exhausted, err := s.Get("bob")
	require.NoError(t, err)
	assert.Nil(t, exhausted.OneTimePreKey)

	err = s.ConsumeOneTimeKey("malformed", 1)
	assert.Equal(t, protocol.CodeBadRequest, protocol.CodeOf(err))
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	s := openStore(t)
	b, err := s.Generate("bob", 1, GenerateOptions{OneTimeKeys: 1})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ConsumeOneTimeKey(b.BundleID(), b.OneTimePreKey.ID)
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrAlreadyConsumed)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestOneTimeSecretIsSpentOnlyWhenDropped(t *testing.T) {
	s := openStore(t)
	b, err := s.Generate("bob", 1, GenerateOptions{OneTimeKeys: 1})
	require.NoError(t, err)

	priv, err := s.OneTimeSecret("bob", 1, b.OneTimePreKey.ID)
	require.NoError(t, err)
	assert.Len(t, priv, 32)

	again, err := s.OneTimeSecret("bob", 1, b.OneTimePreKey.ID)
	require.NoError(t, err)
	assert.Equal(t, priv, again)

	require.NoError(t, s.DropOneTimeSecret("bob", 1, b.OneTimePreKey.ID))
	assert.ErrorIs(t, s.DropOneTimeSecret("bob", 1, b.OneTimePreKey.ID), ErrPrivateKeyAbsent)
	_, err = s.OneTimeSecret("bob", 1, b.OneTimePreKey.ID)
	assert.ErrorIs(t, err, ErrPrivateKeyAbsent)
}

func TestIdentityChangeReplacesOneTimeKeys(t *testing.T) {
	s := openStore(t)
	_, err := s.Generate("carol", 1, GenerateOptions{OneTimeKeys: 5})
	require.NoError(t, err)

	_, err = s.Generate("carol", 1, GenerateOptions{OneTimeKeys: 2})
	require.NoError(t, err)

	n, err := s.RemainingOneTimeKeys("carol", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	publics, err := s.OneTimePublics("carol", 1)
	require.NoError(t, err)
	assert.Len(t, publics, 2)
}

func TestDevicesAndPrimaryBundle(t *testing.T) {
	s := openStore(t)
	_, err := s.Generate("dave", 3, GenerateOptions{OneTimeKeys: 1})
	require.NoError(t, err)
	_, err = s.Generate("dave", 2, GenerateOptions{OneTimeKeys: 1})
	require.NoError(t, err)
	_, err = s.Generate("dave:other", 1, GenerateOptions{OneTimeKeys: 1})
	require.NoError(t, err)

	devices, err := s.Devices("dave")
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 3}, devices)

	b, err := s.Get("dave")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), b.DeviceID)
}

func TestPublishValidates(t *testing.T) {
	s := openStore(t)
	err := s.Publish(protocol.PreKeyBundle{UserID: "eve", DeviceID: 1, IdentityKey: "short"}, nil)
	assert.Equal(t, protocol.CodeBadRequest, protocol.CodeOf(err))
}
