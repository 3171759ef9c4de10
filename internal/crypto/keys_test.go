package crypto

import (
	"bytes"
	"testing"
)

func TestDiffieHellmanKeyExchange(t *testing.T) {
	alice, err := GenerateX25519()
	if err != nil {
		t.Fatalf("Failed to generate Alice's key pair: %v", err)
	}
	bob, err := GenerateX25519()
	if err != nil {
		t.Fatalf("Failed to generate Bob's key pair: %v", err)
	}

	aliceShared, err := DH(alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("Alice failed to compute shared secret: %v", err)
	}
	bobShared, err := DH(bob.Private, alice.Public)
	if err != nil {
		t.Fatalf("Bob failed to compute shared secret: %v", err)
	}

	if !bytes.Equal(aliceShared, bobShared) {
		t.Fatal("Shared secrets don't match")
	}
}

func TestIdentityKeysAgreeAsX25519(t *testing.T) {
	pub, priv, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	peer, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519 failed: %v", err)
	}

	montgomery, err := IdentityPublicToX25519(pub)
	if err != nil {
		t.Fatalf("IdentityPublicToX25519 failed: %v", err)
	}

	ours, err := DH(IdentityPrivateToX25519(priv), peer.Public)
	if err != nil {
		t.Fatalf("DH with identity scalar failed: %v", err)
	}
	theirs, err := DH(peer.Private, montgomery)
	if err != nil {
		t.Fatalf("DH with converted identity failed: %v", err)
	}
	if !bytes.Equal(ours, theirs) {
		t.Fatal("Converted identity keys should agree")
	}

	if _, err := IdentityPublicToX25519([]byte("short")); err == nil {
		t.Error("Short identity keys should be rejected")
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	msg := []byte("signed pre-key")
	sig := Sign(priv, msg)

	if !Verify(pub, msg, sig) {
		t.Error("Valid signature should verify")
	}
	if Verify(pub, []byte("tampered"), sig) {
		t.Error("Signature over different data should not verify")
	}
	if Verify(pub[:16], msg, sig) {
		t.Error("Truncated public key should not verify")
	}
}

func TestDeriveKeyBindsInfo(t *testing.T) {
	ikm := []byte("input key material")
	a, err := DeriveKey(ikm, nil, "securechat/x3dh/v1|conv-a", 32)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	b, _ := DeriveKey(ikm, nil, "securechat/x3dh/v1|conv-b", 32)
	again, _ := DeriveKey(ikm, nil, "securechat/x3dh/v1|conv-a", 32)

	if len(a) != 32 {
		t.Fatalf("Expected 32 bytes, got %d", len(a))
	}
	if !bytes.Equal(a, again) {
		t.Error("Derivation should be deterministic")
	}
	if bytes.Equal(a, b) {
		t.Error("Different info should derive different keys")
	}
}

func TestKEMRoundTrip(t *testing.T) {
	seed, ek, err := GenerateKEM()
	if err != nil {
		t.Fatalf("GenerateKEM failed: %v", err)
	}
	shared, ct, err := Encapsulate(ek)
	if err != nil {
		t.Fatalf("Encapsulate failed: %v", err)
	}
	recovered, err := Decapsulate(seed, ct)
	if err != nil {
		t.Fatalf("Decapsulate failed: %v", err)
	}
	if !bytes.Equal(shared, recovered) {
		t.Fatal("Decapsulated secret should match")
	}

	if _, _, err := Encapsulate([]byte("bogus")); err == nil {
		t.Error("Invalid encapsulation keys should be rejected")
	}
}

func TestRandomRegistrationIDRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		id, err := RandomRegistrationID()
		if err != nil {
			t.Fatalf("RandomRegistrationID failed: %v", err)
		}
		if id >= 1<<14 {
			t.Fatalf("Registration id %d out of range", id)
		}
	}
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3}
	Zero(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("Expected zeroed slice, got %v", b)
	}
}
