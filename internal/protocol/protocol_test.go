package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func roundTrip(t *testing.T, f *Frame) *Frame {
	t.Helper()
	data, err := f.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal frame: %v", err)
	}
	received, err := UnmarshalFrame(data)
	if err != nil {
		t.Fatalf("Failed to unmarshal frame: %v", err)
	}
	return received
}

func TestParseDataWithMapstructure(t *testing.T) {
	original := ChatMessage{
		ID:               "m1",
		ConversationID:   "c1",
		SenderID:         "alice",
		Content:          EncryptedPlaceholder,
		Mentions:         []string{"bob"},
		CreatedAt:        1700000000123,
		EncryptedContent: "c2VhbGVk",
		EncryptionMetadata: E2EEMetadata{
			ConversationID: "c1",
			Handshake:      HandshakeHeader{IdentityKey: "aWQ=", SenderDeviceID: 1, RecipientDeviceID: 2, OneTimePreKeyID: 7},
		}.wire(),
		Status: []DeliveryStatus{{UserID: "bob", IsReceived: true, ReceivedAt: 1700000000999}},
	}

	received := roundTrip(t, NewFrame(EventSend, "req-1", original))
	if received.Type != EventSend || received.ID != "req-1" {
		t.Fatalf("Envelope mismatch: %+v", received)
	}

	var parsed ChatMessage
	if err := received.ParseData(&parsed); err != nil {
		t.Fatalf("Failed to parse data: %v", err)
	}

	if parsed.ID != "m1" || parsed.ConversationID != "c1" || parsed.SenderID != "alice" {
		t.Fatalf("Identity fields mismatch: %+v", parsed)
	}
	if parsed.CreatedAt != original.CreatedAt {
		t.Errorf("CreatedAt mismatch: expected %d, got %d", original.CreatedAt, parsed.CreatedAt)
	}
	if len(parsed.Mentions) != 1 || parsed.Mentions[0] != "bob" {
		t.Errorf("Mentions mismatch: %v", parsed.Mentions)
	}
	if len(parsed.Status) != 1 || !parsed.Status[0].IsReceived || parsed.Status[0].ReceivedAt != 1700000000999 {
		t.Errorf("Status mismatch: %+v", parsed.Status)
	}

	payload, err := PayloadOf(&parsed)
	if err != nil {
		t.Fatalf("PayloadOf failed: %v", err)
	}
	md, ok := payload.Metadata.(E2EEMetadata)
	if !ok {
		t.Fatalf("Expected E2EEMetadata, got %T", payload.Metadata)
	}
	if md.Handshake.OneTimePreKeyID != 7 || md.Handshake.RecipientDeviceID != 2 {
		t.Errorf("Handshake mismatch: %+v", md.Handshake)
	}
}

func TestParseDataNilData(t *testing.T) {
	f := NewFrame(EventAck, "x", nil)
	var ack Ack
	if err := f.ParseData(&ack); err != nil {
		t.Fatalf("Nil data should parse: %v", err)
	}
	if ack.Success {
		t.Error("Ack should stay zero")
	}
}

func TestPayloadAttach(t *testing.T) {
	m := &ChatMessage{ConversationID: "c1", Content: "secret"}
	(&EncryptedPayload{Ciphertext: "Y3Q=", Metadata: ServerMetadata{ConversationID: "c1", KeyVersion: 2}}).Attach(m)
	if m.Content != "secret" {
		t.Error("Server-encrypted payloads keep the content")
	}
	if m.EncryptionMetadata.Algorithm != AlgorithmServerAESGCM || m.EncryptionMetadata.KeyVersion != 2 {
		t.Errorf("Unexpected metadata: %+v", m.EncryptionMetadata)
	}

	m = &ChatMessage{ConversationID: "c1", Content: "secret"}
	(&EncryptedPayload{Ciphertext: "Y3Q=", Metadata: E2EEMetadata{ConversationID: "c1"}}).Attach(m)
	if m.Content != EncryptedPlaceholder {
		t.Errorf("E2EE payloads replace the content, got %q", m.Content)
	}
	if !m.IsEncrypted() {
		t.Error("Message should report encrypted")
	}

	if p, err := PayloadOf(&ChatMessage{Content: "plain"}); p != nil || err != nil {
		t.Errorf("Plain messages have no payload, got %v %v", p, err)
	}
}

func TestMetadataDecodeRejectsUnknown(t *testing.T) {
	cases := []*EncryptionMetadata{
		nil,
		{Mode: "rot13"},
		{Mode: ModeServerEncrypted, Algorithm: "des", Version: 1},
		{Mode: ModeE2EE, Algorithm: AlgorithmE2EEXChaCha, Version: 2},
		{Mode: ModeE2EE, Algorithm: AlgorithmE2EEXChaCha, Version: 1},
	}
	for i, md := range cases {
		if _, err := md.Decode(); err == nil {
			t.Errorf("case %d: expected an error", i)
		}
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"e2ee":             ModeE2EE,
		"server-encrypted": ModeServerEncrypted,
		"none":             ModeNone,
		"":                 ModeNone,
		"quantum":          ModeNone,
	} {
		if got := ParseMode(in); got != want {
			t.Errorf("ParseMode(%q) = %q, want %q", in, got, want)
		}
	}
	if ModeNone.Encryptable() || !ModeE2EE.Encryptable() {
		t.Error("Encryptable mismatch")
	}
}

func TestBundleValidate(t *testing.T) {
	valid := func() PreKeyBundle {
		return PreKeyBundle{
			UserID:         "alice",
			DeviceID:       1,
			RegistrationID: 42,
			IdentityKey:    EncodeKey(make([]byte, 32)),
			SignedPreKey:   SignedPreKey{ID: 1, Key: EncodeKey(make([]byte, 32)), Signature: EncodeKey(make([]byte, 64))},
		}
	}

	b := valid()
	if err := b.Validate(); err != nil {
		t.Fatalf("Valid bundle rejected: %v", err)
	}

	mutations := map[string]func(*PreKeyBundle){
		"no user":         func(b *PreKeyBundle) { b.UserID = "" },
		"device zero":     func(b *PreKeyBundle) { b.DeviceID = 0 },
		"registration id": func(b *PreKeyBundle) { b.RegistrationID = 1 << 14 },
		"short identity":  func(b *PreKeyBundle) { b.IdentityKey = EncodeKey([]byte("short")) },
		"bad signed key":  func(b *PreKeyBundle) { b.SignedPreKey.Key = "!!" },
		"bad signature":   func(b *PreKeyBundle) { b.SignedPreKey.Signature = "!!" },
	}
	for name, mutate := range mutations {
		b := valid()
		mutate(&b)
		if err := b.Validate(); CodeOf(err) != CodeBadRequest {
			t.Errorf("%s: expected BAD_REQUEST, got %v", name, err)
		}
	}
}

func TestBundleID(t *testing.T) {
	id := BundleID("user:with:colons", 3)
	user, dev, err := SplitBundleID(id)
	if err != nil {
		t.Fatalf("SplitBundleID failed: %v", err)
	}
	if user != "user:with:colons" || dev != 3 {
		t.Errorf("Got %s/%d", user, dev)
	}

	for _, bad := range []string{"", "nodevice", ":1", "alice:x"} {
		if _, _, err := SplitBundleID(bad); err == nil {
			t.Errorf("SplitBundleID(%q) should fail", bad)
		}
	}
}

func TestErrorCodes(t *testing.T) {
	err := fmt.Errorf("outer: %w", Errorf(CodeForbidden, "not a member"))
	if CodeOf(err) != CodeForbidden {
		t.Errorf("CodeOf should unwrap, got %s", CodeOf(err))
	}
	if !errors.Is(err, ErrForbidden) {
		t.Error("errors.Is should match the sentinel")
	}
	if errors.Is(err, ErrKeysNotFound) {
		t.Error("errors.Is should not match a different code")
	}
	if CodeOf(errors.New("plain")) != CodeInternal {
		t.Error("Uncoded errors are internal")
	}

	cause := errors.New("disk full")
	wrapped := Wrap(CodeSendFailed, cause, "store")
	if !errors.Is(wrapped, cause) {
		t.Error("Wrap should keep the cause")
	}
	if wrapped.Error() != "SEND_FAILED: store: disk full" {
		t.Errorf("Unexpected message %q", wrapped.Error())
	}

	for code, status := range map[ErrorCode]int{
		CodeAuthRequired:     http.StatusUnauthorized,
		CodeForbidden:        http.StatusForbidden,
		CodeNotFound:         http.StatusNotFound,
		CodeInvalidSignature: http.StatusBadRequest,
		CodeRateLimited:      http.StatusTooManyRequests,
		CodeInternal:         http.StatusInternalServerError,
	} {
		if got := (&Error{Code: code}).HTTPStatus(); got != status {
			t.Errorf("%s: expected %d, got %d", code, status, got)
		}
	}
	if CodeFromStatus(http.StatusNotFound) != CodeKeysNotFound {
		t.Error("404 maps back to KEYS_NOT_FOUND")
	}
}

func TestCloneSharesNothing(t *testing.T) {
	m := &ChatMessage{
		Mentions:           []string{"a"},
		Status:             []DeliveryStatus{{UserID: "b"}},
		EncryptionMetadata: &EncryptionMetadata{Handshake: &HandshakeHeader{SignedPreKeyID: 1}},
	}
	c := m.Clone()
	c.Mentions[0] = "x"
	c.Status[0].IsRead = true
	c.EncryptionMetadata.Handshake.SignedPreKeyID = 9

	if m.Mentions[0] != "a" || m.Status[0].IsRead || m.EncryptionMetadata.Handshake.SignedPreKeyID != 1 {
		t.Error("Clone should not alias the original")
	}
}
