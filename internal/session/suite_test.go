package session_test

import (
	"context"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"securechat/internal/audit"
	"securechat/internal/crypto"
	"securechat/internal/keystore"
	"securechat/internal/protocol"
	"securechat/internal/session"
)

func TestSession(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Session Suite")
}

type members map[string]bool

func (m members) IsConversationMember(_ context.Context, userID, conversationID string) (bool, error) {
	return m[userID+"|"+conversationID], nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) LogSecurityEvent(_ context.Context, _, eventType string, _ audit.Severity, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	return nil
}

func (r *recorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// forged flips one bit of every signed pre-key signature it serves.
type forged struct {
	session.KeyDirectory
}

func (f forged) FetchBundle(ctx context.Context, userID, conversationID string) (*protocol.PreKeyBundle, error) {
	b, err := f.KeyDirectory.FetchBundle(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	sig, _ := protocol.DecodeKey(b.SignedPreKey.Signature)
	sig[0] ^= 1
	b.SignedPreKey.Signature = protocol.EncodeKey(sig)
	return b, nil
}

// gated holds bundle fetches until released and fails them if the caller's
// context is gone by then.
type gated struct {
	session.KeyDirectory
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gated) FetchBundle(ctx context.Context, userID, conversationID string) (*protocol.PreKeyBundle, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.KeyDirectory.FetchBundle(ctx, userID, conversationID)
}

// opens returns a verifier that succeeds when the session opens ct.
func opens(ct string) session.Verifier {
	return func(s *session.Session) error {
		_, err := crypto.OpenX(s.Key, ct, []byte(conv))
		return err
	}
}

type peer struct {
	id          string
	vault       *keystore.Store
	cache       *session.Cache
	establisher *session.Establisher
	responder   *session.Responder
}

func newPeer(id string, dir session.KeyDirectory, m members, rec audit.Logger, opts keystore.GenerateOptions) *peer {
	vault, err := keystore.Open("")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(vault.Close)

	_, err = vault.Generate(id, 1, opts)
	Expect(err).NotTo(HaveOccurred())
	secrets, err := vault.Secrets(id, 1)
	Expect(err).NotTo(HaveOccurred())

	if dir == nil {
		dir = vault
	}
	cache := session.NewCache()
	est, err := session.NewEstablisher(session.Config{
		UserID:  id,
		Device:  secrets,
		Keys:    dir,
		Members: m,
		Audit:   rec,
		Cache:   cache,
	})
	Expect(err).NotTo(HaveOccurred())

	return &peer{
		id:          id,
		vault:       vault,
		cache:       cache,
		establisher: est,
		responder:   session.NewResponder(id, 1, vault, cache, rec),
	}
}
