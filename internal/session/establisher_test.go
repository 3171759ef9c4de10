package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"securechat/internal/audit"
	"securechat/internal/crypto"
	"securechat/internal/keystore"
	"securechat/internal/protocol"
	"securechat/internal/session"
)

const conv = "conv-1"

var _ = Describe("Establisher", func() {
	var (
		ctx   context.Context
		m     members
		rec   *recorder
		bob   *peer
		alice *peer
	)

	BeforeEach(func() {
		ctx = context.Background()
		m = members{"alice|" + conv: true, "bob|" + conv: true}
		rec = &recorder{}
		bob = newPeer("bob", nil, m, rec, keystore.GenerateOptions{OneTimeKeys: 3})
		alice = newPeer("alice", bob.vault, m, rec, keystore.GenerateOptions{})
	})

	It("derives the same key on both sides using a one-time key", func() {
		s, err := alice.establisher.Establish(ctx, "bob", conv)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.UsedOneTimeKey).To(BeTrue())
		Expect(s.Handshake.OneTimePreKeyID).NotTo(BeZero())
		Expect(alice.establisher.State("bob", conv)).To(Equal(session.Established))

		in, err := bob.responder.Accept(ctx, "alice", conv, s.OutboundHeader(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(in.Key).To(Equal(s.Key))
		Expect(in.Initiator).To(BeFalse())

		left, err := bob.vault.RemainingOneTimeKeys("bob", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(left).To(Equal(2))
		Expect(rec.Count(audit.EventSessionEstablished)).To(Equal(2))
	})

	It("falls back to the signed pre-key when no one-time key remains", func() {
		keys, err := bob.vault.OneTimePublics("bob", 1)
		Expect(err).NotTo(HaveOccurred())
		for _, k := range keys {
			Expect(bob.vault.ConsumeOneTimeKey("bob:1", k.ID)).To(Succeed())
		}

		s, err := alice.establisher.Establish(ctx, "bob", conv)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.UsedOneTimeKey).To(BeFalse())
		Expect(s.Handshake.OneTimePreKeyID).To(BeZero())

		in, err := bob.responder.Accept(ctx, "alice", conv, s.OutboundHeader(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(in.Key).To(Equal(s.Key))
	})

	It("mixes a Kyber pre-key in when the bundle carries one", func() {
		pq := newPeer("bob", nil, m, rec, keystore.GenerateOptions{WithKyber: true})
		a := newPeer("alice", pq.vault, m, rec, keystore.GenerateOptions{})

		s, err := a.establisher.Establish(ctx, "bob", conv)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Handshake.KyberCiphertext).NotTo(BeEmpty())

		in, err := pq.responder.Accept(ctx, "alice", conv, s.OutboundHeader(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(in.Key).To(Equal(s.Key))
	})

	It("lets the responder reply on the same session", func() {
		s, err := alice.establisher.Establish(ctx, "bob", conv)
		Expect(err).NotTo(HaveOccurred())
		_, err = bob.responder.Accept(ctx, "alice", conv, s.OutboundHeader(), nil)
		Expect(err).NotTo(HaveOccurred())

		reply, ok := bob.cache.ForConversation(conv)
		Expect(ok).To(BeTrue())
		h := reply.OutboundHeader()
		Expect(h.Responding).To(BeTrue())

		back, err := alice.responder.Accept(ctx, "bob", conv, h, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(back).To(BeIdenticalTo(s))
	})

	It("returns the cached session on repeated calls", func() {
		first, err := alice.establisher.Establish(ctx, "bob", conv)
		Expect(err).NotTo(HaveOccurred())
		second, err := alice.establisher.Establish(ctx, "bob", conv)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(BeIdenticalTo(first))

		left, _ := bob.vault.RemainingOneTimeKeys("bob", 1)
		Expect(left).To(Equal(2))
	})

	It("re-establishes when the recipient rotates its identity", func() {
		first, err := alice.establisher.Establish(ctx, "bob", conv)
		Expect(err).NotTo(HaveOccurred())

		_, err = bob.vault.Generate("bob", 1, keystore.GenerateOptions{OneTimeKeys: 2})
		Expect(err).NotTo(HaveOccurred())

		second, err := alice.establisher.Establish(ctx, "bob", conv)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).NotTo(BeIdenticalTo(first))
		Expect(second.RemoteIdentityKey).NotTo(Equal(first.RemoteIdentityKey))
		Expect(second.Key).NotTo(Equal(first.Key))
		Expect(rec.Count(audit.EventSessionReestablished)).To(Equal(1))

		in, err := bob.responder.Accept(ctx, "alice", conv, second.OutboundHeader(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(in.Key).To(Equal(second.Key))
	})

	It("rejects a bundle with a forged signature and caches nothing", func() {
		a := newPeer("alice", forged{bob.vault}, m, rec, keystore.GenerateOptions{})

		_, err := a.establisher.Establish(ctx, "bob", conv)
		Expect(protocol.CodeOf(err)).To(Equal(protocol.CodeInvalidSignature))
		Expect(errors.Is(err, protocol.ErrInvalidSignature)).To(BeTrue())
		Expect(a.establisher.State("bob", conv)).To(Equal(session.NoSession))
		Expect(rec.Count(audit.EventInvalidSignature)).To(Equal(1))

		left, _ := bob.vault.RemainingOneTimeKeys("bob", 1)
		Expect(left).To(Equal(3))
	})

	It("refuses recipients outside the conversation", func() {
		delete(m, "bob|"+conv)
		_, err := alice.establisher.Establish(ctx, "bob", conv)
		Expect(protocol.CodeOf(err)).To(Equal(protocol.CodeForbidden))
		Expect(rec.Count(audit.EventUnauthorizedAccess)).To(Equal(1))
	})

	It("reports recipients without keys", func() {
		m["carol|"+conv] = true
		_, err := alice.establisher.Establish(ctx, "carol", conv)
		Expect(protocol.CodeOf(err)).To(Equal(protocol.CodeKeysNotFound))
	})

	It("rejects empty identifiers", func() {
		_, err := alice.establisher.Establish(ctx, "", conv)
		Expect(protocol.CodeOf(err)).To(Equal(protocol.CodeBadRequest))
		_, err = alice.establisher.Establish(ctx, "bob", "")
		Expect(protocol.CodeOf(err)).To(Equal(protocol.CodeBadRequest))
	})

	It("finishes a shared derivation when the first caller gives up", func() {
		dir := &gated{KeyDirectory: bob.vault, entered: make(chan struct{}), release: make(chan struct{})}
		a := newPeer("alice", dir, m, rec, keystore.GenerateOptions{})

		first, cancel := context.WithCancel(ctx)
		firstDone := make(chan error, 1)
		go func() {
			_, err := a.establisher.Establish(first, "bob", conv)
			firstDone <- err
		}()
		Eventually(dir.entered).Should(BeClosed())

		second := make(chan error, 1)
		go func() {
			_, err := a.establisher.Establish(ctx, "bob", conv)
			second <- err
		}()
		time.Sleep(20 * time.Millisecond)
		cancel()
		close(dir.release)

		Eventually(second).Should(Receive(BeNil()))
		Eventually(firstDone).Should(Receive())
		Expect(a.establisher.State("bob", conv)).To(Equal(session.Established))
	})

	It("converges concurrent calls from one process on a single session", func() {
		const n = 16
		results := make([]*session.Session, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()
				s, err := alice.establisher.Establish(ctx, "bob", conv)
				Expect(err).NotTo(HaveOccurred())
				results[i] = s
			}(i)
		}
		wg.Wait()

		for _, s := range results {
			Expect(s).To(BeIdenticalTo(results[0]))
		}
		Expect(rec.Count(audit.EventSessionEstablished)).To(Equal(1))
	})
})

var _ = Describe("One-time key exclusivity", func() {
	It("gives the single one-time key to exactly one of many racing senders", func() {
		ctx := context.Background()
		const n = 8

		m := members{"bob|" + conv: true}
		for i := 0; i < n; i++ {
			m[fmt.Sprintf("sender-%d|%s", i, conv)] = true
		}
		rec := &recorder{}
		bob := newPeer("bob", nil, m, rec, keystore.GenerateOptions{OneTimeKeys: 1})

		senders := make([]*peer, n)
		for i := range senders {
			senders[i] = newPeer(fmt.Sprintf("sender-%d", i), bob.vault, m, rec, keystore.GenerateOptions{})
		}

		results := make([]*session.Session, n)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := range senders {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()
				<-start
				s, err := senders[i].establisher.Establish(ctx, "bob", conv)
				Expect(err).NotTo(HaveOccurred())
				results[i] = s
			}(i)
		}
		close(start)
		wg.Wait()

		used := 0
		for i, s := range results {
			if s.UsedOneTimeKey {
				used++
			}
			in, err := bob.responder.Accept(ctx, senders[i].id, conv, s.OutboundHeader(), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(in.Key).To(Equal(s.Key))
		}
		Expect(used).To(Equal(1))

		left, err := bob.vault.RemainingOneTimeKeys("bob", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(left).To(BeZero())
	})
})

var _ = Describe("Responder", func() {
	It("does not accept a one-time key twice", func() {
		ctx := context.Background()
		m := members{"alice|" + conv: true, "bob|" + conv: true}
		bob := newPeer("bob", nil, m, nil, keystore.GenerateOptions{OneTimeKeys: 1})
		alice := newPeer("alice", bob.vault, m, nil, keystore.GenerateOptions{})

		s, err := alice.establisher.Establish(ctx, "bob", conv)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.UsedOneTimeKey).To(BeTrue())

		h := s.OutboundHeader()
		_, err = bob.responder.Accept(ctx, "alice", conv, h, nil)
		Expect(err).NotTo(HaveOccurred())

		fresh := session.NewResponder("bob", 1, bob.vault, nil, nil)
		_, err = fresh.Accept(ctx, "alice", conv, h, nil)
		Expect(protocol.CodeOf(err)).To(Equal(protocol.CodeSessionNotEstablished))
	})

	It("keeps the one-time key when a header fails to authenticate", func() {
		ctx := context.Background()
		m := members{"alice|" + conv: true, "bob|" + conv: true}
		bob := newPeer("bob", nil, m, nil, keystore.GenerateOptions{OneTimeKeys: 1})
		alice := newPeer("alice", bob.vault, m, nil, keystore.GenerateOptions{})

		s, err := alice.establisher.Establish(ctx, "bob", conv)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.UsedOneTimeKey).To(BeTrue())
		ct, err := crypto.SealX(s.Key, []byte("hello bob"), []byte(conv))
		Expect(err).NotTo(HaveOccurred())

		spoof, err := crypto.GenerateX25519()
		Expect(err).NotTo(HaveOccurred())
		bad := s.OutboundHeader()
		bad.EphemeralKey = protocol.EncodeKey(spoof.Public)

		_, err = bob.responder.Accept(ctx, "alice", conv, bad, opens(ct))
		Expect(protocol.CodeOf(err)).To(Equal(protocol.CodeDecryptionFailed))
		_, cached := bob.cache.ByEphemeral(bad.EphemeralKey)
		Expect(cached).To(BeFalse())
		_, err = bob.vault.OneTimeSecret("bob", 1, bad.OneTimePreKeyID)
		Expect(err).NotTo(HaveOccurred())

		in, err := bob.responder.Accept(ctx, "alice", conv, s.OutboundHeader(), opens(ct))
		Expect(err).NotTo(HaveOccurred())
		Expect(in.Key).To(Equal(s.Key))
		_, err = bob.vault.OneTimeSecret("bob", 1, bad.OneTimePreKeyID)
		Expect(err).To(MatchError(keystore.ErrPrivateKeyAbsent))
	})

	It("rejects replies to unknown sessions", func() {
		r := session.NewResponder("bob", 1, nil, nil, nil)
		_, err := r.Accept(context.Background(), "alice", conv, protocol.HandshakeHeader{EphemeralKey: "AAAA", Responding: true}, nil)
		Expect(protocol.CodeOf(err)).To(Equal(protocol.CodeSessionNotEstablished))
	})
})
