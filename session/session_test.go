// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietwire/quietwire/config"
	"github.com/quietwire/quietwire/core/log"
	"github.com/quietwire/quietwire/keystore"
	"github.com/quietwire/quietwire/ratchet"
)

type endpoint struct {
	store   *keystore.Store
	manager *Manager
	id      *keystore.IdentityKeyPair
}

func newEndpoint(t *testing.T, name string, caps keystore.Capability) *endpoint {
	t.Helper()
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	store, err := keystore.Open(filepath.Join(t.TempDir(), name+".db"), logBackend)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	id, err := store.GenerateIdentity(keystore.DeviceID(name), caps, false)
	require.NoError(t, err)
	_, err = store.GenerateSignedPreKey(id)
	require.NoError(t, err)
	_, err = store.GenerateOneTimePreKeys(10)
	require.NoError(t, err)

	cfg, err := config.Default(t.TempDir())
	require.NoError(t, err)
	m, err := NewManager(store, cfg, logBackend)
	require.NoError(t, err)
	return &endpoint{store: store, manager: m, id: id}
}

func establishPair(t *testing.T, caps keystore.Capability) (alice, bob *endpoint, as, bs *Session) {
	t.Helper()
	alice = newEndpoint(t, "alice", caps)
	bob = newEndpoint(t, "bob", caps)

	bundle, err := bob.store.PublishBundle()
	require.NoError(t, err)

	as, hs, err := alice.manager.Establish(context.Background(), bundle, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, hs)
	require.Equal(t, StateEstablished, as.State())

	bs, err = bob.manager.Accept(hs)
	require.NoError(t, err)
	require.Equal(t, StateEstablished, bs.State())
	return alice, bob, as, bs
}

func TestEstablishAndExchange(t *testing.T) {
	_, _, as, bs := establishPair(t, keystore.CapClassical|keystore.CapHybrid)

	ct, err := as.Send([]byte("hello bob"))
	require.NoError(t, err)
	pt, counter, err := bs.Receive(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("hello bob"), pt)
	require.Equal(t, uint32(0), counter)
	require.Equal(t, StateActive, as.State())
	require.Equal(t, StateActive, bs.State())

	ct, err = bs.Send([]byte("hello alice"))
	require.NoError(t, err)
	pt, _, err = as.Receive(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("hello alice"), pt)

	sent, received := as.Counters()
	require.Equal(t, uint64(1), sent)
	require.Equal(t, uint64(1), received)
}

func TestEstablishIdempotent(t *testing.T) {
	alice, bob, as, _ := establishPair(t, keystore.CapClassical|keystore.CapHybrid)

	bundle, err := bob.store.PublishBundle()
	require.NoError(t, err)

	again, hs, err := alice.manager.Establish(context.Background(), bundle, "conv-1")
	require.NoError(t, err)
	require.Nil(t, hs)
	require.Same(t, as, again)
}

func TestConcurrentEstablish(t *testing.T) {
	alice := newEndpoint(t, "alice", keystore.CapClassical)
	bob := newEndpoint(t, "bob", keystore.CapClassical)

	bundle, err := bob.store.PublishBundle()
	require.NoError(t, err)

	var wg sync.WaitGroup
	sessions := make([]*Session, 8)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := alice.manager.Establish(context.Background(), bundle, "conv-1")
			require.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range sessions[1:] {
		require.Equal(t, sessions[0].Ref(), s.Ref())
	}
	require.Len(t, alice.manager.Sessions(), 1)
}

func TestRevokedSessionRefusesTraffic(t *testing.T) {
	_, _, as, bs := establishPair(t, keystore.CapClassical)

	ct, err := as.Send([]byte("before revocation"))
	require.NoError(t, err)
	_, _, err = bs.Receive(ct)
	require.NoError(t, err)

	require.NoError(t, bs.Revoke())
	require.Equal(t, StateRevoked, bs.State())

	ct, err = as.Send([]byte("into the void"))
	require.NoError(t, err)
	_, _, err = bs.Receive(ct)
	require.ErrorIs(t, err, ErrSessionRevoked)
	_, err = bs.Send([]byte("still revoked"))
	require.ErrorIs(t, err, ErrSessionRevoked)
}

func TestRevokeDevice(t *testing.T) {
	_, bob, _, _ := establishPair(t, keystore.CapClassical)

	n, err := bob.manager.RevokeDevice("alice")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	s, err := bob.manager.Session(Ref("bob", "alice", "conv-1"))
	require.NoError(t, err)
	require.Equal(t, StateRevoked, s.State())

	// Revoking again is a no-op.
	n, err = bob.manager.RevokeDevice("alice")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestSkipWindowFlagsRenegotiation(t *testing.T) {
	alice, bob := newEndpoint(t, "alice", keystore.CapClassical), newEndpoint(t, "bob", keystore.CapClassical)
	alice.manager.cfg.Sessions.SkipWindow = 5
	bob.manager.cfg.Sessions.SkipWindow = 5

	bundle, err := bob.store.PublishBundle()
	require.NoError(t, err)
	as, hs, err := alice.manager.Establish(context.Background(), bundle, "conv-1")
	require.NoError(t, err)
	bs, err := bob.manager.Accept(hs)
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		_, err := as.Send([]byte("dropped"))
		require.NoError(t, err)
	}
	ct, err := as.Send([]byte("too far ahead"))
	require.NoError(t, err)

	_, _, err = bs.Receive(ct)
	require.ErrorIs(t, err, ratchet.ErrSkipWindowExceeded)
	require.True(t, bs.NeedsRenegotiation())
}

func TestSessionPersistence(t *testing.T) {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	dir := t.TempDir()
	aliceStore, err := keystore.Open(filepath.Join(dir, "alice.db"), logBackend)
	require.NoError(t, err)
	aliceID, err := aliceStore.GenerateIdentity("alice", keystore.CapClassical|keystore.CapHybrid, false)
	require.NoError(t, err)
	_, err = aliceStore.GenerateSignedPreKey(aliceID)
	require.NoError(t, err)
	_, err = aliceStore.GenerateOneTimePreKeys(5)
	require.NoError(t, err)
	cfg, err := config.Default(dir)
	require.NoError(t, err)
	aliceManager, err := NewManager(aliceStore, cfg, logBackend)
	require.NoError(t, err)

	bob := newEndpoint(t, "bob", keystore.CapClassical|keystore.CapHybrid)
	bundle, err := bob.store.PublishBundle()
	require.NoError(t, err)

	as, hs, err := aliceManager.Establish(context.Background(), bundle, "conv-1")
	require.NoError(t, err)
	bs, err := bob.manager.Accept(hs)
	require.NoError(t, err)

	ct, err := as.Send([]byte("first"))
	require.NoError(t, err)
	_, _, err = bs.Receive(ct)
	require.NoError(t, err)

	// Reopen alice's store and manager; the session must survive with
	// its ratchet state intact.
	require.NoError(t, aliceStore.Close())
	aliceStore, err = keystore.Open(filepath.Join(dir, "alice.db"), logBackend)
	require.NoError(t, err)
	defer aliceStore.Close()
	aliceManager, err = NewManager(aliceStore, cfg, logBackend)
	require.NoError(t, err)

	restored, err := aliceManager.Session(Ref("alice", "bob", "conv-1"))
	require.NoError(t, err)
	require.Equal(t, StateActive, restored.State())
	sent, _ := restored.Counters()
	require.Equal(t, uint64(1), sent)

	ct, err = restored.Send([]byte("after restart"))
	require.NoError(t, err)
	pt, _, err := bs.Receive(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("after restart"), pt)
}

func TestExpireIdle(t *testing.T) {
	_, bob, _, bs := establishPair(t, keystore.CapClassical)

	n, err := bob.manager.ExpireIdle(time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, n)

	n, err = bob.manager.ExpireIdle(time.Now().Add(bob.manager.cfg.Sessions.InactivityTimeout + time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, StateExpired, bs.State())
	_, err = bs.Send([]byte("too late"))
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestRotateDue(t *testing.T) {
	_, bob, as, bs := establishPair(t, keystore.CapHybrid|keystore.CapClassical)

	n, err := bob.manager.RotateDue(time.Now().Add(bob.manager.cfg.Sessions.RotationInterval + time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The responder's rotation waits for its turn; traffic keeps
	// flowing meanwhile.
	ct, err := bs.Send([]byte("rotation pending"))
	require.NoError(t, err)
	pt, _, err := as.Receive(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("rotation pending"), pt)
}

func TestTrustTransitions(t *testing.T) {
	_, bob, _, bs := establishPair(t, keystore.CapClassical)

	require.Equal(t, TrustUnverified, bs.Trust())
	require.NoError(t, bs.MarkVerified())
	require.Equal(t, TrustVerified, bs.Trust())

	// A second successful verification deepens verified to trusted.
	require.NoError(t, bs.MarkVerified())
	require.Equal(t, TrustTrusted, bs.Trust())

	require.NoError(t, bob.manager.MarkTrustChanged("alice"))
	require.Equal(t, TrustChanged, bs.Trust())

	// Re-verifying after a key change starts over at verified.
	require.NoError(t, bs.MarkVerified())
	require.Equal(t, TrustVerified, bs.Trust())
}

func TestMarkVerifiedCoversAllConversations(t *testing.T) {
	alice := newEndpoint(t, "alice", keystore.CapClassical)
	bob := newEndpoint(t, "bob", keystore.CapClassical)

	for _, conv := range []string{"conv-1", "conv-2"} {
		bundle, err := bob.store.PublishBundle()
		require.NoError(t, err)
		_, hs, err := alice.manager.Establish(context.Background(), bundle, conv)
		require.NoError(t, err)
		_, err = bob.manager.Accept(hs)
		require.NoError(t, err)
	}

	require.NoError(t, alice.manager.MarkVerified("bob"))
	for _, s := range alice.manager.Sessions() {
		require.Equal(t, TrustVerified, s.Trust())
	}
}

func TestSessionPerConversation(t *testing.T) {
	alice := newEndpoint(t, "alice", keystore.CapClassical)
	bob := newEndpoint(t, "bob", keystore.CapClassical)

	sessions := make(map[string]*Session)
	for _, conv := range []string{"conv-1", "conv-2"} {
		bundle, err := bob.store.PublishBundle()
		require.NoError(t, err)
		as, hs, err := alice.manager.Establish(context.Background(), bundle, conv)
		require.NoError(t, err)
		require.NotNil(t, hs)
		require.Equal(t, conv, as.ConversationID())

		bs, err := bob.manager.Accept(hs)
		require.NoError(t, err)
		require.Equal(t, conv, bs.ConversationID())
		sessions[conv] = bs
	}

	// The same device pair holds one independent session per
	// conversation.
	require.Len(t, alice.manager.Sessions(), 2)
	require.NotEqual(t, sessions["conv-1"].Ref(), sessions["conv-2"].Ref())

	as1, err := alice.manager.Session(Ref("alice", "bob", "conv-1"))
	require.NoError(t, err)
	ct, err := as1.Send([]byte("only conv-1"))
	require.NoError(t, err)
	pt, _, err := sessions["conv-1"].Receive(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("only conv-1"), pt)
}

func TestEstablishCanceled(t *testing.T) {
	alice := newEndpoint(t, "alice", keystore.CapClassical)
	bob := newEndpoint(t, "bob", keystore.CapClassical)

	bundle, err := bob.store.PublishBundle()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = alice.manager.Establish(ctx, bundle, "conv-1")
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, alice.manager.Sessions())

	// The abandoned attempt does not poison later ones.
	s, hs, err := alice.manager.Establish(context.Background(), bundle, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, hs)
	require.Equal(t, StateEstablished, s.State())
}
