// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

package kx

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quietwire/quietwire/core/log"
	"github.com/quietwire/quietwire/keystore"
)

func newParty(t *testing.T, name string, caps keystore.Capability) (*keystore.Store, *keystore.IdentityKeyPair) {
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
	_, err = store.GenerateOneTimePreKeys(3)
	require.NoError(t, err)
	return store, id
}

func agree(t *testing.T, caps keystore.Capability) (*Result, *Result) {
	t.Helper()
	_, alice := newParty(t, "alice", caps)
	bobStore, bob := newParty(t, "bob", caps)

	bundle, err := bobStore.PublishBundle()
	require.NoError(t, err)

	aliceRes, hs, err := Initiate(alice, bundle)
	require.NoError(t, err)

	// The handshake survives transport serialization.
	blob, err := hs.Marshal()
	require.NoError(t, err)
	parsed, err := ParseHandshake(blob)
	require.NoError(t, err)

	bobRes, err := Respond(bobStore, bob, parsed)
	require.NoError(t, err)
	return aliceRes, bobRes
}

func requireAgreement(t *testing.T, a, b *Result, suite Suite) {
	t.Helper()
	require.Equal(t, suite, a.Suite)
	require.Equal(t, suite, b.Suite)
	require.Equal(t, a.RootKey, b.RootKey)
	require.Equal(t, a.SendChain, b.RecvChain)
	require.Equal(t, a.RecvChain, b.SendChain)
	require.NotEqual(t, a.RootKey, a.SendChain)
	require.NotEqual(t, a.SendChain, a.RecvChain)
}

func TestAgreementClassical(t *testing.T) {
	a, b := agree(t, keystore.CapClassical)
	requireAgreement(t, a, b, SuiteClassical)
	require.True(t, a.Downgraded == b.Downgraded)
}

func TestAgreementHybrid(t *testing.T) {
	a, b := agree(t, keystore.CapClassical|keystore.CapHybrid)
	requireAgreement(t, a, b, SuiteHybrid)
	require.False(t, a.Downgraded)
}

func TestAgreementQuantum(t *testing.T) {
	a, b := agree(t, keystore.CapClassical|keystore.CapHybrid|keystore.CapQuantum)
	requireAgreement(t, a, b, SuiteQuantum)
	require.False(t, a.Downgraded)
}

func TestSuitesProduceDistinctKeys(t *testing.T) {
	classical, _ := agree(t, keystore.CapClassical)
	hybrid, _ := agree(t, keystore.CapClassical|keystore.CapHybrid)
	require.NotEqual(t, classical.RootKey, hybrid.RootKey)
}

func TestNegotiate(t *testing.T) {
	classical := keystore.CapClassical
	hybrid := keystore.CapClassical | keystore.CapHybrid
	quantum := hybrid | keystore.CapQuantum

	cases := []struct {
		name       string
		local      keystore.Capability
		remote     keystore.Capability
		suite      Suite
		downgraded bool
	}{
		{"both quantum", quantum, quantum, SuiteQuantum, false},
		{"quantum meets hybrid", quantum, hybrid, SuiteHybrid, false},
		{"both hybrid", hybrid, hybrid, SuiteHybrid, false},
		{"hybrid meets classical", hybrid, classical, SuiteClassical, true},
		{"both classical", classical, classical, SuiteClassical, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			suite, downgraded, err := Negotiate(tc.local, tc.remote)
			require.NoError(t, err)
			require.Equal(t, tc.suite, suite)
			require.Equal(t, tc.downgraded, downgraded)
		})
	}

	_, _, err := Negotiate(0, quantum)
	require.ErrorIs(t, err, ErrUnsupportedAlgorithmSuite)
}

func TestTamperedBundleRejected(t *testing.T) {
	_, alice := newParty(t, "alice", keystore.CapClassical|keystore.CapHybrid)
	bobStore, _ := newParty(t, "bob", keystore.CapClassical|keystore.CapHybrid)

	bundle, err := bobStore.PublishBundle()
	require.NoError(t, err)
	bundle.SignedPreKeyNIKE[0] ^= 0xff

	_, _, err = Initiate(alice, bundle)
	require.ErrorIs(t, err, ErrInvalidBundleSignature)
}

func TestOneTimePreKeyConsumedOnce(t *testing.T) {
	_, alice := newParty(t, "alice", keystore.CapClassical)
	bobStore, bob := newParty(t, "bob", keystore.CapClassical)

	bundle, err := bobStore.PublishBundle()
	require.NoError(t, err)
	require.True(t, bundle.HasOneTimePreKey())

	_, hs, err := Initiate(alice, bundle)
	require.NoError(t, err)

	_, err = Respond(bobStore, bob, hs)
	require.NoError(t, err)

	// A replayed handshake must not find the prekey again.
	_, err = Respond(bobStore, bob, hs)
	require.ErrorIs(t, err, keystore.ErrNoPreKeyAvailable)
}

func TestAgreementWithoutOneTimePreKey(t *testing.T) {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	_, alice := newParty(t, "alice", keystore.CapClassical)

	bobStore, err := keystore.Open(filepath.Join(t.TempDir(), "bob.db"), logBackend)
	require.NoError(t, err)
	defer bobStore.Close()
	bob, err := bobStore.GenerateIdentity("bob", keystore.CapClassical, false)
	require.NoError(t, err)
	_, err = bobStore.GenerateSignedPreKey(bob)
	require.NoError(t, err)

	// No one-time prekeys at all: the bundle publishes without one and
	// agreement still succeeds on the remaining secrets.
	bundle, err := bobStore.PublishBundle()
	require.NoError(t, err)
	require.False(t, bundle.HasOneTimePreKey())

	aliceRes, hs, err := Initiate(alice, bundle)
	require.NoError(t, err)
	require.Zero(t, hs.OneTimePreKeyID)

	bobRes, err := Respond(bobStore, bob, hs)
	require.NoError(t, err)
	require.Equal(t, aliceRes.RootKey, bobRes.RootKey)
}

func TestRespondAfterPreKeyRotation(t *testing.T) {
	_, alice := newParty(t, "alice", keystore.CapClassical|keystore.CapHybrid)
	bobStore, bob := newParty(t, "bob", keystore.CapClassical|keystore.CapHybrid)

	bundle, err := bobStore.PublishBundle()
	require.NoError(t, err)

	// Bob rotates his signed prekey after the bundle went out; the
	// retired prekey still honors the in-flight handshake.
	_, err = bobStore.GenerateSignedPreKey(bob)
	require.NoError(t, err)

	aliceRes, hs, err := Initiate(alice, bundle)
	require.NoError(t, err)
	bobRes, err := Respond(bobStore, bob, hs)
	require.NoError(t, err)
	require.Equal(t, aliceRes.RootKey, bobRes.RootKey)
}

func TestGarbledHandshakeKeepsOneTimePreKey(t *testing.T) {
	_, alice := newParty(t, "alice", keystore.CapClassical|keystore.CapHybrid)
	bobStore, bob := newParty(t, "bob", keystore.CapClassical|keystore.CapHybrid)

	bundle, err := bobStore.PublishBundle()
	require.NoError(t, err)
	require.True(t, bundle.HasOneTimePreKey())

	_, hs, err := Initiate(alice, bundle)
	require.NoError(t, err)

	// A truncated KEM ciphertext fails decapsulation. The one-time
	// prekey must survive the failure, or the garbled attempt would
	// lock out the genuine one.
	garbled := *hs
	garbled.KEMCiphertextPreKey = garbled.KEMCiphertextPreKey[:8]
	_, err = Respond(bobStore, bob, &garbled)
	require.ErrorIs(t, err, ErrMalformedHandshake)

	_, err = Respond(bobStore, bob, hs)
	require.NoError(t, err)
}

func TestRespondUnsupportedSuite(t *testing.T) {
	_, alice := newParty(t, "alice", keystore.CapClassical|keystore.CapHybrid|keystore.CapQuantum)
	bobStore, bob := newParty(t, "bob", keystore.CapClassical|keystore.CapHybrid|keystore.CapQuantum)

	bundle, err := bobStore.PublishBundle()
	require.NoError(t, err)
	_, hs, err := Initiate(alice, bundle)
	require.NoError(t, err)

	// A responder that lost quantum capability rejects the suite
	// rather than silently downgrading.
	bob.Capabilities = keystore.CapClassical
	_, err = Respond(bobStore, bob, hs)
	require.ErrorIs(t, err, ErrUnsupportedAlgorithmSuite)
}
