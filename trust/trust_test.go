// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

package trust

import (
	"crypto/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quietwire/quietwire/core/log"
	"github.com/quietwire/quietwire/keystore"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestFingerprintFormat(t *testing.T) {
	fp := Fingerprint(randomBytes(t, 32), randomBytes(t, 32), randomBytes(t, 1184))
	groups := strings.Fields(fp)
	require.Len(t, groups, 12)
	for _, g := range groups {
		require.Len(t, g, 5)
		for _, c := range g {
			require.True(t, c >= '0' && c <= '9')
		}
	}
}

func TestFingerprintDeterministicAndDistinct(t *testing.T) {
	sign, nike, kem := randomBytes(t, 32), randomBytes(t, 32), randomBytes(t, 1184)
	require.Equal(t, Fingerprint(sign, nike, kem), Fingerprint(sign, nike, kem))
	require.NotEqual(t, Fingerprint(sign, nike, kem), Fingerprint(randomBytes(t, 32), nike, kem))
}

func TestCombinedIsSymmetric(t *testing.T) {
	a := Fingerprint(randomBytes(t, 32), randomBytes(t, 32), randomBytes(t, 1184))
	b := Fingerprint(randomBytes(t, 32), randomBytes(t, 32), randomBytes(t, 1184))
	require.Equal(t, Combined(a, b), Combined(b, a))
}

func newVerifierFixture(t *testing.T) (*keystore.Store, *keystore.Store, *Verifier) {
	t.Helper()
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	aliceStore, err := keystore.Open(filepath.Join(t.TempDir(), "alice.db"), logBackend)
	require.NoError(t, err)
	t.Cleanup(func() { aliceStore.Close() })
	aliceID, err := aliceStore.GenerateIdentity("alice", keystore.CapClassical|keystore.CapHybrid, false)
	require.NoError(t, err)
	_, err = aliceStore.GenerateSignedPreKey(aliceID)
	require.NoError(t, err)

	bobStore, err := keystore.Open(filepath.Join(t.TempDir(), "bob.db"), logBackend)
	require.NoError(t, err)
	t.Cleanup(func() { bobStore.Close() })
	bobID, err := bobStore.GenerateIdentity("bob", keystore.CapClassical|keystore.CapHybrid, false)
	require.NoError(t, err)
	_, err = bobStore.GenerateSignedPreKey(bobID)
	require.NoError(t, err)

	bundle, err := bobStore.PublishBundle()
	require.NoError(t, err)
	require.NoError(t, aliceStore.PutRemoteBundle(bundle))

	return aliceStore, bobStore, NewVerifier(aliceStore, nil, logBackend)
}

func TestVerifyMatch(t *testing.T) {
	aliceStore, bobStore, verifier := newVerifierFixture(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	bobVerifier := NewVerifier(bobStore, nil, logBackend)
	bobPrint, err := bobVerifier.LocalFingerprint()
	require.NoError(t, err)

	// Alice reads bob's fingerprint out of band; spacing differences
	// must not matter.
	require.NoError(t, verifier.Verify("bob", strings.ReplaceAll(bobPrint, " ", ""), "in-person"))

	records, err := aliceStore.VerificationRecords("alice", "bob")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].Matched)
	require.Equal(t, "in-person", records[0].Method)
}

func TestVerifyMismatchIsRecorded(t *testing.T) {
	aliceStore, _, verifier := newVerifierFixture(t)

	wrong := Fingerprint(randomBytes(t, 32), randomBytes(t, 32), randomBytes(t, 1184))
	err := verifier.Verify("bob", wrong, "video-call")
	require.ErrorIs(t, err, ErrFingerprintMismatch)

	records, err := aliceStore.VerificationRecords("alice", "bob")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.False(t, records[0].Matched)
}

func TestVerifyUnknownDevice(t *testing.T) {
	_, _, verifier := newVerifierFixture(t)
	err := verifier.Verify("mallory", "00000 00000", "in-person")
	require.ErrorIs(t, err, ErrNoRemoteIdentity)
}

func TestIdentityChanged(t *testing.T) {
	_, bobStore, verifier := newVerifierFixture(t)

	// A re-published bundle with the same identity is not a change.
	bundle, err := bobStore.PublishBundle()
	require.NoError(t, err)
	changed, err := verifier.IdentityChanged(bundle)
	require.NoError(t, err)
	require.False(t, changed)

	// A different identity behind the same device ID is.
	forged := *bundle
	forged.IdentitySign = randomBytes(t, 32)
	changed, err = verifier.IdentityChanged(&forged)
	require.NoError(t, err)
	require.True(t, changed)
}
