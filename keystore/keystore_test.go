// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

package keystore

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quietwire/quietwire/core/log"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	s, err := Open(filepath.Join(t.TempDir(), "keys.db"), logBackend)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdentityLifecycle(t *testing.T) {
	s := newStore(t)

	_, err := s.Identity()
	require.ErrorIs(t, err, ErrNotInitialized)

	id, err := s.GenerateIdentity("alice", CapClassical|CapHybrid, false)
	require.NoError(t, err)
	require.Equal(t, DeviceID("alice"), id.DeviceID)

	_, err = s.GenerateIdentity("alice", CapClassical, false)
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	loaded, err := s.Identity()
	require.NoError(t, err)
	require.Equal(t, id.DeviceID, loaded.DeviceID)
	require.Equal(t, id.NIKEPublic.Bytes(), loaded.NIKEPublic.Bytes())

	replaced, err := s.GenerateIdentity("alice", CapClassical|CapHybrid, true)
	require.NoError(t, err)
	require.NotEqual(t, id.NIKEPublic.Bytes(), replaced.NIKEPublic.Bytes())
}

func TestSignedPreKeyRotation(t *testing.T) {
	s := newStore(t)
	id, err := s.GenerateIdentity("alice", CapClassical|CapHybrid, false)
	require.NoError(t, err)

	_, err = s.CurrentSignedPreKey()
	require.ErrorIs(t, err, ErrNoSignedPreKey)

	first, err := s.GenerateSignedPreKey(id)
	require.NoError(t, err)
	require.False(t, first.Retired)

	second, err := s.GenerateSignedPreKey(id)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	current, err := s.CurrentSignedPreKey()
	require.NoError(t, err)
	require.Equal(t, second.ID, current.ID)

	retired, err := s.SignedPreKey(first.ID)
	require.NoError(t, err)
	require.True(t, retired.Retired)
	require.False(t, retired.RetiredAt.IsZero())
}

func TestOneTimePreKeyConcurrentConsumption(t *testing.T) {
	s := newStore(t)
	_, err := s.GenerateIdentity("alice", CapClassical, false)
	require.NoError(t, err)

	ids, err := s.GenerateOneTimePreKeys(1)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeOneTimePreKey(ids[0])
			if err == nil {
				wins.Add(1)
			} else {
				losses.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(7), losses.Load())

	count, err := s.OneTimePreKeyCount()
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestPublishBundle(t *testing.T) {
	s := newStore(t)
	id, err := s.GenerateIdentity("alice", CapClassical|CapHybrid, false)
	require.NoError(t, err)
	_, err = s.GenerateSignedPreKey(id)
	require.NoError(t, err)
	_, err = s.GenerateOneTimePreKeys(2)
	require.NoError(t, err)

	first, err := s.PublishBundle()
	require.NoError(t, err)
	require.True(t, first.VerifySignature())
	require.True(t, first.HasOneTimePreKey())

	// Each publication hands out a fresh one-time prekey.
	second, err := s.PublishBundle()
	require.NoError(t, err)
	require.True(t, second.HasOneTimePreKey())
	require.NotEqual(t, first.OneTimePreKeyID, second.OneTimePreKeyID)

	// With the pool exhausted the bundle goes out without one.
	third, err := s.PublishBundle()
	require.NoError(t, err)
	require.False(t, third.HasOneTimePreKey())

	// Tampering breaks the signature.
	first.SignedPreKeyNIKE[0] ^= 0xff
	require.False(t, first.VerifySignature())
}

func TestHandedOutPreKeysLeaveThePool(t *testing.T) {
	s := newStore(t)
	id, err := s.GenerateIdentity("alice", CapClassical, false)
	require.NoError(t, err)
	_, err = s.GenerateSignedPreKey(id)
	require.NoError(t, err)
	_, err = s.GenerateOneTimePreKeys(3)
	require.NoError(t, err)

	// Every publication hands one key out; the pool count must track
	// what is left for future bundles, not what is still stored.
	for i := 0; i < 3; i++ {
		bundle, err := s.PublishBundle()
		require.NoError(t, err)
		require.True(t, bundle.HasOneTimePreKey())

		count, err := s.OneTimePreKeyCount()
		require.NoError(t, err)
		require.Equal(t, 2-i, count)
	}

	count, err := s.OneTimePreKeyCount()
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestPublishRequiresSignedPreKey(t *testing.T) {
	s := newStore(t)
	_, err := s.GenerateIdentity("alice", CapClassical, false)
	require.NoError(t, err)

	_, err = s.PublishBundle()
	require.ErrorIs(t, err, ErrNoSignedPreKey)
}

func TestVersionAdvancesOnWrites(t *testing.T) {
	s := newStore(t)
	before := s.Version()
	_, err := s.GenerateIdentity("alice", CapClassical, false)
	require.NoError(t, err)
	require.Greater(t, s.Version(), before)
}

func TestExportImportRoundTrip(t *testing.T) {
	s := newStore(t)
	id, err := s.GenerateIdentity("alice", CapClassical|CapHybrid, false)
	require.NoError(t, err)
	_, err = s.GenerateSignedPreKey(id)
	require.NoError(t, err)
	_, err = s.GenerateOneTimePreKeys(3)
	require.NoError(t, err)

	blob, err := s.Export([]byte("hunter2"))
	require.NoError(t, err)

	other := newStore(t)
	require.NoError(t, other.Import(blob, []byte("hunter2")))

	restored, err := other.Identity()
	require.NoError(t, err)
	require.Equal(t, id.DeviceID, restored.DeviceID)
	require.Equal(t, id.NIKEPublic.Bytes(), restored.NIKEPublic.Bytes())

	count, err := other.OneTimePreKeyCount()
	require.NoError(t, err)
	require.Equal(t, 3, count)

	require.ErrorIs(t, other.Import(blob, []byte("wrong")), ErrExportDecrypt)
}

func TestWipe(t *testing.T) {
	s := newStore(t)
	id, err := s.GenerateIdentity("alice", CapClassical, false)
	require.NoError(t, err)
	_, err = s.GenerateSignedPreKey(id)
	require.NoError(t, err)

	require.NoError(t, s.Wipe())

	_, err = s.Identity()
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = s.CurrentSignedPreKey()
	require.ErrorIs(t, err, ErrNoSignedPreKey)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys.db")

	s, err := Open(path, logBackend)
	require.NoError(t, err)
	id, err := s.GenerateIdentity("alice", CapClassical|CapHybrid, false)
	require.NoError(t, err)
	spk, err := s.GenerateSignedPreKey(id)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, logBackend)
	require.NoError(t, err)
	defer s.Close()

	restored, err := s.CurrentSignedPreKey()
	require.NoError(t, err)
	require.Equal(t, spk.ID, restored.ID)
	require.Equal(t, spk.Signature, restored.Signature)
}

func TestVerificationLogIsAppendOnly(t *testing.T) {
	s := newStore(t)
	_, err := s.GenerateIdentity("alice", CapClassical, false)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		rec := &VerificationRecord{
			LocalDevice:  "alice",
			RemoteDevice: "bob",
			Method:       "in-person",
			Matched:      i != 1,
		}
		require.NoError(t, s.AppendVerificationRecord(rec))
	}
	// Records for another pair do not leak into the query.
	require.NoError(t, s.AppendVerificationRecord(&VerificationRecord{
		LocalDevice: "alice", RemoteDevice: "carol", Matched: true,
	}))

	records, err := s.VerificationRecords("alice", "bob")
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.True(t, records[0].Matched)
	require.False(t, records[1].Matched)
	require.True(t, records[2].Matched)
}
