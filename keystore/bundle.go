// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// bundle.go - prekey bundle publication and the remote bundle directory.

package keystore

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

// PublishBundle produces a publishable snapshot of this device's public
// key material. At most one unconsumed one-time prekey is included and is
// marked handed-out within the same transaction, so no prekey is ever
// handed out twice.
func (s *Store) PublishBundle() (*PreKeyBundle, error) {
	identity, err := s.Identity()
	if err != nil {
		return nil, err
	}
	spk, err := s.CurrentSignedPreKey()
	if err != nil {
		return nil, err
	}

	identityKEM, err := identity.KEMPublic.MarshalBinary()
	if err != nil {
		return nil, err
	}
	identitySign, err := identity.SignPublic.MarshalBinary()
	if err != nil {
		return nil, err
	}
	spkKEM, err := spk.KEMPublic.MarshalBinary()
	if err != nil {
		return nil, err
	}

	bundle := &PreKeyBundle{
		DeviceID:              identity.DeviceID,
		Capabilities:          identity.Capabilities,
		IdentityNIKE:          identity.NIKEPublic.Bytes(),
		IdentitySign:          identitySign,
		IdentityKEM:           identityKEM,
		SignedPreKeyID:        spk.ID,
		SignedPreKeyNIKE:      spk.NIKEPublic.Bytes(),
		SignedPreKeyKEM:       spkKEM,
		SignedPreKeySignature: spk.Signature,
		CreatedAt:             time.Now(),
	}

	err = s.update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(oneTimeBucket))
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec oneTimePreKeyRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.HandedOut {
				continue
			}
			rec.HandedOut = true
			blob, err := cbor.Marshal(&rec)
			if err != nil {
				return err
			}
			if err = bkt.Put(append([]byte(nil), k...), blob); err != nil {
				return err
			}
			nikePriv, err := NIKEScheme.UnmarshalBinaryPrivateKey(rec.NIKEPrivate)
			if err != nil {
				return err
			}
			bundle.OneTimePreKeyID = rec.ID
			bundle.OneTimePreKeyNIKE = NIKEScheme.DerivePublicKey(nikePriv).Bytes()
			return nil
		}
		// Pool exhausted: the bundle goes out without a one-time
		// prekey and maintenance replenishes.
		return nil
	})
	if err != nil {
		return nil, err
	}
	if bundle.OneTimePreKeyID == 0 {
		s.log.Warningf("published bundle without one-time prekey, pool exhausted")
	}
	return bundle, nil
}

// VerifySignature checks the identity signature covering the bundle's
// signed prekey material.
func (b *PreKeyBundle) VerifySignature() bool {
	pub, err := SignScheme.UnmarshalBinaryPublicKey(b.IdentitySign)
	if err != nil {
		return false
	}
	msg := signedPreKeyMessage(b.SignedPreKeyNIKE, b.SignedPreKeyKEM)
	return SignScheme.Verify(pub, msg, b.SignedPreKeySignature, nil)
}

// HasOneTimePreKey reports whether the bundle carries a one-time prekey.
func (b *PreKeyBundle) HasOneTimePreKey() bool {
	return b.OneTimePreKeyID != 0
}

// PutRemoteBundle stores a remote device's published bundle in the local
// bundle directory.
func (s *Store) PutRemoteBundle(b *PreKeyBundle) error {
	blob, err := cbor.Marshal(b)
	if err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(remoteBundleBucket)).Put([]byte(b.DeviceID), blob)
	})
}

// RemoteBundle returns the most recent bundle uploaded for the given
// device, or ErrNotFound.
func (s *Store) RemoteBundle(deviceID DeviceID) (*PreKeyBundle, error) {
	var bundle PreKeyBundle
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(remoteBundleBucket)).Get([]byte(deviceID))
		if raw == nil {
			return ErrNotFound
		}
		return cbor.Unmarshal(raw, &bundle)
	})
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}
