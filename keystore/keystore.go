// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// keystore.go - bbolt backed key material store.

// Package keystore implements the key material store: identity keypairs,
// signed prekeys, the one-time prekey pool, device records, key shares and
// verification records, all persisted in a single bbolt database.
package keystore

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/quietwire/quietwire/core/log"
)

const (
	identityBucket     = "identity"
	signedPreKeyBucket = "signedPrekeys"
	oneTimeBucket      = "oneTimePrekeys"
	deviceBucket       = "devices"
	keyShareBucket     = "keyShares"
	verificationBucket = "verificationRecords"
	remoteBundleBucket = "remoteBundles"
	sessionBucket      = "sessions"
	conversationBucket = "conversationKeys"
	metadataBucket     = "metadata"

	identityKey       = "self"
	versionKey        = "version"
	currentSPKKey     = "currentSignedPrekey"
	nextSPKIDKey      = "nextSignedPrekeyID"
	nextOPKIDKey      = "nextOneTimePrekeyID"
	nextKeyShareIDKey = "nextKeyShareID"
)

var (
	// ErrAlreadyInitialized is returned when identity generation is
	// attempted on a store that already holds an identity.
	ErrAlreadyInitialized = errors.New("keystore: identity already initialized")

	// ErrNotInitialized is returned when an operation requires an
	// identity that has not been generated yet.
	ErrNotInitialized = errors.New("keystore: identity not initialized")

	// ErrNoPreKeyAvailable is returned when a one-time prekey lookup or
	// consumption finds nothing. Callers should retry after maintenance
	// has replenished the pool.
	ErrNoPreKeyAvailable = errors.New("keystore: no one-time prekey available")

	// ErrNoSignedPreKey is returned when a handshake references a signed
	// prekey that is unknown or already pruned.
	ErrNoSignedPreKey = errors.New("keystore: no such signed prekey")

	// ErrNotFound is returned for missing devices, bundles, key shares
	// and conversation keys.
	ErrNotFound = errors.New("keystore: not found")
)

var allBuckets = []string{
	identityBucket, signedPreKeyBucket, oneTimeBucket, deviceBucket,
	keyShareBucket, verificationBucket, remoteBundleBucket,
	sessionBucket, conversationBucket, metadataBucket,
}

// Store is the key material store. All mutations bump a monotonic version
// counter that the maintenance scheduler uses to detect staleness.
type Store struct {
	db  *bolt.DB
	log *logging.Logger

	version atomic.Uint64
}

// Open creates or loads the key material store at path f.
func Open(f string, logBackend *log.Backend) (*Store, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:  db,
		log: logBackend.GetLogger("keystore"),
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if err = db.View(func(tx *bolt.Tx) error {
		s.version.Store(getUint64(tx.Bucket([]byte(metadataBucket)), versionKey))
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		return err
	}
	return s.db.Close()
}

// Version returns the monotonic mutation counter.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// update wraps a mutating transaction and bumps the version counter
// within it, keeping counter and mutation atomic.
func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	var next uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		meta := tx.Bucket([]byte(metadataBucket))
		next = getUint64(meta, versionKey) + 1
		return putUint64(meta, versionKey, next)
	})
	if err == nil {
		s.version.Store(next)
	}
	return err
}

func getUint64(bkt *bolt.Bucket, key string) uint64 {
	raw := bkt.Get([]byte(key))
	if raw == nil {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func putUint64(bkt *bolt.Bucket, key string, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return bkt.Put([]byte(key), b[:])
}

func idKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

type identityRecord struct {
	DeviceID     DeviceID   `cbor:"device_id"`
	Capabilities Capability `cbor:"capabilities"`
	NIKEPrivate  []byte     `cbor:"nike_private"`
	SignPrivate  []byte     `cbor:"sign_private"`
	KEMPrivate   []byte     `cbor:"kem_private"`
	CreatedAt    time.Time  `cbor:"created_at"`
}

type signedPreKeyRecord struct {
	ID          uint64    `cbor:"id"`
	NIKEPrivate []byte    `cbor:"nike_private"`
	KEMPrivate  []byte    `cbor:"kem_private"`
	Signature   []byte    `cbor:"signature"`
	CreatedAt   time.Time `cbor:"created_at"`
	Retired     bool      `cbor:"retired"`
	RetiredAt   time.Time `cbor:"retired_at"`
}

type oneTimePreKeyRecord struct {
	ID          uint64    `cbor:"id"`
	NIKEPrivate []byte    `cbor:"nike_private"`
	HandedOut   bool      `cbor:"handed_out"`
	CreatedAt   time.Time `cbor:"created_at"`
}

// signedPreKeyMessage is the byte string covered by the identity
// signature on a signed prekey.
func signedPreKeyMessage(nikePub, kemPub []byte) []byte {
	msg := make([]byte, 0, len("prekey-signature")+len(nikePub)+len(kemPub))
	msg = append(msg, []byte("prekey-signature")...)
	msg = append(msg, nikePub...)
	msg = append(msg, kemPub...)
	return msg
}

// GenerateIdentity creates the long-term identity key material for this
// device. It fails with ErrAlreadyInitialized when an identity exists,
// unless force is set, in which case the old identity is replaced.
func (s *Store) GenerateIdentity(deviceID DeviceID, caps Capability, force bool) (*IdentityKeyPair, error) {
	nikePub, nikePriv, err := NIKEScheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := SignScheme.GenerateKey()
	if err != nil {
		return nil, err
	}
	kemPub, kemPriv, err := KEMScheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	signPrivBytes, err := signPriv.MarshalBinary()
	if err != nil {
		return nil, err
	}
	kemPrivBytes, err := kemPriv.MarshalBinary()
	if err != nil {
		return nil, err
	}
	rec := &identityRecord{
		DeviceID:     deviceID,
		Capabilities: caps,
		NIKEPrivate:  nikePriv.Bytes(),
		SignPrivate:  signPrivBytes,
		KEMPrivate:   kemPrivBytes,
		CreatedAt:    time.Now(),
	}
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return nil, err
	}

	err = s.update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(identityBucket))
		if bkt.Get([]byte(identityKey)) != nil && !force {
			return ErrAlreadyInitialized
		}
		return bkt.Put([]byte(identityKey), blob)
	})
	if err != nil {
		return nil, err
	}
	s.log.Noticef("generated identity for device %s (%s)", deviceID, caps)

	return &IdentityKeyPair{
		DeviceID:     deviceID,
		Capabilities: caps,
		NIKEPrivate:  nikePriv,
		NIKEPublic:   nikePub,
		SignPrivate:  signPriv,
		SignPublic:   signPub,
		KEMPrivate:   kemPriv,
		KEMPublic:    kemPub,
		CreatedAt:    rec.CreatedAt,
	}, nil
}

// Identity loads the local identity key material.
func (s *Store) Identity() (*IdentityKeyPair, error) {
	var rec identityRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		blob := tx.Bucket([]byte(identityBucket)).Get([]byte(identityKey))
		if blob == nil {
			return ErrNotInitialized
		}
		return cbor.Unmarshal(blob, &rec)
	})
	if err != nil {
		return nil, err
	}
	return identityFromRecord(&rec)
}

func identityFromRecord(rec *identityRecord) (*IdentityKeyPair, error) {
	nikePriv, err := NIKEScheme.UnmarshalBinaryPrivateKey(rec.NIKEPrivate)
	if err != nil {
		return nil, err
	}
	signPriv, err := SignScheme.UnmarshalBinaryPrivateKey(rec.SignPrivate)
	if err != nil {
		return nil, err
	}
	kemPriv, err := KEMScheme.UnmarshalBinaryPrivateKey(rec.KEMPrivate)
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{
		DeviceID:     rec.DeviceID,
		Capabilities: rec.Capabilities,
		NIKEPrivate:  nikePriv,
		NIKEPublic:   NIKEScheme.DerivePublicKey(nikePriv),
		SignPrivate:  signPriv,
		SignPublic:   signPublicOf(signPriv),
		KEMPrivate:   kemPriv,
		KEMPublic:    kemPriv.Public(),
		CreatedAt:    rec.CreatedAt,
	}, nil
}

// GenerateSignedPreKey creates a new current signed prekey, retiring the
// previous one. The previous key remains usable for handshakes until the
// retire grace period expires.
func (s *Store) GenerateSignedPreKey(identity *IdentityKeyPair) (*SignedPreKey, error) {
	nikePub, nikePriv, err := NIKEScheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	kemPub, kemPriv, err := KEMScheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	kemPubBytes, err := kemPub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	kemPrivBytes, err := kemPriv.MarshalBinary()
	if err != nil {
		return nil, err
	}

	sig := SignScheme.Sign(identity.SignPrivate, signedPreKeyMessage(nikePub.Bytes(), kemPubBytes), nil)

	spk := &SignedPreKey{
		NIKEPrivate: nikePriv,
		NIKEPublic:  nikePub,
		KEMPrivate:  kemPriv,
		KEMPublic:   kemPub,
		Signature:   sig,
		CreatedAt:   time.Now(),
	}

	err = s.update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metadataBucket))
		bkt := tx.Bucket([]byte(signedPreKeyBucket))

		// Retire the previous current key in place.
		if prevID := getUint64(meta, currentSPKKey); prevID != 0 {
			if raw := bkt.Get(idKey(prevID)); raw != nil {
				var prev signedPreKeyRecord
				if err := cbor.Unmarshal(raw, &prev); err != nil {
					return err
				}
				prev.Retired = true
				prev.RetiredAt = time.Now()
				blob, err := cbor.Marshal(&prev)
				if err != nil {
					return err
				}
				if err = bkt.Put(idKey(prevID), blob); err != nil {
					return err
				}
			}
		}

		spk.ID = getUint64(meta, nextSPKIDKey) + 1
		if err := putUint64(meta, nextSPKIDKey, spk.ID); err != nil {
			return err
		}
		if err := putUint64(meta, currentSPKKey, spk.ID); err != nil {
			return err
		}
		rec := &signedPreKeyRecord{
			ID:          spk.ID,
			NIKEPrivate: nikePriv.Bytes(),
			KEMPrivate:  kemPrivBytes,
			Signature:   sig,
			CreatedAt:   spk.CreatedAt,
		}
		blob, err := cbor.Marshal(rec)
		if err != nil {
			return err
		}
		return bkt.Put(idKey(spk.ID), blob)
	})
	if err != nil {
		return nil, err
	}
	s.log.Noticef("rotated signed prekey, new id %d", spk.ID)
	return spk, nil
}

// CurrentSignedPreKey returns the current signed prekey.
func (s *Store) CurrentSignedPreKey() (*SignedPreKey, error) {
	var rec signedPreKeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metadataBucket))
		id := getUint64(meta, currentSPKKey)
		if id == 0 {
			return ErrNoSignedPreKey
		}
		raw := tx.Bucket([]byte(signedPreKeyBucket)).Get(idKey(id))
		if raw == nil {
			return ErrNoSignedPreKey
		}
		return cbor.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, err
	}
	return signedPreKeyFromRecord(&rec)
}

// SignedPreKey returns the signed prekey with the given id, current or
// retired. Responder handshakes use this to honor bundles published
// before a rotation.
func (s *Store) SignedPreKey(id uint64) (*SignedPreKey, error) {
	var rec signedPreKeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(signedPreKeyBucket)).Get(idKey(id))
		if raw == nil {
			return ErrNoSignedPreKey
		}
		return cbor.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, err
	}
	return signedPreKeyFromRecord(&rec)
}

func signedPreKeyFromRecord(rec *signedPreKeyRecord) (*SignedPreKey, error) {
	nikePriv, err := NIKEScheme.UnmarshalBinaryPrivateKey(rec.NIKEPrivate)
	if err != nil {
		return nil, err
	}
	kemPriv, err := KEMScheme.UnmarshalBinaryPrivateKey(rec.KEMPrivate)
	if err != nil {
		return nil, err
	}
	return &SignedPreKey{
		ID:          rec.ID,
		NIKEPrivate: nikePriv,
		NIKEPublic:  NIKEScheme.DerivePublicKey(nikePriv),
		KEMPrivate:  kemPriv,
		KEMPublic:   kemPriv.Public(),
		Signature:   rec.Signature,
		CreatedAt:   rec.CreatedAt,
		Retired:     rec.Retired,
		RetiredAt:   rec.RetiredAt,
	}, nil
}

// CurrentSignedPreKeyAge returns the age of the current signed prekey, or
// a zero time and ErrNoSignedPreKey when none exists.
func (s *Store) CurrentSignedPreKeyAge() (time.Duration, error) {
	spk, err := s.CurrentSignedPreKey()
	if err != nil {
		return 0, err
	}
	return time.Since(spk.CreatedAt), nil
}

// PruneRetiredSignedPreKeys deletes retired signed prekeys whose retire
// grace period has elapsed and returns the number removed.
func (s *Store) PruneRetiredSignedPreKeys(grace time.Duration) (int, error) {
	pruned := 0
	err := s.update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(signedPreKeyBucket))
		cutoff := time.Now().Add(-grace)
		var stale [][]byte
		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec signedPreKeyRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Retired && rec.RetiredAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		s.log.Debugf("pruned %d retired signed prekeys", pruned)
	}
	return pruned, nil
}

// GenerateOneTimePreKeys adds count fresh one-time prekeys to the pool
// and returns their ids.
func (s *Store) GenerateOneTimePreKeys(count int) ([]uint64, error) {
	if count <= 0 {
		return nil, nil
	}
	fresh := make([]*oneTimePreKeyRecord, 0, count)
	for i := 0; i < count; i++ {
		_, nikePriv, err := NIKEScheme.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		fresh = append(fresh, &oneTimePreKeyRecord{
			NIKEPrivate: nikePriv.Bytes(),
			CreatedAt:   time.Now(),
		})
	}

	ids := make([]uint64, 0, count)
	err := s.update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metadataBucket))
		bkt := tx.Bucket([]byte(oneTimeBucket))
		next := getUint64(meta, nextOPKIDKey)
		for _, rec := range fresh {
			next++
			rec.ID = next
			blob, err := cbor.Marshal(rec)
			if err != nil {
				return err
			}
			if err = bkt.Put(idKey(rec.ID), blob); err != nil {
				return err
			}
			ids = append(ids, rec.ID)
		}
		return putUint64(meta, nextOPKIDKey, next)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debugf("generated %d one-time prekeys", count)
	return ids, nil
}

// OneTimePreKeyCount returns the number of one-time prekeys still
// available for hand-out. Keys already shipped in a published bundle
// remain stored until consumed but no longer count toward the pool, so
// replenishment tracks what future bundles can actually offer.
func (s *Store) OneTimePreKeyCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(oneTimeBucket)).ForEach(func(_, v []byte) error {
			var rec oneTimePreKeyRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.HandedOut {
				count++
			}
			return nil
		})
	})
	return count, err
}

// ConsumeOneTimePreKey removes and returns the one-time prekey with the
// given id. The lookup and removal are a single transaction so that
// concurrent consumption attempts yield exactly one winner; every other
// caller observes ErrNoPreKeyAvailable.
func (s *Store) ConsumeOneTimePreKey(id uint64) (*OneTimePreKey, error) {
	var rec oneTimePreKeyRecord
	err := s.update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(oneTimeBucket))
		raw := bkt.Get(idKey(id))
		if raw == nil {
			return ErrNoPreKeyAvailable
		}
		if err := cbor.Unmarshal(raw, &rec); err != nil {
			return err
		}
		return bkt.Delete(idKey(id))
	})
	if err != nil {
		return nil, err
	}
	nikePriv, err := NIKEScheme.UnmarshalBinaryPrivateKey(rec.NIKEPrivate)
	if err != nil {
		return nil, err
	}
	return &OneTimePreKey{
		ID:          rec.ID,
		NIKEPrivate: nikePriv,
		NIKEPublic:  NIKEScheme.DerivePublicKey(nikePriv),
		HandedOut:   rec.HandedOut,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

// Wipe irreversibly destroys all protocol state. The store is unusable
// afterwards except for Close.
func (s *Store) Wipe() error {
	err := s.update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if name == metadataBucket {
				continue
			}
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Warning("wiped all protocol state")
	return nil
}
