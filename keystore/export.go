// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// export.go - password protected key material export and import.

package keystore

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/katzenpost/hpqc/rand"
)

const (
	exportKeySize   = 32
	exportNonceSize = 24
	exportSaltSize  = 16
)

// ErrExportDecrypt is returned when an import blob fails to authenticate,
// either from a wrong password or corruption.
var ErrExportDecrypt = errors.New("keystore: failed to decrypt export blob")

type exportState struct {
	// Buckets maps bucket name to its raw key/value pairs.
	Buckets map[string]map[string][]byte `cbor:"buckets"`
}

// stretchKey derives the export encryption key from a password.
func stretchKey(password, salt []byte) *[exportKeySize]byte {
	secret := argon2.IDKey(password, salt, 3, 256*1024, 4, exportKeySize)
	key := new([exportKeySize]byte)
	copy(key[:], secret)
	return key
}

// Export serializes the entire store and seals it under a key stretched
// from password. The resulting blob is safe to move between devices.
func (s *Store) Export(password []byte) ([]byte, error) {
	state := &exportState{Buckets: make(map[string]map[string][]byte)}
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			kv := make(map[string][]byte)
			err := tx.Bucket([]byte(name)).ForEach(func(k, v []byte) error {
				kv[string(k)] = append([]byte(nil), v...)
				return nil
			})
			if err != nil {
				return err
			}
			state.Buckets[name] = kv
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	plaintext, err := cbor.Marshal(state)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, exportSaltSize)
	if _, err = rand.Reader.Read(salt); err != nil {
		return nil, err
	}
	nonce := new([exportNonceSize]byte)
	if _, err = rand.Reader.Read(nonce[:]); err != nil {
		return nil, err
	}

	key := stretchKey(password, salt)
	blob := make([]byte, 0, exportSaltSize+exportNonceSize+len(plaintext)+secretbox.Overhead)
	blob = append(blob, salt...)
	blob = append(blob, nonce[:]...)
	blob = secretbox.Seal(blob, plaintext, nonce, key)
	s.log.Notice("exported key material")
	return blob, nil
}

// Import decrypts an export blob and replaces the store's contents with
// it. Existing state is overwritten.
func (s *Store) Import(blob, password []byte) error {
	if len(blob) < exportSaltSize+exportNonceSize+secretbox.Overhead {
		return ErrExportDecrypt
	}
	salt := blob[:exportSaltSize]
	nonce := new([exportNonceSize]byte)
	copy(nonce[:], blob[exportSaltSize:])
	sealed := blob[exportSaltSize+exportNonceSize:]

	key := stretchKey(password, salt)
	plaintext, ok := secretbox.Open(nil, sealed, nonce, key)
	if !ok {
		return ErrExportDecrypt
	}
	state := new(exportState)
	if err := cbor.Unmarshal(plaintext, state); err != nil {
		return err
	}

	err := s.update(func(tx *bolt.Tx) error {
		for name, kv := range state.Buckets {
			if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			bkt, err := tx.CreateBucket([]byte(name))
			if err != nil {
				return err
			}
			for k, v := range kv {
				if err = bkt.Put([]byte(k), v); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Notice("imported key material")
	return nil
}
