// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// records.go - device, key share, conversation key and verification
// record persistence.

package keystore

import (
	"bytes"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

// PutDevice inserts or updates a device record.
func (s *Store) PutDevice(d *Device) error {
	blob, err := cbor.Marshal(d)
	if err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(deviceBucket)).Put([]byte(d.ID), blob)
	})
}

// Device returns the device record for the given id, or ErrNotFound.
func (s *Store) Device(id DeviceID) (*Device, error) {
	var d Device
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(deviceBucket)).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		return cbor.Unmarshal(raw, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Devices returns all known device records.
func (s *Store) Devices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(deviceBucket)).ForEach(func(_, v []byte) error {
			d := new(Device)
			if err := cbor.Unmarshal(v, d); err != nil {
				return err
			}
			devices = append(devices, d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// TouchDevice updates a device's last-used timestamp.
func (s *Store) TouchDevice(id DeviceID) error {
	return s.update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(deviceBucket))
		raw := bkt.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var d Device
		if err := cbor.Unmarshal(raw, &d); err != nil {
			return err
		}
		d.LastUsedAt = time.Now()
		blob, err := cbor.Marshal(&d)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(id), blob)
	})
}

// NextKeyShareID allocates a fresh key share id.
func (s *Store) NextKeyShareID() (uint64, error) {
	var id uint64
	err := s.update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metadataBucket))
		id = getUint64(meta, nextKeyShareIDKey) + 1
		return putUint64(meta, nextKeyShareIDKey, id)
	})
	return id, err
}

// PutKeyShare inserts or updates a key share record.
func (s *Store) PutKeyShare(ks *KeyShare) error {
	blob, err := cbor.Marshal(ks)
	if err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keyShareBucket)).Put(idKey(ks.ID), blob)
	})
}

// KeyShare returns the key share with the given id, or ErrNotFound.
func (s *Store) KeyShare(id uint64) (*KeyShare, error) {
	var ks KeyShare
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(keyShareBucket)).Get(idKey(id))
		if raw == nil {
			return ErrNotFound
		}
		return cbor.Unmarshal(raw, &ks)
	})
	if err != nil {
		return nil, err
	}
	return &ks, nil
}

// KeySharesForDevice returns all key shares addressed to the given device.
func (s *Store) KeySharesForDevice(id DeviceID) ([]*KeyShare, error) {
	var shares []*KeyShare
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keyShareBucket)).ForEach(func(_, v []byte) error {
			ks := new(KeyShare)
			if err := cbor.Unmarshal(v, ks); err != nil {
				return err
			}
			if ks.TargetDevice == id {
				shares = append(shares, ks)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

// PutConversationKey stores the symmetric key for a conversation.
func (s *Store) PutConversationKey(conversationID string, key []byte) error {
	blob := append([]byte(nil), key...)
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(conversationBucket)).Put([]byte(conversationID), blob)
	})
}

// ConversationKey returns the symmetric key for a conversation, or
// ErrNotFound.
func (s *Store) ConversationKey(conversationID string) ([]byte, error) {
	var key []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(conversationBucket)).Get([]byte(conversationID))
		if raw == nil {
			return ErrNotFound
		}
		key = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// AppendVerificationRecord appends one entry to the verification log for
// the record's device pair. The log is append-only.
func (s *Store) AppendVerificationRecord(rec *VerificationRecord) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(verificationBucket))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		key := verificationKey(rec.LocalDevice, rec.RemoteDevice, seq)
		return bkt.Put(key, blob)
	})
}

// VerificationRecords returns the verification log for a device pair in
// append order.
func (s *Store) VerificationRecords(local, remote DeviceID) ([]*VerificationRecord, error) {
	prefix := verificationPrefix(local, remote)
	var records []*VerificationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(verificationBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rec := new(VerificationRecord)
			if err := cbor.Unmarshal(v, rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func verificationPrefix(local, remote DeviceID) []byte {
	return []byte(string(local) + "/" + string(remote) + "/")
}

func verificationKey(local, remote DeviceID, seq uint64) []byte {
	return append(verificationPrefix(local, remote), idKey(seq)...)
}

// PutSessionBlob persists a serialized session under its reference key.
func (s *Store) PutSessionBlob(ref string, blob []byte) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Put([]byte(ref), blob)
	})
}

// SessionBlob returns a serialized session, or ErrNotFound.
func (s *Store) SessionBlob(ref string) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(sessionBucket)).Get([]byte(ref))
		if raw == nil {
			return ErrNotFound
		}
		blob = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// SessionBlobs returns all serialized sessions keyed by reference.
func (s *Store) SessionBlobs() (map[string][]byte, error) {
	blobs := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).ForEach(func(k, v []byte) error {
			blobs[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return blobs, nil
}

// DeleteSessionBlob removes a persisted session.
func (s *Store) DeleteSessionBlob(ref string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionBucket)).Delete([]byte(ref))
	})
}
