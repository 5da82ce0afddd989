// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package multidevice synchronizes conversation keys across a user's
// devices. Keys travel only in KEM-wrapped form; revoking a device
// rotates every conversation key it ever held.
package multidevice

import (
	"errors"
	"io"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/nacl/secretbox"
	"gopkg.in/op/go-logging.v1"

	"github.com/quietwire/quietwire/core/log"
	"github.com/quietwire/quietwire/keystore"
	"github.com/quietwire/quietwire/session"
)

const (
	conversationKeySize = 32
	wrapNonceSize       = 24
)

var (
	// ErrDeviceRevoked is returned when addressing a revoked device.
	ErrDeviceRevoked = errors.New("multidevice: device revoked")

	// ErrDeviceNotFound is returned for an unknown device.
	ErrDeviceNotFound = errors.New("multidevice: device not found")

	// ErrKeyShareRevoked is returned when accepting a share that was
	// revoked before acceptance.
	ErrKeyShareRevoked = errors.New("multidevice: key share revoked")

	// ErrKeyShareUnwrap is returned when a share cannot be unwrapped
	// with the local identity KEM key.
	ErrKeyShareUnwrap = errors.New("multidevice: cannot unwrap key share")
)

// Synchronizer manages the local device roster and key shares.
type Synchronizer struct {
	store    *keystore.Store
	sessions *session.Manager
	log      *logging.Logger
}

func New(store *keystore.Store, sessions *session.Manager, logBackend *log.Backend) *Synchronizer {
	return &Synchronizer{
		store:    store,
		sessions: sessions,
		log:      logBackend.GetLogger("multidevice"),
	}
}

// RegisterDevice adds a device to the roster. Re-registering an
// existing device updates its name, capabilities and KEM key; a
// revoked device stays revoked.
func (s *Synchronizer) RegisterDevice(id keystore.DeviceID, name string, caps keystore.Capability, kemPublic []byte) (*keystore.Device, error) {
	if _, err := keystore.KEMScheme.UnmarshalBinaryPublicKey(kemPublic); err != nil {
		return nil, err
	}
	now := time.Now()
	d := &keystore.Device{
		ID:           id,
		Name:         name,
		Capabilities: caps,
		KEMPublic:    kemPublic,
		RegisteredAt: now,
		LastUsedAt:   now,
	}
	if existing, err := s.store.Device(id); err == nil {
		d.RegisteredAt = existing.RegisteredAt
		d.Revoked = existing.Revoked
	}
	if err := s.store.PutDevice(d); err != nil {
		return nil, err
	}
	s.log.Noticef("registered device %s (%s, %s)", id, name, caps)
	return d, nil
}

// Devices returns the full device roster.
func (s *Synchronizer) Devices() ([]*keystore.Device, error) {
	return s.store.Devices()
}

// ShareConversationKey wraps the conversation key for the target
// device. The key is generated on first use. The returned share is
// what gets transported; it never contains the key in the clear.
func (s *Synchronizer) ShareConversationKey(conversationID string, target keystore.DeviceID) (*keystore.KeyShare, error) {
	device, err := s.store.Device(target)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	if device.Revoked {
		return nil, ErrDeviceRevoked
	}

	key, err := s.store.ConversationKey(conversationID)
	if errors.Is(err, keystore.ErrNotFound) {
		key, err = s.newConversationKey(conversationID)
	}
	if err != nil {
		return nil, err
	}

	kemPublic, err := keystore.KEMScheme.UnmarshalBinaryPublicKey(device.KEMPublic)
	if err != nil {
		return nil, err
	}
	kemCiphertext, shared, err := keystore.KEMScheme.Encapsulate(kemPublic)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, wrapNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nil, key, nonceArray(nonce), keyArray(shared))

	id, err := s.store.NextKeyShareID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	share := &keystore.KeyShare{
		ID:             id,
		ConversationID: conversationID,
		TargetDevice:   target,
		State:          keystore.KeySharePending,
		KEMCiphertext:  kemCiphertext,
		Nonce:          nonce,
		Sealed:         sealed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.PutKeyShare(share); err != nil {
		return nil, err
	}
	s.log.Debugf("issued key share %d for conversation %s to device %s", id, conversationID, target)
	return share, nil
}

// AcceptKeyShare unwraps a received share with the local identity KEM
// key, stores the conversation key, and marks the share accepted.
func (s *Synchronizer) AcceptKeyShare(share *keystore.KeyShare) ([]byte, error) {
	if share.State == keystore.KeyShareRevoked {
		return nil, ErrKeyShareRevoked
	}
	identity, err := s.store.Identity()
	if err != nil {
		return nil, err
	}
	shared, err := keystore.KEMScheme.Decapsulate(identity.KEMPrivate, share.KEMCiphertext)
	if err != nil {
		return nil, ErrKeyShareUnwrap
	}
	key, ok := secretbox.Open(nil, share.Sealed, nonceArray(share.Nonce), keyArray(shared))
	if !ok {
		return nil, ErrKeyShareUnwrap
	}

	accepted := *share
	accepted.State = keystore.KeyShareAccepted
	accepted.UpdatedAt = time.Now()
	if err := s.store.PutKeyShare(&accepted); err != nil {
		return nil, err
	}
	if err := s.store.PutConversationKey(share.ConversationID, key); err != nil {
		return nil, err
	}
	s.log.Debugf("accepted key share %d for conversation %s", share.ID, share.ConversationID)
	return key, nil
}

// RevokeDeviceAccess marks a device revoked, revokes its outstanding
// key shares, tears down its sessions, and rotates every conversation
// key the device had been given.
func (s *Synchronizer) RevokeDeviceAccess(id keystore.DeviceID) error {
	device, err := s.store.Device(id)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return ErrDeviceNotFound
		}
		return err
	}
	if device.Revoked {
		return nil
	}
	device.Revoked = true
	if err := s.store.PutDevice(device); err != nil {
		return err
	}

	shares, err := s.store.KeySharesForDevice(id)
	if err != nil {
		return err
	}
	rotate := make(map[string]bool)
	for _, share := range shares {
		if share.State != keystore.KeyShareRevoked {
			share.State = keystore.KeyShareRevoked
			share.UpdatedAt = time.Now()
			if err := s.store.PutKeyShare(share); err != nil {
				return err
			}
		}
		rotate[share.ConversationID] = true
	}
	for conversationID := range rotate {
		if _, err := s.newConversationKey(conversationID); err != nil {
			return err
		}
	}

	if s.sessions != nil {
		if _, err := s.sessions.RevokeDevice(id); err != nil {
			return err
		}
	}
	s.log.Noticef("revoked device %s: %d shares revoked, %d conversation keys rotated",
		id, len(shares), len(rotate))
	return nil
}

func (s *Synchronizer) newConversationKey(conversationID string) ([]byte, error) {
	key := make([]byte, conversationKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	if err := s.store.PutConversationKey(conversationID, key); err != nil {
		return nil, err
	}
	return key, nil
}

func nonceArray(b []byte) *[wrapNonceSize]byte {
	var n [wrapNonceSize]byte
	copy(n[:], b)
	return &n
}

func keyArray(b []byte) *[conversationKeySize]byte {
	var k [conversationKeySize]byte
	copy(k[:], b)
	return &k
}
