// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package session tracks pairwise encrypted sessions through their
// lifecycle and owns the ratchet instance behind each one.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/quietwire/quietwire/keystore"
	"github.com/quietwire/quietwire/kx"
	"github.com/quietwire/quietwire/ratchet"
)

var (
	// ErrSessionRevoked is returned for any operation on a revoked
	// session. Revocation is terminal.
	ErrSessionRevoked = errors.New("session: session revoked")

	// ErrSessionExpired is returned when a session has aged out of use
	// and must be re-established.
	ErrSessionExpired = errors.New("session: session expired")

	// ErrSessionNotFound is returned when no session exists for a ref.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrNotEstablished is returned when a session has no ratchet yet.
	ErrNotEstablished = errors.New("session: not established")
)

// State is a session's lifecycle state.
type State uint8

const (
	StateUninitialized State = iota
	StateEstablishing
	StateEstablished
	StateActive
	StateExpired
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateEstablishing:
		return "establishing"
	case StateEstablished:
		return "established"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateRevoked:
		return "revoked"
	}
	return "unknown"
}

// Trust is the identity verification state attached to a session.
type Trust uint8

const (
	TrustUnverified Trust = iota
	TrustVerified

	// TrustTrusted is reached when an already verified session is
	// confirmed again, out of band or on a later occasion.
	TrustTrusted

	// TrustChanged means the remote identity key changed after the
	// session had been verified. Traffic still flows, but the state is
	// surfaced until the user re-verifies.
	TrustChanged
)

func (t Trust) String() string {
	switch t {
	case TrustUnverified:
		return "unverified"
	case TrustVerified:
		return "verified"
	case TrustTrusted:
		return "trusted"
	case TrustChanged:
		return "changed"
	}
	return "unknown"
}

// Ref names the session a local and a remote device hold for one
// conversation. A device pair can carry one session per conversation.
func Ref(local, remote keystore.DeviceID, conversationID string) string {
	return string(local) + ":" + string(remote) + ":" + conversationID
}

// Session is one pairwise encrypted session. All methods are safe for
// concurrent use.
type Session struct {
	mu sync.Mutex

	ref            string
	localDevice    keystore.DeviceID
	remoteDevice   keystore.DeviceID
	conversationID string

	suite      kx.Suite
	downgraded bool

	state State
	trust Trust

	r *ratchet.Ratchet

	createdAt    time.Time
	lastActivity time.Time
	lastRotation time.Time

	sent     uint64
	received uint64

	// renegotiate is latched when the ratchet reports a skip window
	// breach; the session keeps working but should be re-established.
	renegotiate bool

	store *keystore.Store
}

func (s *Session) Ref() string                     { return s.ref }
func (s *Session) LocalDevice() keystore.DeviceID  { return s.localDevice }
func (s *Session) RemoteDevice() keystore.DeviceID { return s.remoteDevice }
func (s *Session) ConversationID() string          { return s.conversationID }
func (s *Session) Suite() kx.Suite                 { return s.suite }
func (s *Session) Downgraded() bool                { return s.downgraded }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Trust returns the current verification state.
func (s *Session) Trust() Trust {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trust
}

// Counters returns how many messages this session has sent and received.
func (s *Session) Counters() (sent, received uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.received
}

// NeedsRenegotiation reports whether the session has been flagged for
// re-establishment.
func (s *Session) NeedsRenegotiation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renegotiate
}

// LastActivity returns the time of the last send or receive.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) usable() error {
	switch s.state {
	case StateRevoked:
		return ErrSessionRevoked
	case StateExpired:
		return ErrSessionExpired
	case StateUninitialized, StateEstablishing:
		return ErrNotEstablished
	}
	return nil
}

// Send encrypts plaintext for the remote device and advances the
// sending chain. The first message moves an established session to
// active.
func (s *Session) Send(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	ciphertext, err := s.r.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	s.sent++
	s.lastActivity = time.Now()
	if s.state == StateEstablished {
		s.state = StateActive
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return ciphertext, nil
}

// Receive decrypts an incoming message and returns the plaintext with
// its message counter. A skip window breach flags the session for
// renegotiation and is returned to the caller.
func (s *Session) Receive(ciphertext []byte) ([]byte, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, 0, err
	}
	plaintext, counter, err := s.r.Decrypt(ciphertext)
	if err != nil {
		if errors.Is(err, ratchet.ErrSkipWindowExceeded) {
			s.renegotiate = true
			// Best effort: the breach flag matters more than the
			// persist error here.
			_ = s.persistLocked()
		}
		return nil, 0, err
	}
	s.received++
	s.lastActivity = time.Now()
	if s.state == StateEstablished {
		s.state = StateActive
	}
	if err := s.persistLocked(); err != nil {
		return nil, 0, err
	}
	return plaintext, counter, nil
}

// RotateKeys schedules a DH ratchet step. The new root key takes
// effect on the next message sent once the rotation turn allows it.
func (s *Session) RotateKeys() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	s.r.RequestRotation()
	s.lastRotation = time.Now()
	return s.persistLocked()
}

// MarkVerified records a successful identity verification. A session
// verified again while already verified deepens to trusted; a session
// whose trust had changed starts over at verified.
func (s *Session) MarkVerified() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.trust {
	case TrustVerified, TrustTrusted:
		s.trust = TrustTrusted
	default:
		s.trust = TrustVerified
	}
	return s.persistLocked()
}

// MarkTrustChanged downgrades a verified or trusted session after an
// identity key change. Unverified sessions are left alone.
func (s *Session) MarkTrustChanged() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.trust {
	case TrustVerified, TrustTrusted:
	default:
		return nil
	}
	s.trust = TrustChanged
	return s.persistLocked()
}

// Revoke permanently disables the session and wipes its key material.
func (s *Session) Revoke() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRevoked {
		return nil
	}
	s.state = StateRevoked
	if s.r != nil {
		s.r.Destroy()
		s.r = nil
	}
	return s.persistLocked()
}

// Expire marks the session as aged out. Key material is wiped; the
// pair must re-establish to continue.
func (s *Session) Expire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateRevoked, StateExpired:
		return nil
	}
	s.state = StateExpired
	if s.r != nil {
		s.r.Destroy()
		s.r = nil
	}
	return s.persistLocked()
}

// sessionRecord is the persisted form of a session. The ratchet blob
// is absent for expired and revoked sessions.
type sessionRecord struct {
	Ref            string            `cbor:"ref"`
	LocalDevice    keystore.DeviceID `cbor:"local_device"`
	RemoteDevice   keystore.DeviceID `cbor:"remote_device"`
	ConversationID string            `cbor:"conversation_id"`
	Suite          uint8             `cbor:"suite"`
	Downgraded     bool              `cbor:"downgraded"`
	State          uint8             `cbor:"state"`
	Trust          uint8             `cbor:"trust"`
	CreatedAt      time.Time         `cbor:"created_at"`
	LastActivity   time.Time         `cbor:"last_activity"`
	LastRotation   time.Time         `cbor:"last_rotation"`
	Sent           uint64            `cbor:"sent"`
	Received       uint64            `cbor:"received"`
	Renegotiate    bool              `cbor:"renegotiate"`
	Ratchet        []byte            `cbor:"ratchet,omitempty"`
}

func (s *Session) persistLocked() error {
	rec := &sessionRecord{
		Ref:            s.ref,
		LocalDevice:    s.localDevice,
		RemoteDevice:   s.remoteDevice,
		ConversationID: s.conversationID,
		Suite:          uint8(s.suite),
		Downgraded:     s.downgraded,
		State:          uint8(s.state),
		Trust:          uint8(s.trust),
		CreatedAt:      s.createdAt,
		LastActivity:   s.lastActivity,
		LastRotation:   s.lastRotation,
		Sent:           s.sent,
		Received:       s.received,
		Renegotiate:    s.renegotiate,
	}
	if s.r != nil {
		blob, err := s.r.Save()
		if err != nil {
			return err
		}
		rec.Ratchet = blob
	}
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return s.store.PutSessionBlob(s.ref, blob)
}
