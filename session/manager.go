// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/singleflight"
	"gopkg.in/op/go-logging.v1"

	"github.com/quietwire/quietwire/config"
	"github.com/quietwire/quietwire/core/log"
	"github.com/quietwire/quietwire/keystore"
	"github.com/quietwire/quietwire/kx"
	"github.com/quietwire/quietwire/ratchet"
)

// Manager owns all sessions of the local device. Concurrent
// establishment attempts for the same device pair are collapsed into a
// single key agreement.
type Manager struct {
	store *keystore.Store
	cfg   *config.Config
	log   *logging.Logger

	mapLock  sync.RWMutex
	sessions map[string]*Session

	establishGroup singleflight.Group
}

// NewManager loads any persisted sessions from the key store.
func NewManager(store *keystore.Store, cfg *config.Config, logBackend *log.Backend) (*Manager, error) {
	m := &Manager{
		store:    store,
		cfg:      cfg,
		log:      logBackend.GetLogger("session"),
		sessions: make(map[string]*Session),
	}
	blobs, err := store.SessionBlobs()
	if err != nil {
		return nil, err
	}
	for ref, blob := range blobs {
		s, err := m.restore(blob)
		if err != nil {
			m.log.Errorf("dropping undecodable session %s: %v", ref, err)
			continue
		}
		m.sessions[s.ref] = s
	}
	m.log.Debugf("loaded %d persisted sessions", len(m.sessions))
	return m, nil
}

func (m *Manager) ratchetConfig() *ratchet.Config {
	return &ratchet.Config{
		SkipWindow: m.cfg.Sessions.SkipWindow,
		CacheSize:  m.cfg.Sessions.SkippedKeyCacheSize,
	}
}

func (m *Manager) restore(blob []byte) (*Session, error) {
	rec := new(sessionRecord)
	if err := cbor.Unmarshal(blob, rec); err != nil {
		return nil, err
	}
	s := &Session{
		ref:            rec.Ref,
		localDevice:    rec.LocalDevice,
		remoteDevice:   rec.RemoteDevice,
		conversationID: rec.ConversationID,
		suite:          kx.Suite(rec.Suite),
		downgraded:     rec.Downgraded,
		state:          State(rec.State),
		trust:          Trust(rec.Trust),
		createdAt:      rec.CreatedAt,
		lastActivity:   rec.LastActivity,
		lastRotation:   rec.LastRotation,
		sent:           rec.Sent,
		received:       rec.Received,
		renegotiate:    rec.Renegotiate,
		store:          m.store,
	}
	if len(rec.Ratchet) != 0 {
		r, err := ratchet.Load(m.ratchetConfig(), rec.Ratchet)
		if err != nil {
			return nil, err
		}
		s.r = r
	}
	return s, nil
}

// Establish runs the initiator side of key agreement against a remote
// device's prekey bundle and returns the resulting session together
// with the handshake message to deliver. If a usable session for the
// ref already exists it is returned as-is with a nil handshake;
// concurrent callers for the same ref share one attempt. A caller that
// cancels its context walks away with ctx.Err() while the in-flight
// agreement keeps running for the remaining waiters.
func (m *Manager) Establish(ctx context.Context, bundle *keystore.PreKeyBundle, conversationID string) (*Session, *kx.Handshake, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	identity, err := m.store.Identity()
	if err != nil {
		return nil, nil, err
	}
	ref := Ref(identity.DeviceID, bundle.DeviceID, conversationID)

	type established struct {
		s  *Session
		hs *kx.Handshake
	}
	ch := m.establishGroup.DoChan(ref, func() (interface{}, error) {
		if existing := m.lookup(ref); existing != nil {
			switch existing.State() {
			case StateEstablished, StateActive:
				return &established{s: existing}, nil
			}
		}

		res, hs, err := kx.Initiate(identity, bundle)
		if err != nil {
			return nil, err
		}
		hs.ConversationID = conversationID
		s, err := m.newSession(identity, res, conversationID, true)
		if err != nil {
			return nil, err
		}
		m.log.Noticef("established session %s (%s%s)", ref, res.Suite,
			downgradeSuffix(res.Downgraded))
		return &established{s: s, hs: hs}, nil
	})

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, nil, r.Err
		}
		e := r.Val.(*established)
		return e.s, e.hs, nil
	}
}

// Accept runs the responder side against a received handshake message.
func (m *Manager) Accept(hs *kx.Handshake) (*Session, error) {
	identity, err := m.store.Identity()
	if err != nil {
		return nil, err
	}
	res, err := kx.Respond(m.store, identity, hs)
	if err != nil {
		return nil, err
	}
	s, err := m.newSession(identity, res, hs.ConversationID, false)
	if err != nil {
		return nil, err
	}
	m.log.Noticef("accepted session %s (%s%s)", s.ref, res.Suite,
		downgradeSuffix(res.Downgraded))
	return s, nil
}

func downgradeSuffix(downgraded bool) string {
	if downgraded {
		return ", downgraded"
	}
	return ""
}

func (m *Manager) newSession(identity *keystore.IdentityKeyPair, res *kx.Result, conversationID string, initiator bool) (*Session, error) {
	r, err := ratchet.New(m.ratchetConfig(), &ratchet.Params{
		Initiator:           initiator,
		WithKEM:             res.Suite.UsesKEM(),
		RootKey:             res.RootKey,
		SendChain:           res.SendChain,
		RecvChain:           res.RecvChain,
		RatchetPrivate:      res.RatchetPrivate,
		RemoteRatchetPublic: res.RemoteRatchetPublic,
		LocalKEMPrivate:     identity.KEMPrivate,
		RemoteKEMPublic:     res.RemoteIdentityKEM,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		ref:            Ref(identity.DeviceID, res.RemoteDevice, conversationID),
		localDevice:    identity.DeviceID,
		remoteDevice:   res.RemoteDevice,
		conversationID: conversationID,
		suite:          res.Suite,
		downgraded:     res.Downgraded,
		state:          StateEstablished,
		trust:          TrustUnverified,
		r:              r,
		createdAt:      now,
		lastActivity:   now,
		lastRotation:   now,
		store:          m.store,
	}
	if err := s.persistLocked(); err != nil {
		r.Destroy()
		return nil, err
	}

	m.mapLock.Lock()
	if old, ok := m.sessions[s.ref]; ok {
		// A re-established pair supersedes the old session.
		old.mu.Lock()
		if old.r != nil {
			old.r.Destroy()
			old.r = nil
		}
		if old.state != StateRevoked {
			old.state = StateExpired
		}
		old.mu.Unlock()
	}
	m.sessions[s.ref] = s
	m.mapLock.Unlock()
	return s, nil
}

func (m *Manager) lookup(ref string) *Session {
	m.mapLock.RLock()
	defer m.mapLock.RUnlock()
	return m.sessions[ref]
}

// Session returns the session for a ref.
func (m *Manager) Session(ref string) (*Session, error) {
	if s := m.lookup(ref); s != nil {
		return s, nil
	}
	return nil, ErrSessionNotFound
}

// Sessions returns all sessions in no particular order.
func (m *Manager) Sessions() []*Session {
	m.mapLock.RLock()
	defer m.mapLock.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// RevokeDevice revokes every session whose remote side is the given
// device and returns how many were revoked.
func (m *Manager) RevokeDevice(id keystore.DeviceID) (int, error) {
	var revoked int
	for _, s := range m.Sessions() {
		if s.RemoteDevice() != id || s.State() == StateRevoked {
			continue
		}
		if err := s.Revoke(); err != nil {
			return revoked, err
		}
		revoked++
	}
	if revoked > 0 {
		m.log.Noticef("revoked %d sessions for device %s", revoked, id)
	}
	return revoked, nil
}

// ExpireIdle expires sessions idle longer than the configured
// inactivity timeout and returns how many were expired.
func (m *Manager) ExpireIdle(now time.Time) (int, error) {
	timeout := m.cfg.Sessions.InactivityTimeout
	var expired int
	for _, s := range m.Sessions() {
		switch s.State() {
		case StateEstablished, StateActive:
		default:
			continue
		}
		if now.Sub(s.LastActivity()) < timeout {
			continue
		}
		if err := s.Expire(); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// RotateDue schedules a ratchet rotation on every active session whose
// last rotation is older than the configured interval, and returns how
// many rotations were scheduled.
func (m *Manager) RotateDue(now time.Time) (int, error) {
	interval := m.cfg.Sessions.RotationInterval
	var rotated int
	for _, s := range m.Sessions() {
		switch s.State() {
		case StateEstablished, StateActive:
		default:
			continue
		}
		s.mu.Lock()
		due := now.Sub(s.lastRotation) >= interval
		s.mu.Unlock()
		if !due {
			continue
		}
		if err := s.RotateKeys(); err != nil {
			return rotated, err
		}
		rotated++
	}
	return rotated, nil
}

// MarkVerified records a successful identity verification on every
// session with the given remote device. Verification is a property of
// the device pair, so all conversations sharing it advance together.
func (m *Manager) MarkVerified(id keystore.DeviceID) error {
	for _, s := range m.Sessions() {
		if s.RemoteDevice() != id {
			continue
		}
		if err := s.MarkVerified(); err != nil {
			return err
		}
	}
	return nil
}

// MarkTrustChanged flags every verified session with the given remote
// device after an identity key change.
func (m *Manager) MarkTrustChanged(id keystore.DeviceID) error {
	for _, s := range m.Sessions() {
		if s.RemoteDevice() != id {
			continue
		}
		if err := s.MarkTrustChanged(); err != nil {
			return err
		}
	}
	return nil
}
