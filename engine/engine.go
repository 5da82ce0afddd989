// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package engine assembles the key store, session manager, device
// synchronizer, verifier and maintenance scheduler behind one API and
// fans their notifications out on a single event stream.
package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/quietwire/quietwire/config"
	"github.com/quietwire/quietwire/core/log"
	"github.com/quietwire/quietwire/core/worker"
	"github.com/quietwire/quietwire/keystore"
	"github.com/quietwire/quietwire/kx"
	"github.com/quietwire/quietwire/maintenance"
	"github.com/quietwire/quietwire/multidevice"
	"github.com/quietwire/quietwire/ratchet"
	"github.com/quietwire/quietwire/session"
	"github.com/quietwire/quietwire/trust"
)

const storeFile = "quietwire.db"

// Engine is the top-level handle. Events are delivered on EventSink
// until Shutdown closes it.
type Engine struct {
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	store     *keystore.Store
	sessions  *session.Manager
	devices   *multidevice.Synchronizer
	verifier  *trust.Verifier
	scheduler *maintenance.Scheduler

	eventCh   channels.Channel
	EventSink chan Event

	haltOnce sync.Once
}

// New opens (or creates) the data directory and wires up all
// components. The maintenance scheduler starts immediately.
func New(cfg *config.Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}

	store, err := keystore.Open(filepath.Join(cfg.DataDir, storeFile), logBackend)
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewManager(store, cfg, logBackend)
	if err != nil {
		store.Close()
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		logBackend: logBackend,
		log:        logBackend.GetLogger("engine"),
		store:      store,
		sessions:   sessions,
		devices:    multidevice.New(store, sessions, logBackend),
		verifier:   trust.NewVerifier(store, sessions, logBackend),
		eventCh:    channels.NewInfiniteChannel(),
		EventSink:  make(chan Event),
	}
	e.scheduler = maintenance.New(store, sessions, cfg, logBackend)
	e.scheduler.OnComplete(func(r *maintenance.Report) {
		maintenancePasses.Inc()
		if r.SignedPreKeyRotated {
			keyRotations.WithLabelValues("signed_prekey").Inc()
			e.emit(&KeyRotatedEvent{Kind: "signed_prekey"})
		}
		e.emit(&MaintenanceCompletedEvent{Report: r})
	})

	e.Go(e.eventSinkWorker)
	e.scheduler.Start()
	return e, nil
}

// Shutdown halts the scheduler and event stream and closes the store.
// It is safe to call more than once.
func (e *Engine) Shutdown() {
	e.haltOnce.Do(func() {
		e.scheduler.Halt()
		e.Halt()
		if err := e.store.Close(); err != nil {
			e.log.Errorf("closing key store: %v", err)
		}
	})
}

func (e *Engine) emit(event Event) {
	e.eventCh.In() <- event
}

func (e *Engine) eventSinkWorker() {
	defer close(e.EventSink)
	for {
		var event Event
		select {
		case <-e.HaltCh():
			return
		case event = <-e.eventCh.Out():
		}
		select {
		case e.EventSink <- event:
		case <-e.HaltCh():
			return
		}
	}
}

// InitializeIdentity generates the local identity along with an
// initial signed prekey and a full one-time prekey pool, and registers
// the local device in the roster.
func (e *Engine) InitializeIdentity(deviceID keystore.DeviceID, name string, caps keystore.Capability, force bool) (*keystore.IdentityKeyPair, error) {
	identity, err := e.store.GenerateIdentity(deviceID, caps, force)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.GenerateSignedPreKey(identity); err != nil {
		return nil, err
	}
	if _, err := e.store.GenerateOneTimePreKeys(e.cfg.PreKeys.OneTimeTarget); err != nil {
		return nil, err
	}
	kemPublic, err := identity.KEMPublic.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if _, err := e.devices.RegisterDevice(deviceID, name, caps, kemPublic); err != nil {
		return nil, err
	}
	e.log.Noticef("initialized identity for device %s (%s)", deviceID, caps)
	return identity, nil
}

// Identity returns the local identity key pair.
func (e *Engine) Identity() (*keystore.IdentityKeyPair, error) {
	return e.store.Identity()
}

// PublishBundle produces a fresh prekey bundle for distribution.
func (e *Engine) PublishBundle() (*keystore.PreKeyBundle, error) {
	return e.store.PublishBundle()
}

// ImportRemoteBundle stores a fetched bundle after verifying its
// prekey signature. A detected identity key change downgrades trust
// and is surfaced as an event.
func (e *Engine) ImportRemoteBundle(bundle *keystore.PreKeyBundle) error {
	if !bundle.VerifySignature() {
		return kx.ErrInvalidBundleSignature
	}
	changed, err := e.verifier.IdentityChanged(bundle)
	if err != nil {
		return err
	}
	if changed {
		e.emit(&VerificationChangedEvent{Device: bundle.DeviceID, IdentityChanged: true})
	}
	return nil
}

// RemoteBundle returns the most recently imported bundle for a remote
// device.
func (e *Engine) RemoteBundle(remote keystore.DeviceID) (*keystore.PreKeyBundle, error) {
	return e.store.RemoteBundle(remote)
}

// EstablishSession performs the initiator side of key agreement for
// one conversation and returns the session ref together with the
// handshake to deliver. Cancelling the context abandons the wait, not
// the shared in-flight attempt.
func (e *Engine) EstablishSession(ctx context.Context, bundle *keystore.PreKeyBundle, conversationID string) (string, *kx.Handshake, error) {
	if err := e.ImportRemoteBundle(bundle); err != nil {
		return "", nil, err
	}
	s, hs, err := e.sessions.Establish(ctx, bundle, conversationID)
	if err != nil {
		return "", nil, err
	}
	if hs != nil {
		sessionsEstablished.Inc()
		e.emit(&SessionEstablishedEvent{
			Ref:          s.Ref(),
			RemoteDevice: s.RemoteDevice(),
			Suite:        s.Suite(),
			Downgraded:   s.Downgraded(),
			Initiator:    true,
		})
	}
	return s.Ref(), hs, nil
}

// AcceptSession performs the responder side of key agreement.
func (e *Engine) AcceptSession(hs *kx.Handshake) (string, error) {
	s, err := e.sessions.Accept(hs)
	if err != nil {
		if errors.Is(err, keystore.ErrNoPreKeyAvailable) {
			e.scheduler.Wake()
		}
		return "", err
	}
	sessionsEstablished.Inc()
	e.emit(&SessionEstablishedEvent{
		Ref:          s.Ref(),
		RemoteDevice: s.RemoteDevice(),
		Suite:        s.Suite(),
		Downgraded:   s.Downgraded(),
	})
	return s.Ref(), nil
}

// SendEncrypted encrypts plaintext on the given session.
func (e *Engine) SendEncrypted(ref string, plaintext []byte) ([]byte, error) {
	s, err := e.sessions.Session(ref)
	if err != nil {
		return nil, err
	}
	ciphertext, err := s.Send(plaintext)
	if err != nil {
		return nil, err
	}
	messagesEncrypted.Inc()
	return ciphertext, nil
}

// ReceiveEncrypted decrypts an incoming message on the given session
// and returns the plaintext with its message counter.
func (e *Engine) ReceiveEncrypted(ref string, ciphertext []byte) ([]byte, uint32, error) {
	s, err := e.sessions.Session(ref)
	if err != nil {
		return nil, 0, err
	}
	plaintext, counter, err := s.Receive(ciphertext)
	if err != nil {
		if errors.Is(err, ratchet.ErrDecryptionFailed) || errors.Is(err, ratchet.ErrSkipWindowExceeded) {
			decryptionFailures.Inc()
		}
		return nil, 0, err
	}
	messagesDecrypted.Inc()
	return plaintext, counter, nil
}

// RotateSessionKeys schedules a DH ratchet rotation on a session.
func (e *Engine) RotateSessionKeys(ref string) error {
	s, err := e.sessions.Session(ref)
	if err != nil {
		return err
	}
	if err := s.RotateKeys(); err != nil {
		return err
	}
	keyRotations.WithLabelValues("session").Inc()
	e.emit(&KeyRotatedEvent{Ref: ref, Kind: "session"})
	return nil
}

// RotatePreKeys forces a signed prekey rotation and tops the one-time
// prekey pool back up to its target, independent of the maintenance
// schedule.
func (e *Engine) RotatePreKeys() error {
	identity, err := e.store.Identity()
	if err != nil {
		return err
	}
	if _, err := e.store.GenerateSignedPreKey(identity); err != nil {
		return err
	}
	count, err := e.store.OneTimePreKeyCount()
	if err != nil {
		return err
	}
	if count < e.cfg.PreKeys.OneTimeTarget {
		if _, err := e.store.GenerateOneTimePreKeys(e.cfg.PreKeys.OneTimeTarget - count); err != nil {
			return err
		}
	}
	keyRotations.WithLabelValues("signed_prekey").Inc()
	e.emit(&KeyRotatedEvent{Kind: "signed_prekey"})
	return nil
}

// Session returns a session by ref.
func (e *Engine) Session(ref string) (*session.Session, error) {
	return e.sessions.Session(ref)
}

// Sessions returns all known sessions.
func (e *Engine) Sessions() []*session.Session {
	return e.sessions.Sessions()
}

// RegisterDevice adds a device to the multi-device roster.
func (e *Engine) RegisterDevice(id keystore.DeviceID, name string, caps keystore.Capability, kemPublic []byte) (*keystore.Device, error) {
	d, err := e.devices.RegisterDevice(id, name, caps, kemPublic)
	if err != nil {
		return nil, err
	}
	e.emit(&DeviceRegisteredEvent{Device: id, Name: name})
	return d, nil
}

// Devices returns the device roster.
func (e *Engine) Devices() ([]*keystore.Device, error) {
	return e.devices.Devices()
}

// ShareConversationKey wraps the conversation key for one device.
func (e *Engine) ShareConversationKey(conversationID string, target keystore.DeviceID) (*keystore.KeyShare, error) {
	return e.devices.ShareConversationKey(conversationID, target)
}

// AcceptKeyShare unwraps and stores a received conversation key share.
func (e *Engine) AcceptKeyShare(share *keystore.KeyShare) error {
	if _, err := e.devices.AcceptKeyShare(share); err != nil {
		return err
	}
	e.emit(&KeyShareAcceptedEvent{ShareID: share.ID, ConversationID: share.ConversationID})
	return nil
}

// RevokeDeviceAccess revokes a device, its key shares and sessions,
// and rotates the conversation keys it held.
func (e *Engine) RevokeDeviceAccess(id keystore.DeviceID) error {
	if err := e.devices.RevokeDeviceAccess(id); err != nil {
		return err
	}
	e.emit(&DeviceRevokedEvent{Device: id})
	return nil
}

// LocalFingerprint returns the local identity fingerprint.
func (e *Engine) LocalFingerprint() (string, error) {
	return e.verifier.LocalFingerprint()
}

// RemoteFingerprint returns the fingerprint of a known remote device.
func (e *Engine) RemoteFingerprint(remote keystore.DeviceID) (string, error) {
	return e.verifier.RemoteFingerprint(remote)
}

// VerifyFingerprint compares an out-of-band fingerprint against the
// stored remote identity. Both outcomes are logged and surfaced.
func (e *Engine) VerifyFingerprint(remote keystore.DeviceID, claimed, method string) error {
	err := e.verifier.Verify(remote, claimed, method)
	switch {
	case err == nil:
		e.emit(&VerificationChangedEvent{Device: remote, Matched: true})
		return nil
	case errors.Is(err, trust.ErrFingerprintMismatch):
		e.emit(&VerificationChangedEvent{Device: remote})
		return err
	default:
		return err
	}
}

// VerificationHistory returns the verification log for a remote device.
func (e *Engine) VerificationHistory(remote keystore.DeviceID) ([]*keystore.VerificationRecord, error) {
	return e.verifier.History(remote)
}

// PerformMaintenance runs one maintenance pass immediately.
func (e *Engine) PerformMaintenance() (*maintenance.Report, error) {
	return e.scheduler.RunPass()
}

// Export serializes the entire key store encrypted under a password.
func (e *Engine) Export(password []byte) ([]byte, error) {
	return e.store.Export(password)
}

// Import replaces the key store contents from an Export blob.
func (e *Engine) Import(blob, password []byte) error {
	return e.store.Import(blob, password)
}

// Wipe destroys all stored key material. Irreversible.
func (e *Engine) Wipe() error {
	return e.store.Wipe()
}
