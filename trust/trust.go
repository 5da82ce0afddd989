// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package trust computes identity fingerprints and runs the manual
// verification workflow. Fingerprints render as sixty decimal digits
// in groups of five, comparable out of band in either direction.
package trust

import (
	"encoding/binary"
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/op/go-logging.v1"

	"github.com/quietwire/quietwire/core/log"
	"github.com/quietwire/quietwire/keystore"
	"github.com/quietwire/quietwire/session"
)

const (
	fingerprintGroups = 12
	groupDigits       = 5

	fingerprintContext = "identity-fingerprint-v1"
)

var (
	// ErrFingerprintMismatch is returned when a claimed fingerprint
	// does not match the computed one. The mismatch is still recorded
	// in the verification log.
	ErrFingerprintMismatch = errors.New("trust: fingerprint mismatch")

	// ErrNoRemoteIdentity is returned when no key material is stored
	// for the remote device.
	ErrNoRemoteIdentity = errors.New("trust: no identity known for device")
)

// Fingerprint derives the displayable fingerprint of one identity from
// its public key material.
func Fingerprint(signPublic, nikePublic, kemPublic []byte) string {
	h, err := blake2b.New512(nil)
	if err != nil {
		panic(err)
	}
	h.Write([]byte(fingerprintContext))
	h.Write(signPublic)
	h.Write(nikePublic)
	h.Write(kemPublic)
	digest := h.Sum(nil)

	groups := make([]string, 0, fingerprintGroups)
	for i := 0; i < fingerprintGroups; i++ {
		chunk := digest[i*5 : i*5+5]
		var buf [8]byte
		copy(buf[3:], chunk)
		n := binary.BigEndian.Uint64(buf[:]) % 100000
		groups = append(groups, padGroup(n))
	}
	return strings.Join(groups, " ")
}

func padGroup(n uint64) string {
	s := make([]byte, groupDigits)
	for i := groupDigits - 1; i >= 0; i-- {
		s[i] = byte('0' + n%10)
		n /= 10
	}
	return string(s)
}

// Combined renders the session fingerprint both parties compare: the
// two identity fingerprints in lexical order, so each side displays
// the same string.
func Combined(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "\n" + pair[1]
}

// normalize strips whitespace so fingerprints survive transcription.
func normalize(fp string) string {
	return strings.Join(strings.Fields(fp), "")
}

// Verifier runs verifications against stored remote identities and
// appends the outcome to the verification log.
type Verifier struct {
	store    *keystore.Store
	sessions *session.Manager
	log      *logging.Logger
}

func NewVerifier(store *keystore.Store, sessions *session.Manager, logBackend *log.Backend) *Verifier {
	return &Verifier{
		store:    store,
		sessions: sessions,
		log:      logBackend.GetLogger("trust"),
	}
}

// LocalFingerprint computes the fingerprint of the local identity.
func (v *Verifier) LocalFingerprint() (string, error) {
	identity, err := v.store.Identity()
	if err != nil {
		return "", err
	}
	signPublic, err := identity.SignPublic.MarshalBinary()
	if err != nil {
		return "", err
	}
	kemPublic, err := identity.KEMPublic.MarshalBinary()
	if err != nil {
		return "", err
	}
	return Fingerprint(signPublic, identity.NIKEPublic.Bytes(), kemPublic), nil
}

// RemoteFingerprint computes the fingerprint of a remote device from
// its stored prekey bundle.
func (v *Verifier) RemoteFingerprint(remote keystore.DeviceID) (string, error) {
	bundle, err := v.store.RemoteBundle(remote)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return "", ErrNoRemoteIdentity
		}
		return "", err
	}
	return Fingerprint(bundle.IdentitySign, bundle.IdentityNIKE, bundle.IdentityKEM), nil
}

// Verify compares a fingerprint read out of band against the computed
// one for the remote device. Both outcomes are appended to the
// verification log; a match also marks the pair's sessions verified.
func (v *Verifier) Verify(remote keystore.DeviceID, claimed, method string) error {
	identity, err := v.store.Identity()
	if err != nil {
		return err
	}
	localPrint, err := v.LocalFingerprint()
	if err != nil {
		return err
	}
	remotePrint, err := v.RemoteFingerprint(remote)
	if err != nil {
		return err
	}

	matched := normalize(claimed) == normalize(remotePrint)
	rec := &keystore.VerificationRecord{
		LocalDevice:  identity.DeviceID,
		RemoteDevice: remote,
		LocalPrint:   localPrint,
		RemotePrint:  remotePrint,
		Method:       method,
		Matched:      matched,
		Timestamp:    time.Now(),
	}
	if err := v.store.AppendVerificationRecord(rec); err != nil {
		return err
	}
	if !matched {
		v.log.Warningf("fingerprint mismatch for device %s via %s", remote, method)
		return ErrFingerprintMismatch
	}

	if v.sessions != nil {
		if err := v.sessions.MarkVerified(remote); err != nil {
			return err
		}
	}
	v.log.Noticef("verified device %s via %s", remote, method)
	return nil
}

// IdentityChanged stores a freshly fetched bundle and reports whether
// the remote identity key changed relative to what was on record. A
// change downgrades any verified session with that device.
func (v *Verifier) IdentityChanged(bundle *keystore.PreKeyBundle) (bool, error) {
	previous, err := v.store.RemoteBundle(bundle.DeviceID)
	if err != nil && !errors.Is(err, keystore.ErrNotFound) {
		return false, err
	}
	if err := v.store.PutRemoteBundle(bundle); err != nil {
		return false, err
	}
	if previous == nil {
		return false, nil
	}

	changed := Fingerprint(previous.IdentitySign, previous.IdentityNIKE, previous.IdentityKEM) !=
		Fingerprint(bundle.IdentitySign, bundle.IdentityNIKE, bundle.IdentityKEM)
	if !changed {
		return false, nil
	}

	v.log.Warningf("identity key changed for device %s", bundle.DeviceID)
	if v.sessions != nil {
		if err := v.sessions.MarkTrustChanged(bundle.DeviceID); err != nil {
			return true, err
		}
	}
	return true, nil
}

// History returns the verification log for the pair of the local
// device and the given remote device.
func (v *Verifier) History(remote keystore.DeviceID) ([]*keystore.VerificationRecord, error) {
	identity, err := v.store.Identity()
	if err != nil {
		return nil, err
	}
	return v.store.VerificationRecords(identity.DeviceID, remote)
}
