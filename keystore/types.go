// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// types.go - key material data model.

package keystore

import (
	"time"

	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/mlkem768"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

// The engine pins one scheme per algorithm family. Remote capability
// negotiation selects which families participate in a given session, not
// which concrete schemes.
var (
	// NIKEScheme is the classical Diffie-Hellman scheme used for
	// prekeys and ratchet steps.
	NIKEScheme nike.Scheme = x25519.Scheme(rand.Reader)

	// KEMScheme is the lattice KEM used for hybrid and quantum-only
	// encapsulation.
	KEMScheme kem.Scheme = mlkem768.Scheme()

	// SignScheme is the identity signing scheme covering signed prekeys.
	SignScheme sign.Scheme = ed25519.Scheme()
)

// signPublicOf recovers the typed signing public key from a private key.
func signPublicOf(priv sign.PrivateKey) sign.PublicKey {
	return priv.Public().(sign.PublicKey)
}

// DeviceID identifies a device within the engine.
type DeviceID string

// Capability is a device's declared cryptographic capability set.
type Capability uint8

const (
	// CapClassical declares support for classical DH agreement.
	CapClassical Capability = 1 << iota

	// CapHybrid declares support for combined DH and KEM agreement.
	CapHybrid

	// CapQuantum declares support for KEM-only agreement.
	CapQuantum
)

// Has reports whether the capability set contains c.
func (caps Capability) Has(c Capability) bool {
	return caps&c != 0
}

// QuantumReady reports whether the capability set includes any
// quantum-resistant agreement.
func (caps Capability) QuantumReady() bool {
	return caps.Has(CapHybrid) || caps.Has(CapQuantum)
}

func (caps Capability) String() string {
	switch {
	case caps.Has(CapQuantum) && !caps.Has(CapClassical) && !caps.Has(CapHybrid):
		return "quantum-only"
	case caps.Has(CapHybrid):
		return "hybrid"
	case caps.Has(CapClassical):
		return "classical-only"
	}
	return "none"
}

// IdentityKeyPair is the long-term key material of the local device: a
// classical NIKE keypair, a signing keypair and a lattice KEM keypair.
// It is generated once and survives until an explicit wipe.
type IdentityKeyPair struct {
	DeviceID     DeviceID
	Capabilities Capability

	NIKEPrivate nike.PrivateKey
	NIKEPublic  nike.PublicKey

	SignPrivate sign.PrivateKey
	SignPublic  sign.PublicKey

	KEMPrivate kem.PrivateKey
	KEMPublic  kem.PublicKey

	CreatedAt time.Time
}

// SignedPreKey is a medium-term prekey whose public halves are covered by
// a signature from the identity signing key. Exactly one signed prekey is
// current at a time; rotation retires rather than deletes the old one so
// in-flight handshakes can still complete.
type SignedPreKey struct {
	ID uint64

	NIKEPrivate nike.PrivateKey
	NIKEPublic  nike.PublicKey

	KEMPrivate kem.PrivateKey
	KEMPublic  kem.PublicKey

	Signature []byte

	CreatedAt time.Time
	Retired   bool
	RetiredAt time.Time
}

// OneTimePreKey is a single-use classical prekey. It is deleted the moment
// a remote handshake consumes it.
type OneTimePreKey struct {
	ID uint64

	NIKEPrivate nike.PrivateKey
	NIKEPublic  nike.PublicKey

	// HandedOut is set once the public half has been included in a
	// published bundle, so it is never handed out twice.
	HandedOut bool

	CreatedAt time.Time
}

// PreKeyBundle is the publishable snapshot of a device's public key
// material, sufficient for a remote party to establish a session
// asynchronously.
type PreKeyBundle struct {
	DeviceID     DeviceID   `cbor:"device_id"`
	Capabilities Capability `cbor:"capabilities"`

	IdentityNIKE []byte `cbor:"identity_nike"`
	IdentitySign []byte `cbor:"identity_sign"`
	IdentityKEM  []byte `cbor:"identity_kem"`

	SignedPreKeyID        uint64 `cbor:"spk_id"`
	SignedPreKeyNIKE      []byte `cbor:"spk_nike"`
	SignedPreKeyKEM       []byte `cbor:"spk_kem"`
	SignedPreKeySignature []byte `cbor:"spk_sig"`

	// OneTimePreKeyID is zero when the pool was empty at publish time.
	OneTimePreKeyID   uint64 `cbor:"opk_id"`
	OneTimePreKeyNIKE []byte `cbor:"opk_nike"`

	CreatedAt time.Time `cbor:"created_at"`
}

// Device describes a device participating in multi-device synchronization.
type Device struct {
	ID           DeviceID   `cbor:"id"`
	Name         string     `cbor:"name"`
	Capabilities Capability `cbor:"capabilities"`

	// KEMPublic is the device's identity KEM key, the target of
	// KEM-wrapped key shares addressed to it.
	KEMPublic []byte `cbor:"kem_public"`

	RegisteredAt time.Time `cbor:"registered_at"`
	LastUsedAt   time.Time `cbor:"last_used_at"`
	Revoked      bool      `cbor:"revoked"`
}

// QuantumReady reports whether the device declares quantum-resistant
// capability.
func (d *Device) QuantumReady() bool {
	return d.Capabilities.QuantumReady()
}

// KeyShareState tracks a KeyShare through its lifecycle.
type KeyShareState uint8

const (
	KeySharePending KeyShareState = iota
	KeyShareAccepted
	KeyShareRevoked
)

func (s KeyShareState) String() string {
	switch s {
	case KeySharePending:
		return "pending"
	case KeyShareAccepted:
		return "accepted"
	case KeyShareRevoked:
		return "revoked"
	}
	return "unknown"
}

// KeyShare is an encrypted copy of a conversation key addressed to one
// device. Only the KEM-wrapped representation ever leaves the key store
// boundary.
type KeyShare struct {
	ID             uint64        `cbor:"id"`
	ConversationID string        `cbor:"conversation_id"`
	TargetDevice   DeviceID      `cbor:"target_device"`
	State          KeyShareState `cbor:"state"`

	// KEMCiphertext encapsulates the wrapping secret to the target
	// device's KEM public key.
	KEMCiphertext []byte `cbor:"kem_ciphertext"`

	// Nonce and Sealed hold the conversation key sealed under the
	// wrapping secret.
	Nonce  []byte `cbor:"nonce"`
	Sealed []byte `cbor:"sealed"`

	CreatedAt time.Time `cbor:"created_at"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

// VerificationRecord is one entry of the append-only identity
// verification log for a (local, remote) device pair.
type VerificationRecord struct {
	LocalDevice  DeviceID  `cbor:"local_device"`
	RemoteDevice DeviceID  `cbor:"remote_device"`
	LocalPrint   string    `cbor:"local_print"`
	RemotePrint  string    `cbor:"remote_print"`
	Method       string    `cbor:"method"`
	Matched      bool      `cbor:"matched"`
	Timestamp    time.Time `cbor:"timestamp"`
}
