// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// kx.go - hybrid key agreement.

// Package kx implements session establishment key agreement: X3DH-style
// classical Diffie-Hellman, lattice KEM encapsulation, or both combined,
// depending on the negotiated algorithm suite. The concatenated secrets
// are fed through an HKDF combiner that yields the session root key and
// the two initial chain keys.
package kx

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/nike"

	"github.com/quietwire/quietwire/keystore"
)

const (
	// KeySize is the size of the root and chain keys.
	KeySize = 32

	combinerInfoPrefix = "kx-combiner-v1-"
)

var (
	// ErrInvalidBundleSignature is returned when a prekey bundle's
	// signature does not verify. No session state is created.
	ErrInvalidBundleSignature = errors.New("kx: invalid bundle signature")

	// ErrUnsupportedAlgorithmSuite is returned when two capability sets
	// have no workable suite in common.
	ErrUnsupportedAlgorithmSuite = errors.New("kx: no overlapping algorithm suite")

	// ErrMalformedHandshake is returned when a handshake message fails
	// to parse or carries keys of the wrong size.
	ErrMalformedHandshake = errors.New("kx: malformed handshake")
)

// Handshake is the initiator's first-flight message. It carries
// everything the responder needs to derive the same root key.
type Handshake struct {
	Suite           Suite             `cbor:"suite"`
	InitiatorDevice keystore.DeviceID `cbor:"initiator_device"`

	// ConversationID names the conversation the resulting session
	// belongs to; the same device pair can hold one session per
	// conversation. Set by the session layer, opaque here.
	ConversationID string `cbor:"conversation_id,omitempty"`

	IdentityNIKE []byte `cbor:"identity_nike"`
	IdentityKEM  []byte `cbor:"identity_kem"`

	EphemeralNIKE []byte `cbor:"ephemeral_nike"`

	SignedPreKeyID  uint64 `cbor:"spk_id"`
	OneTimePreKeyID uint64 `cbor:"opk_id"`

	// KEMCiphertextPreKey encapsulates to the bundle's signed prekey
	// KEM key (hybrid and quantum suites).
	KEMCiphertextPreKey []byte `cbor:"kem_ct_prekey"`

	// KEMCiphertextIdentity encapsulates to the bundle's identity KEM
	// key (quantum suite only).
	KEMCiphertextIdentity []byte `cbor:"kem_ct_identity"`
}

// Marshal serializes the handshake for transport.
func (h *Handshake) Marshal() ([]byte, error) {
	return cbor.Marshal(h)
}

// ParseHandshake deserializes a handshake message.
func ParseHandshake(blob []byte) (*Handshake, error) {
	h := new(Handshake)
	if err := cbor.Unmarshal(blob, h); err != nil {
		return nil, ErrMalformedHandshake
	}
	return h, nil
}

// Result is the outcome of a successful key agreement. SendChain and
// RecvChain are oriented for the party holding the Result.
type Result struct {
	Suite      Suite
	Downgraded bool

	RootKey   []byte
	SendChain []byte
	RecvChain []byte

	// RatchetPrivate seeds the holder's side of the DH ratchet: the
	// ephemeral key for the initiator, the signed prekey for the
	// responder.
	RatchetPrivate nike.PrivateKey

	// RemoteRatchetPublic is the other side's initial ratchet key.
	RemoteRatchetPublic nike.PublicKey

	// RemoteIdentityKEM is the other side's identity KEM key, used to
	// hybridize ratchet rotations on KEM-bearing suites.
	RemoteIdentityKEM kem.PublicKey

	RemoteDevice keystore.DeviceID
}

// Initiate runs the initiator side of key agreement against a fetched
// prekey bundle and produces the handshake message for the responder.
func Initiate(identity *keystore.IdentityKeyPair, bundle *keystore.PreKeyBundle) (*Result, *Handshake, error) {
	if !bundle.VerifySignature() {
		return nil, nil, ErrInvalidBundleSignature
	}
	suite, downgraded, err := Negotiate(identity.Capabilities, bundle.Capabilities)
	if err != nil {
		return nil, nil, err
	}

	remoteIdentityNIKE, err := keystore.NIKEScheme.UnmarshalBinaryPublicKey(bundle.IdentityNIKE)
	if err != nil {
		return nil, nil, ErrMalformedHandshake
	}
	remoteSPK, err := keystore.NIKEScheme.UnmarshalBinaryPublicKey(bundle.SignedPreKeyNIKE)
	if err != nil {
		return nil, nil, ErrMalformedHandshake
	}
	remoteIdentityKEM, err := keystore.KEMScheme.UnmarshalBinaryPublicKey(bundle.IdentityKEM)
	if err != nil {
		return nil, nil, ErrMalformedHandshake
	}

	ephPub, ephPriv, err := keystore.NIKEScheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}

	identityKEMBytes, err := identity.KEMPublic.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	hs := &Handshake{
		Suite:           suite,
		InitiatorDevice: identity.DeviceID,
		IdentityNIKE:    identity.NIKEPublic.Bytes(),
		IdentityKEM:     identityKEMBytes,
		EphemeralNIKE:   ephPub.Bytes(),
		SignedPreKeyID:  bundle.SignedPreKeyID,
	}

	var secrets [][]byte
	if suite.usesClassical() {
		// X3DH: IK_A-SPK_B, EK_A-IK_B, EK_A-SPK_B, EK_A-OPK_B.
		secrets = append(secrets,
			keystore.NIKEScheme.DeriveSecret(identity.NIKEPrivate, remoteSPK),
			keystore.NIKEScheme.DeriveSecret(ephPriv, remoteIdentityNIKE),
			keystore.NIKEScheme.DeriveSecret(ephPriv, remoteSPK),
		)
		if bundle.HasOneTimePreKey() {
			remoteOPK, err := keystore.NIKEScheme.UnmarshalBinaryPublicKey(bundle.OneTimePreKeyNIKE)
			if err != nil {
				return nil, nil, ErrMalformedHandshake
			}
			secrets = append(secrets, keystore.NIKEScheme.DeriveSecret(ephPriv, remoteOPK))
			hs.OneTimePreKeyID = bundle.OneTimePreKeyID
		}
	}
	if suite.UsesKEM() {
		remoteSPKKEM, err := keystore.KEMScheme.UnmarshalBinaryPublicKey(bundle.SignedPreKeyKEM)
		if err != nil {
			return nil, nil, ErrMalformedHandshake
		}
		ct, ss, err := keystore.KEMScheme.Encapsulate(remoteSPKKEM)
		if err != nil {
			return nil, nil, err
		}
		hs.KEMCiphertextPreKey = ct
		secrets = append(secrets, ss)
	}
	if suite == SuiteQuantum {
		ct, ss, err := keystore.KEMScheme.Encapsulate(remoteIdentityKEM)
		if err != nil {
			return nil, nil, err
		}
		hs.KEMCiphertextIdentity = ct
		secrets = append(secrets, ss)
	}

	root, chainAB, chainBA, err := combine(suite, hs.IdentityNIKE, bundle.IdentityNIKE, secrets)
	if err != nil {
		return nil, nil, err
	}

	return &Result{
		Suite:               suite,
		Downgraded:          downgraded,
		RootKey:             root,
		SendChain:           chainAB,
		RecvChain:           chainBA,
		RatchetPrivate:      ephPriv,
		RemoteRatchetPublic: remoteSPK,
		RemoteIdentityKEM:   remoteIdentityKEM,
		RemoteDevice:        bundle.DeviceID,
	}, hs, nil
}

// Respond runs the responder side of key agreement: it resolves the
// referenced prekeys from the store, consumes the one-time prekey and
// derives the same root and chain keys as the initiator.
func Respond(store *keystore.Store, identity *keystore.IdentityKeyPair, hs *Handshake) (*Result, error) {
	if !localSupports(identity.Capabilities, hs.Suite) {
		return nil, ErrUnsupportedAlgorithmSuite
	}

	initiatorIdentityNIKE, err := keystore.NIKEScheme.UnmarshalBinaryPublicKey(hs.IdentityNIKE)
	if err != nil {
		return nil, ErrMalformedHandshake
	}
	initiatorEph, err := keystore.NIKEScheme.UnmarshalBinaryPublicKey(hs.EphemeralNIKE)
	if err != nil {
		return nil, ErrMalformedHandshake
	}
	initiatorIdentityKEM, err := keystore.KEMScheme.UnmarshalBinaryPublicKey(hs.IdentityKEM)
	if err != nil {
		return nil, ErrMalformedHandshake
	}

	spk, err := store.SignedPreKey(hs.SignedPreKeyID)
	if err != nil {
		return nil, err
	}

	// Run every fallible decapsulation before touching the one-time
	// prekey: consuming it is irreversible, and a garbled handshake
	// must not burn it.
	var kemPreKeySecret, kemIdentitySecret []byte
	if hs.Suite.UsesKEM() {
		kemPreKeySecret, err = keystore.KEMScheme.Decapsulate(spk.KEMPrivate, hs.KEMCiphertextPreKey)
		if err != nil {
			return nil, ErrMalformedHandshake
		}
	}
	if hs.Suite == SuiteQuantum {
		kemIdentitySecret, err = keystore.KEMScheme.Decapsulate(identity.KEMPrivate, hs.KEMCiphertextIdentity)
		if err != nil {
			return nil, ErrMalformedHandshake
		}
	}

	// Secrets feed the combiner in protocol order regardless of the
	// order they were derived in.
	var secrets [][]byte
	if hs.Suite.usesClassical() {
		secrets = append(secrets,
			keystore.NIKEScheme.DeriveSecret(spk.NIKEPrivate, initiatorIdentityNIKE),
			keystore.NIKEScheme.DeriveSecret(identity.NIKEPrivate, initiatorEph),
			keystore.NIKEScheme.DeriveSecret(spk.NIKEPrivate, initiatorEph),
		)
		if hs.OneTimePreKeyID != 0 {
			opk, err := store.ConsumeOneTimePreKey(hs.OneTimePreKeyID)
			if err != nil {
				return nil, err
			}
			secrets = append(secrets, keystore.NIKEScheme.DeriveSecret(opk.NIKEPrivate, initiatorEph))
		}
	}
	if kemPreKeySecret != nil {
		secrets = append(secrets, kemPreKeySecret)
	}
	if kemIdentitySecret != nil {
		secrets = append(secrets, kemIdentitySecret)
	}

	root, chainAB, chainBA, err := combine(hs.Suite, hs.IdentityNIKE, identity.NIKEPublic.Bytes(), secrets)
	if err != nil {
		return nil, err
	}

	return &Result{
		Suite:               hs.Suite,
		Downgraded:          hs.Suite == SuiteClassical,
		RootKey:             root,
		SendChain:           chainBA,
		RecvChain:           chainAB,
		RatchetPrivate:      spk.NIKEPrivate,
		RemoteRatchetPublic: initiatorEph,
		RemoteIdentityKEM:   initiatorIdentityKEM,
		RemoteDevice:        hs.InitiatorDevice,
	}, nil
}

// combine is the KDF combiner: the agreed secrets are concatenated in
// protocol order and expanded with HKDF-SHA256, salted with a digest of
// both identity keys and labelled with the suite. The output is the root
// key and one chain key per direction.
func combine(suite Suite, initiatorIdentity, responderIdentity []byte, secrets [][]byte) (root, chainAB, chainBA []byte, err error) {
	var ikm []byte
	for _, s := range secrets {
		ikm = append(ikm, s...)
	}
	salt := hash.Sum256(append(append([]byte(nil), initiatorIdentity...), responderIdentity...))
	info := []byte(combinerInfoPrefix + suite.String())

	r := hkdf.New(sha256.New, ikm, salt[:], info)
	root = make([]byte, KeySize)
	chainAB = make([]byte, KeySize)
	chainBA = make([]byte, KeySize)
	for _, out := range [][]byte{root, chainAB, chainBA} {
		if _, err = io.ReadFull(r, out); err != nil {
			return nil, nil, nil, err
		}
	}
	return root, chainAB, chainBA, nil
}
