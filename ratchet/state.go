// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ratchet

import (
	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"

	"github.com/quietwire/quietwire/keystore"
)

// state is the CBOR serialized form of a ratchet, sealed by the caller
// before it touches disk.
type state struct {
	WithKEM bool `cbor:"with_kem"`

	RootKey   []byte `cbor:"root_key"`
	SendChain []byte `cbor:"send_chain"`
	RecvChain []byte `cbor:"recv_chain"`

	SendEpoch     uint32 `cbor:"send_epoch"`
	RecvEpoch     uint32 `cbor:"recv_epoch"`
	SendCount     uint32 `cbor:"send_count"`
	RecvCount     uint32 `cbor:"recv_count"`
	PrevSendCount uint32 `cbor:"prev_send_count"`

	RatchetPrivate      []byte `cbor:"ratchet_private"`
	RemoteRatchetPublic []byte `cbor:"remote_ratchet_public"`
	LocalKEMPrivate     []byte `cbor:"local_kem_private,omitempty"`
	RemoteKEMPublic     []byte `cbor:"remote_kem_public,omitempty"`

	PendingKEMCiphertext []byte `cbor:"pending_kem_ciphertext,omitempty"`

	Turn            bool `cbor:"turn"`
	PendingRotation bool `cbor:"pending_rotation"`

	SkippedKeys []serializedSkippedKey `cbor:"skipped_keys,omitempty"`
}

// Save serializes the full ratchet state, key material included. The
// caller is responsible for encrypting the blob at rest.
func (r *Ratchet) Save() ([]byte, error) {
	s := &state{
		WithKEM:              r.withKEM,
		RootKey:              r.rootKey.Bytes(),
		SendChain:            r.sendChain.Bytes(),
		RecvChain:            r.recvChain.Bytes(),
		SendEpoch:            r.sendEpoch,
		RecvEpoch:            r.recvEpoch,
		SendCount:            r.sendCount,
		RecvCount:            r.recvCount,
		PrevSendCount:        r.prevSendCount,
		RatchetPrivate:       r.ratchetPrivate.Bytes(),
		RemoteRatchetPublic:  r.remoteRatchetPublic.Bytes(),
		PendingKEMCiphertext: r.pendingKEMCiphertext,
		Turn:                 r.turn,
		PendingRotation:      r.pendingRotation,
		SkippedKeys:          r.skipped.serialize(),
	}
	if r.withKEM {
		var err error
		s.LocalKEMPrivate, err = r.localKEMPrivate.MarshalBinary()
		if err != nil {
			return nil, err
		}
		s.RemoteKEMPublic, err = r.remoteKEMPublic.MarshalBinary()
		if err != nil {
			return nil, err
		}
	}
	return cbor.Marshal(s)
}

// Load reconstructs a ratchet from a Save blob.
func Load(cfg *Config, blob []byte) (*Ratchet, error) {
	cfg.fixup()
	s := new(state)
	if err := cbor.Unmarshal(blob, s); err != nil {
		return nil, err
	}

	ratchetPrivate, err := keystore.NIKEScheme.UnmarshalBinaryPrivateKey(s.RatchetPrivate)
	if err != nil {
		return nil, err
	}
	remoteRatchetPublic, err := keystore.NIKEScheme.UnmarshalBinaryPublicKey(s.RemoteRatchetPublic)
	if err != nil {
		return nil, err
	}

	r := &Ratchet{
		scheme:               keystore.NIKEScheme,
		kemScheme:            keystore.KEMScheme,
		withKEM:              s.WithKEM,
		rootKey:              memguard.NewBufferFromBytes(s.RootKey),
		sendChain:            memguard.NewBufferFromBytes(s.SendChain),
		recvChain:            memguard.NewBufferFromBytes(s.RecvChain),
		sendEpoch:            s.SendEpoch,
		recvEpoch:            s.RecvEpoch,
		sendCount:            s.SendCount,
		recvCount:            s.RecvCount,
		prevSendCount:        s.PrevSendCount,
		ratchetPrivate:       ratchetPrivate,
		ratchetPublic:        keystore.NIKEScheme.DerivePublicKey(ratchetPrivate),
		remoteRatchetPublic:  remoteRatchetPublic,
		pendingKEMCiphertext: s.PendingKEMCiphertext,
		turn:                 s.Turn,
		pendingRotation:      s.PendingRotation,
		skipped:              newSkippedKeyCache(cfg.CacheSize),
		skipWindow:           cfg.SkipWindow,
	}
	if s.WithKEM {
		r.localKEMPrivate, err = keystore.KEMScheme.UnmarshalBinaryPrivateKey(s.LocalKEMPrivate)
		if err != nil {
			return nil, err
		}
		r.remoteKEMPublic, err = keystore.KEMScheme.UnmarshalBinaryPublicKey(s.RemoteKEMPublic)
		if err != nil {
			return nil, err
		}
	}
	r.skipped.restore(s.SkippedKeys)
	return r, nil
}
