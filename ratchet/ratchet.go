// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ratchet implements a double ratchet over an X25519 DH
// ratchet, optionally hybridized with an ML-KEM-768 encapsulation on
// every rotation. Symmetric chain steps give per-message keys; DH
// rotations replace the root key and heal the session after a key
// compromise.
package ratchet

import (
	"crypto/hmac"
	"errors"
	"hash"
	"io"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/sha3"

	"github.com/quietwire/quietwire/keystore"
)

var (
	// ErrDecryptionFailed is returned when a message cannot be opened:
	// a replayed counter, a corrupted ciphertext, or a message whose
	// key has already been evicted from the skipped key cache.
	ErrDecryptionFailed = errors.New("ratchet: decryption failed")

	// ErrSkipWindowExceeded is returned when a message counter jumps
	// further ahead than the configured skip window allows. The
	// session should be flagged for renegotiation.
	ErrSkipWindowExceeded = errors.New("ratchet: skip window exceeded")

	// ErrMalformedMessage is returned for messages that do not parse.
	ErrMalformedMessage = errors.New("ratchet: malformed message")

	// ErrStaleEpoch is returned when a rotation arrives that cannot be
	// chained onto the current root key.
	ErrStaleEpoch = errors.New("ratchet: stale ratchet epoch")
)

// Config bounds the receive side of a ratchet.
type Config struct {
	// SkipWindow is the maximum forward jump in message counters
	// tolerated within a chain.
	SkipWindow uint32

	// CacheSize bounds the skipped message key cache.
	CacheSize int
}

func (c *Config) fixup() {
	if c.SkipWindow == 0 {
		c.SkipWindow = DefaultSkipWindow
	}
	if c.CacheSize == 0 {
		c.CacheSize = DefaultCacheSize
	}
}

// Params seeds a new ratchet from a completed key agreement.
type Params struct {
	// Initiator grants the first rotation turn.
	Initiator bool

	// WithKEM hybridizes every rotation with an ML-KEM-768
	// encapsulation against the peer's identity KEM key.
	WithKEM bool

	RootKey   []byte
	SendChain []byte
	RecvChain []byte

	// RatchetPrivate is our side of the initial DH ratchet.
	RatchetPrivate nike.PrivateKey

	// RemoteRatchetPublic is the peer's initial ratchet key.
	RemoteRatchetPublic nike.PublicKey

	// LocalKEMPrivate decapsulates rotation ciphertexts sent to us.
	// Required when WithKEM is set.
	LocalKEMPrivate kem.PrivateKey

	// RemoteKEMPublic receives our rotation encapsulations. Required
	// when WithKEM is set.
	RemoteKEMPublic kem.PublicKey
}

type header struct {
	Epoch         uint32 `cbor:"epoch"`
	Counter       uint32 `cbor:"counter"`
	PrevCount     uint32 `cbor:"prev_count"`
	RatchetPublic []byte `cbor:"ratchet_public"`
	KEMCiphertext []byte `cbor:"kem_ciphertext,omitempty"`
	Nonce         []byte `cbor:"nonce"`
}

type message struct {
	Header     header `cbor:"header"`
	Ciphertext []byte `cbor:"ciphertext"`
}

// Ratchet is one endpoint of an established pairwise session. It is
// not safe for concurrent use; callers serialize access.
type Ratchet struct {
	scheme    nike.Scheme
	kemScheme kem.Scheme
	withKEM   bool

	rootKey   *memguard.LockedBuffer
	sendChain *memguard.LockedBuffer
	recvChain *memguard.LockedBuffer

	sendEpoch     uint32
	recvEpoch     uint32
	sendCount     uint32
	recvCount     uint32
	prevSendCount uint32

	ratchetPrivate      nike.PrivateKey
	ratchetPublic       nike.PublicKey
	remoteRatchetPublic nike.PublicKey

	localKEMPrivate kem.PrivateKey
	remoteKEMPublic kem.PublicKey

	// pendingKEMCiphertext rides in every header of the current send
	// epoch so the peer can decapsulate our latest rotation even if
	// the first message of the epoch is lost.
	pendingKEMCiphertext []byte

	// turn is true when we are allowed to rotate: initially for the
	// initiator, and after every rotation we receive. Rotations
	// strictly alternate so both sides apply root key updates in the
	// same order.
	turn            bool
	pendingRotation bool

	skipped    *skippedKeyCache
	skipWindow uint32
}

// New builds a ratchet from freshly agreed key material.
func New(cfg *Config, p *Params) (*Ratchet, error) {
	cfg.fixup()
	if len(p.RootKey) != keySize || len(p.SendChain) != keySize || len(p.RecvChain) != keySize {
		return nil, errors.New("ratchet: bad key material size")
	}
	if p.WithKEM && (p.LocalKEMPrivate == nil || p.RemoteKEMPublic == nil) {
		return nil, errors.New("ratchet: KEM keys required for hybrid rotation")
	}
	r := &Ratchet{
		scheme:              keystore.NIKEScheme,
		kemScheme:           keystore.KEMScheme,
		withKEM:             p.WithKEM,
		rootKey:             memguard.NewBufferFromBytes(append([]byte{}, p.RootKey...)),
		sendChain:           memguard.NewBufferFromBytes(append([]byte{}, p.SendChain...)),
		recvChain:           memguard.NewBufferFromBytes(append([]byte{}, p.RecvChain...)),
		ratchetPrivate:      p.RatchetPrivate,
		ratchetPublic:       keystore.NIKEScheme.DerivePublicKey(p.RatchetPrivate),
		remoteRatchetPublic: p.RemoteRatchetPublic,
		localKEMPrivate:     p.LocalKEMPrivate,
		remoteKEMPublic:     p.RemoteKEMPublic,
		turn:                p.Initiator,
		skipped:             newSkippedKeyCache(cfg.CacheSize),
		skipWindow:          cfg.SkipWindow,
	}
	return r, nil
}

// RequestRotation schedules a DH ratchet step. The rotation is applied
// on the next Encrypt once it is our turn; requesting again before
// then is a no-op.
func (r *Ratchet) RequestRotation() {
	r.pendingRotation = true
}

// RotationPending reports whether a requested rotation has not yet
// been applied.
func (r *Ratchet) RotationPending() bool {
	return r.pendingRotation
}

// SendCount returns the counter the next encrypted message will carry.
func (r *Ratchet) SendCount() uint32 { return r.sendCount }

// RecvCount returns the next expected in-order receive counter.
func (r *Ratchet) RecvCount() uint32 { return r.recvCount }

// Epochs returns the send and receive DH ratchet epochs.
func (r *Ratchet) Epochs() (send, recv uint32) { return r.sendEpoch, r.recvEpoch }

// SkippedKeyCount returns the number of cached out-of-order message keys.
func (r *Ratchet) SkippedKeyCount() int { return r.skipped.len() }

// Encrypt seals plaintext under the next sending chain key and advances
// the chain. A pending rotation is applied first when permitted.
func (r *Ratchet) Encrypt(plaintext []byte) ([]byte, error) {
	if r.pendingRotation && r.turn {
		if err := r.rotateSend(); err != nil {
			return nil, err
		}
	}

	h := hmac.New(sha3.New256, r.sendChain.Bytes())
	messageKey := memguard.NewBuffer(keySize)
	deriveKey(messageKey, messageKeyLabel, h)
	deriveKey(r.sendChain, chainKeyStepLabel, h)
	defer messageKey.Destroy()

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	hdr := header{
		Epoch:         r.sendEpoch,
		Counter:       r.sendCount,
		PrevCount:     r.prevSendCount,
		RatchetPublic: r.ratchetPublic.Bytes(),
		KEMCiphertext: r.pendingKEMCiphertext,
		Nonce:         nonce,
	}
	r.sendCount++

	ciphertext := secretbox.Seal(nil, plaintext, nonceOf(nonce), keyOf(messageKey.Bytes()))
	return cbor.Marshal(&message{Header: hdr, Ciphertext: ciphertext})
}

// Decrypt opens a sealed message and returns the plaintext together
// with the message counter from its header. Out-of-order messages
// within the skip window are handled transparently; replays and
// evicted keys fail with ErrDecryptionFailed.
func (r *Ratchet) Decrypt(blob []byte) ([]byte, uint32, error) {
	var m message
	if err := cbor.Unmarshal(blob, &m); err != nil {
		return nil, 0, ErrMalformedMessage
	}
	hdr := &m.Header
	if len(hdr.Nonce) != nonceSize || len(hdr.RatchetPublic) != r.scheme.PublicKeySize() {
		return nil, 0, ErrMalformedMessage
	}

	switch {
	case hdr.Epoch == r.recvEpoch:
		pt, err := r.decryptCurrent(hdr, m.Ciphertext)
		return pt, hdr.Counter, err
	case hdr.Epoch == r.recvEpoch+1:
		pt, err := r.decryptRotation(hdr, m.Ciphertext)
		return pt, hdr.Counter, err
	case hdr.Epoch < r.recvEpoch:
		// A straggler from a superseded chain. Only its cached key
		// can open it now.
		pt, err := r.decryptSkipped(hdr, m.Ciphertext)
		return pt, hdr.Counter, err
	default:
		return nil, 0, ErrStaleEpoch
	}
}

func (r *Ratchet) decryptCurrent(hdr *header, ciphertext []byte) ([]byte, error) {
	if hdr.Counter < r.recvCount {
		return r.decryptSkipped(hdr, ciphertext)
	}
	if hdr.Counter-r.recvCount > r.skipWindow {
		return nil, ErrSkipWindowExceeded
	}

	// Derive forward from a copy of the receiving chain. Nothing is
	// committed until the message authenticates, so a forged counter
	// cannot advance the chain or poison the skipped key cache.
	messageKey, chain, stepped := deriveThrough(r.recvChain, r.recvCount, hdr.Counter)
	defer messageKey.Destroy()

	plaintext, ok := secretbox.Open(nil, ciphertext, nonceOf(hdr.Nonce), keyOf(messageKey.Bytes()))
	if !ok {
		destroyStaged(stepped)
		chain.Destroy()
		return nil, ErrDecryptionFailed
	}

	for _, e := range stepped {
		r.skipped.put(r.recvEpoch, e.counter, e.key.Bytes())
		e.key.Destroy()
	}
	r.recvChain.Destroy()
	r.recvChain = chain
	r.recvCount = hdr.Counter + 1
	return plaintext, nil
}

func (r *Ratchet) decryptSkipped(hdr *header, ciphertext []byte) ([]byte, error) {
	key := r.skipped.take(hdr.Epoch, hdr.Counter)
	if key == nil {
		return nil, ErrDecryptionFailed
	}
	defer key.Destroy()
	plaintext, ok := secretbox.Open(nil, ciphertext, nonceOf(hdr.Nonce), keyOf(key.Bytes()))
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// rotateSend performs our half of a DH ratchet step: a fresh ratchet
// keypair, an optional KEM encapsulation to the peer, and a root key
// update feeding a new sending chain.
func (r *Ratchet) rotateSend() error {
	newPublic, newPrivate, err := r.scheme.GenerateKeyPair()
	if err != nil {
		return err
	}
	dh := r.scheme.DeriveSecret(newPrivate, r.remoteRatchetPublic)

	var kemCiphertext, kemShared []byte
	if r.withKEM {
		kemCiphertext, kemShared, err = r.kemScheme.Encapsulate(r.remoteKEMPublic)
		if err != nil {
			return err
		}
	}

	root, chain := r.deriveRootUpdate(dh, kemShared)
	r.rootKey.Destroy()
	r.rootKey = root
	r.sendChain.Destroy()
	r.sendChain = chain
	r.ratchetPrivate = newPrivate
	r.ratchetPublic = newPublic
	r.pendingKEMCiphertext = kemCiphertext
	r.prevSendCount, r.sendCount = r.sendCount, 0
	r.sendEpoch++
	r.pendingRotation = false
	r.turn = false
	return nil
}

// decryptRotation handles the first messages of the peer's next DH
// ratchet epoch. Message headers travel in the clear, so the root key
// update, the epoch advance, and the keys skipped on the closing chain
// are all staged locally and committed only after the ciphertext
// authenticates; a forged rotation header cannot desynchronize the
// session.
func (r *Ratchet) decryptRotation(hdr *header, ciphertext []byte) ([]byte, error) {
	if hdr.PrevCount >= r.recvCount && hdr.PrevCount-r.recvCount > r.skipWindow {
		return nil, ErrSkipWindowExceeded
	}
	if hdr.Counter > r.skipWindow {
		return nil, ErrSkipWindowExceeded
	}

	newRemote, err := r.scheme.UnmarshalBinaryPublicKey(hdr.RatchetPublic)
	if err != nil {
		return nil, ErrMalformedMessage
	}
	dh := r.scheme.DeriveSecret(r.ratchetPrivate, newRemote)

	var kemShared []byte
	if r.withKEM {
		if len(hdr.KEMCiphertext) == 0 {
			return nil, ErrMalformedMessage
		}
		kemShared, err = r.kemScheme.Decapsulate(r.localKEMPrivate, hdr.KEMCiphertext)
		if err != nil {
			return nil, ErrDecryptionFailed
		}
	}

	// Close out the old receiving chain up to the counter the header
	// claims the peer stopped at. PrevCount itself was never used as a
	// message counter, so its key is discarded.
	closeKey, closedChain, oldStepped := deriveThrough(r.recvChain, r.recvCount, hdr.PrevCount)
	closeKey.Destroy()
	closedChain.Destroy()

	root, newChain := r.deriveRootUpdate(dh, kemShared)
	messageKey, nextChain, newStepped := deriveThrough(newChain, 0, hdr.Counter)
	newChain.Destroy()
	defer messageKey.Destroy()

	plaintext, ok := secretbox.Open(nil, ciphertext, nonceOf(hdr.Nonce), keyOf(messageKey.Bytes()))
	if !ok {
		destroyStaged(oldStepped)
		destroyStaged(newStepped)
		root.Destroy()
		nextChain.Destroy()
		return nil, ErrDecryptionFailed
	}

	for _, e := range oldStepped {
		r.skipped.put(r.recvEpoch, e.counter, e.key.Bytes())
		e.key.Destroy()
	}
	for _, e := range newStepped {
		r.skipped.put(r.recvEpoch+1, e.counter, e.key.Bytes())
		e.key.Destroy()
	}
	r.rootKey.Destroy()
	r.rootKey = root
	r.recvChain.Destroy()
	r.recvChain = nextChain
	r.remoteRatchetPublic = newRemote
	r.recvEpoch++
	r.recvCount = hdr.Counter + 1
	r.turn = true
	return plaintext, nil
}

// stagedKey is a message key derived during decryption but not yet
// owned by the skipped key cache.
type stagedKey struct {
	counter uint32
	key     *memguard.LockedBuffer
}

func destroyStaged(stepped []stagedKey) {
	for _, e := range stepped {
		e.key.Destroy()
	}
}

// deriveThrough walks a copy of chain from counter from up to target,
// returning the message key for target, the chain advanced past it,
// and the keys for every counter stepped over. The chain passed in is
// left untouched.
func deriveThrough(chain *memguard.LockedBuffer, from, target uint32) (messageKey, next *memguard.LockedBuffer, stepped []stagedKey) {
	next = memguard.NewBufferFromBytes(append([]byte{}, chain.Bytes()...))
	for c := from; c < target; c++ {
		h := hmac.New(sha3.New256, next.Bytes())
		key := memguard.NewBuffer(keySize)
		deriveKey(key, messageKeyLabel, h)
		deriveKey(next, chainKeyStepLabel, h)
		stepped = append(stepped, stagedKey{counter: c, key: key})
	}
	h := hmac.New(sha3.New256, next.Bytes())
	messageKey = memguard.NewBuffer(keySize)
	deriveKey(messageKey, messageKeyLabel, h)
	deriveKey(next, chainKeyStepLabel, h)
	return messageKey, next, stepped
}

// deriveRootUpdate derives the next root key and chain key from the
// current root, a DH secret, and an optional KEM shared secret. The
// live root key is not modified.
func (r *Ratchet) deriveRootUpdate(dh, kemShared []byte) (root, chain *memguard.LockedBuffer) {
	sha := sha3.New256()
	sha.Write(rootKeyUpdateLabel)
	sha.Write(r.rootKey.Bytes())
	sha.Write(dh)
	sha.Write(kemShared)
	h := hmac.New(sha3.New256, sha.Sum(nil))
	root = memguard.NewBuffer(keySize)
	chain = memguard.NewBuffer(keySize)
	deriveKey(root, rootKeyLabel, h)
	deriveKey(chain, chainKeyLabel, h)
	return root, chain
}

// Destroy wipes all key material held by the ratchet.
func (r *Ratchet) Destroy() {
	r.rootKey.Destroy()
	r.sendChain.Destroy()
	r.recvChain.Destroy()
	r.skipped.destroy()
}

// deriveKey computes out = HMAC(k, label) in place on a locked buffer.
func deriveKey(key *memguard.LockedBuffer, label []byte, h hash.Hash) {
	h.Reset()
	h.Write(label)
	if !key.IsMutable() {
		key.Melt()
		defer key.Freeze()
	}
	h.Sum(key.Bytes()[:0])
}

func nonceOf(b []byte) *[nonceSize]byte {
	var n [nonceSize]byte
	copy(n[:], b)
	return &n
}

func keyOf(b []byte) *[keySize]byte {
	var k [keySize]byte
	copy(k[:], b)
	return &k
}
