// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// suite.go - algorithm suite negotiation.

package kx

import (
	"github.com/quietwire/quietwire/keystore"
)

// Suite identifies the algorithm suite negotiated for a session. It is
// selected once at establishment time and recorded on the session.
type Suite uint8

const (
	// SuiteClassical is X3DH-style classical agreement only. Sessions
	// established with it carry a downgrade warning.
	SuiteClassical Suite = iota + 1

	// SuiteHybrid combines classical agreement with a lattice KEM
	// encapsulation, secure while either scheme holds.
	SuiteHybrid

	// SuiteQuantum uses lattice KEM encapsulation only.
	SuiteQuantum
)

func (s Suite) String() string {
	switch s {
	case SuiteClassical:
		return "classical"
	case SuiteHybrid:
		return "hybrid"
	case SuiteQuantum:
		return "quantum"
	}
	return "unknown"
}

// usesClassical reports whether the suite performs the classical DH
// agreement.
func (s Suite) usesClassical() bool {
	return s == SuiteClassical || s == SuiteHybrid
}

// UsesKEM reports whether the suite performs KEM encapsulation, both at
// establishment and on ratchet rotations.
func (s Suite) UsesKEM() bool {
	return s == SuiteHybrid || s == SuiteQuantum
}

func supportsClassical(c keystore.Capability) bool {
	return c.Has(keystore.CapClassical) || c.Has(keystore.CapHybrid)
}

// Negotiate selects the strongest suite both capability sets can run:
// quantum-only when both sides declare it, hybrid when both can, and
// classical as the common floor. The returned bool is the downgrade
// warning that is persisted on sessions established without quantum
// resistance.
func Negotiate(local, remote keystore.Capability) (Suite, bool, error) {
	switch {
	case local.Has(keystore.CapQuantum) && remote.Has(keystore.CapQuantum):
		return SuiteQuantum, false, nil
	case local.Has(keystore.CapHybrid) && remote.Has(keystore.CapHybrid):
		if supportsClassical(local) && supportsClassical(remote) {
			return SuiteHybrid, false, nil
		}
		return 0, false, ErrUnsupportedAlgorithmSuite
	case local.Has(keystore.CapClassical) && remote.Has(keystore.CapClassical):
		return SuiteClassical, true, nil
	}
	return 0, false, ErrUnsupportedAlgorithmSuite
}

// localSupports reports whether the local capability set can run the
// given suite. Responders use it to validate an initiator's choice.
func localSupports(c keystore.Capability, s Suite) bool {
	switch s {
	case SuiteClassical:
		return c.Has(keystore.CapClassical)
	case SuiteHybrid:
		return c.Has(keystore.CapHybrid) && supportsClassical(c)
	case SuiteQuantum:
		return c.Has(keystore.CapQuantum)
	}
	return false
}
