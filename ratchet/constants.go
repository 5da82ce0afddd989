// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ratchet

const (
	keySize   = 32
	nonceSize = 24

	// DefaultSkipWindow is the default maximum number of skipped
	// messages tolerated on a receiving chain.
	DefaultSkipWindow = 1000

	// DefaultCacheSize is the default bound on cached skipped message
	// keys.
	DefaultCacheSize = 2000
)

// These constants are used as the label argument to deriveKey to derive
// independent keys from a master key.
var (
	rootKeyLabel       = []byte("root key")
	rootKeyUpdateLabel = []byte("root key update")
	chainKeyLabel      = []byte("chain key")
	chainKeyStepLabel  = []byte("chain key step")
	messageKeyLabel    = []byte("message key")
)
