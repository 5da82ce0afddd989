// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

package engine

import (
	"github.com/quietwire/quietwire/keystore"
	"github.com/quietwire/quietwire/kx"
	"github.com/quietwire/quietwire/maintenance"
)

// Event is the non-blocking event stream marker. Consumers read
// concrete event values from Engine.EventSink.
type Event interface{}

// SessionEstablishedEvent is emitted when key agreement with a remote
// device completes, on either side.
type SessionEstablishedEvent struct {
	Ref          string
	RemoteDevice keystore.DeviceID
	Suite        kx.Suite

	// Downgraded is set when suite negotiation settled on a weaker
	// suite than the local device prefers.
	Downgraded bool

	// Initiator distinguishes the side that fetched the bundle from
	// the side that answered the handshake.
	Initiator bool
}

// KeyRotatedEvent is emitted when a session ratchet rotation is
// scheduled or a signed prekey is rotated.
type KeyRotatedEvent struct {
	// Ref is empty for signed prekey rotations.
	Ref  string
	Kind string
}

// DeviceRegisteredEvent is emitted when a device joins the roster.
type DeviceRegisteredEvent struct {
	Device keystore.DeviceID
	Name   string
}

// DeviceRevokedEvent is emitted when a device's access is revoked.
type DeviceRevokedEvent struct {
	Device keystore.DeviceID
}

// KeyShareAcceptedEvent is emitted when a conversation key share is
// unwrapped and stored locally.
type KeyShareAcceptedEvent struct {
	ShareID        uint64
	ConversationID string
}

// VerificationChangedEvent is emitted when a fingerprint verification
// completes or a remote identity key change is detected.
type VerificationChangedEvent struct {
	Device  keystore.DeviceID
	Matched bool

	// IdentityChanged is set when the event was caused by a remote
	// identity key change rather than a manual verification.
	IdentityChanged bool
}

// MaintenanceCompletedEvent carries the report of a finished
// maintenance pass.
type MaintenanceCompletedEvent struct {
	Report *maintenance.Report
}
