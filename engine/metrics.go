// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsEstablished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quietwire_sessions_established_total",
			Help: "Number of sessions established",
		},
	)
	messagesEncrypted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quietwire_messages_encrypted_total",
			Help: "Number of messages encrypted",
		},
	)
	messagesDecrypted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quietwire_messages_decrypted_total",
			Help: "Number of messages decrypted",
		},
	)
	decryptionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quietwire_decryption_failures_total",
			Help: "Number of messages that failed to decrypt",
		},
	)
	keyRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quietwire_key_rotations_total",
			Help: "Number of key rotations",
		},
		[]string{"kind"},
	)
	maintenancePasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quietwire_maintenance_passes_total",
			Help: "Number of completed maintenance passes",
		},
	)
	oneTimePreKeyPool = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quietwire_one_time_prekeys",
			Help: "Size of the one-time prekey pool",
		},
	)
)

func init() {
	prometheus.MustRegister(sessionsEstablished)
	prometheus.MustRegister(messagesEncrypted)
	prometheus.MustRegister(messagesDecrypted)
	prometheus.MustRegister(decryptionFailures)
	prometheus.MustRegister(keyRotations)
	prometheus.MustRegister(maintenancePasses)
	prometheus.MustRegister(oneTimePreKeyPool)
}
