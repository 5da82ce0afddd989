// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

package engine

import (
	"errors"
	"time"

	"github.com/quietwire/quietwire/keystore"
	"github.com/quietwire/quietwire/session"
)

// Statistics is a point-in-time snapshot of engine health.
type Statistics struct {
	Initialized bool

	TotalSessions        int
	SessionsByState      map[string]int
	VerifiedSessions     int
	TrustedSessions      int
	DowngradedSessions   int
	TrustChangedSessions int
	RenegotiationFlagged int

	OneTimePreKeys  int
	SignedPreKeyAge time.Duration
	HasSignedPreKey bool
	Devices         int
	RevokedDevices  int

	// QuantumReadyDeviceRatio is the fraction of active devices that
	// declare a quantum-resistant capability.
	QuantumReadyDeviceRatio float64

	StoreVersion uint64

	// HealthScore grades overall hygiene from 0 to 100.
	HealthScore int
}

// GetStatistics gathers counters from all components and computes the
// health score.
func (e *Engine) GetStatistics() (*Statistics, error) {
	stats := &Statistics{SessionsByState: make(map[string]int)}

	if _, err := e.store.Identity(); err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			return stats, nil
		}
		return nil, err
	}
	stats.Initialized = true
	stats.StoreVersion = e.store.Version()

	for _, s := range e.sessions.Sessions() {
		stats.TotalSessions++
		stats.SessionsByState[s.State().String()]++
		switch s.Trust() {
		case session.TrustVerified:
			stats.VerifiedSessions++
		case session.TrustTrusted:
			stats.TrustedSessions++
		case session.TrustChanged:
			stats.TrustChangedSessions++
		}
		if s.Downgraded() {
			stats.DowngradedSessions++
		}
		if s.NeedsRenegotiation() {
			stats.RenegotiationFlagged++
		}
	}

	count, err := e.store.OneTimePreKeyCount()
	if err != nil {
		return nil, err
	}
	stats.OneTimePreKeys = count
	oneTimePreKeyPool.Set(float64(count))

	age, err := e.store.CurrentSignedPreKeyAge()
	switch {
	case errors.Is(err, keystore.ErrNoSignedPreKey):
	case err != nil:
		return nil, err
	default:
		stats.HasSignedPreKey = true
		stats.SignedPreKeyAge = age
	}

	devices, err := e.store.Devices()
	if err != nil {
		return nil, err
	}
	stats.Devices = len(devices)
	quantumReady := 0
	for _, d := range devices {
		if d.Revoked {
			stats.RevokedDevices++
			continue
		}
		if d.QuantumReady() {
			quantumReady++
		}
	}
	if active := stats.Devices - stats.RevokedDevices; active > 0 {
		stats.QuantumReadyDeviceRatio = float64(quantumReady) / float64(active)
	}

	stats.HealthScore = e.healthScore(stats)
	return stats, nil
}

// healthScore penalizes conditions maintenance should be fixing or the
// user should be acting on.
func (e *Engine) healthScore(stats *Statistics) int {
	score := 100
	switch {
	case stats.OneTimePreKeys == 0:
		score -= 30
	case stats.OneTimePreKeys < e.cfg.PreKeys.OneTimeLowWater:
		score -= 15
	}
	switch {
	case !stats.HasSignedPreKey:
		score -= 20
	case stats.SignedPreKeyAge > 2*e.cfg.PreKeys.SignedRotationInterval:
		score -= 10
	}
	if stats.RenegotiationFlagged > 0 {
		score -= 15
	}
	if stats.TrustChangedSessions > 0 {
		score -= 10
	}
	if stats.DowngradedSessions > 0 {
		score -= 10
	}
	if score < 0 {
		score = 0
	}
	return score
}
