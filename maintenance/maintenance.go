// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package maintenance runs the periodic key hygiene pass: one-time
// prekey replenishment, signed prekey rotation and pruning, scheduled
// session ratchet rotations, and expiry of idle sessions.
package maintenance

import (
	"errors"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/quietwire/quietwire/config"
	"github.com/quietwire/quietwire/core/log"
	"github.com/quietwire/quietwire/core/worker"
	"github.com/quietwire/quietwire/keystore"
	"github.com/quietwire/quietwire/session"
)

// ErrMaintenanceConflict is returned when a pass is requested while
// another one is still running. The caller retries after a backoff.
var ErrMaintenanceConflict = errors.New("maintenance: pass already in progress")

// conflictBackoff spaces retries after a conflicting pass.
const conflictBackoff = 30 * time.Second

// Report summarizes the work one maintenance pass performed. A pass on
// a healthy store reports all zeros.
type Report struct {
	OneTimePreKeysAdded  int
	SignedPreKeyRotated  bool
	RetiredPreKeysPruned int
	SessionsRotated      int
	SessionsExpired      int

	StartedAt time.Time
	Duration  time.Duration
}

// Scheduler drives maintenance passes on a fixed interval. Passes can
// also be requested explicitly; at most one runs at a time.
type Scheduler struct {
	worker.Worker

	store    *keystore.Store
	sessions *session.Manager
	cfg      *config.Config
	log      *logging.Logger

	running atomic.Bool
	wakeCh  chan struct{}

	// onComplete, when set, receives the report of every successful
	// pass.
	onComplete func(*Report)
}

func New(store *keystore.Store, sessions *session.Manager, cfg *config.Config, logBackend *log.Backend) *Scheduler {
	return &Scheduler{
		store:    store,
		sessions: sessions,
		cfg:      cfg,
		log:      logBackend.GetLogger("maintenance"),
		wakeCh:   make(chan struct{}, 1),
	}
}

// Wake requests an out-of-schedule pass, coalescing with any request
// already pending. Used when prekey exhaustion is observed mid-traffic.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// OnComplete registers a callback invoked after every successful pass.
// It must be set before Start.
func (s *Scheduler) OnComplete(fn func(*Report)) {
	s.onComplete = fn
}

// Start launches the periodic maintenance loop.
func (s *Scheduler) Start() {
	s.Go(s.loop)
}

func (s *Scheduler) loop() {
	interval := s.cfg.Maintenance.Interval
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-s.HaltCh():
			return
		case <-t.C:
		case <-s.wakeCh:
			if !t.Stop() {
				<-t.C
			}
		}
		_, err := s.RunPass()
		switch {
		case errors.Is(err, ErrMaintenanceConflict):
			t.Reset(conflictBackoff)
		case err != nil:
			s.log.Errorf("maintenance pass failed: %v", err)
			t.Reset(interval)
		default:
			t.Reset(interval)
		}
	}
}

// RunPass executes one maintenance pass. Every step is idempotent: a
// second pass right after a successful one finds nothing to do.
func (s *Scheduler) RunPass() (*Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrMaintenanceConflict
	}
	defer s.running.Store(false)

	report := &Report{StartedAt: time.Now()}

	if err := s.replenishOneTimePreKeys(report); err != nil {
		return nil, err
	}
	if err := s.rotateSignedPreKey(report); err != nil {
		return nil, err
	}

	pruned, err := s.store.PruneRetiredSignedPreKeys(s.cfg.PreKeys.SignedRetireGrace)
	if err != nil {
		return nil, err
	}
	report.RetiredPreKeysPruned = pruned

	now := time.Now()
	rotated, err := s.sessions.RotateDue(now)
	if err != nil {
		return nil, err
	}
	report.SessionsRotated = rotated

	expired, err := s.sessions.ExpireIdle(now)
	if err != nil {
		return nil, err
	}
	report.SessionsExpired = expired

	report.Duration = time.Since(report.StartedAt)
	s.log.Debugf("maintenance pass: +%d one-time prekeys, spk rotated=%v, %d pruned, %d rotations, %d expired (%v)",
		report.OneTimePreKeysAdded, report.SignedPreKeyRotated, report.RetiredPreKeysPruned,
		report.SessionsRotated, report.SessionsExpired, report.Duration)
	if s.onComplete != nil {
		s.onComplete(report)
	}
	return report, nil
}

func (s *Scheduler) replenishOneTimePreKeys(report *Report) error {
	count, err := s.store.OneTimePreKeyCount()
	if err != nil {
		return err
	}
	if count >= s.cfg.PreKeys.OneTimeLowWater {
		return nil
	}
	missing := s.cfg.PreKeys.OneTimeTarget - count
	if _, err := s.store.GenerateOneTimePreKeys(missing); err != nil {
		return err
	}
	report.OneTimePreKeysAdded = missing
	s.log.Noticef("replenished %d one-time prekeys", missing)
	return nil
}

func (s *Scheduler) rotateSignedPreKey(report *Report) error {
	age, err := s.store.CurrentSignedPreKeyAge()
	switch {
	case errors.Is(err, keystore.ErrNoSignedPreKey):
		// First pass after identity generation.
	case err != nil:
		return err
	case age < s.cfg.PreKeys.SignedRotationInterval:
		return nil
	}

	identity, err := s.store.Identity()
	if err != nil {
		return err
	}
	if _, err := s.store.GenerateSignedPreKey(identity); err != nil {
		return err
	}
	report.SignedPreKeyRotated = true
	s.log.Noticef("rotated signed prekey")
	return nil
}
