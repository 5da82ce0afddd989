// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// config.go - engine configuration.

// Package config implements the configuration for the session engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/quietwire/quietwire/core/log"
)

const (
	defaultLogLevel = "NOTICE"

	defaultOneTimePreKeyLowWater = 5
	defaultOneTimePreKeyTarget   = 50
	defaultSkipWindow            = 1000
	defaultSkippedKeyCacheSize   = 2000

	defaultSignedPreKeyRotation = 7 * 24 * time.Hour
	defaultSignedPreKeyGrace    = 48 * time.Hour
	defaultSessionRotation      = 24 * time.Hour
	defaultSessionInactivity    = 30 * 24 * time.Hour
	defaultMaintenanceInterval  = 15 * time.Minute
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted logs go to stdout.
	File string

	// Level specifies the log level.
	Level string
}

func (l *Logging) validate() error {
	if _, err := log.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("config: Logging: invalid Level: '%v'", l.Level)
	}
	return nil
}

// PreKeys configures the one-time and signed prekey lifecycle.
type PreKeys struct {
	// OneTimeLowWater is the pool size below which the maintenance pass
	// generates replacement one-time prekeys.
	OneTimeLowWater int

	// OneTimeTarget is the pool size replenishment fills up to.
	OneTimeTarget int

	// SignedRotationInterval is the age at which the current signed
	// prekey is rotated.
	SignedRotationInterval time.Duration

	// SignedRetireGrace is how long a retired signed prekey is kept so
	// that in-flight handshakes against it still complete.
	SignedRetireGrace time.Duration
}

// Sessions configures per-session ratchet policy.
type Sessions struct {
	// SkipWindow is the maximum number of skipped messages tolerated on
	// a receiving chain before the session is flagged for renegotiation.
	SkipWindow uint32

	// SkippedKeyCacheSize bounds the cache of message keys derived for
	// skipped messages. The oldest entries are evicted first.
	SkippedKeyCacheSize int

	// RotationInterval is the age at which a session gets a fresh
	// ratchet key agreement during maintenance.
	RotationInterval time.Duration

	// InactivityTimeout is the idle duration after which a session is
	// expired.
	InactivityTimeout time.Duration
}

// Maintenance configures the background maintenance worker.
type Maintenance struct {
	// Interval is the period between maintenance passes.
	Interval time.Duration
}

// Config is the top level engine configuration.
type Config struct {
	// DataDir is the absolute path to the engine's state directory.
	DataDir string

	Logging     *Logging
	PreKeys     *PreKeys
	Sessions    *Sessions
	Maintenance *Maintenance
}

// InitLogBackend initializes the configured logging backend.
func (c *Config) InitLogBackend() (*log.Backend, error) {
	return log.New(c.Logging.File, c.Logging.Level, c.Logging.Disable)
}

// FixupAndValidate applies defaults to missing sections and validates the
// configuration.
func (c *Config) FixupAndValidate() error {
	if c.DataDir == "" {
		return errors.New("config: no DataDir specified")
	}
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("config: DataDir is not an absolute path: '%v'", c.DataDir)
	}

	if c.Logging == nil {
		c.Logging = &Logging{Level: defaultLogLevel}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}

	if c.PreKeys == nil {
		c.PreKeys = &PreKeys{}
	}
	if c.PreKeys.OneTimeLowWater <= 0 {
		c.PreKeys.OneTimeLowWater = defaultOneTimePreKeyLowWater
	}
	if c.PreKeys.OneTimeTarget <= 0 {
		c.PreKeys.OneTimeTarget = defaultOneTimePreKeyTarget
	}
	if c.PreKeys.OneTimeTarget < c.PreKeys.OneTimeLowWater {
		return fmt.Errorf("config: PreKeys: OneTimeTarget %d below OneTimeLowWater %d", c.PreKeys.OneTimeTarget, c.PreKeys.OneTimeLowWater)
	}
	if c.PreKeys.SignedRotationInterval <= 0 {
		c.PreKeys.SignedRotationInterval = defaultSignedPreKeyRotation
	}
	if c.PreKeys.SignedRetireGrace <= 0 {
		c.PreKeys.SignedRetireGrace = defaultSignedPreKeyGrace
	}

	if c.Sessions == nil {
		c.Sessions = &Sessions{}
	}
	if c.Sessions.SkipWindow == 0 {
		c.Sessions.SkipWindow = defaultSkipWindow
	}
	if c.Sessions.SkippedKeyCacheSize <= 0 {
		c.Sessions.SkippedKeyCacheSize = defaultSkippedKeyCacheSize
	}
	if c.Sessions.RotationInterval <= 0 {
		c.Sessions.RotationInterval = defaultSessionRotation
	}
	if c.Sessions.InactivityTimeout <= 0 {
		c.Sessions.InactivityTimeout = defaultSessionInactivity
	}

	if c.Maintenance == nil {
		c.Maintenance = &Maintenance{}
	}
	if c.Maintenance.Interval <= 0 {
		c.Maintenance.Interval = defaultMaintenanceInterval
	}

	return nil
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Default returns a validated Config rooted at dataDir with every policy
// knob at its default.
func Default(dataDir string) (*Config, error) {
	cfg := &Config{DataDir: dataDir}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
