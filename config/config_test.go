// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Default("/tmp/quietwire-test")
	require.NoError(t, err)

	require.Equal(t, "NOTICE", cfg.Logging.Level)
	require.Equal(t, 5, cfg.PreKeys.OneTimeLowWater)
	require.Equal(t, 50, cfg.PreKeys.OneTimeTarget)
	require.Equal(t, 7*24*time.Hour, cfg.PreKeys.SignedRotationInterval)
	require.Equal(t, 48*time.Hour, cfg.PreKeys.SignedRetireGrace)
	require.Equal(t, uint32(1000), cfg.Sessions.SkipWindow)
	require.Equal(t, 2000, cfg.Sessions.SkippedKeyCacheSize)
	require.Equal(t, 24*time.Hour, cfg.Sessions.RotationInterval)
	require.Equal(t, 30*24*time.Hour, cfg.Sessions.InactivityTimeout)
	require.Equal(t, 15*time.Minute, cfg.Maintenance.Interval)
}

func TestValidation(t *testing.T) {
	_, err := Default("")
	require.Error(t, err)

	_, err = Default("relative/path")
	require.Error(t, err)

	cfg := &Config{
		DataDir: "/tmp/quietwire-test",
		Logging: &Logging{Level: "SHOUTING"},
	}
	require.Error(t, cfg.FixupAndValidate())

	cfg = &Config{
		DataDir: "/tmp/quietwire-test",
		PreKeys: &PreKeys{OneTimeLowWater: 10, OneTimeTarget: 5},
	}
	require.Error(t, cfg.FixupAndValidate())
}

func TestLoad(t *testing.T) {
	cfg, err := Load([]byte(`
DataDir = "/tmp/quietwire-test"

[Logging]
Level = "DEBUG"

[PreKeys]
OneTimeLowWater = 10
OneTimeTarget = 100

[Sessions]
SkipWindow = 250
RotationInterval = "12h"

[Maintenance]
Interval = "5m"
`))
	require.NoError(t, err)
	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, 10, cfg.PreKeys.OneTimeLowWater)
	require.Equal(t, 100, cfg.PreKeys.OneTimeTarget)
	require.Equal(t, uint32(250), cfg.Sessions.SkipWindow)
	require.Equal(t, 12*time.Hour, cfg.Sessions.RotationInterval)
	require.Equal(t, 5*time.Minute, cfg.Maintenance.Interval)

	// Defaults still fill the knobs the file leaves out.
	require.Equal(t, 2000, cfg.Sessions.SkippedKeyCacheSize)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load([]byte(`
DataDir = "/tmp/quietwire-test"

[Sessions]
SkipWinddow = 100
`))
	require.Error(t, err)
}
