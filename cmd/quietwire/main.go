// SPDX-FileCopyrightText: Copyright (C) 2026 The QuietWire Authors
// SPDX-License-Identifier: AGPL-3.0-only

// quietwire is the command line front end for the session and key
// management engine: identity bootstrap, prekey bundle publication,
// fingerprint verification and key hygiene.
package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"

	"github.com/quietwire/quietwire/config"
	"github.com/quietwire/quietwire/engine"
	"github.com/quietwire/quietwire/keystore"
	"github.com/quietwire/quietwire/trust"
)

var (
	configFile string
	dataDir    string
)

var rootCmd = &cobra.Command{
	Use:           "quietwire",
	Short:         "End-to-end encrypted session and key management",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFile(configFile)
	}
	dir := dataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, ".quietwire")
	}
	return config.Default(dir)
}

func withEngine(fn func(*engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := engine.New(cfg)
	if err != nil {
		return err
	}
	defer e.Shutdown()
	return fn(e)
}

func parseSuite(s string) (keystore.Capability, error) {
	switch s {
	case "classical":
		return keystore.CapClassical, nil
	case "hybrid":
		return keystore.CapClassical | keystore.CapHybrid, nil
	case "quantum":
		return keystore.CapClassical | keystore.CapHybrid | keystore.CapQuantum, nil
	}
	return 0, fmt.Errorf("unknown suite %q (want classical, hybrid or quantum)", s)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the local identity and initial prekeys",
	RunE: func(cmd *cobra.Command, args []string) error {
		device, _ := cmd.Flags().GetString("device")
		name, _ := cmd.Flags().GetString("name")
		suite, _ := cmd.Flags().GetString("suite")
		force, _ := cmd.Flags().GetBool("force")
		if name == "" {
			name = device
		}
		caps, err := parseSuite(suite)
		if err != nil {
			return err
		}
		return withEngine(func(e *engine.Engine) error {
			identity, err := e.InitializeIdentity(keystore.DeviceID(device), name, caps, force)
			if err != nil {
				return err
			}
			fp, err := e.LocalFingerprint()
			if err != nil {
				return err
			}
			fmt.Printf("initialized device %s (%s)\nfingerprint:\n%s\n",
				identity.DeviceID, identity.Capabilities, fp)
			return nil
		})
	},
}

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Publish a prekey bundle for distribution",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		return withEngine(func(e *engine.Engine) error {
			bundle, err := e.PublishBundle()
			if err != nil {
				return err
			}
			blob, err := cbor.Marshal(bundle)
			if err != nil {
				return err
			}
			encoded := base64.StdEncoding.EncodeToString(blob)
			if output == "" {
				fmt.Println(encoded)
				return nil
			}
			return os.WriteFile(output, []byte(encoded), 0600)
		})
	},
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Show or verify identity fingerprints",
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetString("remote")
		verify, _ := cmd.Flags().GetString("verify")
		method, _ := cmd.Flags().GetString("method")
		return withEngine(func(e *engine.Engine) error {
			if remote == "" {
				fp, err := e.LocalFingerprint()
				if err != nil {
					return err
				}
				fmt.Println(fp)
				return nil
			}
			if verify == "" {
				fp, err := e.RemoteFingerprint(keystore.DeviceID(remote))
				if err != nil {
					return err
				}
				local, err := e.LocalFingerprint()
				if err != nil {
					return err
				}
				fmt.Println(trust.Combined(local, fp))
				return nil
			}
			if err := e.VerifyFingerprint(keystore.DeviceID(remote), verify, method); err != nil {
				return err
			}
			fmt.Printf("device %s verified\n", remote)
			return nil
		})
	},
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run one key maintenance pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine.Engine) error {
			report, err := e.PerformMaintenance()
			if err != nil {
				return err
			}
			fmt.Printf("one-time prekeys added: %d\n", report.OneTimePreKeysAdded)
			fmt.Printf("signed prekey rotated:  %v\n", report.SignedPreKeyRotated)
			fmt.Printf("retired prekeys pruned: %d\n", report.RetiredPreKeysPruned)
			fmt.Printf("session rotations:      %d\n", report.SessionsRotated)
			fmt.Printf("sessions expired:       %d\n", report.SessionsExpired)
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show engine statistics and health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine.Engine) error {
			stats, err := e.GetStatistics()
			if err != nil {
				return err
			}
			if !stats.Initialized {
				fmt.Println("identity not initialized")
				return nil
			}
			fmt.Printf("health score:      %d/100\n", stats.HealthScore)
			fmt.Printf("sessions:          %d (%d verified, %d downgraded)\n",
				stats.TotalSessions, stats.VerifiedSessions, stats.DowngradedSessions)
			for state, n := range stats.SessionsByState {
				fmt.Printf("  %-15s %d\n", state+":", n)
			}
			fmt.Printf("one-time prekeys:  %d\n", stats.OneTimePreKeys)
			if stats.HasSignedPreKey {
				fmt.Printf("signed prekey age: %v\n", stats.SignedPreKeyAge.Round(time.Second))
			}
			fmt.Printf("devices:           %d (%d revoked)\n", stats.Devices, stats.RevokedDevices)
			fmt.Printf("quantum ready:     %.0f%%\n", stats.QuantumReadyDeviceRatio*100)
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the key store encrypted under a passphrase",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		passphrase, _ := cmd.Flags().GetString("passphrase")
		if passphrase == "" {
			return fmt.Errorf("a passphrase is required")
		}
		return withEngine(func(e *engine.Engine) error {
			blob, err := e.Export([]byte(passphrase))
			if err != nil {
				return err
			}
			return os.WriteFile(output, blob, 0600)
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Restore the key store from an encrypted export",
	RunE: func(cmd *cobra.Command, args []string) error {
		input, _ := cmd.Flags().GetString("input")
		passphrase, _ := cmd.Flags().GetString("passphrase")
		blob, err := os.ReadFile(input)
		if err != nil {
			return err
		}
		return withEngine(func(e *engine.Engine) error {
			return e.Import(blob, []byte(passphrase))
		})
	},
}

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Destroy all local key material",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to wipe without --yes")
		}
		return withEngine(func(e *engine.Engine) error {
			if err := e.Wipe(); err != nil {
				return err
			}
			fmt.Println("all key material destroyed")
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "f", "", "path to a TOML configuration file")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "data directory (default ~/.quietwire)")

	initCmd.Flags().String("device", "", "local device identifier (required)")
	initCmd.Flags().String("name", "", "human readable device name")
	initCmd.Flags().String("suite", "hybrid", "algorithm suite: classical, hybrid or quantum")
	initCmd.Flags().Bool("force", false, "replace an existing identity")
	_ = initCmd.MarkFlagRequired("device")

	bundleCmd.Flags().StringP("output", "o", "", "write the bundle to a file instead of stdout")

	fingerprintCmd.Flags().String("remote", "", "show the fingerprint of a known remote device")
	fingerprintCmd.Flags().String("verify", "", "fingerprint read out of band to verify against")
	fingerprintCmd.Flags().String("method", "in-person", "verification method to record")

	exportCmd.Flags().StringP("output", "o", "quietwire-export.bin", "output file")
	exportCmd.Flags().String("passphrase", "", "export passphrase")
	importCmd.Flags().StringP("input", "i", "", "input file (required)")
	importCmd.Flags().String("passphrase", "", "export passphrase")
	_ = importCmd.MarkFlagRequired("input")

	wipeCmd.Flags().Bool("yes", false, "confirm destruction")

	rootCmd.AddCommand(initCmd, bundleCmd, fingerprintCmd, maintenanceCmd, statsCmd, exportCmd, importCmd, wipeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "quietwire: %v\n", err)
		os.Exit(1)
	}
}
