/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Command appguard manages the protected-app store from the command line.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"appguard/internal/config"
	"appguard/internal/crash"
	applog "appguard/internal/log"
	"appguard/internal/metrics"
	"appguard/internal/secure"
	"appguard/internal/storage"
	"appguard/internal/version"

	"github.com/spf13/cobra"
)

// cli carries state shared by every subcommand.
type cli struct {
	cfgFile string
	dataDir string

	cfg       config.AppConfig
	log       *slog.Logger
	collector *metrics.Collector

	// overridable in tests
	keyring      secure.Keyring
	secureParams secure.Params
}

func main() {
	defer crash.Recover("")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{collector: metrics.NewCollector()}
	err := newRootCmd(c).ExecuteContext(ctx)
	_ = applog.Close()
	if err != nil {
		// The error is already printed by Cobra on failure.
		os.Exit(1)
	}
}

// newRootCmd creates the root command with all subcommands attached.
// Tests build a fresh instance per run.
func newRootCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "appguard",
		Short: "Manage the list of protected applications.",
		Long: `appguard keeps the list of applications that require unlocking
before they open. The list lives in a small SQLite database in the data
directory; every change is transactional and watchers see each commit.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default is the per-user config.yaml)")
	cmd.PersistentFlags().StringVar(&c.dataDir, "dir", "", "data directory holding the database (overrides config)")

	cmd.AddCommand(
		c.listCmd(),
		c.statusCmd(),
		c.protectCmd(),
		c.unprotectCmd(),
		c.clearCmd(),
		c.compactCmd(),
		c.checkCmd(),
		c.exportCmd(),
		c.importCmd(),
		c.resetCmd(),
		c.backupsCmd(),
		c.configCmd(),
		c.watchCmd(),
		c.passwordCmd(),
		c.biometricCmd(),
		c.versionCmd(),
	)
	return cmd
}

// init loads configuration and sets up logging before any subcommand runs.
func (c *cli) init(cmd *cobra.Command) error {
	var err error
	if c.cfgFile != "" {
		c.cfg, err = config.LoadFrom(c.cfgFile)
	} else {
		c.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.dataDir != "" {
		c.cfg.Storage.Dir = c.dataDir
	}
	if abs, err := filepath.Abs(c.cfg.Storage.Dir); err == nil {
		c.cfg.Storage.Dir = abs
	}

	applog.Init(applog.Options{
		Level:     c.cfg.Logging.Level,
		Format:    c.cfg.Logging.Format,
		AddSource: c.cfg.Logging.Source,
		File:      c.cfg.Logging.File,
		Writer:    cmd.ErrOrStderr(),
	})
	c.log = applog.WithComponent("cli")
	c.log.Debug("start", slog.String("cmd", cmd.CommandPath()), slog.String("dir", c.cfg.Storage.Dir))
	return nil
}

func (c *cli) storeOptions() storage.Options {
	return storage.Options{
		Logger:         applog.WithComponent("storage"),
		Recorder:       c.collector,
		BusyTimeout:    c.cfg.Storage.BusyTimeout(),
		CompactOnClear: c.cfg.Storage.CompactOnClear,
		MaxReadConns:   c.cfg.Storage.MaxReadConns,
	}
}

func (c *cli) openStore(ctx context.Context) (*storage.Store, error) {
	s, err := storage.Open(ctx, c.cfg.Storage.Dir, storage.SchemaFingerprint, c.storeOptions())
	if err != nil {
		if storage.KindOf(err) == storage.KindSchemaMismatch {
			return nil, fmt.Errorf("%w (run 'appguard reset' to start over; the old database is kept in %s)",
				err, filepath.Join(c.cfg.Storage.Dir, storage.BackupsDirName))
		}
		return nil, err
	}
	return s, nil
}

// withStore opens the store for the duration of fn. Panics inside fn produce a crash
// report next to the database.
func (c *cli) withStore(fn func(ctx context.Context, s *storage.Store, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer crash.Recover(c.cfg.Storage.Dir)
		ctx := applog.ContextWith(cmd.Context(), slog.String("dir", c.cfg.Storage.Dir))
		s, err := c.openStore(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := s.Close(); err == nil {
				err = cerr
			}
		}()
		return fn(ctx, s, cmd.OutOrStdout(), args)
	}
}

func (c *cli) secureManager() (*secure.Manager, error) {
	return secure.NewManager(c.keyring, secure.DefaultService, c.secureParams)
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "appguard", version.String())
			return err
		},
	}
}
