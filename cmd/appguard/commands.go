/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"appguard/internal/domain"
	"appguard/internal/storage"

	"github.com/spf13/cobra"
)

func (c *cli) listCmd() *cobra.Command {
	var sorted bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List protected applications",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&sorted, "sorted", true, "sort by display name, then package id")
	cmd.RunE = c.withStore(func(ctx context.Context, s *storage.Store, out io.Writer, _ []string) error {
		var (
			apps []domain.ProtectedApp
			err  error
		)
		if sorted {
			apps, err = s.ListSorted(ctx)
		} else {
			apps, err = s.ListAll(ctx)
		}
		if err != nil {
			return err
		}
		return printApps(out, apps)
	})
	return cmd
}

func printApps(out io.Writer, apps []domain.ProtectedApp) error {
	if len(apps) == 0 {
		_, err := fmt.Fprintln(out, "no protected applications")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PACKAGE\tNAME\tADDED")
	for _, a := range apps {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", a.PackageID, a.DisplayName, a.Added().Format(time.RFC3339))
	}
	return tw.Flush()
}

func (c *cli) statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <package>",
		Short: "Show whether a package is protected",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = c.withStore(func(ctx context.Context, s *storage.Store, out io.Writer, args []string) error {
		app, err := s.Get(ctx, args[0])
		if errors.Is(err, storage.ErrNotFound) {
			_, err = fmt.Fprintf(out, "%s: not protected\n", args[0])
			return err
		}
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s: protected as %q since %s\n", app.PackageID, app.DisplayName, app.Added().Format(time.RFC3339))
		return err
	})
	return cmd
}

func (c *cli) protectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "protect <package> [display name...]",
		Short: "Protect an application (re-protecting updates its name)",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.RunE = c.withStore(func(ctx context.Context, s *storage.Store, out io.Writer, args []string) error {
		name := args[0]
		if len(args) > 1 {
			name = strings.Join(args[1:], " ")
		}
		app := domain.NewProtectedApp(args[0], name)
		if err := s.Insert(ctx, app); err != nil {
			return err
		}
		_, err := fmt.Fprintf(out, "protected %s (%s)\n", app.PackageID, app.DisplayName)
		return err
	})
	return cmd
}

func (c *cli) unprotectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unprotect <package>...",
		Short: "Remove protection from applications",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.RunE = c.withStore(func(ctx context.Context, s *storage.Store, out io.Writer, args []string) error {
		for _, id := range args {
			if err := s.DeleteByPackageID(ctx, id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "unprotected %s\n", id)
		}
		return nil
	})
	return cmd
}

func (c *cli) clearCmd() *cobra.Command {
	var compact bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every protected application",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&compact, "compact", false, "reclaim disk space afterwards")
	cmd.RunE = c.withStore(func(ctx context.Context, s *storage.Store, out io.Writer, _ []string) error {
		var err error
		if compact {
			err = s.ClearAndCompact(ctx)
		} else {
			err = s.DeleteAll(ctx)
		}
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, "cleared")
		return err
	})
	return cmd
}

func (c *cli) compactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Checkpoint the WAL and vacuum the database",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = c.withStore(func(ctx context.Context, s *storage.Store, out io.Writer, _ []string) error {
		if err := s.Compact(ctx); err != nil {
			return err
		}
		_, err := fmt.Fprintln(out, "compacted")
		return err
	})
	return cmd
}

func (c *cli) checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the database schema and integrity",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = c.withStore(func(ctx context.Context, s *storage.Store, out io.Writer, _ []string) error {
		if err := s.IntegrityCheck(ctx); err != nil {
			return err
		}
		n, err := s.Count(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "ok: %s\nschema: %s\napps: %d\n", s.Path(), s.Fingerprint(), n)
		return err
	})
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Write a JSON backup of the list (stdout when no file is given)",
		Args:  cobra.MaximumNArgs(1),
	}
	cmd.RunE = c.withStore(func(ctx context.Context, s *storage.Store, out io.Writer, args []string) error {
		if len(args) == 0 {
			return s.Export(ctx, out)
		}
		if err := s.ExportFile(ctx, args[0]); err != nil {
			return err
		}
		_, err := fmt.Fprintf(out, "exported to %s\n", args[0])
		return err
	})
	return cmd
}

func (c *cli) importCmd() *cobra.Command {
	var merge bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Restore the list from a JSON backup",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&merge, "merge", false, "merge into the current list instead of replacing it")
	cmd.RunE = c.withStore(func(ctx context.Context, s *storage.Store, out io.Writer, args []string) error {
		mode := storage.ImportReplace
		if merge {
			mode = storage.ImportMerge
		}
		n, err := s.ImportFile(ctx, args[0], mode)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "imported %d apps (%s)\n", n, mode)
		return err
	})
	return cmd
}

func (c *cli) resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Back up and recreate the database (recovers from a schema mismatch)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("reset deletes the current database; pass --yes to confirm")
			}
			s, err := storage.Reset(cmd.Context(), c.cfg.Storage.Dir, storage.SchemaFingerprint, c.storeOptions())
			if err != nil {
				return err
			}
			defer s.Close()
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "database recreated at %s\n", s.Path())
			return err
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func (c *cli) backupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List database backups taken before resets and crashes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := storage.ListBackups(c.cfg.Storage.Dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				_, err = fmt.Fprintln(out, "no backups")
				return err
			}
			for _, p := range list {
				_, _ = fmt.Fprintln(out, p)
			}
			return nil
		},
	}
}
