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
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"appguard/internal/domain"
	"appguard/internal/metrics"
	"appguard/internal/storage"
	"appguard/internal/version"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (c *cli) watchCmd() *cobra.Command {
	var (
		metricsAddr string
		poll        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the sorted list now and after every change until interrupted",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address (overrides config)")
	cmd.Flags().DurationVar(&poll, "poll", 500*time.Millisecond, "how often to look for changes made by other processes")
	cmd.RunE = c.withStore(func(ctx context.Context, s *storage.Store, out io.Writer, _ []string) error {
		if metricsAddr == "" {
			metricsAddr = c.cfg.Metrics.Addr
		}
		sub, err := s.SubscribeSorted(ctx)
		if err != nil {
			return err
		}
		defer sub.Close()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return s.WatchExternal(ctx, poll) })
		if metricsAddr != "" {
			h := c.collector.Handler(c.log, version.String(), s.Subscribers)
			g.Go(func() error { return metrics.Serve(ctx, c.log, metricsAddr, h) })
		}
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case apps, ok := <-sub.C():
					if !ok {
						return nil
					}
					c.log.DebugContext(ctx, "snapshot", slog.String("topic", sub.Topic()), slog.Int("apps", len(apps)), slog.Int("pending", sub.Pending()))
					if err := printSnapshot(out, apps); err != nil {
						return err
					}
				}
			}
		})
		err = g.Wait()
		c.log.Debug("watch stopped", slog.Any("err", err))
		return err
	})
	return cmd
}

func printSnapshot(out io.Writer, apps []domain.ProtectedApp) error {
	names := make([]string, 0, len(apps))
	for _, a := range apps {
		names = append(names, a.PackageID)
	}
	_, err := fmt.Fprintf(out, "%s %d apps: %s\n", time.Now().Format(time.TimeOnly), len(apps), strings.Join(names, ", "))
	return err
}
