/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"fmt"
	"text/tabwriter"

	"appguard/internal/config"

	"github.com/spf13/cobra"
)

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change persistent settings",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective settings, marking keys set by environment variables",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, err := c.configPath()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "# %s\n", path)
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, key := range config.Keys {
					v, err := c.cfg.Value(key)
					if err != nil {
						return err
					}
					if env, ok := config.EnvOverrideFor(key); ok {
						_, _ = fmt.Fprintf(tw, "%s\t%s\t(from %s)\n", key, v, env)
						continue
					}
					_, _ = fmt.Fprintf(tw, "%s\t%s\t\n", key, v)
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Persist one setting to the config file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := c.configPath()
				if err != nil {
					return err
				}
				// edit the file contents only; environment overrides stay out of it
				cfg, err := config.ReadFile(path)
				if err != nil {
					return err
				}
				if err := cfg.Set(args[0], args[1]); err != nil {
					return err
				}
				if c.cfgFile != "" {
					err = config.SaveTo(c.cfgFile, cfg)
				} else {
					err = config.Save(cfg)
				}
				if err != nil {
					return fmt.Errorf("save config: %w", err)
				}
				v, _ := cfg.Value(args[0])
				out := cmd.OutOrStdout()
				_, err = fmt.Fprintf(out, "%s = %s\n", args[0], v)
				if env, ok := config.EnvOverrideFor(args[0]); ok && err == nil {
					_, err = fmt.Fprintf(out, "note: %s overrides this key while set\n", env)
				}
				return err
			},
		},
	)
	return cmd
}

// configPath is the file config set writes to: --config, else the per-user path.
func (c *cli) configPath() (string, error) {
	if c.cfgFile != "" {
		return c.cfgFile, nil
	}
	return config.ConfigPath()
}
