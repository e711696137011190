/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func (c *cli) passwordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Manage the master password (read from stdin, one per line)",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set",
			Short: "Set the master password (password, then confirmation)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := c.secureManager()
				if err != nil {
					return err
				}
				lines, err := readLines(cmd.InOrStdin(), 2)
				if err != nil {
					return err
				}
				if lines[0] != lines[1] {
					return errors.New("passwords don't match")
				}
				if err := m.SetPassword(lines[0]); err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "password set")
				return err
			},
		},
		&cobra.Command{
			Use:   "change",
			Short: "Change the master password (current, new, confirmation)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := c.secureManager()
				if err != nil {
					return err
				}
				lines, err := readLines(cmd.InOrStdin(), 3)
				if err != nil {
					return err
				}
				if lines[1] != lines[2] {
					return errors.New("new passwords don't match")
				}
				if err := m.ChangePassword(lines[0], lines[1]); err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "password changed")
				return err
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Check a password against the stored one",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := c.secureManager()
				if err != nil {
					return err
				}
				lines, err := readLines(cmd.InOrStdin(), 1)
				if err != nil {
					return err
				}
				ok, err := m.VerifyPassword(lines[0])
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("incorrect password")
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return err
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show whether a master password is set",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := c.secureManager()
				if err != nil {
					return err
				}
				first, err := m.IsFirstLaunch()
				if err != nil {
					return err
				}
				msg := "password set"
				if first {
					msg = "no password set (first launch)"
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), msg)
				return err
			},
		},
	)
	return cmd
}

func (c *cli) biometricCmd() *cobra.Command {
	set := func(enabled bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			m, err := c.secureManager()
			if err != nil {
				return err
			}
			if err := m.SetBiometricEnabled(enabled); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "biometric unlock %s\n", onOff(enabled))
			return err
		}
	}
	cmd := &cobra.Command{
		Use:   "biometric",
		Short: "Enable, disable or show biometric unlock",
	}
	cmd.AddCommand(
		&cobra.Command{Use: "on", Short: "Enable biometric unlock", Args: cobra.NoArgs, RunE: set(true)},
		&cobra.Command{Use: "off", Short: "Disable biometric unlock", Args: cobra.NoArgs, RunE: set(false)},
		&cobra.Command{
			Use:   "status",
			Short: "Show the biometric unlock setting",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, err := c.secureManager()
				if err != nil {
					return err
				}
				on, err := m.BiometricEnabled()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "biometric unlock %s\n", onOff(on))
				return err
			},
		},
	)
	return cmd
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// readLines reads n newline-terminated lines; the last may lack its newline.
func readLines(r io.Reader, n int) ([]string, error) {
	sc := bufio.NewScanner(r)
	out := make([]string, 0, n)
	for len(out) < n && sc.Scan() {
		out = append(out, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) < n {
		return nil, fmt.Errorf("expected %d line(s) on stdin, got %d", n, len(out))
	}
	return out, nil
}

