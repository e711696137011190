/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package secure

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func testParams() Params {
	return Params{MemoryKiB: minMemoryKiB, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	keyring.MockInit()
	m, err := NewManager(nil, "AppGuardTest", testParams())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Clear() })
	return m
}

func TestFirstLaunchUntilPasswordSet(t *testing.T) {
	m := newTestManager(t)
	first, err := m.IsFirstLaunch()
	require.NoError(t, err)
	assert.True(t, first)

	ok, err := m.VerifyPassword("anything")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SetPassword("1234"))
	first, err = m.IsFirstLaunch()
	require.NoError(t, err)
	assert.False(t, first)
}

func TestVerifyPassword(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.SetPassword("correct horse"))

	ok, err := m.VerifyPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.VerifyPassword("correct horsE")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetPasswordRejectsShort(t *testing.T) {
	m := newTestManager(t)
	assert.ErrorIs(t, m.SetPassword("abc"), ErrPasswordTooShort)
	has, err := m.HasPassword()
	require.NoError(t, err)
	assert.False(t, has)
}

func TestChangePassword(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.SetPassword("first"))
	assert.ErrorIs(t, m.ChangePassword("wrong", "second"), ErrWrongPassword)
	require.NoError(t, m.ChangePassword("first", "second"))

	ok, err := m.VerifyPassword("second")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoredHashIsNotPlaintext(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.SetPassword("s3cret-pass"))
	stored, err := keyring.Get("AppGuardTest", keyPassword)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored, "$argon2id$v=19$m=8192,t=1,p=1$"), stored)
	assert.NotContains(t, stored, "s3cret-pass")

	// same password hashes differently each time
	require.NoError(t, m.SetPassword("s3cret-pass"))
	again, err := keyring.Get("AppGuardTest", keyPassword)
	require.NoError(t, err)
	assert.NotEqual(t, stored, again)
}

func TestBiometricFlag(t *testing.T) {
	m := newTestManager(t)
	on, err := m.BiometricEnabled()
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, m.SetBiometricEnabled(true))
	on, err = m.BiometricEnabled()
	require.NoError(t, err)
	assert.True(t, on)
}

func TestClearRemovesEverything(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.SetPassword("1234"))
	require.NoError(t, m.SetBiometricEnabled(true))
	require.NoError(t, m.Clear())
	require.NoError(t, m.Clear())

	has, err := m.HasPassword()
	require.NoError(t, err)
	assert.False(t, has)
	on, err := m.BiometricEnabled()
	require.NoError(t, err)
	assert.False(t, on)
}

func TestKeyringFailurePropagates(t *testing.T) {
	keyring.MockInitWithError(errors.New("locked"))
	m, err := NewManager(nil, "AppGuardTest", testParams())
	require.NoError(t, err)
	_, err = m.HasPassword()
	assert.ErrorContains(t, err, "locked")
	assert.Error(t, m.SetPassword("1234"))
	keyring.MockInit()
}

func TestDecodeHashRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"",
		"plain",
		"$bcrypt$v=19$m=1,t=1,p=1$AA$AA",
		"$argon2id$v=18$m=8192,t=1,p=1$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAA",
		"$argon2id$v=19$m=8192,t=0,p=1$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAA",
		"$argon2id$v=19$m=8192,t=1,p=1$!!$AAAA",
	} {
		_, err := verifyPassword("x", s)
		assert.ErrorIs(t, err, ErrInvalidHash, s)
	}
}

func TestNewManagerValidatesParams(t *testing.T) {
	_, err := NewManager(OSKeyring{}, "", Params{MemoryKiB: 1, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32})
	assert.Error(t, err)
}
