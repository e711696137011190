/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package secure keeps the master password hash and lock preferences in the OS keyring.
package secure

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
)

// Service/keys for OS keyring.
const (
	DefaultService  = "AppGuard"
	keyPassword     = "master_password"
	keyBiometric    = "biometric_enabled"
	MinPasswordLen  = 4
	minMemoryKiB    = 8 * 1024
	hashAlgorithmID = "argon2id"
)

var (
	ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLen)
	ErrNoPassword       = errors.New("no password set")
	ErrWrongPassword    = errors.New("current password is incorrect")
	ErrInvalidHash      = errors.New("invalid password hash")
)

// Keyring abstracts the OS keyring, so we can stub in tests.
type Keyring interface {
	Get(service, key string) (string, error)
	Set(service, key, value string) error
	Delete(service, key string) error
}

// OSKeyring implements Keyring using github.com/zalando/go-keyring.
type OSKeyring struct{}

func (OSKeyring) Get(service, key string) (string, error) { return keyring.Get(service, key) }
func (OSKeyring) Set(service, key, value string) error    { return keyring.Set(service, key, value) }
func (OSKeyring) Delete(service, key string) error        { return keyring.Delete(service, key) }

// Params are the argon2id cost settings used for new hashes.
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     int
	KeyLen      uint32
}

// DefaultParams returns the argon2id settings for new passwords.
func DefaultParams() Params {
	p := runtime.NumCPU()
	if p > 4 {
		p = 4
	}
	if p < 1 {
		p = 1
	}
	return Params{MemoryKiB: 64 * 1024, Iterations: 3, Parallelism: uint8(p), SaltLen: 16, KeyLen: 32}
}

func (p Params) validate() error {
	switch {
	case p.MemoryKiB < minMemoryKiB:
		return fmt.Errorf("argon2: memory must be >= %d KiB", minMemoryKiB)
	case p.Iterations == 0:
		return errors.New("argon2: iterations must be > 0")
	case p.Parallelism == 0:
		return errors.New("argon2: parallelism must be > 0")
	case p.SaltLen < 16:
		return errors.New("argon2: salt length must be >= 16")
	case p.KeyLen < 16:
		return errors.New("argon2: key length must be >= 16")
	}
	return nil
}

// Manager reads and writes secure settings under one keyring service.
type Manager struct {
	kr      Keyring
	service string
	params  Params
}

// NewManager returns a Manager. A nil kr uses the OS keyring; an empty service uses DefaultService.
func NewManager(kr Keyring, service string, params Params) (*Manager, error) {
	if kr == nil {
		kr = OSKeyring{}
	}
	if service == "" {
		service = DefaultService
	}
	if params == (Params{}) {
		params = DefaultParams()
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &Manager{kr: kr, service: service, params: params}, nil
}

// SetPassword hashes and stores password, replacing any previous one.
func (m *Manager) SetPassword(password string) error {
	if len([]rune(password)) < MinPasswordLen {
		return ErrPasswordTooShort
	}
	encoded, err := hashPassword(password, m.params)
	if err != nil {
		return err
	}
	if err := m.kr.Set(m.service, keyPassword, encoded); err != nil {
		return fmt.Errorf("store password: %w", err)
	}
	return nil
}

// ChangePassword replaces the password after checking current.
func (m *Manager) ChangePassword(current, next string) error {
	ok, err := m.VerifyPassword(current)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWrongPassword
	}
	return m.SetPassword(next)
}

// VerifyPassword reports whether password matches the stored hash.
// With no password stored it returns false and no error.
func (m *Manager) VerifyPassword(password string) (bool, error) {
	encoded, err := m.kr.Get(m.service, keyPassword)
	if errors.Is(err, keyring.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read password: %w", err)
	}
	return verifyPassword(password, encoded)
}

// HasPassword reports whether a password has been stored.
func (m *Manager) HasPassword() (bool, error) {
	_, err := m.kr.Get(m.service, keyPassword)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, keyring.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("read password: %w", err)
	}
}

// IsFirstLaunch is true until a password is set.
func (m *Manager) IsFirstLaunch() (bool, error) {
	has, err := m.HasPassword()
	return !has, err
}

// SetBiometricEnabled stores the biometric unlock preference.
func (m *Manager) SetBiometricEnabled(enabled bool) error {
	if err := m.kr.Set(m.service, keyBiometric, strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("store biometric flag: %w", err)
	}
	return nil
}

// BiometricEnabled defaults to false when never set.
func (m *Manager) BiometricEnabled() (bool, error) {
	v, err := m.kr.Get(m.service, keyBiometric)
	if errors.Is(err, keyring.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read biometric flag: %w", err)
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse biometric flag %q: %w", v, err)
	}
	return b, nil
}

// Clear removes every stored secure setting.
func (m *Manager) Clear() error {
	for _, key := range []string{keyPassword, keyBiometric} {
		if err := m.kr.Delete(m.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// hashPassword encodes as $argon2id$v=19$m=<KiB>,t=<iter>,p=<par>$<salt>$<key> (raw std base64).
func hashPassword(password string, p Params) (string, error) {
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.KeyLen)
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		hashAlgorithmID, argon2.Version, p.MemoryKiB, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt), base64.RawStdEncoding.EncodeToString(key)), nil
}

func verifyPassword(password, encoded string) (bool, error) {
	p, salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func decodeHash(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	if len(parts) != 6 || parts[1] != hashAlgorithmID {
		return Params{}, nil, nil, ErrInvalidHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Params{}, nil, nil, ErrInvalidHash
	}
	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Iterations, &p.Parallelism); err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if p.Iterations == 0 || p.Parallelism == 0 || p.MemoryKiB == 0 {
		return Params{}, nil, nil, ErrInvalidHash
	}
	return p, salt, key, nil
}
