/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package domain

import (
	"errors"
	"strings"
	"time"
)

// This file defines the core data model for protected applications.
// The JSON field names are what the backup format persists.

// ProtectedApp is one installed application the user has flagged for access restriction.
// PackageID is the primary key and never changes once the record exists.
type ProtectedApp struct {
	PackageID   string `json:"packageId"`
	DisplayName string `json:"displayName"`
	AddedAt     int64  `json:"addedAt"` // milliseconds since epoch
}

// ErrEmptyPackageID is returned by Validate for a blank package identifier.
var ErrEmptyPackageID = errors.New("package id is required")

// NewProtectedApp returns a record stamped with the current wall-clock time.
func NewProtectedApp(packageID, displayName string) ProtectedApp {
	return ProtectedApp{
		PackageID:   packageID,
		DisplayName: displayName,
		AddedAt:     NowMillis(),
	}
}

// NowMillis returns the current time in milliseconds since the Unix epoch.
func NowMillis() int64 { return time.Now().UnixMilli() }

// Validate checks the invariants a record must satisfy before it is written.
func (a ProtectedApp) Validate() error {
	if strings.TrimSpace(a.PackageID) == "" {
		return ErrEmptyPackageID
	}
	return nil
}

// Added returns AddedAt as a time.Time in UTC.
func (a ProtectedApp) Added() time.Time { return time.UnixMilli(a.AddedAt).UTC() }

// Less reports whether a sorts before b in the canonical list order:
// display name first, package id as the tie-break.
func Less(a, b ProtectedApp) bool {
	if a.DisplayName != b.DisplayName {
		return a.DisplayName < b.DisplayName
	}
	return a.PackageID < b.PackageID
}

// Compare is the three-way form of Less, suitable for slices.SortFunc.
func Compare(a, b ProtectedApp) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	default:
		return 0
	}
}
