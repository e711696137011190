/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package storage implements the protected-app store.
// It owns a single embedded SQLite database at <dir>/hidex_database holding the protected_apps table
// plus a bookkeeping row that records the schema fingerprint; Open refuses a database whose fingerprint
// or layout differs. Every mutation runs in one IMMEDIATE transaction behind an in-process writer lock,
// and subscribers of SubscribeSorted receive a freshly queried sorted list after each commit.
package storage
