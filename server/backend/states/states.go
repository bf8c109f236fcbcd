/*
 * Copyright 2025 The grommunio-sync Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package states provides the persistent state machine that stores the
// durable synchronization state blobs per device. States are keyed by
// device, state type, SyncKey UUID and counter; old counters of a lineage
// become obsolete once a newer one has been requested.
package states

import (
	"context"
	stderrors "errors"

	"github.com/grommunio/grommunio-sync/pkg/errors"
)

// Type is the category of a stored state blob.
type Type string

// State types.
const (
	TypeDeviceData     Type = "devicedata"
	TypeFolderData     Type = "folderdata"
	TypeHierarchy      Type = "hierarchy"
	TypeFailsafe       Type = "failsafe"
	TypeBackendStorage Type = "backendstorage"
)

// FolderTypes are the state types tied to one SyncKey lineage of a folder.
// They are purged together when the lineage is superseded.
var FolderTypes = []Type{TypeFolderData, TypeHierarchy, TypeFailsafe, TypeBackendStorage}

// NoCounter marks states that are not versioned by a counter, such as the
// per-device data document.
const NoCounter int64 = -1

var (
	// ErrStateNotFound is returned when the requested state blob is absent,
	// either expired or never written.
	ErrStateNotFound = errors.NotFound("state not found").WithCode("ErrStateNotFound")

	// ErrStoreUnavailable is returned when the backing store is transiently
	// unreachable. Callers with previously loaded state keep using it; callers
	// without any may treat the error like an absent blob.
	ErrStoreUnavailable = errors.Unavailable("state store unavailable").WithCode("ErrStoreUnavailable")
)

// IsNotFound reports whether the error means an absent state blob.
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrStateNotFound)
}

// IsUnavailable reports whether the error means a transiently unreachable
// store.
func IsUnavailable(err error) bool {
	return stderrors.Is(err, ErrStoreUnavailable)
}

// Store reads and writes durable synchronization state blobs.
type Store interface {
	// GetState returns the state blob for the given key. With cleanOldStates
	// set, all earlier counters of the lineage are discarded after a
	// successful read; they are provably obsolete once this counter has been
	// requested.
	GetState(ctx context.Context, deviceID string, typ Type, uuid string, counter int64, cleanOldStates bool) ([]byte, error)

	// SetState stores the state blob under the given key.
	SetState(ctx context.Context, data []byte, deviceID string, typ Type, uuid string, counter int64) error

	// CleanStates removes state blobs of the given lineage. With exactOnly
	// set only the given counter is removed; otherwise all counters below it
	// are removed, or the whole lineage when counter is NoCounter.
	CleanStates(ctx context.Context, deviceID string, typ Type, uuid string, counter int64, exactOnly bool) error

	// GetStateHash returns the content hash of the state blob without
	// loading it.
	GetStateHash(ctx context.Context, deviceID string, typ Type, uuid string, counter int64) (string, error)

	// Close closes the store.
	Close() error
}
