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

// Package groupware defines the abstraction through which the
// synchronization engine talks to the groupware backend. The engine never
// touches folder or message storage directly; it only chains importers and
// exporters and asks for cheap folder fingerprints and change
// notifications.
package groupware

import (
	"context"
	"time"

	"github.com/grommunio/grommunio-sync/pkg/errors"
	"github.com/grommunio/grommunio-sync/pkg/types"
)

var (
	// ErrFolderNotFound is returned when the addressed folder does not exist
	// in the backend.
	ErrFolderNotFound = errors.NotFound("folder not found").WithCode("ErrFolderNotFound")

	// ErrAccessDenied is returned when the authenticated user may not access
	// the addressed store or folder.
	ErrAccessDenied = errors.PermissionDenied("access denied").WithCode("ErrAccessDenied")
)

// Importer applies exported changes to a destination: either the real
// backend or an in-memory staging buffer.
type Importer interface {
	// ImportFolderChange applies a folder add or update. The returned folder
	// carries backend-assigned ids.
	ImportFolderChange(folder *types.SyncFolder) (*types.SyncFolder, error)

	// ImportFolderDeletion applies a folder deletion.
	ImportFolderDeletion(folder *types.SyncFolder) error

	// ImportMessageChange applies a message add or update.
	ImportMessageChange(id string, message types.SyncObject) error

	// ImportMessageDeletion applies a message deletion.
	ImportMessageDeletion(id string) error
}

// Exporter streams pending changes of one folder, or of the hierarchy, into
// an Importer.
type Exporter interface {
	// Config passes the synchronization state of the previous turn.
	Config(state []byte) error

	// InitializeExporter attaches the importer receiving the changes.
	InitializeExporter(target Importer) error

	// GetChangeCount returns the number of changes waiting to be exported.
	GetChangeCount() int

	// Synchronize exports one change to the attached importer. It returns
	// false when no more changes are pending.
	Synchronize() (bool, error)
}

// Connector is the groupware backend as seen by the engine.
type Connector interface {
	// GetHierarchy returns all folders visible to the authenticated user.
	GetHierarchy(ctx context.Context) ([]*types.SyncFolder, error)

	// GetExporter returns an exporter for the given folder, or for the
	// hierarchy when folderID is empty.
	GetExporter(ctx context.Context, folderID string) (Exporter, error)

	// GetImporter returns an importer for the given folder, or for the
	// hierarchy when folderID is empty.
	GetImporter(ctx context.Context, folderID string) (Importer, error)

	// HasChangesSink reports whether the backend can push change
	// notifications.
	HasChangesSink() bool

	// ChangesSinkInitialize registers the folder with the notification sink.
	// It returns false when the folder cannot be watched.
	ChangesSinkInitialize(folderID string) bool

	// ChangesSink blocks up to timeout and returns the ids of folders with
	// changes. An empty result means the timeout elapsed.
	ChangesSink(ctx context.Context, timeout time.Duration) ([]string, error)

	// GetFolderStat returns a cheap fingerprint of the folder, changing
	// whenever the folder's contents change.
	GetFolderStat(ctx context.Context, store, folderID string) (string, error)

	// Setup prepares access to the given store. With checkACLOnly set it
	// only probes whether the folder is accessible to the authenticated
	// user.
	Setup(ctx context.Context, store string, checkACLOnly bool, folderID string) error

	// Close releases backend resources.
	Close() error
}
