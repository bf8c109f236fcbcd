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

package hierarchy

import (
	"context"

	"github.com/grommunio/grommunio-sync/pkg/errors"
	"github.com/grommunio/grommunio-sync/pkg/types"
	"github.com/grommunio/grommunio-sync/server/backend/groupware"
	"github.com/grommunio/grommunio-sync/server/logging"
)

// ChangeType classifies an entry of the hierarchy change log.
type ChangeType int

// Change log entry types.
const (
	ChangeTypeChange ChangeType = iota + 1
	ChangeTypeDelete
	ChangeTypeSoftDelete
)

// Change is one entry of the hierarchy change log.
type Change struct {
	Type   ChangeType
	Folder *types.SyncFolder
}

// ErrMessagesUnsupported is returned when message operations reach the
// hierarchy wrapper. Only folder operations travel through it.
var ErrMessagesUnsupported = errors.Internal(
	"hierarchy wrapper does not take message changes",
).WithCode("ErrMessagesUnsupported")

// ACLProbe checks whether the authenticated user may read a folder of
// another store. groupware.Connector satisfies it.
type ACLProbe interface {
	Setup(ctx context.Context, store string, checkACLOnly bool, folderID string) error
}

// ChangesWrapper decorates the hierarchy cache with an ordered change log.
// With a destination importer attached it forwards every change and mirrors
// the result into the cache. Without one it runs in staging mode, applying
// changes to the cache directly and dropping no-ops and orphans.
type ChangesWrapper struct {
	*Cache

	changes     []Change
	step        int
	destination groupware.Importer
	target      groupware.Importer
}

// NewChangesWrapper wraps the given cache. A nil cache starts empty.
func NewChangesWrapper(cache *Cache) *ChangesWrapper {
	if cache == nil {
		cache = NewCache()
	}

	return &ChangesWrapper{Cache: cache}
}

// SetDestinationImporter attaches the importer that receives forwarded
// changes, typically the real backend.
func (w *ChangesWrapper) SetDestinationImporter(importer groupware.Importer) {
	w.destination = importer
}

// Changes returns the collected change log.
func (w *ChangesWrapper) Changes() []Change {
	return w.changes
}

// ImportFolderChange records a folder add or update.
//
// In staging mode a change equivalent to the cached folder, or one whose
// parent the device does not know, is silently dropped.
func (w *ChangesWrapper) ImportFolderChange(folder *types.SyncFolder) (*types.SyncFolder, error) {
	if w.destination != nil {
		applied, err := w.destination.ImportFolderChange(folder)
		if err != nil {
			return nil, err
		}
		w.AddFolder(applied)

		return applied.Clone(), nil
	}

	if cached := w.GetFolder(folder.ServerID, false); cached.EquivalentTo(folder) {
		return folder.Clone(), nil
	}
	if folder.ParentID != types.RootParentID && w.GetFolder(folder.ParentID, false) == nil {
		return folder.Clone(), nil
	}

	w.AddFolder(folder)
	w.changes = append(w.changes, Change{Type: ChangeTypeChange, Folder: folder.Clone()})

	return folder.Clone(), nil
}

// ImportFolderDeletion records a folder deletion. Deleting a folder the
// cache does not know is a no-op.
func (w *ChangesWrapper) ImportFolderDeletion(folder *types.SyncFolder) error {
	if w.GetFolder(folder.ServerID, false) == nil {
		return nil
	}

	if w.destination != nil {
		if err := w.destination.ImportFolderDeletion(folder); err != nil {
			return err
		}
		w.RemoveFolder(folder.ServerID)

		return nil
	}

	w.RemoveFolder(folder.ServerID)
	w.changes = append(w.changes, Change{Type: ChangeTypeDelete, Folder: folder.Clone()})

	return nil
}

// ImportMessageChange is not supported on the hierarchy.
func (w *ChangesWrapper) ImportMessageChange(_ string, _ types.SyncObject) error {
	return ErrMessagesUnsupported
}

// ImportMessageDeletion is not supported on the hierarchy.
func (w *ChangesWrapper) ImportMessageDeletion(_ string) error {
	return ErrMessagesUnsupported
}

// Configure reconciles the visible additional/shared folders against the
// authoritative list. Each folder is probed for read access; a failed probe
// queues a deletion and never aborts the exchange.
func (w *ChangesWrapper) Configure(
	ctx context.Context,
	probe ACLProbe,
	additional []*types.AdditionalFolder,
) {
	desired := make(map[string]struct{}, len(additional))

	for _, af := range additional {
		folder := af.SyncFolder()

		if err := probe.Setup(ctx, af.Store, true, af.FolderID); err != nil {
			logging.From(ctx).Infof(
				"access to folder %s of store %s lost, removing from device: %v",
				af.FolderID, af.Store, err,
			)
			_ = w.ImportFolderDeletion(folder)

			continue
		}

		desired[folder.ServerID] = struct{}{}
		if _, err := w.ImportFolderChange(folder); err != nil {
			logging.From(ctx).Warnf("stage additional folder %s: %v", folder.ServerID, err)
		}
	}

	for _, folder := range w.ExportFolders(false) {
		if folder.Store == "" {
			continue
		}
		if _, ok := desired[folder.ServerID]; ok {
			continue
		}
		_ = w.ImportFolderDeletion(folder)
	}
}

// Config passes the synchronization state of the previous turn.
func (w *ChangesWrapper) Config(state []byte) error {
	if len(state) == 0 {
		return nil
	}

	return w.UnmarshalJSON(state)
}

// InitializeExporter attaches the importer receiving the change log and
// resets the step cursor.
func (w *ChangesWrapper) InitializeExporter(target groupware.Importer) error {
	w.target = target
	w.step = 0

	return nil
}

// GetChangeCount returns the number of changes not yet exported.
func (w *ChangesWrapper) GetChangeCount() int {
	return len(w.changes) - w.step
}

// Synchronize emits one change to the attached importer. It returns false
// when the change log is exhausted.
func (w *ChangesWrapper) Synchronize() (bool, error) {
	if w.target == nil {
		return false, errors.Internal("no exporter target attached").WithCode("ErrNoExportTarget")
	}
	if w.step >= len(w.changes) {
		return false, nil
	}

	change := w.changes[w.step]
	switch change.Type {
	case ChangeTypeDelete, ChangeTypeSoftDelete:
		if err := w.target.ImportFolderDeletion(change.Folder); err != nil {
			return false, err
		}
	default:
		if _, err := w.target.ImportFolderChange(change.Folder); err != nil {
			return false, err
		}
	}
	w.step++

	return w.step < len(w.changes), nil
}
