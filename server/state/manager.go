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

// Package state owns the SyncKey lineage of every folder: minting new keys,
// resolving keys back to stored state, and linking folders to lineages so
// superseded lineages are purged instead of piling up.
package state

import (
	"context"
	"fmt"

	"github.com/grommunio/grommunio-sync/pkg/errors"
	"github.com/grommunio/grommunio-sync/pkg/hierarchy"
	"github.com/grommunio/grommunio-sync/pkg/synckey"
	"github.com/grommunio/grommunio-sync/pkg/types"
	"github.com/grommunio/grommunio-sync/server/backend/states"
	"github.com/grommunio/grommunio-sync/server/logging"
)

// HierarchyFolderID is the virtual folder id of the hierarchy exchange.
const HierarchyFolderID = ""

// ErrStateInvalid is returned when the client submits a key that does not
// match the tracked lineage position: a stale key reused after the lineage
// advanced, a malformed key, or a key this request never minted.
var ErrStateInvalid = errors.FailedPrecond("sync state invalid").WithCode("ErrStateInvalid")

// DeviceLink is the device document as the state manager sees it.
// Implemented by device.Device.
type DeviceLink interface {
	DeviceID() string
	FolderUUID(folderID string) string
	SetFolderUUID(folderID, uuid string)
	SetFolderType(folderID string, typ types.FolderType)
	SetFolderBackendID(folderID, backendID string)
	ClearIgnoredMessages(folderID string)
}

// Manager resolves SyncKeys to stored state for one request. It is request
// scoped: minted keys must be confirmed within the same instance.
type Manager struct {
	store  states.Store
	device DeviceLink
	logger logging.Logger

	// hierarchyOperation gates loading and saving the hierarchy cache; only
	// FolderSync and folder-change operations touch it.
	hierarchyOperation bool
	cache              *hierarchy.Cache

	pending map[string]synckey.Key
}

// NewManager creates a state manager for one request.
func NewManager(store states.Store, device DeviceLink, hierarchyOperation bool) *Manager {
	return &Manager{
		store:              store,
		device:             device,
		logger:             logging.New("state"),
		hierarchyOperation: hierarchyOperation,
		cache:              hierarchy.NewCache(),
		pending:            make(map[string]synckey.Key),
	}
}

// HierarchyCache returns the hierarchy cache of this request.
func (m *Manager) HierarchyCache() *hierarchy.Cache {
	return m.cache
}

// GetNewSyncKey mints the key the response will carry: a fresh lineage for
// the zero key, the incremented counter otherwise. The minted key is
// tracked and must be confirmed through SetSyncState.
func (m *Manager) GetNewSyncKey(folderID, key string) (synckey.Key, error) {
	if synckey.IsZeroToken(key) {
		minted := synckey.New()
		m.pending[folderID] = minted
		return minted, nil
	}

	parsed, err := synckey.Parse(key)
	if err != nil {
		return synckey.Key{}, fmt.Errorf("%w: %v", ErrStateInvalid, err)
	}

	minted := parsed.Next()
	m.pending[folderID] = minted

	return minted, nil
}

// GetSyncState resolves the submitted key to the stored state blob. The
// zero key resolves to an empty state. Reading a counter discards all
// earlier counters of the lineage, so reusing a stale key afterwards is a
// state violation.
func (m *Manager) GetSyncState(ctx context.Context, folderID, key string) ([]byte, error) {
	if synckey.IsZeroToken(key) {
		if m.hierarchyOperation {
			m.cache = hierarchy.NewCache()
			m.cache.CopyOldState()
		}
		return nil, nil
	}

	parsed, err := synckey.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateInvalid, err)
	}

	data, err := m.store.GetState(
		ctx, m.device.DeviceID(), states.TypeFolderData, parsed.UUID, parsed.Counter, true,
	)
	if err != nil {
		if states.IsNotFound(err) {
			return nil, fmt.Errorf("%w: no state for key %s", ErrStateInvalid, key)
		}
		return nil, err
	}

	if m.hierarchyOperation {
		if err := m.loadHierarchyCache(ctx, parsed); err != nil {
			return nil, err
		}
	}

	return data, nil
}

func (m *Manager) loadHierarchyCache(ctx context.Context, key synckey.Key) error {
	blob, err := m.store.GetState(
		ctx, m.device.DeviceID(), states.TypeHierarchy, key.UUID, key.Counter, true,
	)
	if err != nil {
		if states.IsNotFound(err) {
			m.cache = hierarchy.NewCache()
			m.cache.CopyOldState()
			return nil
		}
		return err
	}

	m.cache = hierarchy.NewCache()
	if err := m.cache.UnmarshalJSON(blob); err != nil {
		return fmt.Errorf("%w: corrupt hierarchy cache: %v", ErrStateInvalid, err)
	}
	m.cache.CopyOldState()

	return nil
}

// SetSyncState persists the state blob under the key minted earlier this
// request. A key that was never minted here, or does not match the minted
// one, is rejected; it signals stale key reuse or a concurrent mutation.
func (m *Manager) SetSyncState(ctx context.Context, folderID, key string, data []byte) error {
	parsed, err := synckey.Parse(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStateInvalid, err)
	}

	minted, ok := m.pending[folderID]
	if !ok || minted != parsed {
		return fmt.Errorf("%w: key %s was not issued for folder %q", ErrStateInvalid, key, folderID)
	}

	if err := m.LinkState(ctx, folderID, parsed.UUID); err != nil {
		return err
	}
	if err := m.store.SetState(
		ctx, data, m.device.DeviceID(), states.TypeFolderData, parsed.UUID, parsed.Counter,
	); err != nil {
		return err
	}

	if m.hierarchyOperation {
		if err := m.saveHierarchyCache(ctx, parsed); err != nil {
			return err
		}
	}

	delete(m.pending, folderID)

	return nil
}

// saveHierarchyCache persists the cache and reflects its outcome onto the
// device: folder metadata for every known folder, an unlink for every
// folder gone from the tree.
func (m *Manager) saveHierarchyCache(ctx context.Context, key synckey.Key) error {
	for _, folder := range m.cache.ExportFolders(false) {
		m.device.SetFolderType(folder.ServerID, folder.Type)
		if folder.BackendID != "" {
			m.device.SetFolderBackendID(folder.ServerID, folder.BackendID)
		}
	}

	for _, folder := range m.cache.GetDeletedFolders() {
		if err := m.UnLinkState(ctx, folder.ServerID); err != nil {
			return err
		}
	}

	if !m.cache.IsDirty() {
		return nil
	}

	blob, err := m.cache.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal hierarchy cache: %w", err)
	}

	return m.store.SetState(
		ctx, blob, m.device.DeviceID(), states.TypeHierarchy, key.UUID, key.Counter,
	)
}

// LinkState links the folder to a lineage. Linking over a different
// previous lineage first purges every state category of the old one and
// clears the folder's broken-message tracking.
func (m *Manager) LinkState(ctx context.Context, folderID, uuid string) error {
	old := m.device.FolderUUID(folderID)
	if old != "" && old != uuid {
		m.logger.Infof(
			"folder %q moves from lineage %s to %s, purging old states",
			folderID, old, uuid,
		)
		if err := m.purgeLineage(ctx, old); err != nil {
			return err
		}
		m.device.ClearIgnoredMessages(folderID)
	}

	m.device.SetFolderUUID(folderID, uuid)

	return nil
}

// UnLinkState removes the folder's lineage and all states tied to it.
func (m *Manager) UnLinkState(ctx context.Context, folderID string) error {
	old := m.device.FolderUUID(folderID)
	if old != "" {
		if err := m.purgeLineage(ctx, old); err != nil {
			return err
		}
	}

	m.device.SetFolderUUID(folderID, "")
	m.device.ClearIgnoredMessages(folderID)

	return nil
}

func (m *Manager) purgeLineage(ctx context.Context, uuid string) error {
	for _, typ := range states.FolderTypes {
		if err := m.store.CleanStates(
			ctx, m.device.DeviceID(), typ, uuid, states.NoCounter, false,
		); err != nil {
			return err
		}
	}

	return nil
}
