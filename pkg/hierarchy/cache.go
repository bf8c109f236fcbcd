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

// Package hierarchy tracks the folder tree a device knows about. The cache
// keeps the current snapshot plus the snapshot of the previous sync turn so
// deletions can be derived by diffing, and the changes wrapper turns the
// cache into an importer/exporter pair for hierarchy exchanges.
package hierarchy

import (
	"encoding/json"
	"sort"

	"github.com/grommunio/grommunio-sync/pkg/types"
)

// Cache is the per-device folder hierarchy snapshot.
type Cache struct {
	current map[string]*types.SyncFolder
	old     map[string]*types.SyncFolder
	dirty   bool
}

// NewCache creates an empty hierarchy cache.
func NewCache() *Cache {
	return &Cache{
		current: make(map[string]*types.SyncFolder),
		old:     make(map[string]*types.SyncFolder),
	}
}

// AddFolder puts the folder into the current snapshot.
func (c *Cache) AddFolder(folder *types.SyncFolder) {
	c.current[folder.ServerID] = folder.Clone()
	c.dirty = true
}

// RemoveFolder removes the folder from the current snapshot. It returns
// false when the folder is unknown.
func (c *Cache) RemoveFolder(id string) bool {
	if _, ok := c.current[id]; !ok {
		return false
	}
	delete(c.current, id)
	c.dirty = true

	return true
}

// GetFolder returns the folder from the current snapshot, or from the old
// snapshot when useOldState is set. It returns nil for unknown folders.
func (c *Cache) GetFolder(id string, useOldState bool) *types.SyncFolder {
	if useOldState {
		return c.old[id].Clone()
	}

	return c.current[id].Clone()
}

// ImportFolders replaces the current snapshot wholesale.
func (c *Cache) ImportFolders(folders []*types.SyncFolder) {
	c.current = make(map[string]*types.SyncFolder, len(folders))
	for _, folder := range folders {
		c.current[folder.ServerID] = folder.Clone()
	}
	c.dirty = true
}

// ExportFolders returns the folders of the current snapshot, or of the old
// snapshot when useOldState is set, ordered by id.
func (c *Cache) ExportFolders(useOldState bool) []*types.SyncFolder {
	source := c.current
	if useOldState {
		source = c.old
	}

	folders := make([]*types.SyncFolder, 0, len(source))
	for _, folder := range source {
		folders = append(folders, folder.Clone())
	}
	sort.Slice(folders, func(i, j int) bool {
		return folders[i].ServerID < folders[j].ServerID
	})

	return folders
}

// CopyOldState snapshots the current state into the old state and clears
// the dirty flag. Called at the start of a sync turn.
func (c *Cache) CopyOldState() {
	c.old = make(map[string]*types.SyncFolder, len(c.current))
	for id, folder := range c.current {
		c.old[id] = folder.Clone()
	}
	c.dirty = false
}

// GetDeletedFolders returns the folders present in the old snapshot but
// missing from the current one. This diff is the only source of deletion
// events for folders that never went through the import path.
func (c *Cache) GetDeletedFolders() []*types.SyncFolder {
	var deleted []*types.SyncFolder
	for id, folder := range c.old {
		if _, ok := c.current[id]; !ok {
			deleted = append(deleted, folder.Clone())
		}
	}
	sort.Slice(deleted, func(i, j int) bool {
		return deleted[i].ServerID < deleted[j].ServerID
	})

	return deleted
}

// IsDirty reports whether the current snapshot changed since the last
// CopyOldState.
func (c *Cache) IsDirty() bool {
	return c.dirty
}

type cacheDoc struct {
	Folders []*types.SyncFolder `json:"folders"`
}

// MarshalJSON serializes the current snapshot. The old snapshot is turn
// scoped and never persisted.
func (c *Cache) MarshalJSON() ([]byte, error) {
	return json.Marshal(cacheDoc{Folders: c.ExportFolders(false)})
}

// UnmarshalJSON restores the current snapshot from a persisted blob.
func (c *Cache) UnmarshalJSON(data []byte) error {
	var doc cacheDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	c.current = make(map[string]*types.SyncFolder, len(doc.Folders))
	for _, folder := range doc.Folders {
		c.current[folder.ServerID] = folder
	}
	c.old = make(map[string]*types.SyncFolder)
	c.dirty = false

	return nil
}
