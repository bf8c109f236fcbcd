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

package memory

import (
	"fmt"

	"github.com/rs/xid"

	"github.com/grommunio/grommunio-sync/pkg/types"
	"github.com/grommunio/grommunio-sync/server/backend/groupware"
)

func newFolderID() string {
	return xid.New().String()
}

// hierarchyExporter streams all folders of the backend store into the
// attached importer.
type hierarchyExporter struct {
	conn   *Connector
	target groupware.Importer
	queue  []*types.SyncFolder
	loaded bool
}

func (e *hierarchyExporter) Config(_ []byte) error {
	return nil
}

func (e *hierarchyExporter) InitializeExporter(target groupware.Importer) error {
	e.target = target
	return nil
}

func (e *hierarchyExporter) GetChangeCount() int {
	e.load()
	return len(e.queue)
}

func (e *hierarchyExporter) Synchronize() (bool, error) {
	if e.target == nil {
		return false, fmt.Errorf("hierarchy exporter has no importer attached")
	}

	e.load()
	if len(e.queue) == 0 {
		return false, nil
	}

	folder := e.queue[0]
	e.queue = e.queue[1:]
	if _, err := e.target.ImportFolderChange(folder); err != nil {
		return false, err
	}

	return len(e.queue) > 0, nil
}

func (e *hierarchyExporter) load() {
	if e.loaded {
		return
	}
	e.loaded = true

	e.conn.mu.RLock()
	defer e.conn.mu.RUnlock()
	for _, folder := range e.conn.folders {
		e.queue = append(e.queue, folder.Clone())
	}
}

// contentExporter streams queued message changes of one folder into the
// attached importer.
type contentExporter struct {
	conn     *Connector
	folderID string
	target   groupware.Importer
}

func (e *contentExporter) Config(_ []byte) error {
	return nil
}

func (e *contentExporter) InitializeExporter(target groupware.Importer) error {
	e.target = target
	return nil
}

func (e *contentExporter) GetChangeCount() int {
	e.conn.mu.RLock()
	defer e.conn.mu.RUnlock()

	return len(e.conn.pending[e.folderID])
}

func (e *contentExporter) Synchronize() (bool, error) {
	if e.target == nil {
		return false, fmt.Errorf("content exporter has no importer attached")
	}

	change, remaining, ok := e.pop()
	if !ok {
		return false, nil
	}

	if change.deletion {
		if err := e.target.ImportMessageDeletion(change.messageID); err != nil {
			return false, err
		}
	} else {
		if err := e.target.ImportMessageChange(change.messageID, change.message); err != nil {
			return false, err
		}
	}

	return remaining > 0, nil
}

func (e *contentExporter) pop() (pendingChange, int, bool) {
	e.conn.mu.Lock()
	defer e.conn.mu.Unlock()

	queue := e.conn.pending[e.folderID]
	if len(queue) == 0 {
		return pendingChange{}, 0, false
	}
	change := queue[0]
	e.conn.pending[e.folderID] = queue[1:]

	return change, len(queue) - 1, true
}

// storeImporter applies device-originated changes to the backend store.
type storeImporter struct {
	conn     *Connector
	folderID string
}

func (i *storeImporter) ImportFolderChange(folder *types.SyncFolder) (*types.SyncFolder, error) {
	i.conn.mu.Lock()
	defer i.conn.mu.Unlock()

	stored := folder.Clone()
	if stored.ServerID == "" {
		stored.ServerID = newFolderID()
	}
	i.conn.folders[stored.ServerID] = stored
	i.conn.versions[stored.ServerID]++

	return stored.Clone(), nil
}

func (i *storeImporter) ImportFolderDeletion(folder *types.SyncFolder) error {
	i.conn.mu.Lock()
	defer i.conn.mu.Unlock()

	if _, ok := i.conn.folders[folder.ServerID]; !ok {
		return fmt.Errorf("delete folder %q: %w", folder.ServerID, groupware.ErrFolderNotFound)
	}
	delete(i.conn.folders, folder.ServerID)
	delete(i.conn.messages, folder.ServerID)
	delete(i.conn.pending, folder.ServerID)
	i.conn.versions[folder.ServerID]++

	return nil
}

func (i *storeImporter) ImportMessageChange(id string, message types.SyncObject) error {
	msg, ok := message.(*Message)
	if !ok {
		return fmt.Errorf("unsupported message type %T", message)
	}

	i.conn.mu.Lock()
	defer i.conn.mu.Unlock()

	if i.conn.messages[i.folderID] == nil {
		i.conn.messages[i.folderID] = make(map[string]*Message)
	}
	i.conn.messages[i.folderID][id] = msg
	i.conn.versions[i.folderID]++

	return nil
}

func (i *storeImporter) ImportMessageDeletion(id string) error {
	i.conn.mu.Lock()
	defer i.conn.mu.Unlock()

	delete(i.conn.messages[i.folderID], id)
	i.conn.versions[i.folderID]++

	return nil
}
