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

// Package memory implements the groupware.Connector interface with an
// in-memory store, for testing or demo setups.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/grommunio/grommunio-sync/pkg/types"
	"github.com/grommunio/grommunio-sync/server/backend/groupware"
)

// Message is a simple in-memory message.
type Message struct {
	ID      string
	Subject string

	// Corrupt marks the message as semantically broken; Check fails for it.
	Corrupt bool
}

// Check validates the message's internal consistency.
func (m *Message) Check() error {
	if m.Corrupt {
		return fmt.Errorf("message %s is corrupt", m.ID)
	}
	return nil
}

type pendingChange struct {
	messageID string
	message   *Message
	deletion  bool
}

// Connector is an in-memory groupware backend.
type Connector struct {
	mu sync.RWMutex

	folders  map[string]*types.SyncFolder
	messages map[string]map[string]*Message
	pending  map[string][]pendingChange
	versions map[string]int64
	denied   map[string]bool

	sinkID      string
	sinkFolders map[string]struct{}
	notify      chan string
}

// NewConnector creates an empty in-memory backend.
func NewConnector() *Connector {
	return &Connector{
		folders:     make(map[string]*types.SyncFolder),
		messages:    make(map[string]map[string]*Message),
		pending:     make(map[string][]pendingChange),
		versions:    make(map[string]int64),
		denied:      make(map[string]bool),
		sinkID:      xid.New().String(),
		sinkFolders: make(map[string]struct{}),
		notify:      make(chan string, 64),
	}
}

// AddFolder places a folder into the backend store.
func (c *Connector) AddFolder(folder *types.SyncFolder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.folders[folder.ServerID] = folder.Clone()
	c.versions[folder.ServerID]++
	c.notifyLocked(folder.ServerID)
}

// RemoveFolder removes a folder and its messages from the backend store.
func (c *Connector) RemoveFolder(folderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.folders, folderID)
	delete(c.messages, folderID)
	delete(c.pending, folderID)
	c.versions[folderID]++
}

// PutMessage stores a message and queues it for export.
func (c *Connector) PutMessage(folderID string, message *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.messages[folderID] == nil {
		c.messages[folderID] = make(map[string]*Message)
	}
	c.messages[folderID][message.ID] = message
	c.pending[folderID] = append(c.pending[folderID], pendingChange{
		messageID: message.ID,
		message:   message,
	})
	c.versions[folderID]++
	c.notifyLocked(folderID)
}

// DeleteMessage removes a message and queues the deletion for export.
func (c *Connector) DeleteMessage(folderID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.messages[folderID], messageID)
	c.pending[folderID] = append(c.pending[folderID], pendingChange{
		messageID: messageID,
		deletion:  true,
	})
	c.versions[folderID]++
	c.notifyLocked(folderID)
}

// ClearPending drops queued exports for the folder without touching the
// stored messages.
func (c *Connector) ClearPending(folderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, folderID)
	c.versions[folderID]++
}

// DenyAccess makes ACL probes and setups of the given store or folder fail.
func (c *Connector) DenyAccess(storeOrFolder string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.denied[storeOrFolder] = true
}

// GetHierarchy returns all folders visible to the user.
func (c *Connector) GetHierarchy(_ context.Context) ([]*types.SyncFolder, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	folders := make([]*types.SyncFolder, 0, len(c.folders))
	for _, folder := range c.folders {
		folders = append(folders, folder.Clone())
	}
	sort.Slice(folders, func(i, j int) bool {
		return folders[i].ServerID < folders[j].ServerID
	})

	return folders, nil
}

// GetExporter returns an exporter for the given folder.
func (c *Connector) GetExporter(_ context.Context, folderID string) (groupware.Exporter, error) {
	if folderID == "" {
		return &hierarchyExporter{conn: c}, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.folders[folderID]; !ok {
		return nil, fmt.Errorf("exporter for %q: %w", folderID, groupware.ErrFolderNotFound)
	}

	return &contentExporter{conn: c, folderID: folderID}, nil
}

// GetImporter returns an importer writing into the backend store.
func (c *Connector) GetImporter(_ context.Context, folderID string) (groupware.Importer, error) {
	return &storeImporter{conn: c, folderID: folderID}, nil
}

// HasChangesSink reports that this backend pushes change notifications.
func (c *Connector) HasChangesSink() bool {
	return true
}

// ChangesSinkInitialize registers the folder with the notification sink.
func (c *Connector) ChangesSinkInitialize(folderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.folders[folderID]; !ok {
		return false
	}
	c.sinkFolders[folderID] = struct{}{}
	return true
}

// ChangesSink blocks up to timeout and returns the ids of folders with
// changes.
func (c *Connector) ChangesSink(ctx context.Context, timeout time.Duration) ([]string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case folderID := <-c.notify:
		seen := map[string]struct{}{folderID: {}}
		notified := []string{folderID}
		for {
			select {
			case next := <-c.notify:
				if _, ok := seen[next]; !ok {
					seen[next] = struct{}{}
					notified = append(notified, next)
				}
			default:
				return notified, nil
			}
		}
	}
}

// GetFolderStat returns a cheap fingerprint of the folder.
func (c *Connector) GetFolderStat(_ context.Context, store, folderID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.folders[folderID]; !ok {
		return "", fmt.Errorf("stat of %q: %w", folderID, groupware.ErrFolderNotFound)
	}

	return fmt.Sprintf("%s:%d:%d", store, c.versions[folderID], len(c.messages[folderID])), nil
}

// Setup prepares access to the given store, or probes the ACL only.
func (c *Connector) Setup(_ context.Context, store string, _ bool, folderID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.denied[store] || c.denied[folderID] {
		return fmt.Errorf("setup %q/%q: %w", store, folderID, groupware.ErrAccessDenied)
	}

	return nil
}

// Close releases backend resources.
func (c *Connector) Close() error {
	return nil
}

// notifyLocked wakes the sink for folders it watches. Callers hold the
// mutex.
func (c *Connector) notifyLocked(folderID string) {
	if _, ok := c.sinkFolders[folderID]; !ok {
		return
	}

	select {
	case c.notify <- folderID:
	default:
	}
}
