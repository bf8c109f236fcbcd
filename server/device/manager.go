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

package device

import (
	"context"

	"github.com/grommunio/grommunio-sync/pkg/types"
	"github.com/grommunio/grommunio-sync/server/backend/states"
	"github.com/grommunio/grommunio-sync/server/logging"
	"github.com/grommunio/grommunio-sync/server/loopdetect"
	"github.com/grommunio/grommunio-sync/server/profiling/prometheus"
)

// WindowSizeMax is the largest number of items exported in one sync turn.
const WindowSizeMax = 512

// loopWindowSize is the window while a loop is active: stream one item at a
// time until the broken one is isolated.
const loopWindowSize = 1

// Manager composes the device document, the loop detector and the state
// store into the per-request device facade.
type Manager struct {
	device     *Device
	detector   *loopdetect.Detector
	stateStore states.Store

	logger  logging.Logger
	metrics *prometheus.Metrics
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerMetrics sets the metrics the manager reports to.
func WithManagerMetrics(metrics *prometheus.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates the device facade.
func NewManager(
	device *Device,
	detector *loopdetect.Detector,
	stateStore states.Store,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		device:     device,
		detector:   detector,
		stateStore: stateStore,
		logger:     logging.New("device"),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Device returns the underlying device document.
func (m *Manager) Device() *Device {
	return m.device
}

// Detector returns the loop detector.
func (m *Manager) Detector() *loopdetect.Detector {
	return m.detector
}

// GetWindowSize returns the number of items to export this turn. The
// requested window is capped at WindowSizeMax, narrowed when the detector
// suggests so, and forced down to a single item while a loop is active.
func (m *Manager) GetWindowSize(
	ctx context.Context,
	folderID string,
	uuid string,
	counter int64,
	queued int,
	requested int,
) int {
	if requested <= 0 || requested > WindowSizeMax {
		requested = WindowSizeMax
	}

	verdict := m.detector.Detect(ctx, folderID, uuid, counter, requested, queued)

	window := requested
	if verdict.SuggestedWindow > 0 && verdict.SuggestedWindow < window {
		window = verdict.SuggestedWindow
	}
	if verdict.Loop {
		window = loopWindowSize
	}

	if window <= 2 {
		m.logger.Warnf(
			"device %s folder %s is looping, window narrowed to %d",
			m.device.DeviceID(), folderID, window,
		)
	}

	return window
}

// DoNotStreamMessage decides whether the message about to be exported must
// be withheld from the device. Any of three independent checks vetoes
// streaming: the loop detector isolated it as the broken item, its semantic
// validation fails, or it is already known broken. A vetoed message is
// filed in the device's broken-message index.
func (m *Manager) DoNotStreamMessage(
	ctx context.Context,
	folderID string,
	messageID string,
	message types.SyncObject,
) bool {
	if m.detector.IgnoreNextMessage(ctx, true, messageID, folderID) {
		m.fileIgnoredMessage(folderID, messageID, "isolated by loop detection")
		return true
	}

	if message != nil {
		if err := message.Check(); err != nil {
			m.fileIgnoredMessage(folderID, messageID, err.Error())
			if m.metrics != nil {
				m.metrics.AddBrokenMessageIgnored()
			}
			return true
		}
	}

	return m.device.HasIgnoredMessage(folderID, messageID)
}

func (m *Manager) fileIgnoredMessage(folderID, messageID, reason string) {
	uuid, counter, _ := m.detector.Lineage(folderID)
	m.device.AddIgnoredMessage(types.IgnoredMessage{
		ID:        messageID,
		FolderID:  folderID,
		UUID:      uuid,
		Counter:   counter,
		Timestamp: Timestamp(),
		Reason:    reason,
	})
	m.logger.Infof("message %s in folder %s will not be streamed: %s", messageID, folderID, reason)
}

// ForceFolderResync drops all synchronization state of one folder. The
// device will start the folder from the zero key.
func (m *Manager) ForceFolderResync(ctx context.Context, folderID string) error {
	if err := m.unlinkFolder(ctx, folderID); err != nil {
		return err
	}

	m.logger.Infof("forced resync of folder %s for device %s", folderID, m.device.DeviceID())
	if m.metrics != nil {
		m.metrics.AddForcedResync("folder")
	}

	return nil
}

// ForceFullResync drops the synchronization state of every folder
// including the hierarchy.
func (m *Manager) ForceFullResync(ctx context.Context) error {
	folders := m.device.SyncedFolders()
	folders = append(folders, HierarchyFolderID)

	for _, folderID := range folders {
		if err := m.unlinkFolder(ctx, folderID); err != nil {
			return err
		}
	}

	m.logger.Infof("forced full resync for device %s", m.device.DeviceID())
	if m.metrics != nil {
		m.metrics.AddForcedResync("full")
	}

	return nil
}

func (m *Manager) unlinkFolder(ctx context.Context, folderID string) error {
	uuid := m.device.FolderUUID(folderID)
	if uuid != "" {
		for _, typ := range states.FolderTypes {
			if err := m.stateStore.CleanStates(ctx, m.device.DeviceID(), typ, uuid, states.NoCounter, false); err != nil {
				return err
			}
		}
	}

	m.device.SetFolderUUID(folderID, "")
	m.device.ClearIgnoredMessages(folderID)

	return nil
}

// IsHierarchySyncRequired reports whether the device must run a full
// hierarchy exchange before syncing content.
func (m *Manager) IsHierarchySyncRequired(ctx context.Context) bool {
	if m.device.FolderUUID(HierarchyFolderID) == "" {
		return true
	}
	if m.device.AdditionalFoldersChanged() {
		return true
	}

	return m.detector.IsHierarchyLooping(ctx)
}

// RefreshDevice reloads the device document when another process persisted
// a newer one. It returns whether a reload happened.
func (m *Manager) RefreshDevice(ctx context.Context) (bool, error) {
	if !m.device.StateChanged(ctx, m.stateStore) {
		return false, nil
	}

	fresh, err := Load(ctx, m.stateStore, m.device.DeviceID(), m.device.UserID())
	if err != nil {
		return false, err
	}
	m.device = fresh

	return true, nil
}

// Save persists the device document when it changed.
func (m *Manager) Save(ctx context.Context) error {
	return m.device.Save(ctx, m.stateStore)
}
