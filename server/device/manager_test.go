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

package device_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grommunio/grommunio-sync/pkg/types"
	gwmemory "github.com/grommunio/grommunio-sync/server/backend/groupware/memory"
	kvmemory "github.com/grommunio/grommunio-sync/server/backend/kv/memory"
	"github.com/grommunio/grommunio-sync/server/backend/states"
	statesmemory "github.com/grommunio/grommunio-sync/server/backend/states/memory"
	"github.com/grommunio/grommunio-sync/server/device"
	"github.com/grommunio/grommunio-sync/server/loopdetect"
)

func newManager(t *testing.T) (*device.Manager, states.Store) {
	t.Helper()

	kv, err := kvmemory.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	stateStore, err := statesmemory.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = stateStore.Close() })

	dev := device.New(deviceID, userID)
	detector := loopdetect.New(kv, deviceID, userID)

	return device.NewManager(dev, detector, stateStore), stateStore
}

func TestGetWindowSize(t *testing.T) {
	ctx := context.Background()

	t.Run("default window", func(t *testing.T) {
		m, _ := newManager(t)

		window := m.GetWindowSize(ctx, folderID, lineage, 1, 5, 0)
		assert.Equal(t, device.WindowSizeMax, window)
	})

	t.Run("requested window is honored", func(t *testing.T) {
		m, _ := newManager(t)

		window := m.GetWindowSize(ctx, folderID, lineage, 1, 5, 25)
		assert.Equal(t, 25, window)
	})

	t.Run("loop narrows the window to one item", func(t *testing.T) {
		m, _ := newManager(t)

		m.GetWindowSize(ctx, folderID, lineage, 1, 5, 10)
		window := m.GetWindowSize(ctx, folderID, lineage, 1, 5, 10)
		assert.Equal(t, 1, window)
	})

	t.Run("detector suggestion narrows a large window", func(t *testing.T) {
		m, _ := newManager(t)

		m.GetWindowSize(ctx, folderID, lineage, 1, 50, 100)
		window := m.GetWindowSize(ctx, folderID, lineage, 1, 50, 100)
		assert.Equal(t, 25, window)
	})
}

func TestDoNotStreamMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("valid message streams", func(t *testing.T) {
		m, _ := newManager(t)

		veto := m.DoNotStreamMessage(ctx, folderID, "m1", &gwmemory.Message{ID: "m1"})
		assert.False(t, veto)
	})

	t.Run("corrupt message is vetoed and filed", func(t *testing.T) {
		m, _ := newManager(t)
		m.Detector().Detect(ctx, folderID, lineage, 3, 10, 1)

		veto := m.DoNotStreamMessage(ctx, folderID, "m1", &gwmemory.Message{ID: "m1", Corrupt: true})
		assert.True(t, veto)

		reports := m.Device().IgnoredMessages(folderID)
		require.Len(t, reports, 1)
		assert.Equal(t, "m1", reports[0].ID)
		assert.Equal(t, lineage, reports[0].UUID)
		assert.Equal(t, int64(3), reports[0].Counter)
	})

	t.Run("known broken message is vetoed", func(t *testing.T) {
		m, _ := newManager(t)
		m.Device().AddIgnoredMessage(types.IgnoredMessage{ID: "m1", FolderID: folderID})

		veto := m.DoNotStreamMessage(ctx, folderID, "m1", &gwmemory.Message{ID: "m1"})
		assert.True(t, veto)
	})

	t.Run("loop isolation vetoes the confirmed message", func(t *testing.T) {
		m, _ := newManager(t)
		d := m.Detector()

		d.Detect(ctx, folderID, lineage, 1, 10, 5)
		d.Detect(ctx, folderID, lineage, 1, 10, 5)
		assert.False(t, m.DoNotStreamMessage(ctx, folderID, "m1", &gwmemory.Message{ID: "m1"}))

		d.Detect(ctx, folderID, lineage, 1, 10, 5)
		assert.False(t, m.DoNotStreamMessage(ctx, folderID, "m1", &gwmemory.Message{ID: "m1"}))

		d.Detect(ctx, folderID, lineage, 1, 10, 5)
		assert.True(t, m.DoNotStreamMessage(ctx, folderID, "m1", &gwmemory.Message{ID: "m1"}))
		assert.True(t, m.Device().HasIgnoredMessage(folderID, "m1"))
	})
}

func TestForceResync(t *testing.T) {
	ctx := context.Background()

	seedStates := func(t *testing.T, store states.Store, folderUUID string) {
		for _, typ := range states.FolderTypes {
			require.NoError(t, store.SetState(ctx, []byte("x"), deviceID, typ, folderUUID, 1))
		}
	}

	t.Run("folder resync drops lineage states", func(t *testing.T) {
		m, store := newManager(t)
		m.Device().SetFolderUUID(folderID, lineage)
		seedStates(t, store, lineage)

		require.NoError(t, m.ForceFolderResync(ctx, folderID))

		assert.Empty(t, m.Device().FolderUUID(folderID))
		for _, typ := range states.FolderTypes {
			_, err := store.GetState(ctx, deviceID, typ, lineage, 1, false)
			assert.ErrorIs(t, err, states.ErrStateNotFound)
		}
	})

	t.Run("full resync unlinks everything", func(t *testing.T) {
		m, store := newManager(t)
		hierarchyUUID := "99999999-8888-7777-6666-555555555555"
		m.Device().SetFolderUUID(folderID, lineage)
		m.Device().SetFolderUUID(device.HierarchyFolderID, hierarchyUUID)
		seedStates(t, store, lineage)
		seedStates(t, store, hierarchyUUID)

		require.NoError(t, m.ForceFullResync(ctx))

		assert.Empty(t, m.Device().SyncedFolders())
		assert.Empty(t, m.Device().FolderUUID(device.HierarchyFolderID))
	})
}

func TestIsHierarchySyncRequired(t *testing.T) {
	ctx := context.Background()

	t.Run("no hierarchy lineage", func(t *testing.T) {
		m, _ := newManager(t)
		assert.True(t, m.IsHierarchySyncRequired(ctx))
	})

	t.Run("linked hierarchy suffices", func(t *testing.T) {
		m, _ := newManager(t)
		m.Device().SetFolderUUID(device.HierarchyFolderID, lineage)
		assert.False(t, m.IsHierarchySyncRequired(ctx))
	})

	t.Run("changed additional folders force a hierarchy sync", func(t *testing.T) {
		m, _ := newManager(t)
		m.Device().SetFolderUUID(device.HierarchyFolderID, lineage)
		m.Device().SetAdditionalFolders([]*types.AdditionalFolder{
			{Store: "shared", FolderID: "s1", Name: "Team"},
		})
		assert.True(t, m.IsHierarchySyncRequired(ctx))
	})
}
