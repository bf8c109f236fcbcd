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
	"github.com/grommunio/grommunio-sync/server/backend/states"
	statesmemory "github.com/grommunio/grommunio-sync/server/backend/states/memory"
	"github.com/grommunio/grommunio-sync/server/device"
)

// unreachableStore simulates a store whose reads fail transiently.
type unreachableStore struct {
	states.Store
}

func (s *unreachableStore) GetState(
	context.Context, string, states.Type, string, int64, bool,
) ([]byte, error) {
	return nil, states.ErrStoreUnavailable
}

const (
	deviceID = "androidc123"
	userID   = "user1"
	folderID = "f-inbox"
	lineage  = "11111111-2222-3333-4444-555555555555"
)

func TestDevice(t *testing.T) {
	ctx := context.Background()

	t.Run("load of absent document yields a fresh device", func(t *testing.T) {
		store, err := statesmemory.New()
		require.NoError(t, err)

		d, err := device.Load(ctx, store, deviceID, userID)
		require.NoError(t, err)
		assert.Equal(t, deviceID, d.DeviceID())
		assert.Equal(t, userID, d.UserID())
		assert.False(t, d.IsDirty())
	})

	t.Run("load from an unreachable store yields a fresh device", func(t *testing.T) {
		d, err := device.Load(ctx, &unreachableStore{}, deviceID, userID)
		require.NoError(t, err)
		assert.Equal(t, deviceID, d.DeviceID())
		assert.False(t, d.IsDirty())
	})

	t.Run("save and load round trip", func(t *testing.T) {
		store, err := statesmemory.New()
		require.NoError(t, err)

		d := device.New(deviceID, userID)
		d.SetFolderUUID(folderID, lineage)
		d.SetFolderType(folderID, types.FolderTypeInbox)
		d.SetPolicyKey("1234")
		require.True(t, d.IsDirty())
		require.NoError(t, d.Save(ctx, store))
		assert.False(t, d.IsDirty())

		loaded, err := device.Load(ctx, store, deviceID, userID)
		require.NoError(t, err)
		assert.Equal(t, lineage, loaded.FolderUUID(folderID))
		assert.Equal(t, types.FolderTypeInbox, loaded.FolderType(folderID))
		assert.Equal(t, "1234", loaded.PolicyKey())
	})

	t.Run("save without changes writes nothing", func(t *testing.T) {
		store, err := statesmemory.New()
		require.NoError(t, err)

		d := device.New(deviceID, userID)
		require.NoError(t, d.Save(ctx, store))

		loaded, err := device.Load(ctx, store, deviceID, userID)
		require.NoError(t, err)
		assert.False(t, loaded.IsDirty())
	})

	t.Run("state changed detection", func(t *testing.T) {
		store, err := statesmemory.New()
		require.NoError(t, err)

		d := device.New(deviceID, userID)
		d.SetPolicyKey("1")
		require.NoError(t, d.Save(ctx, store))
		assert.False(t, d.StateChanged(ctx, store))

		other, err := device.Load(ctx, store, deviceID, userID)
		require.NoError(t, err)
		other.SetPolicyKey("2")
		require.NoError(t, other.Save(ctx, store))

		assert.True(t, d.StateChanged(ctx, store))
	})

	t.Run("user agent history is bounded", func(t *testing.T) {
		d := device.New(deviceID, userID)
		for i := 0; i < 15; i++ {
			d.SetUserAgent(string(rune('a' + i)))
		}
		assert.LessOrEqual(t, len(d.UserAgentHistory()), 10)
		assert.Equal(t, "o", d.UserAgent())
	})

	t.Run("ignored message index", func(t *testing.T) {
		d := device.New(deviceID, userID)

		d.AddIgnoredMessage(types.IgnoredMessage{ID: "m1", FolderID: folderID, UUID: lineage, Counter: 3})
		d.AddIgnoredMessage(types.IgnoredMessage{ID: "m1", FolderID: folderID, UUID: lineage, Counter: 4})

		assert.True(t, d.HasIgnoredMessage(folderID, "m1"))
		require.Len(t, d.IgnoredMessages(folderID), 1)
		assert.Equal(t, int64(4), d.IgnoredMessages(folderID)[0].Counter)

		assert.True(t, d.RemoveIgnoredMessage(folderID, "m1"))
		assert.False(t, d.RemoveIgnoredMessage(folderID, "m1"))
		assert.False(t, d.HasIgnoredMessage(folderID, "m1"))
	})

	t.Run("additional folder hash tracks set changes", func(t *testing.T) {
		d := device.New(deviceID, userID)

		shared := &types.AdditionalFolder{Store: "shared", FolderID: "s1", Name: "Team"}
		d.SetAdditionalFolders([]*types.AdditionalFolder{shared})
		assert.True(t, d.AdditionalFoldersChanged())

		ctx := context.Background()
		store, err := statesmemory.New()
		require.NoError(t, err)
		require.NoError(t, d.Save(ctx, store))
		assert.False(t, d.AdditionalFoldersChanged())

		d.SetAdditionalFolders([]*types.AdditionalFolder{shared})
		assert.False(t, d.AdditionalFoldersChanged())

		d.SetAdditionalFolders(nil)
		assert.True(t, d.AdditionalFoldersChanged())
	})

	t.Run("short folder ids are stable", func(t *testing.T) {
		d := device.New(deviceID, userID)

		first := d.ShortFolderID("backend-folder-with-a-very-long-id")
		second := d.ShortFolderID("another-folder")
		assert.NotEqual(t, first, second)
		assert.Equal(t, first, d.ShortFolderID("backend-folder-with-a-very-long-id"))
		assert.Equal(t, "backend-folder-with-a-very-long-id", d.BackendFolderID(first))
		assert.Equal(t, "unknown", d.BackendFolderID("unknown"))
	})

	t.Run("synced folders lists linked lineages", func(t *testing.T) {
		d := device.New(deviceID, userID)
		d.SetFolderUUID("f-b", lineage)
		d.SetFolderUUID("f-a", lineage)
		d.SetFolderType("f-c", types.FolderTypeInbox)

		assert.Equal(t, []string{"f-a", "f-b"}, d.SyncedFolders())

		d.SetFolderUUID("f-a", "")
		assert.Equal(t, []string{"f-b"}, d.SyncedFolders())
	})
}

func TestSyncParameters(t *testing.T) {
	t.Run("starts at zero key", func(t *testing.T) {
		p := device.NewSyncParameters(folderID)
		assert.Equal(t, "0", p.SyncKey(true))
	})

	t.Run("unconfirmed key is hidden from confirmed reads", func(t *testing.T) {
		p := device.NewSyncParameters(folderID)
		p.CurrentKey = "{" + lineage + "}1"
		p.SetNextSyncKey("{" + lineage + "}2")

		assert.Equal(t, "{"+lineage+"}1", p.SyncKey(true))
		assert.Equal(t, "{"+lineage+"}2", p.SyncKey(false))

		p.Confirm()
		assert.Equal(t, "{"+lineage+"}2", p.SyncKey(true))
		assert.Empty(t, p.NextKey)
		assert.False(t, p.LastSyncTime.IsZero())
	})

	t.Run("content parameters per class", func(t *testing.T) {
		p := device.NewSyncParameters(folderID)
		p.ContentParametersFor("Email").FilterType = 3

		assert.Equal(t, 3, p.ContentParametersFor("Email").FilterType)
		assert.Zero(t, p.ContentParametersFor("Calendar").FilterType)
	})
}
