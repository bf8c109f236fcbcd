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

package collections_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grommunio/grommunio-sync/pkg/types"
	gwmemory "github.com/grommunio/grommunio-sync/server/backend/groupware/memory"
	"github.com/grommunio/grommunio-sync/server/backend/ipc"
	kvmemory "github.com/grommunio/grommunio-sync/server/backend/kv/memory"
	"github.com/grommunio/grommunio-sync/server/backend/states"
	statesmemory "github.com/grommunio/grommunio-sync/server/backend/states/memory"
	"github.com/grommunio/grommunio-sync/server/collections"
	"github.com/grommunio/grommunio-sync/server/device"
	"github.com/grommunio/grommunio-sync/server/loopdetect"
)

const (
	deviceID      = "androidc123"
	userID        = "user1"
	folderID      = "f-inbox"
	lineage       = "11111111-2222-3333-4444-555555555555"
	hierarchyUUID = "99999999-8888-7777-6666-555555555555"
)

type fixture struct {
	connector  *gwmemory.Connector
	manager    *device.Manager
	pings      *ipc.PingTracker
	stateStore states.Store
	cols       *collections.Collections
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	kv, err := kvmemory.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	stateStore, err := statesmemory.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = stateStore.Close() })

	connector := gwmemory.NewConnector()
	connector.AddFolder(&types.SyncFolder{
		ServerID:    folderID,
		ParentID:    types.RootParentID,
		DisplayName: "Inbox",
		Type:        types.FolderTypeInbox,
	})

	dev := device.New(deviceID, userID)
	dev.SetFolderUUID(device.HierarchyFolderID, hierarchyUUID)
	dev.SetFolderUUID(folderID, lineage)

	manager := device.NewManager(dev, loopdetect.New(kv, deviceID, userID), stateStore)
	pings := ipc.NewPingTracker(kv, deviceID, userID)

	f := &fixture{
		connector:  connector,
		manager:    manager,
		pings:      pings,
		stateStore: stateStore,
	}
	f.cols = collections.New(connector, manager, pings)

	params := device.NewSyncParameters(folderID)
	params.Pingable = true
	f.cols.AddCollection(params)

	return f
}

func TestCollections(t *testing.T) {
	ctx := context.Background()

	t.Run("collection lookup", func(t *testing.T) {
		f := newFixture(t)

		assert.True(t, f.cols.HasCollections())
		assert.NotNil(t, f.cols.Collection(folderID))
		assert.Nil(t, f.cols.Collection("missing"))
		assert.Equal(t, []string{folderID}, f.cols.FolderIDs())
	})

	t.Run("count changes", func(t *testing.T) {
		f := newFixture(t)

		count, err := f.cols.CountChanges(ctx, folderID)
		require.NoError(t, err)
		assert.Zero(t, count)

		f.connector.PutMessage(folderID, &gwmemory.Message{ID: "m1"})

		count, err = f.cols.CountChanges(ctx, folderID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestCheckForChanges(t *testing.T) {
	ctx := context.Background()

	t.Run("no pingable collections", func(t *testing.T) {
		f := newFixture(t)
		f.cols.Collection(folderID).Pingable = false

		_, err := f.cols.CheckForChanges(ctx, time.Second, 10*time.Millisecond, true)
		assert.ErrorIs(t, err, collections.ErrNoCollections)
	})

	t.Run("unlinked folder aborts with wrong hierarchy", func(t *testing.T) {
		f := newFixture(t)
		f.manager.Device().SetFolderUUID(folderID, "")

		_, err := f.cols.CheckForChanges(ctx, time.Second, 10*time.Millisecond, false)
		assert.ErrorIs(t, err, collections.ErrWrongHierarchy)
	})

	t.Run("missing hierarchy lineage aborts", func(t *testing.T) {
		f := newFixture(t)
		f.manager.Device().SetFolderUUID(device.HierarchyFolderID, "")

		_, err := f.cols.CheckForChanges(ctx, time.Second, 10*time.Millisecond, false)
		assert.ErrorIs(t, err, collections.ErrHierarchyChanged)
	})

	t.Run("expires quietly without changes", func(t *testing.T) {
		f := newFixture(t)

		changed, err := f.cols.CheckForChanges(ctx, 50*time.Millisecond, 10*time.Millisecond, false)
		require.NoError(t, err)
		assert.Empty(t, changed)
	})

	t.Run("new message wakes the wait", func(t *testing.T) {
		f := newFixture(t)

		type result struct {
			changed []string
			err     error
		}
		done := make(chan result, 1)
		go func() {
			changed, err := f.cols.CheckForChanges(ctx, 5*time.Second, 20*time.Millisecond, false)
			done <- result{changed, err}
		}()

		time.Sleep(50 * time.Millisecond)
		f.connector.PutMessage(folderID, &gwmemory.Message{ID: "m1"})

		select {
		case res := <-done:
			require.NoError(t, res.err)
			assert.Equal(t, []string{folderID}, res.changed)
		case <-time.After(3 * time.Second):
			t.Fatal("wait did not wake on new message")
		}
	})

	t.Run("newer connection makes this one obsolete", func(t *testing.T) {
		f := newFixture(t)

		type result struct {
			err error
		}
		done := make(chan result, 1)
		go func() {
			_, err := f.cols.CheckForChanges(ctx, 5*time.Minute, 20*time.Millisecond, false)
			done <- result{err}
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, f.pings.Announce(ctx, "newer-connection", time.Now().Add(time.Second)))

		select {
		case res := <-done:
			assert.ErrorIs(t, res.err, collections.ErrObsoleteConnection)
		case <-time.After(3 * time.Second):
			t.Fatal("wait did not notice the newer connection")
		}
	})

	t.Run("policy change aborts with provisioning required", func(t *testing.T) {
		f := newFixture(t)
		f.manager.Device().SetPolicyKey("1000")
		require.NoError(t, f.manager.Save(ctx))

		// Reference key is captured at construction time.
		f.cols = collections.New(f.connector, f.manager, f.pings)
		params := device.NewSyncParameters(folderID)
		params.Pingable = true
		f.cols.AddCollection(params)

		other, err := device.Load(ctx, f.stateStore, deviceID, userID)
		require.NoError(t, err)
		other.SetPolicyKey("2000")
		require.NoError(t, other.Save(ctx, f.stateStore))

		_, err = f.cols.CheckForChanges(ctx, time.Second, 10*time.Millisecond, false)
		assert.ErrorIs(t, err, collections.ErrProvisioningRequired)
	})

	t.Run("deleted folder aborts with hierarchy changed", func(t *testing.T) {
		f := newFixture(t)

		type result struct {
			err error
		}
		done := make(chan result, 1)
		go func() {
			_, err := f.cols.CheckForChanges(ctx, 5*time.Second, 20*time.Millisecond, false)
			done <- result{err}
		}()

		time.Sleep(50 * time.Millisecond)
		f.connector.RemoveFolder(folderID)

		select {
		case res := <-done:
			assert.ErrorIs(t, res.err, collections.ErrHierarchyChanged)
		case <-time.After(3 * time.Second):
			t.Fatal("wait did not notice the deleted folder")
		}
	})
}
