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

package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grommunio/grommunio-sync/server/backend/states"
	"github.com/grommunio/grommunio-sync/server/backend/states/memory"
)

const (
	deviceID = "androidc123"
	lineage  = "11111111-2222-3333-4444-555555555555"
)

func TestStateStore(t *testing.T) {
	ctx := context.Background()

	t.Run("set and get round trip", func(t *testing.T) {
		db, err := memory.New()
		require.NoError(t, err)

		blob := []byte(`{"folders":[]}`)
		require.NoError(t, db.SetState(ctx, blob, deviceID, states.TypeFolderData, lineage, 1))

		got, err := db.GetState(ctx, deviceID, states.TypeFolderData, lineage, 1, false)
		require.NoError(t, err)
		assert.Equal(t, blob, got)
	})

	t.Run("absent state", func(t *testing.T) {
		db, err := memory.New()
		require.NoError(t, err)

		_, err = db.GetState(ctx, deviceID, states.TypeFolderData, lineage, 9, false)
		assert.ErrorIs(t, err, states.ErrStateNotFound)

		_, err = db.GetStateHash(ctx, deviceID, states.TypeFolderData, lineage, 9)
		assert.ErrorIs(t, err, states.ErrStateNotFound)
	})

	t.Run("get with cleanOldStates discards earlier counters", func(t *testing.T) {
		db, err := memory.New()
		require.NoError(t, err)

		for counter := int64(1); counter <= 3; counter++ {
			require.NoError(t, db.SetState(ctx, []byte{byte(counter)}, deviceID, states.TypeFolderData, lineage, counter))
		}

		_, err = db.GetState(ctx, deviceID, states.TypeFolderData, lineage, 3, true)
		require.NoError(t, err)

		_, err = db.GetState(ctx, deviceID, states.TypeFolderData, lineage, 1, false)
		assert.ErrorIs(t, err, states.ErrStateNotFound)
		_, err = db.GetState(ctx, deviceID, states.TypeFolderData, lineage, 2, false)
		assert.ErrorIs(t, err, states.ErrStateNotFound)
		_, err = db.GetState(ctx, deviceID, states.TypeFolderData, lineage, 3, false)
		assert.NoError(t, err)
	})

	t.Run("clean whole lineage", func(t *testing.T) {
		db, err := memory.New()
		require.NoError(t, err)

		for _, typ := range states.FolderTypes {
			require.NoError(t, db.SetState(ctx, []byte("x"), deviceID, typ, lineage, 1))
		}
		for _, typ := range states.FolderTypes {
			require.NoError(t, db.CleanStates(ctx, deviceID, typ, lineage, states.NoCounter, false))
		}

		for _, typ := range states.FolderTypes {
			_, err := db.GetState(ctx, deviceID, typ, lineage, 1, false)
			assert.ErrorIs(t, err, states.ErrStateNotFound)
		}
	})

	t.Run("clean exact counter only", func(t *testing.T) {
		db, err := memory.New()
		require.NoError(t, err)

		require.NoError(t, db.SetState(ctx, []byte("a"), deviceID, states.TypeFolderData, lineage, 1))
		require.NoError(t, db.SetState(ctx, []byte("b"), deviceID, states.TypeFolderData, lineage, 2))

		require.NoError(t, db.CleanStates(ctx, deviceID, states.TypeFolderData, lineage, 1, true))

		_, err = db.GetState(ctx, deviceID, states.TypeFolderData, lineage, 1, false)
		assert.ErrorIs(t, err, states.ErrStateNotFound)
		_, err = db.GetState(ctx, deviceID, states.TypeFolderData, lineage, 2, false)
		assert.NoError(t, err)
	})

	t.Run("hash changes with content", func(t *testing.T) {
		db, err := memory.New()
		require.NoError(t, err)

		require.NoError(t, db.SetState(ctx, []byte("one"), deviceID, states.TypeDeviceData, "", states.NoCounter))
		first, err := db.GetStateHash(ctx, deviceID, states.TypeDeviceData, "", states.NoCounter)
		require.NoError(t, err)

		require.NoError(t, db.SetState(ctx, []byte("two"), deviceID, states.TypeDeviceData, "", states.NoCounter))
		second, err := db.GetStateHash(ctx, deviceID, states.TypeDeviceData, "", states.NoCounter)
		require.NoError(t, err)

		assert.NotEqual(t, first, second)
	})

	t.Run("lineages are isolated by type and uuid", func(t *testing.T) {
		db, err := memory.New()
		require.NoError(t, err)

		other := "99999999-8888-7777-6666-555555555555"
		require.NoError(t, db.SetState(ctx, []byte("a"), deviceID, states.TypeFolderData, lineage, 1))
		require.NoError(t, db.SetState(ctx, []byte("b"), deviceID, states.TypeFolderData, other, 1))
		require.NoError(t, db.SetState(ctx, []byte("c"), deviceID, states.TypeFailsafe, lineage, 1))

		require.NoError(t, db.CleanStates(ctx, deviceID, states.TypeFolderData, lineage, states.NoCounter, false))

		_, err = db.GetState(ctx, deviceID, states.TypeFolderData, other, 1, false)
		assert.NoError(t, err)
		_, err = db.GetState(ctx, deviceID, states.TypeFailsafe, lineage, 1, false)
		assert.NoError(t, err)
	})
}
