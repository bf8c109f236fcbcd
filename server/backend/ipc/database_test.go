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

package ipc_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grommunio/grommunio-sync/server/backend/ipc"
	"github.com/grommunio/grommunio-sync/server/backend/kv"
	"github.com/grommunio/grommunio-sync/server/backend/kv/memory"
)

func newDataBase(t *testing.T, namespace string) *ipc.DataBase {
	t.Helper()
	store, err := memory.New()
	require.NoError(t, err)
	return ipc.New(store, namespace, "dev1", "user1")
}

// writeCountingStore counts the compare-and-swap writes going through it.
type writeCountingStore struct {
	kv.Store
	writes int
}

func (s *writeCountingStore) HCompareAndSwap(
	ctx context.Context,
	key, field, expected, value string,
) (bool, error) {
	s.writes++
	return s.Store.HCompareAndSwap(ctx, key, field, expected, value)
}

func TestDataBase(t *testing.T) {
	ctx := context.Background()

	t.Run("merge preserves unrelated fields", func(t *testing.T) {
		db := newDataBase(t, "test")

		require.NoError(t, db.Merge(ctx, map[string]interface{}{"a": 1, "b": "x"}))
		require.NoError(t, db.Merge(ctx, map[string]interface{}{"b": "y", "c": true}))

		record, err := db.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage(`1`), record["a"])
		assert.Equal(t, json.RawMessage(`"y"`), record["b"])
		assert.Equal(t, json.RawMessage(`true`), record["c"])
	})

	t.Run("sub keys address distinct records", func(t *testing.T) {
		db := newDataBase(t, "test")

		require.NoError(t, db.Merge(ctx, map[string]interface{}{"v": 1}, "folderA"))
		require.NoError(t, db.Merge(ctx, map[string]interface{}{"v": 2}, "folderB"))

		recordA, err := db.Get(ctx, "folderA")
		require.NoError(t, err)
		recordB, err := db.Get(ctx, "folderB")
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage(`1`), recordA["v"])
		assert.Equal(t, json.RawMessage(`2`), recordB["v"])
	})

	t.Run("delete keys stops early when nothing changes", func(t *testing.T) {
		inner, err := memory.New()
		require.NoError(t, err)
		store := &writeCountingStore{Store: inner}
		db := ipc.New(store, "test", "dev1", "user1")

		require.NoError(t, db.Merge(ctx, map[string]interface{}{"a": 1, "b": 2}))
		require.NoError(t, db.DeleteKeys(ctx, []string{"b", "missing"}))

		record, err := db.Get(ctx)
		require.NoError(t, err)
		assert.Contains(t, record, "a")
		assert.NotContains(t, record, "b")

		// No matching field, no write.
		writesBefore := store.writes
		require.NoError(t, db.DeleteKeys(ctx, []string{"missing"}))
		assert.Equal(t, writesBefore, store.writes)

		// Same for a record that does not exist at all.
		require.NoError(t, db.DeleteKeys(ctx, []string{"missing"}, "absent-sub"))
		assert.Equal(t, writesBefore, store.writes)
	})

	t.Run("update skips the write when the record is unchanged", func(t *testing.T) {
		inner, err := memory.New()
		require.NoError(t, err)
		store := &writeCountingStore{Store: inner}
		db := ipc.New(store, "test", "dev1", "user1")

		require.NoError(t, db.Merge(ctx, map[string]interface{}{"a": 1}))

		writesBefore := store.writes
		require.NoError(t, db.Update(ctx, func(current ipc.Record) (ipc.Record, error) {
			return current, nil
		}))
		assert.Equal(t, writesBefore, store.writes)
	})

	t.Run("deleting the last key removes the record", func(t *testing.T) {
		db := newDataBase(t, "test")

		require.NoError(t, db.Merge(ctx, map[string]interface{}{"a": 1}))
		require.NoError(t, db.DeleteKeys(ctx, []string{"a"}))

		record, err := db.Get(ctx)
		require.NoError(t, err)
		assert.Empty(t, record)
	})

	t.Run("update computes replacement from current", func(t *testing.T) {
		db := newDataBase(t, "test")

		require.NoError(t, db.Merge(ctx, map[string]interface{}{"count": 1}))
		require.NoError(t, db.Update(ctx, func(current ipc.Record) (ipc.Record, error) {
			var count int
			require.NoError(t, json.Unmarshal(current["count"], &count))
			data, err := json.Marshal(count + 1)
			require.NoError(t, err)
			return ipc.Record{"count": data}, nil
		}))

		record, err := db.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage(`2`), record["count"])
	})
}

func TestRetryCAS(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds without delay on first attempt", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		calls := 0
		retries, err := ipc.RetryCAS(ctx, clock, ipc.MaxAttempts, ipc.RetryDelay, func() (bool, error) {
			calls++
			return true, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 0, retries)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		calls := 0

		done := make(chan struct{})
		var retries int
		var err error
		go func() {
			defer close(done)
			retries, err = ipc.RetryCAS(ctx, clock, ipc.MaxAttempts, ipc.RetryDelay, func() (bool, error) {
				calls++
				return false, nil
			})
		}()

		// one backoff before each attempt after the first
		for i := 0; i < ipc.MaxAttempts-1; i++ {
			clock.BlockUntil(1)
			clock.Advance(ipc.RetryDelay)
		}
		<-done

		assert.ErrorIs(t, err, ipc.ErrRetriesExhausted)
		assert.Equal(t, ipc.MaxAttempts, retries)
		assert.Equal(t, ipc.MaxAttempts, calls)
	})

	t.Run("contract constants", func(t *testing.T) {
		assert.Equal(t, 5, ipc.MaxAttempts)
		assert.Equal(t, 100*time.Millisecond, ipc.RetryDelay)
	})
}

func TestPingTracker(t *testing.T) {
	ctx := context.Background()
	store, err := memory.New()
	require.NoError(t, err)

	tracker := ipc.NewPingTracker(store, "dev1", "user1")

	connectionID, startedAt, err := tracker.Latest(ctx)
	require.NoError(t, err)
	assert.Empty(t, connectionID)
	assert.True(t, startedAt.IsZero())

	now := time.Now()
	require.NoError(t, tracker.Announce(ctx, "conn-1", now))

	connectionID, startedAt, err = tracker.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "conn-1", connectionID)
	assert.Equal(t, now.UnixNano(), startedAt.UnixNano())

	// a different device does not see it
	other := ipc.NewPingTracker(store, "dev2", "user1")
	connectionID, _, err = other.Latest(ctx)
	require.NoError(t, err)
	assert.Empty(t, connectionID)
}
