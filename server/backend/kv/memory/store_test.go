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
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grommunio/grommunio-sync/server/backend/kv"
	"github.com/grommunio/grommunio-sync/server/backend/kv/memory"
)

func TestStore(t *testing.T) {
	ctx := context.Background()

	t.Run("get set delete", func(t *testing.T) {
		store, err := memory.New()
		require.NoError(t, err)

		_, err = store.Get(ctx, "k")
		assert.ErrorIs(t, err, kv.ErrKeyNotFound)

		assert.NoError(t, store.Set(ctx, "k", "v", 0))
		val, err := store.Get(ctx, "k")
		assert.NoError(t, err)
		assert.Equal(t, "v", val)

		assert.NoError(t, store.Delete(ctx, "k"))
		_, err = store.Get(ctx, "k")
		assert.ErrorIs(t, err, kv.ErrKeyNotFound)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		store, err := memory.NewWithClock(clock)
		require.NoError(t, err)

		assert.NoError(t, store.Set(ctx, "k", "v", time.Minute))
		_, err = store.Get(ctx, "k")
		assert.NoError(t, err)

		clock.Advance(2 * time.Minute)
		_, err = store.Get(ctx, "k")
		assert.ErrorIs(t, err, kv.ErrKeyNotFound)
	})

	t.Run("hash operations", func(t *testing.T) {
		store, err := memory.New()
		require.NoError(t, err)

		assert.NoError(t, store.HSet(ctx, "h", "f1", "v1"))
		assert.NoError(t, store.HSet(ctx, "h", "f2", "v2"))

		val, err := store.HGet(ctx, "h", "f1")
		assert.NoError(t, err)
		assert.Equal(t, "v1", val)

		all, err := store.HGetAll(ctx, "h")
		assert.NoError(t, err)
		assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

		assert.NoError(t, store.HDelete(ctx, "h", "f1"))
		_, err = store.HGet(ctx, "h", "f1")
		assert.ErrorIs(t, err, kv.ErrKeyNotFound)
	})

	t.Run("compare and swap", func(t *testing.T) {
		store, err := memory.New()
		require.NoError(t, err)

		// empty expected value matches an absent key
		swapped, err := store.CompareAndSwap(ctx, "k", "", "v1")
		assert.NoError(t, err)
		assert.True(t, swapped)

		swapped, err = store.CompareAndSwap(ctx, "k", "stale", "v2")
		assert.NoError(t, err)
		assert.False(t, swapped)

		swapped, err = store.CompareAndSwap(ctx, "k", "v1", "v2")
		assert.NoError(t, err)
		assert.True(t, swapped)

		// swapping in the empty value removes the key
		swapped, err = store.CompareAndSwap(ctx, "k", "v2", "")
		assert.NoError(t, err)
		assert.True(t, swapped)
		_, err = store.Get(ctx, "k")
		assert.ErrorIs(t, err, kv.ErrKeyNotFound)
	})

	t.Run("hash compare and swap", func(t *testing.T) {
		store, err := memory.New()
		require.NoError(t, err)

		swapped, err := store.HCompareAndSwap(ctx, "h", "f", "", "v1")
		assert.NoError(t, err)
		assert.True(t, swapped)

		swapped, err = store.HCompareAndSwap(ctx, "h", "f", "stale", "v2")
		assert.NoError(t, err)
		assert.False(t, swapped)

		swapped, err = store.HCompareAndSwap(ctx, "h", "f", "v1", "")
		assert.NoError(t, err)
		assert.True(t, swapped)
		_, err = store.HGet(ctx, "h", "f")
		assert.ErrorIs(t, err, kv.ErrKeyNotFound)
	})
}

func TestKeyComposition(t *testing.T) {
	assert.Equal(t, "grommunio-sync:loopdetection", kv.Key("loopdetection"))
	assert.Equal(t, "dev1|-|user1", kv.DeviceField("dev1", "user1"))
	assert.Equal(t, "dev1|-|user1|-|folder1", kv.DeviceField("dev1", "user1", "folder1"))
}
