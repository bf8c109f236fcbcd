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

package server_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grommunio/grommunio-sync/server"
	"github.com/grommunio/grommunio-sync/server/backend"
)

func TestNewConfig(t *testing.T) {
	t.Run("defaults are valid test", func(t *testing.T) {
		conf := server.NewConfig()
		require.NoError(t, conf.Validate())

		assert.Equal(t, server.DefaultProfilingPort, conf.Profiling.Port)
		assert.Equal(t, backend.StoreTypeMemory, conf.Backend.KVType)
		assert.Equal(t, backend.StoreTypeMemory, conf.Backend.StateStoreType)
	})

	t.Run("fill defaults from partial file test", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yml")
		require.NoError(t, os.WriteFile(path, []byte(`
Backend:
  KVType: redis
`), 0o644))

		conf, err := server.NewConfigFromFile(path)
		require.NoError(t, err)
		require.NoError(t, conf.Validate())

		assert.Equal(t, backend.StoreTypeRedis, conf.Backend.KVType)
		assert.Equal(t, backend.StoreTypeMemory, conf.Backend.StateStoreType)
		assert.Equal(t, server.DefaultRedisAddr, conf.Redis.Addr)
		assert.Equal(t, server.DefaultRedisDialTimeout, conf.Redis.DialTimeout)
		assert.Equal(t, server.DefaultMongoDatabase, conf.Mongo.Database)
	})

	t.Run("reject unknown store type test", func(t *testing.T) {
		conf := server.NewConfig()
		conf.Backend.KVType = "etcd"
		assert.Error(t, conf.Validate())
	})

	t.Run("reject invalid redis timeout test", func(t *testing.T) {
		conf := server.NewConfig()
		conf.Backend.KVType = backend.StoreTypeRedis
		conf.Redis.DialTimeout = "soon"
		assert.Error(t, conf.Validate())
	})

	t.Run("missing file test", func(t *testing.T) {
		_, err := server.NewConfigFromFile(filepath.Join(t.TempDir(), "absent.yml"))
		assert.Error(t, err)
	})
}
