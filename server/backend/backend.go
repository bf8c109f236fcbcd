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

// Package backend bundles the stores shared by every request: the
// interprocess key/value store, the durable state store and the groupware
// connector.
package backend

import (
	"context"
	"fmt"

	"github.com/grommunio/grommunio-sync/server/backend/groupware"
	gwmemory "github.com/grommunio/grommunio-sync/server/backend/groupware/memory"
	"github.com/grommunio/grommunio-sync/server/backend/kv"
	kvmemory "github.com/grommunio/grommunio-sync/server/backend/kv/memory"
	"github.com/grommunio/grommunio-sync/server/backend/kv/redis"
	"github.com/grommunio/grommunio-sync/server/backend/states"
	statesmemory "github.com/grommunio/grommunio-sync/server/backend/states/memory"
	mongo "github.com/grommunio/grommunio-sync/server/backend/states/mongo"
	"github.com/grommunio/grommunio-sync/server/logging"
	"github.com/grommunio/grommunio-sync/server/profiling/prometheus"
)

// Backend is the collection of stores shared by the request handlers. A
// single Backend is created per server process and passed around.
type Backend struct {
	Config  *Config
	Metrics *prometheus.Metrics

	// KVStore carries the small, frequently rewritten interprocess records
	// such as loop-detection data and ping announcements.
	KVStore kv.Store

	// StateStore persists the versioned synchronization states.
	StateStore states.Store

	// Connector is the groupware backend messages and folders come from.
	Connector groupware.Connector

	logger logging.Logger
}

// New creates a Backend from the given configurations.
func New(
	conf *Config,
	redisConf *redis.Config,
	mongoConf *mongo.Config,
	metrics *prometheus.Metrics,
) (*Backend, error) {
	logger := logging.New("backend")

	kvStore, err := newKVStore(conf, redisConf)
	if err != nil {
		return nil, err
	}

	stateStore, err := newStateStore(conf, mongoConf)
	if err != nil {
		_ = kvStore.Close()
		return nil, err
	}

	logger.Infof(
		"backend created: kv=%s states=%s",
		conf.KVType, conf.StateStoreType,
	)

	return &Backend{
		Config:     conf,
		Metrics:    metrics,
		KVStore:    kvStore,
		StateStore: stateStore,
		Connector:  gwmemory.NewConnector(),
		logger:     logger,
	}, nil
}

func newKVStore(conf *Config, redisConf *redis.Config) (kv.Store, error) {
	switch conf.KVType {
	case StoreTypeMemory:
		return kvmemory.New()
	case StoreTypeRedis:
		return redis.Dial(context.Background(), redisConf)
	default:
		return nil, fmt.Errorf("unknown kv store type %q", conf.KVType)
	}
}

func newStateStore(conf *Config, mongoConf *mongo.Config) (states.Store, error) {
	switch conf.StateStoreType {
	case StoreTypeMemory:
		return statesmemory.New()
	case StoreTypeMongo:
		return mongo.Dial(mongoConf)
	default:
		return nil, fmt.Errorf("unknown state store type %q", conf.StateStoreType)
	}
}

// Shutdown closes all resources of this backend.
func (b *Backend) Shutdown() {
	if err := b.Connector.Close(); err != nil {
		b.logger.Warnf("close groupware connector: %v", err)
	}
	if err := b.StateStore.Close(); err != nil {
		b.logger.Warnf("close state store: %v", err)
	}
	if err := b.KVStore.Close(); err != nil {
		b.logger.Warnf("close kv store: %v", err)
	}
}
