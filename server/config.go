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

package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/grommunio/grommunio-sync/server/backend"
	"github.com/grommunio/grommunio-sync/server/backend/kv/redis"
	"github.com/grommunio/grommunio-sync/server/backend/states/mongo"
	"github.com/grommunio/grommunio-sync/server/profiling"
)

// Below are the values of the default values of configuration.
const (
	DefaultProfilingPort = 8081

	DefaultKVType         = backend.StoreTypeMemory
	DefaultStateStoreType = backend.StoreTypeMemory

	DefaultRedisAddr        = "localhost:6379"
	DefaultRedisDialTimeout = "3s"

	DefaultMongoConnectionURI     = "mongodb://localhost:27017"
	DefaultMongoConnectionTimeout = "5s"
	DefaultMongoPingTimeout       = "5s"
	DefaultMongoDatabase          = "grommunio-sync"
)

// Config is the configuration for creating a Server instance.
type Config struct {
	Backend   *backend.Config   `yaml:"Backend"`
	Profiling *profiling.Config `yaml:"Profiling"`
	Redis     *redis.Config     `yaml:"Redis"`
	Mongo     *mongo.Config     `yaml:"Mongo"`
}

// NewConfig returns a Config struct that contains reasonable defaults
// for most of the configurations.
func NewConfig() *Config {
	return newConfig(DefaultProfilingPort)
}

// NewConfigFromFile returns a Config struct for the given conf file.
func NewConfigFromFile(path string) (*Config, error) {
	conf := &Config{}
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err = yaml.Unmarshal(bytes, conf); err != nil {
		return nil, fmt.Errorf("unmarshal config file: %w", err)
	}
	conf.ensureDefaultValue()

	return conf, nil
}

// Validate returns an error if the provided Config is invalidated.
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return err
	}

	if err := c.Profiling.Validate(); err != nil {
		return err
	}

	if c.Backend.KVType == backend.StoreTypeRedis {
		if err := c.Redis.Validate(); err != nil {
			return err
		}
	}

	if c.Backend.StateStoreType == backend.StoreTypeMongo {
		if err := c.Mongo.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// ensureDefaultValue sets the value of the option to which the default
// value should be applied when the user does not input it.
func (c *Config) ensureDefaultValue() {
	if c.Backend == nil {
		c.Backend = &backend.Config{}
	}
	if c.Backend.KVType == "" {
		c.Backend.KVType = DefaultKVType
	}
	if c.Backend.StateStoreType == "" {
		c.Backend.StateStoreType = DefaultStateStoreType
	}

	if c.Profiling == nil {
		c.Profiling = &profiling.Config{}
	}
	if c.Profiling.Port == 0 {
		c.Profiling.Port = DefaultProfilingPort
	}

	if c.Redis == nil {
		c.Redis = &redis.Config{}
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Redis.DialTimeout == "" {
		c.Redis.DialTimeout = DefaultRedisDialTimeout
	}

	if c.Mongo == nil {
		c.Mongo = &mongo.Config{}
	}
	if c.Mongo.ConnectionURI == "" {
		c.Mongo.ConnectionURI = DefaultMongoConnectionURI
	}
	if c.Mongo.ConnectionTimeout == "" {
		c.Mongo.ConnectionTimeout = DefaultMongoConnectionTimeout
	}
	if c.Mongo.PingTimeout == "" {
		c.Mongo.PingTimeout = DefaultMongoPingTimeout
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = DefaultMongoDatabase
	}
}

func newConfig(profilingPort int) *Config {
	conf := &Config{
		Profiling: &profiling.Config{
			Port: profilingPort,
		},
	}
	conf.ensureDefaultValue()

	return conf
}
