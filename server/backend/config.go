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

package backend

import (
	"github.com/grommunio/grommunio-sync/internal/validation"
)

// Store backends selectable in the configuration.
const (
	StoreTypeMemory = "memory"
	StoreTypeRedis  = "redis"
	StoreTypeMongo  = "mongo"
)

// Config is the configuration for creating a Backend instance.
type Config struct {
	// KVType selects the key/value store shared between processes:
	// "memory" or "redis".
	KVType string `yaml:"KVType" validate:"required,oneof=memory redis"`

	// StateStoreType selects the durable state store: "memory" or "mongo".
	StateStoreType string `yaml:"StateStoreType" validate:"required,oneof=memory mongo"`
}

// Validate validates this config.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c)
}
