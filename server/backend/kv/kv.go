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

// Package kv provides the client interface for the shared key/value store
// used for interprocess coordination. All cross-request state (loop
// detection records, ping bookkeeping) goes through this interface; the
// compare-and-swap primitives are the only concurrency control the engine
// relies on.
package kv

import (
	"context"
	"time"

	"github.com/grommunio/grommunio-sync/pkg/errors"
)

// ErrKeyNotFound is returned when a key or hash field does not exist.
var ErrKeyNotFound = errors.NotFound("key not found").WithCode("ErrKeyNotFound")

// Store is a thin client over a networked key/value store.
//
// The compare-and-swap operations must be atomic across concurrent callers:
// reading the old value, comparing it and writing the new value happen as
// one indivisible step. An empty expected value matches an absent key or
// field; swapping in an empty value removes the key or field.
type Store interface {
	// Get returns the value stored at key.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes the key.
	Delete(ctx context.Context, key string) error

	// HGet returns the value of one field of the hash stored at key.
	HGet(ctx context.Context, key, field string) (string, error)

	// HSet stores the value of one field of the hash stored at key.
	HSet(ctx context.Context, key, field, value string) error

	// HDelete removes fields from the hash stored at key.
	HDelete(ctx context.Context, key string, fields ...string) error

	// HGetAll returns all fields of the hash stored at key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// CompareAndSwap writes value only if the key still holds expected.
	CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error)

	// HCompareAndSwap writes value only if the hash field still holds
	// expected.
	HCompareAndSwap(ctx context.Context, key, field, expected, value string) (bool, error)

	// Close closes the client.
	Close() error
}
