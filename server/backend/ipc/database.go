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

// Package ipc provides per-device-and-user data sharing between concurrent
// requests through the key/value store. Writes are optimistic and lock-free:
// read, modify, compare-and-swap, bounded retry. A write lost after the
// retry budget is treated as stale heuristic data, never as a correctness
// failure.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/grommunio/grommunio-sync/server/backend/kv"
	"github.com/grommunio/grommunio-sync/server/logging"
	"github.com/grommunio/grommunio-sync/server/profiling/prometheus"
)

// Record is one JSON-encoded record shared between processes.
type Record map[string]json.RawMessage

// DataBase is the per-device-and-user keyed access pattern on top of the
// key/value store. One instance covers one namespace for one device+user.
type DataBase struct {
	store    kv.Store
	key      string
	deviceID string
	userID   string

	clock   clockwork.Clock
	metrics *prometheus.Metrics
	logger  logging.Logger
}

// Option configures a DataBase.
type Option func(*DataBase)

// WithClock sets the clock used for retry backoff.
func WithClock(clock clockwork.Clock) Option {
	return func(d *DataBase) {
		d.clock = clock
	}
}

// WithMetrics sets the metrics used to observe retry behavior.
func WithMetrics(metrics *prometheus.Metrics) Option {
	return func(d *DataBase) {
		d.metrics = metrics
	}
}

// New creates a DataBase for the given namespace and device+user.
func New(store kv.Store, namespace, deviceID, userID string, opts ...Option) *DataBase {
	db := &DataBase{
		store:    store,
		key:      kv.Key(namespace),
		deviceID: deviceID,
		userID:   userID,
		clock:    clockwork.NewRealClock(),
		logger:   logging.New(namespace),
	}

	for _, opt := range opts {
		opt(db)
	}

	return db
}

// Get reads the record, optionally narrowed by sub keys. An absent record is
// returned as an empty one.
func (d *DataBase) Get(ctx context.Context, sub ...string) (Record, error) {
	raw, err := d.read(ctx, sub...)
	if err != nil {
		return nil, err
	}

	return decodeRecord(raw)
}

// Merge shallow-merges the given fields into the record: new keys overwrite
// old ones, unrelated keys are preserved. Used for multi-field updates where
// the caller does not own the full record.
func (d *DataBase) Merge(ctx context.Context, fields map[string]interface{}, sub ...string) error {
	encoded := make(Record, len(fields))
	for name, value := range fields {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal field %q: %w", name, err)
		}
		encoded[name] = data
	}

	return d.Update(ctx, func(current Record) (Record, error) {
		merged := make(Record, len(current)+len(encoded))
		for name, value := range current {
			merged[name] = value
		}
		for name, value := range encoded {
			merged[name] = value
		}
		return merged, nil
	}, sub...)
}

// Update replaces the record with the result of fn, retrying when a
// concurrent writer got in between. fn receives the current record and
// returns the full replacement; returning nil removes the record.
func (d *DataBase) Update(
	ctx context.Context,
	fn func(current Record) (Record, error),
	sub ...string,
) error {
	retries, err := RetryCAS(ctx, d.clock, MaxAttempts, RetryDelay, func() (bool, error) {
		raw, err := d.read(ctx, sub...)
		if err != nil {
			return false, err
		}

		current, err := decodeRecord(raw)
		if err != nil {
			return false, err
		}

		next, err := fn(current)
		if err != nil {
			return false, err
		}

		// An empty replacement, nil or not, removes the record.
		value := ""
		if len(next) > 0 {
			data, err := json.Marshal(next)
			if err != nil {
				return false, fmt.Errorf("marshal record: %w", err)
			}
			value = string(data)
		}

		// Nothing changed; skip the write entirely.
		if value == raw {
			return true, nil
		}

		return d.store.HCompareAndSwap(ctx, d.key, d.field(sub...), raw, value)
	})

	if retries > 0 && d.metrics != nil {
		d.metrics.AddCASRetries(retries)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		d.logger.Warnf("giving up write for %s after %d attempts", d.field(sub...), MaxAttempts)
		if d.metrics != nil {
			d.metrics.AddCASExhausted()
		}
	}

	return err
}

// DeleteKeys removes the named fields from the record. It returns without
// writing when none of the fields are present.
func (d *DataBase) DeleteKeys(ctx context.Context, fields []string, sub ...string) error {
	return d.Update(ctx, func(current Record) (Record, error) {
		changed := false
		next := make(Record, len(current))
		for name, value := range current {
			next[name] = value
		}
		for _, name := range fields {
			if _, ok := next[name]; ok {
				delete(next, name)
				changed = true
			}
		}

		if !changed {
			return current, nil
		}
		if len(next) == 0 {
			return nil, nil
		}
		return next, nil
	}, sub...)
}

func (d *DataBase) field(sub ...string) string {
	return kv.DeviceField(d.deviceID, d.userID, sub...)
}

// read returns the raw record value, or the empty string when absent.
func (d *DataBase) read(ctx context.Context, sub ...string) (string, error) {
	raw, err := d.store.HGet(ctx, d.key, d.field(sub...))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return "", nil
		}
		return "", err
	}
	return raw, nil
}

func decodeRecord(raw string) (Record, error) {
	if raw == "" {
		return Record{}, nil
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return record, nil
}
