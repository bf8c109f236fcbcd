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

// Package memory implements the kv.Store interface using an in-memory
// database. Every compare-and-swap runs inside a single write transaction,
// which gives the same atomicity a scripted store provides.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/jonboulle/clockwork"

	"github.com/grommunio/grommunio-sync/server/backend/kv"
)

type entry struct {
	Key       string
	Value     string
	ExpiresAt time.Time
}

type hashField struct {
	Key   string
	Field string
	Value string
}

// Store is an in-memory key/value store for testing or single-node setups.
type Store struct {
	db    *memdb.MemDB
	clock clockwork.Clock
}

// New returns a new in-memory store.
func New() (*Store, error) {
	return NewWithClock(clockwork.NewRealClock())
}

// NewWithClock returns a new in-memory store using the given clock for key
// expiry.
func NewWithClock(clock clockwork.Clock) (*Store, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("new memdb: %w", err)
	}

	return &Store{db: db, clock: clock}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return nil
}

// Get returns the value stored at key.
func (s *Store) Get(_ context.Context, key string) (string, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	ent, err := s.liveEntry(txn, key)
	if err != nil {
		return "", err
	}
	if ent == nil {
		return "", fmt.Errorf("get %q: %w", key, kv.ErrKeyNotFound)
	}

	return ent.Value, nil
}

// Set stores value at key.
func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := s.insertEntry(txn, key, value, ttl); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// Delete removes the key.
func (s *Store) Delete(_ context.Context, key string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(tblEntries, "id", key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}

	txn.Commit()
	return nil
}

// HGet returns the value of one field of the hash stored at key.
func (s *Store) HGet(_ context.Context, key, field string) (string, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblHashFields, "id", key, field)
	if err != nil {
		return "", fmt.Errorf("find hash field %q %q: %w", key, field, err)
	}
	if raw == nil {
		return "", fmt.Errorf("hget %q %q: %w", key, field, kv.ErrKeyNotFound)
	}

	return raw.(*hashField).Value, nil
}

// HSet stores the value of one field of the hash stored at key.
func (s *Store) HSet(_ context.Context, key, field, value string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tblHashFields, &hashField{
		Key:   key,
		Field: field,
		Value: value,
	}); err != nil {
		return fmt.Errorf("insert hash field %q %q: %w", key, field, err)
	}

	txn.Commit()
	return nil
}

// HDelete removes fields from the hash stored at key.
func (s *Store) HDelete(_ context.Context, key string, fields ...string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	for _, field := range fields {
		if _, err := txn.DeleteAll(tblHashFields, "id", key, field); err != nil {
			return fmt.Errorf("delete hash field %q %q: %w", key, field, err)
		}
	}

	txn.Commit()
	return nil
}

// HGetAll returns all fields of the hash stored at key.
func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tblHashFields, "key", key)
	if err != nil {
		return nil, fmt.Errorf("find hash %q: %w", key, err)
	}

	fields := make(map[string]string)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		hf := raw.(*hashField)
		fields[hf.Field] = hf.Value
	}

	return fields, nil
}

// CompareAndSwap writes value only if the key still holds expected.
func (s *Store) CompareAndSwap(_ context.Context, key, expected, value string) (bool, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	ent, err := s.liveEntry(txn, key)
	if err != nil {
		return false, err
	}

	current := ""
	if ent != nil {
		current = ent.Value
	}
	if current != expected {
		return false, nil
	}

	if value == "" {
		if _, err := txn.DeleteAll(tblEntries, "id", key); err != nil {
			return false, fmt.Errorf("delete %q: %w", key, err)
		}
	} else if err := s.insertEntry(txn, key, value, 0); err != nil {
		return false, err
	}

	txn.Commit()
	return true, nil
}

// HCompareAndSwap writes value only if the hash field still holds expected.
func (s *Store) HCompareAndSwap(_ context.Context, key, field, expected, value string) (bool, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tblHashFields, "id", key, field)
	if err != nil {
		return false, fmt.Errorf("find hash field %q %q: %w", key, field, err)
	}

	current := ""
	if raw != nil {
		current = raw.(*hashField).Value
	}
	if current != expected {
		return false, nil
	}

	if value == "" {
		if _, err := txn.DeleteAll(tblHashFields, "id", key, field); err != nil {
			return false, fmt.Errorf("delete hash field %q %q: %w", key, field, err)
		}
	} else if err := txn.Insert(tblHashFields, &hashField{
		Key:   key,
		Field: field,
		Value: value,
	}); err != nil {
		return false, fmt.Errorf("insert hash field %q %q: %w", key, field, err)
	}

	txn.Commit()
	return true, nil
}

// liveEntry returns the entry at key, treating expired entries as absent.
func (s *Store) liveEntry(txn *memdb.Txn, key string) (*entry, error) {
	raw, err := txn.First(tblEntries, "id", key)
	if err != nil {
		return nil, fmt.Errorf("find %q: %w", key, err)
	}
	if raw == nil {
		return nil, nil
	}

	ent := raw.(*entry)
	if !ent.ExpiresAt.IsZero() && !ent.ExpiresAt.After(s.clock.Now()) {
		return nil, nil
	}

	return ent, nil
}

func (s *Store) insertEntry(txn *memdb.Txn, key, value string, ttl time.Duration) error {
	ent := &entry{Key: key, Value: value}
	if ttl > 0 {
		ent.ExpiresAt = s.clock.Now().Add(ttl)
	}

	if err := txn.Insert(tblEntries, ent); err != nil {
		return fmt.Errorf("insert %q: %w", key, err)
	}

	return nil
}
