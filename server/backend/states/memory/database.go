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

// Package memory implements the states.Store interface using an in-memory
// database.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	gotime "time"

	"github.com/hashicorp/go-memdb"

	"github.com/grommunio/grommunio-sync/server/backend/states"
)

type stateRecord struct {
	ID        string
	DeviceID  string
	TypeKey   string
	UUIDKey   string
	Counter   int64
	Data      []byte
	Hash      string
	UpdatedAt gotime.Time
}

// DB is an in-memory state store for testing or single-node setups.
type DB struct {
	db *memdb.MemDB
}

// New returns a new in-memory state store.
func New() (*DB, error) {
	memDB, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("new memdb: %w", err)
	}

	return &DB{db: memDB}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return nil
}

// GetState returns the state blob for the given key.
func (d *DB) GetState(
	_ context.Context,
	deviceID string,
	typ states.Type,
	uuid string,
	counter int64,
	cleanOldStates bool,
) ([]byte, error) {
	txn := d.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tblStates, "id", recordID(deviceID, typ, uuid, counter))
	if err != nil {
		return nil, fmt.Errorf("find state: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("state %s/%s/%s/%d: %w", deviceID, typ, uuid, counter, states.ErrStateNotFound)
	}
	record := raw.(*stateRecord)

	if cleanOldStates && counter > 0 {
		if err := deleteLineage(txn, deviceID, typ, uuid, counter, false); err != nil {
			return nil, err
		}
	}

	txn.Commit()

	data := make([]byte, len(record.Data))
	copy(data, record.Data)
	return data, nil
}

// SetState stores the state blob under the given key.
func (d *DB) SetState(
	_ context.Context,
	data []byte,
	deviceID string,
	typ states.Type,
	uuid string,
	counter int64,
) error {
	txn := d.db.Txn(true)
	defer txn.Abort()

	stored := make([]byte, len(data))
	copy(stored, data)

	sum := sha256.Sum256(data)
	if err := txn.Insert(tblStates, &stateRecord{
		ID:        recordID(deviceID, typ, uuid, counter),
		DeviceID:  deviceID,
		TypeKey:   string(typ),
		UUIDKey:   uuidKey(uuid),
		Counter:   counter,
		Data:      stored,
		Hash:      hex.EncodeToString(sum[:]),
		UpdatedAt: gotime.Now(),
	}); err != nil {
		return fmt.Errorf("insert state: %w", err)
	}

	txn.Commit()
	return nil
}

// CleanStates removes state blobs of the given lineage.
func (d *DB) CleanStates(
	_ context.Context,
	deviceID string,
	typ states.Type,
	uuid string,
	counter int64,
	exactOnly bool,
) error {
	txn := d.db.Txn(true)
	defer txn.Abort()

	if exactOnly {
		if _, err := txn.DeleteAll(tblStates, "id", recordID(deviceID, typ, uuid, counter)); err != nil {
			return fmt.Errorf("delete state: %w", err)
		}
	} else if err := deleteLineage(txn, deviceID, typ, uuid, counter, counter == states.NoCounter); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// GetStateHash returns the content hash of the state blob.
func (d *DB) GetStateHash(
	_ context.Context,
	deviceID string,
	typ states.Type,
	uuid string,
	counter int64,
) (string, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblStates, "id", recordID(deviceID, typ, uuid, counter))
	if err != nil {
		return "", fmt.Errorf("find state: %w", err)
	}
	if raw == nil {
		return "", fmt.Errorf("state %s/%s/%s/%d: %w", deviceID, typ, uuid, counter, states.ErrStateNotFound)
	}

	return raw.(*stateRecord).Hash, nil
}

// deleteLineage removes states of one lineage: all of them when all is set,
// otherwise the ones below the given counter.
func deleteLineage(txn *memdb.Txn, deviceID string, typ states.Type, uuid string, counter int64, all bool) error {
	it, err := txn.Get(tblStates, "lineage", deviceID, string(typ), uuidKey(uuid))
	if err != nil {
		return fmt.Errorf("find lineage: %w", err)
	}

	var obsolete []*stateRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		record := raw.(*stateRecord)
		if all || record.Counter < counter {
			obsolete = append(obsolete, record)
		}
	}

	for _, record := range obsolete {
		if err := txn.Delete(tblStates, record); err != nil {
			return fmt.Errorf("delete state: %w", err)
		}
	}

	return nil
}

func recordID(deviceID string, typ states.Type, uuid string, counter int64) string {
	return strings.Join([]string{deviceID, string(typ), uuidKey(uuid), counterKey(counter)}, "/")
}

// uuidKey maps the empty uuid of unversioned states to a non-empty index
// value.
func uuidKey(uuid string) string {
	if uuid == "" {
		return "-"
	}
	return uuid
}

func counterKey(counter int64) string {
	if counter < 0 {
		return "-"
	}
	return fmt.Sprintf("%020d", counter)
}
