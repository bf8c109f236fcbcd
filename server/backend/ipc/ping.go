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

package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/grommunio/grommunio-sync/server/backend/kv"
)

const pingNamespace = "pingtracking"

const (
	fieldPingConnection = "connection"
	fieldPingStarted    = "started"
)

// PingTracker shares the newest Ping/Heartbeat connection per device+user
// between processes. A long-polling request uses it to notice that a newer
// connection for the same device has started and that it should step aside.
type PingTracker struct {
	data *DataBase
}

// NewPingTracker creates a PingTracker for the given device+user.
func NewPingTracker(store kv.Store, deviceID, userID string, opts ...Option) *PingTracker {
	return &PingTracker{data: New(store, pingNamespace, deviceID, userID, opts...)}
}

// Announce records this connection as the newest one for the device+user.
func (p *PingTracker) Announce(ctx context.Context, connectionID string, startedAt time.Time) error {
	return p.data.Merge(ctx, map[string]interface{}{
		fieldPingConnection: connectionID,
		fieldPingStarted:    startedAt.UnixNano(),
	})
}

// Latest returns the newest announced connection and its start time. The
// zero values are returned when no connection has been announced yet.
func (p *PingTracker) Latest(ctx context.Context) (string, time.Time, error) {
	record, err := p.data.Get(ctx)
	if err != nil {
		return "", time.Time{}, err
	}

	rawConn, ok := record[fieldPingConnection]
	if !ok {
		return "", time.Time{}, nil
	}

	var connectionID string
	if err := json.Unmarshal(rawConn, &connectionID); err != nil {
		return "", time.Time{}, fmt.Errorf("unmarshal ping connection: %w", err)
	}

	var startedAt time.Time
	if rawStarted, ok := record[fieldPingStarted]; ok {
		var nanos int64
		if err := json.Unmarshal(rawStarted, &nanos); err != nil {
			return "", time.Time{}, fmt.Errorf("unmarshal ping start: %w", err)
		}
		startedAt = time.Unix(0, nanos)
	}

	return connectionID, startedAt, nil
}
