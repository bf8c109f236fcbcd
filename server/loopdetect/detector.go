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

// Package loopdetect watches the (uuid, counter, queued) tuple each folder
// submits on every sync turn and decides whether a device is stuck
// re-requesting the same changes. Its verdicts narrow the sync window down
// to single items until the broken message is isolated and ignored.
//
// The detector state is heuristic. Every write goes through the optimistic
// CAS discipline of the ipc package, and a write lost after the retry
// budget degrades to "no loop" rather than blocking synchronization.
package loopdetect

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/grommunio/grommunio-sync/pkg/types"
	"github.com/grommunio/grommunio-sync/server/backend/ipc"
	"github.com/grommunio/grommunio-sync/server/backend/kv"
	"github.com/grommunio/grommunio-sync/server/logging"
	"github.com/grommunio/grommunio-sync/server/profiling/prometheus"
)

const namespace = "loopdetection"

const (
	// windowNarrowThreshold is the requested window size above which the
	// detector first suggests a smaller window instead of engaging loop mode.
	windowNarrowThreshold = 40

	// narrowedWindow is the window size suggested in that case.
	narrowedWindow = 25

	// ignoreStrikes is the number of consecutive loop turns after which the
	// tracked potential message is committed as the broken one.
	ignoreStrikes = 3
)

// record is the per-(device, user, folder) loop detection state.
type record struct {
	UUID        string `json:"uuid,omitempty"`
	Count       int64  `json:"count,omitempty"`
	Queued      int    `json:"queued,omitempty"`
	LoopCount   int    `json:"loopcount,omitempty"`
	MaxCount    int64  `json:"maxcount,omitempty"`
	Ignored     string `json:"ignored,omitempty"`
	Potential   string `json:"potential,omitempty"`
	WindowLimit int    `json:"windowlimit,omitempty"`

	// Usage is the highest counter already consumed by a heartbeat export.
	Usage *int64 `json:"usage,omitempty"`
}

func (r *record) clearLoopFields() {
	r.LoopCount = 0
	r.MaxCount = 0
	r.Ignored = ""
	r.Potential = ""
	r.WindowLimit = 0
}

func (r *record) empty() bool {
	return r.UUID == "" && r.Usage == nil
}

// Verdict is the outcome of one Detect call.
type Verdict struct {
	// Loop signals an active loop; the caller narrows the window to single
	// items.
	Loop bool

	// SuggestedWindow is a smaller window to try before loop mode engages.
	// Zero means no suggestion.
	SuggestedWindow int
}

// lineageRef remembers which lineage point a folder submitted this request.
type lineageRef struct {
	uuid    string
	counter int64
}

// IgnoredMessageIndex is the device-side index of messages previously
// marked broken. Implemented by device.Device.
type IgnoredMessageIndex interface {
	IgnoredMessages(folderID string) []types.IgnoredMessage
	RemoveIgnoredMessage(folderID, messageID string) bool
}

// Detector tracks loops for one device and user. Instances are request
// scoped; cross-request state lives in the key/value store.
type Detector struct {
	db      *ipc.DataBase
	metrics *prometheus.Metrics
	logger  logging.Logger

	ignoreTarget map[string]string
	lineage      map[string]lineageRef
}

// Option configures a Detector.
type Option func(*Detector, *[]ipc.Option)

// WithClock sets the clock used for CAS retry backoff.
func WithClock(clock clockwork.Clock) Option {
	return func(_ *Detector, ipcOpts *[]ipc.Option) {
		*ipcOpts = append(*ipcOpts, ipc.WithClock(clock))
	}
}

// WithMetrics sets the metrics the detector reports to.
func WithMetrics(metrics *prometheus.Metrics) Option {
	return func(d *Detector, ipcOpts *[]ipc.Option) {
		d.metrics = metrics
		*ipcOpts = append(*ipcOpts, ipc.WithMetrics(metrics))
	}
}

// New creates a Detector for the given device and user.
func New(store kv.Store, deviceID, userID string, opts ...Option) *Detector {
	d := &Detector{
		logger:       logging.New(namespace),
		ignoreTarget: make(map[string]string),
		lineage:      make(map[string]lineageRef),
	}

	var ipcOpts []ipc.Option
	for _, opt := range opts {
		opt(d, &ipcOpts)
	}
	d.db = ipc.New(store, namespace, deviceID, userID, ipcOpts...)

	return d
}

// Detect observes one sync turn of a folder and decides whether the device
// is looping. maxItems is the window the client asked for, queued the
// number of changes waiting on the server side.
func (d *Detector) Detect(
	ctx context.Context,
	folderID string,
	uuid string,
	counter int64,
	maxItems int,
	queued int,
) Verdict {
	d.lineage[folderID] = lineageRef{uuid: uuid, counter: counter}

	// A hard server-side cap with changes still pending is already a loop;
	// stored state stays untouched.
	if maxItems == 0 && queued > 0 {
		d.observe(Verdict{Loop: true})
		return Verdict{Loop: true}
	}

	var verdict Verdict
	err := d.db.Update(ctx, func(current ipc.Record) (ipc.Record, error) {
		verdict = Verdict{}
		delete(d.ignoreTarget, folderID)

		rec, err := decodeRecord(current)
		if err != nil {
			return nil, err
		}

		if rec.UUID != "" && rec.UUID != uuid {
			// Some devices mint a fresh uuid in the middle of an active
			// loop. When the old record still shows unconsumed changes and
			// either an unfinished ceiling or a restarted counter, keep the
			// loop armed instead of resetting.
			if rec.Queued > 0 && (rec.MaxCount > rec.Count+1 || counter == 1) {
				rec.UUID = uuid
				rec.Count = counter
				if rec.LoopCount == 0 {
					rec.LoopCount = 1
				}
				rec.MaxCount = counter + int64(min(maxItems, rec.Queued))
				verdict.Loop = true

				return encodeRecord(rec)
			}

			rec = &record{}
		}

		if rec.UUID == "" {
			rec.UUID = uuid
			rec.Count = counter - 1
			rec.Queued = queued
		}

		switch {
		case rec.Count < counter:
			// Normal progress. While a ceiling from an earlier loop is
			// armed, each advanced counter gets a single-pass check until
			// the broken item was found or the ceiling is reached.
			rec.Count = counter
			rec.Queued = queued
			if rec.MaxCount > 0 {
				if counter < rec.MaxCount && rec.Ignored == "" {
					rec.LoopCount = 1
					verdict.Loop = true
				} else {
					rec.clearLoopFields()
				}
			}

		case rec.Count == counter && rec.Queued == 0 && queued > 0:
			// Same counter, but changes appeared where none existed before.
			rec.Queued = queued

		case rec.Count == counter && rec.Queued > 0:
			// Same counter re-requested while changes exist: the loop
			// signature.
			switch {
			case queued == 0:
				// The pending changes vanished externally; resolved.
				rec.Queued = 0
				rec.clearLoopFields()

			case rec.LoopCount == 0:
				if maxItems > windowNarrowThreshold && rec.WindowLimit == 0 {
					rec.WindowLimit = narrowedWindow
					verdict.SuggestedWindow = narrowedWindow
				} else {
					rec.LoopCount = 1
					rec.MaxCount = counter + int64(min(maxItems, queued))
					rec.WindowLimit = 0
					verdict.Loop = true
				}

			default:
				rec.LoopCount++
				if rec.LoopCount >= ignoreStrikes && rec.Potential != "" {
					d.ignoreTarget[folderID] = rec.Potential
				}
				rec.MaxCount = counter + int64(min(maxItems, queued))
				verdict.Loop = true
			}
		}

		return encodeRecord(rec)
	}, folderID)

	if err != nil {
		d.logger.Warnf("loop detection for folder %s degraded to no-loop: %v", folderID, err)
		return Verdict{}
	}

	d.observe(verdict)

	return verdict
}

func (d *Detector) observe(verdict Verdict) {
	if d.metrics == nil {
		return
	}
	if verdict.Loop {
		d.metrics.AddLoopDetected()
	}
	if verdict.SuggestedWindow > 0 {
		d.metrics.AddWindowNarrowed()
	}
}

// IgnoreNextMessage is called for each message about to be streamed while a
// loop is active. It returns true when the message is the confirmed broken
// one and must not be streamed. Otherwise, with markAsIgnored set, the
// message becomes the current guess; a changed guess restarts the strike
// counter.
func (d *Detector) IgnoreNextMessage(
	ctx context.Context,
	markAsIgnored bool,
	messageID string,
	folderID string,
) bool {
	if messageID != "" && d.ignoreTarget[folderID] == messageID {
		if !markAsIgnored {
			return true
		}

		err := d.db.Update(ctx, func(current ipc.Record) (ipc.Record, error) {
			rec, err := decodeRecord(current)
			if err != nil {
				return nil, err
			}
			rec.Ignored = messageID
			rec.Potential = ""

			return encodeRecord(rec)
		}, folderID)
		if err != nil {
			d.logger.Warnf("mark message %s ignored for folder %s: %v", messageID, folderID, err)
		}

		delete(d.ignoreTarget, folderID)
		if d.metrics != nil {
			d.metrics.AddBrokenMessageIgnored()
		}

		return true
	}

	if !markAsIgnored || messageID == "" {
		return false
	}

	err := d.db.Update(ctx, func(current ipc.Record) (ipc.Record, error) {
		rec, err := decodeRecord(current)
		if err != nil {
			return nil, err
		}
		if rec.LoopCount == 0 {
			return encodeRecord(rec)
		}

		if rec.Potential != "" && rec.Potential != messageID {
			// The previous guess survived a full turn; it was wrong.
			rec.LoopCount = 1
		}
		rec.Potential = messageID

		return encodeRecord(rec)
	}, folderID)
	if err != nil {
		d.logger.Warnf("track potential message %s for folder %s: %v", messageID, folderID, err)
	}

	return false
}

// Lineage returns the (uuid, counter) the folder submitted in this request.
func (d *Detector) Lineage(folderID string) (string, int64, bool) {
	ref, ok := d.lineage[folderID]
	return ref.uuid, ref.counter, ok
}

// SetSyncStateUsage marks the counter of the lineage as consumed by a
// heartbeat export.
func (d *Detector) SetSyncStateUsage(ctx context.Context, folderID, uuid string, counter int64) {
	err := d.db.Update(ctx, func(current ipc.Record) (ipc.Record, error) {
		rec, err := decodeRecord(current)
		if err != nil {
			return nil, err
		}
		if rec.UUID != uuid {
			rec = &record{UUID: uuid, Count: counter}
		}
		usage := counter
		rec.Usage = &usage

		return encodeRecord(rec)
	}, folderID)
	if err != nil {
		d.logger.Warnf("record state usage for folder %s: %v", folderID, err)
	}
}

// IsSyncStateObsolete reports whether the counter of the lineage was
// already consumed by a heartbeat export and must not be exported again.
func (d *Detector) IsSyncStateObsolete(ctx context.Context, folderID, uuid string, counter int64) bool {
	rec, err := d.readRecord(ctx, folderID)
	if err != nil {
		d.logger.Warnf("read state usage for folder %s: %v", folderID, err)
		return false
	}

	return rec.UUID == uuid && rec.Usage != nil && counter <= *rec.Usage
}

// IsHierarchyLooping reports whether the hierarchy exchange itself is in
// loop mode. Used to force a full hierarchy resync.
func (d *Detector) IsHierarchyLooping(ctx context.Context) bool {
	rec, err := d.readRecord(ctx, "")
	if err != nil {
		return false
	}

	return rec.LoopCount > 0
}

// GetSyncedButBeforeIgnoredMessages reconciles the device's broken-message
// index of the folder against the current lineage point. Messages whose
// recorded counter has been passed under the same uuid were delivered after
// all and are removed and reported; records of a different uuid are purged
// silently.
func (d *Detector) GetSyncedButBeforeIgnoredMessages(
	folderID string,
	uuid string,
	counter int64,
	index IgnoredMessageIndex,
) []string {
	var synced []string
	for _, im := range index.IgnoredMessages(folderID) {
		switch {
		case im.UUID == uuid && counter > im.Counter:
			if index.RemoveIgnoredMessage(folderID, im.ID) {
				synced = append(synced, im.ID)
			}
		case im.UUID != uuid:
			index.RemoveIgnoredMessage(folderID, im.ID)
		}
	}

	return synced
}

func (d *Detector) readRecord(ctx context.Context, folderID string) (*record, error) {
	current, err := d.db.Get(ctx, folderID)
	if err != nil {
		return nil, err
	}

	return decodeRecord(current)
}

func decodeRecord(current ipc.Record) (*record, error) {
	rec := &record{}
	if len(current) == 0 {
		return rec, nil
	}

	data, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encode loop record: %w", err)
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decode loop record: %w", err)
	}

	return rec, nil
}

func encodeRecord(rec *record) (ipc.Record, error) {
	if rec.empty() {
		return nil, nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode loop record: %w", err)
	}

	var out ipc.Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("reshape loop record: %w", err)
	}

	return out, nil
}
