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

// Package collections aggregates the folders of one Sync/Ping request and
// implements the blocking change wait used by Ping and Sync heartbeats. The
// wait prefers the backend's push notification sink and falls back to
// polling; on every wakeup it re-checks whether the connection should abort
// instead of continuing to wait.
package collections

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/xid"

	"github.com/grommunio/grommunio-sync/pkg/errors"
	"github.com/grommunio/grommunio-sync/server/backend/groupware"
	"github.com/grommunio/grommunio-sync/server/backend/ipc"
	"github.com/grommunio/grommunio-sync/server/device"
	"github.com/grommunio/grommunio-sync/server/logging"
	"github.com/grommunio/grommunio-sync/server/profiling/prometheus"
)

var (
	// ErrNoCollections is returned when a wait is requested but no folder
	// qualifies for it.
	ErrNoCollections = errors.FailedPrecond("no collections to wait on").WithCode("ErrNoCollections")

	// ErrWrongHierarchy is returned when a collection references a folder
	// the device is no longer synchronizing.
	ErrWrongHierarchy = errors.FailedPrecond("folder not in synchronized hierarchy").WithCode("ErrWrongHierarchy")

	// ErrHierarchyChanged aborts the wait because the folder hierarchy
	// changed; the device must run a hierarchy sync first.
	ErrHierarchyChanged = errors.Aborted("hierarchy changed").WithCode("ErrHierarchyChanged")

	// ErrProvisioningRequired aborts the wait because the provisioning
	// policy changed under the connection.
	ErrProvisioningRequired = errors.Aborted("provisioning required").WithCode("ErrProvisioningRequired")

	// ErrObsoleteConnection aborts the wait because a newer connection of
	// the same device has taken over.
	ErrObsoleteConnection = errors.Aborted("connection superseded by a newer one").WithCode("ErrObsoleteConnection")
)

// obsoleteHandoverWindow is the remaining budget above which an older
// connection steps aside for a newer one. Below it, finishing the wait is
// cheaper than aborting.
const obsoleteHandoverWindow = 60 * time.Second

const statCacheSize = 256

// Collections is the set of folders one request operates on.
type Collections struct {
	connector groupware.Connector
	manager   *device.Manager
	pings     *ipc.PingTracker

	clock   clockwork.Clock
	logger  logging.Logger
	metrics *prometheus.Metrics

	collections map[string]*device.SyncParameters
	statCache   *lru.Cache[string, string]

	connectionID string
	startedAt    time.Time

	// referencePolicyKey is the policy key the connection started with.
	referencePolicyKey string
}

// Option configures Collections.
type Option func(*Collections)

// WithClock sets the clock used for waiting and polling.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Collections) {
		c.clock = clock
	}
}

// WithMetrics sets the metrics waits are reported to.
func WithMetrics(metrics *prometheus.Metrics) Option {
	return func(c *Collections) {
		c.metrics = metrics
	}
}

// New creates the collection set for one request.
func New(
	connector groupware.Connector,
	manager *device.Manager,
	pings *ipc.PingTracker,
	opts ...Option,
) *Collections {
	c := &Collections{
		connector:          connector,
		manager:            manager,
		pings:              pings,
		clock:              clockwork.NewRealClock(),
		logger:             logging.New("collections"),
		collections:        make(map[string]*device.SyncParameters),
		connectionID:       xid.New().String(),
		referencePolicyKey: manager.Device().PolicyKey(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.startedAt = c.clock.Now()

	cache, err := lru.New[string, string](statCacheSize)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}
	c.statCache = cache

	return c
}

// AddCollection adds a folder to the set.
func (c *Collections) AddCollection(params *device.SyncParameters) {
	c.collections[params.FolderID] = params
}

// Collection returns the parameters of a folder, or nil.
func (c *Collections) Collection(folderID string) *device.SyncParameters {
	return c.collections[folderID]
}

// HasCollections reports whether any folder was added.
func (c *Collections) HasCollections() bool {
	return len(c.collections) > 0
}

// FolderIDs returns the folder ids of the set in stable order.
func (c *Collections) FolderIDs() []string {
	ids := make([]string, 0, len(c.collections))
	for id := range c.collections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CountChanges returns the number of changes pending for the folder.
func (c *Collections) CountChanges(ctx context.Context, folderID string) (int, error) {
	exporter, err := c.connector.GetExporter(ctx, c.manager.Device().FolderBackendID(folderID))
	if err != nil {
		return 0, err
	}

	return exporter.GetChangeCount(), nil
}

// CheckForChanges blocks until one of the folders has changes, the
// lifetime elapses, or the wait must abort. It returns the folders with
// changes; an empty result means the heartbeat expired quietly.
func (c *Collections) CheckForChanges(
	ctx context.Context,
	lifetime time.Duration,
	interval time.Duration,
	onlyPingable bool,
) ([]string, error) {
	watched := c.watchedFolders(onlyPingable)
	if len(watched) == 0 {
		return nil, ErrNoCollections
	}
	for _, folderID := range watched {
		if c.manager.Device().FolderUUID(folderID) == "" {
			return nil, ErrWrongHierarchy
		}
	}

	if err := c.pings.Announce(ctx, c.connectionID, c.startedAt); err != nil {
		c.logger.Warnf("announce ping connection: %v", err)
	}
	if c.metrics != nil {
		c.metrics.AddChangeWaiter()
		defer c.metrics.RemoveChangeWaiter()
	}

	useSink := c.connector.HasChangesSink()
	if useSink {
		for _, folderID := range watched {
			if !c.connector.ChangesSinkInitialize(c.manager.Device().FolderBackendID(folderID)) {
				useSink = false
				c.logger.Infof("folder %s cannot be watched, falling back to polling", folderID)
				break
			}
		}
	}

	// Prime the fingerprints so only future changes count.
	c.refreshStats(ctx, watched)

	deadline := c.startedAt.Add(lifetime)
	for {
		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			return nil, nil
		}

		if err := c.checkCancellation(ctx, remaining); err != nil {
			return nil, err
		}

		changed, err := c.changedFolders(ctx, watched)
		if err != nil {
			return nil, err
		}
		if len(changed) > 0 {
			return changed, nil
		}

		wait := interval
		if remaining < wait {
			wait = remaining
		}
		if useSink {
			if _, err := c.connector.ChangesSink(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(wait):
		}
	}
}

func (c *Collections) watchedFolders(onlyPingable bool) []string {
	var watched []string
	for id, params := range c.collections {
		if onlyPingable && !params.Pingable {
			continue
		}
		watched = append(watched, id)
	}
	sort.Strings(watched)
	return watched
}

// checkCancellation re-evaluates the three conditions that end a wait
// early: a changed provisioning policy, a changed hierarchy, and a newer
// connection of the same device.
func (c *Collections) checkCancellation(ctx context.Context, remaining time.Duration) error {
	refreshed, err := c.manager.RefreshDevice(ctx)
	if err != nil {
		c.logger.Warnf("refresh device document: %v", err)
	}
	if refreshed && c.manager.Device().PolicyKey() != c.referencePolicyKey {
		return ErrProvisioningRequired
	}

	if c.manager.IsHierarchySyncRequired(ctx) {
		return ErrHierarchyChanged
	}

	latestID, latestStart, err := c.pings.Latest(ctx)
	if err != nil {
		c.logger.Warnf("read latest ping connection: %v", err)
		return nil
	}
	if latestID != "" && latestID != c.connectionID &&
		latestStart.After(c.startedAt) && remaining > obsoleteHandoverWindow {
		return ErrObsoleteConnection
	}

	return nil
}

// changedFolders returns the folders whose backend fingerprint moved since
// the last look. The fingerprint keeps notification storms from forcing a
// full exporter reconfiguration when nothing relevant changed.
func (c *Collections) changedFolders(ctx context.Context, watched []string) ([]string, error) {
	var changed []string
	for _, folderID := range watched {
		stat, err := c.folderStat(ctx, folderID)
		if err != nil {
			if stderrors.Is(err, groupware.ErrFolderNotFound) {
				return nil, ErrHierarchyChanged
			}
			return nil, err
		}

		previous, ok := c.statCache.Get(folderID)
		if ok && previous == stat {
			continue
		}
		c.statCache.Add(folderID, stat)
		if !ok {
			continue
		}

		count, err := c.CountChanges(ctx, folderID)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			changed = append(changed, folderID)
		}
	}

	return changed, nil
}

func (c *Collections) refreshStats(ctx context.Context, watched []string) {
	for _, folderID := range watched {
		stat, err := c.folderStat(ctx, folderID)
		if err != nil {
			c.logger.Warnf("stat folder %s: %v", folderID, err)
			continue
		}
		c.statCache.Add(folderID, stat)
	}
}

func (c *Collections) folderStat(ctx context.Context, folderID string) (string, error) {
	dev := c.manager.Device()
	return c.connector.GetFolderStat(ctx, dev.UserID(), dev.FolderBackendID(folderID))
}
