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

// Package server provides the synchronization state server. It wires the
// stores of the backend together with the profiling server and manages
// their lifecycles.
package server

import (
	gosync "sync"

	"github.com/grommunio/grommunio-sync/server/backend"
	"github.com/grommunio/grommunio-sync/server/logging"
	"github.com/grommunio/grommunio-sync/server/profiling"
	"github.com/grommunio/grommunio-sync/server/profiling/prometheus"
)

// Server is the main struct of the state server.
type Server struct {
	lock gosync.Mutex

	conf            *Config
	backend         *backend.Backend
	profilingServer *profiling.Server

	shutdown   bool
	shutdownCh chan struct{}
}

// New creates a new instance of Server.
func New(conf *Config) (*Server, error) {
	metrics, err := prometheus.NewMetrics()
	if err != nil {
		return nil, err
	}

	be, err := backend.New(conf.Backend, conf.Redis, conf.Mongo, metrics)
	if err != nil {
		return nil, err
	}

	var profilingServer *profiling.Server
	if conf.Profiling != nil {
		profilingServer = profiling.NewServer(conf.Profiling, metrics)
	}

	return &Server{
		conf:            conf,
		backend:         be,
		profilingServer: profilingServer,
		shutdownCh:      make(chan struct{}),
	}, nil
}

// Start starts the server.
func (r *Server) Start() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.profilingServer != nil {
		if err := r.profilingServer.Start(); err != nil {
			return err
		}
	}

	logging.DefaultLogger().Infof("server started")
	return nil
}

// Shutdown shuts down this server.
func (r *Server) Shutdown(graceful bool) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.shutdown {
		return nil
	}
	r.shutdown = true

	if r.profilingServer != nil {
		r.profilingServer.Shutdown(graceful)
	}
	r.backend.Shutdown()

	close(r.shutdownCh)
	return nil
}

// ShutdownCh returns the shutdown channel.
func (r *Server) ShutdownCh() <-chan struct{} {
	return r.shutdownCh
}

// Backend returns the backend of this server.
func (r *Server) Backend() *backend.Backend {
	return r.backend
}
