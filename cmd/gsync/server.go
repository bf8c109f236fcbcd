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

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/grommunio/grommunio-sync/server"
	"github.com/grommunio/grommunio-sync/server/logging"
)

var (
	gracefulTimeout = 10 * time.Second
)

var (
	flagConfPath string
	flagLogLevel string

	mongoConnectionTimeout time.Duration
	mongoPingTimeout       time.Duration

	redisDialTimeout time.Duration

	conf = server.NewConfig()
)

func newServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server [options]",
		Short: "Start the synchronization state server",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf.Redis.DialTimeout = redisDialTimeout.String()
			conf.Mongo.ConnectionTimeout = mongoConnectionTimeout.String()
			conf.Mongo.PingTimeout = mongoPingTimeout.String()

			// If config file is given, command-line arguments will be overwritten.
			if flagConfPath != "" {
				parsed, err := server.NewConfigFromFile(flagConfPath)
				if err != nil {
					return err
				}
				conf = parsed
			}

			if err := conf.Validate(); err != nil {
				return err
			}

			if err := logging.SetLogLevel(flagLogLevel); err != nil {
				return err
			}

			r, err := server.New(conf)
			if err != nil {
				return err
			}

			if err := r.Start(); err != nil {
				return err
			}

			if code := handleSignal(r); code != 0 {
				return fmt.Errorf("exit code: %d", code)
			}

			return nil
		},
	}
}

func handleSignal(r *server.Server) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var sig os.Signal
	select {
	case s := <-sigCh:
		sig = s
	case <-r.ShutdownCh():
		// server is already shutdown
		return 0
	}

	graceful := false
	if sig == syscall.SIGINT || sig == syscall.SIGTERM {
		graceful = true
	}

	gracefulCh := make(chan struct{})
	go func() {
		if err := r.Shutdown(graceful); err != nil {
			return
		}
		close(gracefulCh)
	}()

	select {
	case <-sigCh:
		return 1
	case <-time.After(gracefulTimeout):
		return 1
	case <-gracefulCh:
		return 0
	}
}

func init() {
	cmd := newServerCmd()
	cmd.Flags().StringVarP(
		&flagConfPath,
		"config",
		"c",
		"",
		"Config path",
	)
	cmd.Flags().StringVarP(
		&flagLogLevel,
		"log-level",
		"l",
		"info",
		"Log level: debug, info, warn, error, panic, fatal",
	)
	cmd.Flags().IntVar(
		&conf.Profiling.Port,
		"profiling-port",
		server.DefaultProfilingPort,
		"Profiling port",
	)
	cmd.Flags().BoolVar(
		&conf.Profiling.EnablePprof,
		"enable-pprof",
		false,
		"Enable runtime profiling data via HTTP server.",
	)
	cmd.Flags().StringVar(
		&conf.Backend.KVType,
		"kv-type",
		server.DefaultKVType,
		"Interprocess key/value store: memory or redis.",
	)
	cmd.Flags().StringVar(
		&conf.Backend.StateStoreType,
		"state-store-type",
		server.DefaultStateStoreType,
		"Durable state store: memory or mongo.",
	)
	cmd.Flags().StringVar(
		&conf.Redis.Addr,
		"redis-addr",
		server.DefaultRedisAddr,
		"Redis address",
	)
	cmd.Flags().StringVar(
		&conf.Redis.Username,
		"redis-username",
		"",
		"Redis username",
	)
	cmd.Flags().StringVar(
		&conf.Redis.Password,
		"redis-password",
		"",
		"Redis password",
	)
	cmd.Flags().IntVar(
		&conf.Redis.Database,
		"redis-database",
		0,
		"Redis database number",
	)
	cmd.Flags().DurationVar(
		&redisDialTimeout,
		"redis-dial-timeout",
		3*time.Second,
		"Redis dial timeout",
	)
	cmd.Flags().StringVar(
		&conf.Mongo.ConnectionURI,
		"mongo-connection-uri",
		server.DefaultMongoConnectionURI,
		"MongoDB's connection URI",
	)
	cmd.Flags().DurationVar(
		&mongoConnectionTimeout,
		"mongo-connection-timeout",
		5*time.Second,
		"Mongo DB's connection timeout",
	)
	cmd.Flags().StringVar(
		&conf.Mongo.Database,
		"mongo-database",
		server.DefaultMongoDatabase,
		"Database name in MongoDB",
	)
	cmd.Flags().DurationVar(
		&mongoPingTimeout,
		"mongo-ping-timeout",
		5*time.Second,
		"Mongo DB's ping timeout",
	)

	rootCmd.AddCommand(cmd)
}
