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

package redis

import (
	"fmt"
	"os"
	"time"
)

// Config is the configuration for creating a Client instance.
type Config struct {
	Addr        string `yaml:"Addr"`
	Username    string `yaml:"Username"`
	Password    string `yaml:"Password"`
	Database    int    `yaml:"Database"`
	DialTimeout string `yaml:"DialTimeout"`
}

// Validate returns an error if the provided Config is invalidated.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf(`invalid argument "" for "--redis-addr" flag`)
	}

	if _, err := time.ParseDuration(c.DialTimeout); err != nil {
		return fmt.Errorf(
			`invalid argument "%s" for "--redis-dial-timeout" flag: %w`,
			c.DialTimeout,
			err,
		)
	}

	return nil
}

// ParseDialTimeout returns the dial timeout duration.
func (c *Config) ParseDialTimeout() time.Duration {
	result, err := time.ParseDuration(c.DialTimeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "parse dial timeout: %w", err)
		os.Exit(1)
	}

	return result
}
