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

// Package redis implements the kv.Store interface using Redis. The
// compare-and-swap primitives run as server-side Lua scripts so the
// read-compare-write step is indivisible under concurrent writers.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/grommunio/grommunio-sync/server/backend/kv"
)

// casScript swaps the value at KEYS[1] from ARGV[1] to ARGV[2]. An empty
// expected value matches an absent key; an empty new value removes the key.
var casScript = goredis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false then cur = "" end
if cur ~= ARGV[1] then return 0 end
if ARGV[2] == "" then
  redis.call("DEL", KEYS[1])
else
  redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

// hcasScript is casScript for one field of a hash.
var hcasScript = goredis.NewScript(`
local cur = redis.call("HGET", KEYS[1], ARGV[1])
if cur == false then cur = "" end
if cur ~= ARGV[2] then return 0 end
if ARGV[3] == "" then
  redis.call("HDEL", KEYS[1], ARGV[1])
else
  redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
end
return 1
`)

// Client is a Redis-backed kv.Store.
type Client struct {
	rdb *goredis.Client
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, conf *Config) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        conf.Addr,
		Username:    conf.Username,
		Password:    conf.Password,
		DB:          conf.Database,
		DialTimeout: conf.ParseDialTimeout(),
	})

	pingCtx, cancel := context.WithTimeout(ctx, conf.ParseDialTimeout())
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", conf.Addr, err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the client.
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// Get returns the value stored at key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("get %q: %w", key, kv.ErrKeyNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get %q: %w", key, err)
	}
	return val, nil
}

// Set stores value at key.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Delete removes the key.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %q: %w", key, err)
	}
	return nil
}

// HGet returns the value of one field of the hash stored at key.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("hget %q %q: %w", key, field, kv.ErrKeyNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("hget %q %q: %w", key, field, err)
	}
	return val, nil
}

// HSet stores the value of one field of the hash stored at key.
func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	if err := c.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("hset %q %q: %w", key, field, err)
	}
	return nil
}

// HDelete removes fields from the hash stored at key.
func (c *Client) HDelete(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := c.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("hdel %q: %w", key, err)
	}
	return nil
}

// HGetAll returns all fields of the hash stored at key.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %q: %w", key, err)
	}
	return fields, nil
}

// CompareAndSwap writes value only if the key still holds expected.
func (c *Client) CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error) {
	res, err := casScript.Run(ctx, c.rdb, []string{key}, expected, value).Int()
	if err != nil {
		return false, fmt.Errorf("cas %q: %w", key, err)
	}
	return res == 1, nil
}

// HCompareAndSwap writes value only if the hash field still holds expected.
func (c *Client) HCompareAndSwap(ctx context.Context, key, field, expected, value string) (bool, error) {
	res, err := hcasScript.Run(ctx, c.rdb, []string{key}, field, expected, value).Int()
	if err != nil {
		return false, fmt.Errorf("hcas %q %q: %w", key, field, err)
	}
	return res == 1, nil
}
