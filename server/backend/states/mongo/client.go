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

// Package mongo implements the states.Store interface using MongoDB.
package mongo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	gotime "time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/grommunio/grommunio-sync/server/backend/states"
)

const colStates = "states"

type stateDoc struct {
	DeviceID  string      `bson:"device_id"`
	Type      string      `bson:"type"`
	UUID      string      `bson:"uuid"`
	Counter   int64       `bson:"counter"`
	Data      []byte      `bson:"data"`
	Hash      string      `bson:"hash"`
	UpdatedAt gotime.Time `bson:"updated_at"`
}

// Client is a client that connects to MongoDB and reads or saves durable
// synchronization states.
type Client struct {
	config *Config
	client *mongo.Client
}

// Dial creates an instance of Client and dials the given MongoDB.
func Dial(conf *Config) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), conf.ParseConnectionTimeout())
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(conf.ConnectionURI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}

	ctxPing, cancelPing := context.WithTimeout(ctx, conf.ParsePingTimeout())
	defer cancelPing()

	if err := client.Ping(ctxPing, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	if err := ensureIndexes(ctx, client.Database(conf.Database)); err != nil {
		return nil, err
	}

	return &Client{
		config: conf,
		client: client,
	}, nil
}

// Close all resources of this client.
func (c *Client) Close() error {
	if err := c.client.Disconnect(context.Background()); err != nil {
		return fmt.Errorf("disconnect from mongo: %w", err)
	}

	return nil
}

// GetState returns the state blob for the given key.
func (c *Client) GetState(
	ctx context.Context,
	deviceID string,
	typ states.Type,
	uuid string,
	counter int64,
	cleanOldStates bool,
) ([]byte, error) {
	var doc stateDoc
	err := c.collection().FindOne(ctx, stateFilter(deviceID, typ, uuid, counter)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("state %s/%s/%s/%d: %w", deviceID, typ, uuid, counter, states.ErrStateNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find state: %w: %w", states.ErrStoreUnavailable, err)
	}

	if cleanOldStates && counter > 0 {
		if err := c.CleanStates(ctx, deviceID, typ, uuid, counter, false); err != nil {
			return nil, err
		}
	}

	return doc.Data, nil
}

// SetState stores the state blob under the given key.
func (c *Client) SetState(
	ctx context.Context,
	data []byte,
	deviceID string,
	typ states.Type,
	uuid string,
	counter int64,
) error {
	sum := sha256.Sum256(data)

	_, err := c.collection().UpdateOne(ctx, stateFilter(deviceID, typ, uuid, counter), bson.M{
		"$set": bson.M{
			"data":       data,
			"hash":       hex.EncodeToString(sum[:]),
			"updated_at": gotime.Now(),
		},
	}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}

	return nil
}

// CleanStates removes state blobs of the given lineage.
func (c *Client) CleanStates(
	ctx context.Context,
	deviceID string,
	typ states.Type,
	uuid string,
	counter int64,
	exactOnly bool,
) error {
	filter := bson.M{
		"device_id": deviceID,
		"type":      string(typ),
		"uuid":      uuid,
	}
	switch {
	case exactOnly:
		filter["counter"] = counter
	case counter != states.NoCounter:
		filter["counter"] = bson.M{"$lt": counter}
	}

	if _, err := c.collection().DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("delete states: %w", err)
	}

	return nil
}

// GetStateHash returns the content hash of the state blob.
func (c *Client) GetStateHash(
	ctx context.Context,
	deviceID string,
	typ states.Type,
	uuid string,
	counter int64,
) (string, error) {
	opts := options.FindOne().SetProjection(bson.M{"hash": 1})

	var doc stateDoc
	err := c.collection().FindOne(ctx, stateFilter(deviceID, typ, uuid, counter), opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", fmt.Errorf("state %s/%s/%s/%d: %w", deviceID, typ, uuid, counter, states.ErrStateNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("find state: %w: %w", states.ErrStoreUnavailable, err)
	}

	return doc.Hash, nil
}

func (c *Client) collection() *mongo.Collection {
	return c.client.Database(c.config.Database).Collection(colStates)
}

func stateFilter(deviceID string, typ states.Type, uuid string, counter int64) bson.M {
	return bson.M{
		"device_id": deviceID,
		"type":      string(typ),
		"uuid":      uuid,
		"counter":   counter,
	}
}

func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(colStates).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "device_id", Value: 1},
			{Key: "type", Value: 1},
			{Key: "uuid", Value: 1},
			{Key: "counter", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create state indexes: %w", err)
	}

	return nil
}
