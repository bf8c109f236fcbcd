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

// Package synckey implements the SyncKey protocol token. A SyncKey is an
// opaque cursor of the form "{UUID}Counter" identifying a specific point in a
// folder's change stream. The counter is monotonically non-decreasing within
// one UUID lineage; a changed UUID means the lineage was reset.
package synckey

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/google/uuid"

	"github.com/grommunio/grommunio-sync/pkg/errors"
)

// ZeroKey is the token a device sends when it has no synchronization state
// yet.
const ZeroKey = "0"

var (
	// ErrInvalidKey is returned when a token does not match the SyncKey wire
	// format. This is fatal for the operation that supplied it.
	ErrInvalidKey = errors.FailedPrecond("invalid sync key").WithCode("ErrInvalidKey")

	keyRegex  = regexp.MustCompile(`^\{([0-9A-Za-z-]+)\}([0-9]+)$`)
	uuidRegex = regexp.MustCompile(`^[0-9A-Za-z-]+$`)
)

// Key is a parsed SyncKey.
type Key struct {
	UUID    string
	Counter int64
}

// New mints the first key of a fresh lineage: a random UUID with counter 1.
func New() Key {
	return Key{
		UUID:    uuid.NewString(),
		Counter: 1,
	}
}

// Parse parses a SyncKey token. The empty string and "0" are not valid
// tokens here; callers decide how to treat the zero key before parsing.
func Parse(token string) (Key, error) {
	matches := keyRegex.FindStringSubmatch(token)
	if matches == nil {
		return Key{}, fmt.Errorf("parse sync key %q: %w", token, ErrInvalidKey)
	}

	counter, err := strconv.ParseInt(matches[2], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("parse sync key counter %q: %w", token, ErrInvalidKey)
	}

	return Key{UUID: matches[1], Counter: counter}, nil
}

// Build composes a key from a uuid and a counter. The uuid must consist of
// hex groups and dashes only.
func Build(uid string, counter int64) (Key, error) {
	if !uuidRegex.MatchString(uid) {
		return Key{}, fmt.Errorf("build sync key with uuid %q: %w", uid, ErrInvalidKey)
	}
	if counter < 0 {
		return Key{}, fmt.Errorf("build sync key with counter %d: %w", counter, ErrInvalidKey)
	}

	return Key{UUID: uid, Counter: counter}, nil
}

// IsZeroToken reports whether the given token stands for "no state yet".
func IsZeroToken(token string) bool {
	return token == "" || token == ZeroKey
}

// String returns the wire representation of the key.
func (k Key) String() string {
	return fmt.Sprintf("{%s}%d", k.UUID, k.Counter)
}

// Next returns a copy of the key with the counter advanced by one.
func (k Key) Next() Key {
	return Key{UUID: k.UUID, Counter: k.Counter + 1}
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.UUID == ""
}
