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
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/grommunio/grommunio-sync/pkg/errors"
)

const (
	// MaxAttempts is the retry budget of one optimistic write.
	MaxAttempts = 5

	// RetryDelay is the fixed delay between attempts.
	RetryDelay = 100 * time.Millisecond
)

// ErrRetriesExhausted is returned when concurrent writers won every round of
// the retry budget. Callers must treat the write as best effort and carry on.
var ErrRetriesExhausted = errors.Aborted("write retries exhausted").WithCode("ErrRetriesExhausted")

// RetryCAS runs attempt until it reports success or the budget is exhausted.
// attempt returns false when another writer won the race; the caller's
// closure is expected to re-read the current value on the next attempt. The
// returned count is the number of retries that were needed.
func RetryCAS(
	ctx context.Context,
	clock clockwork.Clock,
	attempts int,
	delay time.Duration,
	attempt func() (bool, error),
) (int, error) {
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return i, ctx.Err()
			case <-clock.After(delay):
			}
		}

		swapped, err := attempt()
		if err != nil {
			return i, err
		}
		if swapped {
			return i, nil
		}
	}

	return attempts, ErrRetriesExhausted
}
