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

package errors_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/grommunio/grommunio-sync/pkg/errors"
)

func TestStatusError(t *testing.T) {
	t.Run("status and code are preserved through wrapping", func(t *testing.T) {
		err := errors.FailedPrecond("state invalid").WithCode("ErrStateInvalid")
		wrapped := fmt.Errorf("set sync state: %w", err)

		assert.Equal(t, errors.ErrCodeFailedPrecondition, errors.StatusOf(wrapped))
		assert.Equal(t, "ErrStateInvalid", errors.CodeOf(wrapped))
		assert.True(t, errors.IsStatus(wrapped, errors.ErrCodeFailedPrecondition))
	})

	t.Run("plain errors carry no status", func(t *testing.T) {
		err := fmt.Errorf("plain failure")
		assert.Equal(t, errors.StatusCode(0), errors.StatusOf(err))
		assert.Equal(t, "", errors.CodeOf(err))
	})

	t.Run("nil error", func(t *testing.T) {
		assert.Equal(t, errors.StatusCode(0), errors.StatusOf(nil))
		assert.False(t, errors.IsStatus(nil, errors.ErrCodeNotFound))
	})

	t.Run("status strings", func(t *testing.T) {
		assert.Equal(t, "not_found", errors.ErrCodeNotFound.String())
		assert.Equal(t, "aborted", errors.ErrCodeAborted.String())
		assert.Equal(t, "code_99", errors.StatusCode(99).String())
	})
}
