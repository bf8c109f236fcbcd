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

package types

import "time"

// SyncObject is a protocol object about to be streamed to a device. The wire
// encoding of its fields is handled elsewhere; the engine only needs the
// semantic self-check to veto broken objects before streaming.
type SyncObject interface {
	// Check validates the object's internal consistency. A non-nil error
	// means the object must not be streamed to the device.
	Check() error
}

// IgnoredMessage records one message that was identified as the root cause
// of a synchronization loop and is excluded from streaming to the device.
type IgnoredMessage struct {
	ID        string    `json:"id"`
	FolderID  string    `json:"folderid"`
	UUID      string    `json:"uuid"`
	Counter   int64     `json:"counter"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}
