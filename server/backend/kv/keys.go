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

package kv

import "strings"

const (
	// keyPrefix namespaces every key this server writes into the shared
	// store.
	keyPrefix = "grommunio-sync:"

	// fieldSeparator joins the parts of a composed hash field.
	fieldSeparator = "|-|"
)

// Key composes a namespaced store key.
func Key(namespace string) string {
	return keyPrefix + namespace
}

// DeviceField composes the hash field for per-device-and-user data,
// optionally extended with sub keys.
func DeviceField(deviceID, userID string, sub ...string) string {
	parts := append([]string{deviceID, userID}, sub...)
	return strings.Join(parts, fieldSeparator)
}
