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

package device

import (
	"time"

	"github.com/grommunio/grommunio-sync/pkg/synckey"
)

// ContentParameters are the per-class sync options the client negotiated
// for a folder.
type ContentParameters struct {
	ContentClass   string `json:"contentclass,omitempty"`
	FilterType     int    `json:"filtertype,omitempty"`
	Truncation     int    `json:"truncation,omitempty"`
	MIMESupport    int    `json:"mimesupport,omitempty"`
	MIMETruncation int    `json:"mimetruncation,omitempty"`
	Conflict       int    `json:"conflict,omitempty"`
}

// SyncParameters are the sync options of one folder, including the SyncKey
// cursor position. A freshly minted key stays unconfirmed until the client
// echoes it back; only confirmed keys are the folder's real position.
type SyncParameters struct {
	FolderID string `json:"folderid"`

	CurrentKey string `json:"synckey,omitempty"`
	NextKey    string `json:"newsynckey,omitempty"`
	Confirmed  bool   `json:"confirmed,omitempty"`

	WindowSize   int       `json:"windowsize,omitempty"`
	LastSyncTime time.Time `json:"lastsynctime,omitempty"`
	Pingable     bool      `json:"pingable,omitempty"`

	// ReferencePolicyKey is the policy key the connection started with;
	// a mismatch against the device later aborts with a provisioning status.
	ReferencePolicyKey string `json:"refpolicykey,omitempty"`

	// ReferenceLifetime is the heartbeat budget the connection asked for.
	ReferenceLifetime time.Duration `json:"reflifetime,omitempty"`

	ContentParameters map[string]*ContentParameters `json:"contentparameters,omitempty"`
}

// NewSyncParameters creates parameters for a folder at the zero key.
func NewSyncParameters(folderID string) *SyncParameters {
	return &SyncParameters{
		FolderID:   folderID,
		CurrentKey: synckey.ZeroKey,
		Confirmed:  true,
	}
}

// SyncKey returns the folder's cursor. With confirmedOnly set an
// unconfirmed next key is ignored and the last confirmed key is returned.
func (p *SyncParameters) SyncKey(confirmedOnly bool) string {
	if p.NextKey != "" && (p.Confirmed || !confirmedOnly) {
		return p.NextKey
	}
	return p.CurrentKey
}

// SetNextSyncKey records a freshly minted, unconfirmed key.
func (p *SyncParameters) SetNextSyncKey(key string) {
	p.NextKey = key
	p.Confirmed = false
}

// Confirm promotes the next key to the confirmed cursor. A no-op when no
// next key is pending.
func (p *SyncParameters) Confirm() {
	if p.NextKey == "" {
		return
	}
	p.CurrentKey = p.NextKey
	p.NextKey = ""
	p.Confirmed = true
	p.LastSyncTime = Timestamp()
}

// ContentParametersFor returns the negotiated options of the content class,
// creating defaults on first use.
func (p *SyncParameters) ContentParametersFor(class string) *ContentParameters {
	if p.ContentParameters == nil {
		p.ContentParameters = make(map[string]*ContentParameters)
	}
	cpo, ok := p.ContentParameters[class]
	if !ok {
		cpo = &ContentParameters{ContentClass: class}
		p.ContentParameters[class] = cpo
	}
	return cpo
}
