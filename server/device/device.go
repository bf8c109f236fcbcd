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

// Package device keeps the per-device synchronization document: which
// lineage every folder is on, which messages were marked broken, the policy
// key, and the additional folders made visible to the device. The document
// is persisted through the state machine and shared between concurrent
// requests of the same device.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/grommunio/grommunio-sync/pkg/types"
	"github.com/grommunio/grommunio-sync/server/backend/states"
)

// HierarchyFolderID is the virtual folder id of the hierarchy itself.
const HierarchyFolderID = ""

const userAgentHistorySize = 10

// folderData is the per-folder synchronization metadata on the device
// document.
type folderData struct {
	UUID      string           `json:"uuid,omitempty"`
	Type      types.FolderType `json:"type,omitempty"`
	BackendID string           `json:"backendid,omitempty"`
	Supported []string         `json:"supported,omitempty"`
	Status    int              `json:"status,omitempty"`
}

type deviceDoc struct {
	DeviceID         string   `json:"deviceid"`
	UserID           string   `json:"userid"`
	UserAgent        string   `json:"useragent,omitempty"`
	UserAgentHistory []string `json:"useragenthistory,omitempty"`

	Folders map[string]*folderData `json:"folders,omitempty"`

	AdditionalFolders     map[string]*types.AdditionalFolder `json:"additionalfolders,omitempty"`
	AdditionalFoldersHash string                             `json:"additionalfoldershash,omitempty"`

	IgnoredMessages map[string][]types.IgnoredMessage `json:"ignoredmessages,omitempty"`

	PolicyKey     string `json:"policykey,omitempty"`
	WipeRequested bool   `json:"wiperequested,omitempty"`

	ShortIDs    map[string]string `json:"shortids,omitempty"`
	NextShortID int               `json:"nextshortid,omitempty"`
}

// Device is the ASDevice document of one device and user.
type Device struct {
	doc        deviceDoc
	dirty      bool
	loadedHash string

	// additionalFoldersChanged is set when the additional folder set hash
	// moved since the document was loaded.
	additionalFoldersChanged bool
}

// New creates a fresh device document.
func New(deviceID, userID string) *Device {
	return &Device{
		doc: deviceDoc{
			DeviceID: deviceID,
			UserID:   userID,
			Folders:  make(map[string]*folderData),
		},
	}
}

// Load reads the device document from the state store. An absent document
// yields a fresh one, as does a transiently unreachable store: with no
// previously known document the two are indistinguishable, and starting
// fresh costs at most an extra resync.
func Load(ctx context.Context, store states.Store, deviceID, userID string) (*Device, error) {
	data, err := store.GetState(ctx, deviceID, states.TypeDeviceData, "", states.NoCounter, false)
	if err != nil {
		if states.IsNotFound(err) || states.IsUnavailable(err) {
			return New(deviceID, userID), nil
		}
		return nil, err
	}

	d := New(deviceID, userID)
	if err := json.Unmarshal(data, &d.doc); err != nil {
		return nil, fmt.Errorf("unmarshal device document: %w", err)
	}
	if d.doc.Folders == nil {
		d.doc.Folders = make(map[string]*folderData)
	}
	sum := sha256.Sum256(data)
	d.loadedHash = hex.EncodeToString(sum[:])

	return d, nil
}

// Save persists the document when it changed.
func (d *Device) Save(ctx context.Context, store states.Store) error {
	if !d.dirty {
		return nil
	}

	data, err := json.Marshal(d.doc)
	if err != nil {
		return fmt.Errorf("marshal device document: %w", err)
	}
	if err := store.SetState(ctx, data, d.doc.DeviceID, states.TypeDeviceData, "", states.NoCounter); err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	d.loadedHash = hex.EncodeToString(sum[:])
	d.dirty = false
	d.additionalFoldersChanged = false

	return nil
}

// StateChanged reports whether another process persisted a newer document
// since this one was loaded. Used during long-running waits to refresh.
func (d *Device) StateChanged(ctx context.Context, store states.Store) bool {
	hash, err := store.GetStateHash(ctx, d.doc.DeviceID, states.TypeDeviceData, "", states.NoCounter)
	if err != nil {
		return false
	}

	return hash != d.loadedHash
}

// DeviceID returns the device id.
func (d *Device) DeviceID() string {
	return d.doc.DeviceID
}

// UserID returns the user the device belongs to.
func (d *Device) UserID() string {
	return d.doc.UserID
}

// IsDirty reports whether the document needs persisting.
func (d *Device) IsDirty() bool {
	return d.dirty
}

// SetUserAgent records the user agent, keeping a bounded history of
// previous ones.
func (d *Device) SetUserAgent(agent string) {
	if agent == "" || agent == d.doc.UserAgent {
		return
	}

	if d.doc.UserAgent != "" {
		d.doc.UserAgentHistory = append(d.doc.UserAgentHistory, d.doc.UserAgent)
		if len(d.doc.UserAgentHistory) > userAgentHistorySize {
			d.doc.UserAgentHistory = d.doc.UserAgentHistory[len(d.doc.UserAgentHistory)-userAgentHistorySize:]
		}
	}
	d.doc.UserAgent = agent
	d.dirty = true
}

// UserAgent returns the current user agent.
func (d *Device) UserAgent() string {
	return d.doc.UserAgent
}

// UserAgentHistory returns previously seen user agents.
func (d *Device) UserAgentHistory() []string {
	return append([]string(nil), d.doc.UserAgentHistory...)
}

func (d *Device) folder(folderID string) *folderData {
	data, ok := d.doc.Folders[folderID]
	if !ok {
		data = &folderData{}
		d.doc.Folders[folderID] = data
	}
	return data
}

// FolderUUID returns the lineage uuid the folder is linked to, or empty.
func (d *Device) FolderUUID(folderID string) string {
	if data, ok := d.doc.Folders[folderID]; ok {
		return data.UUID
	}
	return ""
}

// SetFolderUUID links the folder to a lineage. An empty uuid unlinks it.
func (d *Device) SetFolderUUID(folderID, uuid string) {
	if d.FolderUUID(folderID) == uuid {
		return
	}

	if uuid == "" {
		data, ok := d.doc.Folders[folderID]
		if !ok {
			return
		}
		data.UUID = ""
	} else {
		d.folder(folderID).UUID = uuid
	}
	d.dirty = true
}

// FolderType returns the recorded folder type.
func (d *Device) FolderType(folderID string) types.FolderType {
	if data, ok := d.doc.Folders[folderID]; ok {
		return data.Type
	}
	return 0
}

// SetFolderType records the folder type.
func (d *Device) SetFolderType(folderID string, typ types.FolderType) {
	if d.FolderType(folderID) == typ {
		return
	}
	d.folder(folderID).Type = typ
	d.dirty = true
}

// FolderBackendID returns the backend id of the folder, falling back to the
// folder id itself when none is recorded.
func (d *Device) FolderBackendID(folderID string) string {
	if data, ok := d.doc.Folders[folderID]; ok && data.BackendID != "" {
		return data.BackendID
	}
	return folderID
}

// SetFolderBackendID records the backend id of the folder.
func (d *Device) SetFolderBackendID(folderID, backendID string) {
	if data, ok := d.doc.Folders[folderID]; ok && data.BackendID == backendID {
		return
	}
	d.folder(folderID).BackendID = backendID
	d.dirty = true
}

// SetFolderSupportedFields records the fields the client announced it
// supports for the folder.
func (d *Device) SetFolderSupportedFields(folderID string, fields []string) {
	d.folder(folderID).Supported = append([]string(nil), fields...)
	d.dirty = true
}

// FolderSupportedFields returns the recorded supported fields.
func (d *Device) FolderSupportedFields(folderID string) []string {
	if data, ok := d.doc.Folders[folderID]; ok {
		return append([]string(nil), data.Supported...)
	}
	return nil
}

// SyncedFolders returns the ids of all folders with a linked lineage.
func (d *Device) SyncedFolders() []string {
	var ids []string
	for id, data := range d.doc.Folders {
		if data.UUID != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// AddIgnoredMessage files a broken-message report for the folder. An
// existing report for the same message is replaced.
func (d *Device) AddIgnoredMessage(im types.IgnoredMessage) {
	if d.doc.IgnoredMessages == nil {
		d.doc.IgnoredMessages = make(map[string][]types.IgnoredMessage)
	}

	d.RemoveIgnoredMessage(im.FolderID, im.ID)
	d.doc.IgnoredMessages[im.FolderID] = append(d.doc.IgnoredMessages[im.FolderID], im)
	d.dirty = true
}

// IgnoredMessages returns the broken-message reports of the folder.
func (d *Device) IgnoredMessages(folderID string) []types.IgnoredMessage {
	return append([]types.IgnoredMessage(nil), d.doc.IgnoredMessages[folderID]...)
}

// HasIgnoredMessage reports whether the message is known broken.
func (d *Device) HasIgnoredMessage(folderID, messageID string) bool {
	for _, im := range d.doc.IgnoredMessages[folderID] {
		if im.ID == messageID {
			return true
		}
	}
	return false
}

// RemoveIgnoredMessage removes one broken-message report.
func (d *Device) RemoveIgnoredMessage(folderID, messageID string) bool {
	reports := d.doc.IgnoredMessages[folderID]
	for i, im := range reports {
		if im.ID == messageID {
			d.doc.IgnoredMessages[folderID] = append(reports[:i], reports[i+1:]...)
			d.dirty = true
			return true
		}
	}
	return false
}

// ClearIgnoredMessages drops all broken-message reports of the folder.
func (d *Device) ClearIgnoredMessages(folderID string) {
	if _, ok := d.doc.IgnoredMessages[folderID]; !ok {
		return
	}
	delete(d.doc.IgnoredMessages, folderID)
	d.dirty = true
}

// SetAdditionalFolders replaces the additional folder set. The set hash
// drives IsHierarchySyncRequired.
func (d *Device) SetAdditionalFolders(folders []*types.AdditionalFolder) {
	set := make(map[string]*types.AdditionalFolder, len(folders))
	for _, af := range folders {
		set[af.FolderID] = af
	}

	hash := additionalFoldersHash(folders)
	if hash != d.doc.AdditionalFoldersHash {
		d.additionalFoldersChanged = true
		d.dirty = true
	}
	d.doc.AdditionalFolders = set
	d.doc.AdditionalFoldersHash = hash
}

// AdditionalFolders returns the additional folder set ordered by id.
func (d *Device) AdditionalFolders() []*types.AdditionalFolder {
	folders := make([]*types.AdditionalFolder, 0, len(d.doc.AdditionalFolders))
	for _, af := range d.doc.AdditionalFolders {
		folders = append(folders, af)
	}
	sort.Slice(folders, func(i, j int) bool {
		return folders[i].FolderID < folders[j].FolderID
	})
	return folders
}

// AdditionalFoldersChanged reports whether the set changed since load.
func (d *Device) AdditionalFoldersChanged() bool {
	return d.additionalFoldersChanged
}

// PolicyKey returns the provisioning policy key of the device.
func (d *Device) PolicyKey() string {
	return d.doc.PolicyKey
}

// SetPolicyKey records the provisioning policy key.
func (d *Device) SetPolicyKey(key string) {
	if d.doc.PolicyKey == key {
		return
	}
	d.doc.PolicyKey = key
	d.dirty = true
}

// WipeRequested reports whether a remote wipe is pending for the device.
func (d *Device) WipeRequested() bool {
	return d.doc.WipeRequested
}

// RequestWipe flags the device for a remote wipe.
func (d *Device) RequestWipe() {
	if d.doc.WipeRequested {
		return
	}
	d.doc.WipeRequested = true
	d.dirty = true
}

// ShortFolderID translates a backend folder id into a stable short id,
// minting one on first use. Devices limit folder id length.
func (d *Device) ShortFolderID(backendID string) string {
	if id, ok := d.doc.ShortIDs[backendID]; ok {
		return id
	}

	if d.doc.ShortIDs == nil {
		d.doc.ShortIDs = make(map[string]string)
	}
	d.doc.NextShortID++
	id := fmt.Sprintf("f%d", d.doc.NextShortID)
	d.doc.ShortIDs[backendID] = id
	d.dirty = true

	return id
}

// BackendFolderID resolves a short id back to the backend folder id. The
// short id itself is returned when no translation is known.
func (d *Device) BackendFolderID(shortID string) string {
	for backendID, id := range d.doc.ShortIDs {
		if id == shortID {
			return backendID
		}
	}
	return shortID
}

// Timestamp returns the current time for broken-message reports. Split out
// for tests.
var Timestamp = func() time.Time { return time.Now().UTC() }

func additionalFoldersHash(folders []*types.AdditionalFolder) string {
	if len(folders) == 0 {
		return ""
	}

	sorted := append([]*types.AdditionalFolder(nil), folders...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].FolderID < sorted[j].FolderID
	})

	data, err := json.Marshal(sorted)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
