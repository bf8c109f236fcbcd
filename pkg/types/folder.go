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

// Package types provides the value types shared between the synchronization
// engine and the groupware backend abstraction.
package types

// FolderType is the ActiveSync folder type.
type FolderType int

// Folder types as defined by the protocol.
const (
	FolderTypeOther         FolderType = 1
	FolderTypeInbox         FolderType = 2
	FolderTypeDrafts        FolderType = 3
	FolderTypeWastebasket   FolderType = 4
	FolderTypeSentMail      FolderType = 5
	FolderTypeOutbox        FolderType = 6
	FolderTypeTask          FolderType = 7
	FolderTypeAppointment   FolderType = 8
	FolderTypeContact       FolderType = 9
	FolderTypeNote          FolderType = 10
	FolderTypeJournal       FolderType = 11
	FolderTypeUserMail      FolderType = 12
	FolderTypeUserCalendar  FolderType = 13
	FolderTypeUserContact   FolderType = 14
	FolderTypeUserTask      FolderType = 15
	FolderTypeUserJournal   FolderType = 16
	FolderTypeUserNote      FolderType = 17
	FolderTypeUnknown       FolderType = 18
	FolderTypeRecipientInfo FolderType = 19
)

// RootParentID is the parent id of folders at the top of the visible tree.
const RootParentID = "0"

// SyncFolder is the snapshot of one folder as the device sees it.
type SyncFolder struct {
	ServerID    string     `json:"serverid"`
	ParentID    string     `json:"parentid"`
	DisplayName string     `json:"displayname"`
	Type        FolderType `json:"type"`
	BackendID   string     `json:"backendid"`

	// Store is the backend store the folder originates from. Empty for the
	// user's own store; set for additional/shared/public folders.
	Store string `json:"store,omitempty"`
}

// Clone returns a copy of the folder.
func (f *SyncFolder) Clone() *SyncFolder {
	if f == nil {
		return nil
	}
	clone := *f
	return &clone
}

// EquivalentTo reports whether two folders are equal in the fields a device
// is told about. It is used to drop no-op changes.
func (f *SyncFolder) EquivalentTo(other *SyncFolder) bool {
	if f == nil || other == nil {
		return f == other
	}

	return f.ServerID == other.ServerID &&
		f.ParentID == other.ParentID &&
		f.DisplayName == other.DisplayName &&
		f.Type == other.Type
}

// AdditionalFolder describes a shared, public or impersonated folder that is
// made visible to a device on top of the user's own hierarchy.
type AdditionalFolder struct {
	Store     string     `json:"store"`
	FolderID  string     `json:"folderid"`
	ParentID  string     `json:"parentid"`
	Name      string     `json:"name"`
	Type      FolderType `json:"type"`
	ReadOnly  bool       `json:"readonly,omitempty"`
	Contents  string     `json:"contents,omitempty"`
	Principal string     `json:"principal,omitempty"`
}

// SyncFolder converts the definition into the folder snapshot sent to the
// device.
func (a *AdditionalFolder) SyncFolder() *SyncFolder {
	parent := a.ParentID
	if parent == "" {
		parent = RootParentID
	}

	return &SyncFolder{
		ServerID:    a.FolderID,
		ParentID:    parent,
		DisplayName: a.Name,
		Type:        a.Type,
		BackendID:   a.FolderID,
		Store:       a.Store,
	}
}
