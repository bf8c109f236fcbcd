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

package hierarchy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grommunio/grommunio-sync/pkg/types"
)

// OrderByTree orders folders so every parent precedes its children,
// breadth-first from the root. Folders whose parent chain does not reach
// the root are reported as an error; devices reject children of unknown
// parents.
func OrderByTree(folders []*types.SyncFolder) ([]*types.SyncFolder, error) {
	children := make(map[string][]*types.SyncFolder, len(folders))
	for _, folder := range folders {
		children[folder.ParentID] = append(children[folder.ParentID], folder)
	}
	for _, siblings := range children {
		sort.Slice(siblings, func(i, j int) bool {
			return siblings[i].ServerID < siblings[j].ServerID
		})
	}

	ordered := make([]*types.SyncFolder, 0, len(folders))
	queue := append([]*types.SyncFolder(nil), children[types.RootParentID]...)
	for len(queue) > 0 {
		folder := queue[0]
		queue = queue[1:]
		ordered = append(ordered, folder)
		queue = append(queue, children[folder.ServerID]...)
	}

	if len(ordered) != len(folders) {
		reached := make(map[string]struct{}, len(ordered))
		for _, folder := range ordered {
			reached[folder.ServerID] = struct{}{}
		}
		var unreached []string
		for _, folder := range folders {
			if _, ok := reached[folder.ServerID]; !ok {
				unreached = append(unreached, folder.ServerID)
			}
		}
		sort.Strings(unreached)

		return nil, fmt.Errorf("folders unreachable from root: %s", strings.Join(unreached, ", "))
	}

	return ordered, nil
}
