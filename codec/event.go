// Copyright 2021-2022 The livefeed Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package codec

import (
	"fmt"
)

// Action the kind of change an event signals
type Action string

// Supported change actions
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	// ActionParentDelete a grouping entity was deleted and its members were detached
	// or removed. The entity ID is the grouping entity's ID.
	ActionParentDelete Action = "parent_delete"
)

// Well known topics
const (
	TopicPrimaryEntities  = "/topic/spaceMarines"
	TopicGroupingEntities = "/topic/chapters"
)

// Valid whether the action is one of the supported actions
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionParentDelete:
		return true
	default:
		return false
	}
}

// ChangeEvent signal that an entity changed on the server
//
// The event carries no entity state. Consumers re-read the collection to observe the change.
type ChangeEvent struct {
	action     Action
	entityID   int64
	entityType string
}

// NewChangeEvent define a new change event
func NewChangeEvent(action Action, entityID int64, entityType string) (ChangeEvent, error) {
	if !action.Valid() {
		return ChangeEvent{}, fmt.Errorf("unsupported change action '%s'", action)
	}
	return ChangeEvent{action: action, entityID: entityID, entityType: entityType}, nil
}

// Action the change action
func (e ChangeEvent) Action() Action {
	return e.action
}

// EntityID the ID of the changed entity
func (e ChangeEvent) EntityID() int64 {
	return e.entityID
}

// EntityType the optional entity type hint. Empty when not provided.
func (e ChangeEvent) EntityType() string {
	return e.entityType
}

// String implement fmt.Stringer
func (e ChangeEvent) String() string {
	if e.entityType != "" {
		return fmt.Sprintf("%s(%d, %s)", e.action, e.entityID, e.entityType)
	}
	return fmt.Sprintf("%s(%d)", e.action, e.entityID)
}
