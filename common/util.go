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

package common

import (
	"reflect"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// ExtendLogTags return a copy of the base log tags with additional fields appended
func ExtendLogTags(base log.Fields, extra log.Fields) log.Fields {
	result := log.Fields{}
	for k, v := range base {
		result[k] = v
	}
	for k, v := range extra {
		result[k] = v
	}
	return result
}

// ComparableCallback whether a callback registration can be matched by identity
//
// Registries reject values whose dynamic type is not comparable (i.e. a struct holding a
// func), as such a registration could never be found again for removal.
func ComparableCallback(callback interface{}) bool {
	return callback != nil && reflect.TypeOf(callback).Comparable()
}

// SameCallback whether two callback registrations refer to the same instance
//
// Values whose dynamic type is not comparable are never considered equal.
func SameCallback(a, b interface{}) bool {
	if a == nil || b == nil {
		return false
	}
	typeA := reflect.TypeOf(a)
	if typeA != reflect.TypeOf(b) || !typeA.Comparable() {
		return false
	}
	return a == b
}
