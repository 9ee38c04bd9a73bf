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
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var topicValidator = validator.New()

// TopicPrefix prefix of every broadcast destination
const TopicPrefix = "/topic/"

// ValidateTopicName verify a topic destination string is usable as a broker destination
//
// The destination must be printable ASCII without whitespace.
func ValidateTopicName(topic string) error {
	if err := topicValidator.Var(topic, "required,max=255,printascii"); err != nil {
		return fmt.Errorf("invalid topic '%s': %w", topic, err)
	}
	if strings.ContainsAny(topic, " \t\r\n") {
		return fmt.Errorf("invalid topic '%s': contains whitespace", topic)
	}
	return nil
}

// TopicFromName build the broadcast destination for a short topic name
func TopicFromName(name string) string {
	return TopicPrefix + strings.TrimPrefix(name, "/")
}
