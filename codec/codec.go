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
	"encoding/json"
	"fmt"
	"mime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/vmihailenco/msgpack/v5"
)

// Supported content types
const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

// wire action emitted when a grouping entity is removed
const wireActionParentDeleted = "chapter_deleted"

// maximum number of body bytes carried in a CodecError
const errorBodyLimit = 256

var wireValidator = validator.New()

// CodecError a message body could not be decoded into a change event
type CodecError struct {
	// ContentType is the declared content type of the body
	ContentType string
	// Body is the head of the offending body
	Body []byte
	// Err is the underlying parse or validation failure
	Err error
}

// Error implement error
func (e *CodecError) Error() string {
	return fmt.Sprintf("malformed change event [%s] '%s': %s", e.ContentType, e.Body, e.Err)
}

// Unwrap return the underlying failure
func (e *CodecError) Unwrap() error {
	return e.Err
}

func newCodecError(contentType string, body []byte, err error) *CodecError {
	head := body
	if len(head) > errorBodyLimit {
		head = head[:errorBodyLimit]
	}
	return &CodecError{ContentType: contentType, Body: append([]byte{}, head...), Err: err}
}

// wireChangeEvent wire form of a change event
type wireChangeEvent struct {
	Action    string  `json:"action" msgpack:"action" validate:"required,oneof=create update delete chapter_deleted"`
	ID        *int64  `json:"id,omitempty" msgpack:"id,omitempty" validate:"required_unless=Action chapter_deleted"`
	ChapterID *int64  `json:"chapterId,omitempty" msgpack:"chapterId,omitempty" validate:"required_if=Action chapter_deleted"`
	Type      *string `json:"type,omitempty" msgpack:"type,omitempty" validate:"omitempty,min=1"`
}

// normalizeContentType strip parameters from a content type; empty means JSON
func normalizeContentType(contentType string) (string, error) {
	if strings.TrimSpace(contentType) == "" {
		return ContentTypeJSON, nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", err
	}
	switch mediaType {
	case ContentTypeJSON, ContentTypeMsgpack:
		return mediaType, nil
	case "application/x-msgpack":
		return ContentTypeMsgpack, nil
	default:
		return "", fmt.Errorf("unsupported content type '%s'", mediaType)
	}
}

// Decode parse a message body into a change event
//
// An empty content type is treated as JSON. Any parse or schema failure is reported
// as a *CodecError.
func Decode(contentType string, body []byte) (ChangeEvent, error) {
	mediaType, err := normalizeContentType(contentType)
	if err != nil {
		return ChangeEvent{}, newCodecError(contentType, body, err)
	}
	var wire wireChangeEvent
	switch mediaType {
	case ContentTypeMsgpack:
		err = msgpack.Unmarshal(body, &wire)
	default:
		err = json.Unmarshal(body, &wire)
	}
	if err != nil {
		return ChangeEvent{}, newCodecError(mediaType, body, err)
	}
	if err := wireValidator.Struct(&wire); err != nil {
		return ChangeEvent{}, newCodecError(mediaType, body, err)
	}
	return wire.toEvent(), nil
}

func (w wireChangeEvent) toEvent() ChangeEvent {
	evt := ChangeEvent{}
	if w.Type != nil {
		evt.entityType = *w.Type
	}
	if w.Action == wireActionParentDeleted {
		evt.action = ActionParentDelete
		evt.entityID = *w.ChapterID
		return evt
	}
	evt.action = Action(w.Action)
	evt.entityID = *w.ID
	return evt
}

func fromEvent(evt ChangeEvent) wireChangeEvent {
	id := evt.entityID
	wire := wireChangeEvent{}
	if evt.entityType != "" {
		entityType := evt.entityType
		wire.Type = &entityType
	}
	if evt.action == ActionParentDelete {
		wire.Action = wireActionParentDeleted
		wire.ChapterID = &id
		return wire
	}
	wire.Action = string(evt.action)
	wire.ID = &id
	return wire
}

// Encode serialize a value with the given content type
//
// A ChangeEvent is serialized in its wire form.
func Encode(contentType string, value interface{}) ([]byte, error) {
	mediaType, err := normalizeContentType(contentType)
	if err != nil {
		return nil, err
	}
	if evt, ok := value.(ChangeEvent); ok {
		value = fromEvent(evt)
	}
	switch mediaType {
	case ContentTypeMsgpack:
		return msgpack.Marshal(value)
	default:
		return json.Marshal(value)
	}
}

// NormalizeContentType resolve a declared content type to a supported one
func NormalizeContentType(contentType string) (string, error) {
	return normalizeContentType(contentType)
}
