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

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livefeed/codec"
	"github.com/alwitt/livefeed/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// PublishParams a batch of change events to push through a relay
type PublishParams struct {
	// RelayURL is the relay base URL, including any path prefix
	RelayURL string `validate:"required,url"`
	// TopicName is the topic without the /topic/ prefix
	TopicName string `validate:"required"`
	// Action is the change action
	Action string `validate:"required,oneof=create update delete parent_delete"`
	// EntityID is the ID of the first event. Later events count up from it.
	EntityID int64
	// EntityType is the optional entity type hint
	EntityType string
	// Count is the number of events to publish
	Count int `validate:"gte=1"`
	// Interval is the pause between events
	Interval time.Duration `validate:"gte=0"`
	// ContentType is the body encoding
	ContentType string `validate:"required,oneof=application/json application/msgpack"`
	// RequestIDHeader is the header carrying the per request ID
	RequestIDHeader string
	// RequestTimeout bounds each publish call
	RequestTimeout time.Duration `validate:"gt=0"`
}

// RunPublisher publish a batch of change events through a relay's REST API
func RunPublisher(ctxt context.Context, params PublishParams, instance string) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "publish",
		"instance":  instance,
	}

	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid publish params")
		return err
	}
	topic := common.TopicFromName(params.TopicName)
	if err := common.ValidateTopicName(topic); err != nil {
		return err
	}
	target := fmt.Sprintf(
		"%s/v1/topic/%s", strings.TrimSuffix(params.RelayURL, "/"), strings.TrimPrefix(params.TopicName, "/"),
	)
	client := &http.Client{Timeout: params.RequestTimeout}

	for itr := 0; itr < params.Count; itr++ {
		if itr > 0 && params.Interval > 0 {
			select {
			case <-ctxt.Done():
				return ctxt.Err()
			case <-time.After(params.Interval):
			}
		}
		event, err := codec.NewChangeEvent(
			codec.Action(params.Action), params.EntityID+int64(itr), params.EntityType,
		)
		if err != nil {
			return err
		}
		body, err := codec.Encode(params.ContentType, event)
		if err != nil {
			return err
		}
		if err := publishOne(ctxt, client, target, params, body); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Publish to %s failed", topic)
			return err
		}
		log.WithFields(logTags).Infof(
			"Published %s %d on %s", event.Action(), event.EntityID(), topic,
		)
	}
	return nil
}

func publishOne(
	ctxt context.Context, client *http.Client, target string, params PublishParams, body []byte,
) error {
	req, err := http.NewRequestWithContext(ctxt, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", params.ContentType)
	if params.RequestIDHeader != "" {
		req.Header.Set(params.RequestIDHeader, uuid.New().String())
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed goutils.RestAPIBaseResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil {
		return fmt.Errorf("relay rejected event (%d): %v", resp.StatusCode, parsed.Error.Msg)
	}
	return fmt.Errorf("relay rejected event: %s", resp.Status)
}
