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

package dataplane

import (
	"context"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livefeed/codec"
	"github.com/alwitt/livefeed/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// Publisher accepts change events from an event source for fan out
type Publisher interface {
	// Publish publish a change event on a topic
	Publish(ctxt context.Context, topic string, event codec.ChangeEvent) error
}

// hubPublisher publishes straight into the local hub
type hubPublisher struct {
	hub Hub
}

// GetHubPublisher define a Publisher delivering only to this relay's sessions
func GetHubPublisher(hub Hub) Publisher {
	return &hubPublisher{hub: hub}
}

func (p *hubPublisher) Publish(ctxt context.Context, topic string, event codec.ChangeEvent) error {
	return p.hub.Broadcast(topic, event)
}

// natsContentTypeHeader NATS message header carrying the body encoding
const natsContentTypeHeader = "Content-Type"

// natsPublisher publishes onto NATS so every bridged relay delivers the event
type natsPublisher struct {
	goutils.Component
	nats core.NatsClient
}

// GetNATSPublisher define a Publisher sending through NATS
//
// Events published this way reach local sessions only through a NATSBridge.
func GetNATSPublisher(natsClient core.NatsClient, instance string) Publisher {
	logTags := log.Fields{
		"module": "dataplane", "component": "nats-publisher", "instance": instance,
	}
	return &natsPublisher{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		nats: natsClient,
	}
}

func (p *natsPublisher) Publish(ctxt context.Context, topic string, event codec.ChangeEvent) error {
	localLogTags := p.GetLogTagsForContext(ctxt)
	subject, err := core.TopicToSubject(topic)
	if err != nil {
		return err
	}
	body, err := codec.Encode(codec.ContentTypeJSON, event)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Header.Set(natsContentTypeHeader, codec.ContentTypeJSON)
	msg.Data = body
	if err := p.nats.Conn().PublishMsg(msg); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to publish %s on %s", event, subject)
		return fmt.Errorf("nats publish on %s: %w", subject, err)
	}
	log.WithFields(localLogTags).Debugf("Published %s on %s", event, subject)
	return nil
}
