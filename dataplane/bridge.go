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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livefeed/codec"
	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/core"
	"github.com/apex/log"
	"github.com/jackc/pgx/v5"
	"github.com/nats-io/nats.go"
)

// AlertOnErrorCB callback used to expose internal error to an outer context for handling
type AlertOnErrorCB func(err error)

// NATSBridge feeds change events published on NATS into the hub
type NATSBridge interface {
	// StartReading begin reading change events from NATS
	StartReading(errorCB AlertOnErrorCB, wg *sync.WaitGroup) error
}

// natsBridgeImpl implements NATSBridge
type natsBridgeImpl struct {
	common.Component
	hub     Hub
	sub     *nats.Subscription
	lock    sync.Mutex
	reading bool
	ctxt    context.Context
}

// GetNATSBridge define a new NATSBridge over every mapped topic subject
func GetNATSBridge(ctxt context.Context, natsClient core.NatsClient, hub Hub) (NATSBridge, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "nats-bridge", "subject": core.TopicSubjectWildcard,
	}
	sub, err := natsClient.Conn().SubscribeSync(core.TopicSubjectWildcard)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription")
		return nil, err
	}
	return &natsBridgeImpl{
		Component: common.Component{LogTags: logTags},
		hub:       hub,
		sub:       sub,
		ctxt:      ctxt,
	}, nil
}

// StartReading begin reading change events from NATS
func (b *natsBridgeImpl) StartReading(errorCB AlertOnErrorCB, wg *sync.WaitGroup) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.reading {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(b.LogTags).Error("Unable to start reading")
		return err
	}
	b.reading = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithFields(b.LogTags).Info("Starting reading from NATS")
		defer log.WithFields(b.LogTags).Info("Stopping NATS read loop")
		defer func() {
			if err := b.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
				log.WithError(err).WithFields(b.LogTags).Error("Unsubscribe failed")
			}
		}()
		for {
			msg, err := b.sub.NextMsgWithContext(b.ctxt)
			if err != nil {
				if b.ctxt.Err() == nil {
					log.WithError(err).WithFields(b.LogTags).Error("Read failure")
					if errorCB != nil {
						errorCB(err)
					}
				}
				return
			}
			if err := b.forward(msg); err != nil {
				log.WithError(err).WithFields(b.LogTags).Errorf("Dropping message on %s", msg.Subject)
			}
		}
	}()
	return nil
}

func (b *natsBridgeImpl) forward(msg *nats.Msg) error {
	contentType := ""
	if msg.Header != nil {
		contentType = msg.Header.Get(natsContentTypeHeader)
	}
	event, err := codec.Decode(contentType, msg.Data)
	if err != nil {
		return err
	}
	return b.hub.Broadcast(core.SubjectToTopic(msg.Subject), event)
}

// ==============================================================================

// PostgresNotification NOTIFY payload carrying a change event
//
// The database emits NOTIFY only when the writing transaction commits, so events
// fanned out from here never describe uncommitted state.
type PostgresNotification struct {
	Topic string          `json:"topic"`
	Event json.RawMessage `json:"event"`
}

// ParsePostgresNotification parse a NOTIFY payload
func ParsePostgresNotification(payload string) (string, codec.ChangeEvent, error) {
	var notification PostgresNotification
	if err := json.Unmarshal([]byte(payload), &notification); err != nil {
		return "", codec.ChangeEvent{}, err
	}
	if err := common.ValidateTopicName(notification.Topic); err != nil {
		return "", codec.ChangeEvent{}, err
	}
	if len(notification.Event) == 0 {
		return "", codec.ChangeEvent{}, fmt.Errorf("notification has no event")
	}
	event, err := codec.Decode(codec.ContentTypeJSON, notification.Event)
	if err != nil {
		return "", codec.ChangeEvent{}, err
	}
	return notification.Topic, event, nil
}

// PostgresBridge feeds change events raised with Postgres NOTIFY into a publisher
type PostgresBridge interface {
	// StartListening begin listening on the notification channel
	StartListening(wg *sync.WaitGroup) error
}

// postgresBridgeImpl implements PostgresBridge
type postgresBridgeImpl struct {
	common.Component
	config    common.PostgresBridgeConfig
	publisher Publisher
	ctxt      context.Context
	lock      sync.Mutex
	listening bool
}

// GetPostgresBridge define a new PostgresBridge
func GetPostgresBridge(
	ctxt context.Context, config common.PostgresBridgeConfig, publisher Publisher,
) (PostgresBridge, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "postgres-bridge", "channel": config.Channel,
	}
	if config.Channel == "" || config.DSN == "" {
		return nil, fmt.Errorf("postgres bridge needs a DSN and a channel")
	}
	return &postgresBridgeImpl{
		Component: common.Component{LogTags: logTags},
		config:    config,
		publisher: publisher,
		ctxt:      ctxt,
	}, nil
}

// StartListening begin listening on the notification channel
//
// A lost connection is re-established after the retry interval.
func (b *postgresBridgeImpl) StartListening(wg *sync.WaitGroup) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.listening {
		return fmt.Errorf("already listening")
	}
	b.listening = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		retry := time.Second * time.Duration(b.config.RetryInterval)
		for {
			err := b.listen()
			if b.ctxt.Err() != nil {
				log.WithFields(b.LogTags).Info("Stopping Postgres listener")
				return
			}
			log.WithError(err).WithFields(b.LogTags).Errorf("Postgres listener lost, retry in %s", retry)
			select {
			case <-b.ctxt.Done():
				return
			case <-time.After(retry):
			}
		}
	}()
	return nil
}

func (b *postgresBridgeImpl) listen() error {
	conn, err := pgx.Connect(b.ctxt, b.config.DSN)
	if err != nil {
		return err
	}
	defer func() {
		closeCtxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		_ = conn.Close(closeCtxt)
	}()
	if _, err := conn.Exec(b.ctxt, "LISTEN "+pgx.Identifier{b.config.Channel}.Sanitize()); err != nil {
		return err
	}
	log.WithFields(b.LogTags).Info("Listening for change notifications")
	for {
		notification, err := conn.WaitForNotification(b.ctxt)
		if err != nil {
			return err
		}
		topic, event, err := ParsePostgresNotification(notification.Payload)
		if err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Dropping notification from PID %d", notification.PID)
			continue
		}
		if err := b.publisher.Publish(b.ctxt, topic, event); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Unable to publish %s on %s", event, topic)
		}
	}
}
