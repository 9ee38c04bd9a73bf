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

package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/livefeed/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS server with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// RetryOnFailedConnect keep retrying when the initial connect fails
	RetryOnFailedConnect bool
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite, "0" disables reconnect.
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// PingInterval interval between server liveness pings. Zero keeps the library default.
	PingInterval time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsClient NATS client as message broker core
type NatsClient struct {
	common.Component
	nc *nats.Conn
}

// Close close a NATS client
func (c NatsClient) Close(ctxt context.Context) {
	if c.nc.IsConnected() {
		if err := c.nc.FlushWithContext(ctxt); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
		}
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// Conn fetch the NATS connection
func (c NatsClient) Conn() *nats.Conn {
	return c.nc
}

// Connected whether the NATS connection is up
func (c NatsClient) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// GetNatsClient define a new NATS client core
func GetNatsClient(param NATSConnectParams) (NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-backend",
		"instance":  param.ServerURI,
	}
	options := []nats.Option{
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(param.RetryOnFailedConnect),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.WithError(err).WithFields(logTags).Errorf("NATS async error on '%s'", subject)
		}),
	}
	if param.MaxReconnectAttempt == 0 {
		options = append(options, nats.NoReconnect())
	}
	if param.PingInterval > 0 {
		options = append(options, nats.PingInterval(param.PingInterval), nats.MaxPingsOutstanding(2))
	}
	if param.OnDisconnectCallback != nil {
		options = append(options, nats.DisconnectErrHandler(param.OnDisconnectCallback))
	}
	if param.OnReconnectCallback != nil {
		options = append(options, nats.ReconnectHandler(param.OnReconnectCallback))
	}
	if param.OnCloseCallback != nil {
		options = append(options, nats.ClosedHandler(param.OnCloseCallback))
	}
	nc, err := nats.Connect(param.ServerURI, options...)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return NatsClient{}, err
	}
	log.WithFields(logTags).Info("Created NATS client")
	return NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
	}, nil
}

// ==============================================================================
// Topic <-> subject mapping

// TopicSubjectWildcard subject matching every mapped topic
const TopicSubjectWildcard = "topic.>"

// TopicToSubject map a topic destination ("/topic/x") onto a NATS subject ("topic.x")
func TopicToSubject(topic string) (string, error) {
	if err := common.ValidateTopicName(topic); err != nil {
		return "", err
	}
	trimmed := strings.Trim(topic, "/")
	if trimmed == "" || strings.ContainsAny(trimmed, ".*>") {
		return "", fmt.Errorf("topic '%s' can not be mapped to a NATS subject", topic)
	}
	segments := strings.Split(trimmed, "/")
	for _, segment := range segments {
		if segment == "" {
			return "", fmt.Errorf("topic '%s' has an empty segment", topic)
		}
	}
	return strings.Join(segments, "."), nil
}

// SubjectToTopic map a NATS subject ("topic.x") back to its topic destination ("/topic/x")
func SubjectToTopic(subject string) string {
	return "/" + strings.ReplaceAll(subject, ".", "/")
}
