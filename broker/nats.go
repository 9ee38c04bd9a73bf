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

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/core"
	"github.com/alwitt/livefeed/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// contentTypeHeader NATS message header carrying the body encoding
const contentTypeHeader = "Content-Type"

// NATSClientParams NATS broker client parameters
type NATSClientParams struct {
	// ServerURI is the NATS server
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout bounds the initial connect
	ConnectTimeout time.Duration `validate:"gt=0"`
	// PingInterval is the server liveness ping interval. Zero keeps the library default.
	PingInterval time.Duration `validate:"gte=0"`
}

// natsSubscription one NATS subject subscription
type natsSubscription struct {
	topic string
	sub   *nats.Subscription
}

func (s *natsSubscription) Topic() string {
	return s.topic
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// natsClient implements Client over a NATS core connection
//
// Internal NATS reconnect is disabled; a lost connection ends the client.
type natsClient struct {
	common.Component
	params    NATSClientParams
	callbacks ClientCallbacks
	wg        *sync.WaitGroup
	lock      sync.Mutex
	activated bool
	finished  bool
	client    *core.NatsClient
}

// NewNATSClient define a new NATS broker client
func NewNATSClient(
	name string, params NATSClientParams, callbacks ClientCallbacks, wg *sync.WaitGroup,
) (Client, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "broker", "component": "nats-client", "instance": name,
	}
	return &natsClient{
		Component: common.Component{LogTags: logTags},
		params:    params,
		callbacks: callbacks,
		wg:        wg,
	}, nil
}

// NATSClientFactory factory producing NATS broker clients with fixed parameters
func NATSClientFactory(name string, params NATSClientParams, wg *sync.WaitGroup) ClientFactory {
	return func(callbacks ClientCallbacks) (Client, error) {
		return NewNATSClient(name, params, callbacks, wg)
	}
}

// Activate start connecting in the background
func (c *natsClient) Activate() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.activated || c.finished {
		return fmt.Errorf("nats client already used")
	}
	c.activated = true
	c.wg.Add(1)
	go c.connect()
	return nil
}

func (c *natsClient) connect() {
	defer c.wg.Done()
	client, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:            c.params.ServerURI,
		ConnectTimeout:       c.params.ConnectTimeout,
		RetryOnFailedConnect: false,
		MaxReconnectAttempt:  0,
		PingInterval:         c.params.PingInterval,
		OnDisconnectCallback: func(_ *nats.Conn, err error) {
			if err == nil {
				err = fmt.Errorf("nats connection closed")
			}
			c.terminate(&transport.RuntimeError{Kind: transport.KindNATS, Op: "read", Err: err})
		},
		OnCloseCallback: func(_ *nats.Conn) {
			c.terminate(&transport.RuntimeError{
				Kind: transport.KindNATS, Op: "read", Err: fmt.Errorf("nats connection closed"),
			})
		},
	})
	if err != nil {
		c.terminate(&transport.SetupError{
			Kind: transport.KindNATS, Endpoint: c.params.ServerURI, Err: err,
		})
		return
	}
	c.lock.Lock()
	if c.finished {
		c.lock.Unlock()
		client.Conn().Close()
		return
	}
	c.client = &client
	c.lock.Unlock()
	log.WithFields(c.LogTags).Info("Session established")
	if c.callbacks.OnConnect != nil {
		c.callbacks.OnConnect()
	}
}

func (c *natsClient) terminate(err error) {
	c.lock.Lock()
	if c.finished {
		c.lock.Unlock()
		return
	}
	c.finished = true
	client := c.client
	c.client = nil
	c.lock.Unlock()
	if client != nil {
		client.Conn().Close()
	}
	log.WithError(err).WithFields(c.LogTags).Warn("Session lost")
	if c.callbacks.OnDisconnect != nil {
		c.callbacks.OnDisconnect(err)
	}
}

// Deactivate close the connection
func (c *natsClient) Deactivate() error {
	c.lock.Lock()
	if c.finished {
		c.lock.Unlock()
		return nil
	}
	c.finished = true
	client := c.client
	c.client = nil
	c.lock.Unlock()
	if client != nil {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		client.Close(ctxt)
	}
	return nil
}

// Connected whether the connection is up
func (c *natsClient) Connected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.client != nil && c.client.Connected()
}

func (c *natsClient) activeConn() (*nats.Conn, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.client == nil || !c.client.Connected() {
		return nil, ErrNotConnected
	}
	return c.client.Conn(), nil
}

// Subscribe bind a topic's subject
func (c *natsClient) Subscribe(topic string, handler MessageHandlerCB) (Subscription, error) {
	nc, err := c.activeConn()
	if err != nil {
		return nil, err
	}
	subject, err := core.TopicToSubject(topic)
	if err != nil {
		return nil, err
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(Message{
			Topic:       topic,
			ContentType: msg.Header.Get(contentTypeHeader),
			Body:        msg.Data,
		})
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(c.LogTags).Debugf("Subscribed %s as %s", topic, subject)
	return &natsSubscription{topic: topic, sub: sub}, nil
}

// Publish send a message on a topic's subject
func (c *natsClient) Publish(topic string, contentType string, body []byte) error {
	nc, err := c.activeConn()
	if err != nil {
		return err
	}
	subject, err := core.TopicToSubject(topic)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Header.Set(contentTypeHeader, contentType)
	msg.Data = body
	return nc.PublishMsg(msg)
}
