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
	"errors"
)

// ErrNotConnected the broker client has no established session
var ErrNotConnected = errors.New("broker client not connected")

// Message one message delivered on a subscribed topic
type Message struct {
	// Topic is the topic the subscription was made on
	Topic string
	// ContentType is the declared body encoding
	ContentType string
	// Body is the message payload
	Body []byte
}

// MessageHandlerCB callback invoked for each message on a subscription
type MessageHandlerCB func(msg Message)

// ClientCallbacks connection lifecycle callbacks of a broker client
//
// Each callback may be invoked from an internal goroutine. OnDisconnect is called at most
// once per client, and never after Deactivate.
type ClientCallbacks struct {
	// OnConnect the broker session is established
	OnConnect func()
	// OnDisconnect the broker session failed or could not be established
	OnDisconnect func(err error)
	// OnProtocolError the broker reported an error
	OnProtocolError func(err error)
}

// Subscription one server side topic binding
type Subscription interface {
	// Topic the bound topic
	Topic() string
	// Unsubscribe release the binding
	Unsubscribe() error
}

// Client one broker session. A client is single use: after it disconnects or is
// deactivated, a new client is needed.
type Client interface {
	// Activate start establishing the session in the background
	Activate() error
	// Deactivate tear down the session. No callbacks fire afterwards.
	Deactivate() error
	// Connected whether the session is currently established
	Connected() bool
	// Subscribe bind a topic
	Subscribe(topic string, handler MessageHandlerCB) (Subscription, error)
	// Publish send a message on a topic
	Publish(topic string, contentType string, body []byte) error
}

// ClientFactory define a new broker client bound to a set of callbacks
type ClientFactory func(callbacks ClientCallbacks) (Client, error)
