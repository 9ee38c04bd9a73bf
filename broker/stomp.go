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
	"github.com/alwitt/livefeed/stomp"
	"github.com/alwitt/livefeed/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// STOMPClientParams STOMP broker client parameters
type STOMPClientParams struct {
	// Dialer establishes the frame stream
	Dialer transport.Dialer `validate:"required"`
	// Host is the virtual host sent in CONNECT
	Host string `validate:"required"`
	// Login is the optional login
	Login string
	// Passcode is the optional passcode
	Passcode string
	// ConnectTimeout bounds dialing plus the CONNECT / CONNECTED exchange
	ConnectTimeout time.Duration `validate:"gt=0"`
	// HeartbeatOutgoing is the offered outgoing heart-beat interval. Zero disables.
	HeartbeatOutgoing time.Duration `validate:"gte=0"`
	// HeartbeatIncoming is the requested incoming heart-beat interval. Zero disables.
	HeartbeatIncoming time.Duration `validate:"gte=0"`
}

// stompSubscription one SUBSCRIBE on a STOMP session
type stompSubscription struct {
	client  *stompClient
	id      string
	topic   string
	handler MessageHandlerCB
}

func (s *stompSubscription) Topic() string {
	return s.topic
}

func (s *stompSubscription) Unsubscribe() error {
	return s.client.unsubscribe(s.id)
}

// stompClient implements Client over STOMP 1.2
type stompClient struct {
	common.Component
	params        STOMPClientParams
	callbacks     ClientCallbacks
	rootCtxt      context.Context
	wg            *sync.WaitGroup
	lock          sync.Mutex
	activated     bool
	finished      bool
	connected     bool
	conn          transport.Conn
	cancel        context.CancelFunc
	subscriptions map[string]*stompSubscription
	nextSubID     int
	lastReceived  time.Time
}

// NewSTOMPClient define a new STOMP broker client
func NewSTOMPClient(
	ctxt context.Context,
	name string,
	params STOMPClientParams,
	callbacks ClientCallbacks,
	wg *sync.WaitGroup,
) (Client, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "broker", "component": "stomp-client", "instance": name,
	}
	return &stompClient{
		Component:     common.Component{LogTags: logTags},
		params:        params,
		callbacks:     callbacks,
		rootCtxt:      ctxt,
		wg:            wg,
		subscriptions: make(map[string]*stompSubscription),
	}, nil
}

// STOMPClientFactory factory producing STOMP broker clients with fixed parameters
func STOMPClientFactory(
	ctxt context.Context, name string, params STOMPClientParams, wg *sync.WaitGroup,
) ClientFactory {
	return func(callbacks ClientCallbacks) (Client, error) {
		return NewSTOMPClient(ctxt, name, params, callbacks, wg)
	}
}

// Activate start establishing the session in the background
func (c *stompClient) Activate() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.activated || c.finished {
		return fmt.Errorf("stomp client already used")
	}
	c.activated = true
	runCtxt, cancel := context.WithCancel(c.rootCtxt)
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(runCtxt)
	return nil
}

// Deactivate tear down the session
func (c *stompClient) Deactivate() error {
	c.lock.Lock()
	if c.finished {
		c.lock.Unlock()
		return nil
	}
	c.finished = true
	wasConnected := c.connected
	c.connected = false
	conn := c.conn
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.subscriptions = make(map[string]*stompSubscription)
	c.lock.Unlock()

	log.WithFields(c.LogTags).Debug("Deactivating")
	if conn != nil {
		if wasConnected {
			_ = conn.WriteFrame(stomp.NewFrame(stomp.CmdDisconnect).Marshal())
		}
		return conn.Close()
	}
	return nil
}

// Connected whether the session is currently established
func (c *stompClient) Connected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.connected
}

// terminate end the session because of a failure, reporting it once
func (c *stompClient) terminate(err error, protocolErr bool) {
	c.lock.Lock()
	if c.finished {
		c.lock.Unlock()
		return
	}
	c.finished = true
	c.connected = false
	conn := c.conn
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.subscriptions = make(map[string]*stompSubscription)
	c.lock.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if protocolErr {
		log.WithError(err).WithFields(c.LogTags).Error("Broker reported protocol error")
		if c.callbacks.OnProtocolError != nil {
			c.callbacks.OnProtocolError(err)
		}
	} else {
		log.WithError(err).WithFields(c.LogTags).Warn("Session lost")
	}
	if c.callbacks.OnDisconnect != nil {
		c.callbacks.OnDisconnect(err)
	}
}

func (c *stompClient) touch() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.lastReceived = time.Now()
}

func (c *stompClient) sinceLastReceived() time.Duration {
	c.lock.Lock()
	defer c.lock.Unlock()
	return time.Since(c.lastReceived)
}

// handshake perform the CONNECT / CONNECTED exchange
func (c *stompClient) handshake(conn transport.Conn) (*stomp.Frame, error) {
	connect := stomp.NewFrame(
		stomp.CmdConnect,
		stomp.HdrAcceptVersion, stomp.Version,
		stomp.HdrHost, c.params.Host,
		stomp.HdrHeartBeat, stomp.FormatHeartbeat(c.params.HeartbeatOutgoing, c.params.HeartbeatIncoming),
	)
	if c.params.Login != "" {
		connect.AddHeader(stomp.HdrLogin, c.params.Login)
		connect.AddHeader(stomp.HdrPasscode, c.params.Passcode)
	}
	if err := conn.WriteFrame(connect.Marshal()); err != nil {
		return nil, err
	}

	// Unblock the read if the server never answers
	timer := time.AfterFunc(c.params.ConnectTimeout, func() {
		_ = conn.Close()
	})
	defer timer.Stop()
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			return nil, err
		}
		if stomp.IsHeartbeat(raw) {
			continue
		}
		frame, err := stomp.Unmarshal(raw)
		if err != nil {
			return nil, err
		}
		switch frame.Command {
		case stomp.CmdConnected:
			return frame, nil
		case stomp.CmdError:
			return nil, stomp.ErrorFromFrame(frame)
		default:
			return nil, &stomp.ProtocolError{
				Message: fmt.Sprintf("expected CONNECTED, got %s", frame.Command),
			}
		}
	}
}

func (c *stompClient) run(ctxt context.Context) {
	defer c.wg.Done()

	dialCtxt, dialCancel := context.WithTimeout(ctxt, c.params.ConnectTimeout)
	conn, err := c.params.Dialer.Dial(dialCtxt)
	dialCancel()
	if err != nil {
		c.terminate(err, false)
		return
	}
	c.lock.Lock()
	if c.finished {
		c.lock.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.lock.Unlock()

	connected, err := c.handshake(conn)
	if err != nil {
		_, isProtocol := err.(*stomp.ProtocolError)
		c.terminate(err, isProtocol)
		return
	}
	serverOut, serverIn, err := stomp.ParseHeartbeat(connected.Header(stomp.HdrHeartBeat))
	if err != nil {
		c.terminate(err, true)
		return
	}
	send, expect := stomp.NegotiateHeartbeat(
		c.params.HeartbeatOutgoing, c.params.HeartbeatIncoming, serverOut, serverIn,
	)

	c.lock.Lock()
	if c.finished {
		c.lock.Unlock()
		return
	}
	c.connected = true
	c.lastReceived = time.Now()
	c.lock.Unlock()
	log.WithFields(c.LogTags).Infof(
		"Session established over %s (heart-beat send %s expect %s)", conn.Kind(), send, expect,
	)
	if c.callbacks.OnConnect != nil {
		c.callbacks.OnConnect()
	}

	if send > 0 || expect > 0 {
		c.wg.Add(1)
		go c.heartbeat(ctxt, conn, send, expect)
	}

	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			c.terminate(err, false)
			return
		}
		c.touch()
		if stomp.IsHeartbeat(raw) {
			continue
		}
		frame, err := stomp.Unmarshal(raw)
		if err != nil {
			c.terminate(err, true)
			return
		}
		switch frame.Command {
		case stomp.CmdMessage:
			c.dispatch(frame)
		case stomp.CmdError:
			c.terminate(stomp.ErrorFromFrame(frame), true)
			return
		case stomp.CmdReceipt:
			log.WithFields(c.LogTags).Debugf("Receipt %s", frame.Header(stomp.HdrReceiptID))
		default:
			log.WithFields(c.LogTags).Debugf("Ignoring %s frame", frame.Command)
		}
	}
}

// heartbeat send heart-beats and watch for a silent server
func (c *stompClient) heartbeat(ctxt context.Context, conn transport.Conn, send, expect time.Duration) {
	defer c.wg.Done()
	var sendTick, checkTick <-chan time.Time
	if send > 0 {
		ticker := time.NewTicker(send)
		defer ticker.Stop()
		sendTick = ticker.C
	}
	if expect > 0 {
		ticker := time.NewTicker(expect)
		defer ticker.Stop()
		checkTick = ticker.C
	}
	for {
		select {
		case <-ctxt.Done():
			return
		case <-sendTick:
			if err := conn.WriteFrame([]byte("\n")); err != nil {
				c.terminate(err, false)
				return
			}
		case <-checkTick:
			// Allow the server twice the negotiated interval
			if silent := c.sinceLastReceived(); silent > expect*2 {
				c.terminate(&transport.RuntimeError{
					Kind: conn.Kind(),
					Op:   "heart-beat",
					Err:  fmt.Errorf("nothing received for %s", silent),
				}, false)
				return
			}
		}
	}
}

func (c *stompClient) dispatch(frame *stomp.Frame) {
	subID := frame.Header(stomp.HdrSubscription)
	c.lock.Lock()
	sub, ok := c.subscriptions[subID]
	c.lock.Unlock()
	if !ok {
		log.WithFields(c.LogTags).Debugf(
			"Dropping message for unknown subscription '%s' on %s",
			subID,
			frame.Header(stomp.HdrDestination),
		)
		return
	}
	sub.handler(Message{
		Topic:       sub.topic,
		ContentType: frame.Header(stomp.HdrContentType),
		Body:        frame.Body,
	})
}

// Subscribe bind a topic
func (c *stompClient) Subscribe(topic string, handler MessageHandlerCB) (Subscription, error) {
	c.lock.Lock()
	if !c.connected {
		c.lock.Unlock()
		return nil, ErrNotConnected
	}
	c.nextSubID++
	sub := &stompSubscription{
		client: c, id: fmt.Sprintf("sub-%d", c.nextSubID), topic: topic, handler: handler,
	}
	c.subscriptions[sub.id] = sub
	conn := c.conn
	c.lock.Unlock()

	frame := stomp.NewFrame(
		stomp.CmdSubscribe,
		stomp.HdrID, sub.id,
		stomp.HdrDestination, topic,
		stomp.HdrAck, "auto",
	)
	if err := conn.WriteFrame(frame.Marshal()); err != nil {
		c.lock.Lock()
		delete(c.subscriptions, sub.id)
		c.lock.Unlock()
		return nil, err
	}
	log.WithFields(c.LogTags).Debugf("Subscribed %s as %s", topic, sub.id)
	return sub, nil
}

func (c *stompClient) unsubscribe(subID string) error {
	c.lock.Lock()
	_, ok := c.subscriptions[subID]
	delete(c.subscriptions, subID)
	conn := c.conn
	connected := c.connected
	c.lock.Unlock()
	if !ok || !connected {
		return nil
	}
	return conn.WriteFrame(stomp.NewFrame(stomp.CmdUnsubscribe, stomp.HdrID, subID).Marshal())
}

// Publish send a message on a topic
func (c *stompClient) Publish(topic string, contentType string, body []byte) error {
	c.lock.Lock()
	connected := c.connected
	conn := c.conn
	c.lock.Unlock()
	if !connected {
		return ErrNotConnected
	}
	frame := stomp.NewFrame(
		stomp.CmdSend, stomp.HdrDestination, topic, stomp.HdrContentType, contentType,
	)
	frame.Body = body
	return conn.WriteFrame(frame.Marshal())
}
