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
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/livefeed/codec"
	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/stomp"
	"github.com/alwitt/livefeed/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// serverName value of the CONNECTED frame server header
const serverName = "livefeed-relay/1.0"

// STOMPServerParams relay side STOMP session parameters
type STOMPServerParams struct {
	// Hub the session fan out hub
	Hub Hub `validate:"required"`
	// Publisher receives events clients SEND
	Publisher Publisher `validate:"required"`
	// HeartbeatOutgoing offered outgoing heart-beat interval
	HeartbeatOutgoing time.Duration `validate:"gte=0"`
	// HeartbeatIncoming offered incoming heart-beat interval
	HeartbeatIncoming time.Duration `validate:"gte=0"`
	// ConnectTimeout max wait for the client's CONNECT frame
	ConnectTimeout time.Duration `validate:"gt=0"`
}

// STOMPServer serves client STOMP sessions over any transport.Conn
type STOMPServer struct {
	common.Component
	params STOMPServerParams
}

// GetSTOMPServer define a new STOMPServer
func GetSTOMPServer(name string, params STOMPServerParams) (*STOMPServer, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "stomp-server", "instance": name,
	}
	return &STOMPServer{Component: common.Component{LogTags: logTags}, params: params}, nil
}

// serverSession state of one client session
type serverSession struct {
	id      string
	conn    transport.Conn
	logTags log.Fields
	lock    sync.Mutex
	lastAt  time.Time
}

func (s *serverSession) touch() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.lastAt = time.Now()
}

func (s *serverSession) silence() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	return time.Since(s.lastAt)
}

// ServeSTOMP run one client session until it ends
//
// The call returns once the client disconnects, the transport fails, or ctxt is
// cancelled. The connection is always closed on return.
func (s *STOMPServer) ServeSTOMP(ctxt context.Context, conn transport.Conn) error {
	sessionID := uuid.New().String()
	session := &serverSession{
		id:      sessionID,
		conn:    conn,
		logTags: common.ExtendLogTags(s.LogTags, log.Fields{"session": sessionID}),
		lastAt:  time.Now(),
	}
	defer func() {
		_ = conn.Close()
	}()

	connect, err := s.awaitConnect(session)
	if err != nil {
		log.WithError(err).WithFields(session.logTags).Warn("Handshake failed")
		return err
	}
	clientOut, clientIn, err := stomp.ParseHeartbeat(connect.Header(stomp.HdrHeartBeat))
	if err != nil {
		s.reject(session, asProtocolError(err))
		return err
	}
	send, expect := stomp.NegotiateHeartbeat(
		s.params.HeartbeatOutgoing, s.params.HeartbeatIncoming, clientOut, clientIn,
	)

	sessionCtxt, cancel := context.WithCancel(ctxt)
	defer cancel()
	outbound, err := s.params.Hub.Attach(sessionCtxt, session.id)
	if err != nil {
		log.WithError(err).WithFields(session.logTags).Error("Unable to attach session")
		return err
	}
	defer func() {
		_ = s.params.Hub.Detach(session.id)
	}()

	connected := stomp.NewFrame(
		stomp.CmdConnected,
		stomp.HdrVersion, stomp.Version,
		stomp.HdrHeartBeat, stomp.FormatHeartbeat(s.params.HeartbeatOutgoing, s.params.HeartbeatIncoming),
		stomp.HdrServer, serverName,
		stomp.HdrSession, session.id,
	)
	if err := conn.WriteFrame(connected.Marshal()); err != nil {
		return err
	}
	log.WithFields(session.logTags).Infof(
		"Session open over %s (heart-beat send %s expect %s)", conn.Kind(), send, expect,
	)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(sessionCtxt, session, outbound, send, expect)
	}()
	// Unblock the reader when the writer side ends the session
	go func() {
		select {
		case <-writerDone:
			_ = conn.Close()
		case <-sessionCtxt.Done():
			_ = conn.Close()
		}
	}()

	err = s.readLoop(sessionCtxt, session)
	cancel()
	<-writerDone
	if err != nil {
		log.WithError(err).WithFields(session.logTags).Info("Session ended")
	} else {
		log.WithFields(session.logTags).Info("Session closed by client")
	}
	return err
}

// awaitConnect read the CONNECT frame
func (s *STOMPServer) awaitConnect(session *serverSession) (*stomp.Frame, error) {
	timer := time.AfterFunc(s.params.ConnectTimeout, func() {
		_ = session.conn.Close()
	})
	defer timer.Stop()
	for {
		raw, err := session.conn.ReadFrame()
		if err != nil {
			return nil, err
		}
		if stomp.IsHeartbeat(raw) {
			continue
		}
		frame, err := stomp.Unmarshal(raw)
		if err != nil {
			s.reject(session, asProtocolError(err))
			return nil, err
		}
		if frame.Command != stomp.CmdConnect && frame.Command != stomp.CmdStomp {
			protoErr := &stomp.ProtocolError{
				Message: fmt.Sprintf("expected CONNECT, got %s", frame.Command),
			}
			s.reject(session, protoErr)
			return nil, protoErr
		}
		if versions := frame.Header(stomp.HdrAcceptVersion); versions != "" {
			if !containsVersion(versions, stomp.Version) {
				protoErr := &stomp.ProtocolError{
					Message: "Supported protocol versions are " + stomp.Version,
				}
				s.reject(session, protoErr)
				return nil, protoErr
			}
		}
		return frame, nil
	}
}

// asProtocolError view a framing failure as a protocol error
func asProtocolError(err error) *stomp.ProtocolError {
	var protoErr *stomp.ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr
	}
	return &stomp.ProtocolError{Message: err.Error()}
}

func containsVersion(accepted string, version string) bool {
	for _, candidate := range strings.Split(accepted, ",") {
		if strings.TrimSpace(candidate) == version {
			return true
		}
	}
	return false
}

// reject report a protocol failure to the client
func (s *STOMPServer) reject(session *serverSession, protoErr *stomp.ProtocolError) {
	log.WithError(protoErr).WithFields(session.logTags).Warn("Rejecting client")
	_ = session.conn.WriteFrame(stomp.NewErrorFrame(protoErr.Message, protoErr.Details).Marshal())
}

// readLoop process client frames. Returns nil on a client DISCONNECT.
func (s *STOMPServer) readLoop(ctxt context.Context, session *serverSession) error {
	for {
		raw, err := session.conn.ReadFrame()
		if err != nil {
			if ctxt.Err() != nil {
				return ctxt.Err()
			}
			return err
		}
		session.touch()
		if stomp.IsHeartbeat(raw) {
			continue
		}
		frame, err := stomp.Unmarshal(raw)
		if err != nil {
			s.reject(session, asProtocolError(err))
			return err
		}
		done, err := s.handleFrame(ctxt, session, frame)
		if err != nil {
			var protoErr *stomp.ProtocolError
			if errors.As(err, &protoErr) {
				s.reject(session, protoErr)
			}
			return err
		}
		if receipt := frame.Header(stomp.HdrReceipt); receipt != "" {
			if err := session.conn.WriteFrame(
				stomp.NewFrame(stomp.CmdReceipt, stomp.HdrReceiptID, receipt).Marshal(),
			); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
	}
}

// handleFrame process one client frame; returns true when the session should end
func (s *STOMPServer) handleFrame(
	ctxt context.Context, session *serverSession, frame *stomp.Frame,
) (bool, error) {
	switch frame.Command {
	case stomp.CmdSubscribe:
		subID := frame.Header(stomp.HdrID)
		topic := frame.Header(stomp.HdrDestination)
		if subID == "" || topic == "" {
			return false, &stomp.ProtocolError{Message: "SUBSCRIBE requires id and destination"}
		}
		if err := s.params.Hub.Subscribe(session.id, subID, topic); err != nil {
			return false, &stomp.ProtocolError{Message: "Invalid destination", Details: err.Error()}
		}
		return false, nil

	case stomp.CmdUnsubscribe:
		subID := frame.Header(stomp.HdrID)
		if subID == "" {
			return false, &stomp.ProtocolError{Message: "UNSUBSCRIBE requires id"}
		}
		return false, s.params.Hub.Unsubscribe(session.id, subID)

	case stomp.CmdSend:
		topic := frame.Header(stomp.HdrDestination)
		if err := common.ValidateTopicName(topic); err != nil {
			return false, &stomp.ProtocolError{Message: "Invalid destination", Details: err.Error()}
		}
		event, err := codec.Decode(frame.Header(stomp.HdrContentType), frame.Body)
		if err != nil {
			return false, &stomp.ProtocolError{Message: "Invalid change event", Details: err.Error()}
		}
		if err := s.params.Publisher.Publish(ctxt, topic, event); err != nil {
			log.WithError(err).WithFields(session.logTags).Errorf("Unable to publish %s", event)
		}
		return false, nil

	case stomp.CmdDisconnect:
		return true, nil

	default:
		return false, &stomp.ProtocolError{
			Message: fmt.Sprintf("Unsupported command %s", frame.Command),
		}
	}
}

// writeLoop deliver hub frames and heart-beats; watch for a silent client
func (s *STOMPServer) writeLoop(
	ctxt context.Context,
	session *serverSession,
	outbound <-chan []byte,
	send, expect time.Duration,
) {
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
		case frame, ok := <-outbound:
			if !ok {
				log.WithFields(session.logTags).Warn("Hub dropped session")
				return
			}
			if err := session.conn.WriteFrame(frame); err != nil {
				log.WithError(err).WithFields(session.logTags).Error("Write failed")
				return
			}
		case <-sendTick:
			if err := session.conn.WriteFrame([]byte("\n")); err != nil {
				log.WithError(err).WithFields(session.logTags).Error("Heart-beat write failed")
				return
			}
		case <-checkTick:
			if silent := session.silence(); silent > expect*2 {
				log.WithFields(session.logTags).Warnf("Client silent for %s", silent)
				return
			}
		}
	}
}
