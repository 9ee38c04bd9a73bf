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

package transport

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrUnknownStreamSession no open HTTP stream has the given session ID
var ErrUnknownStreamSession = errors.New("unknown stream session")

// StreamSessions server side registry of open HTTP streams
type StreamSessions struct {
	lock          sync.Mutex
	sessions      map[string]*StreamServerConn
	inboundBuffer int
	deliverWait   time.Duration
}

// NewStreamSessions define a new HTTP stream registry
func NewStreamSessions(inboundBuffer int, deliverWait time.Duration) *StreamSessions {
	return &StreamSessions{
		sessions:      make(map[string]*StreamServerConn),
		inboundBuffer: inboundBuffer,
		deliverWait:   deliverWait,
	}
}

// Open begin streaming frames on an HTTP response
//
// The response status and headers are sent immediately. The caller must keep the
// handler running until the returned stream is done.
func (s *StreamSessions) Open(sessionID string, w http.ResponseWriter) (*StreamServerConn, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, &SetupError{
			Kind: KindHTTPStream, Endpoint: sessionID, Err: fmt.Errorf("response does not support flush"),
		}
	}
	if sessionID == "" {
		return nil, &SetupError{
			Kind: KindHTTPStream, Endpoint: sessionID, Err: fmt.Errorf("missing session ID"),
		}
	}
	conn := &StreamServerConn{
		id:      sessionID,
		parent:  s,
		writer:  w,
		flusher: flusher,
		inbound: make(chan []byte, s.inboundBuffer),
		closed:  make(chan struct{}),
	}
	s.lock.Lock()
	if _, exist := s.sessions[sessionID]; exist {
		s.lock.Unlock()
		return nil, &SetupError{
			Kind: KindHTTPStream, Endpoint: sessionID, Err: fmt.Errorf("session already open"),
		}
	}
	s.sessions[sessionID] = conn
	s.lock.Unlock()

	w.Header().Set("Content-Type", StreamContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return conn, nil
}

// Deliver hand one inbound frame to an open stream
func (s *StreamSessions) Deliver(sessionID string, frame []byte) error {
	s.lock.Lock()
	conn, ok := s.sessions[sessionID]
	s.lock.Unlock()
	if !ok {
		return ErrUnknownStreamSession
	}
	timer := time.NewTimer(s.deliverWait)
	defer timer.Stop()
	select {
	case conn.inbound <- frame:
		return nil
	case <-conn.closed:
		return ErrUnknownStreamSession
	case <-timer.C:
		return fmt.Errorf("stream session %s not consuming frames", sessionID)
	}
}

// Count number of open streams
func (s *StreamSessions) Count() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.sessions)
}

func (s *StreamSessions) remove(sessionID string, conn *StreamServerConn) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if current, ok := s.sessions[sessionID]; ok && current == conn {
		delete(s.sessions, sessionID)
	}
}

// StreamServerConn server side of one HTTP stream
type StreamServerConn struct {
	id        string
	parent    *StreamSessions
	lock      sync.Mutex
	writer    http.ResponseWriter
	flusher   http.Flusher
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// ID the stream session ID
func (c *StreamServerConn) ID() string {
	return c.id
}

// Done closed once the stream is closed
func (c *StreamServerConn) Done() <-chan struct{} {
	return c.closed
}

// Kind the transport kind backing the stream
func (c *StreamServerConn) Kind() string {
	return KindHTTPStream
}

// ReadFrame block until the next inbound frame
func (c *StreamServerConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return nil, &RuntimeError{Kind: KindHTTPStream, Op: "read", Err: io.EOF}
	}
}

// WriteFrame send one frame down the response
func (c *StreamServerConn) WriteFrame(frame []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.writer == nil {
		return &RuntimeError{Kind: KindHTTPStream, Op: "write", Err: io.ErrClosedPipe}
	}
	if _, err := c.writer.Write(frame); err != nil {
		return &RuntimeError{Kind: KindHTTPStream, Op: "write", Err: err}
	}
	c.flusher.Flush()
	return nil
}

// Close end the stream. The response writer is never touched afterwards.
func (c *StreamServerConn) Close() error {
	c.closeOnce.Do(func() {
		c.lock.Lock()
		c.writer = nil
		c.flusher = nil
		c.lock.Unlock()
		close(c.closed)
		c.parent.remove(c.id, c)
	})
	return nil
}
