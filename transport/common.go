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
	"context"
	"fmt"
)

// Transport kinds
const (
	KindWebSocket  = "websocket"
	KindHTTPStream = "http-stream"
	KindNATS       = "nats"
)

// Conn one established frame stream to a peer
//
// Each ReadFrame returns one complete frame, or a heart-beat ("\n"). WriteFrame is safe
// for concurrent use. Close releases a blocked ReadFrame.
type Conn interface {
	// ReadFrame block until the next frame arrives
	ReadFrame() ([]byte, error)
	// WriteFrame send one frame
	WriteFrame(frame []byte) error
	// Close the stream. Repeated calls are no-ops.
	Close() error
	// Kind the transport kind backing the stream
	Kind() string
}

// Dialer establishes frame streams
type Dialer interface {
	// Dial establish a new frame stream
	Dial(ctxt context.Context) (Conn, error)
	// Kind the transport kind this dialer produces
	Kind() string
}

// SetupError a frame stream could not be established
type SetupError struct {
	// Kind is the transport kind being dialed
	Kind string
	// Endpoint is the target
	Endpoint string
	// StatusCode is the HTTP status of a rejected handshake, if any
	StatusCode int
	// Err is the underlying failure
	Err error
}

// Error implement error
func (e *SetupError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf(
			"%s setup to %s failed [HTTP %d]: %s", e.Kind, e.Endpoint, e.StatusCode, e.Err,
		)
	}
	return fmt.Sprintf("%s setup to %s failed: %s", e.Kind, e.Endpoint, e.Err)
}

// Unwrap return the underlying failure
func (e *SetupError) Unwrap() error {
	return e.Err
}

// RuntimeError an established frame stream failed
type RuntimeError struct {
	// Kind is the transport kind
	Kind string
	// Op is the failed operation
	Op string
	// Err is the underlying failure
	Err error
}

// Error implement error
func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s %s failed: %s", e.Kind, e.Op, e.Err)
}

// Unwrap return the underlying failure
func (e *RuntimeError) Unwrap() error {
	return e.Err
}
