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

package stomp

import "fmt"

// ProtocolError the peer sent an ERROR frame, or a frame violating the protocol
type ProtocolError struct {
	// Message is the ERROR frame's message header, or a parse failure description
	Message string
	// Details is the ERROR frame's body
	Details string
}

// Error implement error
func (e *ProtocolError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("stomp protocol error: %s (%s)", e.Message, e.Details)
	}
	return fmt.Sprintf("stomp protocol error: %s", e.Message)
}

// ErrorFromFrame build a ProtocolError from an ERROR frame
func ErrorFromFrame(frame *Frame) *ProtocolError {
	return &ProtocolError{Message: frame.Header(HdrMessage), Details: string(frame.Body)}
}

// NewErrorFrame build an ERROR frame
func NewErrorFrame(message, details string) *Frame {
	frame := NewFrame(CmdError, HdrMessage, message, HdrContentType, "text/plain")
	frame.Body = []byte(details)
	return frame
}
