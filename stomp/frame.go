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

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Frame commands
const (
	CmdConnect     = "CONNECT"
	CmdStomp       = "STOMP"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// Well known headers
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrLogin         = "login"
	HdrPasscode      = "passcode"
	HdrHeartBeat     = "heart-beat"
	HdrServer        = "server"
	HdrSession       = "session"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrAck           = "ack"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrContentType   = "content-type"
	HdrContentLength = "content-length"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrMessage       = "message"
)

// Version the protocol version spoken
const Version = "1.2"

// MaxBodySize upper bound on a declared content-length
const MaxBodySize = 1 << 20

// Header one frame header
type Header struct {
	Key   string
	Value string
}

// Headers ordered frame headers. When a key repeats, the first occurrence applies.
type Headers []Header

// Get fetch the first value for a key
func (h Headers) Get(key string) (string, bool) {
	for _, header := range h {
		if header.Key == key {
			return header.Value, true
		}
	}
	return "", false
}

// Frame one STOMP frame
type Frame struct {
	Command string
	Headers Headers
	Body    []byte
}

// NewFrame define a new frame from key / value pairs
func NewFrame(command string, keyValues ...string) *Frame {
	frame := &Frame{Command: command, Headers: make(Headers, 0, len(keyValues)/2)}
	for itr := 0; itr+1 < len(keyValues); itr += 2 {
		frame.Headers = append(frame.Headers, Header{Key: keyValues[itr], Value: keyValues[itr+1]})
	}
	return frame
}

// Header fetch a header value; empty when absent
func (f *Frame) Header(key string) string {
	value, _ := f.Headers.Get(key)
	return value
}

// AddHeader append a header
func (f *Frame) AddHeader(key, value string) {
	f.Headers = append(f.Headers, Header{Key: key, Value: value})
}

// escapesHeaders CONNECT and CONNECTED frames carry headers verbatim
func escapesHeaders(command string) bool {
	return command != CmdConnect && command != CmdConnected
}

var headerEscaper = strings.NewReplacer("\\", "\\\\", "\r", "\\r", "\n", "\\n", ":", "\\c")

func unescapeHeader(raw string) (string, error) {
	if !strings.Contains(raw, "\\") {
		return raw, nil
	}
	var builder strings.Builder
	for itr := 0; itr < len(raw); itr++ {
		if raw[itr] != '\\' {
			builder.WriteByte(raw[itr])
			continue
		}
		if itr+1 >= len(raw) {
			return "", fmt.Errorf("dangling escape in header '%s'", raw)
		}
		itr++
		switch raw[itr] {
		case '\\':
			builder.WriteByte('\\')
		case 'r':
			builder.WriteByte('\r')
		case 'n':
			builder.WriteByte('\n')
		case 'c':
			builder.WriteByte(':')
		default:
			return "", fmt.Errorf("undefined escape '\\%c' in header '%s'", raw[itr], raw)
		}
	}
	return builder.String(), nil
}

// Marshal serialize the frame including the terminating NUL
//
// A content-length header is added for non-empty bodies when not already present.
func (f *Frame) Marshal() []byte {
	buf := bytes.Buffer{}
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	escape := escapesHeaders(f.Command)
	for _, header := range f.Headers {
		if escape {
			buf.WriteString(headerEscaper.Replace(header.Key))
			buf.WriteByte(':')
			buf.WriteString(headerEscaper.Replace(header.Value))
		} else {
			buf.WriteString(header.Key)
			buf.WriteByte(':')
			buf.WriteString(header.Value)
		}
		buf.WriteByte('\n')
	}
	if _, ok := f.Headers.Get(HdrContentLength); !ok && len(f.Body) > 0 {
		buf.WriteString(HdrContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// IsHeartbeat whether the raw data is only end-of-line heart-beats
func IsHeartbeat(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, b := range data {
		if b != '\n' && b != '\r' {
			return false
		}
	}
	return true
}

// Unmarshal parse a single frame
//
// Leading end-of-lines (heart-beats) are skipped. Anything after the terminating NUL
// other than end-of-lines is rejected.
func Unmarshal(data []byte) (*Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return nil, &ProtocolError{Message: "empty frame"}
	}
	readLine := func() (string, error) {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return "", &ProtocolError{Message: "truncated frame"}
		}
		line := data[:idx]
		data = data[idx+1:]
		return strings.TrimSuffix(string(line), "\r"), nil
	}

	command, err := readLine()
	if err != nil {
		return nil, err
	}
	if command == "" {
		return nil, &ProtocolError{Message: "missing frame command"}
	}
	frame := &Frame{Command: command, Headers: make(Headers, 0)}
	escape := escapesHeaders(command)
	for {
		line, err := readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		sep := strings.IndexByte(line, ':')
		if sep < 0 {
			return nil, &ProtocolError{Message: fmt.Sprintf("malformed header line '%s'", line)}
		}
		key, value := line[:sep], line[sep+1:]
		if escape {
			if key, err = unescapeHeader(key); err != nil {
				return nil, &ProtocolError{Message: err.Error()}
			}
			if value, err = unescapeHeader(value); err != nil {
				return nil, &ProtocolError{Message: err.Error()}
			}
		}
		frame.AddHeader(key, value)
	}

	if rawLength, ok := frame.Headers.Get(HdrContentLength); ok {
		length, err := strconv.Atoi(rawLength)
		if err != nil || length < 0 {
			return nil, &ProtocolError{Message: fmt.Sprintf("invalid content-length '%s'", rawLength)}
		}
		if length > MaxBodySize {
			return nil, &ProtocolError{
				Message: fmt.Sprintf("content-length %d exceeds limit %d", length, MaxBodySize),
			}
		}
		if length > len(data)-1 || data[length] != 0 {
			return nil, &ProtocolError{Message: "body does not match content-length"}
		}
		frame.Body = append([]byte{}, data[:length]...)
		data = data[length+1:]
	} else {
		idx := bytes.IndexByte(data, 0)
		if idx < 0 {
			return nil, &ProtocolError{Message: "missing frame terminator"}
		}
		frame.Body = append([]byte{}, data[:idx]...)
		data = data[idx+1:]
	}
	if len(bytes.Trim(data, "\r\n")) != 0 {
		return nil, &ProtocolError{Message: "trailing data after frame"}
	}
	return frame, nil
}
