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
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatHeartbeat render a heart-beat header value
func FormatHeartbeat(outgoing, incoming time.Duration) string {
	return fmt.Sprintf("%d,%d", outgoing.Milliseconds(), incoming.Milliseconds())
}

// ParseHeartbeat parse a heart-beat header value. An empty value means no heart-beats.
func ParseHeartbeat(value string) (outgoing, incoming time.Duration, err error) {
	if value == "" {
		return 0, 0, nil
	}
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return 0, 0, &ProtocolError{Message: fmt.Sprintf("invalid heart-beat '%s'", value)}
	}
	values := [2]time.Duration{}
	for idx, part := range parts {
		ms, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || ms < 0 {
			return 0, 0, &ProtocolError{Message: fmt.Sprintf("invalid heart-beat '%s'", value)}
		}
		values[idx] = time.Millisecond * time.Duration(ms)
	}
	return values[0], values[1], nil
}

// NegotiateHeartbeat resolve the local party's heart-beat intervals
//
// localOut / localIn are what this party offered; peerOut / peerIn are what the peer
// offered. send is how often this party must send; expect is how often it should
// receive. Zero disables the direction.
func NegotiateHeartbeat(localOut, localIn, peerOut, peerIn time.Duration) (send, expect time.Duration) {
	if localOut > 0 && peerIn > 0 {
		send = localOut
		if peerIn > send {
			send = peerIn
		}
	}
	if localIn > 0 && peerOut > 0 {
		expect = localIn
		if peerOut > expect {
			expect = peerOut
		}
	}
	return send, expect
}
