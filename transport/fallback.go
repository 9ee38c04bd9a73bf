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

	"github.com/alwitt/livefeed/common"
	"github.com/apex/log"
)

// FallbackDialer dial the primary transport, falling back to a secondary on setup failure
type FallbackDialer struct {
	common.Component
	// Primary is tried first
	Primary Dialer
	// Fallback is tried when the primary cannot be established
	Fallback Dialer
}

// NewFallbackDialer define a new FallbackDialer
func NewFallbackDialer(primary, fallback Dialer) *FallbackDialer {
	return &FallbackDialer{
		Component: common.Component{
			LogTags: log.Fields{"module": "transport", "component": "fallback-dialer"},
		},
		Primary:  primary,
		Fallback: fallback,
	}
}

// Kind the transport kind of the primary
func (d *FallbackDialer) Kind() string {
	return d.Primary.Kind()
}

// Dial establish a frame stream with the primary, else the fallback
func (d *FallbackDialer) Dial(ctxt context.Context) (Conn, error) {
	conn, err := d.Primary.Dial(ctxt)
	if err == nil {
		return conn, nil
	}
	if d.Fallback == nil || ctxt.Err() != nil {
		return nil, err
	}
	log.WithError(err).WithFields(d.LogTags).Warnf(
		"%s unavailable, falling back to %s", d.Primary.Kind(), d.Fallback.Kind(),
	)
	return d.Fallback.Dial(ctxt)
}
