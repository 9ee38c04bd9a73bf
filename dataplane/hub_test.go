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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livefeed/codec"
	"github.com/alwitt/livefeed/stomp"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func readOutbound(t *testing.T, outbound <-chan []byte) *stomp.Frame {
	select {
	case raw, ok := <-outbound:
		if !ok {
			assert.Fail(t, "outbound closed")
			return nil
		}
		frame, err := stomp.Unmarshal(raw)
		assert.Nil(t, err)
		return frame
	case <-time.After(time.Second):
		assert.Fail(t, "no outbound frame")
		return nil
	}
}

func assertNoOutbound(t *testing.T, outbound <-chan []byte) {
	select {
	case raw := <-outbound:
		assert.Failf(t, "unexpected outbound frame", "%q", raw)
	case <-time.After(time.Millisecond * 50):
	}
}

func TestHubFanOut(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, err := DefineHub(utCtxt, "ut-hub", 8, &wg)
	assert.Nil(err)

	sessionA, err := uut.Attach(utCtxt, "a")
	assert.Nil(err)
	sessionB, err := uut.Attach(utCtxt, "b")
	assert.Nil(err)
	_, err = uut.Attach(utCtxt, "a")
	assert.NotNil(err)

	assert.Nil(uut.Subscribe("a", "sub-1", codec.TopicPrimaryEntities))
	// Same topic twice on one session
	assert.Nil(uut.Subscribe("a", "sub-2", codec.TopicPrimaryEntities))
	assert.Nil(uut.Subscribe("b", "sub-1", codec.TopicGroupingEntities))
	assert.NotNil(uut.Subscribe("b", "sub-9", "bad topic"))

	count, err := uut.Subscribers(utCtxt, codec.TopicPrimaryEntities)
	assert.Nil(err)
	assert.Equal(1, count)
	count, err = uut.Sessions(utCtxt)
	assert.Nil(err)
	assert.Equal(2, count)

	// Case 0: one frame per subscribing session
	evt, err := codec.NewChangeEvent(codec.ActionCreate, 42, "")
	assert.Nil(err)
	assert.Nil(uut.Broadcast(codec.TopicPrimaryEntities, evt))
	frame := readOutbound(t, sessionA)
	assert.Equal(stomp.CmdMessage, frame.Command)
	assert.Equal(codec.TopicPrimaryEntities, frame.Header(stomp.HdrDestination))
	assert.Equal("sub-1", frame.Header(stomp.HdrSubscription))
	assert.NotEmpty(frame.Header(stomp.HdrMessageID))
	decoded, err := codec.Decode(frame.Header(stomp.HdrContentType), frame.Body)
	assert.Nil(err)
	assert.Equal(evt, decoded)
	assertNoOutbound(t, sessionA)
	assertNoOutbound(t, sessionB)

	// Case 1: unsubscribe one of two keeps delivery
	assert.Nil(uut.Unsubscribe("a", "sub-1"))
	assert.Nil(uut.Broadcast(codec.TopicPrimaryEntities, evt))
	frame = readOutbound(t, sessionA)
	assert.Equal("sub-2", frame.Header(stomp.HdrSubscription))

	// Case 2: last unsubscribe stops delivery
	assert.Nil(uut.Unsubscribe("a", "sub-2"))
	assert.Nil(uut.Broadcast(codec.TopicPrimaryEntities, evt))
	assertNoOutbound(t, sessionA)
	count, err = uut.Subscribers(utCtxt, codec.TopicPrimaryEntities)
	assert.Nil(err)
	assert.Equal(0, count)

	// Case 3: resubscribing an ID moves it to the new topic
	assert.Nil(uut.Subscribe("b", "sub-1", codec.TopicPrimaryEntities))
	assert.Nil(uut.Broadcast(codec.TopicGroupingEntities, evt))
	assertNoOutbound(t, sessionB)
	assert.Nil(uut.Broadcast(codec.TopicPrimaryEntities, evt))
	frame = readOutbound(t, sessionB)
	assert.Equal(codec.TopicPrimaryEntities, frame.Header(stomp.HdrDestination))

	// Case 4: detach closes the outbound channel
	assert.Nil(uut.Detach("b"))
	select {
	case _, ok := <-sessionB:
		assert.False(ok)
	case <-time.After(time.Second):
		assert.Fail("outbound not closed")
	}
	count, err = uut.Sessions(utCtxt)
	assert.Nil(err)
	assert.Equal(1, count)
}

func TestHubDropsSlowSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, err := DefineHub(utCtxt, "ut-hub", 2, &wg)
	assert.Nil(err)

	slow, err := uut.Attach(utCtxt, "slow")
	assert.Nil(err)
	assert.Nil(uut.Subscribe("slow", "sub-1", codec.TopicPrimaryEntities))
	evt, err := codec.NewChangeEvent(codec.ActionUpdate, 1, "")
	assert.Nil(err)

	// Case 0: a session that can not keep up is dropped
	for itr := 0; itr < 3; itr++ {
		assert.Nil(uut.Broadcast(codec.TopicPrimaryEntities, evt))
	}
	assert.Eventually(func() bool {
		count, err := uut.Sessions(utCtxt)
		return err == nil && count == 0
	}, time.Second, time.Millisecond*5)
	received := 0
	for range slow {
		received++
	}
	assert.Equal(2, received)

	// Case 1: invalid buffer size
	_, err = DefineHub(utCtxt, "ut-hub", 0, &wg)
	assert.NotNil(err)
}
