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

package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livefeed/broker"
	"github.com/alwitt/livefeed/codec"
	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/dataplane"
	"github.com/alwitt/livefeed/stomp"
	"github.com/alwitt/livefeed/transport"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

var utEndpoints = common.RelayEndpointConfig{
	PathPrefix: "/", WebSocketPath: "/ws", StreamPath: "/stream",
}

type relayAPIFixture struct {
	hub     dataplane.Hub
	handler APIRestRelayHandler
	router  *mux.Router
}

func newRelayAPIFixture(t *testing.T, ctxt context.Context, wg *sync.WaitGroup) relayAPIFixture {
	hub, err := dataplane.DefineHub(ctxt, "ut-relay-api", 16, wg)
	assert.Nil(t, err)
	publisher := dataplane.GetHubPublisher(hub)
	server, err := dataplane.GetSTOMPServer("ut-relay-api", dataplane.STOMPServerParams{
		Hub:               hub,
		Publisher:         publisher,
		HeartbeatOutgoing: time.Millisecond * 100,
		HeartbeatIncoming: time.Millisecond * 100,
		ConnectTimeout:    time.Second,
	})
	assert.Nil(t, err)
	handler, err := GetAPIRestRelayHandler(ctxt, &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Livefeed-Request-ID"},
	}, RelayHandlerParams{
		STOMPServer:  server,
		Hub:          hub,
		Publisher:    publisher,
		Streams:      transport.NewStreamSessions(8, time.Second),
		WriteTimeout: time.Second,
	})
	assert.Nil(t, err)
	router := mux.NewRouter()
	handler.RegisterRoutes(router, utEndpoints)
	return relayAPIFixture{hub: hub, handler: handler, router: router}
}

func (f relayAPIFixture) call(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	respRecorder := httptest.NewRecorder()
	f.router.ServeHTTP(respRecorder, req)
	return respRecorder
}

func TestRelayPublishAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := newRelayAPIFixture(t, utCtxt, &wg)

	// Case 0: health checks
	{
		assert.Equal(http.StatusOK, uut.call("GET", "/alive", nil).Code)
		assert.Equal(http.StatusOK, uut.call("GET", "/ready", nil).Code)
	}

	outbound, err := uut.hub.Attach(utCtxt, "ut-session")
	assert.Nil(err)
	assert.Nil(uut.hub.Subscribe("ut-session", "sub-0", codec.TopicPrimaryEntities))

	// Case 1: publish to a subscribed topic
	{
		resp := uut.call("POST", "/v1/topic/spaceMarines", []byte(`{"action":"update","id":3}`))
		assert.Equal(http.StatusOK, resp.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)

		select {
		case raw := <-outbound:
			frame, err := stomp.Unmarshal(raw)
			assert.Nil(err)
			assert.Equal(stomp.CmdMessage, frame.Command)
			assert.Equal(codec.TopicPrimaryEntities, frame.Header(stomp.HdrDestination))
			assert.Equal("sub-0", frame.Header(stomp.HdrSubscription))
			event, err := codec.Decode(frame.Header(stomp.HdrContentType), frame.Body)
			assert.Nil(err)
			assert.Equal(codec.ActionUpdate, event.Action())
			assert.EqualValues(3, event.EntityID())
		case <-time.After(time.Second):
			assert.Fail("no broadcast")
		}
	}

	// Case 2: topic info
	{
		resp := uut.call("GET", "/v1/topic/spaceMarines", nil)
		assert.Equal(http.StatusOK, resp.Code)
		var msg APIRestRespTopicInfo
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(codec.TopicPrimaryEntities, msg.Topic)
		assert.Equal(1, msg.Subscribers)
	}

	// Case 3: malformed event
	{
		resp := uut.call("POST", "/v1/topic/spaceMarines", []byte(`{"action":"explode","id":3}`))
		assert.Equal(http.StatusBadRequest, resp.Code)
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.False(msg.Success)
	}

	// Case 4: invalid topic
	{
		resp := uut.call("POST", "/v1/topic/bad%20topic", []byte(`{"action":"update","id":3}`))
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 5: frame for an unknown stream session
	{
		resp := uut.call("POST", "/stream/unknown", []byte("DISCONNECT\n\n\x00"))
		assert.Equal(http.StatusNotFound, resp.Code)
	}

	// Case 6: stream open without a session ID
	{
		resp := uut.call("GET", "/stream", nil)
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	select {
	case raw := <-outbound:
		assert.Failf("unexpected broadcast", "%q", raw)
	case <-time.After(time.Millisecond * 50):
	}
}

func TestRelayReadiness(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := newRelayAPIFixture(t, utCtxt, &wg)
	assert.Equal(http.StatusOK, uut.call("GET", "/ready", nil).Code)

	utCtxtCancel()
	assert.Equal(http.StatusInternalServerError, uut.call("GET", "/ready", nil).Code)
	assert.Equal(http.StatusOK, uut.call("GET", "/alive", nil).Code)
}

func TestRelayHTTPStreamSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := newRelayAPIFixture(t, utCtxt, &wg)
	server := httptest.NewServer(uut.router)
	defer server.Close()

	connected := make(chan bool, 4)
	client, err := broker.NewSTOMPClient(utCtxt, "ut-stream-client", broker.STOMPClientParams{
		Dialer: transport.HTTPStreamDialer{
			URL: server.URL + "/stream", WriteTimeout: time.Second,
		},
		Host:              "localhost",
		ConnectTimeout:    time.Second,
		HeartbeatOutgoing: time.Millisecond * 100,
		HeartbeatIncoming: time.Millisecond * 100,
	}, broker.ClientCallbacks{
		OnConnect:    func() { connected <- true },
		OnDisconnect: func(err error) { connected <- false },
	}, &wg)
	assert.Nil(err)
	assert.Nil(client.Activate())
	defer func() {
		_ = client.Deactivate()
	}()
	select {
	case state := <-connected:
		assert.True(state)
	case <-time.After(time.Second * 2):
		assert.FailNow("stream client did not connect")
	}

	received := make(chan broker.Message, 4)
	_, err = client.Subscribe(codec.TopicGroupingEntities, func(msg broker.Message) { received <- msg })
	assert.Nil(err)
	assert.Eventually(func() bool {
		count, err := uut.hub.Subscribers(utCtxt, codec.TopicGroupingEntities)
		return err == nil && count == 1
	}, time.Second, time.Millisecond*10)

	// Case 1: REST publish reaches the stream session
	{
		resp := uut.call("POST", "/v1/topic/chapters", []byte(`{"action":"chapter_deleted","chapterId":7}`))
		assert.Equal(http.StatusOK, resp.Code)
		select {
		case msg := <-received:
			assert.Equal(codec.TopicGroupingEntities, msg.Topic)
			event, err := codec.Decode(msg.ContentType, msg.Body)
			assert.Nil(err)
			assert.Equal(codec.ActionParentDelete, event.Action())
			assert.EqualValues(7, event.EntityID())
		case <-time.After(time.Second * 2):
			assert.Fail("no message over stream")
		}
	}

	// Case 2: SEND from the stream session loops back
	{
		event, err := codec.NewChangeEvent(codec.ActionCreate, 11, "")
		assert.Nil(err)
		body, err := codec.Encode(codec.ContentTypeJSON, event)
		assert.Nil(err)
		assert.Nil(client.Publish(codec.TopicGroupingEntities, codec.ContentTypeJSON, body))
		select {
		case msg := <-received:
			event, err := codec.Decode(msg.ContentType, msg.Body)
			assert.Nil(err)
			assert.Equal(codec.ActionCreate, event.Action())
			assert.EqualValues(11, event.EntityID())
		case <-time.After(time.Second * 2):
			assert.Fail("no loop back over stream")
		}
	}
}
