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
	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/core"
	"github.com/apex/log"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
)

func TestNATSBridge(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	natsServer, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	assert.Nil(err)
	go natsServer.Start()
	defer natsServer.Shutdown()
	assert.True(natsServer.ReadyForConnections(time.Second * 5))

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	natsClient, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           natsServer.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
	})
	assert.Nil(err)
	defer natsClient.Close(context.Background())

	hub, err := DefineHub(utCtxt, "ut-bridge", 8, &wg)
	assert.Nil(err)
	outbound, err := hub.Attach(utCtxt, "a")
	assert.Nil(err)
	assert.Nil(hub.Subscribe("a", "sub-1", codec.TopicGroupingEntities))

	bridge, err := GetNATSBridge(utCtxt, natsClient, hub)
	assert.Nil(err)
	assert.Nil(bridge.StartReading(func(err error) {}, &wg))
	assert.NotNil(bridge.StartReading(func(err error) {}, &wg))

	publisher := GetNATSPublisher(natsClient, "ut-bridge")

	// Case 0: publish through NATS reaches the hub session
	evt, err := codec.NewChangeEvent(codec.ActionParentDelete, 7, "marine_cleanup")
	assert.Nil(err)
	assert.Nil(publisher.Publish(utCtxt, codec.TopicGroupingEntities, evt))
	frame := readOutbound(t, outbound)
	assert.Equal(codec.TopicGroupingEntities, frame.Header("destination"))
	decoded, err := codec.Decode(frame.Header("content-type"), frame.Body)
	assert.Nil(err)
	assert.Equal(evt, decoded)

	// Case 1: garbage on a topic subject is dropped
	assert.Nil(natsClient.Conn().Publish("topic.chapters", []byte("not json")))
	assertNoOutbound(t, outbound)

	// Case 2: topics that can not map to a subject are refused
	assert.NotNil(publisher.Publish(utCtxt, "/topic/a.b", evt))
}

func TestParsePostgresNotification(t *testing.T) {
	assert := assert.New(t)

	// Case 0: valid
	topic, evt, err := ParsePostgresNotification(
		`{"topic":"/topic/spaceMarines","event":{"action":"update","id":3}}`,
	)
	assert.Nil(err)
	assert.Equal(codec.TopicPrimaryEntities, topic)
	assert.Equal(codec.ActionUpdate, evt.Action())
	assert.Equal(int64(3), evt.EntityID())

	// Case 1: parent delete
	_, evt, err = ParsePostgresNotification(
		`{"topic":"/topic/chapters","event":{"action":"chapter_deleted","chapterId":9,"type":"marine_cleanup"}}`,
	)
	assert.Nil(err)
	assert.Equal(codec.ActionParentDelete, evt.Action())
	assert.Equal("marine_cleanup", evt.EntityType())

	// Case 2: missing event
	_, _, err = ParsePostgresNotification(`{"topic":"/topic/chapters"}`)
	assert.NotNil(err)

	// Case 3: bad topic
	_, _, err = ParsePostgresNotification(`{"topic":"","event":{"action":"update","id":3}}`)
	assert.NotNil(err)

	// Case 4: not JSON
	_, _, err = ParsePostgresNotification(`update 3`)
	assert.NotNil(err)

	// Case 5: bridge needs a DSN
	_, err = GetPostgresBridge(context.Background(), common.PostgresBridgeConfig{Channel: "changes"}, nil)
	assert.NotNil(err)
}
