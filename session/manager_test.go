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

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livefeed/broker"
	"github.com/alwitt/livefeed/codec"
	"github.com/alwitt/livefeed/subscription"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// fakeClient scripted broker client
type fakeClient struct {
	lock        sync.Mutex
	callbacks   broker.ClientCallbacks
	connected   bool
	activated   bool
	deactivated bool
	handlers    map[string]broker.MessageHandlerCB
	published   []broker.Message
}

type fakeSubscription struct {
	client *fakeClient
	topic  string
}

func (s *fakeSubscription) Topic() string {
	return s.topic
}

func (s *fakeSubscription) Unsubscribe() error {
	s.client.lock.Lock()
	defer s.client.lock.Unlock()
	delete(s.client.handlers, s.topic)
	return nil
}

func (c *fakeClient) Activate() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.activated = true
	return nil
}

func (c *fakeClient) Deactivate() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.deactivated = true
	c.connected = false
	return nil
}

func (c *fakeClient) Connected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.connected
}

func (c *fakeClient) Subscribe(topic string, handler broker.MessageHandlerCB) (broker.Subscription, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.connected {
		return nil, broker.ErrNotConnected
	}
	c.handlers[topic] = handler
	return &fakeSubscription{client: c, topic: topic}, nil
}

func (c *fakeClient) Publish(topic string, contentType string, body []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.connected {
		return broker.ErrNotConnected
	}
	c.published = append(c.published, broker.Message{Topic: topic, ContentType: contentType, Body: body})
	return nil
}

// establish complete the handshake
func (c *fakeClient) establish() {
	c.lock.Lock()
	c.connected = true
	c.lock.Unlock()
	c.callbacks.OnConnect()
}

// drop lose the transport and report it
func (c *fakeClient) drop(err error) {
	c.lock.Lock()
	c.connected = false
	c.lock.Unlock()
	c.callbacks.OnDisconnect(err)
}

// setConnected change the transport state without a callback
func (c *fakeClient) setConnected(connected bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.connected = connected
}

func (c *fakeClient) deliver(topic string, contentType string, body string) bool {
	c.lock.Lock()
	handler, ok := c.handlers[topic]
	c.lock.Unlock()
	if ok {
		handler(broker.Message{Topic: topic, ContentType: contentType, Body: []byte(body)})
	}
	return ok
}

func (c *fakeClient) boundTopics() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := []string{}
	for topic := range c.handlers {
		result = append(result, topic)
	}
	sort.Strings(result)
	return result
}

// fakeFactory produce fakeClients and remember them
type fakeFactory struct {
	lock      sync.Mutex
	clients   []*fakeClient
	failSetup bool
}

func (f *fakeFactory) factory(callbacks broker.ClientCallbacks) (broker.Client, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.failSetup {
		f.clients = append(f.clients, nil)
		return nil, errors.New("dial refused")
	}
	client := &fakeClient{callbacks: callbacks, handlers: make(map[string]broker.MessageHandlerCB)}
	f.clients = append(f.clients, client)
	return client, nil
}

func (f *fakeFactory) count() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) latest() *fakeClient {
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

func (f *fakeFactory) setFailSetup(fail bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.failSetup = fail
}

// uncomparableObserver an observer whose value form can not be compared
type uncomparableObserver struct {
	seen []bool
}

func (o uncomparableObserver) OnConnectionChange(connected bool) {}

// stateRecorder record connection observer deliveries
type stateRecorder struct {
	lock   sync.Mutex
	values []bool
}

func (r *stateRecorder) OnConnectionChange(connected bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.values = append(r.values, connected)
}

func (r *stateRecorder) seen() []bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]bool{}, r.values...)
}

// eventRecorder record change events per topic
type eventRecorder struct {
	lock   sync.Mutex
	events []codec.ChangeEvent
}

func (r *eventRecorder) OnChangeEvent(topic string, event codec.ChangeEvent) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) seen() []codec.ChangeEvent {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]codec.ChangeEvent{}, r.events...)
}

func testManagerParams(factory *fakeFactory, maxAttempts int) ManagerParams {
	return ManagerParams{
		ClientFactory:         factory.factory,
		MaxReconnectAttempts:  maxAttempts,
		ReconnectDelay:        time.Millisecond * 20,
		LivenessCheckInterval: time.Millisecond * 5,
		ContentType:           codec.ContentTypeJSON,
	}
}

const (
	testWait = time.Second * 2
	testTick = time.Millisecond * 5
)

func TestSessionManagerParams(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	factory := &fakeFactory{}

	// Case 0: missing factory
	{
		params := testManagerParams(factory, 3)
		params.ClientFactory = nil
		_, err := DefineManager(utCtxt, "ut-params", params, &wg)
		assert.NotNil(err)
	}

	// Case 1: unsupported content type
	{
		params := testManagerParams(factory, 3)
		params.ContentType = "text/xml"
		_, err := DefineManager(utCtxt, "ut-params", params, &wg)
		assert.NotNil(err)
	}

	// Case 2: zero reconnect delay
	{
		params := testManagerParams(factory, 3)
		params.ReconnectDelay = 0
		_, err := DefineManager(utCtxt, "ut-params", params, &wg)
		assert.NotNil(err)
	}
}

func TestSessionResubscribeOnReconnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	factory := &fakeFactory{}
	uut, err := DefineManager(utCtxt, "ut-resubscribe", testManagerParams(factory, 5), &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Destroy())
	}()

	handlerA := &eventRecorder{}
	handlerB := &eventRecorder{}
	handlerC := &eventRecorder{}

	// Case 0: subscribe before connecting
	assert.Nil(uut.Subscribe("/topic/a", handlerA))
	assert.Nil(uut.Subscribe("/topic/b", handlerB))
	assert.Equal(StateIdle, uut.State())

	// Case 1: connect binds every registered topic
	assert.Nil(uut.Connect())
	assert.Eventually(func() bool { return factory.count() == 1 }, testWait, testTick)
	first := factory.latest()
	first.establish()
	assert.Eventually(func() bool {
		return fmt.Sprint(first.boundTopics()) == "[/topic/a /topic/b]"
	}, testWait, testTick)
	assert.True(uut.GetConnectionStatus())
	assert.Equal(StateConnected, uut.State())

	// Case 2: connect again is a no-op
	assert.Nil(uut.Connect())
	time.Sleep(time.Millisecond * 30)
	assert.Equal(1, factory.count())

	// Case 3: subscribing while connected binds immediately
	assert.Nil(uut.Subscribe("/topic/c", handlerC))
	assert.Eventually(func() bool {
		return fmt.Sprint(first.boundTopics()) == "[/topic/a /topic/b /topic/c]"
	}, testWait, testTick)

	// Case 4: transport loss leads to a new session with all topics bound again
	first.drop(errors.New("socket reset"))
	assert.Eventually(func() bool { return factory.count() == 2 }, testWait, testTick)
	assert.False(uut.GetConnectionStatus())
	second := factory.latest()
	assert.Empty(second.boundTopics())
	second.establish()
	assert.Eventually(func() bool {
		return fmt.Sprint(second.boundTopics()) == "[/topic/a /topic/b /topic/c]"
	}, testWait, testTick)
	assert.Equal(0, uut.ReconnectAttempts())

	// Case 5: removing the last handler of a topic unbinds it
	assert.Nil(uut.Unsubscribe("/topic/b", handlerB))
	assert.Eventually(func() bool {
		return fmt.Sprint(second.boundTopics()) == "[/topic/a /topic/c]"
	}, testWait, testTick)
	assert.Nil(uut.UnsubscribeAll("/topic/c"))
	assert.Eventually(func() bool {
		return fmt.Sprint(second.boundTopics()) == "[/topic/a]"
	}, testWait, testTick)

	// Case 6: manual disconnect and reconnect keeps the remaining registrations
	assert.Nil(uut.Disconnect())
	assert.False(uut.GetConnectionStatus())
	assert.Equal(StateDisconnected, uut.State())
	time.Sleep(time.Millisecond * 50)
	assert.Equal(2, factory.count())
	assert.Nil(uut.Connect())
	assert.Eventually(func() bool { return factory.count() == 3 }, testWait, testTick)
	third := factory.latest()
	third.establish()
	assert.Eventually(func() bool {
		return fmt.Sprint(third.boundTopics()) == "[/topic/a]"
	}, testWait, testTick)
}

func TestSessionConnectionObservers(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	factory := &fakeFactory{}
	uut, err := DefineManager(utCtxt, "ut-observers", testManagerParams(factory, 5), &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Destroy())
	}()

	// Case 0: a new observer is told the current state
	first := &stateRecorder{}
	assert.Nil(uut.OnConnectionChange(first))
	assert.Eventually(func() bool { return len(first.seen()) == 1 }, testWait, testTick)
	assert.Equal([]bool{false}, first.seen())

	// Case 1: duplicate registration changes nothing
	assert.Nil(uut.OnConnectionChange(first))

	// Case 2: connected transition fires once despite many liveness ticks
	assert.Nil(uut.Connect())
	assert.Eventually(func() bool { return factory.count() == 1 }, testWait, testTick)
	factory.latest().establish()
	assert.Eventually(func() bool { return len(first.seen()) == 2 }, testWait, testTick)
	time.Sleep(time.Millisecond * 100)
	assert.Equal([]bool{false, true}, first.seen())

	// Case 3: late observer sees connected
	second := &stateRecorder{}
	assert.Nil(uut.OnConnectionChange(second))
	assert.Eventually(func() bool { return len(second.seen()) == 1 }, testWait, testTick)
	assert.Equal([]bool{true}, second.seen())

	// Case 4: silent transport loss is found by the liveness check
	factory.latest().setConnected(false)
	assert.Eventually(func() bool { return len(first.seen()) == 3 }, testWait, testTick)
	assert.Equal([]bool{false, true, false}, first.seen())
	assert.Equal([]bool{true, false}, second.seen())
	assert.Eventually(func() bool { return factory.count() == 2 }, testWait, testTick)

	// Case 5: removed observers stop receiving
	assert.Nil(uut.OffConnectionChange(second))
	factory.latest().establish()
	assert.Eventually(func() bool { return len(first.seen()) == 4 }, testWait, testTick)
	time.Sleep(time.Millisecond * 30)
	assert.Equal([]bool{true, false}, second.seen())

	// Case 6: explicit disconnect always reports disconnected
	assert.Nil(uut.Disconnect())
	// status flips before Disconnect returns; observers hear about it from the event loop
	assert.False(uut.GetConnectionStatus())
	assert.Eventually(func() bool { return len(first.seen()) == 5 }, testWait, testTick)
	assert.Equal([]bool{false, true, false, true, false}, first.seen())
	assert.Nil(uut.Disconnect())
	assert.Eventually(func() bool { return len(first.seen()) == 6 }, testWait, testTick)
	assert.False(first.seen()[5])

	// Case 7: observers that can not be matched for removal are refused
	assert.NotNil(uut.OnConnectionChange(uncomparableObserver{}))
	assert.Nil(uut.OnConnectionChange(&uncomparableObserver{}))
}

func TestSessionReconnectCeiling(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	factory := &fakeFactory{failSetup: true}
	uut, err := DefineManager(utCtxt, "ut-ceiling", testManagerParams(factory, 3), &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Destroy())
	}()

	// Case 0: initial attempt plus three automatic attempts, then nothing
	assert.Nil(uut.Connect())
	assert.Eventually(func() bool { return factory.count() == 4 }, testWait, testTick)
	time.Sleep(time.Millisecond * 100)
	assert.Equal(4, factory.count())
	assert.Equal(3, uut.ReconnectAttempts())
	assert.Equal(StateDisconnected, uut.State())
	assert.False(uut.GetConnectionStatus())
	impl, ok := uut.(*managerImpl)
	assert.True(ok)
	assert.Eventually(func() bool { return !impl.livenessTimer.Active() }, testWait, testTick)

	// Case 1: manual connect resets the counter and succeeds
	factory.setFailSetup(false)
	assert.Nil(uut.Connect())
	assert.True(impl.livenessTimer.Active())
	assert.Eventually(func() bool { return factory.count() == 5 }, testWait, testTick)
	assert.Equal(0, uut.ReconnectAttempts())
	factory.latest().establish()
	assert.Eventually(uut.GetConnectionStatus, testWait, testTick)

	// Case 2: a lost session starts counting again from zero
	factory.setFailSetup(true)
	factory.latest().drop(errors.New("server closed"))
	assert.Eventually(func() bool { return factory.count() == 8 }, testWait, testTick)
	time.Sleep(time.Millisecond * 100)
	assert.Equal(8, factory.count())
	assert.Equal(3, uut.ReconnectAttempts())
}

func TestSessionInboundDispatch(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	errLock := sync.Mutex{}
	reported := []error{}
	factory := &fakeFactory{}
	params := testManagerParams(factory, 3)
	params.ErrorCB = func(err error) {
		errLock.Lock()
		defer errLock.Unlock()
		reported = append(reported, err)
	}
	reportedCount := func() int {
		errLock.Lock()
		defer errLock.Unlock()
		return len(reported)
	}
	uut, err := DefineManager(utCtxt, "ut-inbound", params, &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Destroy())
	}()

	marines := &eventRecorder{}
	chapters := &eventRecorder{}
	panicky := subscription.NewHandler(func(topic string, event codec.ChangeEvent) error {
		panic("consumer bug")
	})
	assert.Nil(uut.Subscribe(codec.TopicPrimaryEntities, panicky))
	assert.Nil(uut.Subscribe(codec.TopicPrimaryEntities, marines))
	assert.Nil(uut.Subscribe(codec.TopicGroupingEntities, chapters))
	assert.Nil(uut.Connect())
	assert.Eventually(func() bool { return factory.count() == 1 }, testWait, testTick)
	client := factory.latest()
	client.establish()
	assert.Eventually(func() bool { return len(client.boundTopics()) == 2 }, testWait, testTick)

	// Case 0: a create event reaches the marine handler once despite the panicking one
	assert.True(client.deliver(codec.TopicPrimaryEntities, "application/json", `{"action":"create","id":42}`))
	assert.Eventually(func() bool { return len(marines.seen()) == 1 }, testWait, testTick)
	evt := marines.seen()[0]
	assert.Equal(codec.ActionCreate, evt.Action())
	assert.Equal(int64(42), evt.EntityID())
	assert.Eventually(func() bool { return reportedCount() == 1 }, testWait, testTick)
	assert.Empty(chapters.seen())

	// Case 1: malformed frame is dropped and the session stays up
	assert.True(client.deliver(codec.TopicGroupingEntities, "application/json", `{"action":`))
	assert.Eventually(func() bool { return reportedCount() == 2 }, testWait, testTick)
	errLock.Lock()
	var codecErr *codec.CodecError
	assert.True(errors.As(reported[1], &codecErr))
	errLock.Unlock()
	assert.True(uut.GetConnectionStatus())

	// Case 2: later frames still flow
	assert.True(client.deliver(codec.TopicGroupingEntities, "", `{"action":"chapter_deleted","chapterId":7}`))
	assert.Eventually(func() bool { return len(chapters.seen()) == 1 }, testWait, testTick)
	assert.Equal(codec.ActionParentDelete, chapters.seen()[0].Action())
	assert.Equal(int64(7), chapters.seen()[0].EntityID())

	// Case 3: messages from a replaced session are ignored
	client.drop(errors.New("reset"))
	assert.Eventually(func() bool { return factory.count() == 2 }, testWait, testTick)
	client.setConnected(true)
	client.deliver(codec.TopicGroupingEntities, "", `{"action":"update","id":8}`)
	time.Sleep(time.Millisecond * 30)
	assert.Len(chapters.seen(), 1)
}

func TestSessionSend(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	factory := &fakeFactory{}
	uut, err := DefineManager(utCtxt, "ut-send", testManagerParams(factory, 3), &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Destroy())
	}()

	evt, err := codec.NewChangeEvent(codec.ActionDelete, 5, "")
	assert.Nil(err)

	// Case 0: send while disconnected is refused, not queued
	assert.ErrorIs(uut.Send(codec.TopicPrimaryEntities, evt), ErrNotConnected)

	// Case 1: send while connected publishes the wire form
	assert.Nil(uut.Connect())
	assert.Eventually(func() bool { return factory.count() == 1 }, testWait, testTick)
	client := factory.latest()
	client.establish()
	assert.Eventually(uut.GetConnectionStatus, testWait, testTick)
	assert.Nil(uut.Send(codec.TopicPrimaryEntities, evt))
	client.lock.Lock()
	assert.Len(client.published, 1)
	assert.Equal(codec.TopicPrimaryEntities, client.published[0].Topic)
	assert.JSONEq(`{"action":"delete","id":5}`, string(client.published[0].Body))
	client.lock.Unlock()

	// Case 2: invalid topic
	assert.NotNil(uut.Send("bad topic", evt))

	// Case 3: send after disconnect is refused
	assert.Nil(uut.Disconnect())
	assert.ErrorIs(uut.Send(codec.TopicPrimaryEntities, evt), ErrNotConnected)
}

func TestSessionReentrantCallbacks(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	factory := &fakeFactory{}
	uut, err := DefineManager(utCtxt, "ut-reentrant", testManagerParams(factory, 3), &wg)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Destroy())
	}()

	late := &eventRecorder{}
	var self subscription.Handler
	self = subscription.NewHandler(func(topic string, event codec.ChangeEvent) error {
		// Swap this handler for another from inside dispatch
		if err := uut.Unsubscribe(topic, self); err != nil {
			return err
		}
		return uut.Subscribe(topic, late)
	})
	observed := &stateRecorder{}
	var watcher ConnectionObserver
	watcher = NewConnectionObserver(func(connected bool) {
		if connected {
			_ = uut.OffConnectionChange(watcher)
			_ = uut.OnConnectionChange(observed)
		}
	})

	assert.Nil(uut.Subscribe(codec.TopicPrimaryEntities, self))
	assert.Nil(uut.OnConnectionChange(watcher))
	assert.Nil(uut.Connect())
	assert.Eventually(func() bool { return factory.count() == 1 }, testWait, testTick)
	client := factory.latest()
	client.establish()

	// Case 0: observer registered from another observer sees the current state
	assert.Eventually(func() bool { return len(observed.seen()) == 1 }, testWait, testTick)
	assert.Equal([]bool{true}, observed.seen())

	// Case 1: handler swap from inside dispatch keeps the topic bound
	assert.Eventually(func() bool { return len(client.boundTopics()) == 1 }, testWait, testTick)
	client.deliver(codec.TopicPrimaryEntities, "", `{"action":"update","id":1}`)
	assert.Eventually(func() bool {
		return fmt.Sprint(client.boundTopics()) == "["+codec.TopicPrimaryEntities+"]"
	}, testWait, testTick)
	assert.Empty(late.seen())
	client.deliver(codec.TopicPrimaryEntities, "", `{"action":"update","id":2}`)
	assert.Eventually(func() bool { return len(late.seen()) == 1 }, testWait, testTick)
	assert.Equal(int64(2), late.seen()[0].EntityID())
}

func TestSessionDestroy(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	factory := &fakeFactory{}
	uut, err := DefineManager(utCtxt, "ut-destroy", testManagerParams(factory, 3), &wg)
	assert.Nil(err)

	handler := &eventRecorder{}
	observer := &stateRecorder{}
	assert.Nil(uut.Subscribe(codec.TopicPrimaryEntities, handler))
	assert.Nil(uut.OnConnectionChange(observer))
	assert.Nil(uut.Connect())
	assert.Eventually(func() bool { return factory.count() == 1 }, testWait, testTick)
	client := factory.latest()
	client.establish()
	assert.Eventually(func() bool { return len(observer.seen()) == 2 }, testWait, testTick)

	// Case 0: destroy reports disconnected to the observers it removes
	assert.Nil(uut.Destroy())
	assert.Eventually(func() bool { return len(observer.seen()) == 3 }, testWait, testTick)
	assert.Equal([]bool{false, true, false}, observer.seen())
	assert.Equal(StateIdle, uut.State())
	client.lock.Lock()
	assert.True(client.deactivated)
	client.lock.Unlock()

	// Case 1: a fresh connect binds nothing and notifies nobody
	assert.Nil(uut.Connect())
	assert.Eventually(func() bool { return factory.count() == 2 }, testWait, testTick)
	next := factory.latest()
	next.establish()
	assert.Eventually(uut.GetConnectionStatus, testWait, testTick)
	time.Sleep(time.Millisecond * 30)
	assert.Empty(next.boundTopics())
	assert.Len(observer.seen(), 3)
	assert.Nil(uut.Destroy())
}
