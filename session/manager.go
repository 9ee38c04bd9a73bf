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
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/livefeed/broker"
	"github.com/alwitt/livefeed/codec"
	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// State session lifecycle state
type State int

// Session lifecycle states
const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

// String implement fmt.Stringer
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNotConnected the session has no established broker connection
var ErrNotConnected = errors.New("session not connected")

// ErrLivenessLost the periodic liveness check found the transport inactive
var ErrLivenessLost = errors.New("transport reported inactive")

// ManagerParams session manager parameters
type ManagerParams struct {
	// ClientFactory produces one broker client per connection attempt
	ClientFactory broker.ClientFactory `validate:"required"`
	// MaxReconnectAttempts is the ceiling of consecutive automatic reconnects
	MaxReconnectAttempts int `validate:"gte=0"`
	// ReconnectDelay is the fixed delay before each automatic reconnect
	ReconnectDelay time.Duration `validate:"gt=0"`
	// LivenessCheckInterval is the transport liveness sampling interval
	LivenessCheckInterval time.Duration `validate:"gt=0"`
	// ContentType is the encoding of outbound messages
	ContentType string `validate:"required"`
	// ErrorCB optionally receives isolated callback and decode failures
	ErrorCB subscription.AlertOnErrorCB
}

// ManagerParamsFromConfig build ManagerParams from the session config section
func ManagerParamsFromConfig(cfg common.SessionConfig, factory broker.ClientFactory) ManagerParams {
	return ManagerParams{
		ClientFactory:         factory,
		MaxReconnectAttempts:  cfg.Reconnect.MaxAttempts,
		ReconnectDelay:        time.Millisecond * time.Duration(cfg.Reconnect.WaitInterval),
		LivenessCheckInterval: time.Millisecond * time.Duration(cfg.LivenessCheckInterval),
		ContentType:           cfg.ContentType,
	}
}

// Manager owns the single logical connection to the message broker
//
// Every method is safe to call from any goroutine, including from inside a handler or
// observer callback. Callbacks are invoked one at a time from a single goroutine.
type Manager interface {
	// Connect start connecting. Idempotent; resets the reconnect attempt counter.
	Connect() error
	// Disconnect tear down the connection. The status is false on return and observers
	// registered at call time are told so.
	Disconnect() error
	// Destroy disconnect then drop every subscription and observer
	Destroy() error
	// Subscribe register a handler for change events on a topic
	Subscribe(topic string, handler subscription.Handler) error
	// Unsubscribe remove one handler from a topic
	Unsubscribe(topic string, handler subscription.Handler) error
	// UnsubscribeAll remove every handler from a topic
	UnsubscribeAll(topic string) error
	// OnConnectionChange register an observer. It is first called with the current state.
	OnConnectionChange(observer ConnectionObserver) error
	// OffConnectionChange remove an observer
	OffConnectionChange(observer ConnectionObserver) error
	// Send publish a message on a topic. Returns ErrNotConnected when disconnected.
	Send(topic string, body interface{}) error
	// GetConnectionStatus whether the session is connected
	GetConnectionStatus() bool
	// State the lifecycle state
	State() State
	// ReconnectAttempts consecutive automatic reconnect attempts made so far
	ReconnectAttempts() int
}

// ==============================================================================
// event loop tasks

type clientConnectedEvent struct {
	generation uint64
}

type clientLostEvent struct {
	generation uint64
	err        error
	protocol   bool
}

type inboundMessageEvent struct {
	generation uint64
	msg        broker.Message
}

type livenessTickEvent struct{}

type reconnectDueEvent struct {
	generation uint64
}

type bindTopicRequest struct {
	topic string
}

type unbindTopicRequest struct {
	topic string
}

type observerReplayRequest struct {
	observer ConnectionObserver
}

type observerNotifyRequest struct {
	connected       bool
	observers       []ConnectionObserver
	checkMembership bool
}

// ==============================================================================

// sessionInstance one broker client and its server side bindings
type sessionInstance struct {
	generation  uint64
	client      broker.Client
	established bool
	lost        bool
	// bound only touched from the event loop
	bound map[string]broker.Subscription
}

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	params         ManagerParams
	ctxt           context.Context
	tp             common.TaskProcessor
	registry       subscription.Registry
	observers      *observerList
	livenessTimer  common.IntervalTimer
	reconnectTimer common.IntervalTimer

	lock       sync.Mutex
	state      State
	connected  bool
	attempts   int
	generation uint64
	current    *sessionInstance
}

// DefineManager create new session manager
func DefineManager(
	ctxt context.Context, name string, params ManagerParams, wg *sync.WaitGroup,
) (Manager, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	if _, err := codec.NormalizeContentType(params.ContentType); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "session", "component": "manager", "instance": name,
	}
	tp, err := common.GetNewTaskProcessorInstance(name, ctxt)
	if err != nil {
		return nil, err
	}
	livenessTimer, err := common.GetIntervalTimerInstance(fmt.Sprintf("%s.liveness", name), ctxt, wg)
	if err != nil {
		return nil, err
	}
	reconnectTimer, err := common.GetIntervalTimerInstance(fmt.Sprintf("%s.reconnect", name), ctxt, wg)
	if err != nil {
		return nil, err
	}
	instance := &managerImpl{
		Component:      common.Component{LogTags: logTags},
		params:         params,
		ctxt:           ctxt,
		tp:             tp,
		observers:      &observerList{},
		livenessTimer:  livenessTimer,
		reconnectTimer: reconnectTimer,
		state:          StateIdle,
	}
	instance.registry = subscription.DefineRegistry(name, instance.reportError)

	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(clientConnectedEvent{}):  instance.processClientConnected,
		reflect.TypeOf(clientLostEvent{}):       instance.processClientLost,
		reflect.TypeOf(inboundMessageEvent{}):   instance.processInboundMessage,
		reflect.TypeOf(livenessTickEvent{}):     instance.processLivenessTick,
		reflect.TypeOf(reconnectDueEvent{}):     instance.processReconnectDue,
		reflect.TypeOf(bindTopicRequest{}):      instance.processBindTopic,
		reflect.TypeOf(unbindTopicRequest{}):    instance.processUnbindTopic,
		reflect.TypeOf(observerReplayRequest{}): instance.processObserverReplay,
		reflect.TypeOf(observerNotifyRequest{}): instance.processObserverNotify,
	}); err != nil {
		return nil, err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		return nil, err
	}
	return instance, nil
}

func (m *managerImpl) submit(task interface{}) error {
	if err := m.tp.Submit(task); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to submit %s", reflect.TypeOf(task))
		return err
	}
	return nil
}

func (m *managerImpl) reportError(err error) {
	if m.params.ErrorCB != nil {
		m.params.ErrorCB(err)
	}
}

// setConnectedLocked update the connection status; returns whether it changed
func (m *managerImpl) setConnectedLocked(connected bool) bool {
	if m.connected == connected {
		return false
	}
	m.connected = connected
	return true
}

// activateLocked start a new broker client as a new session generation
func (m *managerImpl) activateLocked() {
	m.generation++
	generation := m.generation
	inst := &sessionInstance{
		generation: generation,
		bound:      make(map[string]broker.Subscription),
	}
	m.current = inst
	m.state = StateConnecting
	client, err := m.params.ClientFactory(broker.ClientCallbacks{
		OnConnect: func() {
			_ = m.submit(clientConnectedEvent{generation: generation})
		},
		OnDisconnect: func(err error) {
			_ = m.submit(clientLostEvent{generation: generation, err: err})
		},
		OnProtocolError: func(err error) {
			_ = m.submit(clientLostEvent{generation: generation, err: err, protocol: true})
		},
	})
	if err == nil {
		inst.client = client
		err = client.Activate()
	}
	if err != nil {
		// Setup failures follow the same path as a lost transport
		_ = m.submit(clientLostEvent{generation: generation, err: err})
	}
}

// ==============================================================================
// Public API

func (m *managerImpl) Connect() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.ctxt.Err(); err != nil {
		return err
	}
	m.attempts = 0
	if m.state == StateConnecting || m.state == StateConnected {
		return nil
	}
	log.WithFields(m.LogTags).Info("Connecting")
	_ = m.reconnectTimer.Stop()
	m.activateLocked()
	if !m.livenessTimer.Active() {
		if err := m.livenessTimer.Start(
			m.params.LivenessCheckInterval,
			func() error { return m.tp.Submit(livenessTickEvent{}) },
			false,
		); err != nil {
			log.WithError(err).WithFields(m.LogTags).Error("Unable to start liveness check")
		}
	}
	return nil
}

// teardown stop timers and detach the current instance
func (m *managerImpl) teardown(nextState State) *sessionInstance {
	m.lock.Lock()
	defer m.lock.Unlock()
	_ = m.livenessTimer.Stop()
	_ = m.reconnectTimer.Stop()
	inst := m.current
	m.current = nil
	m.connected = false
	if nextState == StateIdle || m.state != StateIdle {
		m.state = nextState
	}
	return inst
}

func (m *managerImpl) Disconnect() error {
	log.WithFields(m.LogTags).Info("Disconnecting")
	inst := m.teardown(StateDisconnected)
	snapshot := m.observers.snapshot()
	if inst != nil && inst.client != nil {
		if err := inst.client.Deactivate(); err != nil {
			log.WithError(err).WithFields(m.LogTags).Warn("Broker client deactivate failed")
		}
	}
	_ = m.submit(observerNotifyRequest{connected: false, observers: snapshot, checkMembership: true})
	return nil
}

func (m *managerImpl) Destroy() error {
	log.WithFields(m.LogTags).Info("Destroying")
	inst := m.teardown(StateIdle)
	m.lock.Lock()
	m.attempts = 0
	m.lock.Unlock()
	m.registry.Clear()
	snapshot := m.observers.snapshot()
	m.observers.clear()
	if inst != nil && inst.client != nil {
		if err := inst.client.Deactivate(); err != nil {
			log.WithError(err).WithFields(m.LogTags).Warn("Broker client deactivate failed")
		}
	}
	_ = m.submit(observerNotifyRequest{connected: false, observers: snapshot, checkMembership: false})
	return nil
}

func (m *managerImpl) Subscribe(topic string, handler subscription.Handler) error {
	if err := common.ValidateTopicName(topic); err != nil {
		return err
	}
	if _, err := m.registry.Add(topic, handler); err != nil {
		return err
	}
	return m.submit(bindTopicRequest{topic: topic})
}

func (m *managerImpl) Unsubscribe(topic string, handler subscription.Handler) error {
	if m.registry.Remove(topic, handler) {
		return m.submit(unbindTopicRequest{topic: topic})
	}
	return nil
}

func (m *managerImpl) UnsubscribeAll(topic string) error {
	if m.registry.RemoveAll(topic) {
		return m.submit(unbindTopicRequest{topic: topic})
	}
	return nil
}

func (m *managerImpl) OnConnectionChange(observer ConnectionObserver) error {
	if observer == nil {
		return fmt.Errorf("nil connection observer")
	}
	if !common.ComparableCallback(observer) {
		return fmt.Errorf("connection observer type %T is not comparable", observer)
	}
	if !m.observers.add(observer) {
		return nil
	}
	return m.submit(observerReplayRequest{observer: observer})
}

func (m *managerImpl) OffConnectionChange(observer ConnectionObserver) error {
	m.observers.remove(observer)
	return nil
}

func (m *managerImpl) Send(topic string, body interface{}) error {
	if err := common.ValidateTopicName(topic); err != nil {
		return err
	}
	m.lock.Lock()
	inst := m.current
	ready := m.connected && inst != nil && !inst.lost && inst.client != nil
	m.lock.Unlock()
	if !ready {
		log.WithFields(m.LogTags).Warnf("Not connected, dropping message to %s", topic)
		return ErrNotConnected
	}
	payload, err := codec.Encode(m.params.ContentType, body)
	if err != nil {
		return err
	}
	return inst.client.Publish(topic, m.params.ContentType, payload)
}

func (m *managerImpl) GetConnectionStatus() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.connected
}

func (m *managerImpl) State() State {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

func (m *managerImpl) ReconnectAttempts() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.attempts
}

// ==============================================================================
// Event loop processing

// establish handle a session becoming established
//
// Subscriptions are replayed once per session instance, whichever of the connect
// callback or the liveness check observes the session first.
func (m *managerImpl) establish(generation uint64) error {
	m.lock.Lock()
	inst := m.current
	if inst == nil || inst.generation != generation || inst.lost {
		m.lock.Unlock()
		log.WithFields(m.LogTags).Debugf("Ignoring stale connect of session %d", generation)
		return nil
	}
	m.state = StateConnected
	m.attempts = 0
	changed := m.setConnectedLocked(true)
	replay := !inst.established
	inst.established = true
	m.lock.Unlock()

	if replay {
		log.WithFields(m.LogTags).Infof("Session %d established", generation)
		for _, topic := range m.registry.Topics() {
			m.bindTopic(inst, topic)
		}
	}
	if changed {
		m.deliverConnectionChange(m.observers.snapshot(), true, true)
	}
	return nil
}

// handleLost handle a session ending; schedules a reconnect while under the ceiling
func (m *managerImpl) handleLost(generation uint64, cause error, protocol bool) error {
	m.lock.Lock()
	inst := m.current
	if inst == nil || inst.generation != generation || inst.lost {
		m.lock.Unlock()
		log.WithError(cause).WithFields(m.LogTags).Debugf(
			"Ignoring stale loss of session %d", generation,
		)
		return nil
	}
	inst.lost = true
	m.state = StateDisconnected
	changed := m.setConnectedLocked(false)
	scheduled := false
	if m.attempts < m.params.MaxReconnectAttempts {
		m.attempts++
		scheduled = true
		if err := m.reconnectTimer.Start(
			m.params.ReconnectDelay,
			func() error { return m.tp.Submit(reconnectDueEvent{generation: generation}) },
			true,
		); err != nil {
			log.WithError(err).WithFields(m.LogTags).Error("Unable to schedule reconnect")
		}
	} else {
		// Nothing left to supervise until the next manual connect
		_ = m.livenessTimer.Stop()
	}
	attempts := m.attempts
	m.lock.Unlock()

	if protocol {
		log.WithError(cause).WithFields(m.LogTags).Errorf("Session %d protocol failure", generation)
	} else {
		log.WithError(cause).WithFields(m.LogTags).Warnf("Session %d lost", generation)
	}
	if scheduled {
		log.WithFields(m.LogTags).Infof(
			"Reconnect attempt %d/%d in %s",
			attempts,
			m.params.MaxReconnectAttempts,
			m.params.ReconnectDelay,
		)
	} else {
		log.WithFields(m.LogTags).Errorf(
			"Giving up after %d reconnect attempts", m.params.MaxReconnectAttempts,
		)
	}
	if inst.client != nil {
		_ = inst.client.Deactivate()
	}
	if changed {
		m.deliverConnectionChange(m.observers.snapshot(), false, true)
	}
	return nil
}

// activeInstance the current instance when it is established and live
func (m *managerImpl) activeInstance() *sessionInstance {
	m.lock.Lock()
	defer m.lock.Unlock()
	inst := m.current
	if inst == nil || !inst.established || inst.lost || inst.client == nil {
		return nil
	}
	return inst
}

// bindTopic create the server side binding of a topic on a session instance
func (m *managerImpl) bindTopic(inst *sessionInstance, topic string) {
	if _, ok := inst.bound[topic]; ok {
		return
	}
	if len(m.registry.Handlers(topic)) == 0 {
		return
	}
	generation := inst.generation
	sub, err := inst.client.Subscribe(topic, func(msg broker.Message) {
		_ = m.submit(inboundMessageEvent{generation: generation, msg: msg})
	})
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to bind %s", topic)
		return
	}
	inst.bound[topic] = sub
	log.WithFields(m.LogTags).Debugf("Bound %s on session %d", topic, generation)
}

func (m *managerImpl) processClientConnected(param interface{}) error {
	return m.establish(param.(clientConnectedEvent).generation)
}

func (m *managerImpl) processClientLost(param interface{}) error {
	evt := param.(clientLostEvent)
	return m.handleLost(evt.generation, evt.err, evt.protocol)
}

func (m *managerImpl) processInboundMessage(param interface{}) error {
	evt := param.(inboundMessageEvent)
	m.lock.Lock()
	inst := m.current
	stale := inst == nil || inst.generation != evt.generation || inst.lost
	m.lock.Unlock()
	if stale {
		log.WithFields(m.LogTags).Debugf(
			"Dropping message on %s from stale session %d", evt.msg.Topic, evt.generation,
		)
		return nil
	}
	event, err := codec.Decode(evt.msg.ContentType, evt.msg.Body)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Dropping message on %s", evt.msg.Topic)
		m.reportError(err)
		return nil
	}
	delivered := m.registry.Dispatch(evt.msg.Topic, event)
	log.WithFields(m.LogTags).Debugf("%s on %s delivered to %d", event, evt.msg.Topic, delivered)
	return nil
}

func (m *managerImpl) processLivenessTick(param interface{}) error {
	m.lock.Lock()
	inst := m.current
	sampled := false
	generation := uint64(0)
	if inst != nil && !inst.lost && inst.client != nil {
		sampled = inst.client.Connected()
		generation = inst.generation
	}
	previous := m.connected
	m.lock.Unlock()

	if sampled == previous {
		return nil
	}
	if sampled {
		return m.establish(generation)
	}
	return m.handleLost(generation, ErrLivenessLost, false)
}

func (m *managerImpl) processReconnectDue(param interface{}) error {
	evt := param.(reconnectDueEvent)
	m.lock.Lock()
	defer m.lock.Unlock()
	inst := m.current
	if inst == nil || inst.generation != evt.generation || !inst.lost {
		return nil
	}
	log.WithFields(m.LogTags).Infof(
		"Reconnecting (attempt %d/%d)", m.attempts, m.params.MaxReconnectAttempts,
	)
	m.activateLocked()
	return nil
}

func (m *managerImpl) processBindTopic(param interface{}) error {
	inst := m.activeInstance()
	if inst == nil {
		// Bound on the next session establishment
		return nil
	}
	m.bindTopic(inst, param.(bindTopicRequest).topic)
	return nil
}

func (m *managerImpl) processUnbindTopic(param interface{}) error {
	topic := param.(unbindTopicRequest).topic
	if len(m.registry.Handlers(topic)) > 0 {
		return nil
	}
	inst := m.activeInstance()
	if inst == nil {
		return nil
	}
	sub, ok := inst.bound[topic]
	if !ok {
		return nil
	}
	delete(inst.bound, topic)
	if err := sub.Unsubscribe(); err != nil {
		log.WithError(err).WithFields(m.LogTags).Warnf("Unable to unbind %s", topic)
	}
	return nil
}

func (m *managerImpl) processObserverReplay(param interface{}) error {
	observer := param.(observerReplayRequest).observer
	if !m.observers.markReady(observer) {
		return nil
	}
	m.lock.Lock()
	connected := m.connected
	m.lock.Unlock()
	m.notifyObserver(observer, connected)
	return nil
}

func (m *managerImpl) processObserverNotify(param interface{}) error {
	req := param.(observerNotifyRequest)
	m.deliverConnectionChange(req.observers, req.connected, req.checkMembership)
	return nil
}

// deliverConnectionChange notify observers in order, skipping those removed meanwhile
func (m *managerImpl) deliverConnectionChange(
	observers []ConnectionObserver, connected bool, checkMembership bool,
) {
	for _, observer := range observers {
		if checkMembership && !m.observers.isReady(observer) {
			continue
		}
		m.notifyObserver(observer, connected)
	}
}

func (m *managerImpl) notifyObserver(observer ConnectionObserver, connected bool) {
	if err := invokeObserver(observer, connected); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Connection observer failed")
		m.reportError(err)
	}
}
