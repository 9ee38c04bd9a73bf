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

package subscription

import (
	"fmt"
	"sync"

	"github.com/alwitt/livefeed/codec"
	"github.com/alwitt/livefeed/common"
	"github.com/apex/log"
)

// Handler receives change events delivered on a topic
type Handler interface {
	// OnChangeEvent process one change event
	OnChangeEvent(topic string, event codec.ChangeEvent) error
}

// HandlerFunc function form of a Handler
type HandlerFunc func(topic string, event codec.ChangeEvent) error

// funcHandler adapts a HandlerFunc. Registrations are identified by the adapter pointer.
type funcHandler struct {
	fn HandlerFunc
}

func (h *funcHandler) OnChangeEvent(topic string, event codec.ChangeEvent) error {
	return h.fn(topic, event)
}

// NewHandler wrap a function as a Handler
//
// Each call returns a distinct registration; keep the result to unsubscribe later.
func NewHandler(fn HandlerFunc) Handler {
	return &funcHandler{fn: fn}
}

// AlertOnErrorCB callback for reporting isolated callback failures
type AlertOnErrorCB func(err error)

// CallbackError a registered callback failed during delivery
type CallbackError struct {
	// Topic is the topic being delivered, empty for connection observers
	Topic string
	// Err is the error the callback returned
	Err error
	// Panic is the value the callback panicked with
	Panic interface{}
}

// Error implement error
func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("callback on '%s' panicked: %v", e.Topic, e.Panic)
	}
	return fmt.Sprintf("callback on '%s' failed: %s", e.Topic, e.Err)
}

// Unwrap return the callback's error
func (e *CallbackError) Unwrap() error {
	return e.Err
}

// Registry topic to handler registrations
type Registry interface {
	// Add register a handler on a topic. Returns whether the topic just gained its first handler.
	// Adding an already registered handler is a no-op.
	Add(topic string, handler Handler) (bool, error)
	// Remove unregister a handler. Returns whether the topic is now empty.
	Remove(topic string, handler Handler) bool
	// RemoveAll unregister every handler on a topic. Returns whether the topic had any.
	RemoveAll(topic string) bool
	// Topics topics with at least one handler, in order of first registration
	Topics() []string
	// Handlers snapshot of a topic's handlers in registration order
	Handlers(topic string) []Handler
	// Contains whether the handler is registered on the topic
	Contains(topic string, handler Handler) bool
	// Dispatch deliver an event to the topic's handlers. Returns the number of deliveries.
	Dispatch(topic string, event codec.ChangeEvent) int
	// Clear drop every registration
	Clear()
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	lock       sync.Mutex
	topics     map[string][]Handler
	topicOrder []string
	errorCB    AlertOnErrorCB
}

// DefineRegistry create new topic registry
func DefineRegistry(name string, errorCB AlertOnErrorCB) Registry {
	logTags := log.Fields{
		"module": "subscription", "component": "registry", "instance": name,
	}
	return &registryImpl{
		Component:  common.Component{LogTags: logTags},
		topics:     make(map[string][]Handler),
		topicOrder: make([]string, 0),
		errorCB:    errorCB,
	}
}

func indexOf(handlers []Handler, handler Handler) int {
	for idx, registered := range handlers {
		if common.SameCallback(registered, handler) {
			return idx
		}
	}
	return -1
}

func (r *registryImpl) dropTopicLocked(topic string) {
	delete(r.topics, topic)
	for idx, known := range r.topicOrder {
		if known == topic {
			r.topicOrder = append(r.topicOrder[:idx], r.topicOrder[idx+1:]...)
			return
		}
	}
}

func (r *registryImpl) Add(topic string, handler Handler) (bool, error) {
	if handler == nil {
		return false, fmt.Errorf("nil handler for '%s'", topic)
	}
	if !common.ComparableCallback(handler) {
		return false, fmt.Errorf("handler type %T for '%s' is not comparable", handler, topic)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	handlers, exist := r.topics[topic]
	if indexOf(handlers, handler) >= 0 {
		return false, nil
	}
	if !exist {
		r.topicOrder = append(r.topicOrder, topic)
	}
	r.topics[topic] = append(handlers, handler)
	return len(handlers) == 0, nil
}

func (r *registryImpl) Remove(topic string, handler Handler) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	handlers, exist := r.topics[topic]
	if !exist {
		return false
	}
	idx := indexOf(handlers, handler)
	if idx < 0 {
		return false
	}
	remaining := make([]Handler, 0, len(handlers)-1)
	remaining = append(remaining, handlers[:idx]...)
	remaining = append(remaining, handlers[idx+1:]...)
	if len(remaining) == 0 {
		r.dropTopicLocked(topic)
		return true
	}
	r.topics[topic] = remaining
	return false
}

func (r *registryImpl) RemoveAll(topic string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	handlers, exist := r.topics[topic]
	if !exist {
		return false
	}
	r.dropTopicLocked(topic)
	return len(handlers) > 0
}

func (r *registryImpl) Topics() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string{}, r.topicOrder...)
}

func (r *registryImpl) Handlers(topic string) []Handler {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]Handler{}, r.topics[topic]...)
}

func (r *registryImpl) Contains(topic string, handler Handler) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return indexOf(r.topics[topic], handler) >= 0
}

func (r *registryImpl) Clear() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.topics = make(map[string][]Handler)
	r.topicOrder = make([]string, 0)
}

func (r *registryImpl) Dispatch(topic string, event codec.ChangeEvent) int {
	delivered := 0
	for _, handler := range r.Handlers(topic) {
		// A handler removed by an earlier handler in this pass is skipped
		if !r.Contains(topic, handler) {
			continue
		}
		delivered++
		if err := invokeHandler(topic, handler, event); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Handler on %s failed", topic)
			if r.errorCB != nil {
				r.errorCB(err)
			}
		}
	}
	return delivered
}

func invokeHandler(topic string, handler Handler, event codec.ChangeEvent) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &CallbackError{Topic: topic, Panic: recovered}
		}
	}()
	if callErr := handler.OnChangeEvent(topic, event); callErr != nil {
		return &CallbackError{Topic: topic, Err: callErr}
	}
	return nil
}
