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
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/alwitt/livefeed/codec"
	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/stomp"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Hub tracks connected client sessions and fans change events out to them
type Hub interface {
	// Attach register a session. The returned channel carries the session's outbound
	// frames and is closed when the hub drops the session.
	Attach(ctxt context.Context, sessionID string) (<-chan []byte, error)
	// Detach drop a session and all of its subscriptions
	Detach(sessionID string) error
	// Subscribe bind a session subscription to a topic
	Subscribe(sessionID, subscriptionID, topic string) error
	// Unsubscribe remove a session subscription
	Unsubscribe(sessionID, subscriptionID string) error
	// Broadcast send a change event to every session subscribed to a topic
	Broadcast(topic string, event codec.ChangeEvent) error
	// Subscribers number of sessions subscribed to a topic
	Subscribers(ctxt context.Context, topic string) (int, error)
	// Sessions number of attached sessions
	Sessions(ctxt context.Context) (int, error)
}

// hubSession one attached session
type hubSession struct {
	id       string
	outbound chan []byte
	// subscriptions subscription ID to topic
	subscriptions map[string]string
}

// hubImpl implements Hub
type hubImpl struct {
	common.Component
	tp          common.TaskProcessor
	bufferSize  int
	contentType string
	sessions    map[string]*hubSession
	// topics topic to session ID to subscription IDs
	topics map[string]map[string][]string
}

// DefineHub define a new hub
func DefineHub(
	ctxt context.Context, name string, bufferSize int, wg *sync.WaitGroup,
) (Hub, error) {
	if bufferSize < 1 {
		return nil, fmt.Errorf("session buffer must be positive")
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "hub", "instance": name,
	}
	tp, err := common.GetNewTaskProcessorInstance(name, ctxt)
	if err != nil {
		return nil, err
	}
	instance := &hubImpl{
		Component:   common.Component{LogTags: logTags},
		tp:          tp,
		bufferSize:  bufferSize,
		contentType: codec.ContentTypeJSON,
		sessions:    make(map[string]*hubSession),
		topics:      make(map[string]map[string][]string),
	}
	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(hubAttachRequest{}):      instance.processAttach,
		reflect.TypeOf(hubDetachRequest{}):      instance.processDetach,
		reflect.TypeOf(hubSubscribeRequest{}):   instance.processSubscribe,
		reflect.TypeOf(hubUnsubscribeRequest{}): instance.processUnsubscribe,
		reflect.TypeOf(hubBroadcastRequest{}):   instance.processBroadcast,
		reflect.TypeOf(hubQueryRequest{}):       instance.processQuery,
	}); err != nil {
		return nil, err
	}
	return instance, tp.StartEventLoop(wg)
}

type hubAttachRequest struct {
	sessionID string
	result    chan hubAttachResult
}

type hubAttachResult struct {
	outbound <-chan []byte
	err      error
}

type hubDetachRequest struct {
	sessionID string
}

type hubSubscribeRequest struct {
	sessionID      string
	subscriptionID string
	topic          string
}

type hubUnsubscribeRequest struct {
	sessionID      string
	subscriptionID string
}

type hubBroadcastRequest struct {
	topic string
	body  []byte
	desc  string
}

type hubQueryRequest struct {
	topic  *string
	result chan int
}

// Attach register a session
func (h *hubImpl) Attach(ctxt context.Context, sessionID string) (<-chan []byte, error) {
	result := make(chan hubAttachResult, 1)
	if err := h.tp.Submit(hubAttachRequest{sessionID: sessionID, result: result}); err != nil {
		return nil, err
	}
	select {
	case resp := <-result:
		return resp.outbound, resp.err
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

// Detach drop a session
func (h *hubImpl) Detach(sessionID string) error {
	return h.tp.Submit(hubDetachRequest{sessionID: sessionID})
}

// Subscribe bind a session subscription to a topic
func (h *hubImpl) Subscribe(sessionID, subscriptionID, topic string) error {
	if err := common.ValidateTopicName(topic); err != nil {
		return err
	}
	return h.tp.Submit(hubSubscribeRequest{
		sessionID: sessionID, subscriptionID: subscriptionID, topic: topic,
	})
}

// Unsubscribe remove a session subscription
func (h *hubImpl) Unsubscribe(sessionID, subscriptionID string) error {
	return h.tp.Submit(hubUnsubscribeRequest{sessionID: sessionID, subscriptionID: subscriptionID})
}

// Broadcast send a change event to every session subscribed to a topic
func (h *hubImpl) Broadcast(topic string, event codec.ChangeEvent) error {
	if err := common.ValidateTopicName(topic); err != nil {
		return err
	}
	body, err := codec.Encode(h.contentType, event)
	if err != nil {
		return err
	}
	return h.tp.Submit(hubBroadcastRequest{topic: topic, body: body, desc: event.String()})
}

func (h *hubImpl) query(ctxt context.Context, topic *string) (int, error) {
	result := make(chan int, 1)
	if err := h.tp.Submit(hubQueryRequest{topic: topic, result: result}); err != nil {
		return 0, err
	}
	select {
	case count := <-result:
		return count, nil
	case <-ctxt.Done():
		return 0, ctxt.Err()
	}
}

// Subscribers number of sessions subscribed to a topic
func (h *hubImpl) Subscribers(ctxt context.Context, topic string) (int, error) {
	return h.query(ctxt, &topic)
}

// Sessions number of attached sessions
func (h *hubImpl) Sessions(ctxt context.Context) (int, error) {
	return h.query(ctxt, nil)
}

// ==============================================================================

func (h *hubImpl) processAttach(param interface{}) error {
	req := param.(hubAttachRequest)
	if _, ok := h.sessions[req.sessionID]; ok {
		req.result <- hubAttachResult{err: fmt.Errorf("session %s already attached", req.sessionID)}
		return nil
	}
	session := &hubSession{
		id:            req.sessionID,
		outbound:      make(chan []byte, h.bufferSize),
		subscriptions: make(map[string]string),
	}
	h.sessions[req.sessionID] = session
	log.WithFields(h.LogTags).Debugf("Attached session %s", req.sessionID)
	req.result <- hubAttachResult{outbound: session.outbound}
	return nil
}

// dropSession forget a session and close its outbound channel
func (h *hubImpl) dropSession(sessionID string) {
	session, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	for subscriptionID, topic := range session.subscriptions {
		h.unbind(session.id, subscriptionID, topic)
	}
	delete(h.sessions, sessionID)
	close(session.outbound)
}

func (h *hubImpl) unbind(sessionID, subscriptionID, topic string) {
	members, ok := h.topics[topic]
	if !ok {
		return
	}
	ids := members[sessionID]
	for idx, id := range ids {
		if id == subscriptionID {
			ids = append(ids[:idx:idx], ids[idx+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(members, sessionID)
	} else {
		members[sessionID] = ids
	}
	if len(members) == 0 {
		delete(h.topics, topic)
	}
}

func (h *hubImpl) processDetach(param interface{}) error {
	req := param.(hubDetachRequest)
	h.dropSession(req.sessionID)
	log.WithFields(h.LogTags).Debugf("Detached session %s", req.sessionID)
	return nil
}

func (h *hubImpl) processSubscribe(param interface{}) error {
	req := param.(hubSubscribeRequest)
	session, ok := h.sessions[req.sessionID]
	if !ok {
		return nil
	}
	if previous, ok := session.subscriptions[req.subscriptionID]; ok {
		h.unbind(session.id, req.subscriptionID, previous)
	}
	session.subscriptions[req.subscriptionID] = req.topic
	members, ok := h.topics[req.topic]
	if !ok {
		members = make(map[string][]string)
		h.topics[req.topic] = members
	}
	members[session.id] = append(members[session.id], req.subscriptionID)
	log.WithFields(h.LogTags).Debugf(
		"Session %s subscribed %s as %s", session.id, req.topic, req.subscriptionID,
	)
	return nil
}

func (h *hubImpl) processUnsubscribe(param interface{}) error {
	req := param.(hubUnsubscribeRequest)
	session, ok := h.sessions[req.sessionID]
	if !ok {
		return nil
	}
	topic, ok := session.subscriptions[req.subscriptionID]
	if !ok {
		return nil
	}
	delete(session.subscriptions, req.subscriptionID)
	h.unbind(session.id, req.subscriptionID, topic)
	return nil
}

func (h *hubImpl) processBroadcast(param interface{}) error {
	req := param.(hubBroadcastRequest)
	members := h.topics[req.topic]
	sessionIDs := make([]string, 0, len(members))
	for sessionID := range members {
		sessionIDs = append(sessionIDs, sessionID)
	}
	sort.Strings(sessionIDs)
	slow := []string{}
	for _, sessionID := range sessionIDs {
		session := h.sessions[sessionID]
		// One frame per session, on its first subscription to the topic
		subscriptionID := members[sessionID][0]
		frame := stomp.NewFrame(
			stomp.CmdMessage,
			stomp.HdrDestination, req.topic,
			stomp.HdrSubscription, subscriptionID,
			stomp.HdrMessageID, uuid.New().String(),
			stomp.HdrContentType, h.contentType,
		)
		frame.Body = req.body
		select {
		case session.outbound <- frame.Marshal():
		default:
			slow = append(slow, sessionID)
		}
	}
	for _, sessionID := range slow {
		log.WithFields(h.LogTags).Warnf("Dropping slow session %s", sessionID)
		h.dropSession(sessionID)
	}
	log.WithFields(h.LogTags).Debugf(
		"Broadcast %s on %s to %d sessions", req.desc, req.topic, len(sessionIDs)-len(slow),
	)
	return nil
}

func (h *hubImpl) processQuery(param interface{}) error {
	req := param.(hubQueryRequest)
	if req.topic == nil {
		req.result <- len(h.sessions)
	} else {
		req.result <- len(h.topics[*req.topic])
	}
	return nil
}
