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
	"context"
	"io"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livefeed/codec"
	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/core"
	"github.com/alwitt/livefeed/dataplane"
	"github.com/alwitt/livefeed/transport"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// maxEventBodySize largest change event body accepted on publish
const maxEventBodySize = 64 * 1024

// APIRestRelayHandler REST handler for the change notification relay
type APIRestRelayHandler struct {
	goutils.RestAPIHandler
	stompServer  *dataplane.STOMPServer
	hub          dataplane.Hub
	publisher    dataplane.Publisher
	streams      *transport.StreamSessions
	upgrader     *websocket.Upgrader
	writeTimeout time.Duration
	natsClient   *core.NatsClient
	baseContext  context.Context
}

// RelayHandlerParams components the relay REST handler serves
type RelayHandlerParams struct {
	// STOMPServer runs client sessions
	STOMPServer *dataplane.STOMPServer
	// Hub is the session fan out hub
	Hub dataplane.Hub
	// Publisher accepts published change events
	Publisher dataplane.Publisher
	// Streams is the registry of open HTTP streams
	Streams *transport.StreamSessions
	// WriteTimeout bounds each websocket frame write
	WriteTimeout time.Duration
	// NATSClient is the NATS connection, if the relay uses one
	NATSClient *core.NatsClient
}

// GetAPIRestRelayHandler define APIRestRelayHandler
func GetAPIRestRelayHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	params RelayHandlerParams,
) (APIRestRelayHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "relay",
	}
	return APIRestRelayHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		stompServer: params.STOMPServer,
		hub:         params.Hub,
		publisher:   params.Publisher,
		streams:     params.Streams,
		upgrader: &websocket.Upgrader{
			CheckOrigin:  func(r *http.Request) bool { return true },
			Subprotocols: []string{transport.SubProtocol},
		},
		writeTimeout: params.WriteTimeout,
		natsClient:   params.NATSClient,
		baseContext:  baseContext,
	}, nil
}

// =======================================================================
// Change event publish

// -----------------------------------------------------------------------

// PublishChangeEvent godoc
// @Summary Publish a change event
// @Description Broadcast a change event to every session subscribed to the topic
// @tags Relay
// @Accept json,application/msgpack
// @Produce json
// @Param Livefeed-Request-ID header string false "User provided request ID to match against logs"
// @Param topicName path string true "Topic to broadcast on, without the /topic/ prefix"
// @Param event body object true "Change event: action, entityId, optional entityType"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/topic/{topicName} [post]
func (h APIRestRelayHandler) PublishChangeEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	topic, ok := h.readTopic(r)
	if !ok {
		msg := "No topic name provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}
	if err := common.ValidateTopicName(topic); err != nil {
		msg := "Invalid topic string"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBodySize))
	if err != nil {
		msg := "Unable to read request body"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	event, err := codec.Decode(r.Header.Get("Content-Type"), body)
	if err != nil {
		msg := "Invalid change event"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.publisher.Publish(r.Context(), topic, event); err != nil {
		msg := "Change event publish failed"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// PublishChangeEventHandler Wrapper around PublishChangeEvent
func (h APIRestRelayHandler) PublishChangeEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishChangeEvent(w, r)
	}
}

// APIRestRespTopicInfo response for topic info query
type APIRestRespTopicInfo struct {
	goutils.RestAPIBaseResponse
	// Topic is the full topic destination
	Topic string `json:"topic"`
	// Subscribers is the number of sessions subscribed to the topic
	Subscribers int `json:"subscribers"`
}

// GetTopicInfo godoc
// @Summary Query topic info
// @Description Report how many sessions are currently subscribed to a topic
// @tags Relay
// @Produce json
// @Param Livefeed-Request-ID header string false "User provided request ID to match against logs"
// @Param topicName path string true "Topic name, without the /topic/ prefix"
// @Success 200 {object} APIRestRespTopicInfo "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/topic/{topicName} [get]
func (h APIRestRelayHandler) GetTopicInfo(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	topic, ok := h.readTopic(r)
	if !ok {
		msg := "No topic name provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	count, err := h.hub.Subscribers(r.Context(), topic)
	if err != nil {
		msg := "Unable to query subscribers"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespTopicInfo{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Topic:               topic,
		Subscribers:         count,
	}
}

// GetTopicInfoHandler Wrapper around GetTopicInfo
func (h APIRestRelayHandler) GetTopicInfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetTopicInfo(w, r)
	}
}

func (h APIRestRelayHandler) readTopic(r *http.Request) (string, bool) {
	vars := mux.Vars(r)
	topicName, ok := vars["topicName"]
	if !ok || topicName == "" {
		return "", false
	}
	return common.TopicFromName(topicName), true
}

// =======================================================================
// STOMP sessions

// -----------------------------------------------------------------------

// WebSocketSession godoc
// @Summary Open a STOMP session over websocket
// @Description Upgrade to a websocket carrying one STOMP 1.2 session
// @tags Relay
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Router /ws [get]
func (h APIRestRelayHandler) WebSocketSession(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	conn, err := transport.UpgradeWebSocket(w, r, h.upgrader, h.writeTimeout)
	if err != nil {
		// The upgrader already replied
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	// A hijacked connection outlives the request context
	if err := h.stompServer.ServeSTOMP(h.baseContext, conn); err != nil {
		log.WithError(err).WithFields(localLogTags).Debug("Websocket session ended")
	}
}

// WebSocketSessionHandler Wrapper around WebSocketSession
func (h APIRestRelayHandler) WebSocketSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.WebSocketSession(w, r)
	}
}

// OpenStream godoc
// @Summary Open a STOMP session over HTTP streaming
// @Description Stream NUL terminated STOMP frames down a long lived response. Frames from
// @Description the client are POSTed to the stream path suffixed with the session ID.
// @tags Relay
// @Produce plain
// @Param session query string true "Client chosen stream session ID"
// @Success 200 {string} string "STOMP frames"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /stream [get]
func (h APIRestRelayHandler) OpenStream(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	sessionID := r.URL.Query().Get(transport.StreamSessionParam)
	conn, err := h.streams.Open(sessionID, w)
	if err != nil {
		msg := "Unable to open stream"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error()),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	runtimeCtxt, cancel := context.WithCancel(h.baseContext)
	defer cancel()
	go func() {
		select {
		case <-r.Context().Done():
			cancel()
		case <-runtimeCtxt.Done():
		}
	}()
	if err := h.stompServer.ServeSTOMP(runtimeCtxt, conn); err != nil {
		log.WithError(err).WithFields(localLogTags).Debug("Stream session ended")
	}
}

// OpenStreamHandler Wrapper around OpenStream
func (h APIRestRelayHandler) OpenStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.OpenStream(w, r)
	}
}

// StreamSend godoc
// @Summary Send a STOMP frame on an HTTP stream session
// @Description Deliver one client frame to an open HTTP stream session
// @tags Relay
// @Accept plain
// @Param sessionID path string true "Stream session ID"
// @Success 204 "accepted"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /stream/{sessionID} [post]
func (h APIRestRelayHandler) StreamSend(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	reply := func(code int, msg string, detail string) {
		if err := h.WriteRESTResponse(
			w, code, h.GetStdRESTErrorMsg(r.Context(), code, msg, detail), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	sessionID, ok := mux.Vars(r)["sessionID"]
	if !ok || sessionID == "" {
		msg := "No stream session ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		reply(http.StatusBadRequest, msg, msg)
		return
	}
	frame, err := io.ReadAll(io.LimitReader(r.Body, maxEventBodySize))
	if err != nil {
		msg := "Unable to read request body"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		reply(http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.streams.Deliver(sessionID, frame); err != nil {
		msg := "Frame delivery failed"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		reply(http.StatusNotFound, msg, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StreamSendHandler Wrapper around StreamSend
func (h APIRestRelayHandler) StreamSendHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.StreamSend(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For relay REST API liveness check
// @Description Will return success to indicate relay REST API module is live
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestRelayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRelayHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For relay REST API readiness check
// @Description Will return success if the relay is ready to accept sessions
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestRelayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	ready := h.baseContext.Err() == nil
	if ready && h.natsClient != nil {
		ready = h.natsClient.Connected()
	}
	if ready {
		if _, err := h.hub.Sessions(r.Context()); err != nil {
			ready = false
		}
	}
	if ready {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestRelayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================

// RegisterRoutes install the relay end-points on a router
func (h APIRestRelayHandler) RegisterRoutes(
	router *mux.Router, endpoints common.RelayEndpointConfig,
) *mux.Router {
	mainRouter := RegisterPathPrefix(router, endpoints.PathPrefix, nil)

	// Change event publish
	_ = RegisterPathPrefix(mainRouter, "/v1/topic/{topicName}", MethodHandlers{
		"post": h.PublishChangeEventHandler(),
		"get":  h.GetTopicInfoHandler(),
	})

	// STOMP sessions
	_ = RegisterPathPrefix(mainRouter, endpoints.WebSocketPath, MethodHandlers{
		"get": h.WebSocketSessionHandler(),
	})
	streamRouter := RegisterPathPrefix(mainRouter, endpoints.StreamPath, MethodHandlers{
		"get": h.OpenStreamHandler(),
	})
	_ = RegisterPathPrefix(streamRouter, "/{sessionID}", MethodHandlers{
		"post": h.StreamSendHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
	return mainRouter
}
