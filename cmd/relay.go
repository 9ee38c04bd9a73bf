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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/livefeed/apis"
	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/core"
	"github.com/alwitt/livefeed/dataplane"
	"github.com/alwitt/livefeed/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// streamDeliverWait max wait for an HTTP stream session to accept a client frame
const streamDeliverWait = time.Second * 5

// relayWriteTimeout bounds each websocket frame write
const relayWriteTimeout = time.Second * 10

// RunRelayServer run the relay server
//
// natsClient is nil unless the NATS bridge is enabled.
func RunRelayServer(
	runTimeContext context.Context,
	config *common.RelayServerConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid relay config")
		return err
	}
	if config.NATSBridge && natsClient == nil {
		return fmt.Errorf("NATS bridge enabled without a NATS client")
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	hub, err := dataplane.DefineHub(localCtxt, instance, config.SessionBuffer, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define session hub")
		return err
	}

	// With the bridge, events take a round trip through NATS so every relay sees them
	publisher := dataplane.GetHubPublisher(hub)
	if config.NATSBridge {
		publisher = dataplane.GetNATSPublisher(*natsClient, instance)
		bridge, err := dataplane.GetNATSBridge(localCtxt, *natsClient, hub)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define NATS bridge")
			return err
		}
		if err := bridge.StartReading(func(err error) {
			log.WithError(err).WithFields(logTags).Error("NATS bridge failure")
			lclCancel()
		}, wg); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to start NATS bridge")
			return err
		}
	}

	if config.Postgres != nil {
		pgBridge, err := dataplane.GetPostgresBridge(localCtxt, *config.Postgres, publisher)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define Postgres bridge")
			return err
		}
		if err := pgBridge.StartListening(wg); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to start Postgres bridge")
			return err
		}
	}

	stompServer, err := dataplane.GetSTOMPServer(instance, dataplane.STOMPServerParams{
		Hub:               hub,
		Publisher:         publisher,
		HeartbeatOutgoing: config.Heartbeat.OutgoingInterval(),
		HeartbeatIncoming: config.Heartbeat.IncomingInterval(),
		ConnectTimeout:    time.Second * 10,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define STOMP server")
		return err
	}

	httpHandler, err := apis.GetAPIRestRelayHandler(
		localCtxt, &config.HTTPSetting, apis.RelayHandlerParams{
			STOMPServer:  stompServer,
			Hub:          hub,
			Publisher:    publisher,
			Streams:      transport.NewStreamSessions(config.SessionBuffer, streamDeliverWait),
			WriteTimeout: relayWriteTimeout,
			NATSClient:   natsClient,
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	_ = httpHandler.RegisterRoutes(router, config.Endpoints)

	// Add logging
	accessLog := apis.GetAccessLogWriter(instance)
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})

	serverCfg := config.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			lclCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-localCtxt.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
