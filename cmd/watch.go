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
	"net/url"
	"sync"
	"time"

	"github.com/alwitt/livefeed/broker"
	"github.com/alwitt/livefeed/codec"
	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/consumer"
	"github.com/alwitt/livefeed/session"
	"github.com/alwitt/livefeed/transport"
	"github.com/alwitt/livefeed/tui"
	"github.com/apex/log"
	tea "github.com/charmbracelet/bubbletea"
)

// WatchOptions watcher run options
type WatchOptions struct {
	// Headless log collection updates instead of drawing the terminal view
	Headless bool
}

// DefineClientFactory build the broker client factory for the configured transport mode
func DefineClientFactory(
	ctxt context.Context, name string, config *common.SystemConfig, wg *sync.WaitGroup,
) (broker.ClientFactory, error) {
	transportCfg := config.Transport
	connectTimeout := time.Millisecond * time.Duration(transportCfg.ConnectTimeout)
	writeTimeout := time.Millisecond * time.Duration(transportCfg.WriteTimeout)

	if transportCfg.Mode == common.TransportModeNATS {
		return broker.NATSClientFactory(name, broker.NATSClientParams{
			ServerURI:      config.NATS.ServerURI,
			ConnectTimeout: connectTimeout,
			PingInterval:   transportCfg.Heartbeat.OutgoingInterval(),
		}, wg), nil
	}

	wsDialer := transport.WebSocketDialer{
		URL: transportCfg.WebSocketURL, HandshakeTimeout: connectTimeout, WriteTimeout: writeTimeout,
	}
	streamDialer := transport.HTTPStreamDialer{
		URL: transportCfg.HTTPStreamURL, WriteTimeout: writeTimeout,
	}
	var dialer transport.Dialer
	var endpoint string
	switch transportCfg.Mode {
	case common.TransportModeWebSocket:
		dialer, endpoint = wsDialer, transportCfg.WebSocketURL
	case common.TransportModeHTTPStream:
		dialer, endpoint = streamDialer, transportCfg.HTTPStreamURL
	case common.TransportModeAuto:
		dialer, endpoint = transport.NewFallbackDialer(wsDialer, streamDialer), transportCfg.WebSocketURL
	default:
		return nil, fmt.Errorf("unknown transport mode '%s'", transportCfg.Mode)
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	return broker.STOMPClientFactory(ctxt, name, broker.STOMPClientParams{
		Dialer:            dialer,
		Host:              parsed.Hostname(),
		Login:             transportCfg.Login,
		Passcode:          transportCfg.Passcode,
		ConnectTimeout:    connectTimeout,
		HeartbeatOutgoing: transportCfg.Heartbeat.OutgoingInterval(),
		HeartbeatIncoming: transportCfg.Heartbeat.IncomingInterval(),
	}, wg), nil
}

// watchController drives the session and the collection watchers for the view
type watchController struct {
	manager  session.Manager
	marines  *consumer.CollectionWatcher[consumer.MarinePage]
	chapters *consumer.CollectionWatcher[[]consumer.Chapter]

	lock  sync.Mutex
	query consumer.MarineQuery
}

var _ tui.Controller = &watchController{}

func (c *watchController) Reconnect() error {
	return c.manager.Connect()
}

func (c *watchController) Refresh() {
	c.marines.Refresh()
	c.chapters.Refresh()
}

func (c *watchController) SetMarinePage(page int) {
	c.lock.Lock()
	c.query.Page = page
	c.lock.Unlock()
	c.marines.Refresh()
}

func (c *watchController) currentQuery() consumer.MarineQuery {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.query
}

// RunWatcher connect to the broker and keep both collections fresh until the
// context ends or the view quits
func RunWatcher(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	options WatchOptions,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "watch",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	factory, err := DefineClientFactory(localCtxt, instance, config, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker client factory")
		return err
	}
	managerParams := session.ManagerParamsFromConfig(config.Session, factory)
	managerParams.ErrorCB = func(err error) {
		log.WithError(err).WithFields(logTags).Warn("Session callback failure")
	}
	manager, err := session.DefineManager(localCtxt, instance, managerParams, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session manager")
		return err
	}
	defer func() {
		if err := manager.Destroy(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Session teardown failed")
		}
	}()

	restClient, err := consumer.NewRESTClient(instance, config.REST)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define REST client")
		return err
	}
	fetchTimeout := time.Millisecond * time.Duration(config.REST.RequestTimeout)

	// The view is optional; every update goes through send
	var program *tea.Program
	send := func(msg tea.Msg) {
		if program != nil {
			program.Send(msg)
		}
	}
	controller := &watchController{manager: manager, query: restClient.DefaultMarineQuery()}

	changeCB := func(topic string) func(codec.ChangeEvent) {
		return func(event codec.ChangeEvent) {
			log.WithFields(logTags).Debugf(
				"Change on %s: %s %d", topic, event.Action(), event.EntityID(),
			)
			send(tui.ChangeMsg{Topic: topic, Event: event})
		}
	}
	refreshErrCB := func(err error) {
		log.WithError(err).WithFields(logTags).Error("Collection re-read failed")
		send(tui.FetchErrorMsg{Err: err})
	}

	controller.marines, err = consumer.NewCollectionWatcher(
		fmt.Sprintf("%s.marines", instance),
		codec.TopicPrimaryEntities,
		manager,
		func(ctxt context.Context) (consumer.MarinePage, error) {
			return restClient.ListMarines(ctxt, controller.currentQuery())
		},
		fetchTimeout,
		consumer.WatcherCallbacks[consumer.MarinePage]{
			OnRefresh: func(page consumer.MarinePage) {
				log.WithFields(logTags).Infof(
					"Space marines page %d: %d of %d", page.Number, len(page.Content), page.TotalElements,
				)
				send(tui.MarinesMsg{Page: page})
			},
			OnRefreshError: refreshErrCB,
			OnChange:       changeCB(codec.TopicPrimaryEntities),
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define space marine watcher")
		return err
	}
	controller.chapters, err = consumer.NewCollectionWatcher(
		fmt.Sprintf("%s.chapters", instance),
		codec.TopicGroupingEntities,
		manager,
		restClient.ListChapters,
		fetchTimeout,
		consumer.WatcherCallbacks[[]consumer.Chapter]{
			OnRefresh: func(chapters []consumer.Chapter) {
				log.WithFields(logTags).Infof("Chapters: %d", len(chapters))
				send(tui.ChaptersMsg{Chapters: chapters})
			},
			OnRefreshError: refreshErrCB,
			OnChange:       changeCB(codec.TopicGroupingEntities),
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define chapter watcher")
		return err
	}

	// The view runs first so sends from the session loop never wait on it
	viewDone := make(chan error, 1)
	if !options.Headless {
		program = tea.NewProgram(
			tui.New(controller), tea.WithAltScreen(), tea.WithContext(localCtxt),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := program.Run()
			viewDone <- err
		}()
	}

	connectionObserver := session.NewConnectionObserver(func(connected bool) {
		log.WithFields(logTags).Infof("Session connected: %v", connected)
		send(tui.ConnectionMsg{Connected: connected})
	})
	if err := manager.OnConnectionChange(connectionObserver); err != nil {
		return err
	}
	if err := controller.marines.Start(localCtxt, wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start space marine watcher")
		return err
	}
	defer func() {
		_ = controller.marines.Stop()
	}()
	if err := controller.chapters.Start(localCtxt, wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start chapter watcher")
		return err
	}
	defer func() {
		_ = controller.chapters.Stop()
	}()
	if err := manager.Connect(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Session connect failed")
		return err
	}

	if options.Headless {
		<-localCtxt.Done()
		return nil
	}
	if err := <-viewDone; err != nil && localCtxt.Err() == nil {
		log.WithError(err).WithFields(logTags).Error("Terminal view failed")
		return err
	}
	return nil
}
