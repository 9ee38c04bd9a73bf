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

package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livefeed/codec"
	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/session"
	"github.com/alwitt/livefeed/subscription"
	"github.com/apex/log"
)

// Feed the part of the session manager a watcher needs
type Feed interface {
	Subscribe(topic string, handler subscription.Handler) error
	Unsubscribe(topic string, handler subscription.Handler) error
	OnConnectionChange(observer session.ConnectionObserver) error
	OffConnectionChange(observer session.ConnectionObserver) error
}

var _ Feed = session.Manager(nil)

// FetchFunc read the full collection
type FetchFunc[T any] func(ctxt context.Context) (T, error)

// WatcherCallbacks collection watcher callbacks. All are optional.
type WatcherCallbacks[T any] struct {
	// OnRefresh a re-read completed
	OnRefresh func(value T)
	// OnRefreshError a re-read failed
	OnRefreshError func(err error)
	// OnChange a change event arrived on the watched topic
	OnChange func(event codec.ChangeEvent)
}

// CollectionWatcher keeps a consumer view of one collection fresh
//
// The watcher re-reads the whole collection after every change event on its topic and
// after every connected transition. Triggers arriving while a re-read is pending
// coalesce into that re-read.
type CollectionWatcher[T any] struct {
	common.Component
	topic        string
	feed         Feed
	fetch        FetchFunc[T]
	callbacks    WatcherCallbacks[T]
	fetchTimeout time.Duration
	trigger      chan struct{}
	handler      subscription.Handler
	observer     session.ConnectionObserver

	lock      sync.Mutex
	started   bool
	cancel    context.CancelFunc
	refreshes int
	latest    T
}

// NewCollectionWatcher define a new collection watcher
func NewCollectionWatcher[T any](
	name string,
	topic string,
	feed Feed,
	fetch FetchFunc[T],
	fetchTimeout time.Duration,
	callbacks WatcherCallbacks[T],
) (*CollectionWatcher[T], error) {
	if err := common.ValidateTopicName(topic); err != nil {
		return nil, err
	}
	if feed == nil || fetch == nil {
		return nil, fmt.Errorf("collection watcher %s needs a feed and a fetcher", name)
	}
	logTags := log.Fields{
		"module": "consumer", "component": "collection-watcher", "instance": name,
	}
	w := &CollectionWatcher[T]{
		Component:    common.Component{LogTags: logTags},
		topic:        topic,
		feed:         feed,
		fetch:        fetch,
		callbacks:    callbacks,
		fetchTimeout: fetchTimeout,
		trigger:      make(chan struct{}, 1),
	}
	w.handler = subscription.NewHandler(w.onChangeEvent)
	w.observer = session.NewConnectionObserver(w.onConnectionChange)
	return w, nil
}

// Topic the watched topic
func (w *CollectionWatcher[T]) Topic() string {
	return w.topic
}

// Refreshes number of completed re-reads
func (w *CollectionWatcher[T]) Refreshes() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.refreshes
}

// Latest the most recent successfully read collection
func (w *CollectionWatcher[T]) Latest() T {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.latest
}

// Refresh request a re-read
func (w *CollectionWatcher[T]) Refresh() {
	select {
	case w.trigger <- struct{}{}:
	default:
		// A re-read is already pending
	}
}

func (w *CollectionWatcher[T]) onChangeEvent(topic string, event codec.ChangeEvent) error {
	log.WithFields(w.LogTags).Debugf("%s on %s", event, topic)
	if w.callbacks.OnChange != nil {
		w.callbacks.OnChange(event)
	}
	w.Refresh()
	return nil
}

func (w *CollectionWatcher[T]) onConnectionChange(connected bool) {
	if connected {
		w.Refresh()
	}
}

// Start register with the feed and begin re-reading
func (w *CollectionWatcher[T]) Start(ctxt context.Context, wg *sync.WaitGroup) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.started {
		return fmt.Errorf("collection watcher already started")
	}
	if err := w.feed.Subscribe(w.topic, w.handler); err != nil {
		return err
	}
	if err := w.feed.OnConnectionChange(w.observer); err != nil {
		_ = w.feed.Unsubscribe(w.topic, w.handler)
		return err
	}
	runCtxt, cancel := context.WithCancel(ctxt)
	w.cancel = cancel
	w.started = true
	wg.Add(1)
	go w.run(runCtxt, wg)
	// Initial read so the view is populated before the first event
	w.Refresh()
	return nil
}

// Stop unregister from the feed and stop re-reading
func (w *CollectionWatcher[T]) Stop() error {
	w.lock.Lock()
	if !w.started {
		w.lock.Unlock()
		return nil
	}
	w.started = false
	cancel := w.cancel
	w.lock.Unlock()
	cancel()
	if err := w.feed.Unsubscribe(w.topic, w.handler); err != nil {
		return err
	}
	return w.feed.OffConnectionChange(w.observer)
}

func (w *CollectionWatcher[T]) run(ctxt context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	log.WithFields(w.LogTags).Infof("Watching %s", w.topic)
	for {
		select {
		case <-ctxt.Done():
			log.WithFields(w.LogTags).Infof("Stopped watching %s", w.topic)
			return
		case <-w.trigger:
			w.refresh(ctxt)
		}
	}
}

func (w *CollectionWatcher[T]) refresh(ctxt context.Context) {
	fetchCtxt := ctxt
	if w.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtxt, cancel = context.WithTimeout(ctxt, w.fetchTimeout)
		defer cancel()
	}
	value, err := w.fetch(fetchCtxt)
	if err != nil {
		if ctxt.Err() != nil {
			return
		}
		log.WithError(err).WithFields(w.LogTags).Warnf("Unable to re-read %s collection", w.topic)
		if w.callbacks.OnRefreshError != nil {
			w.callbacks.OnRefreshError(err)
		}
		return
	}
	w.lock.Lock()
	w.refreshes++
	w.latest = value
	w.lock.Unlock()
	if w.callbacks.OnRefresh != nil {
		w.callbacks.OnRefresh(value)
	}
}
