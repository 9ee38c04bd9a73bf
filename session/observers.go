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
	"sync"

	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/subscription"
)

// ConnectionObserver receives connection state changes
type ConnectionObserver interface {
	// OnConnectionChange the session became connected or disconnected
	OnConnectionChange(connected bool)
}

// ConnectionObserverFunc function form of a ConnectionObserver
type ConnectionObserverFunc func(connected bool)

type funcObserver struct {
	fn ConnectionObserverFunc
}

func (o *funcObserver) OnConnectionChange(connected bool) {
	o.fn(connected)
}

// NewConnectionObserver wrap a function as a ConnectionObserver
//
// Each call returns a distinct registration; keep the result to unregister later.
func NewConnectionObserver(fn ConnectionObserverFunc) ConnectionObserver {
	return &funcObserver{fn: fn}
}

// observerEntry one registered observer
type observerEntry struct {
	observer ConnectionObserver
	// ready once the current state has been replayed to the observer
	ready bool
}

// observerList ordered set of connection observers
type observerList struct {
	lock    sync.Mutex
	entries []observerEntry
}

func (l *observerList) indexOfLocked(observer ConnectionObserver) int {
	for idx, entry := range l.entries {
		if common.SameCallback(entry.observer, observer) {
			return idx
		}
	}
	return -1
}

// add register an observer; returns false when already registered
func (l *observerList) add(observer ConnectionObserver) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.indexOfLocked(observer) >= 0 {
		return false
	}
	l.entries = append(l.entries, observerEntry{observer: observer})
	return true
}

func (l *observerList) remove(observer ConnectionObserver) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if idx := l.indexOfLocked(observer); idx >= 0 {
		l.entries = append(l.entries[:idx:idx], l.entries[idx+1:]...)
	}
}

// markReady flag the observer as replayed; false when no longer registered
func (l *observerList) markReady(observer ConnectionObserver) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	idx := l.indexOfLocked(observer)
	if idx < 0 {
		return false
	}
	l.entries[idx].ready = true
	return true
}

// isReady whether the observer is registered and has seen its replay
func (l *observerList) isReady(observer ConnectionObserver) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	idx := l.indexOfLocked(observer)
	return idx >= 0 && l.entries[idx].ready
}

func (l *observerList) snapshot() []ConnectionObserver {
	l.lock.Lock()
	defer l.lock.Unlock()
	result := make([]ConnectionObserver, 0, len(l.entries))
	for _, entry := range l.entries {
		result = append(result, entry.observer)
	}
	return result
}

func (l *observerList) clear() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.entries = nil
}

// invokeObserver deliver one state change with failure isolation
func invokeObserver(observer ConnectionObserver, connected bool) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &subscription.CallbackError{Panic: recovered}
		}
	}()
	observer.OnConnectionChange(connected)
	return nil
}
