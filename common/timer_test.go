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

package common

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestIntervalTimerOneShot(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	lock := sync.Mutex{}
	value := 0
	callback := func() error {
		lock.Lock()
		defer lock.Unlock()
		value++
		return nil
	}
	readValue := func() int {
		lock.Lock()
		defer lock.Unlock()
		return value
	}

	assert.Nil(uut.Start(time.Millisecond*100, callback, true))
	assert.True(uut.Active())
	time.Sleep(time.Millisecond * 150)
	assert.Equal(1, readValue())
	assert.False(uut.Active())

	time.Sleep(time.Millisecond * 100)
	assert.Equal(1, readValue())

	assert.Nil(uut.Start(time.Millisecond*50, callback, true))
	time.Sleep(time.Millisecond * 80)
	assert.Equal(2, readValue())
}

func TestIntervalTimerRestartAndStop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	lock := sync.Mutex{}
	first := 0
	second := 0
	readValues := func() (int, int) {
		lock.Lock()
		defer lock.Unlock()
		return first, second
	}

	// Case 0: periodic timer fires repeatedly
	assert.Nil(uut.Start(time.Millisecond*20, func() error {
		lock.Lock()
		defer lock.Unlock()
		first++
		return nil
	}, false))
	time.Sleep(time.Millisecond * 110)
	a, _ := readValues()
	assert.GreaterOrEqual(a, 3)

	// Case 1: restart replaces the previous run
	assert.Nil(uut.Start(time.Millisecond*20, func() error {
		lock.Lock()
		defer lock.Unlock()
		second++
		return nil
	}, false))
	aBefore, _ := readValues()
	time.Sleep(time.Millisecond * 110)
	aAfter, b := readValues()
	assert.LessOrEqual(aAfter-aBefore, 1)
	assert.GreaterOrEqual(b, 3)

	// Case 2: stop halts the timer
	assert.Nil(uut.Stop())
	assert.False(uut.Active())
	time.Sleep(time.Millisecond * 10)
	_, bBefore := readValues()
	time.Sleep(time.Millisecond * 80)
	_, bAfter := readValues()
	assert.Equal(bBefore, bAfter)

	// Case 3: stop on an idle timer
	assert.Nil(uut.Stop())
}
