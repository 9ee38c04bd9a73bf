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
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", ctxt)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()
	assert.Nil(err)

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskProcessorOrderingAndReentrancy(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", ctxt)
	assert.Nil(err)

	type orderedTask struct{ index int }
	type reentrantTask struct{ depth int }

	observed := []int{}
	reentrantDone := make(chan int, 1)
	orderedDone := make(chan bool, 1)
	const total = 50

	assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
		reflect.TypeOf(orderedTask{}): func(p interface{}) error {
			observed = append(observed, p.(orderedTask).index)
			if len(observed) == total {
				orderedDone <- true
			}
			return nil
		},
		reflect.TypeOf(reentrantTask{}): func(p interface{}) error {
			task := p.(reentrantTask)
			if task.depth == 5 {
				reentrantDone <- task.depth
				return nil
			}
			// Submitting from inside the loop must not block
			return uut.Submit(reentrantTask{depth: task.depth + 1})
		},
	}))
	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: submission order is preserved
	{
		for itr := 0; itr < total; itr++ {
			assert.Nil(uut.Submit(orderedTask{index: itr}))
		}
		select {
		case <-orderedDone:
		case <-time.After(time.Second):
			assert.Fail("ordered tasks not processed")
		}
		for itr := 0; itr < total; itr++ {
			assert.Equal(itr, observed[itr])
		}
	}

	// Case 2: a handler submits further tasks
	{
		assert.Nil(uut.Submit(reentrantTask{depth: 0}))
		select {
		case depth := <-reentrantDone:
			assert.Equal(5, depth)
		case <-time.After(time.Second):
			assert.Fail("reentrant tasks not processed")
		}
	}

	// Case 3: submit after stop is rejected
	{
		assert.Nil(uut.StopEventLoop())
		assert.NotNil(uut.Submit(orderedTask{}))
	}
}
