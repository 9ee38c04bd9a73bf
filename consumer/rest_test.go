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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alwitt/livefeed/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestRESTClientListMarines(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	var lastQuery map[string]string
	respond := `{"content":[{"id":1,"name":"Titus","coordinates":{"x":1,"y":2},"chapterId":3,"health":100,"achievements":"many","height":2.1,"weaponType":"BOLT_PISTOL"}],"totalPages":4,"totalElements":61,"number":0}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/api/space-marines", r.URL.Path)
		assert.NotEmpty(r.Header.Get(RequestIDHeader))
		lastQuery = map[string]string{}
		for key := range r.URL.Query() {
			lastQuery[key] = r.URL.Query().Get(key)
		}
		_, _ = w.Write([]byte(respond))
	}))
	defer server.Close()

	uut, err := NewRESTClient("ut-rest", common.RESTClientConfig{
		BaseURL: server.URL + "/api/", RequestTimeout: 1000, PageSize: 20,
	})
	assert.Nil(err)

	// Case 0: default query
	page, err := uut.ListMarines(context.Background(), uut.DefaultMarineQuery())
	assert.Nil(err)
	assert.Equal(map[string]string{"page": "0", "size": "20"}, lastQuery)
	assert.Equal(4, page.TotalPages)
	assert.Len(page.Content, 1)
	assert.Equal("Titus", page.Content[0].Name)
	assert.Equal(WeaponBoltPistol, *page.Content[0].WeaponType)

	// Case 1: filters and sort
	_, err = uut.ListMarines(context.Background(), MarineQuery{
		Page: 2, Size: 5, SortBy: "name", Name: "Tit", Achievements: "many",
	})
	assert.Nil(err)
	assert.Equal(map[string]string{
		"page": "2", "size": "5", "sortBy": "name", "name": "Tit", "achievements": "many",
	}, lastQuery)

	// Case 2: invalid query
	_, err = uut.ListMarines(context.Background(), MarineQuery{Page: -1, Size: 5})
	assert.NotNil(err)

	// Case 3: response failing validation
	respond = `{"content":[{"id":1,"name":"","coordinates":{"x":1,"y":2},"health":100}],"totalPages":1}`
	_, err = uut.ListMarines(context.Background(), uut.DefaultMarineQuery())
	assert.NotNil(err)

	// Case 4: unknown weapon
	respond = `{"content":[{"id":1,"name":"A","coordinates":{"x":1,"y":2},"health":1,"weaponType":"CHAINSWORD"}],"totalPages":1}`
	_, err = uut.ListMarines(context.Background(), uut.DefaultMarineQuery())
	assert.NotNil(err)
}

func TestRESTClientListChapters(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	status := http.StatusOK
	chapters := []Chapter{{ID: 1, Name: "Ultramarines", MarinesCount: 10}, {ID: 2, Name: "Blood Angels"}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/chapters", r.URL.Path)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(chapters)
	}))
	defer server.Close()

	uut, err := NewRESTClient("ut-rest", common.RESTClientConfig{
		BaseURL: server.URL, RequestTimeout: 1000, PageSize: 20,
	})
	assert.Nil(err)

	// Case 0: normal
	result, err := uut.ListChapters(context.Background())
	assert.Nil(err)
	assert.Equal(chapters, result)

	// Case 1: server failure
	status = http.StatusInternalServerError
	_, err = uut.ListChapters(context.Background())
	assert.NotNil(err)

	// Case 2: invalid entry
	status = http.StatusOK
	chapters = []Chapter{{ID: 0, Name: "Nameless"}}
	_, err = uut.ListChapters(context.Background())
	assert.NotNil(err)

	// Case 3: bad config
	_, err = NewRESTClient("ut-rest", common.RESTClientConfig{BaseURL: "", RequestTimeout: 1000, PageSize: 20})
	assert.NotNil(err)
}
