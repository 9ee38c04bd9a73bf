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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alwitt/livefeed/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// RequestIDHeader header carrying the per request ID
const RequestIDHeader = "Livefeed-Request-ID"

// RESTClient reads entity collections from the collection API
type RESTClient struct {
	common.Component
	baseURL  string
	pageSize int
	client   *http.Client
	validate *validator.Validate
}

// NewRESTClient define a new collection API client
func NewRESTClient(name string, cfg common.RESTClientConfig) (*RESTClient, error) {
	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "consumer", "component": "rest-client", "instance": name,
	}
	return &RESTClient{
		Component: common.Component{LogTags: logTags},
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		pageSize:  cfg.PageSize,
		client: &http.Client{
			Timeout: time.Millisecond * time.Duration(cfg.RequestTimeout),
		},
		validate: validate,
	}, nil
}

// DefaultMarineQuery first page with the configured page size
func (c *RESTClient) DefaultMarineQuery() MarineQuery {
	return MarineQuery{Page: 0, Size: c.pageSize}
}

// ListMarines fetch one page of primary entities
func (c *RESTClient) ListMarines(ctxt context.Context, query MarineQuery) (MarinePage, error) {
	if err := c.validate.Struct(&query); err != nil {
		return MarinePage{}, err
	}
	params := url.Values{}
	params.Set("page", strconv.Itoa(query.Page))
	params.Set("size", strconv.Itoa(query.Size))
	if query.SortBy != "" {
		params.Set("sortBy", query.SortBy)
	}
	if query.Name != "" {
		params.Set("name", query.Name)
	}
	if query.Achievements != "" {
		params.Set("achievements", query.Achievements)
	}
	var page MarinePage
	if err := c.get(ctxt, "/space-marines", params, &page); err != nil {
		return MarinePage{}, err
	}
	if err := c.validate.Struct(&page); err != nil {
		return MarinePage{}, fmt.Errorf("invalid marine page: %w", err)
	}
	return page, nil
}

// ListChapters fetch all grouping entities
func (c *RESTClient) ListChapters(ctxt context.Context) ([]Chapter, error) {
	var chapters []Chapter
	if err := c.get(ctxt, "/chapters", nil, &chapters); err != nil {
		return nil, err
	}
	if err := c.validate.Var(chapters, "dive"); err != nil {
		return nil, fmt.Errorf("invalid chapter list: %w", err)
	}
	return chapters, nil
}

func (c *RESTClient) get(ctxt context.Context, path string, params url.Values, out interface{}) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target = target + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	requestID := uuid.New().String()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	localLogTags := common.ExtendLogTags(c.LogTags, log.Fields{"request_id": requestID})

	resp, err := c.client.Do(req)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("GET %s failed", path)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, string(body))
		log.WithError(err).WithFields(localLogTags).Error("Unexpected response")
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to parse GET %s response", path)
		return err
	}
	log.WithFields(localLogTags).Debugf("GET %s", path)
	return nil
}
