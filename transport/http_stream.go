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

package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StreamSessionParam query parameter carrying the HTTP streaming session ID
const StreamSessionParam = "session"

// StreamContentType content type of frames on an HTTP stream
const StreamContentType = "text/plain; charset=utf-8"

// MaxFrameSize upper bound on one frame read from a stream or websocket
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge a frame exceeds MaxFrameSize
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// HTTPStreamDialer dial an HTTP streaming frame stream
//
// Inbound frames arrive NUL terminated on one long lived GET response. Outbound frames
// are POSTed one per request to <URL>/<session ID>.
type HTTPStreamDialer struct {
	// URL is the http:// or https:// streaming endpoint
	URL string
	// Client is the HTTP client to use. It must not set an overall request timeout.
	Client *http.Client
	// Header is any extra request headers
	Header http.Header
	// WriteTimeout bounds each outbound frame POST
	WriteTimeout time.Duration
}

// Kind the transport kind this dialer produces
func (d HTTPStreamDialer) Kind() string {
	return KindHTTPStream
}

// Dial establish a new HTTP streaming frame stream
func (d HTTPStreamDialer) Dial(ctxt context.Context) (Conn, error) {
	client := d.Client
	if client == nil {
		client = &http.Client{}
	}
	sessionID := uuid.New().String()
	streamURL, err := url.Parse(d.URL)
	if err != nil {
		return nil, &SetupError{Kind: KindHTTPStream, Endpoint: d.URL, Err: err}
	}
	sendURL := *streamURL
	sendURL.Path = strings.TrimSuffix(sendURL.Path, "/") + "/" + sessionID
	query := streamURL.Query()
	query.Set(StreamSessionParam, sessionID)
	streamURL.RawQuery = query.Encode()

	// The stream outlives the dial context; the dial context only bounds the handshake
	streamCtxt, streamCancel := context.WithCancel(context.Background())
	handshakeDone := make(chan struct{})
	defer close(handshakeDone)
	go func() {
		select {
		case <-ctxt.Done():
			streamCancel()
		case <-handshakeDone:
		}
	}()

	req, err := http.NewRequestWithContext(streamCtxt, http.MethodGet, streamURL.String(), nil)
	if err != nil {
		streamCancel()
		return nil, &SetupError{Kind: KindHTTPStream, Endpoint: d.URL, Err: err}
	}
	for key, values := range d.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		streamCancel()
		return nil, &SetupError{Kind: KindHTTPStream, Endpoint: d.URL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		streamCancel()
		return nil, &SetupError{
			Kind:       KindHTTPStream,
			Endpoint:   d.URL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	return &httpStreamConn{
		client:       client,
		header:       d.Header,
		sendURL:      sendURL.String(),
		writeTimeout: d.WriteTimeout,
		body:         resp.Body,
		reader:       bufio.NewReader(resp.Body),
		cancel:       streamCancel,
		streamCtxt:   streamCtxt,
	}, nil
}

// httpStreamConn client side of an HTTP stream
type httpStreamConn struct {
	client       *http.Client
	header       http.Header
	sendURL      string
	writeTimeout time.Duration
	body         io.ReadCloser
	reader       *bufio.Reader
	cancel       context.CancelFunc
	streamCtxt   context.Context
	writeLock    sync.Mutex
	closeOnce    sync.Once
}

func (c *httpStreamConn) Kind() string {
	return KindHTTPStream
}

func (c *httpStreamConn) ReadFrame() ([]byte, error) {
	frame, err := ReadStreamFrame(c.reader)
	if err != nil {
		var runErr *RuntimeError
		if errors.As(err, &runErr) {
			return nil, err
		}
		return nil, &RuntimeError{Kind: KindHTTPStream, Op: "read", Err: err}
	}
	return frame, nil
}

func (c *httpStreamConn) WriteFrame(frame []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	ctxt := c.streamCtxt
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctxt, cancel = context.WithTimeout(ctxt, c.writeTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctxt, http.MethodPost, c.sendURL, bytes.NewReader(frame))
	if err != nil {
		return &RuntimeError{Kind: KindHTTPStream, Op: "write", Err: err}
	}
	for key, values := range c.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Content-Type", StreamContentType)
	resp, err := c.client.Do(req)
	if err != nil {
		return &RuntimeError{Kind: KindHTTPStream, Op: "write", Err: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RuntimeError{
			Kind: KindHTTPStream, Op: "write", Err: fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	return nil
}

func (c *httpStreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.body.Close()
	})
	return err
}

// ReadStreamFrame read the next frame from a NUL delimited stream
//
// A lone end-of-line between frames is returned as a heart-beat. A frame declaring a
// content-length is read by length so its body may contain NUL. A frame larger than
// MaxFrameSize fails with a RuntimeError wrapping ErrFrameTooLarge.
func ReadStreamFrame(reader *bufio.Reader) ([]byte, error) {
	first, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if first == '\n' || first == '\r' {
		return []byte{first}, nil
	}
	if err := reader.UnreadByte(); err != nil {
		return nil, err
	}
	tooLarge := func(detail string) error {
		return &RuntimeError{
			Kind: KindHTTPStream, Op: "read", Err: fmt.Errorf("%w: %s", ErrFrameTooLarge, detail),
		}
	}

	raw := bytes.Buffer{}
	contentLength := -1
	lineCount := 0
	for {
		line, err := readBounded(reader, '\n', MaxFrameSize-raw.Len())
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				return nil, tooLarge("headers")
			}
			return nil, err
		}
		raw.Write(line)
		trimmed := strings.TrimRight(string(line), "\r\n")
		if lineCount > 0 && trimmed == "" {
			break
		}
		if lineCount > 0 && strings.HasPrefix(trimmed, "content-length:") && contentLength < 0 {
			rawLength := strings.TrimPrefix(trimmed, "content-length:")
			n, err := strconv.Atoi(rawLength)
			if err != nil && !errors.Is(err, strconv.ErrRange) {
				// Malformed lengths are left for the frame parser to reject
				n = -1
			} else if err != nil || n > MaxFrameSize-raw.Len()-1 {
				return nil, tooLarge(fmt.Sprintf("content-length %s", rawLength))
			}
			if n >= 0 {
				contentLength = n
			}
		}
		lineCount++
	}

	if contentLength >= 0 {
		body := make([]byte, contentLength+1)
		if _, err := io.ReadFull(reader, body); err != nil {
			return nil, err
		}
		raw.Write(body)
		return raw.Bytes(), nil
	}
	rest, err := readBounded(reader, 0, MaxFrameSize-raw.Len())
	if err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return nil, tooLarge("body")
		}
		return nil, err
	}
	raw.Write(rest)
	return raw.Bytes(), nil
}

// readBounded read up to and including delim, failing once more than limit bytes are read
func readBounded(reader *bufio.Reader, delim byte, limit int) ([]byte, error) {
	var out []byte
	for {
		chunk, err := reader.ReadSlice(delim)
		if len(out)+len(chunk) > limit {
			return nil, ErrFrameTooLarge
		}
		out = append(out, chunk...)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
}
