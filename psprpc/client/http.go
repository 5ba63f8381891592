// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/Query-farm/vgi-perspective/psprpc"
	"github.com/klauspost/compress/zstd"
)

// Content type and encoding used by the HTTP transport.
const (
	ArrowContentType = "application/vnd.apache.arrow.stream"
	ZstdEncoding     = "zstd"
	// SessionHeader carries the HTTP session id. The server sets it on the
	// first reply and the transport echoes it on every later request.
	SessionHeader = "Psp-Session"
)

// HTTPOption configures NewHTTPSend.
type HTTPOption func(*httpTransport)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(t *httpTransport) { t.hc = hc }
}

// WithCompression compresses request bodies with zstd at the given level
// (1-22) and asks the server to compress replies.
func WithCompression(level int) HTTPOption {
	return func(t *httpTransport) { t.level = level }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(t *httpTransport) { t.header.Add(key, value) }
}

type httpTransport struct {
	url    string
	hc     *http.Client
	level  int
	header http.Header
	enc    *zstd.Encoder
	dec    *zstd.Decoder

	mu      sync.Mutex
	session string
}

// NewHTTPSend returns a SendFunc that POSTs each request to url. The reply
// body is a sequence of length-prefixed response envelopes, each handed to
// Client.Receive before the send returns. A 204 reply carries nothing.
// Server pushes outside a request cannot be delivered over HTTP. The
// SendFunc keeps one server session; use one per Client.
func NewHTTPSend(url string, opts ...HTTPOption) (SendFunc, error) {
	t := &httpTransport{url: url, hc: http.DefaultClient, header: http.Header{}}
	for _, opt := range opts {
		opt(t)
	}
	if t.level > 0 {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(t.level)))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		t.enc = enc
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	t.dec = dec
	return t.send, nil
}

func (t *httpTransport) send(ctx context.Context, c *Client, data []byte) error {
	body := data
	if t.enc != nil {
		body = t.enc.EncodeAll(data, nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", ArrowContentType)
	// The request that opens the session holds mu until the id is known, so
	// concurrent first requests share one session.
	t.mu.Lock()
	opening := t.session == ""
	if !opening {
		req.Header.Set(SessionHeader, t.session)
		t.mu.Unlock()
	}
	if t.enc != nil {
		req.Header.Set("Content-Encoding", ZstdEncoding)
		req.Header.Set("Accept-Encoding", ZstdEncoding)
	}

	resp, err := t.hc.Do(req)
	if opening {
		if err == nil {
			t.session = resp.Header.Get(SessionHeader)
		}
		t.mu.Unlock()
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading reply: %w", err)
	}
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), ZstdEncoding) {
		if raw, err = t.dec.DecodeAll(raw, nil); err != nil {
			return fmt.Errorf("decompressing reply: %w", err)
		}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	r := bytes.NewReader(raw)
	for {
		frame, err := psprpc.ReadFrame(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading reply frame: %w", err)
		}
		if err := c.Receive(frame); err != nil {
			c.logger.Warn("inbound envelope", "error", err)
		}
	}
}
