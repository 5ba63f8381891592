// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package client is the caller side of the psprpc session protocol: an RPC
// multiplexer ([Client]) plus [Table], [View] and [Session] handles.
//
// A Client does not own a connection. It is built around a [SendFunc] that
// moves request bytes to the server, and the transport hands every inbound
// envelope back through [Client.Receive]. Ready-made transports are
// provided for WebSocket, HTTP and framed byte streams.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Query-farm/vgi-perspective/psprpc"
)

// SendFunc transmits one encoded request. It may block on backpressure and
// must have enqueued the bytes before returning.
type SendFunc func(ctx context.Context, c *Client, data []byte) error

// OnceCallback consumes exactly one response and is then discarded.
type OnceCallback func(resp *psprpc.Response) error

// ManyCallback is invoked for every response tagged with its msg id until it
// is unsubscribed.
type ManyCallback func(resp *psprpc.Response) error

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for send and receive tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClientName labels log lines from this client.
func WithClientName(name string) Option {
	return func(c *Client) { c.name = name }
}

// Client multiplexes requests over one transport. The msg id space is shared
// by both registries: an id held by the once registry is a pending reply, an
// id held by the many registry is a live subscription tag that the server
// reuses for every push.
//
// A Client is safe for concurrent use and is shared by pointer.
type Client struct {
	name   string
	send   SendFunc
	logger *slog.Logger

	idGen atomic.Uint32

	mu   sync.RWMutex
	once map[uint32]OnceCallback
	many map[uint32]ManyCallback

	featuresMu sync.RWMutex
	features   *psprpc.Features

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewClient creates a Client that transmits through send.
func NewClient(send SendFunc, opts ...Option) *Client {
	c := &Client{
		send:   send,
		logger: slog.Default(),
		once:   make(map[uint32]OnceCallback),
		many:   make(map[uint32]ManyCallback),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.name != "" {
		c.logger = c.logger.With("client", c.name)
	}
	return c
}

// genID returns a fresh msg id. Ids start at 1, skip 0 on wrap, and skip any
// id still held by either registry.
func (c *Client) genID() uint32 {
	for {
		id := c.idGen.Add(1)
		if id == 0 {
			continue
		}
		c.mu.RLock()
		_, pending := c.once[id]
		_, live := c.many[id]
		c.mu.RUnlock()
		if !pending && !live {
			return id
		}
	}
}

// NewRequest builds a request with a fresh msg id.
func (c *Client) NewRequest(entityID string, payload psprpc.Payload) *psprpc.Request {
	return &psprpc.Request{MsgID: c.genID(), EntityID: entityID, Payload: payload}
}

// Oneshot sends req and waits for its reply payload. The reply callback is
// registered before the request is transmitted.
//
// If ctx ends first, the pending entry is removed and ctx.Err() is returned;
// a reply arriving later is dropped as unmatched.
func (c *Client) Oneshot(ctx context.Context, req *psprpc.Request) (psprpc.Payload, error) {
	replies := make(chan *psprpc.Response, 1)
	c.mu.Lock()
	c.once[req.MsgID] = func(resp *psprpc.Response) error {
		replies <- resp
		return nil
	}
	c.mu.Unlock()

	if err := c.transmit(ctx, req); err != nil {
		c.removeOnce(req.MsgID)
		return nil, err
	}

	select {
	case resp := <-replies:
		if resp.Payload == nil {
			return nil, &ClientError{Kind: KindOption, Message: fmt.Sprintf("response to msg %d has no payload", req.MsgID)}
		}
		return resp.Payload, nil
	case <-ctx.Done():
		c.removeOnce(req.MsgID)
		return nil, ctx.Err()
	case <-c.closed:
		return nil, c.closeErr
	}
}

// Subscribe installs cb under req.MsgID and sends req. cb stays installed
// until Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, req *psprpc.Request, cb ManyCallback) error {
	c.mu.Lock()
	c.many[req.MsgID] = cb
	c.mu.Unlock()

	if err := c.transmit(ctx, req); err != nil {
		c.mu.Lock()
		delete(c.many, req.MsgID)
		c.mu.Unlock()
		return err
	}
	return nil
}

// SubscribeOnce installs cb under req.MsgID for a single response and sends
// req without waiting.
func (c *Client) SubscribeOnce(ctx context.Context, req *psprpc.Request, cb OnceCallback) error {
	c.mu.Lock()
	c.once[req.MsgID] = cb
	c.mu.Unlock()

	if err := c.transmit(ctx, req); err != nil {
		c.removeOnce(req.MsgID)
		return err
	}
	return nil
}

// Unsubscribe removes the callback registered under id from whichever
// registry holds it.
func (c *Client) Unsubscribe(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.once[id]; ok {
		delete(c.once, id)
		return nil
	}
	if _, ok := c.many[id]; ok {
		delete(c.many, id)
		return nil
	}
	return &ClientError{Kind: KindUnknown, Message: fmt.Sprintf("no subscription with id %d", id)}
}

// Receive decodes one inbound envelope and dispatches it. A once callback is
// removed before it runs; a many callback stays. Unmatched ids are logged
// and dropped. Receive may be called from any goroutine; callbacks run
// outside the registry lock and should hand off long work.
func (c *Client) Receive(data []byte) error {
	resp, err := psprpc.DecodeResponse(data)
	if err != nil {
		return &ClientError{Kind: KindDecode, Err: err}
	}

	c.mu.Lock()
	onceCB, ok := c.once[resp.MsgID]
	if ok {
		delete(c.once, resp.MsgID)
	}
	c.mu.Unlock()
	if ok {
		return onceCB(resp)
	}

	c.mu.RLock()
	manyCB, ok := c.many[resp.MsgID]
	c.mu.RUnlock()
	if ok {
		return manyCB(resp)
	}

	c.logger.Debug("dropping unmatched response", "response", psprpc.LogResponse(resp))
	return nil
}

// Close tears the client down with its transport. Pending oneshots return a
// KindTransport error wrapping cause, other callbacks are dropped and later
// requests fail the same way. Only the first call has an effect.
func (c *Client) Close(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = &ClientError{Kind: KindTransport, Message: "client closed", Err: cause}
		c.mu.Lock()
		clear(c.once)
		clear(c.many)
		c.mu.Unlock()
		close(c.closed)
	})
}

// Pending reports the number of installed once and many callbacks.
func (c *Client) Pending() (once, many int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.once), len(c.many)
}

func (c *Client) removeOnce(id uint32) {
	c.mu.Lock()
	delete(c.once, id)
	c.mu.Unlock()
}

func (c *Client) transmit(ctx context.Context, req *psprpc.Request) error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
	}
	data, err := psprpc.EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", req.Payload.Kind(), err)
	}
	c.logger.Debug("sending request", "request", psprpc.LogRequest(req), "bytes", len(data))
	if err := c.send(ctx, c, data); err != nil {
		return &ClientError{Kind: KindTransport, Message: req.Payload.Kind(), Err: err}
	}
	return nil
}

// call performs a oneshot and asserts the reply variant.
func call[T psprpc.Payload](ctx context.Context, c *Client, entityID string, payload psprpc.Payload) (T, error) {
	var zero T
	got, err := c.Oneshot(ctx, c.NewRequest(entityID, payload))
	if err != nil {
		return zero, err
	}
	resp, ok := got.(T)
	if !ok {
		return zero, unexpectedResponse(psprpc.KindOf[T](), got)
	}
	return resp, nil
}

// Init fetches and caches the server's capability features.
func (c *Client) Init(ctx context.Context) error {
	resp, err := call[*psprpc.GetFeaturesResp](ctx, c, "", &psprpc.GetFeaturesReq{})
	if err != nil {
		return err
	}
	features := resp.Features
	c.featuresMu.Lock()
	c.features = &features
	c.featuresMu.Unlock()
	return nil
}

// Features returns the features cached by Init.
func (c *Client) Features() (*psprpc.Features, error) {
	c.featuresMu.RLock()
	defer c.featuresMu.RUnlock()
	if c.features == nil {
		return nil, ErrNotInitialized
	}
	return c.features, nil
}

// GetHostedTables lists the tables the server currently hosts.
func (c *Client) GetHostedTables(ctx context.Context) ([]psprpc.HostedTable, error) {
	resp, err := call[*psprpc.GetHostedTablesResp](ctx, c, "", &psprpc.GetHostedTablesReq{})
	if err != nil {
		return nil, err
	}
	return resp.Tables, nil
}

// GetHostedTableNames lists the entity ids of the hosted tables.
func (c *Client) GetHostedTableNames(ctx context.Context) ([]string, error) {
	tables, err := c.GetHostedTables(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.EntityID
	}
	return names, nil
}

// OnHostedTablesUpdate calls cb whenever a table is created or deleted on the
// server. The returned id is passed to RemoveHostedTablesUpdate.
func (c *Client) OnHostedTablesUpdate(ctx context.Context, cb func([]psprpc.HostedTable)) (uint32, error) {
	req := c.NewRequest("", &psprpc.GetHostedTablesReq{Subscribe: true})
	err := c.Subscribe(ctx, req, func(resp *psprpc.Response) error {
		update, ok := resp.Payload.(*psprpc.GetHostedTablesResp)
		if !ok {
			return unexpectedResponse("get_hosted_tables_resp", resp.Payload)
		}
		cb(update.Tables)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return req.MsgID, nil
}

// RemoveHostedTablesUpdate cancels a subscription made by
// OnHostedTablesUpdate.
func (c *Client) RemoveHostedTablesUpdate(ctx context.Context, id uint32) error {
	if err := c.Unsubscribe(id); err != nil {
		return err
	}
	_, err := call[*psprpc.RemoveHostedTablesUpdateResp](ctx, c, "", &psprpc.RemoveHostedTablesUpdateReq{ID: id})
	return err
}

// SystemInfo reports the server's memory usage.
func (c *Client) SystemInfo(ctx context.Context) (*psprpc.SystemInfo, error) {
	resp, err := call[*psprpc.ServerSystemInfoResp](ctx, c, "", &psprpc.ServerSystemInfoReq{})
	if err != nil {
		return nil, err
	}
	return &psprpc.SystemInfo{HeapSize: resp.HeapSize, UsedSize: resp.UsedSize, Timestamp: resp.Timestamp}, nil
}
