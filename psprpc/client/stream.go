// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/Query-farm/vgi-perspective/psprpc"
)

// StreamConn carries length-prefixed envelopes over a byte stream such as a
// pipe, a subprocess's stdio or a TCP connection.
type StreamConn struct {
	client *Client
	r      io.Reader
	w      io.Writer

	writeMu sync.Mutex
	done    chan struct{}
	err     error
}

// NewStreamClient returns a Client writing frames to w and reading frames
// from r. The read loop stops when r ends or ctx is done, and the Client is
// closed with it. The caller owns closing r and w.
func NewStreamClient(ctx context.Context, r io.Reader, w io.Writer, opts ...Option) (*Client, *StreamConn) {
	sc := &StreamConn{r: r, w: w, done: make(chan struct{})}
	sc.client = NewClient(sc.send, opts...)
	go sc.readLoop(ctx)
	return sc.client, sc
}

func (sc *StreamConn) send(_ context.Context, _ *Client, data []byte) error {
	select {
	case <-sc.done:
		return connClosed(sc.err)
	default:
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return psprpc.WriteFrame(sc.w, data)
}

func (sc *StreamConn) readLoop(ctx context.Context) {
	defer func() {
		close(sc.done)
		sc.client.Close(connClosed(sc.err))
	}()
	for ctx.Err() == nil {
		frame, err := psprpc.ReadFrame(sc.r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				sc.err = err
				sc.client.logger.Warn("stream read", "error", err)
			}
			return
		}
		if err := sc.client.Receive(frame); err != nil {
			sc.client.logger.Warn("inbound envelope", "error", err)
		}
	}
}

// Done is closed when the read loop exits.
func (sc *StreamConn) Done() <-chan struct{} { return sc.done }

// Err returns the error that stopped the read loop, or nil after a clean
// end of stream. Valid once Done is closed.
func (sc *StreamConn) Err() error {
	<-sc.done
	return sc.err
}
