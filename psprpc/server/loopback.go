// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"

	"github.com/Query-farm/vgi-perspective/psprpc/client"
)

// Loopback returns a SendFunc that serves requests in process. Replies and
// pushes are handed to the sending client's Receive before the send
// returns. Client callbacks that issue further requests must do so from
// another goroutine.
//
// vs is bound to the first client that sends through it; sends from any
// other client fail with ErrServerBound. Clients sharing an engine each
// need their own VirtualServer.
func Loopback(vs *VirtualServer) client.SendFunc {
	return func(ctx context.Context, c *client.Client, data []byte) error {
		if !vs.bind(c) {
			return ErrServerBound
		}
		if out := vs.Respond(ctx, data); out != nil {
			deliver(vs, c, out)
		}
		return nil
	}
}

// NewLoopbackClient returns a Client wired to vs in process.
func NewLoopbackClient(vs *VirtualServer, opts ...client.Option) *client.Client {
	return client.NewClient(Loopback(vs), opts...)
}

// bind makes c the owner of s and points the push sink at it. It reports
// whether c owns s.
func (s *VirtualServer) bind(c *client.Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == nil {
		s.owner = c
		s.push = func(push []byte) { deliver(s, c, push) }
	}
	return s.owner == c
}

func deliver(vs *VirtualServer, c *client.Client, data []byte) {
	if err := c.Receive(data); err != nil {
		vs.logger.Warn("loopback delivery", "err", err)
	}
}
