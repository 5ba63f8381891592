// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package psprpc

import (
	"context"
	"strings"
)

// Dispatch category constants for DispatchInfo.Category.
const (
	DispatchCategoryTable  = "table"
	DispatchCategoryView   = "view"
	DispatchCategoryServer = "server"
)

// DispatchHook provides observability callpoints around request dispatch.
// Implementations must be safe for concurrent use (one VirtualServer runs
// per connection, and hooks are usually shared between them).
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error)
}

// HookToken is an opaque value returned by OnDispatchStart and passed back to
// OnDispatchEnd. Only meaningful to the DispatchHook that created it.
type HookToken interface{}

// DispatchInfo carries request metadata passed to hooks.
type DispatchInfo struct {
	Kind              string            // Request payload kind, e.g. "view_dimensions_req"
	Category          string            // DispatchCategoryTable, DispatchCategoryView or DispatchCategoryServer
	EntityID          string            // Table or view the request addresses
	MsgID             uint32            // Client-assigned message id
	ServerID          string            // Server identifier
	TransportMetadata map[string]string // Envelope custom metadata
}

// CallStatistics holds per-request I/O counters.
type CallStatistics struct {
	InputBytes  int64
	OutputBytes int64
	Pushes      int64
}

// RecordInput records the size of the request envelope.
func (s *CallStatistics) RecordInput(n int) {
	s.InputBytes += int64(n)
}

// RecordOutput records the size of one response or pushed envelope.
func (s *CallStatistics) RecordOutput(n int) {
	s.OutputBytes += int64(n)
}

// RecordPush records one pushed envelope of n bytes.
func (s *CallStatistics) RecordPush(n int) {
	s.Pushes++
	s.OutputBytes += int64(n)
}

// CategoryOf maps a request kind to its dispatch category.
func CategoryOf(kind string) string {
	switch {
	case strings.HasPrefix(kind, "view_"):
		return DispatchCategoryView
	case strings.HasPrefix(kind, "table_"), kind == "make_table_req":
		return DispatchCategoryTable
	default:
		return DispatchCategoryServer
	}
}

// ChainHooks combines hooks into one. Starts run in order and ends in
// reverse order; nil hooks are skipped.
func ChainHooks(hooks ...DispatchHook) DispatchHook {
	var live chainedHook
	for _, h := range hooks {
		if h != nil {
			live = append(live, h)
		}
	}
	if len(live) == 1 {
		return live[0]
	}
	return live
}

type chainedHook []DispatchHook

func (c chainedHook) OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken) {
	tokens := make([]HookToken, len(c))
	for i, h := range c {
		var next context.Context
		next, tokens[i] = h.OnDispatchStart(ctx, info)
		if next != nil {
			ctx = next
		}
	}
	return ctx, tokens
}

func (c chainedHook) OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error) {
	tokens, _ := token.([]HookToken)
	for i := len(c) - 1; i >= 0; i-- {
		var t HookToken
		if i < len(tokens) {
			t = tokens[i]
		}
		c[i].OnDispatchEnd(ctx, t, info, stats, err)
	}
}
