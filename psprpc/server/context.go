// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package server

import "context"

// CallContext provides request-scoped information to Handler methods.
type CallContext struct {
	// MsgID is the client-assigned id of the request being served.
	MsgID uint32
	// EntityID is the table or view the request addresses.
	EntityID string
	// Kind is the request payload kind, e.g. "table_make_view_req".
	Kind string
	// ServerID is the identifier set with WithServerID.
	ServerID string
	// Metadata holds custom envelope metadata sent by the client.
	Metadata map[string]string
}

type callContextKey struct{}

func withCallContext(ctx context.Context, cc *CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// CallContextFrom returns the CallContext of the request ctx belongs to.
func CallContextFrom(ctx context.Context) (*CallContext, bool) {
	cc, ok := ctx.Value(callContextKey{}).(*CallContext)
	return cc, ok
}
