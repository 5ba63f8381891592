// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a VirtualServerError. The value is also the
// error_kind of the server_error payload sent to clients.
type ErrorKind string

const (
	// KindInternal wraps an error returned by the Handler.
	KindInternal ErrorKind = "internal"
	// KindDecode marks a request envelope that could not be decoded.
	KindDecode ErrorKind = "decode"
	// KindEncode marks a response that could not be encoded.
	KindEncode ErrorKind = "encode"
	// KindUnknownViewID marks a request for a view that does not exist.
	KindUnknownViewID ErrorKind = "unknown_view_id"
	// KindInvalidJSON marks a result that could not be serialized as JSON.
	KindInvalidJSON ErrorKind = "invalid_json"
)

// Sentinels for errors.Is. A *VirtualServerError matches the sentinel of
// its Kind.
var (
	ErrInternal      = &VirtualServerError{Kind: KindInternal}
	ErrDecode        = &VirtualServerError{Kind: KindDecode}
	ErrEncode        = &VirtualServerError{Kind: KindEncode}
	ErrUnknownViewID = &VirtualServerError{Kind: KindUnknownViewID}
	ErrInvalidJSON   = &VirtualServerError{Kind: KindInvalidJSON}
)

// ErrNotSupported is wrapped in an internal error when a request needs an
// optional Handler capability the engine does not implement.
var ErrNotSupported = errors.New("not supported")

// ErrServerBound is returned by a loopback send from a client other than the
// one the VirtualServer already serves.
var ErrServerBound = errors.New("virtual server is bound to another client")

// VirtualServerError is returned by VirtualServer.HandleRequest. Handler
// failures are KindInternal; the other kinds are protocol failures.
type VirtualServerError struct {
	Kind ErrorKind
	// ViewID is set for KindUnknownViewID.
	ViewID string
	// MsgID is the msg id of the failed request when it could be read.
	MsgID uint32
	Err   error
}

func (e *VirtualServerError) Error() string {
	switch {
	case e.Kind == KindUnknownViewID:
		return fmt.Sprintf("unknown view id %q", e.ViewID)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *VirtualServerError) Unwrap() error { return e.Err }

// Is matches any *VirtualServerError with the same Kind.
func (e *VirtualServerError) Is(target error) bool {
	t, ok := target.(*VirtualServerError)
	return ok && t.Kind == e.Kind
}

// Message is the text sent to clients in a server_error payload.
func (e *VirtualServerError) Message() string {
	if e.Kind == KindUnknownViewID {
		return e.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func internalError(err error) *VirtualServerError {
	var vsErr *VirtualServerError
	if errors.As(err, &vsErr) {
		cp := *vsErr
		return &cp
	}
	return &VirtualServerError{Kind: KindInternal, Err: err}
}

func unsupported(what string) *VirtualServerError {
	return &VirtualServerError{Kind: KindInternal, Err: fmt.Errorf("%s: %w", what, ErrNotSupported)}
}
