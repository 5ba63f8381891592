// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"

	"github.com/Query-farm/vgi-perspective/psprpc"
)

// ErrorKind classifies a ClientError.
type ErrorKind string

const (
	// KindNotInitialized: capability features were requested before Init.
	KindNotInitialized ErrorKind = "NotInitialized"
	// KindOption: a response arrived without a payload variant.
	KindOption ErrorKind = "Option"
	// KindOptionResponseFailed: a response carried an unexpected variant.
	KindOptionResponseFailed ErrorKind = "OptionResponseFailed"
	// KindBadTableOptions: index and limit were both set.
	KindBadTableOptions ErrorKind = "BadTableOptions"
	// KindUnknown: protocol-level catch-all.
	KindUnknown ErrorKind = "Unknown"
	// KindDecode: an inbound envelope could not be decoded.
	KindDecode ErrorKind = "Decode"
	// KindTransport: the send callback failed.
	KindTransport ErrorKind = "Transport"
)

// Sentinels for errors.Is. A *ClientError matches the sentinel of its Kind.
var (
	ErrNotInitialized       = &ClientError{Kind: KindNotInitialized}
	ErrOption               = &ClientError{Kind: KindOption}
	ErrOptionResponseFailed = &ClientError{Kind: KindOptionResponseFailed}
	ErrBadTableOptions      = &ClientError{Kind: KindBadTableOptions}
	ErrUnknown              = &ClientError{Kind: KindUnknown}
	ErrDecode               = &ClientError{Kind: KindDecode}
	ErrTransport            = &ClientError{Kind: KindTransport}
)

// ClientError is returned by every Client, Table and View method that fails
// at the protocol layer. Response holds the payload that did not match when
// Kind is KindOptionResponseFailed.
type ClientError struct {
	Kind     ErrorKind
	Message  string
	Response psprpc.Payload
	Err      error
}

func (e *ClientError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *ClientError) Unwrap() error { return e.Err }

// Is matches any *ClientError with the same Kind.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	return ok && t.Kind == e.Kind
}

// ServerError returns the server's error payload when the mismatched
// response was one.
func (e *ClientError) ServerError() (*psprpc.ServerError, bool) {
	se, ok := e.Response.(*psprpc.ServerError)
	return se, ok
}

func unexpectedResponse(expected string, got psprpc.Payload) error {
	if got == nil {
		return &ClientError{Kind: KindOption, Message: fmt.Sprintf("expected %s, response had no payload", expected)}
	}
	msg := fmt.Sprintf("expected %s, got %s", expected, got.Kind())
	if se, ok := got.(*psprpc.ServerError); ok {
		msg = se.Error()
	}
	return &ClientError{Kind: KindOptionResponseFailed, Message: msg, Response: got}
}
