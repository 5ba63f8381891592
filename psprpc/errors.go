// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package psprpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
)

var (
	// ErrFrameTooLarge is returned by ReadFrame and WriteFrame when a frame
	// exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("psprpc: frame exceeds maximum size")

	// ErrMissingKind marks an envelope whose payload variant is not set.
	ErrMissingKind = errors.New("psprpc: envelope has no payload kind")
)

// ErrExpr is a sentinel for use with errors.Is to check whether any error in
// a chain is an *ExprError.
var ErrExpr = &ExprError{}

// ExprError is an expression that failed to parse or type-check. Line and
// Column locate the failure in the expression text.
type ExprError struct {
	Message string
	Line    uint32
	Column  uint32
}

func (e *ExprError) Error() string {
	if e.Line == 0 && e.Column == 0 {
		return fmt.Sprintf("invalid expression: %s", e.Message)
	}
	return fmt.Sprintf("invalid expression at %d:%d: %s", e.Line, e.Column, e.Message)
}

// Is supports errors.Is by matching any *ExprError target.
func (e *ExprError) Is(target error) bool {
	_, ok := target.(*ExprError)
	return ok
}

// ValidationError converts e into its wire form.
func (e *ExprError) ValidationError() ExprValidationError {
	return ExprValidationError{Message: e.Message, Line: e.Line, Column: e.Column}
}

// AsValidationError maps any error to an ExprValidationError, keeping the
// position when err wraps an *ExprError.
func AsValidationError(err error) ExprValidationError {
	var exprErr *ExprError
	if errors.As(err, &exprErr) {
		return exprErr.ValidationError()
	}
	return ExprValidationError{Message: err.Error()}
}

// UnknownKindError is returned by the decoders for a kind tag that is not in
// the registry.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("psprpc: unknown payload kind %q", e.Kind)
}

// stackFrame is one caller frame reported in psp.log_extra.
type stackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// errorExtra is the JSON structure written to psp.log_extra on error
// responses.
type errorExtra struct {
	ErrorKind    string       `json:"error_kind"`
	ErrorMessage string       `json:"error_message"`
	Frames       []stackFrame `json:"frames,omitempty"`
}

// buildErrorExtra creates the psp.log_extra JSON for an error response.
func buildErrorExtra(kind, message string) string {
	var frames []stackFrame
	pcs := make([]uintptr, 10)
	n := runtime.Callers(3, pcs)
	if n > 0 {
		callersFrames := runtime.CallersFrames(pcs[:n])
		for len(frames) < 5 {
			frame, more := callersFrames.Next()
			frames = append(frames, stackFrame{
				File:     frame.File,
				Line:     frame.Line,
				Function: frame.Function,
			})
			if !more {
				break
			}
		}
	}

	data, _ := json.Marshal(errorExtra{
		ErrorKind:    kind,
		ErrorMessage: message,
		Frames:       frames,
	})
	return string(data)
}
