// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package psprpc

import (
	"fmt"
	"log/slog"
)

// LogLevel is the severity carried in psp.log_level metadata.
type LogLevel string

const (
	// LogException marks an envelope carrying a request failure.
	LogException LogLevel = "EXCEPTION"
	LogError     LogLevel = "ERROR"
	LogWarn      LogLevel = "WARN"
	LogInfo      LogLevel = "INFO"
	LogDebug     LogLevel = "DEBUG"
)

// Redacted replaces raw table data and full result strings in logs.
const Redacted = "<redacted>"

// LogPayload wraps p for structured logging. Payloads that carry raw table
// data or serialized results render as Redacted; the payload itself is
// never modified.
func LogPayload(p Payload) slog.LogValuer {
	return loggedPayload{p}
}

// LogRequest wraps a request envelope for structured logging.
func LogRequest(req *Request) slog.LogValuer {
	return loggedEnvelope{msgID: req.MsgID, entityID: req.EntityID, payload: req.Payload}
}

// LogResponse wraps a response envelope for structured logging.
func LogResponse(resp *Response) slog.LogValuer {
	return loggedEnvelope{msgID: resp.MsgID, entityID: resp.EntityID, payload: resp.Payload}
}

type loggedPayload struct {
	p Payload
}

func (l loggedPayload) LogValue() slog.Value {
	if l.p == nil {
		return slog.StringValue("<none>")
	}
	if IsRedacted(l.p) {
		return slog.GroupValue(
			slog.String("kind", l.p.Kind()),
			slog.String("data", Redacted),
		)
	}
	return slog.GroupValue(
		slog.String("kind", l.p.Kind()),
		slog.String("data", fmt.Sprintf("%+v", l.p)),
	)
}

type loggedEnvelope struct {
	msgID    uint32
	entityID string
	payload  Payload
}

func (l loggedEnvelope) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("msg_id", l.msgID),
		slog.String("entity_id", l.entityID),
		slog.Any("payload", loggedPayload{l.payload}),
	)
}

// IsRedacted reports whether p is hidden in logs.
func IsRedacted(p Payload) bool {
	switch p.(type) {
	case MakeTableReq, *MakeTableReq,
		TableUpdateReq, *TableUpdateReq,
		TableReplaceReq, *TableReplaceReq,
		TableRemoveReq, *TableRemoveReq,
		ViewToArrowResp, *ViewToArrowResp,
		ViewToColumnsStringResp, *ViewToColumnsStringResp,
		ViewToRowsStringResp, *ViewToRowsStringResp,
		ViewToCsvResp, *ViewToCsvResp,
		ViewOnUpdateResp, *ViewOnUpdateResp:
		return true
	}
	return false
}
