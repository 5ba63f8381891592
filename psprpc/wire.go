// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package psprpc

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// EnvelopeError is returned when an envelope's header decoded but its
// payload did not. MsgID and EntityID are valid so a reply can still be
// correlated.
type EnvelopeError struct {
	MsgID    uint32
	EntityID string
	Kind     string
	Err      error
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("decoding %s payload (msg %d): %v", e.Kind, e.MsgID, e.Err)
}

func (e *EnvelopeError) Unwrap() error { return e.Err }

// EncodeRequest serializes a request as a single-batch Arrow IPC stream.
func EncodeRequest(req *Request) ([]byte, error) {
	return encodeEnvelope(req.MsgID, req.EntityID, req.Payload)
}

// EncodeResponse serializes a response as a single-batch Arrow IPC stream.
// Error payloads also carry EXCEPTION log metadata.
func EncodeResponse(resp *Response) ([]byte, error) {
	return encodeEnvelope(resp.MsgID, resp.EntityID, resp.Payload)
}

// DecodeRequest parses bytes produced by EncodeRequest.
func DecodeRequest(data []byte) (*Request, error) {
	env, err := decodeEnvelope(data, requestKinds)
	if err != nil {
		return nil, err
	}
	return &Request{MsgID: env.msgID, EntityID: env.entityID, Payload: env.payload}, nil
}

// DecodeRequestWithMetadata is DecodeRequest that also returns the custom
// metadata of the batch.
func DecodeRequestWithMetadata(data []byte) (*Request, map[string]string, error) {
	env, err := decodeEnvelope(data, requestKinds)
	if err != nil {
		return nil, nil, err
	}
	return &Request{MsgID: env.msgID, EntityID: env.entityID, Payload: env.payload}, env.meta, nil
}

// DecodeResponse parses bytes produced by EncodeResponse.
func DecodeResponse(data []byte) (*Response, error) {
	env, err := decodeEnvelope(data, responseKinds)
	if err != nil {
		return nil, err
	}
	return &Response{MsgID: env.msgID, EntityID: env.entityID, Payload: env.payload}, nil
}

func encodeEnvelope(msgID uint32, entityID string, p Payload) ([]byte, error) {
	keys := []string{MetaProtocolVersion, MetaMsgID, MetaEntityID}
	vals := []string{ProtocolVersion, strconv.FormatUint(uint64(msgID), 10), entityID}

	var batch arrow.RecordBatch
	if p == nil || isNilPayload(p) {
		batch = array.NewRecordBatch(arrow.NewSchema(nil, nil), nil, 0)
	} else {
		var err error
		batch, err = encodePayload(p)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", p.Kind(), err)
		}
		keys = append(keys, MetaKind)
		vals = append(vals, p.Kind())
		if se := asServerError(p); se != nil {
			keys = append(keys, MetaLogLevel, MetaLogMessage, MetaLogExtra)
			vals = append(vals, string(LogException), se.Message, buildErrorExtra(se.ErrorKind, se.Message))
		}
	}
	defer batch.Release()

	schema := batch.Schema()
	meta := arrow.NewMetadata(keys, vals)
	batchWithMeta := array.NewRecordBatchWithMetadata(schema, batch.Columns(), batch.NumRows(), meta)
	defer batchWithMeta.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := writer.Write(batchWithMeta); err != nil {
		writer.Close()
		return nil, fmt.Errorf("writing envelope batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing envelope stream: %w", err)
	}
	return buf.Bytes(), nil
}

type envelope struct {
	msgID    uint32
	entityID string
	payload  Payload
	meta     map[string]string
}

func decodeEnvelope(data []byte, kinds map[string]reflect.Type) (*envelope, error) {
	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("reading envelope IPC stream: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, fmt.Errorf("reading envelope batch: %w", err)
		}
		return nil, errors.New("envelope stream has no batch")
	}
	batch := reader.RecordBatch()

	var meta arrow.Metadata
	if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
		meta = rb.Metadata()
	}

	version, ok := meta.GetValue(MetaProtocolVersion)
	if !ok {
		return nil, fmt.Errorf("missing %q in envelope metadata", MetaProtocolVersion)
	}
	if version != ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %q, expected %q", version, ProtocolVersion)
	}

	rawID, ok := meta.GetValue(MetaMsgID)
	if !ok {
		return nil, fmt.Errorf("missing %q in envelope metadata", MetaMsgID)
	}
	msgID, err := strconv.ParseUint(rawID, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid msg id %q: %w", rawID, err)
	}

	env := &envelope{
		msgID: uint32(msgID),
		meta:  make(map[string]string, meta.Len()),
	}
	env.entityID, _ = meta.GetValue(MetaEntityID)
	for i := range meta.Len() {
		env.meta[meta.Keys()[i]] = meta.Values()[i]
	}

	kind, ok := meta.GetValue(MetaKind)
	if !ok {
		return env, nil
	}
	target, ok := kinds[kind]
	if !ok {
		return nil, &EnvelopeError{MsgID: env.msgID, EntityID: env.entityID, Kind: kind, Err: &UnknownKindError{Kind: kind}}
	}
	value, err := decodePayload(batch, target)
	if err != nil {
		return nil, &EnvelopeError{MsgID: env.msgID, EntityID: env.entityID, Kind: kind, Err: err}
	}
	env.payload = value.Interface().(Payload)
	return env, nil
}

func isNilPayload(p Payload) bool {
	rv := reflect.ValueOf(p)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}

func asServerError(p Payload) *ServerError {
	switch se := p.(type) {
	case *ServerError:
		return se
	case ServerError:
		return &se
	}
	return nil
}
