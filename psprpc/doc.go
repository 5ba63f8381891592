// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package psprpc defines the session protocol spoken between a thin
// analytics client and a query engine that owns Table and View entities.
//
// Every message is a [Request] or [Response] envelope: a numeric msg id,
// an entity id, and one payload variant. The client correlates responses to
// callers by msg id; the same id also tags every update the server pushes
// for a standing subscription.
//
// # Wire format
//
// An envelope is one Apache Arrow IPC stream holding a single record batch.
// The batch custom metadata carries the envelope header:
//
//	psp.protocol_version  always "1"
//	psp.msg_id            decimal uint32
//	psp.entity_id         table or view id
//	psp.kind              payload tag, e.g. "view_dimensions_req"
//
// Payload fields become the batch's columns, one row per message. Fields
// are declared with `psp` struct tags:
//
//	`psp:"wire_name[,msgpack]"`
//
// Strings, bools, integers, floats, byte slices, lists and string-keyed maps
// map to the matching Arrow types. Pointer fields become nullable columns.
// The msgpack option stores a nested value (a [ViewConfig], [Features],
// [Schema] and so on) as a binary column encoded with msgpack.
//
// Error responses ([ServerError]) additionally carry psp.log_level,
// psp.log_message and psp.log_extra metadata.
//
// # Frames
//
// Byte-stream transports prefix each envelope with a 4-byte big-endian
// length. See [WriteFrame] and [ReadFrame].
//
// # View configuration
//
// [ViewConfig] is the full query of a View; [ViewConfigUpdate] is its
// partial counterpart where a nil field means "leave unchanged". Use
// [ViewConfig.ApplyUpdate] to merge and [ViewConfig.IsEquivalent] to
// compare.
//
// Client and server live in the client and server subpackages.
package psprpc
