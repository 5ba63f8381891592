// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package psprpc

// Well-known metadata keys used in the envelope wire format.
// These appear as custom_metadata on the Arrow IPC RecordBatch of each message.
const (
	MetaMsgID           = "psp.msg_id"
	MetaEntityID        = "psp.entity_id"
	MetaKind            = "psp.kind"
	MetaProtocolVersion = "psp.protocol_version"
	MetaLogLevel        = "psp.log_level"
	MetaLogMessage      = "psp.log_message"
	MetaLogExtra        = "psp.log_extra"
	MetaServerID        = "psp.server_id"

	ProtocolVersion = "1"
)
