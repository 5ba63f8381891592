// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package conformance is a transport independent protocol suite. Each
// [Scenario] drives a connected [client.Client] through one part of the
// protocol (table and view lifecycle, subscriptions, error replies) and
// reports the first deviation it sees.
//
// Scenarios create uniquely named tables and delete what they create, so
// they may run against a server whose engine is shared with other clients.
// The server is expected to host a flat engine with sort, filter and
// expression support; pivot features are probed through [psprpc.Features]
// and skipped when absent.
package conformance
