// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package jsonrpc provides a client transport carrying remote
// procedure calls and one-way notifications over HTTP, using the
// JSON-RPC 2.0 request/response envelope.
//
// A Transport drives one exchange at a time against a single
// endpoint: the caller begins a message, writes named parameters
// through the returned serializer, then sends it; two-way requests
// block until the response has been read and yield a deserializer
// positioned at the result payload.
//
// The transport supports HTTP Basic and Digest authentication.
// For Digest authentication to work, chunked transfer encoding must
// be disabled, and Digest authentication is not supported for
// one-way messages. These exclusions, together with the requirement
// that compressed requests use chunked transfer encoding, are
// enforced at the start of every exchange.
//
// Connections are produced by a SessionPool, an explicitly
// constructed dependency that may be shared by any number of
// Transport instances so that connection reuse spans them. Cookies
// are persisted through a pluggable CookieStore; the shipped
// implementation is backed by a persistent cookie jar on disk.
package jsonrpc
