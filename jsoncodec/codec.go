// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package jsoncodec implements reading and writing of JSON-RPC 2.0
// messages (see http://www.jsonrpc.org/specification).
//
// Parameters are always passed by name through an object; passing
// by position (array) is not supported, nor are batched requests.
// Each message is a single JSON object, written to or read from a
// caller-supplied stream, so the codec never owns a connection.
package jsoncodec

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/juju/errors"
)

// Version is the protocol version written to and required from
// every message envelope.
const Version = "2.0"

// ObjectID identifies a remote object instance. It is passed
// through to the wire format unchanged.
type ObjectID string

// TypeID identifies the remote object's type. It is passed
// through to the wire format unchanged.
type TypeID string

// MessageType describes the kind of message an exchange carries.
type MessageType int

const (
	// Request is a two-way call expecting a response message.
	Request MessageType = iota
	// Notification is a one-way call with no response.
	Notification
	// Event is a one-way event delivery; framed like Notification.
	Event
)

// OneWay reports whether messages of this type elicit no response.
func (t MessageType) OneWay() bool {
	return t != Request
}

func (t MessageType) String() string {
	switch t {
	case Request:
		return "request"
	case Notification:
		return "notification"
	case Event:
		return "event"
	}
	return "unknown"
}

// reqEnvelope is the wire form of an outgoing message. The object
// and type members are protocol extensions carrying the remote
// object identity; servers that route on the request URI alone can
// ignore them.
type reqEnvelope struct {
	Version string                     `json:"jsonrpc"`
	ID      *uint64                    `json:"id,omitempty"`
	Method  string                     `json:"method"`
	Object  string                     `json:"object,omitempty"`
	Type    string                     `json:"type,omitempty"`
	Params  map[string]json.RawMessage `json:"params"`
}

type respEnvelope struct {
	Version string          `json:"jsonrpc"`
	ID      *uint64         `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *wireError      `json:"error"`
}

type wireError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Serializer renders one outgoing message onto a byte sink. The
// transport creates one per exchange via BeginWriting and the caller
// adds named parameters before the message is sent.
type Serializer struct {
	w   io.Writer
	env reqEnvelope
}

// BeginWriting returns a Serializer writing to w.
func BeginWriting(w io.Writer) *Serializer {
	return &Serializer{w: w}
}

// BeginMessage starts a message for the given remote object and
// method. Requests carry the correlation id; one-way message types
// omit it, which is the JSON-RPC notification form.
func (s *Serializer) BeginMessage(oid ObjectID, tid TypeID, name string, mtype MessageType, id uint64) {
	s.env = reqEnvelope{
		Version: Version,
		Method:  name,
		Object:  string(oid),
		Type:    string(tid),
		Params:  make(map[string]json.RawMessage),
	}
	if !mtype.OneWay() {
		s.env.ID = &id
	}
}

// Param adds a single named parameter to the message.
func (s *Serializer) Param(name string, value any) error {
	if name == "" {
		return errors.New("parameter name cannot be empty")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Annotatef(err, "marshalling parameter %q", name)
	}
	s.env.Params[name] = data
	return nil
}

// Params sets named parameters wholesale from v, which must marshal
// to a JSON object (a struct or a string-keyed map). A value that
// marshals to an array is rejected: positional parameters are not
// part of this protocol.
func (s *Serializer) Params(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Annotate(err, "marshalling parameters")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return errors.New("parameters must marshal to an object; positional parameters are not supported")
	}
	for name, raw := range m {
		s.env.Params[name] = raw
	}
	return nil
}

// EndMessage writes the complete envelope to the sink. The
// Serializer must not be reused afterwards.
func (s *Serializer) EndMessage() error {
	if err := json.NewEncoder(s.w).Encode(&s.env); err != nil {
		return errors.Annotate(err, "writing message")
	}
	return nil
}

// Deserializer parses one response message from a byte source.
type Deserializer struct {
	r   io.Reader
	env respEnvelope
}

// BeginReading returns a Deserializer reading from r.
func BeginReading(r io.Reader) *Deserializer {
	return &Deserializer{r: r}
}

// ReadMessage reads and validates the response envelope. It must be
// called exactly once, before ID, Fault or Result.
func (d *Deserializer) ReadMessage() error {
	var raw json.RawMessage
	if err := json.NewDecoder(d.r).Decode(&raw); err != nil {
		return errors.Annotate(err, "reading message")
	}
	if trimmed := bytes.TrimLeft(raw, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		return errors.New("batched responses are not supported")
	}
	if err := json.Unmarshal(raw, &d.env); err != nil {
		return errors.Annotate(err, "parsing message")
	}
	if d.env.Version != Version {
		return errors.Errorf("unexpected protocol version %q", d.env.Version)
	}
	if d.env.Result != nil && d.env.Error != nil {
		return errors.New("message carries both result and error")
	}
	return nil
}

// ID returns the correlation id of the message, if present.
func (d *Deserializer) ID() (uint64, bool) {
	if d.env.ID == nil {
		return 0, false
	}
	return *d.env.ID, true
}

// Fault returns the error object carried by the message, or nil if
// the message is a successful response.
func (d *Deserializer) Fault() *Fault {
	if d.env.Error == nil {
		return nil
	}
	return &Fault{
		Code:    d.env.Error.Code,
		Message: d.env.Error.Message,
		Data:    d.env.Error.Data,
	}
}

// Result unmarshals the result payload into the given value, which
// should be a pointer, or nil to discard the payload. If the message
// carries an error object the corresponding *Fault is returned
// instead; a fault is a normal remote outcome, not a transport
// failure.
func (d *Deserializer) Result(into any) error {
	if f := d.Fault(); f != nil {
		return f
	}
	if into == nil || d.env.Result == nil {
		return nil
	}
	if err := json.Unmarshal(d.env.Result, into); err != nil {
		return errors.Annotate(err, "unmarshalling result")
	}
	return nil
}
