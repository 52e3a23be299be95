// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jsoncodec

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/juju/errors"
)

// Error codes defined by the JSON-RPC 2.0 specification. Codes from
// -32000 to -32099 are reserved for server-defined errors.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Fault is an error response returned by the remote peer. It is the
// JSON-RPC error object: a well-formed remote outcome that the
// transport passes through to the caller unchanged.
type Fault struct {
	Code    int
	Message string
	Data    map[string]any
}

// Error implements error.
func (f *Fault) Error() string {
	return fmt.Sprintf("%s (code %d)", f.Message, f.Code)
}

// UnmarshalData attempts to unmarshal the fault's data member into
// the object instance a pointer to which is passed via the to
// argument. It returns an error if a non-pointer arg is provided.
func (f *Fault) UnmarshalData(to any) error {
	if reflect.ValueOf(to).Kind() != reflect.Ptr {
		return errors.New("UnmarshalData expects a pointer as an argument")
	}
	data, err := json.Marshal(f.Data)
	if err != nil {
		return errors.Annotate(err, "marshalling fault data")
	}
	if err := json.Unmarshal(data, to); err != nil {
		return errors.Annotate(err, "unmarshalling fault data to provided target")
	}
	return nil
}
