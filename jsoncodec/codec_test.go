// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jsoncodec_test

import (
	"bytes"
	"encoding/json"
	"strings"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/jsonrpc/jsoncodec"
)

type codecSuite struct{}

var _ = gc.Suite(&codecSuite{})

func (s *codecSuite) TestRequestEnvelope(c *gc.C) {
	var buf bytes.Buffer
	ser := jsoncodec.BeginWriting(&buf)
	ser.BeginMessage("calc-1", "Calculator", "add", jsoncodec.Request, 7)
	c.Assert(ser.Param("a", 2), jc.ErrorIsNil)
	c.Assert(ser.Param("b", 3), jc.ErrorIsNil)
	c.Assert(ser.EndMessage(), jc.ErrorIsNil)

	var env map[string]json.RawMessage
	c.Assert(json.Unmarshal(buf.Bytes(), &env), jc.ErrorIsNil)
	c.Check(string(env["jsonrpc"]), gc.Equals, `"2.0"`)
	c.Check(string(env["id"]), gc.Equals, "7")
	c.Check(string(env["method"]), gc.Equals, `"add"`)
	c.Check(string(env["object"]), gc.Equals, `"calc-1"`)
	c.Check(string(env["type"]), gc.Equals, `"Calculator"`)

	var params map[string]int
	c.Assert(json.Unmarshal(env["params"], &params), jc.ErrorIsNil)
	c.Check(params, jc.DeepEquals, map[string]int{"a": 2, "b": 3})
}

func (s *codecSuite) TestNotificationOmitsID(c *gc.C) {
	var buf bytes.Buffer
	ser := jsoncodec.BeginWriting(&buf)
	ser.BeginMessage("logger", "Logger", "log", jsoncodec.Notification, 42)
	c.Assert(ser.Param("message", "hello"), jc.ErrorIsNil)
	c.Assert(ser.EndMessage(), jc.ErrorIsNil)

	var env map[string]json.RawMessage
	c.Assert(json.Unmarshal(buf.Bytes(), &env), jc.ErrorIsNil)
	_, hasID := env["id"]
	c.Check(hasID, jc.IsFalse)
}

func (s *codecSuite) TestEventFramedLikeNotification(c *gc.C) {
	var buf bytes.Buffer
	ser := jsoncodec.BeginWriting(&buf)
	ser.BeginMessage("sensor", "Sensor", "reading", jsoncodec.Event, 9)
	c.Assert(ser.EndMessage(), jc.ErrorIsNil)

	var env map[string]json.RawMessage
	c.Assert(json.Unmarshal(buf.Bytes(), &env), jc.ErrorIsNil)
	_, hasID := env["id"]
	c.Check(hasID, jc.IsFalse)
}

func (s *codecSuite) TestParamsFromStruct(c *gc.C) {
	var buf bytes.Buffer
	ser := jsoncodec.BeginWriting(&buf)
	ser.BeginMessage("calc-1", "Calculator", "add", jsoncodec.Request, 1)
	err := ser.Params(struct {
		A int    `json:"a"`
		B string `json:"b"`
	}{A: 1, B: "two"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ser.EndMessage(), jc.ErrorIsNil)

	var env struct {
		Params map[string]json.RawMessage `json:"params"`
	}
	c.Assert(json.Unmarshal(buf.Bytes(), &env), jc.ErrorIsNil)
	c.Check(string(env.Params["a"]), gc.Equals, "1")
	c.Check(string(env.Params["b"]), gc.Equals, `"two"`)
}

func (s *codecSuite) TestParamsRejectsArray(c *gc.C) {
	ser := jsoncodec.BeginWriting(&bytes.Buffer{})
	ser.BeginMessage("calc-1", "Calculator", "add", jsoncodec.Request, 1)
	err := ser.Params([]int{1, 2})
	c.Assert(err, gc.ErrorMatches, "parameters must marshal to an object; positional parameters are not supported")
}

func (s *codecSuite) TestParamRejectsEmptyName(c *gc.C) {
	ser := jsoncodec.BeginWriting(&bytes.Buffer{})
	ser.BeginMessage("calc-1", "Calculator", "add", jsoncodec.Request, 1)
	err := ser.Param("", 1)
	c.Assert(err, gc.ErrorMatches, "parameter name cannot be empty")
}

func (s *codecSuite) TestReadResult(c *gc.C) {
	d := jsoncodec.BeginReading(strings.NewReader(`{"jsonrpc":"2.0","id":7,"result":5}`))
	c.Assert(d.ReadMessage(), jc.ErrorIsNil)

	id, ok := d.ID()
	c.Check(ok, jc.IsTrue)
	c.Check(id, gc.Equals, uint64(7))
	c.Check(d.Fault(), gc.IsNil)

	var n int
	c.Assert(d.Result(&n), jc.ErrorIsNil)
	c.Check(n, gc.Equals, 5)
}

func (s *codecSuite) TestReadResultDiscard(c *gc.C) {
	d := jsoncodec.BeginReading(strings.NewReader(`{"jsonrpc":"2.0","id":1,"result":{"big":"payload"}}`))
	c.Assert(d.ReadMessage(), jc.ErrorIsNil)
	c.Assert(d.Result(nil), jc.ErrorIsNil)
}

func (s *codecSuite) TestReadFault(c *gc.C) {
	d := jsoncodec.BeginReading(strings.NewReader(
		`{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"no such method","data":{"method":"frobnicate"}}}`))
	c.Assert(d.ReadMessage(), jc.ErrorIsNil)

	var n int
	err := d.Result(&n)
	c.Assert(err, gc.NotNil)
	fault, ok := err.(*jsoncodec.Fault)
	c.Assert(ok, jc.IsTrue)
	c.Check(fault.Code, gc.Equals, jsoncodec.CodeMethodNotFound)
	c.Check(fault.Error(), gc.Equals, "no such method (code -32601)")

	var data struct {
		Method string `json:"method"`
	}
	c.Assert(fault.UnmarshalData(&data), jc.ErrorIsNil)
	c.Check(data.Method, gc.Equals, "frobnicate")
}

func (s *codecSuite) TestUnmarshalDataRequiresPointer(c *gc.C) {
	fault := &jsoncodec.Fault{Code: 1, Message: "x"}
	var data struct{}
	err := fault.UnmarshalData(data)
	c.Assert(err, gc.ErrorMatches, "UnmarshalData expects a pointer as an argument")
}

func (s *codecSuite) TestVersionMismatch(c *gc.C) {
	d := jsoncodec.BeginReading(strings.NewReader(`{"jsonrpc":"1.0","id":1,"result":true}`))
	c.Assert(d.ReadMessage(), gc.ErrorMatches, `unexpected protocol version "1.0"`)
}

func (s *codecSuite) TestBatchRejected(c *gc.C) {
	d := jsoncodec.BeginReading(strings.NewReader(`[{"jsonrpc":"2.0","id":1,"result":true}]`))
	c.Assert(d.ReadMessage(), gc.ErrorMatches, "batched responses are not supported")
}

func (s *codecSuite) TestResultAndErrorRejected(c *gc.C) {
	d := jsoncodec.BeginReading(strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"result":true,"error":{"code":1,"message":"x"}}`))
	c.Assert(d.ReadMessage(), gc.ErrorMatches, "message carries both result and error")
}

func (s *codecSuite) TestReadMalformed(c *gc.C) {
	d := jsoncodec.BeginReading(strings.NewReader(`{"jsonrpc":`))
	c.Assert(d.ReadMessage(), gc.ErrorMatches, "reading message: .*")
}
