package codec

import (
	"encoding/json"
	"testing"

	"keepalive-rpc/message"
)

func TestJSONCodecRequestRoundTrip(t *testing.T) {
	c := &JSONCodec{}

	req := message.Request{
		Service: "Echo",
		Method:  "Ping",
		Args:    json.RawMessage(`{"message":"hello"}`),
	}
	data, err := c.Encode(&req)
	if err != nil {
		t.Fatal(err)
	}

	var back message.Request
	if err := c.Decode(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Service != "Echo" || back.Method != "Ping" {
		t.Fatalf("unexpected request: %+v", back)
	}
	if string(back.Args) != `{"message":"hello"}` {
		t.Fatalf("args not preserved: %s", back.Args)
	}
}

func TestJSONCodecResponseStatus(t *testing.T) {
	c := &JSONCodec{}

	resp := message.Response{Status: message.StatusOK, Value: json.RawMessage(`{"n":42}`)}
	data, err := c.Encode(&resp)
	if err != nil {
		t.Fatal(err)
	}

	var back message.Response
	if err := c.Decode(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Status != message.StatusOK {
		t.Fatalf("expect StatusOK, got %v", back.Status)
	}
}

func TestDefaultIsJSON(t *testing.T) {
	if Default().Name() != "json" {
		t.Fatalf("expect json default, got %s", Default().Name())
	}
}
