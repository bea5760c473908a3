package server

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"keepalive-rpc/codec"
	"keepalive-rpc/message"
	"keepalive-rpc/transport"
)

type AddArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

type AddReply struct {
	Sum int `json:"sum"`
}

type Math struct{}

func (m *Math) Add(args *AddArgs, reply *AddReply) error {
	reply.Sum = args.A + args.B
	return nil
}

func (m *Math) Div(args *AddArgs, reply *AddReply) error {
	if args.B == 0 {
		return errors.New("division by zero")
	}
	reply.Sum = args.A / args.B
	return nil
}

func startTestServer(t *testing.T, keepAlive bool) string {
	t.Helper()
	svr := NewServer()
	svr.GrantKeepAlive(keepAlive)
	if err := svr.Register(&Math{}); err != nil {
		t.Fatal(err)
	}
	go svr.Serve("tcp", "127.0.0.1:0", "", nil)
	time.Sleep(100 * time.Millisecond)
	addr := svr.Addr()
	if addr == "" {
		t.Fatal("server did not start")
	}
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return addr
}

func dialAndHandshake(t *testing.T, addr string) (transport.Channel, bool) {
	t.Helper()
	ch, err := transport.Dial(addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	persistent, err := transport.Handshake(ch, codec.Default())
	if err != nil {
		ch.Close()
		t.Fatal(err)
	}
	return ch, persistent
}

func sendRequest(t *testing.T, ch transport.Channel, req *message.Request) *message.Response {
	t.Helper()
	cdc := codec.Default()
	payload, err := cdc.Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(payload); err != nil {
		t.Fatal(err)
	}
	raw, err := ch.Recv()
	if err != nil {
		t.Fatal(err)
	}
	var resp message.Response
	if err := cdc.Decode(raw, &resp); err != nil {
		t.Fatal(err)
	}
	return &resp
}

func TestHandshakeGrantsKeepAlive(t *testing.T) {
	addr := startTestServer(t, true)

	ch, persistent := dialAndHandshake(t, addr)
	defer ch.Close()
	if !persistent {
		t.Fatal("expect keep-alive to be granted")
	}
}

func TestHandshakeDowngradesWhenDisabled(t *testing.T) {
	addr := startTestServer(t, false)

	ch, persistent := dialAndHandshake(t, addr)
	defer ch.Close()
	if persistent {
		t.Fatal("expect downgrade to close when keep-alive is disabled")
	}
}

func TestRejectsNonConnectFirstMessage(t *testing.T) {
	addr := startTestServer(t, true)

	ch, err := transport.Dial(addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	// Skip the handshake and send an invocation straight away.
	cdc := codec.Default()
	payload, err := cdc.Encode(&message.Request{Service: "Math", Method: "Add"})
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(payload); err != nil {
		t.Fatal(err)
	}

	raw, err := ch.Recv()
	if err != nil {
		t.Fatal(err)
	}
	var resp message.HandshakeResponse
	if err := cdc.Decode(raw, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != message.StatusError {
		t.Fatalf("expect error status for a missing handshake, got %v", resp.Status)
	}

	// The server hangs up after the rejection.
	if _, err := ch.Recv(); err == nil {
		t.Fatal("expect the connection to be closed")
	}
}

func TestDispatchCallsRegisteredMethod(t *testing.T) {
	addr := startTestServer(t, true)

	ch, _ := dialAndHandshake(t, addr)
	defer ch.Close()

	resp := sendRequest(t, ch, &message.Request{
		Service: "Math",
		Method:  "Add",
		Args:    json.RawMessage(`{"a":2,"b":3}`),
	})
	if resp.Status != message.StatusOK {
		t.Fatalf("expect OK, got %v (%s)", resp.Status, resp.Error)
	}
	var reply AddReply
	if err := json.Unmarshal(resp.Value, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Sum != 5 {
		t.Fatalf("expect 5, got %d", reply.Sum)
	}
}

func TestDispatchUnknownService(t *testing.T) {
	addr := startTestServer(t, true)

	ch, _ := dialAndHandshake(t, addr)
	defer ch.Close()

	resp := sendRequest(t, ch, &message.Request{Service: "Nope", Method: "Add"})
	if resp.Status != message.StatusError || !strings.Contains(resp.Error, "unknown service") {
		t.Fatalf("expect unknown service error, got %v (%s)", resp.Status, resp.Error)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	addr := startTestServer(t, true)

	ch, _ := dialAndHandshake(t, addr)
	defer ch.Close()

	resp := sendRequest(t, ch, &message.Request{Service: "Math", Method: "Nope"})
	if resp.Status != message.StatusError || !strings.Contains(resp.Error, "unknown method") {
		t.Fatalf("expect unknown method error, got %v (%s)", resp.Status, resp.Error)
	}
}

func TestDispatchHandlerError(t *testing.T) {
	addr := startTestServer(t, true)

	ch, _ := dialAndHandshake(t, addr)
	defer ch.Close()

	resp := sendRequest(t, ch, &message.Request{
		Service: "Math",
		Method:  "Div",
		Args:    json.RawMessage(`{"a":1,"b":0}`),
	})
	if resp.Status != message.StatusError || resp.Error != "division by zero" {
		t.Fatalf("expect handler error, got %v (%s)", resp.Status, resp.Error)
	}
}

func TestKeepAliveServesMultipleCalls(t *testing.T) {
	addr := startTestServer(t, true)

	ch, persistent := dialAndHandshake(t, addr)
	defer ch.Close()
	if !persistent {
		t.Fatal("expect keep-alive")
	}

	for i := 1; i <= 3; i++ {
		resp := sendRequest(t, ch, &message.Request{
			Service: "Math",
			Method:  "Add",
			Args:    json.RawMessage(`{"a":1,"b":1}`),
		})
		if resp.Status != message.StatusOK {
			t.Fatalf("call %d failed: %s", i, resp.Error)
		}
	}
}

func TestCloseModeServesExactlyOneCall(t *testing.T) {
	addr := startTestServer(t, false)

	ch, persistent := dialAndHandshake(t, addr)
	defer ch.Close()
	if persistent {
		t.Fatal("expect close mode")
	}

	resp := sendRequest(t, ch, &message.Request{
		Service: "Math",
		Method:  "Add",
		Args:    json.RawMessage(`{"a":1,"b":1}`),
	})
	if resp.Status != message.StatusOK {
		t.Fatalf("first call failed: %s", resp.Error)
	}

	// The server hangs up after the first call.
	cdc := codec.Default()
	payload, _ := cdc.Encode(&message.Request{Service: "Math", Method: "Add"})
	ch.Send(payload) // may or may not fail depending on close timing
	if _, err := ch.Recv(); err == nil {
		t.Fatal("expect no second response on a one-shot connection")
	}
}

func TestRegisterRejectsNonStructPointer(t *testing.T) {
	svr := NewServer()
	if err := svr.Register(42); err == nil {
		t.Fatal("expect error for a non-pointer receiver")
	}
	x := 42
	if err := svr.Register(&x); err == nil {
		t.Fatal("expect error for a pointer to non-struct")
	}
}
