package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"duplex-rpc/jsonrpc"
)

// fakePeer is a raw TCP peer speaking the line protocol by hand, so tests
// can inject arbitrary frames and inspect exactly what the client sends.
type fakePeer struct {
	t        *testing.T
	ln       net.Listener
	conn     net.Conn
	r        *bufio.Reader
	accepted chan struct{}
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := &fakePeer{t: t, ln: ln, accepted: make(chan struct{})}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		p.conn = conn
		p.r = bufio.NewReader(conn)
		close(p.accepted)
	}()
	return p
}

func (p *fakePeer) addr() string { return p.ln.Addr().String() }

func (p *fakePeer) waitConn() {
	p.t.Helper()
	select {
	case <-p.accepted:
	case <-time.After(2 * time.Second):
		p.t.Fatal("peer never saw a connection")
	}
}

// send writes one raw line; no JSON validation on purpose.
func (p *fakePeer) send(raw string) {
	p.t.Helper()
	p.waitConn()
	if _, err := p.conn.Write([]byte(raw + "\n")); err != nil {
		p.t.Fatal(err)
	}
}

func (p *fakePeer) recvLine() string {
	p.t.Helper()
	p.waitConn()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := p.r.ReadString('\n')
	if err != nil {
		p.t.Fatalf("peer read: %v", err)
	}
	return strings.TrimRight(line, "\n")
}

func (p *fakePeer) recvEnvelope() jsonrpc.Envelope {
	p.t.Helper()
	var env jsonrpc.Envelope
	if err := json.Unmarshal([]byte(p.recvLine()), &env); err != nil {
		p.t.Fatal(err)
	}
	return env
}

// expectSilence fails if the client sends any frame within the window.
func (p *fakePeer) expectSilence() {
	p.t.Helper()
	p.waitConn()
	p.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if line, err := p.r.ReadString('\n'); err == nil {
		p.t.Fatalf("expected no frame, got %q", line)
	}
}

func (p *fakePeer) close() {
	if p.conn != nil {
		p.conn.Close()
	}
	p.ln.Close()
}

func connectedClient(t *testing.T, p *fakePeer) *Client {
	t.Helper()
	c := New(nil)
	if err := c.Connect(p.addr()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestParseErrorForNonJSONLine(t *testing.T) {
	p := newFakePeer(t)
	defer p.close()
	connectedClient(t, p)

	p.send("this is not json")

	line := p.recvLine()
	if !strings.Contains(line, `"id":null`) {
		t.Fatalf("parse error must carry id null: %s", line)
	}
	var env jsonrpc.Envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error == nil || env.Error.Code != jsonrpc.CodeParseError {
		t.Fatalf("expected ParseError, got %+v", env.Error)
	}
}

func TestInvalidRequestForNonObject(t *testing.T) {
	p := newFakePeer(t)
	defer p.close()
	connectedClient(t, p)

	p.send(`[1,2,3]`)

	env := p.recvEnvelope()
	if env.Error == nil || env.Error.Code != jsonrpc.CodeInvalidRequest {
		t.Fatalf("expected InvalidRequest, got %+v", env.Error)
	}
	if env.ID != nil {
		t.Fatal("non-object envelope has no usable id")
	}
}

func TestInvalidRequestForWrongVersion(t *testing.T) {
	p := newFakePeer(t)
	defer p.close()
	connectedClient(t, p)

	p.send(`{"jsonrpc":"1.0","id":4,"method":"Version.Get"}`)

	env := p.recvEnvelope()
	if env.Error == nil || env.Error.Code != jsonrpc.CodeInvalidRequest {
		t.Fatalf("expected InvalidRequest, got %+v", env.Error)
	}
	if env.ID == nil || *env.ID != 4 {
		t.Fatalf("the envelope's id is usable and must be echoed: %v", env.ID)
	}
}

func TestInvalidRequestForBareID(t *testing.T) {
	p := newFakePeer(t)
	defer p.close()
	connectedClient(t, p)

	p.send(`{"jsonrpc":"2.0","id":12}`)

	env := p.recvEnvelope()
	if env.Error == nil || env.Error.Code != jsonrpc.CodeInvalidRequest {
		t.Fatalf("expected InvalidRequest, got %+v", env.Error)
	}
	if env.ID == nil || *env.ID != 12 {
		t.Fatalf("id must be preserved: %v", env.ID)
	}
}

func TestInboundRequestDispatch(t *testing.T) {
	p := newFakePeer(t)
	defer p.close()
	c := connectedClient(t, p)

	if err := c.OnRequest("Echo.Upper", func(ctx context.Context, params json.RawMessage) (any, error) {
		var in map[string]string
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		return map[string]string{"text": strings.ToUpper(in["text"])}, nil
	}); err != nil {
		t.Fatal(err)
	}

	p.send(`{"jsonrpc":"2.0","id":7,"method":"Echo.Upper","params":{"text":"hi"}}`)

	env := p.recvEnvelope()
	if env.ID == nil || *env.ID != 7 {
		t.Fatalf("response id must match the request: %v", env.ID)
	}
	if env.Error != nil {
		t.Fatalf("unexpected error: %+v", env.Error)
	}
	var out map[string]string
	if err := json.Unmarshal(env.Result, &out); err != nil {
		t.Fatal(err)
	}
	if out["text"] != "HI" {
		t.Fatalf("got %v", out)
	}
}

func TestMethodNotFoundPreservesID(t *testing.T) {
	p := newFakePeer(t)
	defer p.close()
	connectedClient(t, p)

	p.send(`{"jsonrpc":"2.0","id":21,"method":"No.Such"}`)

	env := p.recvEnvelope()
	if env.Error == nil || env.Error.Code != jsonrpc.CodeMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", env.Error)
	}
	if env.ID == nil || *env.ID != 21 {
		t.Fatalf("id must be preserved: %v", env.ID)
	}
}

func TestHandlerErrorBecomesInternalError(t *testing.T) {
	p := newFakePeer(t)
	defer p.close()
	c := connectedClient(t, p)

	c.OnRequest("Fail.Always", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, errors.New("kaput")
	})

	p.send(`{"jsonrpc":"2.0","id":5,"method":"Fail.Always"}`)

	env := p.recvEnvelope()
	if env.Error == nil || env.Error.Code != jsonrpc.CodeInternalError {
		t.Fatalf("expected InternalError, got %+v", env.Error)
	}
	if env.ID == nil || *env.ID != 5 {
		t.Fatalf("id must be preserved: %v", env.ID)
	}
	if !strings.Contains(env.Error.Message, "kaput") {
		t.Fatalf("failure message must survive: %q", env.Error.Message)
	}
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	p := newFakePeer(t)
	defer p.close()
	c := connectedClient(t, p)

	c.OnRequest("Panic.Now", func(ctx context.Context, params json.RawMessage) (any, error) {
		panic("boom")
	})

	p.send(`{"jsonrpc":"2.0","id":6,"method":"Panic.Now"}`)

	env := p.recvEnvelope()
	if env.Error == nil || env.Error.Code != jsonrpc.CodeInternalError {
		t.Fatalf("expected InternalError, got %+v", env.Error)
	}
	if !strings.Contains(env.Error.Message, "boom") {
		t.Fatalf("panic message must survive: %q", env.Error.Message)
	}
	var data map[string]string
	if err := json.Unmarshal(env.Error.Data, &data); err != nil {
		t.Fatalf("error data must decode: %v", err)
	}
	if data["stack"] == "" {
		t.Fatal("error data must include the stack")
	}
}

func TestNotificationHandlerInvokedWithoutResponse(t *testing.T) {
	p := newFakePeer(t)
	defer p.close()
	c := connectedClient(t, p)

	got := make(chan string, 1)
	c.OnNotification("Log", func(ctx context.Context, params json.RawMessage) {
		var in map[string]string
		json.Unmarshal(params, &in)
		got <- in["message"]
	})

	p.send(`{"jsonrpc":"2.0","method":"Log","params":{"level":"info","message":"hi"}}`)

	select {
	case msg := <-got:
		if msg != "hi" {
			t.Fatalf("got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification handler was never invoked")
	}

	// A notification never elicits a response.
	p.expectSilence()
}

func TestUnhandledNotificationDropped(t *testing.T) {
	p := newFakePeer(t)
	defer p.close()
	connectedClient(t, p)

	p.send(`{"jsonrpc":"2.0","method":"Unknown.Event","params":{}}`)

	// Non-fatal: no response, and the connection keeps working.
	p.expectSilence()
	p.send(`{"jsonrpc":"2.0","id":30,"method":"No.Such"}`)
	env := p.recvEnvelope()
	if env.Error == nil || env.Error.Code != jsonrpc.CodeMethodNotFound {
		t.Fatalf("connection should still dispatch: %+v", env.Error)
	}
}

func TestUnmatchedResponseDropped(t *testing.T) {
	p := newFakePeer(t)
	defer p.close()
	c := connectedClient(t, p)

	// No call with id 99 is outstanding; this is a stale message.
	p.send(`{"jsonrpc":"2.0","id":99,"result":5}`)
	p.expectSilence()

	// The client must keep functioning afterwards.
	id, ch, err := c.Go("Version.Get", nil)
	if err != nil {
		t.Fatal(err)
	}
	req := p.recvEnvelope()
	if req.ID == nil || *req.ID != id {
		t.Fatalf("request id mismatch: %v vs %d", req.ID, id)
	}
	p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"version":"1.2.3"}}`, id))

	select {
	case resp := <-ch:
		if resp.Error != nil {
			t.Fatalf("unexpected error: %+v", resp.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call never resolved")
	}
}

func TestReverseOrderResolution(t *testing.T) {
	p := newFakePeer(t)
	defer p.close()
	c := connectedClient(t, p)

	id1, ch1, err := c.Go("First.Call", nil)
	if err != nil {
		t.Fatal(err)
	}
	id2, ch2, err := c.Go("Second.Call", nil)
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Fatalf("concurrent calls must get distinct ids: %d", id1)
	}

	// Drain both requests, then answer them in reverse order.
	p.recvEnvelope()
	p.recvEnvelope()
	p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"second"}`, id2))
	p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"first"}`, id1))

	var got1, got2 string
	select {
	case resp := <-ch1:
		json.Unmarshal(resp.Result, &got1)
	case <-time.After(2 * time.Second):
		t.Fatal("first call never resolved")
	}
	select {
	case resp := <-ch2:
		json.Unmarshal(resp.Result, &got2)
	case <-time.After(2 * time.Second):
		t.Fatal("second call never resolved")
	}

	if got1 != "first" || got2 != "second" {
		t.Fatalf("payloads crossed: got1=%q got2=%q", got1, got2)
	}
}

func TestIDsMonotonicWithinSession(t *testing.T) {
	p := newFakePeer(t)
	defer p.close()
	c := connectedClient(t, p)

	var last int64
	for i := 0; i < 5; i++ {
		id, _, err := c.Go("Tick", nil)
		if err != nil {
			t.Fatal(err)
		}
		if id <= last {
			t.Fatalf("ids must strictly increase: %d after %d", id, last)
		}
		last = id
	}
	if last != 5 {
		t.Fatalf("ids are seeded at 1: last should be 5, got %d", last)
	}
}

func TestIDsReseedPerSession(t *testing.T) {
	p1 := newFakePeer(t)
	defer p1.close()
	c := New(nil)
	if err := c.Connect(p1.addr()); err != nil {
		t.Fatal(err)
	}
	id, _, err := c.Go("Tick", nil)
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Fatalf("first id of a session must be 1, got %d", id)
	}
	c.Close()

	p2 := newFakePeer(t)
	defer p2.close()
	if err := c.Connect(p2.addr()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	id, _, err = c.Go("Tick", nil)
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Fatalf("new session must reseed ids at 1, got %d", id)
	}
}

func TestDisconnectRejectsPending(t *testing.T) {
	p := newFakePeer(t)
	defer p.close()
	c := connectedClient(t, p)

	_, ch, err := c.Go("Hang.Forever", nil)
	if err != nil {
		t.Fatal(err)
	}
	p.recvEnvelope()

	// The peer drops the connection without answering.
	p.conn.Close()

	select {
	case resp := <-ch:
		if resp.Error == nil || resp.Error.Code != jsonrpc.CodeConnectionClosed {
			t.Fatalf("expected connection-closed rejection, got %+v", resp.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call leaked past the disconnect")
	}

	if c.State() != Disconnected {
		t.Fatalf("state should be disconnected, got %v", c.State())
	}
}

func TestCloseRejectsPending(t *testing.T) {
	p := newFakePeer(t)
	defer p.close()
	c := connectedClient(t, p)

	_, ch, err := c.Go("Hang.Forever", nil)
	if err != nil {
		t.Fatal(err)
	}
	p.recvEnvelope()

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case resp := <-ch:
		if resp.Error == nil || resp.Error.Code != jsonrpc.CodeConnectionClosed {
			t.Fatalf("expected connection-closed rejection, got %+v", resp.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call leaked past Close")
	}
}
