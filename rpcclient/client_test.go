package rpcclient

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"vmrpc/framing"
	"vmrpc/jsonrpc"
	"vmrpc/policy"
	"vmrpc/rclient"
)

// startArithServer accepts one connection and answers every
// "Arith.Add" request with the sum of its two integer params, framed
// identically to rclient's length-prefixed binary variant.
func startArithServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec := framing.NewLengthPrefixDecoder(0)
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			msgs, err := dec.Feed(buf[:n])
			if err != nil {
				return
			}
			for _, m := range msgs {
				var req struct {
					ID     string          `json:"id"`
					Method string          `json:"method"`
					Params json.RawMessage `json:"params"`
				}
				if err := json.Unmarshal(m, &req); err != nil {
					continue
				}
				var args struct{ A, B int }
				json.Unmarshal(req.Params, &args)
				resp := jsonrpc.Response{ID: &req.ID}
				result, _ := json.Marshal(args.A + args.B)
				resp.Result = result
				out, _ := json.Marshal(resp)
				conn.Write(framing.EncodeLengthPrefixed(out))
			}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func newConnectedClient(t *testing.T, addr string) *Client {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	pol := policy.Default()
	pol.RetryTimeout = time.Second
	rc := rclient.New(rclient.Plain, host, port, nil, pol)
	client := New(rc, pol)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return client
}

func TestCallRoundTrip(t *testing.T) {
	addr := startArithServer(t)
	client := newConnectedClient(t, addr)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := client.Call(ctx, "Arith.Add", struct{ A, B int }{A: 2, B: 3})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var sum int
	if err := json.Unmarshal(result, &sum); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if sum != 5 {
		t.Errorf("expected 5, got %d", sum)
	}
}

func TestCallTimesOutWhenServerUnresponsive(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
			// never respond
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	pol := policy.Default()
	pol.Retries = 1
	pol.RetryTimeout = 150 * time.Millisecond
	rc := rclient.New(rclient.Plain, host, port, nil, pol)
	client := New(rc, pol)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
	defer callCancel()
	if _, err := client.Call(callCtx, "Agent.Status", nil); err == nil {
		t.Error("expected the call to time out after retries are exhausted")
	}
}

func TestNotifySendsWithoutWaitingForResponse(t *testing.T) {
	addr := startArithServer(t)
	client := newConnectedClient(t, addr)
	defer client.Close()

	if err := client.Notify("Agent.Announce", nil); err != nil {
		t.Fatalf("notify: %v", err)
	}
}
