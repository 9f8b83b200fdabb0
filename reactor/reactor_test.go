package reactor

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"vmrpc/policy"
	"vmrpc/rclient"
)

func TestQueueFutureRunsOnReactorGoroutine(t *testing.T) {
	r := New(nil)
	defer r.Shutdown(context.Background())

	ran := false
	r.QueueFuture(func() { ran = true })
	if !ran {
		t.Error("QueueFuture should block until the task has run")
	}
}

func TestCreateClientRejectsInvalidPolicy(t *testing.T) {
	r := New(nil)
	defer r.Shutdown(context.Background())

	var bad policy.Policy // zero value fails Validate
	if _, err := r.CreateClient(rclient.Plain, "127.0.0.1", 1, nil, bad); err == nil {
		t.Error("expected CreateClient to reject an invalid policy")
	}
}

func TestShutdownDisconnectsRegisteredClients(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 4096)
				for {
					if _, err := conn.Read(buf); err != nil {
						conn.Close()
						return
					}
				}
			}()
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

	r := New(nil)
	pol := policy.Default()
	pol.RetryTimeout = time.Second
	c, err := r.CreateClient(rclient.Plain, host, port, nil, pol)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	c.SetListeners(func([]byte) {}, func(error) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !c.IsClosed() {
		t.Error("client should be closed once the reactor shuts down")
	}
}
