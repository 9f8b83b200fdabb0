package locator

import (
	"context"
	"testing"
	"time"
)

func TestRegisterAndResolve(t *testing.T) {
	loc, err := NewEtcdLocator([]string{"localhost:2379"})
	if err != nil {
		t.Fatal(err)
	}
	defer loc.Close()
	ctx := context.Background()

	inst1 := AgentInstance{Addr: "127.0.0.1:9101", Weight: 10, Version: "1.0"}
	inst2 := AgentInstance{Addr: "127.0.0.1:9102", Weight: 5, Version: "1.0"}

	if err := loc.Register(ctx, "host-agent-1", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := loc.Register(ctx, "host-agent-1", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := loc.ResolveAll(ctx, "host-agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := loc.Deregister(ctx, "host-agent-1", inst1.Addr); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	instances, err = loc.ResolveAll(ctx, "host-agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].Addr != inst2.Addr {
		t.Fatalf("expect only %s after deregister, got %+v", inst2.Addr, instances)
	}

	addr, err := loc.Resolve(ctx, "host-agent-1", &RoundRobinBalancer{})
	if err != nil {
		t.Fatal(err)
	}
	if addr != inst2.Addr {
		t.Fatalf("expect resolved addr %s, got %s", inst2.Addr, addr)
	}

	loc.Deregister(ctx, "host-agent-1", inst2.Addr)
}

func TestRoundRobinBalancerDistributesEvenly(t *testing.T) {
	instances := []AgentInstance{{Addr: "a"}, {Addr: "b"}, {Addr: "c"}}
	bal := &RoundRobinBalancer{}
	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		inst, err := bal.Pick(instances)
		if err != nil {
			t.Fatal(err)
		}
		seen[inst.Addr]++
	}
	for _, addr := range []string{"a", "b", "c"} {
		if seen[addr] != 3 {
			t.Errorf("expected 3 picks for %s, got %d", addr, seen[addr])
		}
	}
}

func TestWeightedRandomBalancerRejectsEmpty(t *testing.T) {
	bal := &WeightedRandomBalancer{}
	if _, err := bal.Pick(nil); err == nil {
		t.Error("expected an error picking from an empty instance list")
	}
}
