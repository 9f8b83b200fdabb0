// Package locator resolves a host-agent id to one or more dial
// addresses, and selects among redundant replicas with a Balancer.
//
// This is an enrichment named in SPEC_FULL.md's domain stack: the
// teacher's registry.EtcdRegistry is a service-discovery phonebook
// keyed by service name ("/mini-rpc/{service}/{addr}" -> JSON
// ServiceInstance, TTL-leased); here the identical key-prefix/lease
// shape is repurposed to resolve a host agent's redundant replica set
// by its stable agent id ("/vmrpc/agents/{agentID}/{addr}" -> JSON
// AgentInstance), so a JsonRpcClient can look an agent up and pick a
// live replica instead of being handed a literal host/port pair.
package locator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/vmrpc/agents/"

// EtcdLocator resolves agent ids to AgentInstance replica sets stored
// in etcd, and can watch an id's prefix for membership changes (agent
// migration, failover).
type EtcdLocator struct {
	client *clientv3.Client
}

// NewEtcdLocator connects to the given etcd endpoints.
func NewEtcdLocator(endpoints []string) (*EtcdLocator, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, fmt.Errorf("locator: connect etcd: %w", err)
	}
	return &EtcdLocator{client: c}, nil
}

// Close releases the underlying etcd client connection.
func (l *EtcdLocator) Close() error {
	return l.client.Close()
}

// Register publishes instance under agentID with a TTL-backed lease:
// if the registering process dies and stops renewing, the entry
// expires on its own rather than leaving a stale replica behind
// (mirrors the teacher's EtcdRegistry.Register).
func (l *EtcdLocator) Register(ctx context.Context, agentID string, instance AgentInstance, ttlSeconds int64) error {
	lease, err := l.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return fmt.Errorf("locator: grant lease: %w", err)
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("locator: encode instance: %w", err)
	}
	key := keyPrefix + agentID + "/" + instance.Addr
	if _, err := l.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("locator: register %s: %w", agentID, err)
	}
	keepAlive, err := l.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("locator: keepalive %s: %w", agentID, err)
	}
	go func() {
		for range keepAlive {
		}
	}()
	return nil
}

// Deregister removes one replica's entry for agentID.
func (l *EtcdLocator) Deregister(ctx context.Context, agentID, addr string) error {
	_, err := l.client.Delete(ctx, keyPrefix+agentID+"/"+addr)
	return err
}

// ResolveAll returns every currently registered replica for agentID.
func (l *EtcdLocator) ResolveAll(ctx context.Context, agentID string) ([]AgentInstance, error) {
	resp, err := l.client.Get(ctx, keyPrefix+agentID+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("locator: resolve %s: %w", agentID, err)
	}
	instances := make([]AgentInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst AgentInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			continue
		}
		instances = append(instances, inst)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("locator: no replicas registered for agent %q", agentID)
	}
	return instances, nil
}

// Resolve returns the dial address of one replica for agentID, chosen
// by bal. A single-replica agent works with any Balancer.
func (l *EtcdLocator) Resolve(ctx context.Context, agentID string, bal Balancer) (string, error) {
	instances, err := l.ResolveAll(ctx, agentID)
	if err != nil {
		return "", err
	}
	chosen, err := bal.Pick(instances)
	if err != nil {
		return "", fmt.Errorf("locator: pick replica for %s: %w", agentID, err)
	}
	return chosen.Addr, nil
}

// Watch emits the full updated replica set for agentID whenever
// membership changes, closing the channel once ctx is done. One
// re-fetch per batch of events, mirroring the teacher's registry.Watch
// "simpler than parsing individual watch events" choice.
func (l *EtcdLocator) Watch(ctx context.Context, agentID string) <-chan []AgentInstance {
	out := make(chan []AgentInstance, 1)
	prefix := keyPrefix + agentID + "/"
	go func() {
		defer close(out)
		watchCh := l.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for wresp := range watchCh {
			if len(wresp.Events) == 0 {
				continue
			}
			if !strings.HasPrefix(string(wresp.Events[0].Kv.Key), prefix) {
				continue
			}
			instances, err := l.ResolveAll(ctx, agentID)
			if err != nil {
				continue
			}
			select {
			case out <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
