package rpcclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"vmrpc/locator"
	"vmrpc/policy"
	"vmrpc/rclient"
	"vmrpc/reactor"
)

// DialAgent resolves agentID via loc, creates a ReactorClient of the
// given variant through r, connects it, and wraps it as a JsonRpcClient
// — the convenience path named in SPEC_FULL.md's Agent discovery
// section, combining locator.EtcdLocator with reactor.Reactor.CreateClient
// instead of requiring callers to split a literal host/port themselves.
func DialAgent(ctx context.Context, r *reactor.Reactor, loc *locator.EtcdLocator, agentID string, bal locator.Balancer, kind rclient.Kind, tlsCfg *tls.Config, pol policy.Policy, opts ...Option) (*Client, error) {
	addr, err := loc.Resolve(ctx, agentID, bal)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial agent %q: %w", agentID, err)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: agent %q address %q: %w", agentID, addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: agent %q port %q: %w", agentID, portStr, err)
	}

	rc, err := r.CreateClient(kind, host, port, tlsCfg, pol)
	if err != nil {
		return nil, err
	}
	client := New(rc, pol, opts...)
	if err := client.Connect(ctx); err != nil {
		client.track.Close()
		return nil, err
	}
	return client, nil
}
