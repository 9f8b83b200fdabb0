// Package policy defines the retry, heartbeat, and timeout parameters
// shared by a ReactorClient and its JsonRpcClient, and the per-call
// retry counter bound to them.
//
// A Policy is validated once at construction and is immutable afterward
// (mirrors the teacher's rate_limit_middleware, where the limiter is
// built once in the outer closure and never rebuilt per request).
package policy

import (
	"fmt"
	"time"
)

// Policy holds the retry/heartbeat/timeout parameters for one client
// connection. Zero-value heartbeats (0) mean "disabled".
type Policy struct {
	// Retries is the number of additional attempts after the first.
	// A call with Retries=k is delivered at most k+1 times.
	Retries int

	// RetryTimeout is the per-attempt deadline; on expiry the tracker
	// either retries (if attempts remain) or completes the call with
	// CallTimeout.
	RetryTimeout time.Duration

	// IncomingHeartbeat, if non-zero, is the maximum silence tolerated
	// from the peer before the client disconnects with "heartbeat
	// exceeded".
	IncomingHeartbeat time.Duration

	// OutgoingHeartbeat, if non-zero, is the interval at which the
	// client emits its own liveness frame when otherwise idle.
	OutgoingHeartbeat time.Duration

	// OutboundRate and OutboundBurst throttle sendMessage via a token
	// bucket, protecting a single host-agent connection from being
	// flooded by one caller. Zero OutboundRate disables throttling.
	OutboundRate  float64
	OutboundBurst int

	// OutboundQueueLimit bounds the per-client outbound queue. sendMessage
	// fails fast with ConnectionLost when the queue is full rather than
	// blocking the caller (see SPEC_FULL §4.2).
	OutboundQueueLimit int

	// MaxMessageSize caps a single decoded JSON-RPC message, in bytes.
	// Oversize messages are a decoder-level fault that closes the client.
	MaxMessageSize uint32
}

// Default returns a Policy with the values named in spec.md §6/§8: a
// 4 MiB framing cap, an unbounded (disabled) outbound rate limit, and a
// reasonably sized outbound queue.
func Default() Policy {
	return Policy{
		Retries:            0,
		RetryTimeout:       5 * time.Second,
		OutboundQueueLimit: 256,
		MaxMessageSize:     4 << 20,
	}
}

// Validate rejects a Policy that cannot be installed on a client.
func (p Policy) Validate() error {
	if p.Retries < 0 {
		return fmt.Errorf("policy: retries must be >= 0, got %d", p.Retries)
	}
	if p.RetryTimeout <= 0 {
		return fmt.Errorf("policy: retryTimeout must be > 0, got %v", p.RetryTimeout)
	}
	if p.IncomingHeartbeat < 0 || p.OutgoingHeartbeat < 0 {
		return fmt.Errorf("policy: heartbeat durations must be >= 0")
	}
	if p.OutboundQueueLimit <= 0 {
		return fmt.Errorf("policy: outboundQueueLimit must be > 0, got %d", p.OutboundQueueLimit)
	}
	if p.MaxMessageSize == 0 {
		return fmt.Errorf("policy: maxMessageSize must be > 0")
	}
	if p.OutboundRate < 0 || p.OutboundBurst < 0 {
		return fmt.Errorf("policy: outbound rate/burst must be >= 0")
	}
	return nil
}

// WorstCaseTimeout returns the maximum time a call can take before
// completing with CallTimeout: retryTimeout × (retries + 1).
func (p Policy) WorstCaseTimeout() time.Duration {
	return p.RetryTimeout * time.Duration(p.Retries+1)
}
