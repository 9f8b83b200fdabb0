// Package rpcclient implements JsonRpcClient from spec.md §4.6: the
// caller-facing facade that turns a method name and parameters into an
// id-correlated Call, hands the encoded request to a ReactorClient, and
// completes the Call when the tracker observes its response, a
// timeout, or an issue dispatch.
package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"vmrpc/internal/logging"
	"vmrpc/internal/rpcerr"
	"vmrpc/jsonrpc"
	"vmrpc/policy"
	"vmrpc/rclient"
	"vmrpc/tracker"
)

// Client is the JsonRpcClient: one ReactorClient paired with its own
// ResponseTracker and id generator.
type Client struct {
	rc      *rclient.Client
	track   *tracker.Tracker
	pol     policy.Policy
	logger  *zap.Logger
	nextSeq atomic.Uint64
}

// Option configures a Client at construction.
type Option func(*Client)

// WithLogger attaches structured logging (default: discarded).
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// New wraps rc with a tracker and wires the ReactorClient's message and
// fault listeners to it. The caller must still call Connect (via rc)
// before issuing calls.
func New(rc *rclient.Client, pol policy.Policy, opts ...Option) *Client {
	c := &Client{rc: rc, pol: pol, logger: logging.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	c.track = tracker.New(c.logger)
	rc.SetListeners(c.handleMessage, c.handleFault)
	return c
}

// Connect opens the underlying ReactorClient.
func (c *Client) Connect(ctx context.Context) error {
	return c.rc.Connect(ctx)
}

// Close closes the underlying ReactorClient and fails every in-flight
// call with ErrClientClosed.
func (c *Client) Close() error {
	err := c.rc.Close()
	c.track.Close()
	return err
}

func (c *Client) nextID() string {
	return strconv.FormatUint(c.nextSeq.Add(1), 10)
}

// Call submits method/params as a tracked request and blocks until a
// response, a retry-exhausted timeout, an issue dispatch, or ctx
// cancellation completes it (spec.md §4.6).
//
// If the initial sendMessage fails, the tracker entry is left in place
// rather than unwound: per spec.md §4.4 ("If sendMessage raises, the
// tracker entry remains registered so the timeout path will eventually
// retry or fail the call — this is intentional and tested"), the
// failure is absorbed here and the call is left for the sweep to retry
// or time out like any other unanswered attempt.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID()
	raw, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", rpcerr.ErrEncodingFault, err)
	}
	req := &jsonrpc.Request{ID: &id, Method: method, Params: raw}
	call := jsonrpc.NewCall(req)

	// resend implements spec.md §9's fresh-id retry: each retry attempt
	// re-encodes the same method/params under the newly minted id.
	resend := func(newID string) error {
		return c.transmit(&jsonrpc.Request{ID: &newID, Method: method, Params: raw})
	}
	if err := c.track.RegisterCall(id, call, c.pol, c.nextID, resend); err != nil {
		return nil, err
	}
	if err := c.transmit(req); err != nil {
		c.logger.Debug("rpcclient: initial send failed, leaving call for the tracker to retry",
			zap.String("id", id), zap.Error(err))
	}

	select {
	case <-call.Done():
		resp, err := call.Result()
		if err != nil {
			return nil, err
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.track.RemoveCallByHandle(call)
		return nil, ctx.Err()
	}
}

// Notify sends method/params as a fire-and-forget notification: no id,
// no tracker entry, no response expected.
func (c *Client) Notify(method string, params any) error {
	raw, err := encodeParams(params)
	if err != nil {
		return fmt.Errorf("%w: %w", rpcerr.ErrEncodingFault, err)
	}
	req := &jsonrpc.Request{Method: method, Params: raw}
	return c.transmit(req)
}

// MethodCall is one constituent request of a BatchCall submission.
type MethodCall struct {
	Method string
	Params any
}

// BatchCall submits calls as a single JSON-RPC batch and blocks until
// every non-notification constituent has a response, times out, or ctx
// is cancelled.
func (c *Client) BatchCall(ctx context.Context, calls []MethodCall) ([]*jsonrpc.Response, error) {
	reqs := make([]*jsonrpc.Request, len(calls))
	for i, mc := range calls {
		raw, err := encodeParams(mc.Params)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", rpcerr.ErrEncodingFault, err)
		}
		id := c.nextID()
		reqs[i] = &jsonrpc.Request{ID: &id, Method: mc.Method, Params: raw}
	}
	batch := jsonrpc.NewBatchCall(reqs)

	pendingIDs := batch.PendingIDs()
	resend := func(id string) error { return c.transmitByID(reqs, id) }
	if len(pendingIDs) > 0 {
		if err := c.track.RegisterBatch(pendingIDs, batch, c.pol, resend); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", rpcerr.ErrEncodingFault, err)
	}
	if err := c.rc.SendMessage(payload); err != nil {
		c.logger.Debug("rpcclient: initial batch send failed, leaving constituents for the tracker to retry", zap.Error(err))
	}

	select {
	case <-batch.Done():
		return batch.Responses(), nil
	case <-ctx.Done():
		for _, id := range pendingIDs {
			c.track.RemoveCall(id)
		}
		return nil, ctx.Err()
	}
}

func (c *Client) transmitByID(reqs []*jsonrpc.Request, id string) error {
	for _, r := range reqs {
		if r.ID != nil && *r.ID == id {
			return c.transmit(r)
		}
	}
	return fmt.Errorf("rpcclient: unknown request id %q", id)
}

func (c *Client) transmit(req *jsonrpc.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: %w", rpcerr.ErrEncodingFault, err)
	}
	return c.rc.SendMessage(payload)
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// handleMessage is the ReactorClient message listener: it decodes one
// frame (a single response or a batch array) and routes each response
// by id, or to issue dispatch when the id is null (spec.md §4.4).
func (c *Client) handleMessage(raw []byte) {
	responses, err := jsonrpc.DecodeBatch(raw)
	if err != nil {
		c.logger.Warn("rpcclient: malformed message", zap.Error(err))
		c.track.ProcessIssue(fmt.Errorf("%w: %w", rpcerr.ErrDecodingFault, err))
		return
	}
	for _, resp := range responses {
		if resp.ID == nil {
			reason := rpcerr.ErrConnectionLost
			if resp.Error != nil {
				reason = fmt.Errorf("%w: %s", rpcerr.ErrConnectionLost, resp.Error.Message)
			}
			c.track.ProcessIssue(reason)
			continue
		}
		if !c.track.Deliver(resp) {
			c.logger.Debug("rpcclient: response for unknown or already-settled id", zap.String("id", *resp.ID))
		}
	}
}

// handleFault is the ReactorClient fault listener: any transport-level
// disconnect terminates every call still tracked against this client.
func (c *Client) handleFault(err error) {
	c.track.ProcessIssue(err)
}
