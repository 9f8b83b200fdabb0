package jsonrpc

import "sync"

// Call is the in-flight handle for a single non-notification request.
// It is created on submit, registered in a tracker keyed by the
// request's id, and becomes terminal exactly once — either a response
// or an error lands, never both, and further updates after the first
// are ignored (spec.md §3 "terminal state is latched").
type Call struct {
	Request *Request

	mu       sync.Mutex
	done     chan struct{}
	response *Response
	err      error
	terminal bool
}

// NewCall creates a Call for req, not yet registered with any tracker.
func NewCall(req *Request) *Call {
	return &Call{Request: req, done: make(chan struct{})}
}

// Done returns a channel closed once the call reaches a terminal state.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Complete latches resp as the terminal outcome. A second call, whether
// with a response or an error, is a no-op — this is what "terminal
// state is latched" means in practice.
func (c *Call) Complete(resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal {
		return
	}
	c.response = resp
	if resp != nil && resp.Error != nil {
		c.err = resp.Error
	}
	c.terminal = true
	close(c.done)
}

// Fail latches err as the terminal outcome (a transport/tracker-level
// failure rather than a JSON-RPC error object).
func (c *Call) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal {
		return
	}
	c.err = err
	c.terminal = true
	close(c.done)
}

// IsTerminal reports whether the call has already completed.
func (c *Call) IsTerminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// Result returns the latched response and error. It must only be read
// after Done() is closed.
func (c *Call) Result() (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response, c.err
}

// BatchCall is a Call variant backing every request in one batch. Each
// constituent request registers against the same BatchCall; each
// response decrements pending; the batch completes once pending reaches
// zero, and the aggregated Responses slice is ordered by the original
// request order, not by arrival (spec.md §5 "Ordering guarantees").
type BatchCall struct {
	Requests []*Request

	mu        sync.Mutex
	done      chan struct{}
	responses []*Response
	indexByID map[string]int
	pending   int
	terminal  bool
}

// NewBatchCall creates a BatchCall for reqs, indexed by request id.
// Notifications within the batch (nil ID) do not count toward pending
// since no response will ever arrive for them.
func NewBatchCall(reqs []*Request) *BatchCall {
	b := &BatchCall{
		Requests:  reqs,
		done:      make(chan struct{}),
		responses: make([]*Response, len(reqs)),
		indexByID: make(map[string]int, len(reqs)),
	}
	for i, r := range reqs {
		if r.IsNotification() {
			continue
		}
		b.indexByID[*r.ID] = i
		b.pending++
	}
	if b.pending == 0 {
		close(b.done)
		b.terminal = true
	}
	return b
}

// Done returns a channel closed once every constituent response has
// arrived.
func (b *BatchCall) Done() <-chan struct{} {
	return b.done
}

// Deliver records resp at the index matching resp.ID and decrements the
// pending count. Returns false if id is not part of this batch or the
// batch is already terminal.
func (b *BatchCall) Deliver(resp *Response) bool {
	if resp.ID == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal {
		return false
	}
	idx, ok := b.indexByID[*resp.ID]
	if !ok || b.responses[idx] != nil {
		return false
	}
	b.responses[idx] = resp
	b.pending--
	if b.pending <= 0 {
		b.terminal = true
		close(b.done)
	}
	return true
}

// FailAll latches a synthetic error response for every outstanding
// constituent request (issue dispatch, or retry exhaustion for the
// whole batch) and completes the batch.
func (b *BatchCall) FailAll(err *RPCError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal {
		return
	}
	for id, idx := range b.indexByID {
		if b.responses[idx] == nil {
			idCopy := id
			b.responses[idx] = &Response{ID: &idCopy, Error: err}
		}
	}
	b.pending = 0
	b.terminal = true
	close(b.done)
}

// Responses returns the aggregated response slice, ordered by input
// request order. Must only be read after Done() is closed.
func (b *BatchCall) Responses() []*Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Response, len(b.responses))
	copy(out, b.responses)
	return out
}

// PendingIDs returns the request ids still awaiting a response. Used
// when registering a batch with the tracker, to know which ids within
// it still need individual tracking entries.
func (b *BatchCall) PendingIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.indexByID))
	for id, idx := range b.indexByID {
		if b.responses[idx] == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
