// Package tracker implements ResponseTracker from spec.md §4.5: the
// registry correlating in-flight calls by request id, sweeping for
// per-attempt timeouts, and handling issue dispatch — a
// server-originated or transport-originated fatal error with no
// correlating id that must terminate every call currently in flight on
// the affected client.
//
// Per spec.md §9 ("Retries with fresh ids but the same Call handle"),
// a retried call is re-keyed under a newly generated id on every
// attempt rather than resent under its original id — id reuse across
// retries would violate the one-entry-per-id invariant and confuse a
// peer that remembers ids it has already answered.
//
// Grounded on the teacher's middleware/retry_middleware.go (the
// attempt-counting retry loop) and middleware/timeout_middleware.go
// (the deadline-driven completion), generalized from a single blocking
// call wrapper into a shared table a background goroutine sweeps
// independently of any one caller's goroutine.
package tracker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"vmrpc/internal/logging"
	"vmrpc/internal/rpcerr"
	"vmrpc/jsonrpc"
	"vmrpc/policy"
)

// pollInterval bounds sweep latency: an attempt can run up to this long
// past its deadline before the sweep observes it (spec.md §4.5).
const pollInterval = 250 * time.Millisecond

// entry is one tracked in-flight request.
type entry struct {
	call     *jsonrpc.Call
	retry    *policy.RetryContext
	deadline time.Time

	// nextID and resend implement spec.md §9's fresh-id retry: nextID
	// mints the id the next attempt will use, resend re-encodes the
	// request under that id and transmits it. nextID is nil for batch
	// entries, whose resend retransmits under the original id (see
	// RegisterBatch).
	nextID func() string
	resend func(newID string) error

	batch   *jsonrpc.BatchCall
	batchID string
}

// Tracker is the ResponseTracker: a guarded table of in-flight calls,
// with a background sweep goroutine enforcing per-attempt deadlines.
type Tracker struct {
	logger *zap.Logger

	mu     sync.Mutex
	byID   map[string]*entry
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Tracker and starts its sweep goroutine.
func New(logger *zap.Logger) *Tracker {
	t := &Tracker{
		logger: logging.OrNop(logger),
		byID:   make(map[string]*entry),
		stopCh: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.sweepLoop()
	return t
}

// RegisterCall tracks a single non-batch call under req's id. nextID
// mints a fresh id for each retry attempt; resend re-encodes the
// request under that new id and re-transmits it. Returns
// ErrRequestAlreadyInFlight if id is already tracked.
func (t *Tracker) RegisterCall(id string, call *jsonrpc.Call, pol policy.Policy, nextID func() string, resend func(newID string) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return rpcerr.ErrClientClosed
	}
	if _, exists := t.byID[id]; exists {
		return rpcerr.ErrRequestAlreadyInFlight
	}
	t.byID[id] = &entry{
		call:     call,
		retry:    policy.NewRetryContext(pol),
		deadline: time.Now().Add(pol.RetryTimeout),
		nextID:   nextID,
		resend:   resend,
	}
	return nil
}

// RegisterBatch tracks every pending id within a BatchCall, each with
// its own retry counter and deadline, completing through the shared
// BatchCall. Unlike RegisterCall, a retried batch constituent resends
// under its original id: re-keying one id within an already-submitted
// batch envelope would require resending the whole batch, which is
// outside what spec.md's fresh-id rule addresses for single calls.
func (t *Tracker) RegisterBatch(ids []string, batch *jsonrpc.BatchCall, pol policy.Policy, resend func(id string) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return rpcerr.ErrClientClosed
	}
	for _, id := range ids {
		if _, exists := t.byID[id]; exists {
			return rpcerr.ErrRequestAlreadyInFlight
		}
	}
	for _, id := range ids {
		capturedID := id
		t.byID[id] = &entry{
			retry:    policy.NewRetryContext(pol),
			deadline: time.Now().Add(pol.RetryTimeout),
			resend:   func(string) error { return resend(capturedID) },
			batch:    batch,
			batchID:  capturedID,
		}
	}
	return nil
}

// RemoveCall drops id from the table without completing it — used to
// abandon a batch's still-pending ids when the caller's context is
// cancelled.
func (t *Tracker) RemoveCall(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

// RemoveCallByHandle drops whatever id call is currently tracked under.
// Needed for cancellation: a retried call may have been re-keyed to a
// fresh id since the caller last saw it, so the caller can't name the
// current id directly.
func (t *Tracker) RemoveCallByHandle(call *jsonrpc.Call) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.byID {
		if e.call == call {
			delete(t.byID, id)
			return
		}
	}
}

// Deliver routes a decoded response to its tracked call (or the owning
// batch) by id, removing the tracker entry. Returns false if id is not
// currently tracked.
func (t *Tracker) Deliver(resp *jsonrpc.Response) bool {
	if resp.ID == nil {
		return false
	}
	t.mu.Lock()
	e, ok := t.byID[*resp.ID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.byID, *resp.ID)
	t.mu.Unlock()

	if e.batch != nil {
		return e.batch.Deliver(resp)
	}
	e.call.Complete(resp)
	return true
}

// ProcessIssue implements issue dispatch (spec.md §4.5 and §4.4): a
// null-id fatal error, or a transport fault observed directly by a
// ReactorClient, terminates every call currently tracked — for this
// tracker instance, i.e. scoped to one client connection.
func (t *Tracker) ProcessIssue(reason error) {
	t.mu.Lock()
	entries := t.byID
	t.byID = make(map[string]*entry)
	t.mu.Unlock()

	for id, e := range entries {
		t.failEntry(id, e, reason)
	}
}

// Close stops the sweep goroutine and fails every still-tracked call
// with ErrClientClosed.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.stopCh)
	t.mu.Unlock()
	t.wg.Wait()
	t.ProcessIssue(rpcerr.ErrClientClosed)
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweepOnce()
		case <-t.stopCh:
			return
		}
	}
}

// sweepOnce walks the table once, retrying or timing out any entry past
// its deadline. O(n) in the number of in-flight calls, matching spec.md
// §4.5's documented cost.
func (t *Tracker) sweepOnce() {
	now := time.Now()
	var toRetry []string
	var toFail []string

	t.mu.Lock()
	for id, e := range t.byID {
		if now.Before(e.deadline) {
			continue
		}
		if e.retry.AttemptsRemaining() > 0 {
			toRetry = append(toRetry, id)
		} else {
			toFail = append(toFail, id)
		}
	}
	t.mu.Unlock()

	for _, id := range toRetry {
		t.retryEntry(id)
	}
	for _, id := range toFail {
		t.timeoutEntry(id)
	}
}

// retryEntry consumes one attempt and, for a single-call entry, re-keys
// it under a freshly minted id before resending — spec.md §9's "fresh
// ids but the same Call handle."
func (t *Tracker) retryEntry(id string) {
	t.mu.Lock()
	e, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.byID, id)
	e.retry.ConsumeAttempt()
	e.deadline = time.Now().Add(e.retry.PolicyRetryTimeout())

	retryID := id
	if e.nextID != nil {
		retryID = e.nextID()
	}
	t.byID[retryID] = e
	t.mu.Unlock()

	t.logger.Debug("tracker: retrying call", zap.String("previous_id", id), zap.String("id", retryID))
	if e.resend == nil {
		return
	}
	if err := e.resend(retryID); err != nil {
		// Per spec.md §4.4, a resend failure still leaves the entry
		// registered; the next sweep will retry again or time out.
		t.logger.Debug("tracker: resend failed, leaving entry for next sweep", zap.String("id", retryID), zap.Error(err))
	}
}

// timeoutEntry fails the entry tracked under id with a CallTimeout that
// carries the call's original request id, not the id of its last retry.
func (t *Tracker) timeoutEntry(id string) {
	origID := id
	t.mu.Lock()
	if e, ok := t.byID[id]; ok && e.call != nil && e.call.Request != nil && e.call.Request.ID != nil {
		origID = *e.call.Request.ID
	}
	t.mu.Unlock()
	t.timeoutEntryWithReason(id, rpcerr.Timeout(origID))
}

func (t *Tracker) timeoutEntryWithReason(id string, reason error) {
	t.mu.Lock()
	e, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.failEntry(id, e, reason)
}

func (t *Tracker) failEntry(id string, e *entry, reason error) {
	t.logger.Warn("tracker: call failed, retries exhausted or issue dispatched", zap.String("id", id), zap.Error(reason))
	code := jsonrpc.CodeConnectionClosed
	if errors.Is(reason, rpcerr.ErrCallTimeout) {
		code = jsonrpc.CodeInternalTimeout
	}
	errObj := &jsonrpc.RPCError{Code: code, Message: reason.Error()}
	if e.batch != nil {
		e.batch.FailAll(errObj)
		return
	}
	if e.call != nil {
		e.call.Fail(reason)
	}
}
