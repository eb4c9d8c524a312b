// Package approval implements the human-in-the-loop gate for tool calls.
// The task loop enqueues approval requests and blocks on a promise; an
// external resolver (UI, CLI, or policy) answers each request exactly once.
package approval

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"cortex/internal/events"
	"cortex/internal/logging"
)

// =============================================================================
// MODEL
// =============================================================================

// Mode selects how requests are answered.
type Mode string

const (
	// ModeAsk queues requests for an external resolver.
	ModeAsk Mode = "ask"
	// ModeAutoApprove approves every request without queueing.
	ModeAutoApprove Mode = "auto-approve"
	// ModeAutoDeny denies every request without queueing.
	ModeAutoDeny Mode = "auto-deny"
)

// QueueCapacity bounds pending approvals. Past it, requests are auto-denied
// with ErrQueueFull rather than blocking the enqueuer.
const QueueCapacity = 16

var (
	// ErrQueueFull reports an approval denied because the queue was full.
	ErrQueueFull = errors.New("approval queue full")
	// ErrClosed reports a request made after the coordinator shut down.
	ErrClosed = errors.New("approval coordinator closed")
)

// Request is one pending tool-call approval.
type Request struct {
	ID   string
	Tool string
	Args map[string]any
}

// PolicyFunc can pre-decide a request. Returning decided=false defers to the
// queue.
type PolicyFunc func(Request) (approved, decided bool)

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator is session-scoped: it lives for the duration of one task run.
// Every enqueued request receives exactly one resolution; Close denies all
// outstanding requests; resolutions arriving after Close are ignored.
type Coordinator struct {
	mu      sync.Mutex
	mode    Mode
	policy  PolicyFunc
	pending map[string]chan bool
	queue   chan Request
	stream  *events.Stream
	closed  bool
}

// New creates a coordinator. stream may be nil.
func New(mode Mode, stream *events.Stream) *Coordinator {
	if mode == "" {
		mode = ModeAsk
	}
	return &Coordinator{
		mode:    mode,
		pending: make(map[string]chan bool),
		queue:   make(chan Request, QueueCapacity),
		stream:  stream,
	}
}

// SetPolicy installs a pre-decision hook consulted before queueing.
func (c *Coordinator) SetPolicy(p PolicyFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p
}

// Ask requests approval for a tool call and blocks until it is resolved,
// the context is cancelled, or the coordinator closes. The boolean is the
// decision; a non-nil error explains denials that were not human choices.
func (c *Coordinator) Ask(ctx context.Context, tool string, args map[string]any) (bool, error) {
	req := Request{ID: uuid.NewString(), Tool: tool, Args: args}

	switch c.mode {
	case ModeAutoApprove:
		logging.Approval("auto-approved %s (%s)", req.Tool, req.ID)
		return true, nil
	case ModeAutoDeny:
		logging.Approval("auto-denied %s (%s)", req.Tool, req.ID)
		return false, nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	if c.policy != nil {
		if approved, decided := c.policy(req); decided {
			c.mu.Unlock()
			logging.Approval("policy decided %s (%s): approved=%v", req.Tool, req.ID, approved)
			return approved, nil
		}
	}
	if len(c.pending) >= QueueCapacity {
		c.mu.Unlock()
		logging.Approval("queue full, denying %s (%s)", req.Tool, req.ID)
		return false, ErrQueueFull
	}

	promise := make(chan bool, 1)
	c.pending[req.ID] = promise
	c.mu.Unlock()

	select {
	case c.queue <- req:
	default:
		// queue capacity matches the pending bound, so the send cannot block
		c.unregister(req.ID)
		return false, ErrQueueFull
	}

	c.stream.Point("execution.tool.approval-requested", "", map[string]any{
		"approvalId": req.ID,
		"tool":       req.Tool,
		"args":       req.Args,
	})
	logging.Approval("requested approval for %s (%s)", req.Tool, req.ID)

	select {
	case approved := <-promise:
		logging.Approval("resolved %s (%s): approved=%v", req.Tool, req.ID, approved)
		return approved, nil
	case <-ctx.Done():
		c.unregister(req.ID)
		logging.Approval("cancelled %s (%s): %v", req.Tool, req.ID, ctx.Err())
		return false, ctx.Err()
	}
}

// Next blocks until a request is available for resolution. It returns false
// when the context is cancelled.
func (c *Coordinator) Next(ctx context.Context) (Request, bool) {
	select {
	case req := <-c.queue:
		return req, true
	case <-ctx.Done():
		return Request{}, false
	}
}

// Resolve answers a pending request. It reports whether the id was still
// pending; repeated or post-close resolutions are ignored.
func (c *Coordinator) Resolve(id string, approved bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	promise, ok := c.pending[id]
	if !ok || c.closed {
		return false
	}
	delete(c.pending, id)
	promise <- approved
	return true
}

// PendingCount returns how many requests await resolution.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close denies every outstanding request and rejects future ones. A
// top-level interrupt lands here.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, promise := range c.pending {
		promise <- false
		delete(c.pending, id)
	}
	logging.Approval("coordinator closed, outstanding requests denied")
}

func (c *Coordinator) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}
