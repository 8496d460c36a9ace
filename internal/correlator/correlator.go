// Package correlator matches JSON-RPC responses read from the worker's
// output back to the caller that sent the request.
//
// Every request registers a pending entry with its own deadline. The entry
// is resolved exactly once by whichever happens first: a matching response,
// the deadline, the caller giving up, or the worker exiting. Resolution
// removes the entry under the lock, so the losers find nothing and are
// no-ops.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ilocn/mcpman/internal/idgen"
	"github.com/ilocn/mcpman/internal/logbuf"
	"github.com/ilocn/mcpman/internal/tracing"
)

// DefaultTimeout bounds how long a call waits for its response.
const DefaultTimeout = 10 * time.Second

const methodToolsCall = "tools/call"

var (
	// ErrNotRunning is returned without registering anything when no worker
	// is available to receive the request.
	ErrNotRunning = errors.New("mcp server not running")
	// ErrTimeout is wrapped by *TimeoutError.
	ErrTimeout = errors.New("mcp command timeout")
)

// TimeoutError reports a request whose deadline passed before a response.
type TimeoutError struct {
	Tool string
	ID   uint64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("MCP command timeout: %s (id %d)", e.Tool, e.ID)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// RPCError is an error object returned by the worker.
type RPCError struct {
	Tool    string
	ID      uint64
	Code    int64
	Message string
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return "MCP server error"
	}
	return e.Message
}

// Result is a normalized successful tool call.
type Result struct {
	Tool    string          `json:"tool"`
	Message string          `json:"message"`
	Content string          `json:"content"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Outcome is the single value delivered on a Send channel.
type Outcome struct {
	Result *Result
	Err    error
}

// Link is the worker connection the correlator writes requests to.
type Link interface {
	// Running reports whether a worker process is currently tracked.
	Running() bool
	// WriteLine writes b followed by a newline to the worker's stdin. It may
	// block while the worker is not reading; callers never wait on it.
	WriteLine(b []byte) error
}

type pending struct {
	id        uint64
	tool      string
	createdAt time.Time
	deadline  time.Time
	timer     *time.Timer
	span      trace.Span
	done      chan Outcome
}

// Correlator owns the pending-request table.
type Correlator struct {
	link    Link
	logs    *logbuf.Buffer
	tracer  trace.Tracer
	nextID  func() uint64
	timeout time.Duration
	now     func() time.Time
	attrs   func() []attribute.KeyValue

	mu      sync.Mutex
	pending map[uint64]*pending
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithTimeout sets the default per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLog sends request and response log entries to b.
func WithLog(b *logbuf.Buffer) Option {
	return func(c *Correlator) { c.logs = b }
}

// WithTracer records one span per call.
func WithTracer(t trace.Tracer) Option {
	return func(c *Correlator) { c.tracer = t }
}

// WithIDs replaces the request id source. Ids must not repeat while pending.
func WithIDs(next func() uint64) Option {
	return func(c *Correlator) { c.nextID = next }
}

// WithSpanAttributes adds attrs() to every call span, e.g. the identity of
// the process the request is written to.
func WithSpanAttributes(attrs func() []attribute.KeyValue) Option {
	return func(c *Correlator) { c.attrs = attrs }
}

// New returns a Correlator writing through link.
func New(link Link, opts ...Option) *Correlator {
	c := &Correlator{
		link:    link,
		tracer:  noop.NewTracerProvider().Tracer("noop"),
		nextID:  idgen.NextRequestID,
		timeout: DefaultTimeout,
		now:     time.Now,
		pending: make(map[uint64]*pending),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logs == nil {
		c.logs = logbuf.New(logbuf.DefaultCapacity)
	}
	return c
}

// Pending returns the number of unresolved requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Send writes a tools/call request and returns a channel that yields exactly
// one Outcome. It fails fast with ErrNotRunning when the link is down.
func (c *Correlator) Send(ctx context.Context, tool string, args map[string]any) (<-chan Outcome, error) {
	_, ch, err := c.send(ctx, tool, args, c.timeout)
	return ch, err
}

// Call sends a request with the default timeout and waits for its outcome.
func (c *Correlator) Call(ctx context.Context, tool string, args map[string]any) (*Result, error) {
	return c.CallTimeout(ctx, tool, args, 0)
}

// CallTimeout is Call with a per-request deadline; timeout <= 0 uses the
// default. If ctx ends first the request is abandoned and a late response
// will be discarded.
func (c *Correlator) CallTimeout(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	id, ch, err := c.send(ctx, tool, args, timeout)
	if err != nil {
		return nil, err
	}
	select {
	case out := <-ch:
		return out.Result, out.Err
	case <-ctx.Done():
		if c.resolve(id, Outcome{Err: ctx.Err()}) {
			return nil, ctx.Err()
		}
		out := <-ch
		return out.Result, out.Err
	}
}

func (c *Correlator) send(ctx context.Context, tool string, args map[string]any, timeout time.Duration) (uint64, <-chan Outcome, error) {
	if !c.link.Running() {
		return 0, nil, ErrNotRunning
	}
	if args == nil {
		args = map[string]any{}
	}

	id := c.nextID()
	req := &jsonrpc2.Request{Method: methodToolsCall, ID: jsonrpc2.ID{Num: id}}
	if err := req.SetParams(callParams{Name: tool, Arguments: args}); err != nil {
		return 0, nil, fmt.Errorf("encode %s arguments: %w", tool, err)
	}
	line, err := json.Marshal(req)
	if err != nil {
		return 0, nil, fmt.Errorf("encode %s request: %w", tool, err)
	}

	attrs := []attribute.KeyValue{
		attribute.Int64(tracing.AttrRPCID, int64(id)),
		attribute.String(tracing.AttrRPCTool, tool),
	}
	if c.attrs != nil {
		attrs = append(attrs, c.attrs()...)
	}
	_, span := c.tracer.Start(ctx, methodToolsCall+" "+tool,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	now := c.now()
	p := &pending{
		id:        id,
		tool:      tool,
		createdAt: now,
		deadline:  now.Add(timeout),
		span:      span,
		done:      make(chan Outcome, 1),
	}

	c.mu.Lock()
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		span.End()
		return 0, nil, fmt.Errorf("request id %d already pending", id)
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() { c.expire(id) })
	c.mu.Unlock()

	argsJSON, _ := json.Marshal(args)
	c.logs.Info(fmt.Sprintf("Sending MCP command: %s %s with ID: %d", tool, argsJSON, id))

	// A worker that stops reading stdin blocks the write; the deadline
	// timer still resolves the entry.
	go c.write(id, tool, line)
	return id, p.done, nil
}

func (c *Correlator) write(id uint64, tool string, line []byte) {
	if err := c.link.WriteLine(line); err != nil {
		c.logs.Error(fmt.Sprintf("Failed to write MCP command %s: %v", tool, err))
		c.resolve(id, Outcome{Err: fmt.Errorf("write %s request: %w", tool, err)})
	}
}

// resolve removes the entry and delivers out. It reports false when the
// entry was already resolved by someone else.
func (c *Correlator) resolve(id uint64, out Outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	finishSpan(p.span, out)
	p.done <- out
	return true
}

func (c *Correlator) expire(id uint64) {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	if c.resolve(id, Outcome{Err: &TimeoutError{Tool: p.tool, ID: id}}) {
		c.logs.Error(fmt.Sprintf("MCP command timeout: %s (id %d, waited %s)", p.tool, id, p.deadline.Sub(p.createdAt)))
	}
}

// FailAll resolves every pending request with err.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	all := make([]uint64, 0, len(c.pending))
	for id := range c.pending {
		all = append(all, id)
	}
	c.mu.Unlock()

	n := 0
	for _, id := range all {
		if c.resolve(id, Outcome{Err: err}) {
			n++
		}
	}
	if n > 0 {
		c.logs.Warn(fmt.Sprintf("Failed %d pending MCP request(s): %v", n, err))
	}
}

type envelope struct {
	ID     *jsonrpc2.ID    `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *jsonrpc2.Error `json:"error"`
}

// Deliver handles one response line. Responses with no matching pending
// request are logged and dropped.
func (c *Correlator) Deliver(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logs.Error(fmt.Sprintf("Failed to parse MCP response: %v", err))
		return
	}
	if env.ID == nil || env.ID.IsString {
		c.logs.Info(fmt.Sprintf("No pending request found for ID: %s", idString(env.ID)))
		return
	}
	id := env.ID.Num

	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.logs.Info(fmt.Sprintf("No pending request found for ID: %d", id))
		return
	}

	var out Outcome
	switch {
	case env.Error != nil:
		msg, _ := json.Marshal(env.Error)
		c.logs.Error(fmt.Sprintf("MCP server error for %s: %s", p.tool, msg))
		out.Err = &RPCError{Tool: p.tool, ID: id, Code: env.Error.Code, Message: env.Error.Message}
	case len(env.Result) == 0 || string(env.Result) == "null":
		out.Result = &Result{Tool: p.tool, Message: p.tool + " executed (no result data)"}
	default:
		out.Result = normalize(p.tool, env.Result)
		c.logs.Info(fmt.Sprintf("MCP response for %s: %s...", p.tool, truncate(out.Result.Content, 100)))
	}
	c.resolve(id, out)
}

func finishSpan(span trace.Span, out Outcome) {
	var te *TimeoutError
	switch {
	case out.Err == nil:
		span.SetAttributes(attribute.String(tracing.AttrRPCOutcome, "success"))
		span.SetStatus(codes.Ok, "")
	case errors.As(out.Err, &te):
		span.SetAttributes(attribute.String(tracing.AttrRPCOutcome, "timeout"))
		span.SetStatus(codes.Error, out.Err.Error())
	default:
		span.SetAttributes(attribute.String(tracing.AttrRPCOutcome, "error"))
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	span.End()
}

func idString(id *jsonrpc2.ID) string {
	if id == nil {
		return "<none>"
	}
	return id.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
