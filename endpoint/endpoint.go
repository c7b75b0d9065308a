// Package endpoint implements the polling client for a single backend resource.
//
// A Client owns one Binding. Fetch replaces the snapshot payload on success and
// records a normalized error on failure without touching the last good payload.
// Write sends a partial update and hands the decoded response back to the caller.
// Start polls on the binding's interval until Stop; nothing completes-and-applies
// after Stop returns.
package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/benjamonnguyen/leakwatch"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrClosed is returned by requests issued on, or completing after, a stopped Client.
var ErrClosed = errors.New("endpoint: binding closed")

const tracerName = "github.com/benjamonnguyen/leakwatch/endpoint"

// Snapshot is the client-side view of a resource.
type Snapshot[T any] struct {
	// Payload is the last successfully fetched value, nil before the first success.
	Payload *T
	// Err is the most recent failure, cleared by the next successful fetch.
	Err       error
	InFlight  bool
	UpdatedAt time.Time
}

type Options struct {
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	Logger     leakwatch.Logger
	// Errors receives failures of the periodic poll. Direct Fetch and Write
	// callers handle their own errors.
	Errors *leakwatch.ErrorCell
	// Timeout bounds each request. Zero leaves it to the transport.
	Timeout time.Duration
}

type Client[T any] struct {
	binding Binding
	hc      *http.Client
	l       leakwatch.Logger
	errs    *leakwatch.ErrorCell
	timeout time.Duration

	// notifyMu is held from applying a completion until its callback returns,
	// so callbacks see snapshots in the order they were stored.
	notifyMu sync.Mutex
	mu       sync.Mutex
	snap     Snapshot[T]
	inflight int
	onChange func(Snapshot[T])
	started  bool
	closed   bool
	cancel   context.CancelFunc
}

func New[T any](b Binding, opts Options) *Client[T] {
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client[T]{
		binding: b,
		hc:      hc,
		l:       opts.Logger,
		errs:    opts.Errors,
		timeout: opts.Timeout,
	}
}

func (c *Client[T]) Binding() Binding {
	return c.binding
}

// OnChange registers fn to receive a copy of the snapshot after every applied
// completion. It replaces any previous callback. Calls are serialised and arrive
// in the order completions were applied; fn must not start a Fetch or Write and
// wait for it.
func (c *Client[T]) OnChange(fn func(Snapshot[T])) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

func (c *Client[T]) Snapshot() Snapshot[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Fetch reads base/subpath into the snapshot. Overlapping calls are not coalesced;
// whichever completes last decides payload and error.
func (c *Client[T]) Fetch(ctx context.Context, subpath string) error {
	_, err := c.fetch(ctx, subpath)
	return err
}

func (c *Client[T]) fetch(ctx context.Context, subpath string) (applied bool, err error) {
	if !c.begin() {
		return false, ErrClosed
	}

	var out T
	err = c.do(ctx, http.MethodGet, subpath, nil, &out)
	applied = c.finish(func(s *Snapshot[T]) {
		if err != nil {
			s.Err = err
			return
		}
		s.Payload = &out
		s.Err = nil
		s.UpdatedAt = time.Now()
	})
	if !applied {
		return false, ErrClosed
	}
	return true, err
}

// Write sends body to base/subpath and decodes the response into out (which may be
// nil). On failure out is left untouched, the error is recorded on the snapshot and
// returned; the payload is never replaced by a write.
func (c *Client[T]) Write(ctx context.Context, body any, subpath string, out any) error {
	if !c.begin() {
		return ErrClosed
	}

	// decode into a scratch value so a failed or discarded write never leaves a
	// half-filled out
	var raw json.RawMessage
	err := c.do(ctx, http.MethodPut, subpath, body, &raw)
	if err == nil && out != nil && len(raw) > 0 {
		if uerr := json.Unmarshal(raw, out); uerr != nil {
			err = constructionError(http.MethodPut, c.binding.URL(subpath), c.binding.BaseURL(), uerr)
		}
	}
	if !c.finish(func(s *Snapshot[T]) {
		if err != nil {
			s.Err = err
		}
	}) {
		return ErrClosed
	}
	return err
}

// Start fetches immediately and then once per interval until Stop or until ctx is
// done. A zero interval fetches once. Start is a no-op on a started or stopped Client.
func (c *Client[T]) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.run(ctx)
}

// Stop cancels the poll timer. Completions arriving after Stop returns are dropped.
func (c *Client[T]) Stop() {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (c *Client[T]) run(ctx context.Context) {
	go c.poll(ctx)

	interval := c.binding.Interval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go c.poll(ctx)
		}
	}
}

func (c *Client[T]) poll(ctx context.Context) {
	applied, err := c.fetch(ctx, "")
	if !applied || err == nil {
		return
	}
	if c.l != nil {
		c.l.Warn("poll failed", "resource", c.binding.Resource(), "error", err)
	}
	if c.errs != nil {
		c.errs.Set(err)
	}
}

func (c *Client[T]) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.inflight++
	c.snap.InFlight = true
	return true
}

// finish applies fn unless the client was stopped while the request was out.
func (c *Client[T]) finish(fn func(*Snapshot[T])) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	c.inflight--
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.snap.InFlight = c.inflight > 0
	fn(&c.snap)
	snap := c.snap
	onChange := c.onChange
	c.mu.Unlock()

	if onChange != nil {
		onChange(snap)
	}
	return true
}

func (c *Client[T]) do(ctx context.Context, method, subpath string, body any, out any) (err error) {
	url := c.binding.URL(subpath)
	base := c.binding.BaseURL()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "endpoint "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("leakwatch.resource", c.binding.Resource()),
			attribute.String("leakwatch.subpath", subpath),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return constructionError(method, url, base, err)
		}
		r = bytes.NewReader(b)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return constructionError(method, url, base, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.hc.Do(req)
	if err != nil {
		return transportError(method, url, base, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(method, url, base, err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return serverError(method, url, resp.StatusCode, b)
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return constructionError(method, url, base, err)
	}
	return nil
}
