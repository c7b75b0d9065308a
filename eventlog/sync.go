// Package eventlog keeps a client-side copy of the device event log by pulling
// only the events newer than the last acknowledged cursor.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benjamonnguyen/leakwatch"
	"github.com/benjamonnguyen/leakwatch/endpoint"
)

const DefaultInterval = time.Second

// Request is the body sent on every tick.
type Request struct {
	EventsSince string `json:"events_since"`
}

// Batch is the server's answer to a Request.
type Batch struct {
	LastTimestamp string            `json:"last_timestamp"`
	EventsSince   string            `json:"events_since"`
	Events        []leakwatch.Event `json:"events"`
}

func (b Batch) Cursor() leakwatch.Cursor {
	return leakwatch.Cursor{LastTimestamp: b.LastTimestamp, EventsSince: b.EventsSince}
}

// Writer is the write half of an endpoint.Client.
type Writer interface {
	Write(ctx context.Context, body any, subpath string, out any) error
}

// Update is passed to OnChange after each applied batch.
type Update struct {
	Cursor leakwatch.Cursor
	// Appended holds only the events added by this batch.
	Appended []leakwatch.Event
	Total    int
}

type Options struct {
	// Interval between ticks, DefaultInterval if zero.
	Interval time.Duration
	Logger   leakwatch.Logger
	// Recorder, if set, is told about every tick outcome.
	Recorder Recorder
	// Seed initialises history and cursor from an earlier snapshot.
	Seed *Batch
	// Envelope names the object the batch is wrapped in, e.g. "event_log" for
	// backends that answer {"event_log": {...}}. Empty means unwrapped.
	Envelope string
}

type Synchronizer struct {
	w        Writer
	interval time.Duration
	l        leakwatch.Logger
	rec      Recorder
	envelope string

	// notifyMu orders OnChange calls the same way batches were applied.
	notifyMu sync.Mutex
	mu       sync.Mutex
	cursor   leakwatch.Cursor
	events   []leakwatch.Event
	onChange func(Update)
	started  bool
	closed   bool
	cancel   context.CancelFunc
}

func New(w Writer, opts Options) *Synchronizer {
	s := &Synchronizer{
		w:        w,
		interval: opts.Interval,
		l:        opts.Logger,
		rec:      opts.Recorder,
		envelope: opts.Envelope,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if opts.Seed != nil {
		s.cursor = opts.Seed.Cursor()
		s.events = append([]leakwatch.Event(nil), opts.Seed.Events...)
	}
	return s
}

func (s *Synchronizer) OnChange(fn func(Update)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Events returns a copy of the accumulated history in arrival order.
func (s *Synchronizer) Events() []leakwatch.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]leakwatch.Event(nil), s.events...)
}

func (s *Synchronizer) Cursor() leakwatch.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Tick requests everything after the acknowledged timestamp and appends the
// result. A failed tick changes nothing.
func (s *Synchronizer) Tick(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return endpoint.ErrClosed
	}
	before := s.cursor
	s.mu.Unlock()

	b, err := s.request(ctx, before.LastTimestamp)
	if err != nil {
		if errors.Is(err, endpoint.ErrClosed) || s.isClosed() {
			return endpoint.ErrClosed
		}
		if s.l != nil {
			s.l.Warn("event log sync failed", "events_since", before.LastTimestamp, "error", err)
		}
		s.record(ctx, func() error { return s.rec.RecordFailure(ctx, before, err) })
		return err
	}

	if !s.apply(b) {
		return endpoint.ErrClosed
	}
	if s.l != nil && len(b.Events) > 0 {
		s.l.Debug("event log synced", "received", len(b.Events), "last_timestamp", b.LastTimestamp)
	}
	s.record(ctx, func() error { return s.rec.RecordBatch(ctx, b) })
	return nil
}

func (s *Synchronizer) apply(b Batch) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.cursor = b.Cursor()
	s.events = append(s.events, b.Events...)
	u := Update{
		Cursor:   s.cursor,
		Appended: append([]leakwatch.Event(nil), b.Events...),
		Total:    len(s.events),
	}
	onChange := s.onChange
	s.mu.Unlock()

	if onChange != nil {
		onChange(u)
	}
	return true
}

func (s *Synchronizer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Synchronizer) request(ctx context.Context, since string) (Batch, error) {
	req := Request{EventsSince: since}
	if s.envelope == "" {
		var b Batch
		err := s.w.Write(ctx, req, "", &b)
		return b, err
	}

	var wrapped map[string]Batch
	if err := s.w.Write(ctx, req, "", &wrapped); err != nil {
		return Batch{}, err
	}
	return unwrap(wrapped, s.envelope)
}

// DecodeBatch parses an event log reply such as the body of a plain GET, taking
// the batch out of envelope when one is named.
func DecodeBatch(raw []byte, envelope string) (Batch, error) {
	if envelope == "" {
		var b Batch
		if len(raw) == 0 {
			return b, nil
		}
		err := json.Unmarshal(raw, &b)
		return b, err
	}

	var wrapped map[string]Batch
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return Batch{}, err
		}
	}
	return unwrap(wrapped, envelope)
}

func unwrap(wrapped map[string]Batch, envelope string) (Batch, error) {
	b, ok := wrapped[envelope]
	if !ok {
		return Batch{}, fmt.Errorf("event log response has no %q object", envelope)
	}
	return b, nil
}

func (s *Synchronizer) record(ctx context.Context, fn func() error) {
	if s.rec == nil {
		return
	}
	if err := fn(); err != nil && s.l != nil {
		s.l.Error("failed recording event log tick", "error", err)
	}
}

// Start ticks once per interval until Stop or until ctx is done. Ticks are not
// coalesced: a slow request does not hold back the next one.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				go func() { _ = s.Tick(ctx) }()
			}
		}
	}()
}

// Stop halts ticking. Batches arriving after Stop returns are discarded.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
