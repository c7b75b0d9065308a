package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benjamonnguyen/leakwatch"
	"github.com/benjamonnguyen/leakwatch/endpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply func(out any) error

func ok(body string) reply {
	return func(out any) error {
		return json.Unmarshal([]byte(body), out)
	}
}

func fail(err error) reply {
	return func(any) error { return err }
}

// fakeWriter answers Write calls with scripted replies, repeating the last.
type fakeWriter struct {
	mu       sync.Mutex
	requests []Request
	replies  []reply
}

func (f *fakeWriter) Write(_ context.Context, body any, subpath string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if subpath != "" {
		return errors.New("unexpected subpath " + subpath)
	}
	f.requests = append(f.requests, body.(Request))
	i := min(len(f.requests)-1, len(f.replies)-1)
	return f.replies[i](out)
}

func (f *fakeWriter) sent() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

func TestSynchronizer_Tick_AppendsAndAdvancesCursor(t *testing.T) {
	w := &fakeWriter{replies: []reply{
		ok(`{"last_timestamp":"t1","events_since":"c1","events":[{"timestamp":"t1","level":"INFO","message":"m1"}]}`),
		ok(`{"last_timestamp":"t2","events_since":"c2","events":[]}`),
	}}
	s := New(w, Options{})
	ctx := context.Background()

	assert.Equal(t, leakwatch.Cursor{}, s.Cursor())
	assert.Empty(t, s.Events())

	require.NoError(t, s.Tick(ctx))
	want := []leakwatch.Event{{Timestamp: "t1", Level: leakwatch.LevelInfo, Message: "m1"}}
	assert.Equal(t, want, s.Events())
	assert.Equal(t, leakwatch.Cursor{LastTimestamp: "t1", EventsSince: "c1"}, s.Cursor())

	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, want, s.Events())
	assert.Equal(t, leakwatch.Cursor{LastTimestamp: "t2", EventsSince: "c2"}, s.Cursor())

	assert.Equal(t, []Request{{EventsSince: ""}, {EventsSince: "t1"}}, w.sent())
}

func TestSynchronizer_Tick_FailureChangesNothing(t *testing.T) {
	boom := errors.New("Network error sending request to /api/0.1/hxtleak/event_log")
	w := &fakeWriter{replies: []reply{
		ok(`{"last_timestamp":"t1","events_since":"c1","events":[{"timestamp":"t1","level":"WARNING","message":"Fault state detected"}]}`),
		fail(boom),
		ok(`{"last_timestamp":"t3","events_since":"c3","events":[{"timestamp":"t3","level":"INFO","message":"Fault state cleared"}]}`),
	}}
	rec := &fakeRecorder{}
	s := New(w, Options{Recorder: rec})
	ctx := context.Background()

	require.NoError(t, s.Tick(ctx))
	events, cursor := s.Events(), s.Cursor()

	err := s.Tick(ctx)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, events, s.Events())
	assert.Equal(t, cursor, s.Cursor())

	require.NoError(t, s.Tick(ctx))
	assert.Len(t, s.Events(), 2)

	sent := w.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "t1", sent[1].EventsSince)
	assert.Equal(t, "t1", sent[2].EventsSince, "the failed tick must not move the cursor")

	assert.Equal(t, 2, rec.batches)
	require.Len(t, rec.failures, 1)
	assert.Equal(t, cursor, rec.failures[0])
}

func TestSynchronizer_HistoryIsConcatenationOfBatches(t *testing.T) {
	batches := []Batch{
		{LastTimestamp: "a", EventsSince: "%%opaque%%", Events: []leakwatch.Event{{Timestamp: "a", Level: leakwatch.LevelDebug, Message: "1"}}},
		{LastTimestamp: "b", EventsSince: "", Events: nil},
		{LastTimestamp: "b", EventsSince: "{}", Events: []leakwatch.Event{
			{Timestamp: "b", Level: leakwatch.LevelError, Message: "2"},
			{Timestamp: "b", Level: leakwatch.LevelError, Message: "2"},
		}},
		{LastTimestamp: "a", EventsSince: "zz", Events: []leakwatch.Event{{Timestamp: "a", Level: leakwatch.LevelCritical, Message: "3"}}},
	}
	var replies []reply
	var want []leakwatch.Event
	for _, b := range batches {
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		replies = append(replies, ok(string(raw)))
		want = append(want, b.Events...)
	}
	s := New(&fakeWriter{replies: replies}, Options{})

	var appended []leakwatch.Event
	s.OnChange(func(u Update) {
		appended = append(appended, u.Appended...)
	})
	for range batches {
		require.NoError(t, s.Tick(context.Background()))
	}

	assert.Equal(t, want, s.Events())
	assert.Equal(t, want, appended)
	assert.Equal(t, batches[len(batches)-1].Cursor(), s.Cursor())
}

func TestSynchronizer_OnChangeFollowsAppliedOrder(t *testing.T) {
	var n int
	w := &fakeWriter{replies: []reply{func(out any) error {
		n++
		return json.Unmarshal(fmt.Appendf(nil, `{"last_timestamp":"t%d","events_since":"","events":[{"timestamp":"t%d","level":"INFO","message":"m"}]}`, n, n), out)
	}}}
	s := New(w, Options{})

	var mu sync.Mutex
	var last Update
	s.OnChange(func(u Update) {
		time.Sleep(50 * time.Microsecond)
		mu.Lock()
		defer mu.Unlock()
		last = u
	})

	var wg sync.WaitGroup
	for range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Tick(context.Background())
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 30, last.Total)
	assert.Len(t, s.Events(), 30)
	assert.Equal(t, s.Cursor(), last.Cursor)
}

func TestSynchronizer_Seed(t *testing.T) {
	seed := &Batch{
		LastTimestamp: "t5",
		EventsSince:   "c5",
		Events:        []leakwatch.Event{{Timestamp: "t5", Level: leakwatch.LevelInfo, Message: "System starting up"}},
	}
	w := &fakeWriter{replies: []reply{ok(`{"last_timestamp":"t6","events_since":"c6","events":[{"timestamp":"t6","level":"INFO","message":"m6"}]}`)}}
	s := New(w, Options{Seed: seed})

	assert.Equal(t, seed.Cursor(), s.Cursor())
	require.NoError(t, s.Tick(context.Background()))

	assert.Equal(t, "t5", w.sent()[0].EventsSince)
	events := s.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "System starting up", events[0].Message)
	assert.Equal(t, "m6", events[1].Message)

	// the seed slice is not aliased
	seed.Events[0].Message = "changed"
	assert.Equal(t, "System starting up", s.Events()[0].Message)
}

func TestSynchronizer_Envelope(t *testing.T) {
	w := &fakeWriter{replies: []reply{
		ok(`{"event_log":{"last_timestamp":"t1","events_since":"","events":[{"timestamp":"t1","level":"INFO","message":"m1"}]}}`),
		ok(`{"something_else":{}}`),
	}}
	s := New(w, Options{Envelope: "event_log"})

	require.NoError(t, s.Tick(context.Background()))
	assert.Len(t, s.Events(), 1)

	require.Error(t, s.Tick(context.Background()))
	assert.Equal(t, "t1", s.Cursor().LastTimestamp)
}

func TestDecodeBatch(t *testing.T) {
	flat := `{"last_timestamp":"t1","events_since":"","events":[{"timestamp":"t1","level":"INFO","message":"System starting up"}]}`

	b, err := DecodeBatch([]byte(flat), "")
	require.NoError(t, err)
	assert.Equal(t, leakwatch.Cursor{LastTimestamp: "t1"}, b.Cursor())
	require.Len(t, b.Events, 1)

	b, err = DecodeBatch([]byte(`{"event_log":`+flat+`}`), "event_log")
	require.NoError(t, err)
	assert.Equal(t, "System starting up", b.Events[0].Message)

	_, err = DecodeBatch([]byte(flat), "event_log")
	require.Error(t, err)
	_, err = DecodeBatch(nil, "event_log")
	require.Error(t, err)
	_, err = DecodeBatch([]byte(`[1,2]`), "")
	require.Error(t, err)

	b, err = DecodeBatch(nil, "")
	require.NoError(t, err)
	assert.Equal(t, Batch{}, b)
}

func TestSynchronizer_StopDiscardsLateBatches(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	w := &fakeWriter{replies: []reply{func(out any) error {
		close(entered)
		<-release
		return json.Unmarshal([]byte(`{"last_timestamp":"t1","events_since":"","events":[{"timestamp":"t1","level":"INFO","message":"late"}]}`), out)
	}}}
	s := New(w, Options{})
	s.OnChange(func(Update) { t.Error("no update expected after stop") })

	done := make(chan error, 1)
	go func() { done <- s.Tick(context.Background()) }()
	<-entered
	s.Stop()
	close(release)

	assert.ErrorIs(t, <-done, endpoint.ErrClosed)
	assert.Empty(t, s.Events())
	assert.Equal(t, leakwatch.Cursor{}, s.Cursor())
	assert.ErrorIs(t, s.Tick(context.Background()), endpoint.ErrClosed)
}

func TestSynchronizer_StartTicksOnInterval(t *testing.T) {
	w := &fakeWriter{replies: []reply{ok(`{"last_timestamp":"t","events_since":"","events":[]}`)}}
	s := New(w, Options{Interval: 10 * time.Millisecond})

	s.Start(context.Background())
	require.Eventually(t, func() bool { return len(w.sent()) >= 3 }, 5*time.Second, 5*time.Millisecond)
	s.Stop()

	n := len(w.sent())
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, len(w.sent()), n+1)
}

func TestSynchronizer_OverEndpointClient(t *testing.T) {
	var mu sync.Mutex
	var bodies []Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/0.1/hxtleak/event_log/" {
			http.Error(w, `{"error":"unexpected"}`, http.StatusBadRequest)
			return
		}
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		bodies = append(bodies, req)
		n := len(bodies)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if n == 1 {
			_, _ = w.Write([]byte(`{"last_timestamp":"2024-01-02 03:04:05.000001","events_since":"","events":[{"timestamp":"2024-01-02 03:04:05.000001","level":"INFO","message":"System starting up"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"last_timestamp":"2024-01-02 03:04:05.000001","events_since":"2024-01-02 03:04:05.000001","events":[]}`))
	}))
	defer ts.Close()

	c := endpoint.New[Batch](endpoint.NewBinding(ts.URL, "hxtleak/event_log"), endpoint.Options{HTTPClient: ts.Client()})
	s := New(c, Options{})

	require.NoError(t, s.Tick(context.Background()))
	require.NoError(t, s.Tick(context.Background()))

	assert.Equal(t, []Request{{EventsSince: ""}, {EventsSince: "2024-01-02 03:04:05.000001"}}, bodies)
	assert.Len(t, s.Events(), 1)
	assert.Equal(t, "2024-01-02 03:04:05.000001", s.Cursor().EventsSince)
}
