package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benjamonnguyen/leakwatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted serves handlers in order, repeating the last one once exhausted.
type scripted struct {
	calls    atomic.Int32
	handlers []http.HandlerFunc
}

func (s *scripted) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i := int(s.calls.Add(1)) - 1
	if i >= len(s.handlers) {
		i = len(s.handlers) - 1
	}
	s.handlers[i](w, r)
}

func respondJSON(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

// dropConnection closes the connection without writing a response.
func dropConnection(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic("response writer does not support hijacking")
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(err)
	}
	_ = conn.Close()
}

func newTestClient[T any](t *testing.T, h http.Handler, resource string, opts ...BindingOption) (*Client[T], *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	c := New[T](NewBinding(ts.URL, resource, opts...), Options{HTTPClient: ts.Client()})
	t.Cleanup(c.Stop)
	return c, ts
}

func TestBinding_URL(t *testing.T) {
	b := NewBinding("http://device:8888/", "/hxtleak/system")

	assert.Equal(t, "http://device:8888/api/0.1/hxtleak/system", b.BaseURL())
	assert.Equal(t, "http://device:8888/api/0.1/hxtleak/system/", b.URL(""))
	assert.Equal(t, "http://device:8888/api/0.1/hxtleak/system/outlets/chiller", b.URL("outlets/chiller"))
	assert.Equal(t, time.Duration(0), b.Interval())

	b = NewBinding("", "aegir", WithAPIVersion("0.2"), WithInterval(time.Second))
	assert.Equal(t, "/api/0.2/aegir", b.BaseURL())
	assert.Equal(t, time.Second, b.Interval())
	assert.Equal(t, "aegir", b.Resource())
}

func TestClient_Fetch_EndToEndScenario(t *testing.T) {
	srv := &scripted{handlers: []http.HandlerFunc{
		respondJSON(http.StatusOK, `{"fault":false,"outlets":{"chiller":{"enabled":true,"state":false}}}`),
		dropConnection,
		respondJSON(http.StatusOK, `{"fault":true,"outlets":{"chiller":{"enabled":false,"state":false}}}`),
	}}
	c, _ := newTestClient[leakwatch.SystemState](t, srv, "demo/system", WithInterval(500*time.Millisecond))
	ctx := context.Background()

	// first poll succeeds
	require.NoError(t, c.Fetch(ctx, ""))
	snap := c.Snapshot()
	require.NotNil(t, snap.Payload)
	assert.NoError(t, snap.Err)
	assert.False(t, snap.Payload.Fault)
	assert.Equal(t, leakwatch.Outlet{Enabled: true, State: false}, snap.Payload.Outlet("chiller"))
	first := snap.Payload

	// second poll gets no response
	err := c.Fetch(ctx, "")
	require.Error(t, err)
	snap = c.Snapshot()
	assert.Same(t, first, snap.Payload, "failed poll must keep the last good payload")
	assert.EqualError(t, snap.Err, "Network error sending request to "+c.Binding().BaseURL())
	assert.Equal(t, KindTransport, KindOf(snap.Err))

	// third poll succeeds again
	require.NoError(t, c.Fetch(ctx, ""))
	snap = c.Snapshot()
	require.NotNil(t, snap.Payload)
	assert.True(t, snap.Payload.Fault)
	assert.NoError(t, snap.Err)
	assert.False(t, snap.InFlight)
}

func TestClient_ServerErrorMessage(t *testing.T) {
	srv := respondJSON(http.StatusServiceUnavailable, `{"error":"busy"}`)
	c, _ := newTestClient[map[string]any](t, srv, "demo/system")
	ctx := context.Background()

	err := c.Fetch(ctx, "")
	require.Error(t, err)
	assert.Equal(t, "GET request failed with status 503 : busy", err.Error())

	var re *RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, KindServer, re.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, re.Status)

	err = c.Write(ctx, map[string]bool{"state": true}, "outlets/chiller", nil)
	require.Error(t, err)
	assert.Equal(t, "PUT request failed with status 503 : busy", err.Error())
	assert.Equal(t, err, c.Snapshot().Err)
}

func TestClient_ServerErrorWithoutErrorText(t *testing.T) {
	c, _ := newTestClient[map[string]any](t, respondJSON(http.StatusNotFound, `not json`), "demo/system")

	err := c.Fetch(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, "GET request failed with status 404 : ", err.Error())
}

func TestClient_NetworkErrorWhenServerGone(t *testing.T) {
	ts := httptest.NewServer(respondJSON(http.StatusOK, `{}`))
	b := NewBinding(ts.URL, "demo/system")
	ts.Close()

	c := New[map[string]any](b, Options{})
	err := c.Fetch(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, "Network error sending request to "+b.BaseURL(), err.Error())
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestClient_ConstructionErrors(t *testing.T) {
	c, _ := newTestClient[map[string]any](t, respondJSON(http.StatusOK, `{}`), "demo/system")

	// a channel cannot be encoded, so the request is never sent
	err := c.Write(context.Background(), make(chan int), "", nil)
	require.Error(t, err)
	assert.Equal(t, "Unknown error sending request to "+c.Binding().BaseURL(), err.Error())
	assert.Equal(t, KindConstruction, KindOf(err))

	bad := New[map[string]any](NewBinding("http://[::1", "demo/system"), Options{})
	err = bad.Fetch(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, "Unknown error sending request to http://[::1/api/0.1/demo/system", err.Error())
}

func TestClient_FailedPollNeverClearsPayload(t *testing.T) {
	outcomes := []bool{true, false, false, true, false, true, true, false}
	var handlers []http.HandlerFunc
	for i, ok := range outcomes {
		if ok {
			handlers = append(handlers, respondJSON(http.StatusOK, `{"n":`+string(rune('0'+i))+`}`))
		} else {
			handlers = append(handlers, respondJSON(http.StatusInternalServerError, `{"error":"nope"}`))
		}
	}
	c, _ := newTestClient[map[string]int](t, &scripted{handlers: handlers}, "demo/system")

	lastGood := -1
	for i, ok := range outcomes {
		err := c.Fetch(context.Background(), "")
		snap := c.Snapshot()
		if ok {
			require.NoError(t, err)
			lastGood = i
			assert.NoError(t, snap.Err)
		} else {
			require.Error(t, err)
			assert.Error(t, snap.Err)
		}
		if lastGood < 0 {
			assert.Nil(t, snap.Payload)
			continue
		}
		require.NotNil(t, snap.Payload)
		assert.Equal(t, lastGood, (*snap.Payload)["n"])
	}
}

func TestClient_Write_ReturnsResponseAndKeepsPayload(t *testing.T) {
	var gotBody map[string]any
	var gotPath, gotMethod string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/0.1/demo/system/", respondJSON(http.StatusOK, `{"fault":false}`))
	mux.HandleFunc("PUT /api/0.1/demo/system/outlets/chiller", func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		respondJSON(http.StatusOK, `{"state":false,"enabled":true}`)(w, r)
	})
	c, _ := newTestClient[leakwatch.SystemState](t, mux, "demo/system")
	ctx := context.Background()

	require.NoError(t, c.Fetch(ctx, ""))
	before := c.Snapshot().Payload

	var out leakwatch.Outlet
	require.NoError(t, c.Write(ctx, map[string]bool{"state": true}, "outlets/chiller", &out))

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/api/0.1/demo/system/outlets/chiller", gotPath)
	assert.Equal(t, map[string]any{"state": true}, gotBody)
	assert.Equal(t, leakwatch.Outlet{Enabled: true, State: false}, out)
	assert.Same(t, before, c.Snapshot().Payload)
}

func TestClient_Write_LeavesOutUntouchedOnFailure(t *testing.T) {
	c, _ := newTestClient[map[string]any](t, respondJSON(http.StatusBadRequest, `{"error":"Cannot change the state of a disabled outlet relay"}`), "demo/system")

	out := leakwatch.Outlet{Enabled: true, State: true}
	err := c.Write(context.Background(), map[string]bool{"state": false}, "outlets/daq", &out)
	require.Error(t, err)
	assert.Equal(t, "PUT request failed with status 400 : Cannot change the state of a disabled outlet relay", err.Error())
	assert.Equal(t, leakwatch.Outlet{Enabled: true, State: true}, out)
}

func TestClient_NoApplyAfterStop(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-release
		respondJSON(http.StatusOK, `{"fault":true}`)(w, r)
	})
	c, _ := newTestClient[leakwatch.SystemState](t, h, "demo/system")

	var notified atomic.Int32
	c.OnChange(func(Snapshot[leakwatch.SystemState]) { notified.Add(1) })

	done := make(chan error, 1)
	go func() { done <- c.Fetch(context.Background(), "") }()

	<-arrived
	c.Stop()
	close(release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not return")
	}

	snap := c.Snapshot()
	assert.Nil(t, snap.Payload)
	assert.NoError(t, snap.Err)
	assert.Zero(t, notified.Load())

	assert.ErrorIs(t, c.Fetch(context.Background(), ""), ErrClosed)
	assert.ErrorIs(t, c.Write(context.Background(), map[string]any{}, "", nil), ErrClosed)
}

func TestClient_StartPollsUntilStop(t *testing.T) {
	var calls atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 2 {
			respondJSON(http.StatusServiceUnavailable, `{"error":"busy"}`)(w, r)
			return
		}
		respondJSON(http.StatusOK, `{"fault":false}`)(w, r)
	})
	ts := httptest.NewServer(h)
	defer ts.Close()

	cell := leakwatch.NewErrorCell()
	c := New[leakwatch.SystemState](
		NewBinding(ts.URL, "demo/system", WithInterval(20*time.Millisecond)),
		Options{HTTPClient: ts.Client(), Errors: cell},
	)

	var mu sync.Mutex
	var changes int
	c.OnChange(func(Snapshot[leakwatch.SystemState]) {
		mu.Lock()
		defer mu.Unlock()
		changes++
	})

	c.Start(context.Background())
	c.Start(context.Background())

	require.Eventually(t, func() bool { return calls.Load() >= 4 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return cell.Get() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "GET request failed with status 503 : busy", cell.Get().Error())

	c.Stop()
	stoppedAt := calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, calls.Load(), stoppedAt+1)

	mu.Lock()
	assert.Positive(t, changes)
	mu.Unlock()
}

func TestClient_OnChangeFollowsAppliedOrder(t *testing.T) {
	var n atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := n.Add(1)
		// later requests tend to answer first
		time.Sleep(time.Duration(20-i%20) * 100 * time.Microsecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"n":%d}`, i)
	})
	c, _ := newTestClient[map[string]int](t, h, "hxtleak/system")

	var mu sync.Mutex
	var last Snapshot[map[string]int]
	c.OnChange(func(snap Snapshot[map[string]int]) {
		time.Sleep(50 * time.Microsecond)
		mu.Lock()
		defer mu.Unlock()
		last = snap
	})

	var wg sync.WaitGroup
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Fetch(context.Background(), "")
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, c.Snapshot(), last)
	assert.False(t, last.InFlight)
}

func TestClient_ZeroIntervalFetchesOnce(t *testing.T) {
	srv := &scripted{handlers: []http.HandlerFunc{respondJSON(http.StatusOK, `{"events":[]}`)}}
	c, _ := newTestClient[map[string]any](t, srv, "hxtleak/event_log")

	c.Start(context.Background())
	require.Eventually(t, func() bool { return c.Snapshot().Payload != nil }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestClient_SendsRequestID(t *testing.T) {
	var ids []string
	var mu sync.Mutex
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ids = append(ids, r.Header.Get("X-Request-ID"))
		mu.Unlock()
		respondJSON(http.StatusOK, `{}`)(w, r)
	})
	c, _ := newTestClient[map[string]any](t, h, "demo/system")

	require.NoError(t, c.Fetch(context.Background(), ""))
	require.NoError(t, c.Fetch(context.Background(), ""))

	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.NotEqual(t, ids[0], ids[1])
	assert.False(t, strings.Contains(ids[0], " "))
}
