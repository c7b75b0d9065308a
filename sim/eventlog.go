package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/benjamonnguyen/leakwatch"
	"github.com/benjamonnguyen/leakwatch/eventlog"
)

const (
	TimestampFormat = "2006-01-02 15:04:05.000000"

	DefaultQueueLen = 250
)

type logEntry struct {
	at    time.Time
	level leakwatch.Level
	msg   string
}

// EventLogger keeps the most recent events in a bounded queue and mirrors each
// one to a Logger. Timestamps are strictly increasing at microsecond resolution
// so a cursor never skips a later event that shares its formatted time.
type EventLogger struct {
	l   leakwatch.Logger
	now func() time.Time

	mu          sync.Mutex
	queue       []logEntry
	maxlen      int
	last        time.Time
	eventsSince time.Time
}

func NewEventLogger(l leakwatch.Logger, maxlen int) *EventLogger {
	if maxlen <= 0 {
		maxlen = DefaultQueueLen
	}
	return &EventLogger{
		l:      l,
		now:    time.Now,
		maxlen: maxlen,
	}
}

func (e *EventLogger) Debug(format string, args ...any) { e.Log(leakwatch.LevelDebug, format, args...) }
func (e *EventLogger) Info(format string, args ...any)  { e.Log(leakwatch.LevelInfo, format, args...) }
func (e *EventLogger) Warning(format string, args ...any) {
	e.Log(leakwatch.LevelWarning, format, args...)
}
func (e *EventLogger) Error(format string, args ...any) { e.Log(leakwatch.LevelError, format, args...) }
func (e *EventLogger) Critical(format string, args ...any) {
	e.Log(leakwatch.LevelCritical, format, args...)
}

func (e *EventLogger) Log(level leakwatch.Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	e.mu.Lock()
	at := e.now().Truncate(time.Microsecond)
	if !at.After(e.last) {
		at = e.last.Add(time.Microsecond)
	}
	e.last = at
	e.queue = append(e.queue, logEntry{at: at, level: level, msg: msg})
	if over := len(e.queue) - e.maxlen; over > 0 {
		e.queue = append(e.queue[:0:0], e.queue[over:]...)
	}
	e.mu.Unlock()

	if e.l == nil {
		return
	}
	switch level {
	case leakwatch.LevelDebug:
		e.l.Debug(msg)
	case leakwatch.LevelInfo:
		e.l.Info(msg)
	case leakwatch.LevelWarning:
		e.l.Warn(msg)
	default:
		e.l.Error(msg, "level", level)
	}
}

// Since selects the queued events logged strictly after since, or all of them
// when since is empty, and remembers since for Current.
func (e *EventLogger) Since(since string) (eventlog.Batch, error) {
	var t time.Time
	if since != "" {
		var err error
		t, err = time.ParseInLocation(TimestampFormat, since, time.Local)
		if err != nil {
			return eventlog.Batch{}, fmt.Errorf("Invalid events_since timestamp %q", since)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.eventsSince = t
	return e.batch(), nil
}

// Current repeats the selection made by the last call to Since.
func (e *EventLogger) Current() eventlog.Batch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batch()
}

func (e *EventLogger) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *EventLogger) batch() eventlog.Batch {
	b := eventlog.Batch{
		LastTimestamp: format(e.last),
		EventsSince:   format(e.eventsSince),
		Events:        []leakwatch.Event{},
	}
	for _, entry := range e.queue {
		if entry.at.After(e.eventsSince) {
			b.Events = append(b.Events, leakwatch.Event{
				Timestamp: format(entry.at),
				Level:     entry.level,
				Message:   entry.msg,
			})
		}
	}
	return b
}

func format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimestampFormat)
}
