package main

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/benjamonnguyen/leakwatch"
	"github.com/benjamonnguyen/leakwatch/control"
	"github.com/benjamonnguyen/leakwatch/endpoint"
	"github.com/benjamonnguyen/leakwatch/eventlog"
)

// outlets shown as switches, in display order
var outlets = []struct {
	name, title, key string
}{
	{"chiller", "Chiller", "c"},
	{"daq", "DAQ", "d"},
}

// dashboard owns every binding the view reads from. Bindings report through send
// from their own goroutines, never from inside tea's Update.
type dashboard struct {
	l       leakwatch.Logger
	errs    *leakwatch.ErrorCell
	system  *endpoint.Client[leakwatch.SystemResponse]
	eventEP *endpoint.Client[json.RawMessage]
	events  *eventlog.Synchronizer
	// keyed by outlet name
	switches map[string]*control.Switch
	timeout  time.Duration

	mu    sync.Mutex
	send  func(tea.Msg)
	unsub func()
}

type dashboardOptions struct {
	HTTPClient *http.Client
	Logger     leakwatch.Logger
	Recorder   eventlog.Recorder
	Seed       *eventlog.Batch
}

func newDashboard(cfg leakwatch.Config, opts dashboardOptions) (*dashboard, error) {
	errs := leakwatch.NewErrorCell()
	epOpts := endpoint.Options{
		HTTPClient: opts.HTTPClient,
		Logger:     opts.Logger,
		Errors:     errs,
		Timeout:    cfg.RequestTimeout,
	}

	d := &dashboard{
		l:       opts.Logger,
		errs:    errs,
		timeout: cfg.RequestTimeout,
		system: endpoint.New[leakwatch.SystemResponse](
			endpoint.NewBinding(cfg.ServerURL, path.Join(cfg.System, "system"),
				endpoint.WithAPIVersion(cfg.APIVersion),
				endpoint.WithInterval(cfg.PollInterval),
			),
			epOpts,
		),
		eventEP: endpoint.New[json.RawMessage](
			endpoint.NewBinding(cfg.ServerURL, path.Join(cfg.System, "event_log"),
				endpoint.WithAPIVersion(cfg.APIVersion),
			),
			epOpts,
		),
		switches: make(map[string]*control.Switch, len(outlets)),
	}
	seed := opts.Seed
	if seed == nil {
		seed = d.fetchSeed(cfg.EventEnvelope)
	}
	d.events = eventlog.New(d.eventEP, eventlog.Options{
		Interval: cfg.EventInterval,
		Logger:   opts.Logger,
		Recorder: opts.Recorder,
		Seed:     seed,
		Envelope: cfg.EventEnvelope,
	})

	for _, o := range outlets {
		name := o.name
		sw, err := control.NewSwitch(d.system, path.Join("outlets", name, "state"), control.Options{
			Title:  o.title,
			Logger: opts.Logger,
			OnChange: func(state bool) {
				d.notify(SwitchMsg{name: name, state: state})
			},
		})
		if err != nil {
			return nil, err
		}
		d.switches[name] = sw
	}

	d.system.OnChange(func(snap endpoint.Snapshot[leakwatch.SystemResponse]) {
		if snap.Payload != nil {
			for name, sw := range d.switches {
				o := snap.Payload.System.Outlet(name)
				sw.Sync(o.State, o.Enabled)
			}
		}
		d.notify(SystemMsg{snap: snap})
	})
	d.events.OnChange(func(u eventlog.Update) {
		d.notify(EventsMsg{update: u})
	})
	return d, nil
}

// fetchSeed reads the event log once so history shows before the first tick.
// Failures are reported and leave the synchronizer to start from scratch.
func (d *dashboard) fetchSeed(envelope string) *eventlog.Batch {
	ctx, cancel := d.newTimeout()
	defer cancel()

	err := d.eventEP.Fetch(ctx, "")
	var b eventlog.Batch
	if err == nil {
		if raw := d.eventEP.Snapshot().Payload; raw != nil {
			b, err = eventlog.DecodeBatch(*raw, envelope)
		}
	}
	if err != nil {
		if d.l != nil {
			d.l.Warn("initial event log fetch failed", "error", err)
		}
		d.errs.Set(err)
		return nil
	}
	return &b
}

// Start begins polling. send must be safe to call from any goroutine.
func (d *dashboard) Start(ctx context.Context, send func(tea.Msg)) {
	d.mu.Lock()
	d.send = send
	d.unsub = d.errs.Subscribe(func(err error) {
		d.notify(BannerMsg{err: err})
	})
	d.mu.Unlock()

	d.system.Start(ctx)
	d.events.Start(ctx)
}

// Stop tears down every binding; nothing is sent afterwards.
func (d *dashboard) Stop() {
	d.system.Stop()
	d.events.Stop()
	d.eventEP.Stop()

	d.mu.Lock()
	if d.unsub != nil {
		d.unsub()
	}
	d.send = nil
	d.mu.Unlock()
}

func (d *dashboard) notify(msg tea.Msg) {
	d.mu.Lock()
	send := d.send
	d.mu.Unlock()
	if send != nil {
		send(msg)
	}
}

func (d *dashboard) toggle(name string, value bool) tea.Cmd {
	sw, ok := d.switches[name]
	if !ok {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := d.newTimeout()
		defer cancel()
		_, err := sw.Toggle(ctx, value)
		return ToggleResultMsg{name: name, err: err}
	}
}

func (d *dashboard) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := d.newTimeout()
		defer cancel()
		if err := d.system.Fetch(ctx, ""); err != nil && d.l != nil {
			d.l.Warn("refresh failed", "error", err)
		}
		return nil
	}
}

func (d *dashboard) dismiss() tea.Cmd {
	return func() tea.Msg {
		d.errs.Dismiss()
		return nil
	}
}

func (d *dashboard) newTimeout() (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), d.timeout)
}
