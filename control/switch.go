// Package control dispatches user toggles as scoped writes and applies only the
// state echoed back by the server.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benjamonnguyen/leakwatch"
)

var (
	ErrInvalidPath = errors.New("control: path must look like <group>/<item>/<field>")
	ErrDisabled    = errors.New("control: switch is disabled")
)

// Writer is the write half of an endpoint.Client.
type Writer interface {
	Write(ctx context.Context, body any, subpath string, out any) error
}

// Path is a control binding split at its last slash: writes go to Target with a
// body of {Field: value}.
type Path struct {
	Target string
	Field  string
}

func ParsePath(p string) (Path, error) {
	p = strings.Trim(p, "/")
	i := strings.LastIndex(p, "/")
	if i <= 0 || i == len(p)-1 {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return Path{Target: p[:i], Field: p[i+1:]}, nil
}

func (p Path) String() string {
	return p.Target + "/" + p.Field
}

type Options struct {
	Title  string
	Logger leakwatch.Logger
	// OnChange is called with the displayed state after it changes.
	OnChange func(bool)
}

// Switch is a boolean control. Its displayed state only ever comes from the
// server: either a Sync from the polled resource or the echo of a Toggle.
type Switch struct {
	w        Writer
	path     Path
	title    string
	l        leakwatch.Logger
	onChange func(bool)

	mu       sync.Mutex
	state    bool
	disabled bool
}

func NewSwitch(w Writer, path string, opts Options) (*Switch, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	title := opts.Title
	if title == "" {
		title = p.String()
	}
	return &Switch{
		w:        w,
		path:     p,
		title:    title,
		l:        opts.Logger,
		onChange: opts.OnChange,
	}, nil
}

func (s *Switch) Title() string {
	return s.title
}

func (s *Switch) Path() Path {
	return s.path
}

func (s *Switch) State() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Switch) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}

// Sync adopts state and enablement reported by a poll of the owning resource.
func (s *Switch) Sync(state, enabled bool) {
	s.set(state, !enabled)
}

// Toggle asks the server to set the field to value and displays whatever the
// server answers with. On failure the displayed state is unchanged and the error
// is logged and returned.
func (s *Switch) Toggle(ctx context.Context, value bool) (bool, error) {
	if s.Disabled() {
		return s.State(), ErrDisabled
	}

	var resp map[string]json.RawMessage
	err := s.w.Write(ctx, map[string]bool{s.path.Field: value}, s.path.Target, &resp)
	var echoed bool
	if err == nil {
		echoed, err = s.echoed(resp)
	}
	if err != nil {
		if s.l != nil {
			s.l.Warn("control write failed", "control", s.title, "path", s.path.String(), "error", err)
		}
		return s.State(), err
	}

	s.set(echoed, s.Disabled())
	if s.l != nil && echoed != value {
		s.l.Info("server overrode requested state", "control", s.title, "requested", value, "applied", echoed)
	}
	return echoed, nil
}

func (s *Switch) echoed(resp map[string]json.RawMessage) (bool, error) {
	raw, ok := resp[s.path.Field]
	if !ok {
		return false, fmt.Errorf("response has no %q field", s.path.Field)
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("decode %q: %w", s.path.Field, err)
	}
	return v, nil
}

func (s *Switch) set(state, disabled bool) {
	s.mu.Lock()
	changed := s.state != state || s.disabled != disabled
	s.state = state
	s.disabled = disabled
	onChange := s.onChange
	s.mu.Unlock()

	if changed && onChange != nil {
		onChange(state)
	}
}
