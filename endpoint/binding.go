package endpoint

import (
	"strings"
	"time"
)

const DefaultAPIVersion = "0.1"

// Binding identifies one logical resource on the backend and how often to poll it.
// It is immutable; pointing at another resource or server needs a new Binding.
type Binding struct {
	root     string
	version  string
	resource string
	interval time.Duration
}

type BindingOption func(*Binding)

func WithAPIVersion(v string) BindingOption {
	return func(b *Binding) {
		if v != "" {
			b.version = v
		}
	}
}

// WithInterval sets the polling period. Zero (the default) fetches once on Start.
func WithInterval(d time.Duration) BindingOption {
	return func(b *Binding) {
		b.interval = d
	}
}

// NewBinding binds resource (e.g. "hxtleak/system") under serverRoot. An empty
// serverRoot produces root-relative addresses.
func NewBinding(serverRoot, resource string, opts ...BindingOption) Binding {
	b := Binding{
		root:     strings.TrimRight(strings.TrimSpace(serverRoot), "/"),
		version:  DefaultAPIVersion,
		resource: strings.Trim(resource, "/"),
	}
	for _, opt := range opts {
		opt(&b)
	}
	if b.interval < 0 {
		b.interval = 0
	}
	return b
}

// BaseURL is <server-root>/api/<version>/<resource>.
func (b Binding) BaseURL() string {
	return b.root + "/api/" + b.version + "/" + b.resource
}

// URL returns the address of subpath below the base. The separator is always
// present, so URL("") ends in a slash.
func (b Binding) URL(subpath string) string {
	return b.BaseURL() + "/" + strings.TrimLeft(subpath, "/")
}

func (b Binding) Resource() string {
	return b.resource
}

func (b Binding) Interval() time.Duration {
	return b.interval
}
