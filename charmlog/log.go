// Package charmlog provides an implementation of leakwatch.Logger using charmbracelet/log
package charmlog

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/benjamonnguyen/leakwatch"
	"github.com/charmbracelet/log"
)

type Options struct {
	Writer io.Writer
	Level  string
	Prefix string
}

func NewLogger(opts Options) leakwatch.Logger {
	var w io.Writer = os.Stdout
	if opts.Writer != nil {
		w = opts.Writer
	}

	lvl, err := log.ParseLevel(opts.Level)
	if err != nil {
		lvl = log.InfoLevel
	}

	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          opts.Prefix,
		ReportTimestamp: true,
		TimeFormat:      time.StampMilli,
	})
}

// OpenFile returns a logger appending to the file at path, creating parent
// directories as needed. The caller closes the returned file.
func OpenFile(path string, opts Options) (leakwatch.Logger, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o744); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	opts.Writer = f
	return NewLogger(opts), f, nil
}
