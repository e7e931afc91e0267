// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level slog.Level
	// Format is text, json or auto. Auto writes text to a terminal and
	// json otherwise.
	Format string
	// File, when set, also receives every entry as json and is rotated
	// by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Include and Exclude filter entries by attribute with globs such as
	// "err=*" or "sql". See Filter.
	Include []string
	Exclude []string
	// Writer defaults to os.Stderr.
	Writer io.Writer
}

// ParseLevel accepts debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("logging: level %q: %w", s, err)
	}
	return l, nil
}

// New returns a logger for opts and a closer for its file output.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	if opts.Writer == nil {
		opts.Writer = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: opts.Level}

	var handlers []slog.Handler
	switch opts.Format {
	case "json":
		handlers = append(handlers, slog.NewJSONHandler(opts.Writer, hopts))
	case "text":
		handlers = append(handlers, slog.NewTextHandler(opts.Writer, hopts))
	case "", "auto":
		if isTerminal(opts.Writer) {
			handlers = append(handlers, slog.NewTextHandler(opts.Writer, hopts))
		} else {
			handlers = append(handlers, slog.NewJSONHandler(opts.Writer, hopts))
		}
	default:
		return nil, nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		handlers = append(handlers, slog.NewJSONHandler(lj, hopts))
		closer = lj
	}

	var h slog.Handler = handlers[0]
	if len(handlers) > 1 {
		h = fanout(handlers)
	}
	h, err := NewFilter(h, opts.Include, opts.Exclude)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return slog.New(h), closer, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
