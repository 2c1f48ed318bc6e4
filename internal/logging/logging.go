// Package logging builds the prefixed loggers lockstep components take,
// writing to stderr or to a size-rotated log file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures log output.
type Options struct {
	// File is the log file path. Empty means stderr.
	File string

	// Verbose enables component logs. When false, only loggers created
	// with Always write anything.
	Verbose bool

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Sink is the destination component loggers write to.
type Sink struct {
	out     io.Writer
	verbose bool
	closer  io.Closer
}

// Open creates the sink described by opts.
func Open(opts Options) (*Sink, error) {
	if opts.File == "" {
		return &Sink{out: os.Stderr, verbose: opts.Verbose}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	lj := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	return &Sink{out: lj, verbose: opts.Verbose, closer: lj}, nil
}

// Discard returns a sink that drops everything.
func Discard() *Sink {
	return &Sink{out: io.Discard}
}

// Logger returns a logger for component, prefixed "[component] ". It
// discards output unless the sink is verbose.
func (s *Sink) Logger(component string) *log.Logger {
	if !s.verbose {
		return log.New(io.Discard, "", 0)
	}
	return s.Always(component)
}

// Always returns a logger for component that writes regardless of
// verbosity. Long-running processes such as the daemon use it.
func (s *Sink) Always(component string) *log.Logger {
	return log.New(s.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the underlying destination.
func (s *Sink) Writer() io.Writer {
	return s.out
}

// Close closes the log file, if any.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
