// Package logging builds the shared log destination for taskcache
// components. Each component keeps its own *log.Logger with a bracketed
// prefix; this package only decides where the bytes go.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log destination.
type Options struct {
	// File is the log file path; empty disables file logging
	File string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Stderr also copies output to stderr
	Stderr bool
}

// Output is an open log destination.
type Output struct {
	w      io.Writer
	rotate *lumberjack.Logger
}

// Open returns the destination described by opts. With no file and no
// stderr the output discards everything.
func Open(opts Options) *Output {
	out := &Output{}
	var writers []io.Writer

	if opts.File != "" {
		out.rotate = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		writers = append(writers, out.rotate)
	}
	if opts.Stderr {
		writers = append(writers, os.Stderr)
	}

	switch len(writers) {
	case 0:
		out.w = io.Discard
	case 1:
		out.w = writers[0]
	default:
		out.w = io.MultiWriter(writers...)
	}
	return out
}

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Logger returns a logger for one component, e.g. Logger("worker") logs
// with a "[worker] " prefix.
func (o *Output) Logger(component string) *log.Logger {
	return log.New(o.w, "["+component+"] ", log.LstdFlags)
}

// Rotate closes the current file and starts a new one.
func (o *Output) Rotate() error {
	if o.rotate == nil {
		return nil
	}
	return o.rotate.Rotate()
}

// Close flushes and closes the log file, if any.
func (o *Output) Close() error {
	if o.rotate == nil {
		return nil
	}
	return o.rotate.Close()
}
