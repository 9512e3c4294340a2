// Package logging wires gorcverbs onto the logiface/stumpy structured
// logging stack: leveled, line-oriented JSON to a single writer.
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the type the logging gorcverbs components (event loop, CQ
// poller, executor, task) accept and log through.
type Logger = logiface.Logger[*stumpy.Event]

// defaultLevel is the level baked into a Logger built with no options.
// Per the observable-environment contract, the runtime level is fixed for
// the life of the process; callers needing a different level for a test
// pass WithLevel explicitly.
const defaultLevel = logiface.LevelInformational

// Option configures a Logger built by New.
type Option func(*config)

type config struct {
	writer io.Writer
	level  logiface.Level
}

// WithWriter overrides the default os.Stdout destination.
func WithWriter(w io.Writer) Option {
	return func(c *config) { c.writer = w }
}

// WithLevel overrides defaultLevel.
func WithLevel(level logiface.Level) Option {
	return func(c *config) { c.level = level }
}

// New builds a line-oriented, leveled, structured Logger: one JSON record
// per line, TRACE..ERROR via logiface's syslog-derived Level enum.
func New(opts ...Option) *Logger {
	c := config{writer: os.Stdout, level: defaultLevel}
	for _, o := range opts {
		o(&c)
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(c.writer),
			stumpy.WithTimeField("time"),
		),
		stumpy.L.WithLevel(c.level),
	)
}

// Noop returns a Logger with logging disabled, for tests that don't want
// output on their own terms.
func Noop() *Logger {
	return New(WithLevel(logiface.LevelDisabled))
}
