// Package observe carries the job's logging, metrics and tracing.
package observe

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogOptions selects the logger flavour.
type LogOptions struct {
	Verbose bool
	Format  string // "console" or "json"
}

// NewLogger builds a zap logger and wraps it as a logr.Logger. The returned
// function flushes buffered entries.
func NewLogger(opts LogOptions) (logr.Logger, func(), error) {
	var cfg zap.Config
	if opts.Verbose {
		cfg = zap.NewDevelopmentConfig()
		// logr V(1) maps to zap's debug level.
		cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-1))
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
	}

	switch opts.Format {
	case "", "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "json":
		cfg.Encoding = "json"
	default:
		return logr.Discard(), func() {}, fmt.Errorf("unknown log format %q", opts.Format)
	}
	// Reports go to stdout; logs must not interleave with them.
	cfg.OutputPaths = []string{"stderr"}

	zl, err := cfg.Build()
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("building logger: %w", err)
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}
