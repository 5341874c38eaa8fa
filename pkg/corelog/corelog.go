// Package corelog configures the process-wide structured logger used by
// every CipherPay core component. Each package gets its own "prefix"
// field rather than its own logger instance, matching the convention
// laid down in pkg/core/mempool of the teacher node.
package corelog

import (
	"io"
	"os"

	logger "github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the root logger. Zero value logs to stderr at Info
// level with no rotation.
type Options struct {
	Level      string // "trace", "debug", "info", "warn", "error"
	File       string // if set, logs are written here with rotation
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init installs the root logger. Call once at process startup.
func Init(opts Options) error {
	logger.SetFormatter(&prefixed.TextFormatter{
		FullTimestamp: true,
	})

	lvl := logger.InfoLevel
	if opts.Level != "" {
		parsed, err := logger.ParseLevel(opts.Level)
		if err != nil {
			return err
		}
		lvl = parsed
	}
	logger.SetLevel(lvl)

	var out io.Writer = os.Stderr
	if opts.File != "" {
		out = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 30),
			Compress:   true,
		}
	}
	logger.SetOutput(out)
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// For returns a logger entry tagged with the given component prefix,
// e.g. corelog.For("scanner").
func For(prefix string) *logger.Entry {
	return logger.WithFields(logger.Fields{"prefix": prefix})
}

// WithField copies an existing entry's fields and adds one more, the
// pattern used by the teacher's mempool.logEntry helper.
func WithField(base *logger.Entry, key, val string) *logger.Entry {
	fields := logger.Fields{}
	for k, v := range base.Data {
		fields[k] = v
	}
	fields[key] = val
	return logger.WithFields(fields)
}
