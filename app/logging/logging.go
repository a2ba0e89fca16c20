// Package logging builds zerolog loggers with optional rotated file output
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/amirphl/orochi-dispatch/config"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// New builds the application logger from the logging config.
// The returned closer flushes and closes any rotated file.
func New(cfg config.LoggingConfig, service string) (zerolog.Logger, io.Closer) {
	var closers multiCloser
	writers := make([]io.Writer, 0, 2)

	output := strings.ToLower(cfg.Output)
	if output != "file" {
		writers = append(writers, consoleOrJSON(os.Stdout, cfg.Format))
	}
	if (output == "file" || output == "both") && cfg.FilePath != "" {
		lj := rotated(cfg, cfg.FilePath)
		closers = append(closers, lj)
		writers = append(writers, lj)
	}
	if len(writers) == 0 {
		writers = append(writers, consoleOrJSON(os.Stdout, cfg.Format))
	}

	return build(cfg, service, writers), closers
}

// NewScheduler builds the scheduler logger which always writes to stdout and to its own
// rotated file under dir.
func NewScheduler(cfg config.LoggingConfig, dir string) (zerolog.Logger, io.Closer) {
	if dir == "" {
		dir = "data"
	}
	lj := rotated(cfg, filepath.Join(dir, "scheduler.log"))
	writers := []io.Writer{consoleOrJSON(os.Stdout, cfg.Format), lj}
	return build(cfg, "scheduler", writers), multiCloser{lj}
}

func build(cfg config.LoggingConfig, service string, writers []io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}

	ctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

func consoleOrJSON(out io.Writer, format string) io.Writer {
	if strings.EqualFold(format, "text") {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	}
	return out
}

func rotated(cfg config.LoggingConfig, path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    max(cfg.MaxSize, 1),
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
}

// ParseLevel maps a config level to zerolog, info when unknown
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
