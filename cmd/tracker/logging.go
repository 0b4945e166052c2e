package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// newLogger builds the process-wide structured logger: a console writer on
// stderr, optionally teed to a log file. The logger is built once here and
// passed by handle into every component (internal/udpserver,
// internal/httpserver) rather than reached through a package global.
func newLogger(debug bool, logFile string) (zerolog.Logger, func(), error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	closeFn := func() {}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		w = zerolog.MultiLevelWriter(w, f)
		closeFn = func() { _ = f.Close() }
	}

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Str("component", "tracker").Logger()
	return logger, closeFn, nil
}
