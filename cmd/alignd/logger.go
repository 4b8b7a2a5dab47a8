package main

import (
	"io"
	"os"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
)

// newLogger builds the process logger from ALIGNMENT_LOG_LEVEL and
// ALIGNMENT_LOG_FORMAT (json, console or pretty). The result is both the
// root glog.Logger and the provider components draw named loggers from.
func newLogger(w io.Writer, lookup lookupFunc) *glog.BaseLogger {
	return glog.NewLogger(
		glog.WithName("alignd"),
		glog.WithWriter(w),
		glog.WithLoggerType(logFormat(lookup)),
		glog.WithLevel(logLevel(lookup)),
	)
}

func logLevel(lookup lookupFunc) string {
	value, _ := lookup(envPrefix + "LOG_LEVEL")
	switch level := strings.ToUpper(strings.TrimSpace(value)); level {
	case glog.Trace, glog.Debug, glog.Info, glog.Warn, glog.Error:
		return level
	default:
		return glog.Info
	}
}

func logFormat(lookup lookupFunc) string {
	value, _ := lookup(envPrefix + "LOG_FORMAT")
	switch format := strings.ToLower(strings.TrimSpace(value)); format {
	case glog.LoggerTypeConsole, glog.LoggerTypePretty:
		return format
	default:
		return glog.LoggerTypeJSON
	}
}

func stderrLogger() *glog.BaseLogger {
	return newLogger(os.Stderr, os.LookupEnv)
}
