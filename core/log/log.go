// Package log provides the node-wide logging backend. It is a thin wrapper
// over gopkg.in/op/go-logging.v1, in the same shape the teacher stack uses
// it: a single Backend constructed at node bring-up, handing out named
// *logging.Logger instances to every component that owns background state
// (see server/cborplugin/client.go's logBackend.GetLogger("client_socket")).
package log

import (
	"io"
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

// Backend owns the process-wide logging configuration and mints loggers.
type Backend struct {
	level   logging.Level
	backend logging.LeveledBackend
	writer  io.Writer
}

var format = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`,
)

// New constructs a Backend writing formatted, leveled log lines to w at the
// given level name ("DEBUG", "INFO", "NOTICE", "WARNING", "ERROR",
// "CRITICAL"). An empty levelName defaults to "NOTICE".
func New(w io.Writer, levelName string) (*Backend, error) {
	if w == nil {
		w = os.Stderr
	}
	if levelName == "" {
		levelName = "NOTICE"
	}
	lvl, err := logging.LogLevel(levelName)
	if err != nil {
		return nil, err
	}
	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	return &Backend{level: lvl, backend: leveled, writer: w}, nil
}

// GetLogger returns a named logger bound to this backend.
func (b *Backend) GetLogger(name string) *logging.Logger {
	l := logging.MustGetLogger(name)
	l.SetBackend(b.backend)
	return l
}

// GetLogWriter returns an io.Writer that logs each line written to it at
// the given level, under the given module name. Used to proxy a
// subprocess's stderr into the structured log, the way
// server/cborplugin/client.go proxies a plugin's stderr.
func (b *Backend) GetLogWriter(name, levelName string) io.Writer {
	return &logWriter{logger: b.GetLogger(name), levelName: levelName}
}

type logWriter struct {
	logger    *logging.Logger
	levelName string
}

func (w *logWriter) Write(p []byte) (int, error) {
	switch w.levelName {
	case "DEBUG":
		w.logger.Debug(string(p))
	case "WARNING":
		w.logger.Warning(string(p))
	case "ERROR":
		w.logger.Error(string(p))
	default:
		w.logger.Info(string(p))
	}
	return len(p), nil
}
