package utils

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// ServiceName is attached to every log line
const ServiceName = "auction-live"

var (
	logger = newLogger(os.Stdout)
	base   = logger.WithField("service", ServiceName)
)

func newLogger(out io.Writer) *log.Logger {
	l := log.New()
	// JSON lines with ISO 8601 timestamps
	l.SetFormatter(&log.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
	l.SetOutput(out)
	l.SetLevel(log.InfoLevel)
	return l
}

// SetOutput redirects log output, mostly for tests
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// SetLevel changes the log level; unknown names fall back to info
func SetLevel(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		Warn("unknown log level, using info", map[string]any{"level": level})
		lvl = log.InfoLevel
	}
	logger.SetLevel(lvl)
}

func Debug(message string, fields map[string]any) {
	base.WithFields(fields).Debug(message)
}

func Info(message string, fields map[string]any) {
	base.WithFields(fields).Info(message)
}

func Warn(message string, fields map[string]any) {
	base.WithFields(fields).Warn(message)
}

func Error(message string, fields map[string]any) {
	base.WithFields(fields).Error(message)
}

// Fatal logs and exits the process
func Fatal(message string, fields map[string]any) {
	base.WithFields(fields).Fatal(message)
}
