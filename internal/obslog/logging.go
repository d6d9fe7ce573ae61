// Package obslog provides the structured logging used across the service.
//
// Output is routed so that error-level records land on stderr while everything
// else goes to stdout, which keeps container log collectors able to treat the
// two streams differently without parsing log bodies.
package obslog

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes logrus-formatted lines to stdout or stderr by content.
type OutputSplitter struct{}

func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger. Handlers and pipelines log through it
// (or a derived *ContextLogger) rather than creating their own instances.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// Configure applies level and format settings, typically sourced from config.AllConfig.
func Configure(level string, jsonFormat bool) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if jsonFormat {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
