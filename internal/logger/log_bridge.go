package logger

import (
	"log"
	"strings"
)

// logWriter implements io.Writer to redirect standard library log output
// (used internally by database/sql and the sqlite driver) into our logger.
type logWriter struct{}

func (lw *logWriter) Write(p []byte) (n int, err error) {
	message := strings.TrimSpace(string(p))
	if message == "" {
		return len(p), nil
	}

	if strings.Contains(message, "error") || strings.Contains(message, "Error") {
		Error("stdlib: %s", message)
	} else {
		Info("stdlib: %s", message)
	}

	return len(p), nil
}

// InitLogBridge redirects standard library log output to our logger.
func InitLogBridge() {
	writer := &logWriter{}
	log.SetOutput(writer)
	log.SetFlags(0)
	Debug("standard library log output redirected to usntiered logger")
}
