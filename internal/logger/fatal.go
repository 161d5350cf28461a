package logger

import (
	"log/slog"
	"os"
)

// FatalWithLogger logs msg at error level and exits 1, for startup failures
// (config load, application construction, fleet start) that main can't
// recover from before the fleet is up.
func FatalWithLogger(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}
