package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/thushan/fleetctl/internal/core/domain"
	"github.com/thushan/fleetctl/theme"
)

// StyledLogger wraps slog.Logger with theme-aware formatting for
// instance-lifecycle events, so fleet-wide restarts and health
// transitions stand out when grepping or tailing a pretty terminal log.
type StyledLogger struct {
	logger *slog.Logger
	theme  *theme.Theme
}

func NewStyledLogger(logger *slog.Logger, t *theme.Theme) *StyledLogger {
	return &StyledLogger{logger: logger, theme: t}
}

func (sl *StyledLogger) Debug(msg string, args ...any) { sl.logger.Debug(msg, args...) }
func (sl *StyledLogger) Info(msg string, args ...any)  { sl.logger.Info(msg, args...) }
func (sl *StyledLogger) Warn(msg string, args ...any)  { sl.logger.Warn(msg, args...) }
func (sl *StyledLogger) Error(msg string, args ...any) { sl.logger.Error(msg, args...) }

// WarnWithInstance highlights the instance id in a warning, e.g. a restart
// budget running low or a probe timeout.
func (sl *StyledLogger) WarnWithInstance(msg string, instanceID int, args ...any) {
	styled := fmt.Sprintf("%s %s", msg, sl.theme.Highlight.Sprint(instanceID))
	sl.logger.Warn(styled, args...)
}

// ErrorWithInstance highlights the instance id in an error, e.g. restart
// budget exhaustion.
func (sl *StyledLogger) ErrorWithInstance(msg string, instanceID int, args ...any) {
	styled := fmt.Sprintf("%s %s", msg, sl.theme.Highlight.Sprint(instanceID))
	sl.logger.Error(styled, args...)
}

// InfoLifecycle logs an instance lifecycle transition with the destination
// state coloured: Running in green, Failed in red, Starting/Stopped muted.
func (sl *StyledLogger) InfoLifecycle(msg string, instanceID int, state domain.LifecycleState, args ...any) {
	var style *pterm.Style
	switch state {
	case domain.Running:
		style = sl.theme.Success
	case domain.Failed:
		style = sl.theme.Error
	default:
		style = sl.theme.Muted
	}
	styled := fmt.Sprintf("%s %s -> %s", msg, sl.theme.Highlight.Sprint(instanceID), style.Sprint(state))
	sl.logger.Info(styled, args...)
}

// InfoWithFleetStats summarises running/failed/starting counts across the
// whole fleet, used by the periodic fleet status table.
func (sl *StyledLogger) InfoWithFleetStats(msg string, running, failed, starting int, args ...any) {
	allArgs := make([]any, 0, len(args)+6)
	allArgs = append(allArgs, args...)
	allArgs = append(allArgs,
		"running", sl.theme.Success.Sprint(running),
		"failed", sl.theme.Error.Sprint(failed),
		"starting", sl.theme.Muted.Sprint(starting),
	)
	sl.logger.Info(msg, allArgs...)
}

// GetUnderlying returns the wrapped slog.Logger for callers that need it
// directly.
func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

// With returns a new StyledLogger carrying additional structured attributes.
func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{logger: sl.logger.With(args...), theme: sl.theme}
}
