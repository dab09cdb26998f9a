package mint

import (
	"fmt"
	"log/slog"
)

func (m *Mint) logInfof(format string, args ...any) {
	m.logger.Info(fmt.Sprintf(format, args...))
}

func (m *Mint) logDebugf(format string, args ...any) {
	m.logger.Debug(fmt.Sprintf(format, args...))
}

func (m *Mint) logErrorf(format string, args ...any) {
	m.logger.Error(fmt.Sprintf(format, args...))
}

// defaultLogger returns the slog default logger, matching the teacher's
// SetupMintServer which never configures a custom handler.
func defaultLogger() *slog.Logger {
	return slog.Default()
}
