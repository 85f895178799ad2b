// Package logging provides the agent's leveled logger: every record
// goes to stdout (so the panel's console view shows it) and to a
// size-bounded rotating file under <data_dir>/logs/agent.log.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

const (
	maxFileSize = 128 * 1024 // 128 KiB — keeps the panel's inline log viewer from truncating
	maxBackups  = 5
)

var (
	base   = zerolog.New(os.Stdout).With().Timestamp().Logger()
	rotate *rotatingFile
)

// Init creates the global logger: a zerolog.Logger writing to both
// stdout and <dataDir>/logs/agent.log.
func Init(dataDir string, level string) error {
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	rf, err := newRotatingFile(filepath.Join(logDir, "agent.log"), maxFileSize, maxBackups)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	rotate = rf

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	base = zerolog.New(io.MultiWriter(os.Stdout, rf)).
		Level(lvl).
		With().
		Timestamp().
		Logger()

	return nil
}

// Close flushes and closes the rotating log file.
func Close() {
	if rotate != nil {
		rotate.Close()
	}
}

// Debug starts a debug-level log event.
func Debug() *zerolog.Event { return base.Debug() }

// Info starts an info-level log event.
func Info() *zerolog.Event { return base.Info() }

// Warn starts a warn-level log event.
func Warn() *zerolog.Event { return base.Warn() }

// Error starts an error-level log event.
func Error() *zerolog.Event { return base.Error() }
