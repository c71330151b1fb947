package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig selects the level and output format of the root logger.
type LoggerConfig struct {
	Level  string
	Format string
}

// NewLogger builds the root zerolog logger every component derives from.
// Format "pretty" renders through the console writer for local development;
// anything else emits JSON lines. Unknown levels fall back to info.
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if cfg.Format == "pretty" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).With().
		Timestamp().
		Caller().
		Str("service", "liquidterminal").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack. Defer it at the top of
// long-lived goroutines so one panicking task cannot take the process down.
func RecoverPanic(logger zerolog.Logger, component string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("component", component).
			Interface("panic", r).
			Bytes("stack", debug.Stack()).
			Msg("Recovered from panic")
	}
}
