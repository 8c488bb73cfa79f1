package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

var logOutput io.Writer = os.Stderr

// SetLogOutput redirects logs of configs whose logger has not been created yet.
func SetLogOutput(w io.Writer) {
	logOutput = w
}

// Logger returns the structured logger for this configuration, creating it on first use.
func (c *Config) Logger() *zerolog.Logger {
	c.logOnce.Do(func() {
		c.logger = newLogger(c.Logging, logOutput)
	})
	return &c.logger
}

func newLogger(cfg LoggingConfig, out io.Writer) zerolog.Logger {
	zerolog.ErrorFieldName = "err"

	format := strings.ToLower(cfg.Format)
	if format == "" || format == "auto" {
		format = "json"
		if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			format = "console"
		}
	}
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Log writes a message if the configured verbosity is at least level.
// Level 0 messages are always written at info; higher levels are debug detail.
func (c *Config) Log(level int, format string, args ...any) {
	if c == nil || level > c.Logging.Verbosity {
		return
	}
	log := c.Logger()
	if level == 0 {
		log.Info().Msgf(format, args...)
		return
	}
	// Explicit verbosity beats the level filter.
	log.WithLevel(zerolog.NoLevel).Int("v", level).Msgf(format, args...)
}

// Warn logs a warning regardless of verbosity.
func (c *Config) Warn(format string, args ...any) {
	if c == nil {
		return
	}
	c.Logger().Warn().Msgf(format, args...)
}

// Error logs err with a message regardless of verbosity.
func (c *Config) Error(err error, format string, args ...any) {
	if c == nil {
		return
	}
	c.Logger().Error().Err(err).Msgf(format, args...)
}
