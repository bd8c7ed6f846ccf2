package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/lmgate/lmstudio-gateway/internal/config"
)

// setupLogging configures the global zerolog logger.
func setupLogging(cfg config.LoggingConfig, out io.Writer) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var w io.Writer = out
	if useConsoleFormat(cfg.Format, out) {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// useConsoleFormat resolves the "auto" format: console on a terminal, JSON otherwise.
func useConsoleFormat(format string, out io.Writer) bool {
	switch format {
	case config.LogFormatConsole:
		return true
	case config.LogFormatJSON:
		return false
	}
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) // #nosec G115 -- fd fits in int
}
