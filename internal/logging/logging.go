package logging

import (
	"io"
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
	"golang.org/x/term"
)

// Setup initializes the global slog logger using charmbracelet/log as the
// backend. Interactive runs get colored text on stderr; anything else (cron,
// systemd, pipes) gets JSON so log collectors can parse the output.
func Setup(verbose bool) {
	slog.SetDefault(slog.New(newHandler(os.Stderr, verbose)))
}

// SetupWithWriter is Setup with an explicit sink, used by tests to capture
// daemon output.
func SetupWithWriter(w io.Writer, verbose bool) {
	slog.SetDefault(slog.New(newHandler(w, verbose)))
}

func newHandler(w io.Writer, verbose bool) *charmlog.Logger {
	handler := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
	})

	if verbose {
		handler.SetLevel(charmlog.DebugLevel)
	} else {
		handler.SetLevel(charmlog.InfoLevel)
	}

	if !isTerminal() {
		handler.SetFormatter(charmlog.JSONFormatter)
	}

	return handler
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}
