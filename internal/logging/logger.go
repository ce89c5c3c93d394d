package logging

import (
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// sink is shared by every logger handed out, so Init and SetOutput also
// redirect component loggers built earlier.
type sink struct {
	mu sync.RWMutex
	w  io.Writer
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.w.Write(p)
}

func (s *sink) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

var (
	out = &sink{w: os.Stdout}
	// Loggers are built at trace level; the zerolog global level filters.
	logger = zerolog.New(out).Level(zerolog.TraceLevel).With().Timestamp().Logger()
)

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Init configures logging. env "development" selects the pretty console
// writer, anything else writes JSON lines.
func Init(level, env string) {
	var w io.Writer = os.Stdout
	if strings.EqualFold(env, "development") {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}
	out.set(w)
	SetLevel(level)
}

// SetOutput redirects logging, used by tests to capture output.
func SetOutput(w io.Writer) {
	out.set(w)
}

// SetLevel sets the log level at runtime. It applies to every logger,
// including component loggers created before the call.
func SetLevel(level string) {
	zerolog.SetGlobalLevel(parseLevel(level))
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger returns the root logger.
func Logger() zerolog.Logger {
	return logger
}

// Component returns a child logger tagged with the component name.
func Component(name string) *zerolog.Logger {
	l := logger.With().Str("component", name).Logger()
	return &l
}

// StdErrorLogger returns a standard library logger writing to zerolog at
// error level, for http.Server.ErrorLog.
func StdErrorLogger() *stdlog.Logger {
	l := logger.Level(zerolog.ErrorLevel)
	return stdlog.New(l, "", 0)
}
