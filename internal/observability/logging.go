package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a structured JSON logger for component.
// Level comes from LEND_LOG_LEVEL (default info). When LEND_LOG_FILE is set
// the same stream is also written to a rotating file.
func NewLogger(component string) zerolog.Logger {
	level := parseLogLevel(os.Getenv("LEND_LOG_LEVEL"))
	return newLogger(logWriter(os.Getenv("LEND_LOG_FILE")), component, level)
}

// NewLoggerWithLevel creates a stdout logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return newLogger(os.Stdout, component, level)
}

// NewLoggerTo writes to w. Used by tests that inspect output.
func NewLoggerTo(w io.Writer, component string) zerolog.Logger {
	return newLogger(w, component, zerolog.DebugLevel)
}

func newLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// fileSinks caches one rotator per path; lumberjack must not have two
// writers on the same file.
var (
	fileSinksMu sync.Mutex
	fileSinks   = map[string]*lumberjack.Logger{}
)

func logWriter(path string) io.Writer {
	if path == "" {
		return os.Stdout
	}
	fileSinksMu.Lock()
	defer fileSinksMu.Unlock()
	sink, ok := fileSinks[path]
	if !ok {
		sink = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // MB
			MaxBackups: 7,
			MaxAge:     28, // days
			Compress:   true,
		}
		fileSinks[path] = sink
	}
	return zerolog.MultiLevelWriter(os.Stdout, sink)
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
