package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/h2stream/internal/config"
)

// LogFields carries structured context for a log entry.
type LogFields map[string]interface{}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	errorLog  zerolog.Logger
	accessLog *zerolog.Logger

	mu      sync.Mutex
	outputs []io.Closer
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	l := &Logger{}

	target, format := "stderr", config.DefaultLogFormat
	if cfg.ErrorLog != nil {
		if cfg.ErrorLog.Target != nil {
			target = *cfg.ErrorLog.Target
		}
		if cfg.ErrorLog.Format != "" {
			format = cfg.ErrorLog.Format
		}
	}
	errorOutput, err := l.open(target, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log target %s: %w", target, err)
	}
	if format == "console" {
		errorOutput = zerolog.ConsoleWriter{Out: errorOutput, TimeFormat: time.RFC3339}
	}
	l.errorLog = zerolog.New(errorOutput).Level(zerologLevel(cfg.LogLevel)).With().Timestamp().Logger()

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		accessTarget := "stdout"
		if cfg.AccessLog.Target != nil {
			accessTarget = *cfg.AccessLog.Target
		}
		accessOutput, err := l.open(accessTarget, os.Stdout)
		if err != nil {
			l.CloseLogFiles()
			return nil, fmt.Errorf("failed to open access log target %s: %w", accessTarget, err)
		}
		access := zerolog.New(accessOutput).With().Timestamp().Logger()
		l.accessLog = &access
	}

	return l, nil
}

// New returns a Logger writing JSON diagnostics to w at the given level,
// with access logging disabled. Tests use it with a bytes.Buffer.
func New(w io.Writer, level config.LogLevel) *Logger {
	return &Logger{
		errorLog: zerolog.New(w).Level(zerologLevel(level)).With().Timestamp().Logger(),
	}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{errorLog: zerolog.Nop()}
}

func (l *Logger) open(target string, std *os.File) (io.Writer, error) {
	switch target {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "":
		return std, nil
	}
	if !config.IsFilePath(target) {
		return nil, fmt.Errorf("invalid log target: %s", target)
	}
	file, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.outputs = append(l.outputs, file)
	l.mu.Unlock()
	return file, nil
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child Logger whose entries always carry fields.
// The child shares the parent's outputs.
func (l *Logger) With(fields LogFields) *Logger {
	child := &Logger{
		errorLog:  l.errorLog.With().Fields(map[string]interface{}(fields)).Logger(),
		accessLog: l.accessLog,
	}
	return child
}

func (l *Logger) Debug(msg string, fields LogFields) {
	l.log(l.errorLog.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields LogFields) {
	l.log(l.errorLog.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields LogFields) {
	l.log(l.errorLog.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields LogFields) {
	l.log(l.errorLog.Error(), msg, fields)
}

func (l *Logger) log(ev *zerolog.Event, msg string, fields LogFields) {
	if ev == nil {
		return
	}
	if len(fields) > 0 {
		ev = ev.Fields(map[string]interface{}(fields))
	}
	ev.Msg(msg)
}

// AccessEntry describes one completed server-side stream.
type AccessEntry struct {
	RemoteAddr    string
	Method        string
	Path          string
	Protocol      string
	StreamID      uint32
	Status        int
	ResponseBytes int
	Duration      time.Duration
	Err           error
}

// Access writes an access log entry if access logging is enabled.
func (l *Logger) Access(e AccessEntry) {
	if l == nil || l.accessLog == nil {
		return
	}
	ev := l.accessLog.Log().
		Str("remote_addr", e.RemoteAddr).
		Str("method", e.Method).
		Str("uri", e.Path).
		Str("protocol", e.Protocol).
		Uint32("h2_stream_id", e.StreamID).
		Int("status", e.Status).
		Int("resp_bytes", e.ResponseBytes).
		Int64("duration_ms", e.Duration.Milliseconds())
	if e.Err != nil {
		ev = ev.Str("stream_error", e.Err.Error())
	}
	ev.Send()
}

// CloseLogFiles closes any open log files.
// This would be called during server shutdown.
func (l *Logger) CloseLogFiles() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, c := range l.outputs {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.outputs = nil
	return firstErr
}
