package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Level represents log level
type Level string

const (
	DebugLevel  Level = "debug"
	InfoLevel   Level = "info"
	NoticeLevel Level = "notice"
	WarnLevel   Level = "warn"
	ErrorLevel  Level = "error"
	DecodeLevel Level = "decode"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// ParseLevel maps a Warlock level name onto a zerolog level. Unknown names
// map to info. "decode" logs every packet and sits below debug.
func ParseLevel(level Level) zerolog.Level {
	switch Level(strings.ToLower(string(level))) {
	case DecodeLevel:
		return zerolog.TraceLevel
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel, NoticeLevel:
		return zerolog.InfoLevel
	case WarnLevel, "warning":
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init initializes the global logger
func Init(cfg Config) {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithClientID creates a child logger with client_id field
func WithClientID(clientID string) zerolog.Logger {
	return Logger.With().Str("client_id", clientID).Logger()
}

// WithTaskID creates a child logger with task_id field
func WithTaskID(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}

// Writer forwards LOG and DEBUG packets from clients and processes into a
// zerolog logger.
type Writer struct {
	logger zerolog.Logger
}

// NewWriter creates a Writer on top of logger.
func NewWriter(logger zerolog.Logger) *Writer {
	return &Writer{logger: logger}
}

// Write logs message at the named level with prefix identifying the sender.
func (w *Writer) Write(message string, level Level, prefix string) {
	ev := w.logger.WithLevel(ParseLevel(level))
	if prefix != "" {
		ev = ev.Str("source", prefix)
	}
	if level == NoticeLevel {
		ev = ev.Bool("notice", true)
	}
	ev.Msg(message)
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}
