package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/Aman-CERP/hybridrank/pkg/version"
)

// Config selects where records go and how much is kept.
type Config struct {
	Level string

	// FilePath enables the rotated JSON log. Empty logs text to stderr.
	FilePath  string
	MaxSizeMB int
	MaxFiles  int

	// WriteToStderr mirrors file records to stderr as text.
	WriteToStderr bool
}

// DefaultConfig logs info and above to stderr.
func DefaultConfig() Config {
	return Config{Level: "info", MaxSizeMB: 10, MaxFiles: 5, WriteToStderr: true}
}

// DebugConfig logs everything to DefaultLogPath and stderr.
func DebugConfig() Config {
	cfg := DefaultConfig()
	cfg.Level, cfg.FilePath = "debug", DefaultLogPath()
	return cfg
}

// ServeConfig logs to a file only; stdio belongs to the protocol stream.
func ServeConfig(level, path string) Config {
	if path == "" {
		path = DefaultLogPath()
	}
	cfg := DefaultConfig()
	cfg.Level, cfg.FilePath, cfg.WriteToStderr = level, path, false
	return cfg
}

// Setup builds a logger for cfg. The cleanup flushes and closes the log file
// and is never nil on success. File records carry the hybridrank version so
// mixed logs of several builds stay attributable.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: LevelFromString(cfg.Level)}
	if cfg.FilePath == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), func() {}, nil
	}

	w, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
	if err != nil {
		return nil, nil, err
	}
	var h slog.Handler = slog.NewJSONHandler(w, opts).
		WithAttrs([]slog.Attr{slog.String("version", version.Version)})
	if cfg.WriteToStderr {
		h = teeHandler{h, slog.NewTextHandler(os.Stderr, opts)}
	}
	return slog.New(h), func() {
		_ = w.Sync()
		_ = w.Close()
	}, nil
}

// SetupDefault is Setup followed by slog.SetDefault.
func SetupDefault(cfg Config) (*slog.Logger, func(), error) {
	logger, cleanup, err := Setup(cfg)
	if err == nil {
		slog.SetDefault(logger)
	}
	return logger, cleanup, err
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// LevelFromString parses a level name ("debug", "WARN", "info+2"; "warning"
// is accepted too). Unknown names mean info.
func LevelFromString(level string) slog.Level {
	level = strings.TrimSpace(level)
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
