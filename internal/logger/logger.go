package logger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes rotating log files. Rotation parameters follow
// lumberjack semantics; zero values select the defaults above.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config configures the daemon logger.
type Config struct {
	Level  string     `mapstructure:"level"`  // debug|info|warn|error
	Format string     `mapstructure:"format"` // text|json
	Color  bool       `mapstructure:"color"`
	Path   string     `mapstructure:"path"` // optional daemon log file
	File   FileConfig `mapstructure:"file"` // rotation limits, project mirror dir
}

// Rotating returns a lumberjack writer for path using c's limits.
func (c FileConfig) Rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// ProjectWriters returns rotating writers for a project's stdout and stderr,
// Dir/<project>.stdout.log and Dir/<project>.stderr.log. Both are nil when Dir
// is empty.
func (c FileConfig) ProjectWriters(projectID string) (io.WriteCloser, io.WriteCloser, error) {
	if c.Dir == "" {
		return nil, nil, nil
	}
	if projectID == "" || strings.ContainsAny(projectID, `/\`) || projectID == ".." {
		return nil, nil, fmt.Errorf("invalid project id for log file: %q", projectID)
	}
	outW := c.Rotating(filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", projectID)))
	errW := c.Rotating(filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", projectID)))
	return outW, errW, nil
}

// ParseLevel maps a textual level to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the daemon logger writing to w and, when Path is set, to a
// rotating file as well. The returned closer releases the file.
func New(cfg Config, w io.Writer) (*slog.Logger, io.Closer) {
	var closer io.Closer = nopCloser{}
	if cfg.Path != "" {
		f := cfg.File.Rotating(cfg.Path)
		w = io.MultiWriter(w, f)
		closer = f
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var h slog.Handler
	switch {
	case strings.EqualFold(cfg.Format, "json"):
		h = slog.NewJSONHandler(w, opts)
	case cfg.Color:
		h = NewColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
