// Package logger builds the daemon's slog logger and the rotating stdout and
// stderr writers of spawned application processes.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	FormatText = "text"
	FormatJSON = "json"
)

// SlogConfig configures the daemon's own structured log.
type SlogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
	// Path sends the log to a rotating file instead of stderr.
	Path string `mapstructure:"path"`
}

// FileConfig describes rotating log files. For processes, an empty
// StdoutPath/StderrPath with Dir set yields Dir/<name>.stdout.log and
// Dir/<name>.stderr.log.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout_path"`
	StderrPath string `mapstructure:"stderr_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// ProcessWriters returns the stdout and stderr writers for the process
// name. Either is nil when no destination is configured for it.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout, stderr := c.File.StdoutPath, c.File.StderrPath
	if c.File.Dir != "" {
		if err := os.MkdirAll(c.File.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("log dir %s: %w", c.File.Dir, err)
		}
		if stdout == "" {
			stdout = filepath.Join(c.File.Dir, name+".stdout.log")
		}
		if stderr == "" {
			stderr = filepath.Join(c.File.Dir, name+".stderr.log")
		}
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.File.rotating(stdout)
	}
	if stderr != "" {
		errW = c.File.rotating(stderr)
	}
	return outW, errW, nil
}

// ParseLevel maps a level name to a slog level; unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the daemon logger. The returned closer releases the log file,
// if any.
func New(c Config) (*slog.Logger, io.Closer, error) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if c.Slog.Path != "" {
		if err := os.MkdirAll(filepath.Dir(c.Slog.Path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("log dir for %s: %w", c.Slog.Path, err)
		}
		f := c.File.rotating(c.Slog.Path)
		w, closer = f, f
	}
	return slog.New(c.handler(w)), closer, nil
}

// NewSlogger is New writing to stderr, for callers that need no file.
func (c Config) NewSlogger() *slog.Logger {
	return slog.New(c.handler(os.Stderr))
}

// NewProcessLogger returns a JSON logger writing to the stdout log of the
// process name, or nil when no log destination is configured.
func (c Config) NewProcessLogger(name string) *slog.Logger {
	out, _, err := c.ProcessWriters(name)
	if err != nil || out == nil {
		return nil
	}
	return slog.New(slog.NewJSONHandler(out, c.options())).With("process", name)
}

func (c Config) options() *slog.HandlerOptions {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Slog.Level), AddSource: c.Slog.Source}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	return opts
}

func (c Config) handler(w io.Writer) slog.Handler {
	opts := c.options()
	if strings.EqualFold(c.Slog.Format, FormatJSON) {
		return slog.NewJSONHandler(w, opts)
	}
	if c.Slog.Color && c.Slog.Path == "" {
		return NewColorTextHandler(w, opts, c.Slog.TimeStamps)
	}
	return slog.NewTextHandler(w, opts)
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
