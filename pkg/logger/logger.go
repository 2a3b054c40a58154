// Package logger owns the process-wide slog loggers: the application logger
// and a separate audit stream for transfer outcomes and write API calls.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 对应配置文件中的 log 段。
type Config struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig controls where transfer outcomes are recorded.
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// 日志文件统一按大小滚动。
const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 7
	defaultMaxAgeDays = 30
)

type state struct {
	app   *slog.Logger
	audit *slog.Logger
	sinks []io.Closer
}

var (
	mu      sync.Mutex
	current *state
	level   = new(slog.LevelVar)
)

// Init builds the loggers from cfg and replaces any previous ones, closing
// the files they held.
func Init(cfg Config) error {
	level.Set(parseLevel(cfg.Level))

	next := &state{}
	appOut, err := next.open(cfg.OutputPaths)
	if err != nil {
		next.close()
		return err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		next.app = slog.New(slog.NewTextHandler(appOut, opts))
	} else {
		next.app = slog.New(slog.NewJSONHandler(appOut, opts))
	}

	next.audit = next.app
	if cfg.Audit.Enabled {
		if strings.TrimSpace(cfg.Audit.Path) == "" {
			next.close()
			return errors.New("audit log path cannot be empty when enabled")
		}
		sink, err := rotating(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays)
		if err != nil {
			next.close()
			return err
		}
		next.sinks = append(next.sinks, sink)
		next.audit = slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	mu.Lock()
	prev := current
	current = next
	mu.Unlock()
	if prev != nil {
		prev.close()
	}
	return nil
}

// open 解析输出目标：stdout / stderr 或文件路径，文件自动滚动。
func (s *state) open(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, p := range paths {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			sink, err := rotating(p, 0, 0, 0)
			if err != nil {
				return nil, err
			}
			s.sinks = append(s.sinks, sink)
			writers = append(writers, sink)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func (s *state) close() error {
	var err error
	for _, sink := range s.sinks {
		err = errors.Join(err, sink.Close())
	}
	s.sinks = nil
	return err
}

func rotating(path string, sizeMB, backups, ageDays int) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %s: %w", path, err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    orDefault(sizeMB, defaultMaxSizeMB),
		MaxBackups: orDefault(backups, defaultMaxBackups),
		MaxAge:     orDefault(ageDays, defaultMaxAgeDays),
	}, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// parseLevel 接受 slog 的级别名，另外兼容 "warning"。
func parseLevel(name string) slog.Level {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if name == "" || lvl.UnmarshalText([]byte(name)) != nil {
		return slog.LevelInfo
	}
	return lvl
}

// SetLevel changes the application log level without rebuilding handlers.
func SetLevel(name string) {
	level.Set(parseLevel(name))
}

func snapshot() *state {
	mu.Lock()
	s := current
	mu.Unlock()
	if s != nil {
		return s
	}
	_ = Init(Config{})
	mu.Lock()
	defer mu.Unlock()
	return current
}

// L returns the application logger, initialising a stdout JSON logger on first use.
func L() *slog.Logger {
	return snapshot().app
}

// Audit returns the audit logger; it falls back to L when auditing is off.
func Audit() *slog.Logger {
	return snapshot().audit
}

// Sync 关闭 Init 打开的文件。
func Sync() error {
	mu.Lock()
	s := current
	mu.Unlock()
	if s == nil {
		return nil
	}
	return s.close()
}

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}
