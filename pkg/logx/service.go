package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Ops     OpsConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// OpsConfig mirrors lines at or above MinLevel to an operator chat.
type OpsConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// OpsSink delivers one formatted log line to operators.
type OpsSink interface {
	SendOps(ctx context.Context, text string) error
}

const defaultLogPath = "./pillcall.log"

// Service owns the output sinks. Loggers taken from it pick up every Apply.
type Service struct {
	root atomic.Pointer[zerolog.Logger]
	ops  *opsForwarder

	mu   sync.Mutex
	file *os.File
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config, sink OpsSink) (*Service, Logger) {
	s := &Service{ops: newOpsForwarder(sink)}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetOpsSink replaces the ops sink. A nil sink drops ops lines.
func (s *Service) SetOpsSink(sink OpsSink) { s.ops.setSink(sink) }

// Apply rebuilds the writers for cfg. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter())
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}
	s.ops.configure(cfg.Ops)
	if cfg.Ops.Enabled {
		outs = append(outs, s.ops)
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close stops ops delivery and releases the log file.
func (s *Service) Close() error {
	s.ops.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogPath
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
}
