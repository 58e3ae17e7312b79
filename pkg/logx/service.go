package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultLogFile = "./briefbot.log"

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Service owns the sinks behind every Logger it hands out and rebuilds
// them on Apply.
type Service struct {
	mu   sync.Mutex
	file *os.File
	chat *chatSink

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service from cfg. sender may be nil, which disables the
// Telegram sink regardless of cfg.
func New(cfg Config, sender TextSender) (*Service, Logger) {
	s := &Service{}
	if sender != nil {
		s.chat = newChatSink(sender)
	}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger {
	return Logger{src: func() zerolog.Logger { return *s.root.Load() }}
}

// SetTelegramTarget routes forwarded lines to chatID. A zero threadID keeps
// the configured thread.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	if s.chat != nil {
		s.chat.setTarget(chatID, threadID)
	}
}

// Apply replaces sinks and levels. Loggers already handed out pick up the
// change on their next line.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleOut(os.Stdout))
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}

	if s.chat != nil {
		s.chat.configure(cfg.Telegram)
		if cfg.Telegram.Enabled {
			s.chat.ensureRunning()
			outs = append(outs, s.chat)
			if !s.chat.hasTarget() {
				fmt.Fprintln(os.Stderr, "logx: telegram sink enabled without a target chat")
			}
		}
	}

	if len(outs) == 0 {
		outs = append(outs, consoleOut(os.Stdout))
	}
	zl := build(zerolog.MultiLevelWriter(outs...), parseLevel(cfg.Level, LevelInfo))
	s.root.Store(&zl)
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

// Close stops the Telegram forwarder and closes the log file.
func (s *Service) Close() error {
	if s.chat != nil {
		s.chat.stop()
	}
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}
