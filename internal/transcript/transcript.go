// Package transcript records chat traffic as NDJSON, one file per
// (user, channel), plus an optional rotating global log.
package transcript

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Directions.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Config controls transcript logging.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
	// GlobalFile, when set, also receives every event through a rotating writer.
	GlobalFile string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Event is one logged chat message.
type Event struct {
	Timestamp  string `json:"ts"`
	UserID     string `json:"user_id"`
	ChannelID  string `json:"channel_id"`
	SessionID  string `json:"session_id,omitempty"`
	Transport  string `json:"transport"`
	Direction  string `json:"direction"`
	EventType  string `json:"event_type"`
	Content    string `json:"content"`
	ContentRaw string `json:"content_raw"`
}

// Logger writes events asynchronously. Log never blocks; events are dropped
// when the queue is full.
type Logger struct {
	dir    string
	queue  chan Event
	global io.WriteCloser
	logger *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// New starts a transcript logger. A disabled config yields a logger whose
// Log is a no-op.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return &Logger{logger: logger}, nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("transcript directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	l := &Logger{
		dir:    cfg.Dir,
		queue:  make(chan Event, cfg.QueueSize),
		logger: logger,
	}
	if cfg.GlobalFile != "" {
		l.global = &lumberjack.Logger{
			Filename:   cfg.GlobalFile,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}

	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Log enqueues an event. Timestamp and Content are filled when empty.
func (l *Logger) Log(e Event) {
	if l == nil || l.queue == nil {
		return
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.Content == "" {
		e.Content = cleanForReadability(e.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- e:
	default:
		l.logger.Warn("Transcript queue full, dropping event", "user_id", e.UserID, "event_type", e.EventType)
	}
}

// Close drains the queue and closes the global writer.
func (l *Logger) Close() error {
	if l == nil || l.queue == nil {
		return nil
	}
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()

		l.wg.Wait()
		if l.global != nil {
			err = l.global.Close()
		}
	})
	return err
}

func (l *Logger) run() {
	defer l.wg.Done()
	for e := range l.queue {
		line, err := json.Marshal(e)
		if err != nil {
			l.logger.Warn("Failed to encode transcript event", "error", err)
			continue
		}
		line = append(line, '\n')

		if err := l.appendTo(l.pathFor(e), line); err != nil {
			l.logger.Warn("Failed to write transcript event", "user_id", e.UserID, "error", err)
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("Failed to write global transcript", "error", err)
			}
		}
	}
}

func (l *Logger) pathFor(e Event) string {
	channel := e.ChannelID
	if channel == "" {
		channel = "default"
	}
	return filepath.Join(l.dir, safeSegment(e.UserID), safeSegment(channel)+".ndjson")
}

func (l *Logger) appendTo(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var (
	ansiPattern   = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	unsafePattern = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	spacePattern  = regexp.MustCompile(`[ \t]+`)
)

// cleanForReadability strips terminal escapes and control characters and
// collapses runs of blanks.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func safeSegment(s string) string {
	s = unsafePattern.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
