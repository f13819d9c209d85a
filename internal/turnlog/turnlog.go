// Package turnlog writes an NDJSON audit trail of conversation turns.
package turnlog

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

// Event types.
const (
	EventUserMessage      = "user_message"
	EventAssistantMessage = "assistant_message"
	EventUpstreamFailure  = "upstream_failure"
	EventConversation     = "conversation_created"
)

// Event is one NDJSON line.
type Event struct {
	Timestamp      string         `json:"ts"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	Channel        string         `json:"channel,omitempty"`
	EventType      string         `json:"event_type"`
	Content        string         `json:"content,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// Logger records turn events. Log never blocks the caller.
type Logger interface {
	Log(event Event)
	Close() error
}

// Config controls where events are written.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	GlobalMaxMB   int
	QueueSize     int
}

// Noop discards every event.
type Noop struct{}

// Log discards event.
func (Noop) Log(Event) {}

// Close does nothing.
func (Noop) Close() error { return nil }

type fileLogger struct {
	dir    string
	global io.WriteCloser
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// New returns a Logger writing <dir>/<user>/<conversation>.ndjson and,
// optionally, every event to a size-rotated global file.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled && !cfg.GlobalEnabled {
		return Noop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	l := &fileLogger{
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}

	if cfg.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create turn log dir: %w", err)
		}
		l.dir = cfg.Dir
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global turn log dir: %w", err)
		}
		maxMB := cfg.GlobalMaxMB
		if maxMB <= 0 {
			maxMB = 100
		}
		l.global = &lumberjack.Logger{
			Filename:   cfg.GlobalPath,
			MaxSize:    maxMB,
			MaxBackups: 5,
			Compress:   true,
		}
	}

	go l.run()
	return l, nil
}

func (l *fileLogger) Log(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("turn log queue full, dropping event",
			"user_id", event.UserID,
			"conversation_id", event.ConversationID,
			"event_type", event.EventType,
		)
	}
}

func (l *fileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	if l.global != nil {
		return l.global.Close()
	}
	return nil
}

func (l *fileLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("failed to marshal turn log event", "error", err)
			continue
		}
		line = append(line, '\n')

		if l.dir != "" {
			if err := l.appendSessionLine(event, line); err != nil {
				l.logger.Warn("failed to write turn log", "error", err, "user_id", event.UserID)
			}
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("failed to write global turn log", "error", err)
			}
		}
	}
}

func (l *fileLogger) appendSessionLine(event Event, line []byte) error {
	userDir := filepath.Join(l.dir, safeName(event.UserID))
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return fmt.Errorf("create user log dir: %w", err)
	}
	path := filepath.Join(userDir, safeName(event.ConversationID)+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open turn log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append turn log: %w", err)
	}
	return f.Close()
}

var unsafePattern = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// safeName turns an id into a single path element.
func safeName(id string) string {
	name := unsafePattern.ReplaceAllString(id, "_")
	name = strings.Trim(name, ".")
	if name == "" {
		return "unknown"
	}
	return name
}
