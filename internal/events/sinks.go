package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/szibis/profile-governor/internal/logging"
)

// Sink names accepted in configuration.
const (
	SinkLog    = "log"
	SinkFile   = "file"
	SinkHTTP   = "http"
	SinkMemory = "memory"
)

// LogSink writes events to the structured log.
type LogSink struct{}

// Name returns "log".
func (LogSink) Name() string { return SinkLog }

// Write logs ev at info level.
func (LogSink) Write(_ context.Context, ev Event) error {
	fields := logging.F(
		"component", "events",
		"event_id", ev.ID,
		"event_type", ev.Type,
	)
	for k, v := range ev.Payload {
		fields["payload."+k] = v
	}
	logging.Info("event", fields)
	return nil
}

// FileSink appends events as JSON lines.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// NewFileSink opens path for appending, creating parent directories.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, errors.New("file sink: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("file sink: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("file sink: %w", err)
	}
	return &FileSink{f: f, path: path}, nil
}

// Name returns "file".
func (s *FileSink) Name() string { return SinkFile }

// Write appends one JSON line.
func (s *FileSink) Write(_ context.Context, ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.f.Write(line)
	return err
}

// Close closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// HTTPSink POSTs each event as JSON.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink creates an HTTP sink.
func NewHTTPSink(url string, client *http.Client) (*HTTPSink, error) {
	if url == "" {
		return nil, errors.New("http sink: url is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSink{url: url, client: client}, nil
}

// Name returns "http".
func (s *HTTPSink) Name() string { return SinkHTTP }

// Write sends ev. Any non-2xx status is an error.
func (s *HTTPSink) Write(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("event endpoint returned %d: %s", resp.StatusCode, string(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// MemorySink keeps the most recent events in memory.
type MemorySink struct {
	mu     sync.Mutex
	max    int
	events []Event
}

// NewMemorySink keeps at most max events (default 100).
func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 100
	}
	return &MemorySink{max: max}
}

// Name returns "memory".
func (s *MemorySink) Name() string { return SinkMemory }

// Write stores ev, evicting the oldest when full.
func (s *MemorySink) Write(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) >= s.max {
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of the stored events, oldest first.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}
