package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// EventType represents the type of pipeline event
type EventType string

const (
	EventSessionStarted      EventType = "session_started"
	EventStateChanged        EventType = "state_changed"
	EventStreamOpened        EventType = "stream_opened"
	EventStreamDisconnected  EventType = "stream_disconnected"
	EventReconnectAttempt    EventType = "reconnect_attempt"
	EventReconnected         EventType = "reconnected"
	EventBlockRecorded       EventType = "block_recorded"
	EventTranscriptionFailed EventType = "transcription_failed"
	EventDrainStarted        EventType = "drain_started"
	EventSessionEnded        EventType = "session_ended"
	EventFaulted             EventType = "faulted"
)

// event is one serialized log line.
type event struct {
	Time time.Time      `json:"time"`
	Type EventType      `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Logger appends pipeline events to a session's JSONL event log. A nil
// Logger is valid and drops everything, so callers never need to guard.
type Logger struct {
	mu sync.Mutex
	f  *os.File
}

// Open creates or appends to the event log at path.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &Logger{f: f}, nil
}

// Log writes an event synchronously.
func (l *Logger) Log(eventType EventType, data map[string]any) error {
	if l == nil {
		return nil
	}

	line, err := json.Marshal(event{Time: time.Now().UTC(), Type: eventType, Data: data})
	if err != nil {
		line = []byte(fmt.Sprintf(`{"time":%q,"type":%q}`, time.Now().UTC().Format(time.RFC3339), eventType))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	_, err = l.f.Write(append(line, '\n'))
	return err
}

// LogAsync logs an event without blocking the caller. Write errors are
// dropped; the event log is diagnostic, never load-bearing.
func (l *Logger) LogAsync(eventType EventType, data map[string]any) {
	if l == nil {
		return
	}
	go func() {
		_ = l.Log(eventType, data)
	}()
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
