package transcribe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lmercier/radioscribe/internal/pcm"
)

var testFormat = pcm.Format{SampleRate: 16000, Channels: 1}

// writeStub writes an executable shell script standing in for the
// transcription tool.
func writeStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "whisper-stub")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func testPCM(d time.Duration) []byte {
	return make([]byte, testFormat.BytesForDuration(d))
}

func TestWhisperParsesToolOutput(t *testing.T) {
	stub := writeStub(t, `cat <<'EOF'
{"text": "bonjour tout le monde", "language": "fr", "segments": [
  {"start": 0.0, "end": 2.5, "text": "bonjour"},
  {"start": 2.5, "end": 5.0, "text": "tout le monde"}
]}
EOF`)

	w := NewWhisper(WhisperConfig{Command: stub, Model: "base", Format: testFormat})
	res, err := w.Transcribe(context.Background(), testPCM(5*time.Second), "fr")
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}

	if res.Text != "bonjour tout le monde" {
		t.Errorf("text = %q, want %q", res.Text, "bonjour tout le monde")
	}
	if res.Language != "fr" {
		t.Errorf("language = %q, want fr", res.Language)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(res.Segments))
	}
	if res.Segments[1].Start != 2500*time.Millisecond || res.Segments[1].End != 5*time.Second {
		t.Errorf("segment 1 timing = [%v - %v], want [2.5s - 5s]",
			res.Segments[1].Start, res.Segments[1].End)
	}
}

func TestWhisperFallsBackToLanguageHint(t *testing.T) {
	stub := writeStub(t, `echo '{"text": "hello", "segments": []}'`)

	w := NewWhisper(WhisperConfig{Command: stub, Format: testFormat})
	res, err := w.Transcribe(context.Background(), testPCM(time.Second), "en")
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}
	if res.Language != "en" {
		t.Errorf("language = %q, want hint en", res.Language)
	}
}

func TestWhisperToolFailureIsModelFailure(t *testing.T) {
	stub := writeStub(t, `echo "model load failed" >&2; exit 1`)

	w := NewWhisper(WhisperConfig{Command: stub, Format: testFormat})
	_, err := w.Transcribe(context.Background(), testPCM(time.Second), "fr")
	if !errors.Is(err, ErrModelFailure) {
		t.Errorf("error = %v, want ErrModelFailure", err)
	}
}

func TestWhisperMalformedOutputIsModelFailure(t *testing.T) {
	stub := writeStub(t, `echo "not json at all"`)

	w := NewWhisper(WhisperConfig{Command: stub, Format: testFormat})
	_, err := w.Transcribe(context.Background(), testPCM(time.Second), "fr")
	if !errors.Is(err, ErrModelFailure) {
		t.Errorf("error = %v, want ErrModelFailure", err)
	}
}

func TestWhisperRejectsEmptyAudio(t *testing.T) {
	stub := writeStub(t, `echo '{"text": ""}'`)

	w := NewWhisper(WhisperConfig{Command: stub, Format: testFormat})
	_, err := w.Transcribe(context.Background(), nil, "fr")
	if !errors.Is(err, ErrInvalidAudio) {
		t.Errorf("error = %v, want ErrInvalidAudio", err)
	}
}

func TestWhisperTimeout(t *testing.T) {
	stub := writeStub(t, `sleep 5; echo '{"text": "late"}'`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	w := NewWhisper(WhisperConfig{Command: stub, Format: testFormat})
	_, err := w.Transcribe(ctx, testPCM(time.Second), "fr")
	if !errors.Is(err, ErrModelFailure) {
		t.Errorf("error = %v, want ErrModelFailure on timeout", err)
	}
}

func TestValidModel(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"tiny", true},
		{"base", true},
		{"large", true},
		{"huge", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := ValidModel(tt.model); got != tt.want {
			t.Errorf("ValidModel(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}
