package transcribe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOpenAITranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}

		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model field = %q, want whisper-1", got)
		}
		if got := r.FormValue("language"); got != "fr" {
			t.Errorf("language field = %q, want fr", got)
		}
		if got := r.FormValue("response_format"); got != "verbose_json" {
			t.Errorf("response_format field = %q, want verbose_json", got)
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("file part missing: %v", err)
		}
		defer file.Close()
		if header.Filename != "block.wav" {
			t.Errorf("upload filename = %q, want block.wav", header.Filename)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"text": "la météo de demain",
			"language": "french",
			"segments": [{"start": 0.0, "end": 3.2, "text": "la météo de demain"}]
		}`))
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL, Format: testFormat})
	res, err := o.Transcribe(context.Background(), testPCM(4*time.Second), "fr")
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}

	if res.Text != "la météo de demain" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Language != "french" {
		t.Errorf("language = %q, want french", res.Language)
	}
	if len(res.Segments) != 1 || res.Segments[0].End != 3200*time.Millisecond {
		t.Errorf("segments = %+v", res.Segments)
	}
}

func TestOpenAIServerErrorIsModelFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL, Format: testFormat})
	_, err := o.Transcribe(context.Background(), testPCM(time.Second), "fr")
	if !errors.Is(err, ErrModelFailure) {
		t.Errorf("error = %v, want ErrModelFailure", err)
	}
}

func TestOpenAIRejectsEmptyAudio(t *testing.T) {
	o := NewOpenAI(OpenAIConfig{APIKey: "test-key", Format: testFormat})
	_, err := o.Transcribe(context.Background(), []byte{0x01}, "fr")
	if !errors.Is(err, ErrInvalidAudio) {
		t.Errorf("error = %v, want ErrInvalidAudio", err)
	}
}
