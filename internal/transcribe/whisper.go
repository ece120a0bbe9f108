package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmercier/radioscribe/internal/pcm"
)

// Whisper runs a local Whisper-style transcription tool as a subprocess.
// The block's PCM is written to a temporary WAV file; the tool is expected
// to print a JSON object {text, language, segments:[{start,end,text}]} on
// stdout, with segment times in seconds.
type Whisper struct {
	command string
	model   string
	format  pcm.Format
}

// WhisperConfig holds configuration for the local backend.
type WhisperConfig struct {
	Command string // transcription binary, default "whisper-json"
	Model   string // tiny/base/small/medium/large, default "base"
	Format  pcm.Format
}

// NewWhisper creates the local subprocess backend.
func NewWhisper(cfg WhisperConfig) *Whisper {
	command := cfg.Command
	if command == "" {
		command = "whisper-json"
	}
	model := cfg.Model
	if model == "" {
		model = "base"
	}
	return &Whisper{command: command, model: model, format: cfg.Format}
}

// whisperOutput is the JSON shape the tool prints.
type whisperOutput struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe writes pcmData to a temp WAV and runs the tool on it.
func (w *Whisper) Transcribe(ctx context.Context, pcmData []byte, languageHint string) (Result, error) {
	if len(pcmData) < w.format.FrameBytes() {
		return Result{}, fmt.Errorf("%w: %d bytes of pcm", ErrInvalidAudio, len(pcmData))
	}

	dir, err := os.MkdirTemp("", "radioscribe-whisper-")
	if err != nil {
		return Result{}, fmt.Errorf("%w: temp dir: %v", ErrModelFailure, err)
	}
	defer os.RemoveAll(dir)

	wavPath := filepath.Join(dir, "block.wav")
	if err := pcm.WriteWAV(wavPath, pcmData, w.format); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}

	args := []string{"--model", w.model}
	if languageHint != "" {
		args = append(args, "--language", languageHint)
	}
	args = append(args, wavPath)

	cmd := exec.CommandContext(ctx, w.command, args...)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrModelFailure, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return Result{}, fmt.Errorf("%w: %s: %s", ErrModelFailure, w.command, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return Result{}, fmt.Errorf("%w: run %s: %v", ErrModelFailure, w.command, err)
	}

	var parsed whisperOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return Result{}, fmt.Errorf("%w: parse %s output: %v", ErrModelFailure, w.command, err)
	}

	result := Result{
		Text:     strings.TrimSpace(parsed.Text),
		Language: parsed.Language,
	}
	if result.Language == "" {
		result.Language = languageHint
	}
	for _, s := range parsed.Segments {
		result.Segments = append(result.Segments, Segment{
			Start: time.Duration(s.Start * float64(time.Second)),
			End:   time.Duration(s.End * float64(time.Second)),
			Text:  strings.TrimSpace(s.Text),
		})
	}
	return result, nil
}
