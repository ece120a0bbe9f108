package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmercier/radioscribe/internal/pcm"
)

const openaiTranscriptionsURL = "https://api.openai.com/v1/audio/transcriptions"

// OpenAI uploads each block to an OpenAI-compatible transcriptions endpoint
// (hosted Whisper deployments) as a multipart WAV.
type OpenAI struct {
	apiKey     string
	model      string
	baseURL    string
	format     pcm.Format
	httpClient *http.Client
}

// OpenAIConfig holds configuration for the hosted backend.
type OpenAIConfig struct {
	APIKey  string
	Model   string // e.g. "whisper-1"
	BaseURL string // override for self-hosted deployments and tests
	Format  pcm.Format
}

// NewOpenAI creates the hosted transcription backend.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openaiTranscriptionsURL
	}
	return &OpenAI{
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    baseURL,
		format:     cfg.Format,
		httpClient: &http.Client{},
	}
}

// verboseResponse is the verbose_json response shape.
type verboseResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe uploads the block and parses the verbose_json response.
func (o *OpenAI) Transcribe(ctx context.Context, pcmData []byte, languageHint string) (Result, error) {
	if len(pcmData) < o.format.FrameBytes() {
		return Result{}, fmt.Errorf("%w: %d bytes of pcm", ErrInvalidAudio, len(pcmData))
	}

	body, contentType, err := o.buildUpload(pcmData, languageHint)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: create request: %v", ErrModelFailure, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrModelFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("%w: transcriptions API %s: %s", ErrModelFailure, resp.Status, strings.TrimSpace(string(respBody)))
	}

	var parsed verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrModelFailure, err)
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

// buildUpload assembles the multipart form: model, language, response
// format and the block as a WAV file part. The WAV goes through a temp
// file; the wav encoder needs a seekable writer.
func (o *OpenAI) buildUpload(pcmData []byte, languageHint string) ([]byte, string, error) {
	dir, err := os.MkdirTemp("", "radioscribe-openai-")
	if err != nil {
		return nil, "", fmt.Errorf("%w: temp dir: %v", ErrModelFailure, err)
	}
	defer os.RemoveAll(dir)

	wavPath := filepath.Join(dir, "block.wav")
	if err := pcm.WriteWAV(wavPath, pcmData, o.format); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidAudio, err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("model", o.model); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrModelFailure, err)
	}
	if languageHint != "" {
		if err := mw.WriteField("language", languageHint); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrModelFailure, err)
		}
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrModelFailure, err)
	}

	fw, err := mw.CreateFormFile("file", "block.wav")
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrModelFailure, err)
	}
	f, err := os.Open(wavPath)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrModelFailure, err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		f.Close()
		return nil, "", fmt.Errorf("%w: %v", ErrModelFailure, err)
	}
	f.Close()

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrModelFailure, err)
	}
	return body.Bytes(), mw.FormDataContentType(), nil
}
