package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lmercier/radioscribe/internal/pcm"
)

const deepgramWSURL = "wss://api.deepgram.com/v1/listen"

// deepgramChunkBytes is how much PCM goes into one websocket frame.
const deepgramChunkBytes = 8192

// Deepgram transcribes a block through Deepgram's streaming API. One block
// is one websocket round trip: dial, stream the PCM, close the stream,
// collect final results until the server's closing metadata message.
type Deepgram struct {
	apiKey string
	model  string
	wsURL  string
	format pcm.Format
}

// DeepgramConfig holds configuration for the Deepgram backend.
type DeepgramConfig struct {
	APIKey string
	Model  string // e.g. "nova-3"
	WSURL  string // override for tests
	Format pcm.Format
}

// NewDeepgram creates the streaming backend.
func NewDeepgram(cfg DeepgramConfig) *Deepgram {
	model := cfg.Model
	if model == "" {
		model = "nova-3"
	}
	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = deepgramWSURL
	}
	return &Deepgram{apiKey: cfg.APIKey, model: model, wsURL: wsURL, format: cfg.Format}
}

// deepgramResponse covers the message types the round trip cares about.
type deepgramResponse struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// Transcribe streams the block's PCM over a fresh websocket connection and
// aggregates the final results into one transcript.
func (d *Deepgram) Transcribe(ctx context.Context, pcmData []byte, languageHint string) (Result, error) {
	if len(pcmData) < d.format.FrameBytes() {
		return Result{}, fmt.Errorf("%w: %d bytes of pcm", ErrInvalidAudio, len(pcmData))
	}

	url := fmt.Sprintf("%s?model=%s&encoding=linear16&sample_rate=%d&channels=%d&punctuate=true",
		d.wsURL, d.model, d.format.SampleRate, d.format.Channels)
	if languageHint != "" {
		url += "&language=" + languageHint
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, headers)
	if err != nil {
		return Result{}, fmt.Errorf("%w: connect to deepgram: %v", ErrModelFailure, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	// Send the whole block, then tell the server the stream is done so it
	// finalizes its results.
	for off := 0; off < len(pcmData); off += deepgramChunkBytes {
		end := off + deepgramChunkBytes
		if end > len(pcmData) {
			end = len(pcmData)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, pcmData[off:end]); err != nil {
			return Result{}, fmt.Errorf("%w: send audio: %v", ErrModelFailure, err)
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		return Result{}, fmt.Errorf("%w: close stream: %v", ErrModelFailure, err)
	}

	var parts []string
	var segments []Segment
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			return Result{}, fmt.Errorf("%w: read results: %v", ErrModelFailure, err)
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}

		// Metadata is the server's final message for the stream.
		if resp.Type == "Metadata" {
			break
		}
		if resp.Type != "Results" || !resp.IsFinal {
			continue
		}

		var transcript string
		if len(resp.Channel.Alternatives) > 0 {
			transcript = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		}
		if transcript == "" {
			continue
		}

		parts = append(parts, transcript)
		segments = append(segments, Segment{
			Start: time.Duration(resp.Start * float64(time.Second)),
			End:   time.Duration((resp.Start + resp.Duration) * float64(time.Second)),
			Text:  transcript,
		})
	}

	return Result{
		Text:     strings.Join(parts, " "),
		Language: languageHint,
		Segments: segments,
	}, nil
}
