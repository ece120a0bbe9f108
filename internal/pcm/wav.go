package pcm

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV writes raw s16le PCM to path as a RIFF/WAV file. Trailing bytes
// that do not form a complete frame are dropped.
func WriteWAV(path string, data []byte, f Format) error {
	if !f.Valid() {
		return fmt.Errorf("invalid pcm format %+v", f)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}

	enc := wav.NewEncoder(file, f.SampleRate, 8*BytesPerSample, f.Channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           decodeSamples(data, f),
		SourceBitDepth: 8 * BytesPerSample,
	}

	if err := enc.Write(buf); err != nil {
		file.Close()
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		file.Close()
		return fmt.Errorf("finalize wav: %w", err)
	}
	return file.Close()
}

// WAVDuration reads the header of the WAV file at path and returns its
// play time.
func WAVDuration(path string) (time.Duration, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%s is not a valid wav file", path)
	}
	return dec.Duration()
}

// decodeSamples unpacks little-endian int16 samples into the int slice the
// wav encoder wants.
func decodeSamples(data []byte, f Format) []int {
	n := f.FramesIn(len(data)) * f.Channels
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = int(int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:])))
	}
	return out
}
