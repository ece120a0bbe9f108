package pcm

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"
	"time"
)

// sineWave produces n frames of a 440 Hz tone as s16le bytes.
func sineWave(n int, f Format) []byte {
	out := make([]byte, n*f.FrameBytes())
	for i := 0; i < n; i++ {
		v := int16(12000 * math.Sin(2*math.Pi*440*float64(i)/float64(f.SampleRate)))
		for ch := 0; ch < f.Channels; ch++ {
			binary.LittleEndian.PutUint16(out[(i*f.Channels+ch)*BytesPerSample:], uint16(v))
		}
	}
	return out
}

func TestWriteWAVDuration(t *testing.T) {
	f := Format{SampleRate: 16000, Channels: 1}
	path := filepath.Join(t.TempDir(), "tone.wav")

	data := sineWave(16000*2, f) // 2 seconds
	if err := WriteWAV(path, data, f); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}

	dur, err := WAVDuration(path)
	if err != nil {
		t.Fatalf("WAVDuration: %v", err)
	}
	if dur != 2*time.Second {
		t.Errorf("duration = %v, want 2s", dur)
	}
}

func TestWriteWAVDropsPartialFrame(t *testing.T) {
	f := Format{SampleRate: 8000, Channels: 1}
	path := filepath.Join(t.TempDir(), "odd.wav")

	data := append(sineWave(800, f), 0x7f) // dangling byte
	if err := WriteWAV(path, data, f); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}

	dur, err := WAVDuration(path)
	if err != nil {
		t.Fatalf("WAVDuration: %v", err)
	}
	if want := f.DurationOfFrames(800); dur != want {
		t.Errorf("duration = %v, want %v", dur, want)
	}
}

func TestWriteWAVRejectsInvalidFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	if err := WriteWAV(path, []byte{0, 0}, Format{}); err == nil {
		t.Error("WriteWAV with zero format succeeded, want error")
	}
}
