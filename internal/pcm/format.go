// Package pcm describes the fixed audio sample format flowing through the
// capture pipeline and converts between byte counts, frame counts and
// durations. All duration arithmetic in the pipeline goes through these
// helpers so block boundaries are derived from sample counts, never from
// wall-clock timers.
package pcm

import "time"

// BytesPerSample is the width of one sample: signed 16-bit little-endian.
const BytesPerSample = 2

// Format is the PCM layout the stream decoder is told to emit.
type Format struct {
	SampleRate int // frames per second, e.g. 16000
	Channels   int // 1 for mono
}

// DefaultFormat is 16 kHz mono, the rate speech models expect.
func DefaultFormat() Format {
	return Format{SampleRate: 16000, Channels: 1}
}

// FrameBytes returns the size of one sample frame (all channels).
func (f Format) FrameBytes() int {
	return f.Channels * BytesPerSample
}

// BytesPerSecond returns the raw data rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameBytes()
}

// FramesIn returns how many complete frames fit in n bytes.
func (f Format) FramesIn(n int) int {
	return n / f.FrameBytes()
}

// BytesForDuration returns the frame-aligned byte length of d worth of audio.
func (f Format) BytesForDuration(d time.Duration) int {
	frames := int(d * time.Duration(f.SampleRate) / time.Second)
	return frames * f.FrameBytes()
}

// DurationOfFrames converts a frame count to its play time.
func (f Format) DurationOfFrames(frames int) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// DurationOfBytes converts a byte count to play time, ignoring any trailing
// partial frame.
func (f Format) DurationOfBytes(n int) time.Duration {
	return f.DurationOfFrames(f.FramesIn(n))
}

// Valid reports whether the format holds values the pipeline can work with.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}
