package segment

import (
	"time"

	"github.com/lmercier/radioscribe/internal/pcm"
)

// Segmenter accumulates arbitrarily sized PCM chunks and slices them into
// fixed-duration blocks. All boundary arithmetic is done in sample frames,
// never wall clocks, so block boundaries cannot drift from the audio
// content. A segmenter is single-use: one instance per capture session.
type Segmenter struct {
	format      pcm.Format
	blockFrames int
	blockBytes  int

	buf       []byte
	nextSeq   int
	nextStart int // frame offset of the next block to emit
}

// New creates a segmenter cutting blocks of the given duration. The
// duration is truncated to a whole number of sample frames.
func New(format pcm.Format, blockDuration time.Duration) *Segmenter {
	blockBytes := format.BytesForDuration(blockDuration)
	return &Segmenter{
		format:      format,
		blockFrames: format.FramesIn(blockBytes),
		blockBytes:  blockBytes,
	}
}

// BlockFrames returns the nominal block length in sample frames.
func (s *Segmenter) BlockFrames() int {
	return s.blockFrames
}

// Buffered returns how many bytes are waiting for the next block boundary.
func (s *Segmenter) Buffered() int {
	return len(s.buf)
}

// Push appends a PCM chunk and returns every complete block it finishes,
// in order. Chunks need not be frame-aligned; odd bytes carry over.
func (s *Segmenter) Push(chunk []byte) []Block {
	if len(chunk) == 0 {
		return nil
	}
	s.buf = append(s.buf, chunk...)

	var blocks []Block
	for len(s.buf) >= s.blockBytes {
		payload := make([]byte, s.blockBytes)
		copy(payload, s.buf[:s.blockBytes])
		s.buf = s.buf[s.blockBytes:]

		blocks = append(blocks, s.emit(payload, s.blockFrames, StatusOK))
	}
	return blocks
}

// Flush emits whatever partial remainder is buffered as a short block with
// the given status: StatusPartial after a disconnect, StatusOK when the
// stream ended cleanly. Returns false when nothing was buffered. Sequence
// numbering continues after a flush, so a reconnected stream picks up with
// the next contiguous number.
func (s *Segmenter) Flush(status Status) (Block, bool) {
	frames := s.format.FramesIn(len(s.buf))
	if frames == 0 {
		s.buf = nil
		return Block{}, false
	}

	payload := make([]byte, frames*s.format.FrameBytes())
	copy(payload, s.buf)
	s.buf = nil

	return s.emit(payload, frames, status), true
}

func (s *Segmenter) emit(payload []byte, frames int, status Status) Block {
	b := Block{
		Seq:        s.nextSeq,
		StartFrame: s.nextStart,
		Frames:     frames,
		PCM:        payload,
		Status:     status,
	}
	s.nextSeq++
	s.nextStart += frames
	return b
}
