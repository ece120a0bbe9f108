// Package source abstracts the opaque stream-decoding capability: given a
// stream URL it produces a continuous sequence of raw PCM bytes in the
// pipeline's fixed format. The concrete decoding (protocol handling,
// demuxing, resampling) is delegated to an external tool.
package source

import (
	"context"
	"errors"
)

// ErrUnreachable means the stream URL could not be opened at all.
var ErrUnreachable = errors.New("stream unreachable")

// ErrUnsupportedFormat means the URL was reached but its content could not
// be decoded into PCM.
var ErrUnsupportedFormat = errors.New("unsupported stream format")

// ErrDisconnected means the stream dropped mid-read. Unlike io.EOF it is
// retryable: the caller may reopen the URL and continue.
var ErrDisconnected = errors.New("stream disconnected")

// Stream is one open connection to an audio source. Read returns raw s16le
// PCM bytes. It returns io.EOF when the source ends cleanly (finite
// fixtures) and ErrDisconnected when the connection drops.
type Stream interface {
	Read(p []byte) (int, error)
	Close() error
}

// Opener opens a stream URL. Open errors wrap ErrUnreachable or
// ErrUnsupportedFormat.
type Opener interface {
	Open(ctx context.Context, url string) (Stream, error)
}
