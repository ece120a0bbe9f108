package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lmercier/radioscribe/internal/pcm"
)

// startupProbe is how long a freshly started decoder gets to prove it did
// not die on its arguments before we hand the stream to the caller.
const startupProbe = 250 * time.Millisecond

// FFmpeg opens network audio streams by spawning an ffmpeg subprocess that
// decodes whatever the URL serves (HTTP/MP3, RTSP, HLS) into s16le PCM on
// its stdout.
type FFmpeg struct {
	command string
	format  pcm.Format
}

// NewFFmpeg creates an opener using the given ffmpeg binary ("ffmpeg" when
// empty) and output PCM format.
func NewFFmpeg(command string, format pcm.Format) *FFmpeg {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFmpeg{command: command, format: format}
}

// Open starts the decoder for url and waits out the startup probe. Errors
// wrap ErrUnreachable or ErrUnsupportedFormat depending on what the decoder
// reported before dying.
func (f *FFmpeg) Open(ctx context.Context, url string) (Stream, error) {
	cmd := exec.CommandContext(ctx, f.command, ffmpegArgs(url, f.format)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrUnreachable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrUnreachable, f.command, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		return nil, classifyOpenFailure(err, stderr.String())
	case <-time.After(startupProbe):
	}

	return &ffmpegStream{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

// ffmpegArgs builds the decoder invocation: any input the tool understands
// in, fixed-format raw PCM out on stdout.
func ffmpegArgs(url string, format pcm.Format) []string {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
	}
	if strings.HasPrefix(url, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args,
		"-i", url,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"-f", "s16le",
		"pipe:1",
	)
	return args
}

// classifyOpenFailure maps an early decoder exit to one of the open error
// kinds using the stderr text.
func classifyOpenFailure(waitErr error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	lower := strings.ToLower(stderr)
	if strings.Contains(lower, "invalid data found") ||
		strings.Contains(lower, "could not find codec") ||
		strings.Contains(lower, "unknown format") {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, stderr)
	}
	if stderr != "" {
		return fmt.Errorf("%w: %s", ErrUnreachable, stderr)
	}
	if waitErr != nil {
		return fmt.Errorf("%w: decoder exited: %v", ErrUnreachable, waitErr)
	}
	return fmt.Errorf("%w: decoder exited before producing audio", ErrUnreachable)
}

type ffmpegStream struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	closeOnce sync.Once
	closeErr  error
}

// Read returns decoded PCM bytes. A clean decoder exit (finite input fully
// consumed) surfaces as io.EOF; any other exit surfaces as ErrDisconnected
// carrying the decoder's stderr.
func (s *ffmpegStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, io.EOF) {
		if exitErr := s.exitError(); exitErr != nil {
			return n, fmt.Errorf("%w: %v", ErrDisconnected, exitErr)
		}
		return n, io.EOF
	}
	return n, fmt.Errorf("%w: %v", ErrDisconnected, err)
}

// exitError waits briefly for the decoder to finish and reports a non-zero
// exit, including its stderr when present.
func (s *ffmpegStream) exitError() error {
	var err error
	select {
	case err = <-s.waitErr:
	case <-time.After(2 * time.Second):
		return errors.New("decoder hung after closing stdout")
	}
	if err == nil {
		return nil
	}
	if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
		return fmt.Errorf("%v: %s", err, msg)
	}
	return err
}

// Close interrupts the decoder, escalating to a kill if it does not exit
// promptly.
func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case <-s.waitErr:
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			<-s.waitErr
		}

		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
