package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lmercier/radioscribe/internal/pcm"
	"github.com/lmercier/radioscribe/internal/record"
	"github.com/lmercier/radioscribe/internal/source"
	"github.com/lmercier/radioscribe/internal/stats"
	"github.com/lmercier/radioscribe/internal/store"
	"github.com/lmercier/radioscribe/internal/transcribe"
)

var testFormat = pcm.Format{SampleRate: 16000, Channels: 1}

// scriptedStream replays a fixed sequence of reads. Each event delivers
// data, an error, or both; after the script runs out it keeps returning
// the terminal error.
type streamEvent struct {
	data []byte
	err  error
}

type scriptedStream struct {
	mu        sync.Mutex
	events    []streamEvent
	pos       int
	closed    bool
	bytesRead *atomic.Int64
}

func (s *scriptedStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("%w: stream closed", source.ErrDisconnected)
	}
	if s.pos >= len(s.events) {
		return 0, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	n := copy(p, ev.data)
	if n < len(ev.data) {
		// Push the remainder back as the next event.
		rest := ev.data[n:]
		s.events = append(s.events[:s.pos], append([]streamEvent{{data: rest, err: ev.err}}, s.events[s.pos:]...)...)
		if s.bytesRead != nil {
			s.bytesRead.Add(int64(n))
		}
		return n, nil
	}
	if s.bytesRead != nil {
		s.bytesRead.Add(int64(n))
	}
	return n, ev.err
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// scriptedOpener hands out streams in order; once exhausted, Open fails.
type scriptedOpener struct {
	mu      sync.Mutex
	streams []*scriptedStream
	opens   int
	openErr error // returned before any stream is handed out
}

func (o *scriptedOpener) Open(ctx context.Context, url string) (source.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.openErr != nil {
		return nil, o.openErr
	}
	if len(o.streams) == 0 {
		return nil, fmt.Errorf("%w: no stream available", source.ErrUnreachable)
	}
	s := o.streams[0]
	o.streams = o.streams[1:]
	return s, nil
}

// stubTranscriber returns fixed text, optionally failing chosen blocks or
// sleeping to simulate a slow model.
type stubTranscriber struct {
	text    string
	failSeq map[int]bool
	delay   time.Duration
	calls   atomic.Int64
	onCall  func(call int)
	nextSeq atomic.Int64
}

func (t *stubTranscriber) Transcribe(ctx context.Context, pcmData []byte, hint string) (transcribe.Result, error) {
	call := int(t.calls.Add(1)) - 1
	if t.onCall != nil {
		t.onCall(call)
	}
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return transcribe.Result{}, fmt.Errorf("%w: %v", transcribe.ErrModelFailure, ctx.Err())
		}
	}
	seq := int(t.nextSeq.Add(1)) - 1
	if t.failSeq[seq] {
		return transcribe.Result{}, fmt.Errorf("%w: injected", transcribe.ErrModelFailure)
	}
	return transcribe.Result{Text: t.text, Language: hint}, nil
}

func seconds(d time.Duration) []byte {
	return make([]byte, testFormat.BytesForDuration(d))
}

func newTestSession(t *testing.T) *store.Session {
	t.Helper()
	s := store.New(t.TempDir(), t.TempDir())
	sess, err := s.CreateSession(store.Metadata{
		SessionID:      "session_test",
		StartTime:      time.Now().UTC().Format(time.RFC3339),
		StreamURL:      "http://radio.example/stream.mp3",
		BlockDurationS: 10,
		SampleRate:     testFormat.SampleRate,
		Channels:       testFormat.Channels,
		Language:       "fr",
		Model:          "base",
	})
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	return sess
}

func newTestPipeline(t *testing.T, cfg Config, opener source.Opener, trans transcribe.Transcriber) (*Pipeline, *store.Session) {
	t.Helper()
	sess := newTestSession(t)
	logger := log.New(io.Discard, "", 0)
	collector := stats.NewCollector()
	rec := record.New(sess, testFormat, collector, nil, logger)

	cfg.URL = "http://radio.example/stream.mp3"
	cfg.Format = testFormat
	if cfg.BlockDuration == 0 {
		cfg.BlockDuration = 10 * time.Second
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = ReconnectPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2.0}
	}
	return New(cfg, opener, trans, rec, collector, nil, logger), sess
}

func manifestOf(t *testing.T, sess *store.Session) []store.ManifestEntry {
	t.Helper()
	entries, err := sess.ReadManifest()
	if err != nil {
		t.Fatalf("ReadManifest() error: %v", err)
	}
	return entries
}

func TestEndToEndFiniteStream(t *testing.T) {
	// A 35-second fixture with 10-second blocks: 4 blocks of 10, 10, 10, 5
	// seconds, all ok (the stream ends cleanly, not via disconnect).
	opener := &scriptedOpener{streams: []*scriptedStream{{
		events: []streamEvent{
			{data: seconds(12 * time.Second)},
			{data: seconds(9 * time.Second)},
			{data: seconds(14 * time.Second), err: io.EOF},
		},
	}}}
	trans := &stubTranscriber{text: "texte fixe"}

	p, sess := newTestPipeline(t, Config{}, opener, trans)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if p.State() != StateStopped {
		t.Errorf("state = %s, want stopped", p.State())
	}

	entries := manifestOf(t, sess)
	if len(entries) != 4 {
		t.Fatalf("got %d manifest entries, want 4", len(entries))
	}
	wantDur := []int64{10000, 10000, 10000, 5000}
	for i, e := range entries {
		if e.Seq != i {
			t.Errorf("entry %d seq = %d", i, e.Seq)
		}
		if e.Status != "ok" {
			t.Errorf("entry %d status = %q, want ok", i, e.Status)
		}
		if e.DurationMs != wantDur[i] {
			t.Errorf("entry %d duration = %dms, want %dms", i, e.DurationMs, wantDur[i])
		}
	}

	// Session metadata is finalized with the block count.
	meta := readBackMeta(t, sess)
	if meta.TotalBlocks != 4 {
		t.Errorf("finalized total blocks = %d, want 4", meta.TotalBlocks)
	}
	if meta.EndTime == "" {
		t.Error("finalized end time missing")
	}
}

func readBackMeta(t *testing.T, sess *store.Session) store.Metadata {
	t.Helper()
	s := store.New(filepath.Dir(sess.Dir()), t.TempDir())
	reopened, err := s.OpenSession(sess.Metadata().SessionID)
	if err != nil {
		t.Fatalf("reopen session: %v", err)
	}
	return reopened.Metadata()
}

func TestFailureIsolation(t *testing.T) {
	// Injecting a model failure on block 3 of a 10-block run: 10 manifest
	// entries, block 3 failed with empty transcript, the rest untouched.
	opener := &scriptedOpener{streams: []*scriptedStream{{
		events: []streamEvent{
			{data: seconds(100 * time.Second), err: io.EOF},
		},
	}}}
	trans := &stubTranscriber{text: "texte fixe", failSeq: map[int]bool{3: true}}

	p, sess := newTestPipeline(t, Config{}, opener, trans)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	entries := manifestOf(t, sess)
	if len(entries) != 10 {
		t.Fatalf("got %d manifest entries, want 10", len(entries))
	}
	for i, e := range entries {
		if e.Seq != i {
			t.Errorf("entry %d seq = %d", i, e.Seq)
		}
		want := "ok"
		if i == 3 {
			want = "failed"
		}
		if e.Status != want {
			t.Errorf("entry %d status = %q, want %q", i, e.Status, want)
		}
	}
}

func TestReconnectionContinuity(t *testing.T) {
	// Disconnect after 44 seconds (4 complete blocks + 4s partial), then a
	// reconnected stream with 20 more seconds: block 4 is partial, block 5
	// begins immediately after, no sequence gap.
	opener := &scriptedOpener{streams: []*scriptedStream{
		{events: []streamEvent{
			{data: seconds(44 * time.Second), err: fmt.Errorf("%w: timeout", source.ErrDisconnected)},
		}},
		{events: []streamEvent{
			{data: seconds(20 * time.Second), err: io.EOF},
		}},
	}}
	trans := &stubTranscriber{text: "texte fixe"}

	p, sess := newTestPipeline(t, Config{}, opener, trans)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	entries := manifestOf(t, sess)
	if len(entries) != 7 {
		t.Fatalf("got %d manifest entries, want 7", len(entries))
	}
	for i, e := range entries {
		if e.Seq != i {
			t.Errorf("entry %d seq = %d (gap after disconnect)", i, e.Seq)
		}
	}
	if entries[4].Status != "partial" || entries[4].DurationMs != 4000 {
		t.Errorf("block 4 = %+v, want partial 4000ms", entries[4])
	}
	if entries[5].Status != "ok" || entries[5].StartMs != 44000 {
		t.Errorf("block 5 = %+v, want ok starting at 44000ms", entries[5])
	}
}

func TestFirstConnectFailsFast(t *testing.T) {
	opener := &scriptedOpener{openErr: fmt.Errorf("%w: connection refused", source.ErrUnreachable)}
	trans := &stubTranscriber{text: "x"}

	p, sess := newTestPipeline(t, Config{}, opener, trans)
	err := p.Run(context.Background())
	if err == nil {
		t.Fatal("Run() should fail when the first connect fails")
	}
	if !errors.Is(err, source.ErrUnreachable) {
		t.Errorf("error = %v, want ErrUnreachable", err)
	}
	if p.State() != StateFaulted {
		t.Errorf("state = %s, want faulted", p.State())
	}
	if opener.opens != 1 {
		t.Errorf("open attempts = %d, want 1 (fail fast by default)", opener.opens)
	}
	if entries := manifestOf(t, sess); len(entries) != 0 {
		t.Errorf("manifest should be empty, got %d entries", len(entries))
	}
}

func TestFirstConnectRetriesWhenConfigured(t *testing.T) {
	opener := &scriptedOpener{openErr: fmt.Errorf("%w: connection refused", source.ErrUnreachable)}
	trans := &stubTranscriber{text: "x"}

	p, _ := newTestPipeline(t, Config{
		ConnectAttempts: 3,
		Reconnect:       ReconnectPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2.0},
	}, opener, trans)
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("Run() should fail after exhausting connect attempts")
	}
	if opener.opens != 3 {
		t.Errorf("open attempts = %d, want 3", opener.opens)
	}
}

func TestReconnectExhaustionFaults(t *testing.T) {
	// One good stream worth 25 seconds, then a disconnect with no stream to
	// reconnect to. Already-committed blocks stay in the manifest.
	opener := &scriptedOpener{streams: []*scriptedStream{{
		events: []streamEvent{
			{data: seconds(25 * time.Second), err: fmt.Errorf("%w: reset", source.ErrDisconnected)},
		},
	}}}
	trans := &stubTranscriber{text: "texte fixe"}

	p, sess := newTestPipeline(t, Config{}, opener, trans)
	err := p.Run(context.Background())
	if err == nil {
		t.Fatal("Run() should fault when reconnects are exhausted")
	}
	if p.State() != StateFaulted {
		t.Errorf("state = %s, want faulted", p.State())
	}

	entries := manifestOf(t, sess)
	// 2 complete blocks plus the 5s partial flushed at disconnect.
	if len(entries) != 3 {
		t.Fatalf("got %d manifest entries, want 3", len(entries))
	}
	if entries[2].Status != "partial" || entries[2].DurationMs != 5000 {
		t.Errorf("flushed block = %+v, want partial 5000ms", entries[2])
	}
}

func TestBackpressureBound(t *testing.T) {
	// A transcriber much slower than block production must throttle the
	// producer: blocks in flight never exceed queue + the two stage slots.
	const queueSize = 2
	blockBytes := int64(testFormat.BytesForDuration(time.Second))

	var bytesRead atomic.Int64
	opener := &scriptedOpener{streams: []*scriptedStream{{
		bytesRead: &bytesRead,
		events: []streamEvent{
			{data: seconds(30 * time.Second), err: io.EOF},
		},
	}}}

	var maxInFlight atomic.Int64
	var completed atomic.Int64
	trans := &stubTranscriber{text: "x", delay: 5 * time.Millisecond}
	trans.onCall = func(call int) {
		produced := bytesRead.Load() / blockBytes
		inFlight := produced - completed.Load()
		for {
			cur := maxInFlight.Load()
			if inFlight <= cur || maxInFlight.CompareAndSwap(cur, inFlight) {
				break
			}
		}
		completed.Add(1)
	}

	p, sess := newTestPipeline(t, Config{
		BlockDuration: time.Second,
		QueueSize:     queueSize,
	}, opener, trans)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	entries := manifestOf(t, sess)
	if len(entries) != 30 {
		t.Fatalf("got %d manifest entries, want 30", len(entries))
	}
	// queue + one block in the transcriber + one block held by the producer.
	if got := maxInFlight.Load(); got > queueSize+2 {
		t.Errorf("max undrained blocks = %d, exceeds bound %d", got, queueSize+2)
	}
}

func TestGracefulStopDrains(t *testing.T) {
	// An endless stream: request a stop mid-run and verify the pipeline
	// drains queued blocks and exits cleanly with a contiguous manifest.
	events := make([]streamEvent, 0, 1000)
	for i := 0; i < 1000; i++ {
		events = append(events, streamEvent{data: seconds(250 * time.Millisecond)})
	}
	stream := &scriptedStream{events: events}
	opener := &scriptedOpener{streams: []*scriptedStream{stream}}
	trans := &stubTranscriber{text: "x", delay: time.Millisecond}

	p, sess := newTestPipeline(t, Config{BlockDuration: time.Second, QueueSize: 2}, opener, trans)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	// Let a few blocks through, then stop.
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not drain within 5s")
	}

	if p.State() != StateStopped {
		t.Errorf("state = %s, want stopped", p.State())
	}

	entries := manifestOf(t, sess)
	if len(entries) == 0 {
		t.Fatal("no blocks recorded before stop")
	}
	for i, e := range entries {
		if e.Seq != i {
			t.Errorf("entry %d seq = %d", i, e.Seq)
		}
	}
}
