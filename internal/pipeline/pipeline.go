// Package pipeline wires stream reading, segmentation, transcription and
// recording into one supervised capture run. Stages are connected by
// bounded channels: when transcription falls behind the stream, the
// producer blocks on the full queue instead of buffering, which is the
// single mechanism bounding the process's memory.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lmercier/radioscribe/internal/eventlog"
	"github.com/lmercier/radioscribe/internal/pcm"
	"github.com/lmercier/radioscribe/internal/record"
	"github.com/lmercier/radioscribe/internal/segment"
	"github.com/lmercier/radioscribe/internal/source"
	"github.com/lmercier/radioscribe/internal/stats"
	"github.com/lmercier/radioscribe/internal/transcribe"
)

// State is the orchestrator's lifecycle state.
type State string

const (
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateReconnecting State = "reconnecting"
	StateDraining     State = "draining"
	StateStopped      State = "stopped"
	StateFaulted      State = "faulted"
)

// ReconnectPolicy bounds the retry loop after a mid-session disconnect.
type ReconnectPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
}

// DefaultReconnectPolicy retries for roughly five minutes before faulting.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:  10,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
	}
}

// Config holds the per-session pipeline settings.
type Config struct {
	URL               string
	Format            pcm.Format
	BlockDuration     time.Duration
	Language          string
	QueueSize         int // bounded transcription queue, the backpressure point
	ConnectAttempts   int // attempts for the very first open; default 1 (fail fast)
	Reconnect         ReconnectPolicy
	TranscribeTimeout time.Duration // per block; exceeded = model failure
	ReadChunkBytes    int
}

func (c *Config) applyDefaults() {
	if c.QueueSize < 1 {
		c.QueueSize = 4
	}
	if c.ConnectAttempts < 1 {
		c.ConnectAttempts = 1
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect = DefaultReconnectPolicy()
	}
	if c.TranscribeTimeout <= 0 {
		c.TranscribeTimeout = 2 * time.Minute
	}
	if c.ReadChunkBytes <= 0 {
		c.ReadChunkBytes = 4096
	}
}

// Pipeline is one capture run. Create with New, drive with Run, request a
// graceful drain with Stop.
type Pipeline struct {
	cfg       Config
	opener    source.Opener
	trans     transcribe.Transcriber
	rec       *record.Recorder
	collector *stats.Collector
	events    *eventlog.Logger
	logger    *log.Logger

	mu       sync.Mutex
	state    State
	fatalErr error

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a pipeline. collector and events may be nil.
func New(cfg Config, opener source.Opener, trans transcribe.Transcriber, rec *record.Recorder,
	collector *stats.Collector, events *eventlog.Logger, logger *log.Logger) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		cfg:       cfg,
		opener:    opener,
		trans:     trans,
		rec:       rec,
		collector: collector,
		events:    events,
		logger:    logger,
		state:     StateStarting,
		stopCh:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stop requests a graceful drain: no new blocks are segmented, queued
// blocks finish transcription and recording. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	prev := p.state
	p.state = s
	p.mu.Unlock()
	if prev == s {
		return
	}
	if p.collector != nil {
		p.collector.SetState(string(s))
	}
	p.events.LogAsync(eventlog.EventStateChanged, map[string]any{
		"from": string(prev), "to": string(s),
	})
	p.logger.Printf("pipeline: %s -> %s", prev, s)
}

func (p *Pipeline) setFault(err error) {
	p.mu.Lock()
	if p.fatalErr == nil {
		p.fatalErr = err
	}
	p.mu.Unlock()
	sentry.CaptureException(err)
	p.events.LogAsync(eventlog.EventFaulted, map[string]any{"error": err.Error()})
}

// queued pairs a block with its transcription outcome on the way to the
// recording stage.
type queued struct {
	block segment.Block
	res   transcribe.Result
	err   error
}

// Run executes the pipeline until the stream ends, Stop is called, the
// context is canceled, or a fatal error occurs. Blocks already committed
// to the manifest remain valid in every case.
func (p *Pipeline) Run(ctx context.Context) error {
	p.setState(StateStarting)

	stream, err := p.openFirst(ctx)
	if err != nil {
		p.setFault(fmt.Errorf("open stream: %w", err))
		p.setState(StateFaulted)
		return p.fatalErr
	}
	p.events.LogAsync(eventlog.EventStreamOpened, map[string]any{"url": p.cfg.URL})
	p.setState(StateRunning)

	// internal cancellation lets a fatal recording error stop the producer.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	blockCh := make(chan segment.Block, p.cfg.QueueSize)
	recordCh := make(chan queued, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.transcribeStage(runCtx, blockCh, recordCh)
	}()
	go func() {
		defer wg.Done()
		p.recordStage(recordCh, cancelRun)
	}()

	p.produce(runCtx, stream, blockCh)
	close(blockCh)
	wg.Wait()

	if err := p.rec.Finalize(time.Now()); err != nil {
		p.logger.Printf("pipeline: finalize session: %v", err)
	}

	p.mu.Lock()
	fatal := p.fatalErr
	p.mu.Unlock()
	if fatal != nil {
		p.setState(StateFaulted)
		return fatal
	}
	p.events.LogAsync(eventlog.EventSessionEnded, map[string]any{"blocks": p.rec.Recorded()})
	p.setState(StateStopped)
	return nil
}

// openFirst opens the stream for the first time. The number of attempts is
// configurable; the default of one fails fast into Faulted, since before
// the first successful connection there is nothing to lose by stopping.
func (p *Pipeline) openFirst(ctx context.Context) (source.Stream, error) {
	delay := p.cfg.Reconnect.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= p.cfg.ConnectAttempts; attempt++ {
		stream, err := p.opener.Open(ctx, p.cfg.URL)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if errors.Is(err, source.ErrUnsupportedFormat) {
			return nil, err // retrying an undecodable stream cannot help
		}
		if attempt == p.cfg.ConnectAttempts {
			break
		}
		p.logger.Printf("pipeline: connect attempt %d/%d failed: %v",
			attempt, p.cfg.ConnectAttempts, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.stopCh:
			return nil, lastErr
		case <-time.After(delay):
		}
		delay = nextDelay(delay, p.cfg.Reconnect)
	}
	return nil, lastErr
}

// produce is the read+segment stage. It runs in Run's goroutine, feeding
// the bounded block queue and handling disconnect/reconnect inline so the
// downstream stages never notice a stream outage.
func (p *Pipeline) produce(ctx context.Context, stream source.Stream, blockCh chan<- segment.Block) {
	seg := segment.New(p.cfg.Format, p.cfg.BlockDuration)
	buf := make([]byte, p.cfg.ReadChunkBytes)

	// Unblock a pending Read when the run is canceled or stopped.
	watchDone := p.watchStream(ctx, stream)
	defer func() {
		stream.Close()
		close(watchDone)
	}()

	for {
		select {
		case <-p.stopCh:
			p.drainFlush(ctx, seg, blockCh)
			return
		case <-ctx.Done():
			return
		default:
		}

		n, err := stream.Read(buf)
		if n > 0 {
			if p.collector != nil {
				p.collector.AddBytesRead(n)
			}
			for _, b := range seg.Push(buf[:n]) {
				if !p.send(ctx, blockCh, b) {
					return
				}
			}
		}
		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			// Clean end of a finite stream: the short remainder keeps ok status.
			if b, ok := seg.Flush(segment.StatusOK); ok {
				p.send(ctx, blockCh, b)
			}
			return
		}

		// Anything else is treated as a disconnect, including read errors
		// the source did not classify.
		if !errors.Is(err, source.ErrDisconnected) {
			p.logger.Printf("pipeline: stream read: %v", err)
		}
		select {
		case <-p.stopCh:
			// The watcher closed the stream on an operator stop; this is
			// the drain path, not an outage.
			p.drainFlush(ctx, seg, blockCh)
			return
		case <-ctx.Done():
			return
		default:
		}

		p.events.LogAsync(eventlog.EventStreamDisconnected, map[string]any{"error": err.Error()})
		if b, ok := seg.Flush(segment.StatusPartial); ok {
			if !p.send(ctx, blockCh, b) {
				return
			}
		}

		stream.Close()
		close(watchDone)

		next, rerr := p.reconnect(ctx)
		if rerr != nil {
			watchDone = make(chan struct{}) // keep the deferred close valid
			if errors.Is(rerr, errStopped) {
				p.setState(StateDraining)
				p.events.LogAsync(eventlog.EventDrainStarted, nil)
				return
			}
			if ctx.Err() != nil {
				return
			}
			p.setFault(fmt.Errorf("reconnect: %w", rerr))
			return
		}
		stream = next
		watchDone = p.watchStream(ctx, stream)
		p.setState(StateRunning)
	}
}

// errStopped marks a reconnect abandoned by an operator stop.
var errStopped = errors.New("stopped while reconnecting")

// watchStream closes the stream when the run is canceled or stopped so a
// blocked Read returns. The returned channel must be closed when the
// stream is retired.
func (p *Pipeline) watchStream(ctx context.Context, stream source.Stream) chan struct{} {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-p.stopCh:
			stream.Close()
		case <-done:
		}
	}()
	return done
}

// drainFlush handles the operator-stop path: flush the partial remainder
// and enter Draining while queued blocks finish.
func (p *Pipeline) drainFlush(ctx context.Context, seg *segment.Segmenter, blockCh chan<- segment.Block) {
	p.setState(StateDraining)
	p.events.LogAsync(eventlog.EventDrainStarted, nil)
	if b, ok := seg.Flush(segment.StatusPartial); ok {
		p.send(ctx, blockCh, b)
	}
}

// send pushes a block into the bounded queue, blocking while the queue is
// full (backpressure). Returns false when the run was canceled.
func (p *Pipeline) send(ctx context.Context, blockCh chan<- segment.Block, b segment.Block) bool {
	select {
	case blockCh <- b:
		if p.collector != nil {
			p.collector.SetQueue(len(blockCh), cap(blockCh))
		}
		return true
	case <-ctx.Done():
		return false
	}
}

// reconnect retries opening the stream with bounded exponential backoff.
func (p *Pipeline) reconnect(ctx context.Context) (source.Stream, error) {
	p.setState(StateReconnecting)
	policy := p.cfg.Reconnect
	delay := policy.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.stopCh:
			return nil, errStopped
		case <-time.After(delay):
		}
		delay = nextDelay(delay, policy)

		p.events.LogAsync(eventlog.EventReconnectAttempt, map[string]any{"attempt": attempt})
		stream, err := p.opener.Open(ctx, p.cfg.URL)
		if err == nil {
			p.logger.Printf("pipeline: reconnected after %d attempt(s)", attempt)
			if p.collector != nil {
				p.collector.Reconnected()
			}
			p.events.LogAsync(eventlog.EventReconnected, map[string]any{"attempt": attempt})
			return stream, nil
		}
		lastErr = err
		p.logger.Printf("pipeline: reconnect attempt %d/%d failed: %v", attempt, policy.MaxAttempts, err)
	}
	return nil, fmt.Errorf("exhausted %d reconnect attempts: %w", policy.MaxAttempts, lastErr)
}

func nextDelay(delay time.Duration, policy ReconnectPolicy) time.Duration {
	next := time.Duration(float64(delay) * policy.Factor)
	if next > policy.MaxDelay {
		next = policy.MaxDelay
	}
	return next
}

// transcribeStage consumes the bounded queue one block at a time. A failed
// or timed-out transcription degrades the block, never the session.
func (p *Pipeline) transcribeStage(ctx context.Context, blockCh <-chan segment.Block, recordCh chan<- queued) {
	defer close(recordCh)

	for b := range blockCh {
		if p.collector != nil {
			p.collector.SetQueue(len(blockCh), p.cfg.QueueSize)
		}

		tctx, cancel := context.WithTimeout(ctx, p.cfg.TranscribeTimeout)
		res, err := p.trans.Transcribe(tctx, b.PCM, p.cfg.Language)
		cancel()

		if err != nil {
			p.logger.Printf("pipeline: transcription of block %d failed: %v", b.Seq, err)
			if res.Language == "" {
				res.Language = p.cfg.Language
			}
		}

		select {
		case recordCh <- queued{block: b, res: res, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

// recordStage is the single consumer that persists blocks. Manifest order
// equals sequence order because nothing reorders between the stages. An
// I/O error here is fatal: it cancels the run, and the remaining queued
// blocks are discarded (their audio cannot be persisted anyway).
func (p *Pipeline) recordStage(recordCh <-chan queued, cancelRun context.CancelFunc) {
	var failed bool
	for q := range recordCh {
		if failed {
			continue // drain without writing
		}

		if err := p.rec.Record(q.block, q.res, q.err); err != nil {
			p.logger.Printf("pipeline: recording block %d: %v", q.block.Seq, err)
			p.setFault(fmt.Errorf("record block %d: %w", q.block.Seq, err))
			cancelRun()
			failed = true
		}
	}
}
