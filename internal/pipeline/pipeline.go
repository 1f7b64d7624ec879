// Package pipeline ties the pending-frame slot to a channel: producers submit
// deferred frames and a single worker materializes and sends the latest one
// whenever the channel can take it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"roundtrip/internal/channel"
	"roundtrip/internal/domain"
	"roundtrip/internal/slot"
)

// ResultSink consumes delivered results. It is called from the channel's
// delivery goroutine, one result at a time.
type ResultSink interface {
	HandleResult(ctx context.Context, env domain.ResultEnvelope) error
}

// Config holds the pipeline settings.
type Config struct {
	Endpoint string
	// TagModes maps tags to their submission mode. Unmapped tags are droppable.
	TagModes            map[string]domain.Mode
	CapacityWaitTimeout time.Duration
	HandshakeTimeout    time.Duration
}

// Dependencies groups the collaborators of a pipeline.
type Dependencies struct {
	Dialer       channel.Dialer
	Sink         ResultSink
	Logger       *slog.Logger
	OnError      func(error)
	OnDisconnect func(domain.Disconnect)
	Clock        func() time.Time
}

// WorkerStats counts what the submission worker did.
type WorkerStats struct {
	Materialized   uint64
	EncodeFailures uint64
	Sent           uint64
	SendRejected   uint64
}

// Stats is a snapshot of the whole pipeline.
type Stats struct {
	Slot    slot.Stats
	Worker  WorkerStats
	Channel channel.Stats
}

// Pipeline owns one channel, its pending slot and the worker between them.
type Pipeline struct {
	cfg          Config
	dialer       channel.Dialer
	sink         ResultSink
	logger       *slog.Logger
	onError      func(error)
	onDisconnect func(domain.Disconnect)
	now          func() time.Time

	slot *slot.Slot

	mu      sync.Mutex
	ch      *channel.Channel
	started bool
	err     error

	ctx    context.Context
	cancel context.CancelFunc

	closing      chan struct{}
	closeOnce    sync.Once
	inDisconnect atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
	wg        sync.WaitGroup

	materialized   atomic.Uint64
	encodeFailures atomic.Uint64
	sent           atomic.Uint64
	sendRejected   atomic.Uint64
}

// New constructs a Pipeline with the supplied configuration and dependencies.
func New(cfg Config, deps Dependencies) (*Pipeline, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint must not be empty")
	}
	if deps.Dialer == nil {
		return nil, fmt.Errorf("dialer dependency is required")
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("sink dependency is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onError := deps.OnError
	if onError == nil {
		onError = func(error) {}
	}
	onDisconnect := deps.OnDisconnect
	if onDisconnect == nil {
		onDisconnect = func(domain.Disconnect) {}
	}
	nowFn := deps.Clock
	if nowFn == nil {
		nowFn = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pipeline{
		cfg:          cfg,
		dialer:       deps.Dialer,
		sink:         deps.Sink,
		logger:       logger.With("component", "pipeline"),
		onError:      onError,
		onDisconnect: onDisconnect,
		now:          nowFn,
		slot:         slot.New(cfg.CapacityWaitTimeout),
		ctx:          ctx,
		cancel:       cancel,
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// Start connects the channel and starts the submission worker. It returns
// before the connection is established; frames submitted meanwhile wait in
// the slot.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.closing:
		return domain.ErrPipelineClosed
	default:
	}
	if p.started {
		return fmt.Errorf("pipeline already started")
	}
	p.started = true

	p.ch = channel.Connect(ctx, p.cfg.Endpoint, p.dialer, p.handleResult, p.handleDisconnect, channel.Options{
		HandshakeTimeout: p.cfg.HandshakeTimeout,
		Logger:           p.logger,
		Now:              p.now,
	})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(p.ch)
	}()

	p.logger.Info("pipeline started", "endpoint", p.cfg.Endpoint)
	return nil
}

// Submit queues a deferred frame for tag. The factory runs later, and only if
// this frame is the one that gets sent.
func (p *Pipeline) Submit(ctx context.Context, tag string, factory domain.PayloadFactory, mode domain.Mode) error {
	if factory == nil {
		return fmt.Errorf("factory must not be nil")
	}
	select {
	case <-p.closing:
		return domain.ErrPipelineClosed
	default:
	}

	err := p.slot.Submit(ctx, domain.FrameRequest{Tag: tag, Factory: factory, Mode: mode})
	if errors.Is(err, domain.ErrSlotClosed) {
		return domain.ErrPipelineClosed
	}
	return err
}

// SubmitTag submits with the mode configured for tag.
func (p *Pipeline) SubmitTag(ctx context.Context, tag string, factory domain.PayloadFactory) error {
	return p.Submit(ctx, tag, factory, p.ModeFor(tag))
}

// ModeFor returns the configured mode of tag.
func (p *Pipeline) ModeFor(tag string) domain.Mode {
	if mode, ok := p.cfg.TagModes[tag]; ok {
		return mode
	}
	return domain.ModeDroppable
}

// Close stops the pipeline. Pending frames are discarded without running
// their factories and no result is delivered after Close returns. Close must
// not be called from a sink; calling it from OnDisconnect is allowed.
func (p *Pipeline) Close() error {
	if p.inDisconnect.Load() {
		select {
		case <-p.closing:
			// The close in progress is waiting for this callback to return.
			return nil
		default:
		}
	}

	p.closeOnce.Do(func() {
		close(p.closing)
		if n := p.slot.Close(); n > 0 {
			p.logger.Info("discarded pending frames", "count", n)
		}

		p.mu.Lock()
		ch := p.ch
		p.mu.Unlock()

		if ch != nil {
			_ = ch.Close()
		}
		p.wg.Wait()
		p.cancel()
		p.finish()
	})
	return nil
}

// Done is closed once the channel disconnected or the pipeline was closed.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err returns why the channel went down, or nil after a local close.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stats returns a snapshot of the slot, worker and channel counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()

	chStats := channel.Stats{Endpoint: p.cfg.Endpoint, State: domain.StateConnecting}
	if ch != nil {
		chStats = ch.Stats()
	}

	return Stats{
		Slot: p.slot.Stats(),
		Worker: WorkerStats{
			Materialized:   p.materialized.Load(),
			EncodeFailures: p.encodeFailures.Load(),
			Sent:           p.sent.Load(),
			SendRejected:   p.sendRejected.Load(),
		},
		Channel: chStats,
	}
}

// run is the submission worker. It waits for the channel to have capacity
// and the slot to have a frame, then materializes and sends it.
func (p *Pipeline) run(ch *channel.Channel) {
	for {
		select {
		case <-p.closing:
			return
		case <-ch.Done():
			return
		default:
		}

		if !ch.HasCapacity() {
			select {
			case <-ch.Capacity():
			case <-ch.Done():
				return
			case <-p.closing:
				return
			}
			continue
		}

		req, ok := p.slot.Take()
		if !ok {
			select {
			case <-p.slot.Ready():
			case <-ch.Done():
				return
			case <-p.closing:
				return
			}
			continue
		}

		p.send(ch, req)
	}
}

func (p *Pipeline) send(ch *channel.Channel, req domain.FrameRequest) {
	payload, err := materialize(req)
	if err != nil {
		p.encodeFailures.Add(1)
		encErr := &domain.EncodeError{Tag: req.Tag, Err: err}
		p.logger.Warn("skipping frame", "tag", req.Tag, "error", err)
		p.onError(encErr)
		return
	}
	p.materialized.Add(1)

	if !ch.TrySend(req.Tag, payload) {
		p.sendRejected.Add(1)
		p.onError(fmt.Errorf("send frame for %q: %w", req.Tag, domain.ErrSendRejected))
		return
	}
	p.sent.Add(1)
}

func materialize(req domain.FrameRequest) (payload domain.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("payload factory panicked: %v", r)
		}
	}()
	return req.Factory()
}

func (p *Pipeline) handleResult(env domain.ResultEnvelope) {
	if env.Status != domain.ResultStatusSuccess {
		p.logger.Warn("engine reported failure", "tag", env.Tag, "request_id", env.RequestID, "status", env.Status)
	}
	if err := p.sink.HandleResult(p.ctx, env); err != nil {
		p.logger.Warn("result sink failed", "tag", env.Tag, "request_id", env.RequestID, "error", err)
		p.onError(fmt.Errorf("handle result %d: %w", env.RequestID, err))
	}
}

func (p *Pipeline) handleDisconnect(d domain.Disconnect) {
	for _, ref := range d.Lost {
		p.onError(&domain.LostRequestError{Request: ref, Reason: d.Reason})
	}

	if d.Reason != domain.ReasonClosed {
		p.mu.Lock()
		p.err = &domain.TransportError{Reason: d.Reason, Err: d.Err}
		p.mu.Unlock()
		p.slot.Close()
	}

	p.inDisconnect.Store(true)
	p.onDisconnect(d)
	p.finish()
}

func (p *Pipeline) finish() {
	p.doneOnce.Do(func() {
		close(p.done)
	})
}
