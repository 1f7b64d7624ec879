// Package channel manages one connection to an engine server and allows at
// most one request in flight on it.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"roundtrip/internal/domain"
	"roundtrip/internal/protocol"
)

// Conn is an established, handshaken connection to a server.
type Conn interface {
	WriteFrame(frame protocol.InputFrame) error
	ReadResult() (protocol.ResultWrapper, error)
	Close() error
}

// Dialer opens connections. Dial returns once the server greeted the client.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Options tune a Channel. Zero values select defaults.
type Options struct {
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

const defaultHandshakeTimeout = 10 * time.Second

// Stats is a snapshot of channel counters.
type Stats struct {
	Endpoint  string
	State     domain.ConnectionState
	InFlight  bool
	Sent      uint64
	Delivered uint64
	Lost      uint64
}

type event struct {
	result     *domain.ResultEnvelope
	disconnect *domain.Disconnect
}

// Channel is a single connection with its reader, writer and delivery
// goroutines. Results are handed to onResult in receipt order, and
// onDisconnect runs exactly once, after the last result.
type Channel struct {
	endpoint     string
	dialer       Dialer
	onResult     func(domain.ResultEnvelope)
	onDisconnect func(domain.Disconnect)
	opts         Options
	logger       *slog.Logger

	state atomic.Int32

	mu       sync.Mutex
	conn     Conn
	inFlight *domain.RequestRef
	nextID   uint64
	cancel   context.CancelFunc

	outbox   chan protocol.InputFrame
	capacity chan struct{}
	done     chan struct{}
	failOnce sync.Once

	qmu    sync.Mutex
	queue  []event
	sealed bool
	notify chan struct{}

	wg        sync.WaitGroup
	delivered chan struct{}
	// inDisconnect is set while onDisconnect runs on the delivery goroutine.
	inDisconnect atomic.Bool

	sent           atomic.Uint64
	deliveredCount atomic.Uint64
	lost           atomic.Uint64
}

// Connect starts connecting to endpoint and returns immediately in the
// Connecting state. Callbacks run on the channel's delivery goroutine;
// onResult must not call Close.
func Connect(
	ctx context.Context,
	endpoint string,
	dialer Dialer,
	onResult func(domain.ResultEnvelope),
	onDisconnect func(domain.Disconnect),
	opts Options,
) *Channel {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if onResult == nil {
		onResult = func(domain.ResultEnvelope) {}
	}
	if onDisconnect == nil {
		onDisconnect = func(domain.Disconnect) {}
	}

	c := &Channel{
		endpoint:     endpoint,
		dialer:       dialer,
		onResult:     onResult,
		onDisconnect: onDisconnect,
		opts:         opts,
		logger:       logger.With("subcomponent", "channel", "endpoint", endpoint),
		outbox:       make(chan protocol.InputFrame, 1),
		capacity:     make(chan struct{}, 1),
		done:         make(chan struct{}),
		notify:       make(chan struct{}, 1),
		delivered:    make(chan struct{}),
	}
	c.state.Store(int32(domain.StateConnecting))

	dialCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	c.cancel = cancel

	go c.deliverLoop()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dial(dialCtx)
	}()

	return c
}

func (c *Channel) dial(ctx context.Context) {
	defer c.cancel()

	if c.dialer == nil {
		c.fail(domain.ReasonConnectionRefused, errors.New("dialer is required"))
		return
	}

	conn, err := c.dialer.Dial(ctx, c.endpoint)
	if err != nil {
		reason := domain.ReasonConnectionRefused
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = domain.ReasonHandshakeTimeout
		}
		c.fail(domain.ReasonOf(err, reason), fmt.Errorf("dial %s: %w", c.endpoint, err))
		return
	}

	c.mu.Lock()
	if c.State() == domain.StateDisconnected {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state.Store(int32(domain.StateOpen))
	c.mu.Unlock()

	c.logger.Info("channel open")
	c.signalCapacity()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop(conn)
	}()
	go func() {
		defer c.wg.Done()
		c.writeLoop(conn)
	}()
}

// TrySend transmits payload for tag if the channel is open and idle. It never
// blocks; false means the frame was not sent.
func (c *Channel) TrySend(tag string, payload domain.Payload) bool {
	c.mu.Lock()
	if c.State() != domain.StateOpen || c.inFlight != nil {
		c.mu.Unlock()
		return false
	}
	c.nextID++
	ref := domain.RequestRef{RequestID: c.nextID, Tag: tag, SentAt: c.opts.Now()}
	c.inFlight = &ref
	c.mu.Unlock()

	frame := protocol.InputFrame{
		FrameID:     ref.RequestID,
		Source:      tag,
		PayloadType: payload.Type,
		Payloads:    [][]byte{payload.Data},
	}

	select {
	case c.outbox <- frame:
		return true
	default:
		c.mu.Lock()
		if c.inFlight != nil && c.inFlight.RequestID == ref.RequestID {
			c.inFlight = nil
		}
		c.mu.Unlock()
		return false
	}
}

// HasCapacity reports whether TrySend would currently accept a frame.
func (c *Channel) HasCapacity() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State() == domain.StateOpen && c.inFlight == nil
}

// Capacity is signalled when the channel may have become able to send.
func (c *Channel) Capacity() <-chan struct{} {
	return c.capacity
}

// Done is closed once the channel is disconnected.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// State returns the current connection state.
func (c *Channel) State() domain.ConnectionState {
	return domain.ConnectionState(c.state.Load())
}

// Stats returns a snapshot of channel counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	inFlight := c.inFlight != nil
	c.mu.Unlock()

	return Stats{
		Endpoint:  c.endpoint,
		State:     c.State(),
		InFlight:  inFlight,
		Sent:      c.sent.Load(),
		Delivered: c.deliveredCount.Load(),
		Lost:      c.lost.Load(),
	}
}

// Close disconnects with reason "closed" and waits for the channel's
// goroutines. Results not yet delivered are discarded; no callback runs after
// Close returns. Close is idempotent and may be called from onDisconnect,
// which is always the last callback.
func (c *Channel) Close() error {
	c.fail(domain.ReasonClosed, nil)
	c.wg.Wait()
	if !c.inDisconnect.Load() {
		<-c.delivered
	}
	return nil
}

func (c *Channel) readLoop(conn Conn) {
	for {
		res, err := conn.ReadResult()
		if err != nil {
			c.fail(domain.ReasonOf(err, domain.ReasonReadError), err)
			return
		}

		c.mu.Lock()
		if c.inFlight == nil || c.inFlight.RequestID != res.FrameID {
			c.mu.Unlock()
			c.fail(domain.ReasonProtocolError, domain.NewProtocolError("unexpected result for frame %d", res.FrameID))
			return
		}
		ref := *c.inFlight
		c.inFlight = nil
		c.mu.Unlock()

		env := res.Envelope()
		env.Tag = ref.Tag
		env.SentAt = ref.SentAt
		env.ReceivedAt = c.opts.Now()
		c.enqueue(event{result: &env})
		c.signalCapacity()
	}
}

func (c *Channel) writeLoop(conn Conn) {
	for {
		select {
		case frame := <-c.outbox:
			if err := conn.WriteFrame(frame); err != nil {
				c.fail(domain.ReasonOf(err, domain.ReasonWriteError), err)
				return
			}
			c.sent.Add(1)
		case <-c.done:
			return
		}
	}
}

// fail moves the channel to its terminal state. Only the first call has any
// effect.
func (c *Channel) fail(reason domain.DisconnectReason, err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.state.Store(int32(domain.StateDisconnected))
		var lost []domain.RequestRef
		if c.inFlight != nil {
			lost = append(lost, *c.inFlight)
			c.inFlight = nil
		}
		conn := c.conn
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		close(c.done)
		if conn != nil {
			_ = conn.Close()
		}
		c.lost.Add(uint64(len(lost)))

		if reason == domain.ReasonClosed {
			c.logger.Info("channel closed", "lost", len(lost))
		} else {
			c.logger.Warn("channel disconnected", "reason", reason, "error", err, "lost", len(lost))
		}

		c.seal(reason == domain.ReasonClosed, event{disconnect: &domain.Disconnect{Reason: reason, Err: err, Lost: lost}})
		c.signalCapacity()
	})
}

func (c *Channel) enqueue(ev event) {
	c.qmu.Lock()
	if c.sealed {
		c.qmu.Unlock()
		return
	}
	c.queue = append(c.queue, ev)
	c.qmu.Unlock()
	c.wake()
}

// seal appends the terminal event; nothing is queued after it. With discard
// set, undelivered results are dropped first.
func (c *Channel) seal(discard bool, ev event) {
	c.qmu.Lock()
	if discard {
		c.queue = c.queue[:0]
	}
	c.queue = append(c.queue, ev)
	c.sealed = true
	c.qmu.Unlock()
	c.wake()
}

func (c *Channel) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Channel) deliverLoop() {
	defer close(c.delivered)

	for {
		c.qmu.Lock()
		if len(c.queue) == 0 {
			c.qmu.Unlock()
			<-c.notify
			continue
		}
		ev := c.queue[0]
		c.queue = c.queue[1:]
		c.qmu.Unlock()

		if ev.disconnect != nil {
			c.inDisconnect.Store(true)
			c.call(func() { c.onDisconnect(*ev.disconnect) })
			return
		}
		c.deliveredCount.Add(1)
		c.call(func() { c.onResult(*ev.result) })
	}
}

func (c *Channel) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("channel callback panicked", "panic", r)
		}
	}()
	fn()
}

func (c *Channel) signalCapacity() {
	select {
	case c.capacity <- struct{}{}:
	default:
	}
}
