package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roundtrip/internal/channel"
	"roundtrip/internal/domain"
	"roundtrip/internal/protocol"
)

// fakeConn answers every frame with an echo after rtt.
type fakeConn struct {
	rtt     time.Duration
	failOn  uint64
	replies chan protocol.ResultWrapper
	failure chan error
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	frames []protocol.InputFrame
}

var _ channel.Conn = (*fakeConn)(nil)

func newFakeConn(rtt time.Duration) *fakeConn {
	return &fakeConn{
		rtt:     rtt,
		replies: make(chan protocol.ResultWrapper, 64),
		failure: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) WriteFrame(frame protocol.InputFrame) error {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()

	if f.failOn != 0 && frame.FrameID == f.failOn {
		f.failure <- &domain.TransportError{Reason: domain.ReasonReadError, Err: errors.New("connection reset")}
		return nil
	}

	go func() {
		select {
		case <-time.After(f.rtt):
		case <-f.closed:
			return
		}
		res := protocol.NewResultWrapper(frame, domain.ResultStatusSuccess)
		res.Results = []protocol.Result{{PayloadType: frame.PayloadType, Payload: frame.Payloads[0]}}
		f.replies <- res
	}()
	return nil
}

func (f *fakeConn) ReadResult() (protocol.ResultWrapper, error) {
	select {
	case res := <-f.replies:
		return res, nil
	case err := <-f.failure:
		return protocol.ResultWrapper{}, err
	case <-f.closed:
		return protocol.ResultWrapper{}, errors.New("use of closed connection")
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) sentPayloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, fr := range f.frames {
		out = append(out, string(fr.Payloads[0]))
	}
	return out
}

// fakeDialer hands out conn once release is closed, or immediately when
// release is nil.
type fakeDialer struct {
	conn    channel.Conn
	release chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (channel.Conn, error) {
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.conn, nil
}

type fakeSink struct {
	mu      sync.Mutex
	results []domain.ResultEnvelope
}

func (s *fakeSink) HandleResult(_ context.Context, env domain.ResultEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, env)
	return nil
}

func (s *fakeSink) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.results))
	for _, env := range s.results {
		out = append(out, string(env.Results[0].Data))
	}
	return out
}

type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) record(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorLog) matching(target error) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, err := range l.errs {
		if errors.Is(err, target) {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func frame(calls *atomic.Int32, data string) domain.PayloadFactory {
	return func() (domain.Payload, error) {
		calls.Add(1)
		return domain.Payload{Type: domain.PayloadTypeImage, Data: []byte(data)}, nil
	}
}

func startPipeline(t *testing.T, cfg Config, deps Dependencies) *Pipeline {
	t.Helper()
	if cfg.Endpoint == "" {
		cfg.Endpoint = "ws://test"
	}
	p, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestNewValidatesDependencies(t *testing.T) {
	if _, err := New(Config{Endpoint: "ws://test"}, Dependencies{Sink: &fakeSink{}}); err == nil {
		t.Fatalf("expected error without dialer")
	}
	if _, err := New(Config{Endpoint: "ws://test"}, Dependencies{Dialer: &fakeDialer{}}); err == nil {
		t.Fatalf("expected error without sink")
	}
	if _, err := New(Config{}, Dependencies{Dialer: &fakeDialer{}, Sink: &fakeSink{}}); err == nil {
		t.Fatalf("expected error without endpoint")
	}
}

func TestSupersededFrameIsNeverMaterialized(t *testing.T) {
	conn := newFakeConn(0)
	release := make(chan struct{})
	sink := &fakeSink{}
	p := startPipeline(t, Config{}, Dependencies{Dialer: &fakeDialer{conn: conn, release: release}, Sink: sink})

	var f1, f2 atomic.Int32
	ctx := context.Background()
	if err := p.Submit(ctx, "cam", frame(&f1, "f1"), domain.ModeDroppable); err != nil {
		t.Fatalf("submit f1: %v", err)
	}
	if err := p.Submit(ctx, "cam", frame(&f2, "f2"), domain.ModeDroppable); err != nil {
		t.Fatalf("submit f2: %v", err)
	}
	close(release)

	waitFor(t, "one result", func() bool { return len(sink.payloads()) == 1 })
	time.Sleep(30 * time.Millisecond)

	if f1.Load() != 0 {
		t.Fatalf("f1 invoked %d times", f1.Load())
	}
	if f2.Load() != 1 {
		t.Fatalf("f2 invoked %d times", f2.Load())
	}
	if got := sink.payloads(); len(got) != 1 || got[0] != "f2" {
		t.Fatalf("unexpected results %v", got)
	}
}

func TestFastSubmissionSendsOnlyLatestPerRoundTrip(t *testing.T) {
	conn := newFakeConn(200 * time.Millisecond)
	sink := &fakeSink{}
	p := startPipeline(t, Config{}, Dependencies{Dialer: &fakeDialer{conn: conn}, Sink: sink})

	var calls atomic.Int32
	ctx := context.Background()
	if err := p.Submit(ctx, "cam", frame(&calls, "first"), domain.ModeDroppable); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "first send", func() bool { return len(conn.sentPayloads()) == 1 })

	// 100 submissions land while the first frame is in flight.
	for i := 0; i < 100; i++ {
		if err := p.Submit(ctx, "cam", frame(&calls, fmt.Sprintf("f%d", i)), domain.ModeDroppable); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	waitFor(t, "two results", func() bool { return len(sink.payloads()) == 2 })

	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 factory invocations, got %d", got)
	}
	sent := conn.sentPayloads()
	if len(sent) != 2 || sent[1] != "f99" {
		t.Fatalf("expected latest frame to be sent, got %v", sent)
	}

	st := p.Stats()
	if st.Worker.Materialized != st.Worker.Sent {
		t.Fatalf("materialized %d != sent %d", st.Worker.Materialized, st.Worker.Sent)
	}
	if st.Slot.Tags["cam"].Replaced != 99 {
		t.Fatalf("expected 99 replacements, got %d", st.Slot.Tags["cam"].Replaced)
	}
}

func TestBlockingSubmissionsAreNeverDropped(t *testing.T) {
	conn := newFakeConn(5 * time.Millisecond)
	sink := &fakeSink{}
	p := startPipeline(t,
		Config{TagModes: map[string]domain.Mode{"must": domain.ModeBlocking}},
		Dependencies{Dialer: &fakeDialer{conn: conn}, Sink: sink},
	)

	var calls atomic.Int32
	const n = 10
	for i := 0; i < n; i++ {
		if err := p.SubmitTag(context.Background(), "must", frame(&calls, fmt.Sprintf("b%d", i))); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	waitFor(t, "all results", func() bool { return len(sink.payloads()) == n })
	got := sink.payloads()
	for i := 0; i < n; i++ {
		if got[i] != fmt.Sprintf("b%d", i) {
			t.Fatalf("unexpected order %v", got)
		}
	}
	if calls.Load() != n {
		t.Fatalf("expected %d invocations, got %d", n, calls.Load())
	}
}

func TestFactoryErrorIsSkipped(t *testing.T) {
	conn := newFakeConn(0)
	sink := &fakeSink{}
	errs := &errorLog{}
	p := startPipeline(t, Config{}, Dependencies{Dialer: &fakeDialer{conn: conn}, Sink: sink, OnError: errs.record})

	ctx := context.Background()
	failing := func() (domain.Payload, error) { return domain.Payload{}, errors.New("camera busy") }
	panicking := func() (domain.Payload, error) { panic("bad frame") }

	if err := p.Submit(ctx, "cam", failing, domain.ModeDroppable); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "encode failure", func() bool { return errs.matching(domain.ErrEncodeFailure) == 1 })

	if err := p.Submit(ctx, "cam", panicking, domain.ModeDroppable); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "panic recovered", func() bool { return errs.matching(domain.ErrEncodeFailure) == 2 })

	var calls atomic.Int32
	if err := p.Submit(ctx, "cam", frame(&calls, "ok"), domain.ModeDroppable); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "result after failures", func() bool { return len(sink.payloads()) == 1 })

	if st := p.Stats(); st.Worker.EncodeFailures != 2 || st.Worker.Sent != 1 {
		t.Fatalf("unexpected worker stats %+v", st.Worker)
	}
}

func TestDisconnectMidFlight(t *testing.T) {
	conn := newFakeConn(0)
	conn.failOn = 2
	sink := &fakeSink{}
	errs := &errorLog{}
	var disconnects atomic.Int32
	p := startPipeline(t, Config{}, Dependencies{
		Dialer:       &fakeDialer{conn: conn},
		Sink:         sink,
		OnError:      errs.record,
		OnDisconnect: func(domain.Disconnect) { disconnects.Add(1) },
	})

	var calls atomic.Int32
	ctx := context.Background()
	_ = p.Submit(ctx, "cam", frame(&calls, "f1"), domain.ModeDroppable)
	waitFor(t, "first result", func() bool { return len(sink.payloads()) == 1 })
	_ = p.Submit(ctx, "cam", frame(&calls, "f2"), domain.ModeDroppable)

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline not done after disconnect")
	}

	if disconnects.Load() != 1 {
		t.Fatalf("expected one disconnect, got %d", disconnects.Load())
	}
	if errs.matching(domain.ErrRequestLost) != 1 {
		t.Fatalf("expected lost request to be reported")
	}
	if domain.ReasonOf(p.Err(), "") != domain.ReasonReadError {
		t.Fatalf("unexpected err %v", p.Err())
	}
	if err := p.Submit(ctx, "cam", frame(&calls, "f3"), domain.ModeDroppable); !errors.Is(err, domain.ErrPipelineClosed) {
		t.Fatalf("expected ErrPipelineClosed, got %v", err)
	}

	p.Close()
	if disconnects.Load() != 1 {
		t.Fatalf("disconnect fired again on close")
	}
	if len(sink.payloads()) != 1 {
		t.Fatalf("result delivered after disconnect")
	}
}

func TestCloseFromDisconnectCallback(t *testing.T) {
	conn := newFakeConn(0)
	conn.failOn = 1
	closed := make(chan error, 1)

	var p *Pipeline
	p = startPipeline(t, Config{}, Dependencies{
		Dialer: &fakeDialer{conn: conn},
		Sink:   &fakeSink{},
		OnDisconnect: func(domain.Disconnect) {
			closed <- p.Close()
		},
	})

	var calls atomic.Int32
	if err := p.Submit(context.Background(), "cam", frame(&calls, "f1"), domain.ModeDroppable); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Close called from OnDisconnect did not return")
	}
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatalf("pipeline not done after close")
	}
}

func TestConcurrentCloseWithDisconnectCallback(t *testing.T) {
	release := make(chan struct{})
	inCallback := make(chan struct{})
	returned := make(chan struct{})

	var p *Pipeline
	p = startPipeline(t, Config{}, Dependencies{
		Dialer: &fakeDialer{conn: newFakeConn(0)},
		Sink:   &fakeSink{},
		OnDisconnect: func(domain.Disconnect) {
			close(inCallback)
			<-release
			p.Close()
			close(returned)
		},
	})
	waitFor(t, "open channel", func() bool { return p.Stats().Channel.State == domain.StateOpen })

	closeDone := make(chan struct{})
	go func() {
		p.Close()
		close(closeDone)
	}()

	<-inCallback
	close(release)

	for name, ch := range map[string]chan struct{}{"callback": returned, "close": closeDone} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s did not return", name)
		}
	}
}

func TestCloseDiscardsPendingFrames(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	var reasons []domain.DisconnectReason
	var mu sync.Mutex
	p := startPipeline(t, Config{}, Dependencies{
		Dialer: &fakeDialer{conn: newFakeConn(0), release: release},
		Sink:   &fakeSink{},
		OnDisconnect: func(d domain.Disconnect) {
			mu.Lock()
			reasons = append(reasons, d.Reason)
			mu.Unlock()
		},
	})

	var calls atomic.Int32
	if err := p.Submit(context.Background(), "cam", frame(&calls, "f1"), domain.ModeDroppable); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if calls.Load() != 0 {
		t.Fatalf("pending factory invoked on close")
	}
	if err := p.Submit(context.Background(), "cam", frame(&calls, "f2"), domain.ModeDroppable); !errors.Is(err, domain.ErrPipelineClosed) {
		t.Fatalf("expected ErrPipelineClosed, got %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatalf("done not closed after close")
	}
	if p.Err() != nil {
		t.Fatalf("local close should leave no error, got %v", p.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != domain.ReasonClosed {
		t.Fatalf("unexpected disconnects %v", reasons)
	}
}
