package server

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"roundtrip/internal/domain"
	"roundtrip/internal/engine"
	"roundtrip/internal/protocol"
	"roundtrip/internal/store"
	"roundtrip/internal/wsconn"
)

// session serves one client connection: a reader feeding a bounded queue and
// an engine goroutine draining it.
type session struct {
	id         string
	remoteAddr string
	startedAt  time.Time
	engine     engine.Engine
	sources    map[string]bool
	conn       *wsconn.ServerConn
	queue      chan protocol.InputFrame
	logger     *slog.Logger

	received  atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64

	closeOnce sync.Once
}

func newSession(conn *wsconn.ServerConn, eng engine.Engine, sources []string, queueSize int, logger *slog.Logger) *session {
	set := make(map[string]bool, len(sources))
	for _, src := range sources {
		set[src] = true
	}
	id := uuid.NewString()

	return &session{
		id:         id,
		remoteAddr: conn.RemoteAddr(),
		startedAt:  time.Now(),
		engine:     eng,
		sources:    set,
		conn:       conn,
		queue:      make(chan protocol.InputFrame, queueSize),
		logger:     logger.With("session", id, "remote", conn.RemoteAddr()),
	}
}

// run blocks until the connection ends and returns the session summary.
func (s *session) run(ctx context.Context) store.SessionRecord {
	s.logger.Info("session started", "engine", s.engine.Name())

	var closeReason error
	if err := s.conn.WriteWelcome(protocol.Welcome{SourcesConsumed: s.sourceList()}); err != nil {
		closeReason = err
	} else {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.processLoop(ctx)
		}()

		closeReason = s.readLoop()
		close(s.queue)
		wg.Wait()
	}

	s.close()

	reason := "client closed"
	if domain.ReasonOf(closeReason, domain.ReasonReadError) != domain.ReasonServerClosed {
		reason = closeReason.Error()
	}
	s.logger.Info("session ended", "reason", reason, "received", s.received.Load(), "dropped", s.dropped.Load())

	info := s.info()
	return store.SessionRecord{
		SessionID:   s.id,
		RemoteAddr:  s.remoteAddr,
		Engine:      s.engine.Name(),
		Received:    info.Received,
		Processed:   info.Processed,
		Dropped:     info.Dropped,
		Rejected:    info.Rejected,
		CloseReason: reason,
		StartedAt:   s.startedAt,
		EndedAt:     time.Now(),
	}
}

func (s *session) readLoop() error {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			return err
		}
		s.received.Add(1)

		if !s.sources[frame.Source] {
			s.rejected.Add(1)
			if err := s.conn.WriteResult(protocol.NewResultWrapper(frame, domain.ResultStatusNoEngineForSource)); err != nil {
				return err
			}
			continue
		}

		select {
		case s.queue <- frame:
		default:
			s.dropped.Add(1)
			if err := s.conn.WriteResult(protocol.NewResultWrapper(frame, domain.ResultStatusServerDroppedFrame)); err != nil {
				return err
			}
		}
	}
}

func (s *session) processLoop(ctx context.Context) {
	for frame := range s.queue {
		res := s.handle(ctx, frame)
		s.processed.Add(1)
		if err := s.conn.WriteResult(res); err != nil {
			s.logger.Warn("write result failed", "frame_id", frame.FrameID, "error", err)
			s.close()
		}
	}
}

func (s *session) handle(ctx context.Context, frame protocol.InputFrame) (res protocol.ResultWrapper) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("engine panicked", "frame_id", frame.FrameID, "panic", r)
			res = protocol.NewResultWrapper(frame, domain.ResultStatusEngineError)
		}
	}()
	return s.engine.Handle(ctx, frame)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

func (s *session) sourceList() []string {
	out := make([]string, 0, len(s.sources))
	for src := range s.sources {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:         s.id,
		RemoteAddr: s.remoteAddr,
		Engine:     s.engine.Name(),
		StartedAt:  s.startedAt,
		Received:   s.received.Load(),
		Processed:  s.processed.Load(),
		Dropped:    s.dropped.Load(),
		Rejected:   s.rejected.Load(),
		QueueDepth: len(s.queue),
	}
}
