// Package slot holds frames that were submitted but not yet sent.
//
// Each tag owns at most one pending request. A newer droppable submission
// replaces the pending one without ever running the replaced factory, so
// frames superseded while the channel is busy cost nothing to encode. A
// pending blocking submission is never replaced: droppable frames arriving
// behind it are rejected and blocking ones wait for the slot to free.
package slot

import (
	"context"
	"sync"
	"time"

	"roundtrip/internal/domain"
)

// TagStats counts what happened to submissions for one tag.
type TagStats struct {
	Tag       string
	Submitted uint64
	Replaced  uint64
	Rejected  uint64
	Taken     uint64
	Discarded uint64
	Pending   bool
}

// Stats is a snapshot of the slot.
type Stats struct {
	Tags   map[string]TagStats
	Closed bool
}

// Slot is a per-tag mailbox of deferred frame requests. It is safe for
// concurrent use by any number of submitters and one consumer.
type Slot struct {
	mu      sync.Mutex
	pending map[string]domain.FrameRequest
	order   []string
	stats   map[string]*TagStats
	closed  bool

	// ready has capacity one and is signalled whenever a request is stored.
	ready chan struct{}
	// freed is closed and replaced whenever a pending request leaves the
	// slot, waking blocked submitters so they can re-check their tag.
	freed chan struct{}

	waitTimeout time.Duration
}

// New creates a Slot. waitTimeout bounds how long a blocking submission waits
// for its tag to free up; zero waits until the context ends.
func New(waitTimeout time.Duration) *Slot {
	return &Slot{
		pending:     make(map[string]domain.FrameRequest),
		stats:       make(map[string]*TagStats),
		ready:       make(chan struct{}, 1),
		freed:       make(chan struct{}),
		waitTimeout: waitTimeout,
	}
}

// Submit stores req as the pending request for its tag. The factory is never
// invoked here.
func (s *Slot) Submit(ctx context.Context, req domain.FrameRequest) error {
	var deadline <-chan time.Time
	if req.Mode == domain.ModeBlocking && s.waitTimeout > 0 {
		timer := time.NewTimer(s.waitTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	s.mu.Lock()
	st := s.tagStats(req.Tag)
	st.Submitted++

	for {
		if s.closed {
			s.mu.Unlock()
			return domain.ErrSlotClosed
		}

		current, exists := s.pending[req.Tag]
		if !exists {
			s.store(req)
			s.mu.Unlock()
			return nil
		}

		if req.Mode != domain.ModeBlocking {
			if current.Mode == domain.ModeBlocking {
				st.Rejected++
			} else {
				s.pending[req.Tag] = req
				st.Replaced++
			}
			s.mu.Unlock()
			return nil
		}

		freed := s.freed
		s.mu.Unlock()

		select {
		case <-freed:
		case <-deadline:
			return domain.ErrCapacityTimeout
		case <-ctx.Done():
			return ctx.Err()
		}

		s.mu.Lock()
	}
}

// Take removes and returns the pending request of the tag that has waited
// longest. It reports false when nothing is pending.
func (s *Slot) Take() (domain.FrameRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.order) > 0 {
		tag := s.order[0]
		s.order = s.order[1:]

		req, ok := s.pending[tag]
		if !ok {
			continue
		}
		delete(s.pending, tag)
		s.tagStats(tag).Taken++
		s.signalFreed()
		return req, true
	}
	return domain.FrameRequest{}, false
}

// Ready is signalled after a request is stored. A receive does not guarantee
// that Take will succeed; callers loop.
func (s *Slot) Ready() <-chan struct{} {
	return s.ready
}

// Len reports the number of tags with a pending request.
func (s *Slot) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close discards every pending request without invoking its factory and
// wakes blocked submitters. It returns the number of discarded requests.
// Closing twice is a no-op.
func (s *Slot) Close() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	s.closed = true

	discarded := len(s.pending)
	for tag := range s.pending {
		s.tagStats(tag).Discarded++
	}
	s.pending = make(map[string]domain.FrameRequest)
	s.order = nil
	s.signalFreed()

	return discarded
}

// Stats returns a snapshot of per-tag counters.
func (s *Slot) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags := make(map[string]TagStats, len(s.stats))
	for tag, st := range s.stats {
		snapshot := *st
		_, snapshot.Pending = s.pending[tag]
		tags[tag] = snapshot
	}
	return Stats{Tags: tags, Closed: s.closed}
}

func (s *Slot) store(req domain.FrameRequest) {
	s.pending[req.Tag] = req
	s.order = append(s.order, req.Tag)

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// signalFreed must be called with mu held.
func (s *Slot) signalFreed() {
	close(s.freed)
	s.freed = make(chan struct{})
}

func (s *Slot) tagStats(tag string) *TagStats {
	st, ok := s.stats[tag]
	if !ok {
		st = &TagStats{Tag: tag}
		s.stats[tag] = st
	}
	return st
}
