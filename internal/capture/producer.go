package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync/atomic"
	"time"

	"roundtrip/internal/domain"
)

// Submitter accepts deferred frames.
type Submitter interface {
	Submit(ctx context.Context, tag string, factory domain.PayloadFactory, mode domain.Mode) error
}

// ProducerStats counts producer activity.
type ProducerStats struct {
	Captured      uint64
	Submitted     uint64
	CaptureErrors uint64
	Timeouts      uint64
}

// Producer grabs frames at a fixed rate and submits them. JPEG encoding is
// deferred to the factory, so frames that get superseded are never encoded.
type Producer struct {
	Source    Source
	Submitter Submitter
	Tag       string
	Mode      domain.Mode
	FPS       int
	Quality   int
	Logger    *slog.Logger

	captured      atomic.Uint64
	submitted     atomic.Uint64
	captureErrors atomic.Uint64
	timeouts      atomic.Uint64
}

// Run produces frames until ctx ends or the submitter closes. Both end the
// run without error.
func (p *Producer) Run(ctx context.Context) error {
	if p.Source == nil || p.Submitter == nil {
		return fmt.Errorf("producer needs a source and a submitter")
	}
	if p.FPS <= 0 {
		return fmt.Errorf("fps must be > 0, got %d", p.FPS)
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "producer", "tag", p.Tag)

	ticker := time.NewTicker(time.Second / time.Duration(p.FPS))
	defer ticker.Stop()

	logger.Info("producer started", "fps", p.FPS, "mode", p.Mode)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		img, err := p.Source.Next()
		if err != nil {
			p.captureErrors.Add(1)
			logger.Warn("capture failed", "error", err)
			continue
		}
		p.captured.Add(1)

		err = p.Submitter.Submit(ctx, p.Tag, EncodeJPEG(img, p.Quality), p.Mode)
		switch {
		case err == nil:
			p.submitted.Add(1)
		case errors.Is(err, domain.ErrPipelineClosed):
			logger.Info("pipeline closed, producer stopping")
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, domain.ErrCapacityTimeout):
			p.timeouts.Add(1)
			logger.Warn("frame not accepted in time", "error", err)
		default:
			return fmt.Errorf("submit frame: %w", err)
		}
	}
}

// Stats returns a snapshot of producer counters.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		Captured:      p.captured.Load(),
		Submitted:     p.submitted.Load(),
		CaptureErrors: p.captureErrors.Load(),
		Timeouts:      p.timeouts.Load(),
	}
}

// EncodeJPEG returns a factory that encodes img when invoked.
func EncodeJPEG(img image.Image, quality int) domain.PayloadFactory {
	return func() (domain.Payload, error) {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return domain.Payload{}, err
		}
		return domain.Payload{Type: domain.PayloadTypeImage, Data: buf.Bytes()}, nil
	}
}
