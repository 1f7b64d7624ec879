// Package sink holds the consumers of delivered results.
package sink

import (
	"context"
	"errors"
	"log/slog"

	"roundtrip/internal/domain"
)

// Sink consumes one delivered result.
type Sink interface {
	HandleResult(ctx context.Context, env domain.ResultEnvelope) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, env domain.ResultEnvelope) error

func (f Func) HandleResult(ctx context.Context, env domain.ResultEnvelope) error {
	return f(ctx, env)
}

// Multi fans a result out to every sink and joins their errors.
type Multi []Sink

func (m Multi) HandleResult(ctx context.Context, env domain.ResultEnvelope) error {
	var errs []error
	for _, s := range m {
		if err := s.HandleResult(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes a line per result.
type Log struct {
	Logger *slog.Logger
}

func (l Log) HandleResult(ctx context.Context, env domain.ResultEnvelope) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{
		"tag", env.Tag,
		"request_id", env.RequestID,
		"status", env.Status,
		"results", len(env.Results),
		"round_trip", env.RoundTrip(),
	}
	if len(env.Results) > 0 && env.Results[0].Type == domain.PayloadTypeText {
		attrs = append(attrs, "text", string(env.Results[0].Data))
	}

	if env.Status == domain.ResultStatusSuccess {
		logger.InfoContext(ctx, "result received", attrs...)
	} else {
		logger.WarnContext(ctx, "result received", attrs...)
	}
	return nil
}

// ResultSaver persists results.
type ResultSaver interface {
	SaveResult(ctx context.Context, env domain.ResultEnvelope) error
}

// Store records every result through a ResultSaver.
type Store struct {
	Saver ResultSaver
}

func (s Store) HandleResult(ctx context.Context, env domain.ResultEnvelope) error {
	return s.Saver.SaveResult(ctx, env)
}
