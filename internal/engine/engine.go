// Package engine contains the frame processors a server can host.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"roundtrip/internal/domain"
	"roundtrip/internal/protocol"
)

// Engine processes one input frame and produces its answer.
type Engine interface {
	Name() string
	Handle(ctx context.Context, frame protocol.InputFrame) protocol.ResultWrapper
}

// RoundTrip echoes image frames back to the client unchanged.
type RoundTrip struct{}

var _ Engine = RoundTrip{}

func (RoundTrip) Name() string { return "roundtrip" }

func (RoundTrip) Handle(_ context.Context, frame protocol.InputFrame) protocol.ResultWrapper {
	if frame.PayloadType != domain.PayloadTypeImage || len(frame.Payloads) == 0 {
		return protocol.NewResultWrapper(frame, domain.ResultStatusWrongInputFormat)
	}

	res := protocol.NewResultWrapper(frame, domain.ResultStatusSuccess)
	res.Results = []protocol.Result{{
		PayloadType: domain.PayloadTypeImage,
		Payload:     frame.Payloads[0],
	}}
	return res
}

// Describe answers each image frame with a text result naming its size and
// format, such as "640x480 jpeg".
type Describe struct{}

var _ Engine = Describe{}

func (Describe) Name() string { return "describe" }

func (Describe) Handle(_ context.Context, frame protocol.InputFrame) protocol.ResultWrapper {
	if frame.PayloadType != domain.PayloadTypeImage || len(frame.Payloads) == 0 {
		return protocol.NewResultWrapper(frame, domain.ResultStatusWrongInputFormat)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(frame.Payloads[0]))
	if err != nil {
		return protocol.NewResultWrapper(frame, domain.ResultStatusEngineError)
	}

	res := protocol.NewResultWrapper(frame, domain.ResultStatusSuccess)
	res.Results = []protocol.Result{{
		PayloadType: domain.PayloadTypeText,
		Payload:     []byte(fmt.Sprintf("%dx%d %s", cfg.Width, cfg.Height, format)),
	}}
	return res
}

// New returns the engine registered under name.
func New(name string) (Engine, error) {
	switch name {
	case "", "roundtrip":
		return RoundTrip{}, nil
	case "describe":
		return Describe{}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", name)
	}
}
