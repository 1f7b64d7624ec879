// Package protocol defines the messages exchanged between a frame client and
// an engine server. Every WebSocket binary message carries one msgpack
// encoded Message whose Payload decodes according to Type.
package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"roundtrip/internal/domain"
)

// MessageType names the payload carried by a Message.
type MessageType string

const (
	MessageTypeWelcome    MessageType = "welcome"
	MessageTypeInputFrame MessageType = "input_frame"
	MessageTypeResult     MessageType = "result"
)

// Message is the envelope written to the wire.
type Message struct {
	Type    MessageType        `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Welcome is the first message a server sends on a new connection.
type Welcome struct {
	SourcesConsumed []string `msgpack:"sources_consumed"`
}

// Consumes reports whether the server has an engine for source.
func (w Welcome) Consumes(source string) bool {
	for _, s := range w.SourcesConsumed {
		if s == source {
			return true
		}
	}
	return false
}

// InputFrame carries one materialized frame to the server.
type InputFrame struct {
	FrameID     uint64             `msgpack:"frame_id"`
	Source      string             `msgpack:"source"`
	PayloadType domain.PayloadType `msgpack:"payload_type"`
	Payloads    [][]byte           `msgpack:"payloads"`
	Extras      map[string]string  `msgpack:"extras,omitempty"`
}

// Result is one output of an engine.
type Result struct {
	PayloadType domain.PayloadType `msgpack:"payload_type"`
	Payload     []byte             `msgpack:"payload"`
}

// ResultWrapper answers exactly one InputFrame.
type ResultWrapper struct {
	FrameID uint64              `msgpack:"frame_id"`
	Source  string              `msgpack:"source"`
	Status  domain.ResultStatus `msgpack:"status"`
	Results []Result            `msgpack:"results,omitempty"`
}

// NewResultWrapper builds a wrapper answering frame with status and no results.
func NewResultWrapper(frame InputFrame, status domain.ResultStatus) ResultWrapper {
	return ResultWrapper{FrameID: frame.FrameID, Source: frame.Source, Status: status}
}

// Encode wraps v in a Message of the given type and serializes it.
func Encode(msgType MessageType, v any) ([]byte, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	data, err := msgpack.Marshal(Message{Type: msgType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msgType, err)
	}
	return data, nil
}

// Decode parses a Message envelope. Decoding failures are protocol errors.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return Message{}, domain.NewProtocolError("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, domain.NewProtocolError("message without type")
	}
	return msg, nil
}

// Unmarshal decodes the payload into v after checking the message type.
func (m Message) Unmarshal(want MessageType, v any) error {
	if m.Type != want {
		return domain.NewProtocolError("unexpected message type %q, want %q", m.Type, want)
	}
	if err := msgpack.Unmarshal(m.Payload, v); err != nil {
		return domain.NewProtocolError("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Envelope converts a wire result into the envelope delivered to consumers.
func (r ResultWrapper) Envelope() domain.ResultEnvelope {
	results := make([]domain.Result, 0, len(r.Results))
	for _, res := range r.Results {
		results = append(results, domain.Result{Type: res.PayloadType, Data: res.Payload})
	}
	return domain.ResultEnvelope{
		RequestID: r.FrameID,
		Tag:       r.Source,
		Status:    r.Status,
		Results:   results,
	}
}
