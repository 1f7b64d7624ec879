package domain

import (
	"fmt"
	"time"
)

// Mode selects what happens when a submission finds an unsent request for
// the same tag already pending.
type Mode string

const (
	// ModeDroppable submissions may be superseded by newer ones.
	ModeDroppable Mode = "droppable"
	// ModeBlocking submissions are never overwritten; the submitter waits.
	ModeBlocking Mode = "blocking"
)

// ParseMode converts a configuration value into a Mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeDroppable, "":
		return ModeDroppable, nil
	case ModeBlocking:
		return ModeBlocking, nil
	default:
		return "", fmt.Errorf("unknown submission mode %q", raw)
	}
}

// PayloadType tags the content carried by a payload or result.
type PayloadType string

const (
	PayloadTypeImage PayloadType = "image"
	PayloadTypeText  PayloadType = "text"
	PayloadTypeAudio PayloadType = "audio"
	PayloadTypeVideo PayloadType = "video"
	PayloadTypeOther PayloadType = "other"
)

// Payload is a materialized frame ready for transmission. It must not be
// modified once produced.
type Payload struct {
	Type PayloadType
	Data []byte
}

// PayloadFactory produces the payload of a frame. It is called at most once,
// and only when the frame is about to be sent.
type PayloadFactory func() (Payload, error)

// FrameRequest is a not-yet-materialized frame waiting in the pending slot.
type FrameRequest struct {
	Tag     string
	Factory PayloadFactory
	Mode    Mode
}

// ResultStatus reports how the remote engine handled a frame.
type ResultStatus string

const (
	ResultStatusSuccess            ResultStatus = "success"
	ResultStatusWrongInputFormat   ResultStatus = "wrong_input_format"
	ResultStatusNoEngineForSource  ResultStatus = "no_engine_for_source"
	ResultStatusEngineError        ResultStatus = "engine_error"
	ResultStatusServerDroppedFrame ResultStatus = "server_dropped_frame"
	ResultStatusUnspecifiedError   ResultStatus = "unspecified_error"
)

// Result is a single output produced by the remote engine.
type Result struct {
	Type PayloadType
	Data []byte
}

// ResultEnvelope correlates the results of one sent request.
type ResultEnvelope struct {
	RequestID  uint64
	Tag        string
	Status     ResultStatus
	Results    []Result
	SentAt     time.Time
	ReceivedAt time.Time
}

// RoundTrip is the time between sending the request and receiving its result.
func (e ResultEnvelope) RoundTrip() time.Duration {
	if e.SentAt.IsZero() || e.ReceivedAt.IsZero() {
		return 0
	}
	return e.ReceivedAt.Sub(e.SentAt)
}

// RequestRef identifies a request that was sent.
type RequestRef struct {
	RequestID uint64
	Tag       string
	SentAt    time.Time
}

// ConnectionState is the lifecycle state of a channel. Transitions only move
// forward: Connecting, Open, Disconnected.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DisconnectReason classifies why a channel became terminal.
type DisconnectReason string

const (
	ReasonConnectionRefused DisconnectReason = "connection_refused"
	ReasonHandshakeTimeout  DisconnectReason = "handshake_timeout"
	ReasonReadError         DisconnectReason = "read_error"
	ReasonWriteError        DisconnectReason = "write_error"
	ReasonProtocolError     DisconnectReason = "protocol_error"
	ReasonServerClosed      DisconnectReason = "server_closed"
	ReasonClosed            DisconnectReason = "closed"
)

// Disconnect describes the terminal event of a channel. Lost lists requests
// that were in flight when the channel went down.
type Disconnect struct {
	Reason DisconnectReason
	Err    error
	Lost   []RequestRef
}

func (d Disconnect) String() string {
	if d.Err == nil {
		return string(d.Reason)
	}
	return fmt.Sprintf("%s: %v", d.Reason, d.Err)
}
