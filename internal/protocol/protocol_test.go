package protocol

import (
	"errors"
	"testing"

	"roundtrip/internal/domain"
)

func TestEncodeDecodeInputFrame(t *testing.T) {
	frame := InputFrame{
		FrameID:     42,
		Source:      "roundtrip",
		PayloadType: domain.PayloadTypeImage,
		Payloads:    [][]byte{[]byte("jpeg")},
	}

	data, err := Encode(MessageTypeInputFrame, frame)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	var got InputFrame
	if err := msg.Unmarshal(MessageTypeInputFrame, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.FrameID != 42 || got.Source != "roundtrip" || string(got.Payloads[0]) != "jpeg" {
		t.Fatalf("unexpected frame %+v", got)
	}
}

func TestUnmarshalRejectsWrongType(t *testing.T) {
	data, err := Encode(MessageTypeWelcome, Welcome{SourcesConsumed: []string{"roundtrip"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	var result ResultWrapper
	err = msg.Unmarshal(MessageTypeResult, &result)
	var te *domain.TransportError
	if !errors.As(err, &te) || te.Reason != domain.ReasonProtocolError {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestDecodeGarbageIsProtocolError(t *testing.T) {
	_, err := Decode([]byte{0xc1, 0x00, 0xff})
	if domain.ReasonOf(err, domain.ReasonReadError) != domain.ReasonProtocolError {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestResultWrapperEnvelope(t *testing.T) {
	wrapper := ResultWrapper{
		FrameID: 3,
		Source:  "roundtrip",
		Status:  domain.ResultStatusSuccess,
		Results: []Result{{PayloadType: domain.PayloadTypeText, Payload: []byte("hi")}},
	}
	env := wrapper.Envelope()
	if env.RequestID != 3 || env.Tag != "roundtrip" || env.Status != domain.ResultStatusSuccess {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if len(env.Results) != 1 || string(env.Results[0].Data) != "hi" {
		t.Fatalf("unexpected results %+v", env.Results)
	}
}

func TestWelcomeConsumes(t *testing.T) {
	w := Welcome{SourcesConsumed: []string{"roundtrip", "describe"}}
	if !w.Consumes("describe") || w.Consumes("audio") {
		t.Fatalf("unexpected Consumes result")
	}
}
