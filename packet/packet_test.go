package packet

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTripAllKinds(t *testing.T) {
	at := time.Unix(1700000000, 250_000_000)
	events := []InputEvent{
		Button(KindButtonA, EdgeDown, at),
		Button(KindButtonB, EdgeUp, at),
		Button(KindButtonX, EdgeDown, at),
		Button(KindButtonY, EdgeUp, at),
		Button(KindDPadUp, EdgeDown, at),
		Button(KindDPadDown, EdgeUp, at),
		Button(KindDPadLeft, EdgeDown, at),
		Button(KindDPadRight, EdgeUp, at),
		Joystick(KindJoystickLeft, -1, 1, at),
		Joystick(KindJoystickRight, 0.25, -0.75, at),
		Joystick(KindJoystickRight, 0, 0, at),
	}

	for _, ev := range events {
		encoded, err := Encode(ev)
		if err != nil {
			t.Fatalf("Encode(%s) failed: %v", ev, err)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", ev, err)
		}
		if decoded != ev {
			t.Fatalf("round trip mismatch: got %+v want %+v", decoded, ev)
		}
	}
}

func TestEncodeSizesByKind(t *testing.T) {
	button, err := Encode(Button(KindButtonA, EdgeDown, time.Now()))
	if err != nil {
		t.Fatalf("Encode button failed: %v", err)
	}
	if len(button) != 11 {
		t.Fatalf("expected 11-byte button event, got %d", len(button))
	}

	stick, err := Encode(Joystick(KindJoystickLeft, 0.5, 0.5, time.Now()))
	if err != nil {
		t.Fatalf("Encode joystick failed: %v", err)
	}
	if len(stick) != 19 {
		t.Fatalf("expected 19-byte joystick event, got %d", len(stick))
	}
	if stick[0] != FormatVersion {
		t.Fatalf("expected version byte %d, got %d", FormatVersion, stick[0])
	}
}

func TestDecodeUnknownVariant(t *testing.T) {
	encoded, err := Encode(Button(KindButtonA, EdgeDown, time.Now()))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	encoded[1] = 0x7f

	_, err = Decode(encoded)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected *DecodeError, got %T (%v)", err, err)
	}
	if !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("expected ErrUnknownVariant, got %v", err)
	}
	if decodeErr.Kind != Kind(0x7f) {
		t.Fatalf("expected kind 0x7f in error, got %d", decodeErr.Kind)
	}
}

func TestDecodeRejectsMalformedBuffers(t *testing.T) {
	stick, err := Encode(Joystick(KindJoystickLeft, 0.1, 0.2, time.Now()))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	button, err := Encode(Button(KindButtonY, EdgeUp, time.Now()))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	badVersion := append([]byte(nil), button...)
	badVersion[0] = 9
	badEdge := append([]byte(nil), button...)
	badEdge[2] = 0
	upStick := append([]byte(nil), stick...)
	upStick[2] = byte(EdgeUp)

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{name: "empty", data: nil, want: ErrTruncated},
		{name: "short header", data: button[:5], want: ErrTruncated},
		{name: "short joystick", data: stick[:15], want: ErrTruncated},
		{name: "trailing", data: append(append([]byte(nil), button...), 0), want: ErrTrailingBytes},
		{name: "version", data: badVersion, want: ErrUnsupportedVersion},
		{name: "edge", data: badEdge, want: ErrInvalidEdge},
		{name: "joystick up", data: upStick, want: ErrInvalidEdge},
	}

	for _, tc := range cases {
		_, err := Decode(tc.data)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestEncodeRejectsInvalidAxes(t *testing.T) {
	for _, x := range []float32{1.5, -1.01, float32(math.NaN()), float32(math.Inf(1))} {
		_, err := Encode(Joystick(KindJoystickRight, x, 0, time.Now()))
		if !errors.Is(err, ErrAxisOutOfRange) {
			t.Fatalf("expected ErrAxisOutOfRange for x=%v, got %v", x, err)
		}
	}

	button := Button(KindButtonA, EdgeDown, time.Unix(1, 0))
	button.X, button.Y = 0.5, -0.5
	if _, err := Encode(button); !errors.Is(err, ErrUnexpectedAxes) {
		t.Fatalf("expected ErrUnexpectedAxes for a button carrying axes, got %v", err)
	}
	dpad := Button(KindDPadLeft, EdgeUp, time.Unix(1, 0))
	dpad.Y = 1
	if _, err := Encode(dpad); !errors.Is(err, ErrUnexpectedAxes) {
		t.Fatalf("expected ErrUnexpectedAxes for a d-pad carrying axes, got %v", err)
	}
}

func TestEncodeRejectsNonFiniteTimestamp(t *testing.T) {
	for _, ts := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		ev := InputEvent{Kind: KindButtonB, Edge: EdgeDown, Timestamp: ts}
		if _, err := Encode(ev); !errors.Is(err, ErrInvalidTimestamp) {
			t.Fatalf("expected ErrInvalidTimestamp for %v, got %v", ts, err)
		}
	}

	valid, err := Encode(Button(KindButtonB, EdgeDown, time.Unix(5, 0)))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	binary.BigEndian.PutUint64(valid[3:11], math.Float64bits(math.NaN()))
	_, err = Decode(valid)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) || !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatalf("expected DecodeError wrapping ErrInvalidTimestamp, got %v", err)
	}
}

func TestBinaryMarshalerInterfaces(t *testing.T) {
	ev := Joystick(KindJoystickLeft, -0.5, 0.5, time.Unix(10, 0))
	data, err := ev.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}

	var out InputEvent
	if err := out.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	if out != ev {
		t.Fatalf("unexpected event: %+v", out)
	}

	if err := out.UnmarshalBinary([]byte{1, 200}); err == nil {
		t.Fatalf("expected UnmarshalBinary error for short buffer")
	}
	if out != ev {
		t.Fatalf("failed UnmarshalBinary must not modify receiver")
	}
}
