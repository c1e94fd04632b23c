package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// FormatVersion is the first byte of every encoded event.
const FormatVersion = 1

const (
	headerSize   = 1 + 1 + 1 + 8
	axesSize     = 4 + 4
	buttonSize   = headerSize
	joystickSize = headerSize + axesSize
)

// Kind identifies the control that produced an event.
type Kind uint8

const (
	KindButtonA Kind = iota + 1
	KindButtonB
	KindButtonX
	KindButtonY
	KindDPadUp
	KindDPadDown
	KindDPadLeft
	KindDPadRight
	KindJoystickLeft
	KindJoystickRight
)

var kindNames = map[Kind]string{
	KindButtonA:       "button_a",
	KindButtonB:       "button_b",
	KindButtonX:       "button_x",
	KindButtonY:       "button_y",
	KindDPadUp:        "dpad_up",
	KindDPadDown:      "dpad_down",
	KindDPadLeft:      "dpad_left",
	KindDPadRight:     "dpad_right",
	KindJoystickLeft:  "joystick_left",
	KindJoystickRight: "joystick_right",
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// IsJoystick reports whether k carries axis values.
func (k Kind) IsJoystick() bool {
	return k == KindJoystickLeft || k == KindJoystickRight
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Edge is the press state carried by an event. Joystick samples always use EdgeDown.
type Edge uint8

const (
	EdgeDown Edge = iota + 1
	EdgeUp
)

func (e Edge) String() string {
	switch e {
	case EdgeDown:
		return "down"
	case EdgeUp:
		return "up"
	default:
		return fmt.Sprintf("edge(%d)", uint8(e))
	}
}

var (
	// ErrUnknownVariant indicates an unrecognized kind byte.
	ErrUnknownVariant = errors.New("packet: unknown input variant")
	// ErrUnsupportedVersion indicates a format version other than FormatVersion.
	ErrUnsupportedVersion = errors.New("packet: unsupported format version")
	// ErrTruncated indicates the buffer is shorter than the kind requires.
	ErrTruncated = errors.New("packet: truncated event")
	// ErrTrailingBytes indicates the buffer is longer than the kind requires.
	ErrTrailingBytes = errors.New("packet: trailing bytes after event")
	// ErrInvalidEdge indicates an edge other than down/up, or up on a joystick.
	ErrInvalidEdge = errors.New("packet: invalid edge")
	// ErrAxisOutOfRange indicates a non-finite axis or one outside [-1, 1].
	ErrAxisOutOfRange = errors.New("packet: axis out of range")
	// ErrUnexpectedAxes indicates a button or d-pad event carrying axis values.
	ErrUnexpectedAxes = errors.New("packet: axes on a non-joystick event")
	// ErrInvalidTimestamp indicates a NaN or infinite timestamp.
	ErrInvalidTimestamp = errors.New("packet: invalid timestamp")
)

// DecodeError reports why a buffer could not be decoded.
type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Kind == 0 {
		return fmt.Sprintf("decode input event: %v", e.Err)
	}
	return fmt.Sprintf("decode input event %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// InputEvent is one controller event. X and Y are only meaningful for joystick kinds.
type InputEvent struct {
	Kind      Kind
	Edge      Edge
	X         float32
	Y         float32
	Timestamp float64
}

// Button builds a discrete press or release event.
func Button(kind Kind, edge Edge, at time.Time) InputEvent {
	return InputEvent{Kind: kind, Edge: edge, Timestamp: Seconds(at)}
}

// Joystick builds a joystick sample. Samples are always tagged EdgeDown.
func Joystick(kind Kind, x, y float32, at time.Time) InputEvent {
	return InputEvent{Kind: kind, Edge: EdgeDown, X: x, Y: y, Timestamp: Seconds(at)}
}

// Seconds converts t to fractional seconds since the Unix epoch.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func (ev InputEvent) String() string {
	if ev.Kind.IsJoystick() {
		return fmt.Sprintf("%s(%.3f,%.3f)", ev.Kind, ev.X, ev.Y)
	}
	return fmt.Sprintf("%s:%s", ev.Kind, ev.Edge)
}

// Validate checks the event against the constraints enforced on the wire.
func (ev InputEvent) Validate() error {
	if !ev.Kind.Valid() {
		return ErrUnknownVariant
	}
	if ev.Edge != EdgeDown && ev.Edge != EdgeUp {
		return ErrInvalidEdge
	}
	if math.IsNaN(ev.Timestamp) || math.IsInf(ev.Timestamp, 0) {
		return ErrInvalidTimestamp
	}
	if !ev.Kind.IsJoystick() {
		if ev.X != 0 || ev.Y != 0 {
			return ErrUnexpectedAxes
		}
		return nil
	}
	if ev.Edge != EdgeDown {
		return ErrInvalidEdge
	}
	if !validAxis(ev.X) || !validAxis(ev.Y) {
		return ErrAxisOutOfRange
	}
	return nil
}

func validAxis(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && f >= -1 && f <= 1
}

// Encode serializes ev. Button events encode to 11 bytes and joystick samples to 19.
func Encode(ev InputEvent) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("encode input event %s: %w", ev.Kind, err)
	}

	size := buttonSize
	if ev.Kind.IsJoystick() {
		size = joystickSize
	}
	buf := make([]byte, size)
	buf[0] = FormatVersion
	buf[1] = byte(ev.Kind)
	buf[2] = byte(ev.Edge)
	binary.BigEndian.PutUint64(buf[3:11], math.Float64bits(ev.Timestamp))
	if ev.Kind.IsJoystick() {
		binary.BigEndian.PutUint32(buf[11:15], math.Float32bits(ev.X))
		binary.BigEndian.PutUint32(buf[15:19], math.Float32bits(ev.Y))
	}
	return buf, nil
}

// Decode parses one encoded event. Failures are always *DecodeError.
func Decode(data []byte) (InputEvent, error) {
	if len(data) < headerSize {
		var kind Kind
		if len(data) >= 2 {
			kind = Kind(data[1])
		}
		return InputEvent{}, &DecodeError{Kind: kind, Err: ErrTruncated}
	}
	if data[0] != FormatVersion {
		return InputEvent{}, &DecodeError{Err: ErrUnsupportedVersion}
	}

	kind := Kind(data[1])
	if !kind.Valid() {
		return InputEvent{}, &DecodeError{Kind: kind, Err: ErrUnknownVariant}
	}

	want := buttonSize
	if kind.IsJoystick() {
		want = joystickSize
	}
	if len(data) < want {
		return InputEvent{}, &DecodeError{Kind: kind, Err: ErrTruncated}
	}
	if len(data) > want {
		return InputEvent{}, &DecodeError{Kind: kind, Err: ErrTrailingBytes}
	}

	ev := InputEvent{
		Kind:      kind,
		Edge:      Edge(data[2]),
		Timestamp: math.Float64frombits(binary.BigEndian.Uint64(data[3:11])),
	}
	if kind.IsJoystick() {
		ev.X = math.Float32frombits(binary.BigEndian.Uint32(data[11:15]))
		ev.Y = math.Float32frombits(binary.BigEndian.Uint32(data[15:19]))
	}
	if err := ev.Validate(); err != nil {
		return InputEvent{}, &DecodeError{Kind: kind, Err: err}
	}
	return ev, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (ev InputEvent) MarshalBinary() ([]byte, error) {
	return Encode(ev)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (ev *InputEvent) UnmarshalBinary(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*ev = decoded
	return nil
}
