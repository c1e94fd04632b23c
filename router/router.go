package router

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"gopad/packet"
)

var (
	// ErrUnknownControl is returned for a control name with no packet kind.
	ErrUnknownControl = errors.New("router: unknown control")
	// ErrUnknownChannel is returned for a joystick channel other than left or right.
	ErrUnknownChannel = errors.New("router: unknown joystick channel")
)

// Control names a discrete on-screen control.
type Control string

const (
	ControlA         Control = "a"
	ControlB         Control = "b"
	ControlX         Control = "x"
	ControlY         Control = "y"
	ControlDPadUp    Control = "dpad_up"
	ControlDPadDown  Control = "dpad_down"
	ControlDPadLeft  Control = "dpad_left"
	ControlDPadRight Control = "dpad_right"
)

var controlKinds = map[Control]packet.Kind{
	ControlA:         packet.KindButtonA,
	ControlB:         packet.KindButtonB,
	ControlX:         packet.KindButtonX,
	ControlY:         packet.KindButtonY,
	ControlDPadUp:    packet.KindDPadUp,
	ControlDPadDown:  packet.KindDPadDown,
	ControlDPadLeft:  packet.KindDPadLeft,
	ControlDPadRight: packet.KindDPadRight,
}

// ParseControl normalizes a control name.
func ParseControl(raw string) (Control, error) {
	control := Control(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := controlKinds[control]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownControl, raw)
	}
	return control, nil
}

// Channel selects one of the two joysticks.
type Channel string

const (
	ChannelLeft  Channel = "left"
	ChannelRight Channel = "right"
)

// ParseChannel normalizes a joystick channel name.
func ParseChannel(raw string) (Channel, error) {
	channel := Channel(strings.ToLower(strings.TrimSpace(raw)))
	if _, err := channel.kind(); err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, raw)
	}
	return channel, nil
}

func (c Channel) kind() (packet.Kind, error) {
	switch c {
	case ChannelLeft:
		return packet.KindJoystickLeft, nil
	case ChannelRight:
		return packet.KindJoystickRight, nil
	default:
		return 0, ErrUnknownChannel
	}
}

// Sender accepts events for transmission. Send must not block.
type Sender interface {
	Send(packet.InputEvent)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(packet.InputEvent)

// Send calls f(ev).
func (f SenderFunc) Send(ev packet.InputEvent) { f(ev) }

// Router turns UI gestures into time-stamped input events.
type Router struct {
	sender Sender
	now    func() time.Time

	mu      sync.Mutex
	pressed map[Control]bool
}

// Option customizes a Router.
type Option func(*Router)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// New builds a router forwarding to sender.
func New(sender Sender, opts ...Option) *Router {
	r := &Router{
		sender:  sender,
		now:     time.Now,
		pressed: make(map[Control]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnPressStart emits one Down event. Repeated starts while pressed are ignored.
func (r *Router) OnPressStart(control Control) error {
	kind, ok := controlKinds[control]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownControl, control)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pressed[control] {
		return nil
	}
	r.pressed[control] = true
	r.sender.Send(packet.Button(kind, packet.EdgeDown, r.now()))
	return nil
}

// OnPressEnd emits one Up event for a pressed control.
func (r *Router) OnPressEnd(control Control) error {
	kind, ok := controlKinds[control]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownControl, control)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pressed[control] {
		return nil
	}
	delete(r.pressed, control)
	r.sender.Send(packet.Button(kind, packet.EdgeUp, r.now()))
	return nil
}

// OnJoystickDrag emits one sample. Axes are clamped to [-1, 1]; NaN reads as 0.
func (r *Router) OnJoystickDrag(channel Channel, x, y float64) error {
	kind, err := channel.kind()
	if err != nil {
		return fmt.Errorf("%w: %q", err, channel)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender.Send(packet.Joystick(kind, clampAxis(x), clampAxis(y), r.now()))
	return nil
}

// OnJoystickRelease emits the final zero sample for channel.
func (r *Router) OnJoystickRelease(channel Channel) error {
	return r.OnJoystickDrag(channel, 0, 0)
}

// ReleaseAll ends every pressed control, e.g. when the UI loses its surface.
func (r *Router) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, control := range orderedControls {
		if !r.pressed[control] {
			continue
		}
		delete(r.pressed, control)
		r.sender.Send(packet.Button(controlKinds[control], packet.EdgeUp, r.now()))
	}
}

// Pressed reports whether control is currently held.
func (r *Router) Pressed(control Control) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pressed[control]
}

var orderedControls = []Control{
	ControlA, ControlB, ControlX, ControlY,
	ControlDPadUp, ControlDPadDown, ControlDPadLeft, ControlDPadRight,
}

// NormalizeDrag converts a drag translation from the pad center into axis
// values. The vector is clamped to radius and scaled to [-1, 1] per axis.
func NormalizeDrag(dx, dy, radius float64) (x, y float64) {
	if radius <= 0 || math.IsNaN(dx) || math.IsNaN(dy) {
		return 0, 0
	}
	length := math.Hypot(dx, dy)
	if length > radius {
		scale := radius / length
		dx *= scale
		dy *= scale
	}
	return clamp(dx / radius), clamp(dy / radius)
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}

func clampAxis(v float64) float32 {
	return float32(clamp(v))
}
