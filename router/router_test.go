package router

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"gopad/packet"
)

type captureSender struct {
	mu     sync.Mutex
	events []packet.InputEvent
}

func (c *captureSender) Send(ev packet.InputEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSender) take() []packet.InputEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

func fixedClock() func() time.Time {
	at := time.Unix(1700000000, 500_000_000)
	return func() time.Time { return at }
}

func TestPressEmitsExactlyOneDownAndOneUp(t *testing.T) {
	sender := &captureSender{}
	r := New(sender, WithClock(fixedClock()))

	for i := 0; i < 3; i++ {
		if err := r.OnPressStart(ControlA); err != nil {
			t.Fatalf("OnPressStart failed: %v", err)
		}
	}
	if !r.Pressed(ControlA) {
		t.Fatalf("expected control a to be pressed")
	}
	if err := r.OnPressEnd(ControlA); err != nil {
		t.Fatalf("OnPressEnd failed: %v", err)
	}
	if err := r.OnPressEnd(ControlA); err != nil {
		t.Fatalf("second OnPressEnd failed: %v", err)
	}

	events := sender.take()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %v", len(events), events)
	}
	if events[0].Kind != packet.KindButtonA || events[0].Edge != packet.EdgeDown {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[1].Kind != packet.KindButtonA || events[1].Edge != packet.EdgeUp {
		t.Fatalf("unexpected second event %+v", events[1])
	}
	if events[0].Timestamp != 1700000000.5 {
		t.Fatalf("unexpected timestamp %v", events[0].Timestamp)
	}
}

func TestPressEndWithoutStartIsIgnored(t *testing.T) {
	sender := &captureSender{}
	r := New(sender)

	if err := r.OnPressEnd(ControlDPadLeft); err != nil {
		t.Fatalf("OnPressEnd failed: %v", err)
	}
	if events := sender.take(); len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
}

func TestUnknownControlAndChannel(t *testing.T) {
	sender := &captureSender{}
	r := New(sender)

	if err := r.OnPressStart("turbo"); !errors.Is(err, ErrUnknownControl) {
		t.Fatalf("expected ErrUnknownControl, got %v", err)
	}
	if err := r.OnJoystickDrag("middle", 1, 1); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
	if events := sender.take(); len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}

	if c, err := ParseControl(" DPAD_Up "); err != nil || c != ControlDPadUp {
		t.Fatalf("ParseControl = %q, %v", c, err)
	}
	if ch, err := ParseChannel("Right"); err != nil || ch != ChannelRight {
		t.Fatalf("ParseChannel = %q, %v", ch, err)
	}
	if _, err := ParseChannel("up"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestJoystickSamplesEveryDragAndZeroOnRelease(t *testing.T) {
	sender := &captureSender{}
	r := New(sender)

	drags := [][2]float64{{0.1, 0.2}, {0.4, -0.5}, {0.9, -0.9}}
	for _, d := range drags {
		if err := r.OnJoystickDrag(ChannelLeft, d[0], d[1]); err != nil {
			t.Fatalf("OnJoystickDrag failed: %v", err)
		}
	}
	if err := r.OnJoystickRelease(ChannelLeft); err != nil {
		t.Fatalf("OnJoystickRelease failed: %v", err)
	}

	events := sender.take()
	if len(events) != len(drags)+1 {
		t.Fatalf("expected %d events, got %d", len(drags)+1, len(events))
	}
	for i, d := range drags {
		ev := events[i]
		if ev.Kind != packet.KindJoystickLeft || ev.Edge != packet.EdgeDown {
			t.Fatalf("unexpected sample %d: %+v", i, ev)
		}
		if ev.X != float32(d[0]) || ev.Y != float32(d[1]) {
			t.Fatalf("sample %d axes = (%v, %v), want %v", i, ev.X, ev.Y, d)
		}
	}
	last := events[len(events)-1]
	if last.Kind != packet.KindJoystickLeft || last.X != 0 || last.Y != 0 {
		t.Fatalf("expected zero release sample, got %+v", last)
	}
}

func TestJoystickChannelsStayDistinct(t *testing.T) {
	sender := &captureSender{}
	r := New(sender)

	_ = r.OnJoystickDrag(ChannelLeft, 0.5, 0)
	_ = r.OnJoystickDrag(ChannelRight, -0.5, 0)
	_ = r.OnJoystickRelease(ChannelRight)

	events := sender.take()
	want := []packet.Kind{packet.KindJoystickLeft, packet.KindJoystickRight, packet.KindJoystickRight}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, kind := range want {
		if events[i].Kind != kind {
			t.Fatalf("event %d kind = %s, want %s", i, events[i].Kind, kind)
		}
	}
}

func TestJoystickAxesAreClamped(t *testing.T) {
	sender := &captureSender{}
	r := New(sender)

	_ = r.OnJoystickDrag(ChannelRight, 3, math.NaN())
	_ = r.OnJoystickDrag(ChannelRight, -7, math.Inf(1))

	events := sender.take()
	if events[0].X != 1 || events[0].Y != 0 {
		t.Fatalf("unexpected clamp result %+v", events[0])
	}
	if events[1].X != -1 || events[1].Y != 1 {
		t.Fatalf("unexpected clamp result %+v", events[1])
	}
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			t.Fatalf("clamped event failed validation: %v", err)
		}
	}
}

func TestReleaseAllEndsPressedControls(t *testing.T) {
	sender := &captureSender{}
	r := New(sender)

	_ = r.OnPressStart(ControlB)
	_ = r.OnPressStart(ControlDPadRight)
	sender.take()

	r.ReleaseAll()
	events := sender.take()
	if len(events) != 2 {
		t.Fatalf("expected 2 release events, got %v", events)
	}
	if events[0].Kind != packet.KindButtonB || events[1].Kind != packet.KindDPadRight {
		t.Fatalf("unexpected release order %v", events)
	}
	for _, ev := range events {
		if ev.Edge != packet.EdgeUp {
			t.Fatalf("expected EdgeUp, got %+v", ev)
		}
	}

	r.ReleaseAll()
	if events := sender.take(); len(events) != 0 {
		t.Fatalf("expected no events on second ReleaseAll, got %v", events)
	}
}

func TestNormalizeDrag(t *testing.T) {
	cases := []struct {
		name   string
		dx, dy float64
		radius float64
		x, y   float64
	}{
		{name: "center", dx: 0, dy: 0, radius: 50, x: 0, y: 0},
		{name: "inside", dx: 25, dy: -10, radius: 50, x: 0.5, y: -0.2},
		{name: "edge", dx: 0, dy: 50, radius: 50, x: 0, y: 1},
		{name: "beyond", dx: 300, dy: 400, radius: 50, x: 0.6, y: 0.8},
		{name: "zero radius", dx: 10, dy: 10, radius: 0, x: 0, y: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			x, y := NormalizeDrag(tc.dx, tc.dy, tc.radius)
			if math.Abs(x-tc.x) > 1e-6 || math.Abs(y-tc.y) > 1e-6 {
				t.Fatalf("NormalizeDrag(%v, %v, %v) = (%v, %v), want (%v, %v)", tc.dx, tc.dy, tc.radius, x, y, tc.x, tc.y)
			}
		})
	}
}

func TestSenderFunc(t *testing.T) {
	var got []packet.InputEvent
	r := New(SenderFunc(func(ev packet.InputEvent) { got = append(got, ev) }))
	_ = r.OnPressStart(ControlY)
	if len(got) != 1 || got[0].Kind != packet.KindButtonY {
		t.Fatalf("unexpected events %v", got)
	}
}
