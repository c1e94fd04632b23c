package translate

import (
	"log"
	"math"
	"sort"
	"sync"

	"gopad/packet"
)

const (
	// DefaultThreshold is the left stick axis magnitude that counts as a direction.
	DefaultThreshold = 0.5
	// DefaultDeadzone suppresses right stick samples whose axes are both at or below it.
	DefaultDeadzone = 0.1
	// DefaultSensitivity scales a right stick sample into a pointer delta in points.
	DefaultSensitivity = 10.0
)

// Sink receives synthetic OS input.
type Sink interface {
	KeyDown(key string) error
	KeyUp(key string) error
	PointerPosition() (x, y float64, err error)
	PointerMoveAbsolute(x, y float64) error
}

// Config tunes translation. Zero values take the defaults.
type Config struct {
	Threshold   float64
	Deadzone    float64
	Sensitivity float64
	KeyMap      KeyMap

	// OnDegradedChange is called outside the engine lock whenever sink delivery
	// starts or stops failing.
	OnDegradedChange func(degraded bool, err error)
}

func (c Config) withDefaults() Config {
	out := c
	if out.Threshold <= 0 {
		out.Threshold = DefaultThreshold
	}
	if out.Deadzone <= 0 {
		out.Deadzone = DefaultDeadzone
	}
	if out.Sensitivity <= 0 {
		out.Sensitivity = DefaultSensitivity
	}
	if out.KeyMap == nil {
		out.KeyMap = DefaultKeyMap()
	}
	return out
}

type stickFlags struct {
	up, down, left, right bool
}

// Engine turns decoded input events into key and pointer commands. Held keys
// are tracked by OS key name, so two controls bound to one key share a state.
type Engine struct {
	cfg  Config
	sink Sink

	mu       sync.Mutex
	held     map[string]bool
	stick    stickFlags
	degraded bool
	lastErr  error
}

// NewEngine builds an engine writing to sink.
func NewEngine(sink Sink, config Config) *Engine {
	return &Engine{
		cfg:  config.withDefaults(),
		sink: sink,
		held: make(map[string]bool),
	}
}

// Handle applies one event. Unknown kinds are ignored.
func (e *Engine) Handle(ev packet.InputEvent) {
	e.apply(func(r *reporter) {
		switch {
		case ev.Kind == packet.KindJoystickLeft:
			e.handleLeftStick(r, float64(ev.X), float64(ev.Y))
		case ev.Kind == packet.KindJoystickRight:
			e.handleRightStick(r, float64(ev.X), float64(ev.Y))
		default:
			action, ok := buttonActions[ev.Kind]
			if !ok {
				return
			}
			key := e.cfg.KeyMap[action]
			if key == "" {
				return
			}
			switch ev.Edge {
			case packet.EdgeDown:
				e.press(r, key)
			case packet.EdgeUp:
				e.release(r, key)
			}
		}
	})
}

// ReleaseAll sends key-up for every held key and clears stick state.
func (e *Engine) ReleaseAll() {
	e.apply(func(r *reporter) {
		for _, key := range e.heldKeysLocked() {
			e.release(r, key)
		}
		e.stick = stickFlags{}
	})
}

// Held returns the currently held keys in sorted order.
func (e *Engine) Held() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heldKeysLocked()
}

// Degraded reports whether the most recent sink call failed.
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// LastError returns the most recent sink failure, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) handleLeftStick(r *reporter, x, y float64) {
	t := e.cfg.Threshold
	next := stickFlags{
		up:    y < -t,
		down:  y > t,
		left:  x < -t,
		right: x > t,
	}
	prev := e.stick
	e.stick = next

	e.stickTransition(r, prev.up, next.up, ActionStickUp)
	e.stickTransition(r, prev.down, next.down, ActionStickDown)
	e.stickTransition(r, prev.left, next.left, ActionStickLeft)
	e.stickTransition(r, prev.right, next.right, ActionStickRight)
}

func (e *Engine) stickTransition(r *reporter, was, now bool, action Action) {
	if was == now {
		return
	}
	key := e.cfg.KeyMap[action]
	if key == "" {
		return
	}
	if now {
		e.press(r, key)
	} else {
		e.release(r, key)
	}
}

func (e *Engine) handleRightStick(r *reporter, x, y float64) {
	dz := e.cfg.Deadzone
	if math.Abs(x) <= dz && math.Abs(y) <= dz {
		return
	}
	dx := x * e.cfg.Sensitivity
	dy := y * e.cfg.Sensitivity

	px, py, err := e.sink.PointerPosition()
	if err != nil {
		r.record(err)
		return
	}
	r.record(e.sink.PointerMoveAbsolute(px+dx, py+dy))
}

// press and release update held state even when the sink fails, so a later
// ReleaseAll still attempts the matching key-up.
func (e *Engine) press(r *reporter, key string) {
	if e.held[key] {
		return
	}
	e.held[key] = true
	r.record(e.sink.KeyDown(key))
}

func (e *Engine) release(r *reporter, key string) {
	if !e.held[key] {
		return
	}
	delete(e.held, key)
	r.record(e.sink.KeyUp(key))
}

func (e *Engine) heldKeysLocked() []string {
	keys := make([]string, 0, len(e.held))
	for key := range e.held {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// reporter collects sink results for one engine operation.
type reporter struct {
	called bool
	err    error
}

func (r *reporter) record(err error) {
	r.called = true
	if err != nil && r.err == nil {
		r.err = err
	}
}

func (e *Engine) apply(fn func(r *reporter)) {
	var r reporter

	e.mu.Lock()
	fn(&r)
	changed := false
	if r.called {
		degraded := r.err != nil
		changed = degraded != e.degraded
		e.degraded = degraded
		if degraded {
			e.lastErr = r.err
		}
	}
	degraded, lastErr := e.degraded, e.lastErr
	e.mu.Unlock()

	if !changed {
		return
	}
	if degraded {
		log.Printf("translate: os input delivery failing err=%v", lastErr)
	} else {
		log.Printf("translate: os input delivery recovered")
	}
	if e.cfg.OnDegradedChange != nil {
		e.cfg.OnDegradedChange(degraded, lastErr)
	}
}
