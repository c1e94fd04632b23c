//go:build cgo

package osinput

import (
	"fmt"
	"math"
	"sync"

	"github.com/go-vgo/robotgo"
)

// Robotgo posts key and pointer events through robotgo.
type Robotgo struct {
	mu sync.Mutex
}

// NewRobotgo returns the platform sink.
func NewRobotgo() (*Robotgo, error) {
	return &Robotgo{}, nil
}

// KeyDown presses key.
func (r *Robotgo) KeyDown(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := robotgo.KeyToggle(key, "down"); err != nil {
		return fmt.Errorf("osinput: key down %q: %w", key, err)
	}
	return nil
}

// KeyUp releases key.
func (r *Robotgo) KeyUp(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := robotgo.KeyToggle(key, "up"); err != nil {
		return fmt.Errorf("osinput: key up %q: %w", key, err)
	}
	return nil
}

// PointerPosition reads the live pointer location.
func (r *Robotgo) PointerPosition() (float64, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	x, y := robotgo.Location()
	return float64(x), float64(y), nil
}

// PointerMoveAbsolute warps the pointer to (x, y), rounded to whole points.
func (r *Robotgo) PointerMoveAbsolute(x, y float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	robotgo.Move(int(math.Round(x)), int(math.Round(y)))
	return nil
}
