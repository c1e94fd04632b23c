//go:build !cgo

package osinput

// Robotgo is unavailable without cgo. Every call fails with ErrUnsupported,
// which the engine reports as degraded.
type Robotgo struct{}

// NewRobotgo returns the stub sink.
func NewRobotgo() (*Robotgo, error) {
	return &Robotgo{}, nil
}

func (r *Robotgo) KeyDown(string) error { return ErrUnsupported }

func (r *Robotgo) KeyUp(string) error { return ErrUnsupported }

func (r *Robotgo) PointerPosition() (float64, float64, error) { return 0, 0, ErrUnsupported }

func (r *Robotgo) PointerMoveAbsolute(float64, float64) error { return ErrUnsupported }
