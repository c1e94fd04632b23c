package osinput

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// maxVirtualCommands bounds the command log kept for Commands.
const maxVirtualCommands = 1024

// VirtualCommand is one recorded sink call.
type VirtualCommand struct {
	Op  string
	Key string
	X   float64
	Y   float64
}

func (c VirtualCommand) String() string {
	if c.Op == "move" {
		return fmt.Sprintf("move(%.1f,%.1f)", c.X, c.Y)
	}
	return c.Op + ":" + c.Key
}

// Virtual is an in-memory sink with its own pointer. It backs dry runs.
type Virtual struct {
	mu       sync.Mutex
	x, y     float64
	width    float64
	height   float64
	held     map[string]bool
	commands []VirtualCommand
	verbose  bool
}

// NewVirtual returns a virtual sink on a width x height screen with the
// pointer centered. A non-positive size leaves the pointer unclamped.
func NewVirtual(width, height float64, verbose bool) *Virtual {
	v := &Virtual{
		width:   width,
		height:  height,
		held:    make(map[string]bool),
		verbose: verbose,
	}
	if width > 0 && height > 0 {
		v.x, v.y = width/2, height/2
	}
	return v
}

func (v *Virtual) KeyDown(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.held[key] = true
	v.recordLocked(VirtualCommand{Op: "down", Key: key})
	return nil
}

func (v *Virtual) KeyUp(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.held, key)
	v.recordLocked(VirtualCommand{Op: "up", Key: key})
	return nil
}

func (v *Virtual) PointerPosition() (float64, float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.x, v.y, nil
}

func (v *Virtual) PointerMoveAbsolute(x, y float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.width > 0 && v.height > 0 {
		x = clamp(x, 0, v.width-1)
		y = clamp(y, 0, v.height-1)
	}
	v.x, v.y = x, y
	v.recordLocked(VirtualCommand{Op: "move", X: x, Y: y})
	return nil
}

// Held returns the keys currently down, sorted.
func (v *Virtual) Held() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	keys := make([]string, 0, len(v.held))
	for key := range v.held {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Commands returns a copy of the most recent recorded calls, oldest first.
func (v *Virtual) Commands() []VirtualCommand {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]VirtualCommand(nil), v.commands...)
}

func (v *Virtual) recordLocked(cmd VirtualCommand) {
	if len(v.commands) == maxVirtualCommands {
		copy(v.commands, v.commands[1:])
		v.commands = v.commands[:len(v.commands)-1]
	}
	v.commands = append(v.commands, cmd)
	if v.verbose {
		log.Printf("osinput: virtual %s", cmd)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
