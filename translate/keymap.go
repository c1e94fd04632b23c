package translate

import (
	"fmt"
	"sort"
	"strings"

	"gopad/packet"
)

// Action names a logical control output that is bound to one OS key.
type Action string

const (
	ActionA          Action = "a"
	ActionB          Action = "b"
	ActionX          Action = "x"
	ActionY          Action = "y"
	ActionDPadUp     Action = "dpad_up"
	ActionDPadDown   Action = "dpad_down"
	ActionDPadLeft   Action = "dpad_left"
	ActionDPadRight  Action = "dpad_right"
	ActionStickUp    Action = "stick_up"
	ActionStickDown  Action = "stick_down"
	ActionStickLeft  Action = "stick_left"
	ActionStickRight Action = "stick_right"
)

var buttonActions = map[packet.Kind]Action{
	packet.KindButtonA:   ActionA,
	packet.KindButtonB:   ActionB,
	packet.KindButtonX:   ActionX,
	packet.KindButtonY:   ActionY,
	packet.KindDPadUp:    ActionDPadUp,
	packet.KindDPadDown:  ActionDPadDown,
	packet.KindDPadLeft:  ActionDPadLeft,
	packet.KindDPadRight: ActionDPadRight,
}

// KeyMap binds actions to OS key names as understood by the sink.
type KeyMap map[Action]string

// DefaultKeyMap mirrors a common desktop game layout. The left stick drives
// the same arrow keys as the d-pad, so both controls share held state.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		ActionA:          "space",
		ActionB:          "shift",
		ActionX:          "e",
		ActionY:          "r",
		ActionDPadUp:     "up",
		ActionDPadDown:   "down",
		ActionDPadLeft:   "left",
		ActionDPadRight:  "right",
		ActionStickUp:    "up",
		ActionStickDown:  "down",
		ActionStickLeft:  "left",
		ActionStickRight: "right",
	}
}

// WithOverrides returns a copy of m with overrides applied. Unknown action
// names are rejected; an empty key unbinds the action.
func (m KeyMap) WithOverrides(overrides map[string]string) (KeyMap, error) {
	out := make(KeyMap, len(m))
	for action, key := range m {
		out[action] = key
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		action := Action(strings.ToLower(strings.TrimSpace(name)))
		if !action.valid() {
			return nil, fmt.Errorf("unknown key map action %q", name)
		}
		out[action] = strings.ToLower(strings.TrimSpace(overrides[name]))
	}
	return out, nil
}

func (a Action) valid() bool {
	_, ok := DefaultKeyMap()[a]
	return ok
}
