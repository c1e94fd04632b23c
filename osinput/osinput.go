// Package osinput provides synthetic keyboard and pointer sinks for the
// translation engine.
package osinput

import "errors"

// ErrUnsupported is returned by sinks that cannot post events on this build.
var ErrUnsupported = errors.New("osinput: synthetic input not supported on this platform")
