package domain

import "errors"

// ErrIllegalTransition indicates a state change outside the lifecycle table.
var ErrIllegalTransition = errors.New("illegal state transition")

// ErrUnknownValue indicates an enumerant that is not part of its closed set.
var ErrUnknownValue = errors.New("unknown value")

// ErrCorrupt indicates a serialized task that fails decoding or integrity checks.
var ErrCorrupt = errors.New("corrupt task data")
