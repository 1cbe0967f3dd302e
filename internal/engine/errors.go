package engine

import (
	"errors"
	"fmt"
)

var (
	ErrModule        = errors.New("engine: invalid guest module")
	ErrEngine        = errors.New("engine: execution failure")
	ErrCheckpoint    = errors.New("engine: guest requested checkpoint")
	ErrUncheckedTrap = errors.New("engine: unchecked trap")
	ErrNoMemory      = errors.New("engine: memory export not found")
	ErrClosed        = errors.New("engine: closed")
)

// TrapKind separates the one trap the host treats as a pause request from
// every other abnormal exit.
type TrapKind int

const (
	TrapUnchecked TrapKind = iota
	TrapCheckpoint
)

// TrapError is an abnormal guest exit.
type TrapError struct {
	Kind    TrapKind
	Code    string
	Message string
}

func (e *TrapError) Error() string {
	if e.Kind == TrapCheckpoint {
		return fmt.Sprintf("%s (trap %s)", ErrCheckpoint.Error(), e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", ErrUncheckedTrap.Error(), e.Code, e.Message)
}

func (e *TrapError) Is(target error) bool {
	switch target {
	case ErrCheckpoint:
		return e.Kind == TrapCheckpoint
	case ErrUncheckedTrap:
		return e.Kind == TrapUnchecked
	default:
		return false
	}
}
