package server

import (
	"errors"

	"github.com/danmuck/migratectl/internal/checkpoint"
	"github.com/danmuck/migratectl/internal/control"
	"github.com/danmuck/migratectl/internal/engine"
)

var ErrIO = errors.New("server: io failure")

// Process exit codes for a finished request server.
const (
	ExitCompleted = 0
	ExitFailure   = 1
	// ExitFaulted is EX_SOFTWARE: the guest trapped for a reason other
	// than a checkpoint request.
	ExitFaulted = 70
	// ExitMigrated is EX_TEMPFAIL: memories were written and the
	// computation may resume elsewhere.
	ExitMigrated = 75
)

// FaultKind names why a run did not finish normally.
type FaultKind string

const (
	FaultNone          FaultKind = ""
	FaultIO            FaultKind = "io"
	FaultModule        FaultKind = "module"
	FaultEngine        FaultKind = "engine"
	FaultUncheckedTrap FaultKind = "unchecked_trap"
)

// ClassifyFault maps an error from any server stage onto a FaultKind. Host
// side IO and IPC failures win over the engine error that carries them out
// of a capability call.
func ClassifyFault(err error) FaultKind {
	switch {
	case err == nil:
		return FaultNone
	case errors.Is(err, engine.ErrUncheckedTrap):
		return FaultUncheckedTrap
	case errors.Is(err, ErrIO),
		errors.Is(err, control.ErrIO),
		errors.Is(err, control.ErrIPC),
		errors.Is(err, control.ErrBusy),
		errors.Is(err, control.ErrNotInitialized),
		errors.Is(err, checkpoint.ErrIO),
		errors.Is(err, checkpoint.ErrRegionTooSmall):
		return FaultIO
	case errors.Is(err, engine.ErrModule):
		return FaultModule
	default:
		return FaultEngine
	}
}

// Outcome is the result of one request server run. Status is the phase the
// run ended in.
type Outcome struct {
	Status Phase
	Fault  FaultKind
	Err    error
}

func (o Outcome) ExitCode() int {
	switch o.Fault {
	case FaultNone:
		switch o.Status {
		case PhaseCompleted:
			return ExitCompleted
		case PhaseCheckpointing:
			return ExitMigrated
		default:
			return ExitFailure
		}
	case FaultEngine, FaultUncheckedTrap:
		return ExitFaulted
	default:
		return ExitFailure
	}
}

func failed(status Phase, err error) Outcome {
	return Outcome{Status: status, Fault: ClassifyFault(err), Err: err}
}
