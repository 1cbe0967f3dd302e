package server

import (
	"errors"
	"fmt"
)

var ErrLifecycleOrder = errors.New("server: invalid lifecycle transition")

// Phase is the request server lifecycle phase. The owner publishes its code
// into the control block so operator commands can observe it.
type Phase string

const (
	PhaseConfiguring   Phase = "configuring"
	PhaseLoaded        Phase = "loaded"
	PhaseWaiting       Phase = "waiting_for_activation"
	PhaseRunning       Phase = "running"
	PhaseCheckpointing Phase = "checkpointing"
	PhaseCompleted     Phase = "completed"
	PhaseFaulted       Phase = "faulted"
	PhaseTerminated    Phase = "terminated"
)

var phaseCodes = []Phase{
	PhaseConfiguring,
	PhaseLoaded,
	PhaseWaiting,
	PhaseRunning,
	PhaseCheckpointing,
	PhaseCompleted,
	PhaseFaulted,
	PhaseTerminated,
}

// Code is the control block encoding of p. Zero is reserved for a block no
// server has published to yet.
func (p Phase) Code() uint32 {
	for i, known := range phaseCodes {
		if known == p {
			return uint32(i + 1)
		}
	}
	return 0
}

// PhaseFromCode decodes a published phase word.
func PhaseFromCode(code uint32) (Phase, bool) {
	if code == 0 || int(code) > len(phaseCodes) {
		return "", false
	}
	return phaseCodes[code-1], true
}

func transitionError(from, to Phase) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}
