// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rejoin

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid site join transition")

// Phase is the join progress of a single site.
type Phase uint8

const (
	PhaseNotStarted Phase = iota
	PhaseInitiated
	PhaseSnapshotStreaming
	PhaseSnapshotFinished
	PhaseReplaying
	PhaseReplayFinished
	PhaseComplete
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "NotStarted"
	case PhaseInitiated:
		return "Initiated"
	case PhaseSnapshotStreaming:
		return "SnapshotStreaming"
	case PhaseSnapshotFinished:
		return "SnapshotFinished"
	case PhaseReplaying:
		return "Replaying"
	case PhaseReplayFinished:
		return "ReplayFinished"
	case PhaseComplete:
		return "Complete"
	case PhaseAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseAborted
}

// Event drives a phase transition.
type Event uint8

const (
	EventSendInitiation Event = iota + 1
	EventInitiationResponse
	EventSnapshotFinished
	EventBeginReplay
	EventReplayFinished
	EventComplete
	EventAbort
)

func (e Event) String() string {
	switch e {
	case EventSendInitiation:
		return "send Initiation"
	case EventInitiationResponse:
		return "InitiationResponse"
	case EventSnapshotFinished:
		return "SnapshotFinished"
	case EventBeginReplay:
		return "begin replay"
	case EventReplayFinished:
		return "ReplayFinished"
	case EventComplete:
		return "complete"
	case EventAbort:
		return "abort"
	default:
		return fmt.Sprintf("Event(%d)", uint8(e))
	}
}

// Transition returns the phase reached from from on ev, or
// ErrInvalidTransition for any pair outside the table.
func Transition(from Phase, ev Event) (Phase, error) {
	switch {
	case from == PhaseNotStarted && ev == EventSendInitiation:
		return PhaseInitiated, nil
	case from == PhaseInitiated && ev == EventInitiationResponse:
		return PhaseSnapshotStreaming, nil
	case from == PhaseSnapshotStreaming && ev == EventSnapshotFinished:
		return PhaseSnapshotFinished, nil
	case from == PhaseSnapshotFinished && ev == EventBeginReplay:
		return PhaseReplaying, nil
	case (from == PhaseSnapshotFinished || from == PhaseReplaying) && ev == EventReplayFinished:
		return PhaseReplayFinished, nil
	case from == PhaseReplayFinished && ev == EventComplete:
		return PhaseComplete, nil
	case !from.Terminal() && ev == EventAbort:
		return PhaseAborted, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, ev)
}
