package session

import (
	"errors"
	"fmt"
)

type State int

const (
	NotStarted State = iota
	Starting
	Active
	Stopping
	Stopped
	Failed
)

var stateNames = [...]string{"not_started", "starting", "active", "stopping", "stopped", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var ErrInvalidTransition = errors.New("invalid session state transition-")

var allowedTransitions = map[State][]State{
	NotStarted: {Starting},
	Starting:   {Active, Failed},
	Active:     {Stopping, Failed},
	Stopping:   {Stopped, Failed},
	Stopped:    {Starting},
	Failed:     {Starting},
}

func canTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !canTransition(from, to) {
		return fmt.Errorf("%w%s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
