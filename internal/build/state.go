package build

import (
	"fmt"

	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

var buildTransitions = map[types.State][]types.State{
	types.StateQueued:    {types.StateCompiling, types.StateFailed},
	types.StateCompiling: {types.StateMerging, types.StateFailed},
	types.StateMerging:   {types.StateSigning, types.StateFailed},
	types.StateSigning:   {types.StateDone, types.StateFailed},
}

type taskState string

const (
	taskPending   taskState = "pending"
	taskRunning   taskState = "running"
	taskRetrying  taskState = "retrying"
	taskSucceeded taskState = "succeeded"
	taskFailed    taskState = "failed"
)

var taskTransitions = map[taskState][]taskState{
	taskPending:  {taskRunning, taskFailed},
	taskRunning:  {taskSucceeded, taskFailed, taskRetrying},
	taskRetrying: {taskRunning, taskFailed},
}

// machine is a validated state holder. It records every state it has been
// in, starting with the initial one.
type machine[S comparable] struct {
	allowed map[S][]S
	state   S
	history []S
}

func newMachine[S comparable](initial S, allowed map[S][]S) *machine[S] {
	return &machine[S]{allowed: allowed, state: initial, history: []S{initial}}
}

func (m *machine[S]) Current() S { return m.state }

func (m *machine[S]) History() []S { return append([]S(nil), m.history...) }

// Transition moves to next if the table allows it from the current state.
func (m *machine[S]) Transition(next S) error {
	for _, s := range m.allowed[m.state] {
		if s == next {
			m.state = next
			m.history = append(m.history, next)
			return nil
		}
	}
	return fmt.Errorf("disallowed transition: %v -> %v", m.state, next)
}

// Terminal reports whether no transition leaves the current state.
func (m *machine[S]) Terminal() bool { return len(m.allowed[m.state]) == 0 }
