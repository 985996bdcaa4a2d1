package fsm

import (
	"fmt"
	"strings"
	"sync"
)

type State string

func (s State) String() string {
	return string(s)
}

type Event string

func (e Event) String() string {
	return string(e)
}

// EventDesc declares one legal transition: Event moves the machine from
// any of SrcState to DstState.
type EventDesc struct {
	Name     Event
	SrcState []State
	DstState State
}

// Transition key source + event
type trKey struct {
	source State
	event  Event
}

// FSM is a cyclic state machine: unlike a run-to-completion machine it
// has no final states, so a lifecycle may loop back to its initial
// state and start over.
type FSM struct {
	name         string
	initialState State
	currentState State

	transitions map[trKey]State

	// stateMu guards access to the currentState state.
	stateMu sync.RWMutex
}

func MustNewFSM(machineName string, initialState State, events []EventDesc) *FSM {
	machineName = strings.TrimSpace(machineName)

	if machineName == "" {
		panic("machine name cannot be empty")
	}

	if initialState == "" {
		panic("initial state cannot be empty")
	}

	if len(events) == 0 {
		panic("cannot init fsm with empty events")
	}

	f := &FSM{
		name:         machineName,
		initialState: initialState,
		currentState: initialState,
		transitions:  make(map[trKey]State),
	}

	allEvents := make(map[Event]bool)

	for _, event := range events {
		if event.Name == "" {
			panic("cannot init empty event")
		}

		if event.DstState == "" {
			panic("event dst cannot be empty")
		}

		if _, ok := allEvents[event.Name]; ok {
			panic(fmt.Sprintf("duplicate event \"%s\"", event.Name))
		}
		allEvents[event.Name] = true

		if len(event.SrcState) == 0 {
			panic("event must have minimum one source state")
		}

		for _, sourceState := range event.SrcState {
			tKey := trKey{
				source: sourceState,
				event:  event.Name,
			}
			if _, ok := f.transitions[tKey]; ok {
				panic("duplicate dst for pair `source + event`")
			}
			f.transitions[tKey] = event.DstState
		}
	}

	return f
}

func (f *FSM) Name() string {
	return f.name
}

func (f *FSM) State() State {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.currentState
}

// Do fires an event. An event that is not legal from the current state
// returns an error and leaves the state untouched.
func (f *FSM) Do(event Event) (State, error) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()

	dstState, ok := f.transitions[trKey{source: f.currentState, event: event}]
	if !ok {
		return f.currentState, fmt.Errorf(
			"fsm %s: cannot execute event \"%s\" for state \"%s\"", f.name, event, f.currentState)
	}

	f.currentState = dstState
	return f.currentState, nil
}
