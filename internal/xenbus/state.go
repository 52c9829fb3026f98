package xenbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// State is the connection state each end publishes.
type State int

const (
	StateUnknown State = iota
	StateInitialising
	StateInitWait
	StateInitialised
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateInitialising:
		return "Initialising"
	case StateInitWait:
		return "InitWait"
	case StateInitialised:
		return "Initialised"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var transitions = map[State][]State{
	StateUnknown:      {StateInitialising},
	StateInitialising: {StateInitWait, StateInitialised, StateClosing, StateClosed},
	StateInitWait:     {StateInitialised, StateConnected, StateClosing, StateClosed},
	StateInitialised:  {StateConnected, StateClosing, StateClosed},
	StateConnected:    {StateClosing, StateClosed},
	StateClosing:      {StateClosed},
	StateClosed:       {StateInitialising},
}

// CanTransition reports whether an end may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func statePath(dir string) string { return Join(dir, "state") }

// State reads the state an end published under dir. A missing entry is
// StateUnknown.
func (s *Store) State(dir string) (State, error) {
	v, err := s.Read(statePath(dir))
	if errors.Is(err, ErrNotFound) {
		return StateUnknown, nil
	}
	if err != nil {
		return StateUnknown, err
	}
	return parseState(v)
}

func parseState(v []byte) (State, error) {
	n, err := strconv.Atoi(string(v))
	if err != nil || n < int(StateUnknown) || n > int(StateClosed) {
		return StateUnknown, fmt.Errorf("xenbus: bad state value %q", v)
	}
	return State(n), nil
}

// SetState moves the end under dir to next.
func (s *Store) SetState(dir string, next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := StateUnknown
	if v, ok := s.data[statePath(dir)]; ok {
		st, err := parseState(v)
		if err != nil {
			return err
		}
		cur = st
	}
	if cur == next {
		return nil
	}
	if !CanTransition(cur, next) {
		return fmt.Errorf("%w: %s: %s -> %s", ErrInvalidTransition, dir, cur, next)
	}
	s.data[statePath(dir)] = []byte(strconv.Itoa(int(next)))
	s.fire(statePath(dir))
	s.log.Debug("xenbus: state", "dir", dir, "from", cur, "to", next)
	return nil
}

// WaitState blocks until the end under dir reaches one of want.
func (s *Store) WaitState(ctx context.Context, dir string, want ...State) (State, error) {
	var got State
	_, err := s.WaitFor(ctx, statePath(dir), func(v []byte) bool {
		st := StateUnknown
		if v != nil {
			parsed, err := parseState(v)
			if err != nil {
				return false
			}
			st = parsed
		}
		for _, w := range want {
			if st == w {
				got = st
				return true
			}
		}
		return false
	})
	return got, err
}
