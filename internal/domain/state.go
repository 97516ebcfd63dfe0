package domain

import "fmt"

// State is a phase of the task lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateSecured    State = "secured"
	StateFailed     State = "failed"
	StateArchived   State = "archived"
)

// States lists every state in lifecycle order.
var States = []State{StatePending, StateInProgress, StateSecured, StateFailed, StateArchived}

// Targets returns the states reachable from s in one transition.
func (s State) Targets() []State {
	switch s {
	case StatePending:
		return []State{StateInProgress, StateArchived}
	case StateInProgress:
		return []State{StateSecured, StateFailed, StatePending}
	case StateSecured:
		return []State{StateArchived}
	case StateFailed:
		return []State{StatePending, StateArchived}
	case StateArchived:
		return nil
	}
	return nil
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to State) bool {
	for _, t := range from.Targets() {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s.Valid() && len(s.Targets()) == 0
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateInProgress, StateSecured, StateFailed, StateArchived:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("state %q: %w", string(s), ErrUnknownValue)
	}
	return []byte(s), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState converts the wire form of a state.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("state %q: %w", v, ErrUnknownValue)
	}
	return s, nil
}

// Priority orders tasks by urgency.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

func (p Priority) String() string { return string(p) }

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("priority %q: %w", string(p), ErrUnknownValue)
	}
	return []byte(p), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func ParsePriority(v string) (Priority, error) {
	p := Priority(v)
	if !p.Valid() {
		return "", fmt.Errorf("priority %q: %w", v, ErrUnknownValue)
	}
	return p, nil
}

// SecurityLevel is the security classification of a task.
type SecurityLevel string

const (
	SecurityCritical SecurityLevel = "critical"
	SecurityHigh     SecurityLevel = "high"
	SecurityMedium   SecurityLevel = "medium"
	SecurityLow      SecurityLevel = "low"
	SecurityInfo     SecurityLevel = "info"
)

func (l SecurityLevel) Valid() bool {
	switch l {
	case SecurityCritical, SecurityHigh, SecurityMedium, SecurityLow, SecurityInfo:
		return true
	}
	return false
}

func (l SecurityLevel) String() string { return string(l) }

func (l SecurityLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("security level %q: %w", string(l), ErrUnknownValue)
	}
	return []byte(l), nil
}

func (l *SecurityLevel) UnmarshalText(b []byte) error {
	v, err := ParseSecurityLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

func ParseSecurityLevel(v string) (SecurityLevel, error) {
	l := SecurityLevel(v)
	if !l.Valid() {
		return "", fmt.Errorf("security level %q: %w", v, ErrUnknownValue)
	}
	return l, nil
}
