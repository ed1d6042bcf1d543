package queue

import (
	"fmt"
	"strings"
)

// Priority is the delivery class of a queued message. Lower values are
// served first; the value doubles as the index of the message's bucket.
type Priority uint8

const (
	// PriorityCritical is for messages that must jump every other class
	PriorityCritical Priority = iota
	// PriorityHigh is for time-sensitive mail such as password resets
	PriorityHigh
	// PriorityNormal is the default class
	PriorityNormal
	// PriorityLow is for mail that can wait behind normal traffic
	PriorityLow
	// PriorityBulk is for newsletters and other mass mailings
	PriorityBulk

	numPriorities = int(PriorityBulk) + 1
)

// DefaultPriority is used by producers that do not pick a class.
const DefaultPriority = PriorityNormal

var priorityNames = [numPriorities]string{"critical", "high", "normal", "low", "bulk"}

// String returns the lower-case name of the priority
func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the five known classes
func (p Priority) Valid() bool {
	return int(p) < numPriorities
}

// MarshalText implements encoding.TextMarshaler
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority converts a priority name (case-insensitive) to a Priority
func ParsePriority(s string) (Priority, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return DefaultPriority, nil
	}
	for i, n := range priorityNames {
		if n == name {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Priorities returns all classes in service order
func Priorities() []Priority {
	out := make([]Priority, numPriorities)
	for i := range out {
		out[i] = Priority(i)
	}
	return out
}
