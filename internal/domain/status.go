package domain

import "fmt"

// Status is the lifecycle state shared by tasks and work items.
type Status string

// Possible status values. Work items never use StatusAborted.
const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusPaused  Status = "PAUSED"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
	StatusAborted Status = "ABORTED"
)

// ParseStatus converts a stored value into a Status.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return status, nil
}

// Valid reports whether s is a known task status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusDone, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// ValidForWorkItem reports whether s may be stored on a work item.
func (s Status) ValidForWorkItem() bool {
	return s.Valid() && s != StatusAborted
}

// Terminal reports whether no worker will ever pick the entity up again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusAborted
}

// In reports whether s equals any of the given values.
func (s Status) In(values ...Status) bool {
	for _, v := range values {
		if s == v {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
