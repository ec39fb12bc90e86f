package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// WorkItem is one module's portion of a task. It never outlives its task.
type WorkItem struct {
	ID          uuid.UUID       `json:"id"`
	TaskID      uuid.UUID       `json:"task_id"`
	ModuleID    string          `json:"module_id"`
	Ordinal     int             `json:"-"`
	Status      Status          `json:"status"`
	Savepoint   json.RawMessage `json:"savepoint,omitempty"`
	Location    *string         `json:"location,omitempty"`
	FailCount   int             `json:"fail_count"`
	FailureInfo json.RawMessage `json:"failure_info,omitempty"`
}

// Resumable reports whether the item has in-flight progress that should be
// finished before new modules are started.
func (w *WorkItem) Resumable() bool {
	return w.Status == StatusRunning || w.Status == StatusPaused
}

// Claimable reports whether a worker may still pick the item up.
func (w *WorkItem) Claimable() bool {
	return w.Resumable() || w.Status == StatusPending
}

// Failure is the document stored when a module gives up.
type Failure struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// EncodeFailure renders a failure document for storage.
func EncodeFailure(f Failure) (json.RawMessage, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, NewDocumentError("failure_info", err)
	}
	return b, nil
}

// DecodeFailure parses the stored failure document of a work item.
// A nil document yields a zero Failure and false.
func DecodeFailure(data json.RawMessage) (Failure, bool, error) {
	if len(data) == 0 {
		return Failure{}, false, nil
	}
	var f Failure
	if err := json.Unmarshal(data, &f); err != nil {
		return Failure{}, false, NewDocumentError("failure_info", err)
	}
	return f, true, nil
}
