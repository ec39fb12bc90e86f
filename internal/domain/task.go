package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is one user's export request and the unit of scheduling.
// Exactly one task exists per (tenant, user) pair on a shard.
type Task struct {
	ID               uuid.UUID     `json:"id"`
	Tenant           int           `json:"tenant"`
	User             int           `json:"user"`
	Status           Status        `json:"status"`
	Bucket           int           `json:"bucket"`
	CreatedAt        time.Time     `json:"created_at"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	Duration         time.Duration `json:"duration"`
	Timestamp        *time.Time    `json:"timestamp,omitempty"`
	NotificationSent bool          `json:"notification_sent"`
	Arguments        Arguments     `json:"arguments"`

	// Loaded with the task when it is fetched in full.
	WorkItems   []WorkItem   `json:"work_items,omitempty"`
	ResultFiles []ResultFile `json:"result_files,omitempty"`
}

// Arguments is the document describing what an export should contain.
type Arguments struct {
	MaxFileSize int64    `json:"max_file_size"`
	HostInfo    HostInfo `json:"host_info"`
	Modules     []Module `json:"modules"`
}

// HostInfo records where the export was requested from.
type HostInfo struct {
	Host   string `json:"host"`
	Secure bool   `json:"secure"`
}

// Module is one selected export module with its free-form options.
type Module struct {
	ID      string         `json:"id"`
	Options map[string]any `json:"options,omitempty"`
}

// NewTask creates a PENDING task with one PENDING work item per selected
// module. The timestamp stays unset until a worker claims the task.
func NewTask(tenant, user, bucket int, args Arguments) (*Task, error) {
	t := &Task{
		ID:        uuid.New(),
		Tenant:    tenant,
		User:      user,
		Status:    StatusPending,
		Bucket:    bucket,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Arguments: args,
	}
	for _, m := range args.Modules {
		t.WorkItems = append(t.WorkItems, WorkItem{
			ID:       uuid.New(),
			TaskID:   t.ID,
			ModuleID: m.ID,
			Status:   StatusPending,
		})
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the invariants a task must satisfy before it is stored.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("%w: task id is empty", ErrValidation)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, t.Status)
	}
	if t.Arguments.MaxFileSize < 0 {
		return fmt.Errorf("%w: negative max file size", ErrValidation)
	}
	if len(t.Arguments.Modules) == 0 {
		return ErrNoModules
	}
	seen := make(map[string]struct{}, len(t.Arguments.Modules))
	for _, m := range t.Arguments.Modules {
		if m.ID == "" {
			return fmt.Errorf("%w: empty module id", ErrValidation)
		}
		if _, ok := seen[m.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateModule, m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	return nil
}

// WorkItem returns the loaded work item for moduleID.
func (t *Task) WorkItem(moduleID string) (*WorkItem, bool) {
	for i := range t.WorkItems {
		if t.WorkItems[i].ModuleID == moduleID {
			return &t.WorkItems[i], true
		}
	}
	return nil, false
}

// EncodeArguments renders the arguments document for storage.
func EncodeArguments(args Arguments) ([]byte, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	return b, nil
}

// DecodeArguments parses a stored arguments document.
func DecodeArguments(data []byte) (Arguments, error) {
	var args Arguments
	if len(data) == 0 {
		return args, NewDocumentError("arguments", fmt.Errorf("empty document"))
	}
	if err := json.Unmarshal(data, &args); err != nil {
		return Arguments{}, NewDocumentError("arguments", err)
	}
	return args, nil
}
