// Package job binds a claimed export task to the store that owns it.
package job

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/store"
)

// Job is a read-only handle on a claimed task. The export engine uses it to
// pull the task's work items one at a time.
type Job[S any] struct {
	task  *domain.Task
	ref   S
	store store.ExportStore[S]
}

// New binds task, which lives on the shard ref, to st.
func New[S any](task *domain.Task, ref S, st store.ExportStore[S]) *Job[S] {
	return &Job[S]{task: task, ref: ref, store: st}
}

// Task returns the task as it was loaded when the job was claimed.
func (j *Job[S]) Task() *domain.Task {
	return j.task
}

// ID returns the id of the task.
func (j *Job[S]) ID() uuid.UUID {
	return j.task.ID
}

// Ref returns the shard the task lives on.
func (j *Job[S]) Ref() S {
	return j.ref
}

// ClaimNextWorkItem claims the next runnable work item of the task. It
// reports false when every item is DONE or FAILED.
func (j *Job[S]) ClaimNextWorkItem(ctx context.Context) (*domain.WorkItem, bool, error) {
	item, ok, err := j.store.ClaimNextWorkItem(ctx, j.ref, j.task.ID)
	if err != nil {
		return nil, false, fmt.Errorf("claim next work item of task %s: %w", j.task.ID, err)
	}
	return item, ok, nil
}
