package task

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/job"
	"github.com/phrazzld/export-queue/internal/platform/blob"
	"github.com/phrazzld/export-queue/internal/service"
	"github.com/phrazzld/export-queue/internal/store"
)

const fakeShard = "shard-0"

// fakeEngine is an in-memory Engine holding a single task.
type fakeEngine struct {
	mu sync.Mutex

	task        *domain.Task
	savepoints  map[string]domain.Savepoint
	blobs       map[string][]byte
	files       []domain.ResultFile
	maxFail     int
	touchResult bool
	touches     int
	deleted     []string

	// markDoneErr makes MarkWorkItemDone fail like an unreachable shard.
	markDoneErr error
	paused      int

	sweep      service.SweepResult[string]
	sweepErr   error
	notified   map[uuid.UUID]bool
	unsetCalls int
}

func newFakeEngine(task *domain.Task) *fakeEngine {
	return &fakeEngine{
		task:        task,
		savepoints:  make(map[string]domain.Savepoint),
		blobs:       make(map[string][]byte),
		maxFail:     3,
		touchResult: true,
		notified:    make(map[uuid.UUID]bool),
	}
}

// jobFor wraps task in a job handle for direct engine calls.
func jobFor(task *domain.Task) *job.Job[string] {
	return job.New[string](task, fakeShard, nil)
}

func (e *fakeEngine) snapshot() domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := *e.task
	t.WorkItems = append([]domain.WorkItem(nil), e.task.WorkItems...)
	t.ResultFiles = append([]domain.ResultFile(nil), e.files...)
	return t
}

func (e *fakeEngine) item(moduleID string) *domain.WorkItem {
	w, _ := e.task.WorkItem(moduleID)
	return w
}

func (e *fakeEngine) setStatus(status domain.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.task.Status = status
}

// fakeStore serves the job handle. Only ClaimNextWorkItem is used.
type fakeStore struct {
	store.ExportStore[string]
	e *fakeEngine
}

func (s fakeStore) ClaimNextWorkItem(_ context.Context, _ string, _ uuid.UUID) (*domain.WorkItem, bool, error) {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	for _, resumable := range []bool{true, false} {
		for i := range s.e.task.WorkItems {
			w := &s.e.task.WorkItems[i]
			if w.Resumable() == resumable && w.Claimable() {
				w.Status = domain.StatusRunning
				claimed := *w
				return &claimed, true, nil
			}
		}
	}
	return nil, false, nil
}

func (e *fakeEngine) ClaimNextJob(_ context.Context) (*job.Job[string], bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task == nil || !e.task.Status.In(domain.StatusPending, domain.StatusPaused) {
		return nil, false, nil
	}
	e.task.Status = domain.StatusRunning
	t := *e.task
	t.WorkItems = append([]domain.WorkItem(nil), e.task.WorkItems...)
	return job.New[string](&t, fakeShard, fakeStore{e: e}), true, nil
}

func (e *fakeEngine) Reload(_ context.Context, _ *job.Job[string]) (*domain.Task, bool, error) {
	t := e.snapshot()
	return &t, true, nil
}

func (e *fakeEngine) Touch(_ context.Context, _ *job.Job[string]) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touches++
	return e.touchResult && e.task.Status == domain.StatusRunning, nil
}

func (e *fakeEngine) setItem(moduleID string, fn func(w *domain.WorkItem) bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.item(moduleID)
	if w == nil {
		return false
	}
	return fn(w)
}

func (e *fakeEngine) MarkWorkItemDone(_ context.Context, _ *job.Job[string], moduleID, location string) (bool, error) {
	if e.markDoneErr != nil {
		return false, e.markDoneErr
	}
	return e.setItem(moduleID, func(w *domain.WorkItem) bool {
		w.Status = domain.StatusDone
		w.Location = &location
		return true
	}), nil
}

func (e *fakeEngine) MarkWorkItemPaused(_ context.Context, _ *job.Job[string], moduleID string) (bool, error) {
	return e.setItem(moduleID, func(w *domain.WorkItem) bool {
		w.Status = domain.StatusPaused
		return true
	}), nil
}

func (e *fakeEngine) MarkWorkItemFailed(_ context.Context, _ *job.Job[string], moduleID string, failure domain.Failure) (bool, error) {
	doc, err := domain.EncodeFailure(failure)
	if err != nil {
		return false, err
	}
	return e.setItem(moduleID, func(w *domain.WorkItem) bool {
		w.Status = domain.StatusFailed
		w.FailureInfo = doc
		return true
	}), nil
}

func (e *fakeEngine) MarkWorkItemPending(_ context.Context, _ *job.Job[string], moduleID string) (bool, error) {
	return e.setItem(moduleID, func(w *domain.WorkItem) bool {
		w.Status = domain.StatusPending
		return true
	}), nil
}

func (e *fakeEngine) IncrementFailCount(_ context.Context, _ *job.Job[string], moduleID string) (bool, error) {
	return e.setItem(moduleID, func(w *domain.WorkItem) bool {
		if w.FailCount >= e.maxFail {
			return false
		}
		w.FailCount++
		return true
	}), nil
}

func (e *fakeEngine) WriteSavepoint(_ context.Context, _ *job.Job[string], moduleID string, sp domain.Savepoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.item(moduleID)
	if w == nil {
		return store.ErrWorkItemNotFound
	}
	if sp.Location != nil {
		loc := *sp.Location
		w.Location = &loc
	}
	stored := sp
	if stored.Location == nil {
		stored.Location = w.Location
	}
	e.savepoints[moduleID] = stored
	return nil
}

func (e *fakeEngine) ReadSavepoint(_ context.Context, _ *job.Job[string], moduleID string) (domain.Savepoint, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sp, ok := e.savepoints[moduleID]
	return sp, ok, nil
}

func (e *fakeEngine) transition(to domain.Status, guard ...domain.Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.Status == to || e.task.Status.In(guard...) {
		return false
	}
	e.task.Status = to
	return true
}

func (e *fakeEngine) MarkTaskDone(_ context.Context, _ *job.Job[string]) (bool, error) {
	return e.transition(domain.StatusDone, domain.StatusFailed), nil
}

func (e *fakeEngine) MarkTaskFailed(_ context.Context, _ *job.Job[string]) (bool, error) {
	return e.transition(domain.StatusFailed, domain.StatusDone), nil
}

func (e *fakeEngine) MarkTaskPaused(_ context.Context, _ *job.Job[string]) (bool, error) {
	e.mu.Lock()
	e.paused++
	e.mu.Unlock()
	return e.transition(domain.StatusPaused, domain.StatusDone, domain.StatusFailed, domain.StatusAborted), nil
}

func (e *fakeEngine) AddResultFile(_ context.Context, j *job.Job[string], file domain.ResultFile) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	file.TaskID = j.ID()
	e.files = append(e.files, file)
	return nil
}

func (e *fakeEngine) PurgeResultFiles(_ context.Context, _ *job.Job[string]) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.files)
	for _, f := range e.files {
		delete(e.blobs, f.Location)
	}
	e.files = nil
	return n, nil
}

func (e *fakeEngine) PutBlob(ctx context.Context, j *job.Job[string], name string, r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	location := blob.TaskLocation(j.ID(), name)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blobs[location] = data
	return location, int64(len(data)), nil
}

func (e *fakeEngine) GetBlob(_ context.Context, _ *job.Job[string], location string) (io.ReadCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.blobs[location]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (e *fakeEngine) DeleteBlob(_ context.Context, _ *job.Job[string], location string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.blobs, location)
	e.deleted = append(e.deleted, location)
}

// moduleBlobs lists the stored intermediate files of a module.
func (e *fakeEngine) moduleBlobs(taskID uuid.UUID, moduleID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix := blob.TaskLocation(taskID, "modules/"+moduleID) + "/"
	var locations []string
	for loc := range e.blobs {
		if strings.HasPrefix(loc, prefix) {
			locations = append(locations, loc)
		}
	}
	return locations
}

func (e *fakeEngine) blob(location string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.blobs[location]
	return data, ok
}

func (e *fakeEngine) Sweep(_ context.Context) (service.SweepResult[string], error) {
	return e.sweep, e.sweepErr
}

func (e *fakeEngine) SetNotificationSent(_ context.Context, n service.Notification[string]) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.notified[n.Task.ID] {
		return false, nil
	}
	e.notified[n.Task.ID] = true
	return true, nil
}

func (e *fakeEngine) UnsetNotificationSent(_ context.Context, n service.Notification[string]) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsetCalls++
	if !e.notified[n.Task.ID] {
		return false, nil
	}
	e.notified[n.Task.ID] = false
	return true, nil
}

var _ Engine[string] = (*fakeEngine)(nil)

// recordingNotifier records notified tasks and fails for the ones in fail.
type recordingNotifier struct {
	mu       sync.Mutex
	notified []uuid.UUID
	fail     map[uuid.UUID]bool
}

func (n *recordingNotifier) NotifyExportFinished(_ context.Context, task domain.Task) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail[task.ID] {
		return errors.New("mail relay unavailable")
	}
	n.notified = append(n.notified, task.ID)
	return nil
}
