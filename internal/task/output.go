package task

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/job"
)

// moduleOutput collects what one attempt of a module writes. Output covered
// by the latest checkpoint lives in a committed blob that the savepoint
// points at; output written since is spooled to a temp file and dropped when
// the attempt fails. A resumed module therefore appends to exactly the data
// its savepoint describes.
type moduleOutput[S any] struct {
	engine   Engine[S]
	job      *job.Job[S]
	moduleID string

	committed string
	spool     *os.File
	size      int64
}

// newModuleOutput starts an attempt on top of committed, the location of
// the output an earlier attempt checkpointed, or "" for a fresh start.
func newModuleOutput[S any](engine Engine[S], j *job.Job[S], moduleID, committed, tempDir string) (*moduleOutput[S], error) {
	f, err := os.CreateTemp(tempDir, "module-*")
	if err != nil {
		return nil, fmt.Errorf("create module spool: %w", err)
	}
	return &moduleOutput[S]{
		engine:    engine,
		job:       j,
		moduleID:  moduleID,
		committed: committed,
		spool:     f,
	}, nil
}

// Write implements io.Writer. It must not run concurrently with checkpoint.
func (o *moduleOutput[S]) Write(p []byte) (int, error) {
	n, err := o.spool.WriteAt(p, o.size)
	o.size += int64(n)
	return n, err
}

// flush stores the committed output followed by the spool as a new blob.
// The committed blob is left in place.
func (o *moduleOutput[S]) flush(ctx context.Context) (string, error) {
	var r io.Reader = io.NewSectionReader(o.spool, 0, o.size)
	if o.committed != "" {
		prev, err := o.engine.GetBlob(ctx, o.job, o.committed)
		if err != nil {
			return "", fmt.Errorf("open checkpointed output of %s: %w", o.moduleID, err)
		}
		defer func() { _ = prev.Close() }()
		r = io.MultiReader(prev, r)
	}
	name := fmt.Sprintf("modules/%s/%s", o.moduleID, uuid.NewString())
	location, _, err := o.engine.PutBlob(ctx, o.job, name, r)
	return location, err
}

// checkpoint commits the spooled output and sp together. sp.Location is
// replaced by the blob holding everything written so far.
func (o *moduleOutput[S]) checkpoint(ctx context.Context, sp domain.Savepoint) error {
	location := o.committed
	if o.size > 0 {
		var err error
		if location, err = o.flush(ctx); err != nil {
			return err
		}
	}
	sp.Location = nil
	if location != "" {
		sp.Location = &location
	}

	if err := o.engine.WriteSavepoint(ctx, o.job, o.moduleID, sp); err != nil {
		if location != o.committed {
			o.engine.DeleteBlob(ctx, o.job, location)
		}
		return err
	}
	if location == o.committed {
		return nil
	}

	previous := o.committed
	o.committed = location
	o.size = 0
	if err := o.spool.Truncate(0); err != nil {
		return fmt.Errorf("reset module spool: %w", err)
	}
	if previous != "" {
		o.engine.DeleteBlob(ctx, o.job, previous)
	}
	return nil
}

// complete stores the whole output of a successful attempt. It returns the
// final location and the checkpointed blob it supersedes, which the caller
// deletes once the work item is marked done.
func (o *moduleOutput[S]) complete(ctx context.Context) (location, superseded string, err error) {
	if o.size == 0 && o.committed != "" {
		return o.committed, "", nil
	}
	location, err = o.flush(ctx)
	if err != nil {
		return "", "", err
	}
	return location, o.committed, nil
}

func (o *moduleOutput[S]) close() {
	name := o.spool.Name()
	_ = o.spool.Close()
	_ = os.Remove(name)
}
