package task

import (
	"archive/zip"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/job"
)

// BlobAccess reads and writes the blobs of a job.
type BlobAccess[S any] interface {
	PutBlob(ctx context.Context, j *job.Job[S], name string, r io.Reader) (string, int64, error)
	GetBlob(ctx context.Context, j *job.Job[S], location string) (io.ReadCloser, error)
}

// packager bundles the intermediate module files of a job into zip chunks.
// A chunk carries at most limit bytes of module data; a module larger than
// the room left is split into numbered parts across chunks.
type packager[S any] struct {
	blobs   BlobAccess[S]
	job     *job.Job[S]
	limit   int64
	tempDir string

	files []domain.ResultFile
	chunk *chunk
}

type chunk struct {
	file *os.File
	zw   *zip.Writer
	used int64
}

// ResultFileName is the blob name of result chunk seq.
func ResultFileName(seq int) string {
	return fmt.Sprintf("export-%d.zip", seq)
}

func entryName(moduleID string, part int) string {
	if part == 0 {
		return moduleID
	}
	return fmt.Sprintf("%s.part%d", moduleID, part)
}

func newPackager[S any](blobs BlobAccess[S], j *job.Job[S], limit int64, tempDir string) *packager[S] {
	if limit <= 0 {
		limit = 1 << 62
	}
	return &packager[S]{blobs: blobs, job: j, limit: limit, tempDir: tempDir}
}

// Package writes every DONE item with a location into result chunks and
// returns them in order. At least one chunk is produced.
func (p *packager[S]) Package(ctx context.Context, items []domain.WorkItem) ([]domain.ResultFile, error) {
	defer func() {
		if p.chunk != nil {
			p.chunk.discard()
			p.chunk = nil
		}
	}()

	for _, item := range items {
		if item.Status != domain.StatusDone || item.Location == nil {
			continue
		}
		if err := p.add(ctx, item.ModuleID, *item.Location); err != nil {
			return nil, fmt.Errorf("package module %s: %w", item.ModuleID, err)
		}
	}

	if p.chunk != nil || len(p.files) == 0 {
		if err := p.ensureChunk(); err != nil {
			return nil, err
		}
		if err := p.flush(ctx); err != nil {
			return nil, err
		}
	}
	return p.files, nil
}

func (p *packager[S]) add(ctx context.Context, moduleID, location string) error {
	rc, err := p.blobs.GetBlob(ctx, p.job, location)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	r := bufio.NewReader(rc)

	for part := 0; ; part++ {
		if part > 0 {
			if _, err := r.Peek(1); errors.Is(err, io.EOF) {
				return nil
			} else if err != nil {
				return err
			}
		}
		if p.chunk != nil && p.chunk.used >= p.limit {
			if err := p.flush(ctx); err != nil {
				return err
			}
		}
		if err := p.ensureChunk(); err != nil {
			return err
		}

		w, err := p.chunk.zw.Create(entryName(moduleID, part))
		if err != nil {
			return err
		}
		n, err := io.CopyN(w, r, p.limit-p.chunk.used)
		p.chunk.used += n
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (p *packager[S]) ensureChunk() error {
	if p.chunk != nil {
		return nil
	}
	f, err := os.CreateTemp(p.tempDir, "export-chunk-*.zip")
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}
	p.chunk = &chunk{file: f, zw: zip.NewWriter(f)}
	return nil
}

// flush uploads the open chunk as the next result file.
func (p *packager[S]) flush(ctx context.Context) error {
	c := p.chunk
	p.chunk = nil
	defer c.discard()

	if err := c.zw.Close(); err != nil {
		return fmt.Errorf("finish chunk: %w", err)
	}
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind chunk: %w", err)
	}

	seq := len(p.files)
	location, size, err := p.blobs.PutBlob(ctx, p.job, ResultFileName(seq), c.file)
	if err != nil {
		return fmt.Errorf("upload chunk %d: %w", seq, err)
	}
	p.files = append(p.files, domain.ResultFile{
		TaskID:   p.job.ID(),
		Seq:      seq,
		Location: location,
		Size:     size,
	})
	return nil
}

func (c *chunk) discard() {
	_ = c.file.Close()
	_ = os.Remove(c.file.Name())
}
