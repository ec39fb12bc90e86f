package domain

import "github.com/google/uuid"

// ResultFile is one finalized output chunk of an export.
type ResultFile struct {
	TaskID   uuid.UUID `json:"task_id"`
	Seq      int       `json:"seq"`
	Location string    `json:"location"`
	Size     int64     `json:"size"`
}

// TotalSize sums the size of all files.
func TotalSize(files []ResultFile) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}
