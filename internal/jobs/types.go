package jobs

import (
	"encoding/json"
	"sync"
	"time"
)

// Supported job kinds.
const (
	// KindThumbnail pre-renders the cached thumbnails of an uploaded file.
	KindThumbnail = "thumbnail.pregenerate"
	// KindFileTag stores the tag chosen at upload time in the task README.
	KindFileTag = "record.file-tag"
)

// ThumbnailPayload names the design file to pre-render.
type ThumbnailPayload struct {
	Project string `json:"project"`
	Task    string `json:"task"`
	File    string `json:"file"`
}

// FileTagPayload carries a tag to record for a file.
type FileTagPayload struct {
	Dir  string `json:"dir"`
	File string `json:"file"`
	Tag  string `json:"tag"`
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one unit of background work.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`

	mu sync.RWMutex
}

// Snapshot returns a copy of the job that is safe to read without locks.
func (j *Job) Snapshot() Job {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Job{
		ID:          j.ID,
		Kind:        j.Kind,
		Status:      j.Status,
		Payload:     j.Payload,
		Attempts:    j.Attempts,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}
