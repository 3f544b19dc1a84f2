// Package api serves the designvault HTTP API: project and task listings,
// README mutations, chunked uploads, thumbnails, downloads and the change
// stream.
package api

import (
	"encoding/json"

	"github.com/p-blackswan/designvault/internal/record"
)

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// --- Requests ---

type statusRequest struct {
	Status string `json:"status" validate:"required,max=64"`
}

type descriptionRequest struct {
	Description string `json:"description" validate:"max=4000"`
}

type tagRequest struct {
	Tag string `json:"tag" validate:"max=64"`
}

type defaultFileRequest struct {
	FileName string `json:"fileName" validate:"max=255"`
}

type commentRequest struct {
	Title string `json:"title" validate:"max=200"`
	Text  string `json:"text" validate:"required,max=20000"`
}

type readmeRequest struct {
	Content     string          `json:"content"`
	Frontmatter json.RawMessage `json:"frontmatter"`
}

type settingsRequest struct {
	AllowedStatuses []string          `json:"allowedStatuses" validate:"omitempty,max=64,dive,required,max=64"`
	AllowedTags     []string          `json:"allowedTags" validate:"omitempty,max=256,dive,required,max=64"`
	StatusOrder     []string          `json:"statusOrder" validate:"omitempty,max=64,dive,required,max=64"`
	ProjectStatuses map[string]string `json:"projectStatuses" validate:"omitempty,dive,keys,required,max=255,endkeys,max=64"`
}

func (r settingsRequest) settings() record.ProjectSettings {
	return record.ProjectSettings{
		AllowedStatuses: r.AllowedStatuses,
		AllowedTags:     r.AllowedTags,
		StatusOrder:     r.StatusOrder,
		ProjectStatuses: r.ProjectStatuses,
	}
}

type chunkForm struct {
	UploadID    string `form:"uploadId" validate:"required,max=128"`
	ChunkIndex  int    `form:"chunkIndex" validate:"min=0"`
	TotalChunks int    `form:"totalChunks" validate:"required,min=1"`
	FileName    string `form:"fileName" validate:"required,max=255"`
	FileSize    int64  `form:"fileSize" validate:"min=0"`
	Tags        string `form:"tags" validate:"max=64"`
}

// --- Responses ---

type successResponse struct {
	Success bool `json:"success"`
}

var okResponse = successResponse{Success: true}

// ProjectView is a project with its task summaries.
type ProjectView struct {
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	TaskCount   int            `json:"taskCount"`
	TotalFiles  int            `json:"totalFiles"`
	UpdatedAt   int64          `json:"updatedAt"`
	Frontmatter map[string]any `json:"frontmatter"`
	Tasks       []TaskSummary  `json:"tasks"`
}

// TaskSummary is the short form of a task used in project views.
type TaskSummary struct {
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	FileCount   int            `json:"fileCount"`
	UpdatedAt   int64          `json:"updatedAt"`
	Frontmatter map[string]any `json:"frontmatter"`
}

// TaskView is a task with its README and design files.
type TaskView struct {
	Name          string         `json:"name"`
	Project       string         `json:"project"`
	Status        string         `json:"status"`
	UpdatedAt     int64          `json:"updatedAt"`
	ReadmeContent string         `json:"readmeContent"`
	Frontmatter   map[string]any `json:"frontmatter"`
	Files         []FileView     `json:"files"`
	FileCount     int            `json:"fileCount"`
}

// FileView is a design file with the URLs a client needs to show it.
type FileView struct {
	record.DesignFile
	DownloadURL  string `json:"downloadUrl"`
	ThumbnailURL string `json:"thumbnailUrl"`
}

type taggedFileView struct {
	record.TaggedFile
	Tag          string `json:"tag"`
	DownloadURL  string `json:"downloadUrl"`
	ThumbnailURL string `json:"thumbnailUrl"`
}

type jobView struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt,omitempty"`
	CompletedAt int64           `json:"completedAt,omitempty"`
}

type signRequest struct {
	Path string `json:"path" validate:"required,startswith=/api/,max=2048"`
}

type signResponse struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expiresAt"`
}
