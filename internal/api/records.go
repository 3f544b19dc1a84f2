package api

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"

	perrors "github.com/p-blackswan/designvault/internal/errors"
	"github.com/p-blackswan/designvault/internal/frontmatter"
	"github.com/p-blackswan/designvault/internal/record"
)

const (
	defaultProjectStatus = "active"
	defaultTaskStatus    = "pending"
)

// ListProjects handles GET /api/projects. Missing READMEs are created on
// the way, so a directory dropped into the data root shows up as a project.
func (h *Handlers) ListProjects(c *fiber.Ctx) error {
	names, err := record.ListSubdirs(h.root)
	if err != nil {
		return h.fail(c, perrors.Wrap(perrors.ErrIO, "list_projects", h.root, err))
	}
	views := make([]ProjectView, 0, len(names))
	for _, name := range names {
		v, err := h.projectView(c.UserContext(), name, filepath.Join(h.root, name))
		if err != nil {
			h.logger.Warn().Err(err).Str("project", name).Msg("skipping unreadable project")
			continue
		}
		views = append(views, v)
	}
	return c.JSON(views)
}

// GetProject handles GET /api/projects/:project.
func (h *Handlers) GetProject(c *fiber.Ctx) error {
	project, dir, err := h.projectDir(c)
	if err != nil {
		return h.fail(c, err)
	}
	v, err := h.projectView(c.UserContext(), project, dir)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(v)
}

// UpdateProjectSettings handles PATCH /api/projects/:project/settings.
func (h *Handlers) UpdateProjectSettings(c *fiber.Ctx) error {
	project, dir, err := h.projectDir(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req settingsRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	ctx := c.UserContext()
	if _, err := h.records.EnsureExists(ctx, dir, project, record.KindProject); err != nil {
		return h.fail(c, err)
	}
	if err := h.records.UpdateProjectSettings(ctx, dir, req.settings()); err != nil {
		return h.fail(c, err)
	}
	v, err := h.projectView(ctx, project, dir)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(v)
}

func (h *Handlers) projectView(ctx context.Context, name, dir string) (ProjectView, error) {
	if _, err := h.records.EnsureExists(ctx, dir, name, record.KindProject); err != nil {
		return ProjectView{}, err
	}
	rec, err := h.records.Read(dir)
	if err != nil {
		return ProjectView{}, err
	}
	v := ProjectView{
		Name:        name,
		Status:      statusOr(rec.Status, defaultProjectStatus),
		UpdatedAt:   rec.UpdatedAt(),
		Frontmatter: rec.Metadata.Map(),
		Tasks:       []TaskSummary{},
	}

	tasks, err := record.ListSubdirs(dir)
	if err != nil {
		return ProjectView{}, perrors.Wrap(perrors.ErrIO, "list_tasks", dir, err)
	}
	for _, task := range tasks {
		taskDir := filepath.Join(dir, task)
		if _, err := h.records.EnsureExists(ctx, taskDir, task, record.KindTask); err != nil {
			h.logger.Warn().Err(err).Str("project", name).Str("task", task).Msg("could not create task README")
		}
		s := TaskSummary{Name: task, Status: defaultTaskStatus, Frontmatter: map[string]any{}}
		trec, err := h.records.Read(taskDir)
		if err == nil {
			s.Status = statusOr(trec.Status, defaultTaskStatus)
			s.UpdatedAt = trec.UpdatedAt()
			s.Frontmatter = trec.Metadata.Map()
		} else {
			trec = nil
		}
		if files, err := record.ListDesignFiles(taskDir, trec); err == nil {
			s.FileCount = len(files)
		}
		v.Tasks = append(v.Tasks, s)
		v.TotalFiles += s.FileCount
	}
	v.TaskCount = len(v.Tasks)
	return v, nil
}

// ListTasks handles GET /api/tasks/:project.
func (h *Handlers) ListTasks(c *fiber.Ctx) error {
	project, dir, err := h.projectDir(c)
	if err != nil {
		return h.fail(c, err)
	}
	tasks, err := record.ListSubdirs(dir)
	if err != nil {
		return h.fail(c, perrors.Wrap(perrors.ErrIO, "list_tasks", dir, err))
	}
	views := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		v, err := h.taskView(project, task, filepath.Join(dir, task))
		if err != nil {
			h.logger.Warn().Err(err).Str("project", project).Str("task", task).Msg("skipping unreadable task")
			continue
		}
		views = append(views, v)
	}
	return c.JSON(views)
}

// GetTask handles GET /api/tasks/:project/:task.
func (h *Handlers) GetTask(c *fiber.Ctx) error {
	project, task, dir, err := h.taskDir(c)
	if err != nil {
		return h.fail(c, err)
	}
	v, err := h.taskView(project, task, dir)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(v)
}

// ListFiles handles GET /api/tasks/:project/:task/files.
func (h *Handlers) ListFiles(c *fiber.Ctx) error {
	project, task, dir, err := h.taskDir(c)
	if err != nil {
		return h.fail(c, err)
	}
	rec, err := h.optionalRecord(dir)
	if err != nil {
		return h.fail(c, err)
	}
	files, err := record.ListDesignFiles(dir, rec)
	if err != nil {
		return h.fail(c, perrors.Wrap(perrors.ErrIO, "list_files", dir, err))
	}
	return c.JSON(h.fileViews(project, task, files))
}

func (h *Handlers) taskView(project, task, dir string) (TaskView, error) {
	rec, err := h.optionalRecord(dir)
	if err != nil {
		return TaskView{}, err
	}
	files, err := record.ListDesignFiles(dir, rec)
	if err != nil {
		return TaskView{}, perrors.Wrap(perrors.ErrIO, "list_files", dir, err)
	}
	v := TaskView{
		Name:        task,
		Project:     project,
		Status:      defaultTaskStatus,
		Frontmatter: map[string]any{},
		Files:       h.fileViews(project, task, files),
		FileCount:   len(files),
	}
	if rec != nil {
		v.Status = statusOr(rec.Status, defaultTaskStatus)
		v.UpdatedAt = rec.UpdatedAt()
		v.ReadmeContent = rec.Body
		v.Frontmatter = rec.Metadata.Map()
	}
	return v, nil
}

// optionalRecord reads dir's README, returning nil when there is none yet.
func (h *Handlers) optionalRecord(dir string) (*record.Record, error) {
	rec, err := h.records.Read(dir)
	if errors.Is(err, perrors.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// SetStatus handles PUT /api/tasks/:project/:task/status.
func (h *Handlers) SetStatus(c *fiber.Ctx) error {
	dir, err := h.writableTask(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req statusRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	change, err := h.records.SetStatus(c.UserContext(), dir, strings.TrimSpace(req.Status))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(change)
}

// SetDescription handles PUT /api/tasks/:project/:task/files/:file/description.
// An empty description removes the entry.
func (h *Handlers) SetDescription(c *fiber.Ctx) error {
	dir, err := h.writableTask(c)
	if err != nil {
		return h.fail(c, err)
	}
	file, err := param(c, "file")
	if err != nil {
		return h.fail(c, err)
	}
	var req descriptionRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	text := strings.TrimSpace(req.Description)
	if text == "" {
		err = h.records.RemoveFileDescription(c.UserContext(), dir, file)
	} else {
		err = h.records.SetFileDescription(c.UserContext(), dir, file, text)
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(okResponse)
}

// SetTag handles PUT /api/tasks/:project/:task/files/:file/tag. An empty tag
// clears it.
func (h *Handlers) SetTag(c *fiber.Ctx) error {
	dir, err := h.writableTask(c)
	if err != nil {
		return h.fail(c, err)
	}
	file, err := param(c, "file")
	if err != nil {
		return h.fail(c, err)
	}
	var req tagRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	if err := h.records.SetFileTag(c.UserContext(), dir, file, req.Tag); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(okResponse)
}

// SetDefaultFile handles PUT /api/tasks/:project/:task/default-file.
func (h *Handlers) SetDefaultFile(c *fiber.Ctx) error {
	dir, err := h.writableTask(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req defaultFileRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	if err := h.records.SetDefaultFile(c.UserContext(), dir, req.FileName); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(okResponse)
}

// AddComment handles POST /api/tasks/:project/:task/comments.
func (h *Handlers) AddComment(c *fiber.Ctx) error {
	dir, err := h.writableTask(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req commentRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	if err := h.records.AppendComment(c.UserContext(), dir, req.Title, req.Text); err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(okResponse)
}

// ReplaceReadme handles PUT /api/tasks/:project/:task/readme.
func (h *Handlers) ReplaceReadme(c *fiber.Ctx) error {
	_, _, dir, err := h.taskDir(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req readmeRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	meta, err := frontmatter.ParseMetadata(req.Frontmatter)
	if err != nil {
		return h.fail(c, perrors.Wrap(perrors.ErrInvalidInput, "replace", "frontmatter", err))
	}
	if err := h.records.Replace(c.UserContext(), dir, req.Content, meta); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(okResponse)
}

func statusOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
