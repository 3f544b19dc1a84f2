package record

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	perrors "github.com/p-blackswan/designvault/internal/errors"
	"github.com/p-blackswan/designvault/internal/frontmatter"
)

func validFileName(op, dir, name string) error {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return perrors.Wrap(perrors.ErrInvalidInput, op, dir, fmt.Errorf("invalid file name %q", name))
	}
	return nil
}

// setMapEntry sets or, for an empty value, removes key in the map stored
// under field. It reports whether the document changed. A value that cannot
// be encoded leaves the map as it was.
func setMapEntry(meta *frontmatter.Metadata, field, key, value string) (bool, error) {
	m := meta.StringMap(field)
	old, present := m[key]
	if value == "" {
		if !present {
			return false, nil
		}
		delete(m, key)
	} else {
		if present && old == value {
			return false, nil
		}
		m[key] = value
	}
	if len(m) == 0 {
		meta.Delete(field)
		return true, nil
	}
	if err := meta.Set(field, m); err != nil {
		return false, err
	}
	return true, nil
}

// AllocateFileID reserves the next design file number for a task.
func (s *Store) AllocateFileID(ctx context.Context, dir string) (int, error) {
	const op = "allocate_file_id"
	dir = filepath.Clean(dir)
	var id int
	err := s.mutate(ctx, op, dir, func(doc *frontmatter.Document) (bool, error) {
		names, err := dirNames(dir)
		if err != nil {
			return false, perrors.Wrap(perrors.ErrIO, op, dir, err)
		}
		lastID, _ := doc.Metadata.Int(KeyLastID)
		id = watermark(lastID, doc.Metadata.IntMap(KeyFileIDs), names) + 1
		return true, doc.Metadata.Set(KeyLastID, id)
	}, nil)
	if err != nil {
		return 0, err
	}
	s.logger.Debug().Str("path", dir).Int("file_id", id).Msg("allocated file id")
	return id, nil
}

// RecordFileID stores the number assigned to fileName. The first recorded
// file becomes the task's default file.
func (s *Store) RecordFileID(ctx context.Context, dir, fileName string, id int) error {
	const op = "record_file_id"
	dir = filepath.Clean(dir)
	if err := validFileName(op, dir, fileName); err != nil {
		return err
	}
	return s.mutate(ctx, op, dir, func(doc *frontmatter.Document) (bool, error) {
		ids := doc.Metadata.IntMap(KeyFileIDs)
		ids[fileName] = id
		if err := doc.Metadata.Set(KeyFileIDs, ids); err != nil {
			return false, err
		}
		if def, _ := doc.Metadata.String(KeyDefaultFile); def == "" {
			return true, doc.Metadata.Set(KeyDefaultFile, fileName)
		}
		return true, nil
	}, nil)
}

// SetFileDescription sets a file's description. Empty text removes it.
func (s *Store) SetFileDescription(ctx context.Context, dir, fileName, text string) error {
	const op = "set_file_description"
	dir = filepath.Clean(dir)
	if err := validFileName(op, dir, fileName); err != nil {
		return err
	}
	return s.mutate(ctx, op, dir, func(doc *frontmatter.Document) (bool, error) {
		return setMapEntry(doc.Metadata, KeyFileDescriptions, fileName, text)
	}, nil)
}

// RemoveFileDescription drops a file's description if it has one.
func (s *Store) RemoveFileDescription(ctx context.Context, dir, fileName string) error {
	return s.SetFileDescription(ctx, dir, fileName, "")
}

// SetFileTag sets a file's tag. An empty tag removes it.
func (s *Store) SetFileTag(ctx context.Context, dir, fileName, tag string) error {
	const op = "set_file_tag"
	dir = filepath.Clean(dir)
	if err := validFileName(op, dir, fileName); err != nil {
		return err
	}
	tag = strings.TrimSpace(tag)
	return s.mutate(ctx, op, dir, func(doc *frontmatter.Document) (bool, error) {
		return setMapEntry(doc.Metadata, KeyFileTags, fileName, tag)
	}, nil)
}

// SetDefaultFile points the task at fileName. An empty name clears it.
func (s *Store) SetDefaultFile(ctx context.Context, dir, fileName string) error {
	const op = "set_default_file"
	dir = filepath.Clean(dir)
	if fileName != "" {
		if err := validFileName(op, dir, fileName); err != nil {
			return err
		}
	}
	return s.mutate(ctx, op, dir, func(doc *frontmatter.Document) (bool, error) {
		cur, _ := doc.Metadata.String(KeyDefaultFile)
		if cur == fileName {
			return false, nil
		}
		if fileName == "" {
			doc.Metadata.Delete(KeyDefaultFile)
			return true, nil
		}
		return true, doc.Metadata.Set(KeyDefaultFile, fileName)
	}, nil)
}

// ForgetFile removes the description, tag and default pointer of a deleted
// file. Its number stays in fileIds so it is never handed out again.
func (s *Store) ForgetFile(ctx context.Context, dir, fileName string) error {
	const op = "forget_file"
	dir = filepath.Clean(dir)
	if err := validFileName(op, dir, fileName); err != nil {
		return err
	}
	return s.mutate(ctx, op, dir, func(doc *frontmatter.Document) (bool, error) {
		// removals shrink an already encoded map and cannot fail
		changed, _ := setMapEntry(doc.Metadata, KeyFileDescriptions, fileName, "")
		if dropped, _ := setMapEntry(doc.Metadata, KeyFileTags, fileName, ""); dropped {
			changed = true
		}
		if def, _ := doc.Metadata.String(KeyDefaultFile); def == fileName {
			doc.Metadata.Delete(KeyDefaultFile)
			changed = true
		}
		return changed, nil
	}, nil)
}

// AppendComment adds a titled, timestamped block to the README body.
func (s *Store) AppendComment(ctx context.Context, dir, title, text string) error {
	const op = "append_comment"
	dir = filepath.Clean(dir)
	title = strings.TrimSpace(title)
	text = strings.TrimSpace(text)
	if text == "" {
		return perrors.Wrap(perrors.ErrInvalidInput, op, dir, errors.New("comment text is required"))
	}
	if title == "" {
		title = "备注"
	}
	return s.mutate(ctx, op, dir, func(doc *frontmatter.Document) (bool, error) {
		body := doc.Body
		if body != "" && !strings.HasSuffix(body, "\n") {
			body += "\n"
		}
		doc.Body = fmt.Sprintf("%s\n### %s (%s)\n\n%s\n", body, title, s.now().Format(createdLayout), text)
		return true, nil
	}, nil)
}

// Replace overwrites the whole README with body and meta.
func (s *Store) Replace(ctx context.Context, dir, body string, meta *frontmatter.Metadata) error {
	const op = "replace"
	dir = filepath.Clean(dir)
	if meta == nil {
		meta = frontmatter.NewMetadata()
	}
	return s.mutate(ctx, op, dir, func(doc *frontmatter.Document) (bool, error) {
		prev, hasPrev := doc.Metadata.Int64(KeyUpdatedAt)
		doc.Metadata = meta.Clone()
		if hasPrev {
			// keep touch monotonic across a replace that drops or rewinds the stamp
			if v, ok := doc.Metadata.Int64(KeyUpdatedAt); !ok || v < prev {
				if err := doc.Metadata.Set(KeyUpdatedAt, prev); err != nil {
					return false, err
				}
			}
		}
		doc.Body = body
		return true, nil
	}, nil)
}

// UpdateProjectSettings changes the project-level lists in settings.
func (s *Store) UpdateProjectSettings(ctx context.Context, dir string, settings ProjectSettings) error {
	const op = "update_project_settings"
	dir = filepath.Clean(dir)
	return s.mutate(ctx, op, dir, func(doc *frontmatter.Document) (bool, error) {
		changed := false
		for _, f := range []struct {
			key   string
			set   bool
			value any
		}{
			{KeyAllowedStatuses, settings.AllowedStatuses != nil, settings.AllowedStatuses},
			{KeyAllowedTags, settings.AllowedTags != nil, settings.AllowedTags},
			{KeyStatusOrder, settings.StatusOrder != nil, settings.StatusOrder},
			{KeyProjectStatuses, settings.ProjectStatuses != nil, settings.ProjectStatuses},
		} {
			if !f.set {
				continue
			}
			if err := doc.Metadata.Set(f.key, f.value); err != nil {
				return false, err
			}
			changed = true
		}
		return changed, nil
	}, nil)
}
