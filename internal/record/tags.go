package record

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	perrors "github.com/p-blackswan/designvault/internal/errors"
)

// TaggedFile is a design file carrying a tag, addressed relative to its
// project.
type TaggedFile struct {
	Task string `json:"task"`
	Name string `json:"name"`
	Path string `json:"-"`
	Size int64  `json:"size"`
}

// ProjectTags returns every tag used by files in the project's tasks,
// sorted and without duplicates.
func (s *Store) ProjectTags(projectDir string) ([]string, error) {
	const op = "project_tags"
	tasks, err := s.projectTasks(op, projectDir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, task := range tasks {
		rec, err := s.Read(filepath.Join(projectDir, task))
		if err != nil {
			continue
		}
		for _, tag := range rec.Metadata.StringMap(KeyFileTags) {
			if tag != "" {
				seen[tag] = struct{}{}
			}
		}
	}
	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

// FilesByTag returns the files of a project whose tag equals tag and which
// still exist on disk, ordered by task then name.
func (s *Store) FilesByTag(projectDir, tag string) ([]TaggedFile, error) {
	const op = "files_by_tag"
	if tag == "" {
		return nil, perrors.Wrap(perrors.ErrInvalidInput, op, projectDir, errors.New("tag is required"))
	}
	tasks, err := s.projectTasks(op, projectDir)
	if err != nil {
		return nil, err
	}
	var files []TaggedFile
	for _, task := range tasks {
		taskDir := filepath.Join(projectDir, task)
		rec, err := s.Read(taskDir)
		if err != nil {
			continue
		}
		var names []string
		for name, t := range rec.Metadata.StringMap(KeyFileTags) {
			if t == tag {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			p := filepath.Join(taskDir, name)
			info, err := os.Stat(p)
			if err != nil || info.IsDir() {
				continue
			}
			files = append(files, TaggedFile{Task: task, Name: name, Path: p, Size: info.Size()})
		}
	}
	return files, nil
}

func (s *Store) projectTasks(op, projectDir string) ([]string, error) {
	tasks, err := ListSubdirs(projectDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, perrors.Wrap(perrors.ErrNotFound, op, projectDir, err)
		}
		return nil, perrors.Wrap(perrors.ErrIO, op, projectDir, err)
	}
	return tasks, nil
}
