package record

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileType groups design files for display.
type FileType string

const (
	FileTypePSD   FileType = "psd"
	FileTypeAI    FileType = "ai"
	FileTypeImage FileType = "image"
	FileTypeSVG   FileType = "svg"
	FileTypeOther FileType = "other"
)

var designExtensions = map[string]FileType{
	".psd":  FileTypePSD,
	".ai":   FileTypeAI,
	".jpg":  FileTypeImage,
	".jpeg": FileTypeImage,
	".png":  FileTypeImage,
	".gif":  FileTypeImage,
	".bmp":  FileTypeImage,
	".webp": FileTypeImage,
	".tiff": FileTypeImage,
	".tif":  FileTypeImage,
	".svg":  FileTypeSVG,
}

// IsDesignFile reports whether name has a design file extension.
func IsDesignFile(name string) bool {
	_, ok := designExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// TypeOf classifies a file by extension.
func TypeOf(name string) FileType {
	if t, ok := designExtensions[strings.ToLower(filepath.Ext(name))]; ok {
		return t
	}
	return FileTypeOther
}

// DesignFile describes a design file in a task directory together with the
// metadata the task README holds about it.
type DesignFile struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	Modified    time.Time `json:"modified"`
	Type        FileType  `json:"type"`
	ID          int       `json:"id,omitempty"`
	Description string    `json:"description"`
	Tag         string    `json:"tag,omitempty"`
	IsDefault   bool      `json:"isDefault"`
}

// ListDesignFiles returns the design files in dir sorted by name. rec may be
// nil when the task has no README yet.
func ListDesignFiles(dir string, rec *Record) ([]DesignFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var (
		ids          map[string]int
		descriptions map[string]string
		tags         map[string]string
		defaultFile  string
	)
	if rec != nil {
		ids = rec.Metadata.IntMap(KeyFileIDs)
		descriptions = rec.Metadata.StringMap(KeyFileDescriptions)
		tags = rec.Metadata.StringMap(KeyFileTags)
		defaultFile, _ = rec.Metadata.String(KeyDefaultFile)
	}

	files := make([]DesignFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !IsDesignFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		f := DesignFile{
			Name:        e.Name(),
			Size:        info.Size(),
			Modified:    info.ModTime(),
			Type:        TypeOf(e.Name()),
			ID:          ids[e.Name()],
			Description: descriptions[e.Name()],
			Tag:         tags[e.Name()],
			IsDefault:   e.Name() == defaultFile,
		}
		if f.ID == 0 {
			f.ID, _ = FileIDFromName(e.Name())
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// ListSubdirs returns the non-hidden subdirectories of dir sorted by name.
func ListSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
