package record

import (
	"os"
	"regexp"
	"strconv"
)

// minWatermark makes the first allocated file number 10.
const minWatermark = 9

// trailingID matches "_<digits>" at the end of a name, optionally followed by
// a single extension.
var trailingID = regexp.MustCompile(`_(\d+)(?:\.[^.]+)?$`)

// watermark returns the highest file number known for a task: the stored
// lastId, every recorded fileIds value and every number embedded in a file
// name, never less than minWatermark. Numbers only move forward even when
// files or fileIds entries are removed.
func watermark(lastID int, fileIDs map[string]int, names []string) int {
	w := minWatermark
	if lastID > w {
		w = lastID
	}
	for _, id := range fileIDs {
		if id > w {
			w = id
		}
	}
	for _, name := range names {
		if IsReadme(name) {
			continue
		}
		if n, ok := FileIDFromName(name); ok && n > w {
			w = n
		}
	}
	return w
}

// FileIDFromName extracts the trailing number of a design file name.
func FileIDFromName(name string) (int, bool) {
	m := trailingID.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func dirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
