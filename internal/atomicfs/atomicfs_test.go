package atomicfs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFile_CreatesAndReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "README.md")
	w := New(zerolog.Nop())

	require.NoError(t, w.WriteFile(path, []byte("one"), 0o644))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))

	require.NoError(t, w.WriteFile(path, []byte("two"), 0o644))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWriteFile_SyncFailureIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "README.md")
	w := New(zerolog.Nop())
	w.sync = func(*os.File) error { return errors.New("sync unsupported") }

	require.NoError(t, w.WriteFile(path, []byte("content"), 0o644))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))
}

func TestWriteFile_MissingDirectory(t *testing.T) {
	w := New(zerolog.Nop())
	err := w.WriteFile(filepath.Join(t.TempDir(), "missing", "README.md"), []byte("x"), 0o644)
	assert.Error(t, err)
}

func TestWriteFile_ReaderSeesOldContentUntilRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "README.md")
	w := New(zerolog.Nop())

	oldContent := strings.Repeat("a", 64*1024)
	newContent := strings.Repeat("b", 64*1024)
	require.NoError(t, w.WriteFile(path, []byte(oldContent), 0o644))

	// hold the write open after the data is on disk but before the rename
	written := make(chan struct{})
	release := make(chan struct{})
	w.sync = func(f *os.File) error {
		close(written)
		<-release
		return f.Sync()
	}

	errc := make(chan error, 1)
	go func() { errc <- w.WriteFile(path, []byte(newContent), 0o644) }()
	<-written

	for i := 0; i < 50; i++ {
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, len(oldContent), len(got))
		require.Equal(t, oldContent, string(got), "read %d saw new content before rename", i)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var temp string
	for _, e := range entries {
		if IsTemp(e.Name()) {
			temp = e.Name()
		}
	}
	require.NotEmpty(t, temp, "temp file present mid-write")
	staged, err := os.ReadFile(filepath.Join(dir, temp))
	require.NoError(t, err)
	assert.Equal(t, newContent, string(staged))

	close(release)
	require.NoError(t, <-errc)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, newContent, string(got))
}

func TestWriteFile_PollingReaderDuringSlowWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "README.md")
	w := New(zerolog.Nop())

	a := strings.Repeat("a", 64*1024)
	b := strings.Repeat("b", 64*1024)
	require.NoError(t, w.WriteFile(path, []byte(a), 0o644))

	var (
		mu    sync.Mutex
		reads int
		bad   []string
	)
	// each write lingers between write and rename
	w.sync = func(*os.File) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			got, err := os.ReadFile(path)
			mu.Lock()
			reads++
			switch {
			case err != nil:
				bad = append(bad, "read error: "+err.Error())
			case string(got) != a && string(got) != b:
				bad = append(bad, "partial content")
			}
			mu.Unlock()
		}
	}()

	for i := 0; i < 20; i++ {
		content := a
		if i%2 == 0 {
			content = b
		}
		require.NoError(t, w.WriteFile(path, []byte(content), 0o644))
	}
	close(done)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, bad)
	assert.Greater(t, reads, 20, "reader polled while writes were in flight")
}

func TestIsTemp(t *testing.T) {
	assert.True(t, IsTemp("/data/p/t/.README.md.tmp-0b6e5f52-7c34-4b6e-9a5c-3a4c3f1e1c11"))
	assert.False(t, IsTemp("/data/p/t/README.md"))
	assert.False(t, IsTemp(".hidden"))
	assert.False(t, IsTemp("x.tmp-1"))
}
