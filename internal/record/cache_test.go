package record

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/designvault/internal/frontmatter"
	"github.com/p-blackswan/designvault/internal/metrics"
	"github.com/p-blackswan/designvault/internal/pathlock"
)

type fakeInfo struct {
	os.FileInfo
	mod  time.Time
	size int64
}

func (f fakeInfo) ModTime() time.Time { return f.mod }
func (f fakeInfo) Size() int64        { return f.size }

func testRecord(status string) *Record {
	meta := frontmatter.NewMetadata()
	meta.Set(KeyStatus, status)
	return &Record{Status: status, Metadata: meta}
}

func TestCache_HitAndStale(t *testing.T) {
	c := NewCache(2, nil)
	t0 := time.Unix(100, 0)
	c.Store("/a", fakeInfo{mod: t0, size: 10}, testRecord("pending"))

	rec, ok := c.Load("/a", fakeInfo{mod: t0, size: 10})
	require.True(t, ok)
	assert.Equal(t, "pending", rec.Status)

	_, ok = c.Load("/a", fakeInfo{mod: t0.Add(time.Second), size: 10})
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "stale entry dropped")
}

func TestCache_Eviction(t *testing.T) {
	c := NewCache(2, nil)
	info := fakeInfo{mod: time.Unix(1, 0), size: 1}
	c.Store("/a", info, testRecord("a"))
	c.Store("/b", info, testRecord("b"))

	// touch "a" so "b" becomes least recently used
	_, ok := c.Load("/a", info)
	require.True(t, ok)
	c.Store("/c", info, testRecord("c"))

	assert.Equal(t, []string{"/c", "/a"}, c.Paths())
	_, ok = c.Load("/b", info)
	assert.False(t, ok)
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := NewCache(1, nil)
	info := fakeInfo{mod: time.Unix(1, 0), size: 1}
	c.Store("/a", info, testRecord("pending"))

	rec, _ := c.Load("/a", info)
	rec.Metadata.Set(KeyStatus, "mutated")

	again, _ := c.Load("/a", info)
	s, _ := again.Metadata.String(KeyStatus)
	assert.Equal(t, "pending", s)
}

func TestCache_Invalidate(t *testing.T) {
	c := NewCache(1, nil)
	c.Store("/a", fakeInfo{}, testRecord("x"))
	assert.True(t, c.Invalidate("/a"))
	assert.False(t, c.Invalidate("/a"))
}

func TestNewCache_PanicsOnZero(t *testing.T) {
	assert.Panics(t, func() { NewCache(0, nil) })
}

func TestStore_ReadUsesCacheAndSeesWrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "task")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	m := metrics.New()
	cache := NewCache(8, m)
	s := New(pathlock.New(), zerolog.Nop(), WithCache(cache), WithVerify(5, time.Millisecond))
	ctx := context.Background()

	_, err := s.SetStatus(ctx, dir, "pending")
	require.NoError(t, err)
	_, err = s.Read(dir)
	require.NoError(t, err)
	_, err = s.Read(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())

	_, err = s.SetStatus(ctx, dir, "completed")
	require.NoError(t, err)
	rec, err := s.Read(dir)
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
}
