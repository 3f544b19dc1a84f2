package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/designvault/internal/pathlock"
	"github.com/p-blackswan/designvault/internal/record"
	"github.com/p-blackswan/designvault/internal/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func readStore() *record.Store {
	return record.New(pathlock.New(), zerolog.Nop())
}

func TestEnsureAndStatus(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "acme", "logo")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	out, err := run(t, "ensure", dir, "--kind", "task")
	require.NoError(t, err)
	assert.Contains(t, out, "created")

	out, err = run(t, "ensure", dir, "--kind", "task")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")

	out, err = run(t, "status", dir, "completed")
	require.NoError(t, err)
	assert.Equal(t, "pending -> completed\n", out)

	rec, err := readStore().Read(dir)
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	title, _ := rec.Metadata.String(record.KeyTitle)
	assert.Equal(t, "logo", title)
}

func TestEnsureRejectsUnknownKind(t *testing.T) {
	_, err := run(t, "ensure", t.TempDir(), "--kind", "folder")
	assert.Error(t, err)
}

func TestNextIDDescribeTag(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logo_12.psd"), []byte("8BPS"), 0o644))

	out, err := run(t, "next-id", dir)
	require.NoError(t, err)
	assert.Equal(t, "13\n", out)

	_, err = run(t, "describe", dir, "logo_12.psd", "primary mark")
	require.NoError(t, err)
	_, err = run(t, "tag", dir, "logo_12.psd", "icon")
	require.NoError(t, err)

	out, err = run(t, "show", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Last ID:  13")
	assert.Contains(t, out, "logo_12.psd")
	assert.Contains(t, out, "primary mark")
	assert.Contains(t, out, "icon")

	// empty text removes
	_, err = run(t, "describe", dir, "logo_12.psd", "")
	require.NoError(t, err)
	_, err = run(t, "tag", dir, "logo_12.psd", "")
	require.NoError(t, err)

	rec, err := readStore().Read(dir)
	require.NoError(t, err)
	assert.Empty(t, rec.Metadata.StringMap(record.KeyFileDescriptions)["logo_12.psd"])
	assert.Empty(t, rec.Metadata.StringMap(record.KeyFileTags)["logo_12.psd"])
}

func TestShowJSON(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "ensure", dir, "--kind", "project", "--name", "Acme")
	require.NoError(t, err)

	out, err := run(t, "show", dir, "--json")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"title": "Acme"`)
}

func TestShowMissingReadme(t *testing.T) {
	_, err := run(t, "show", t.TempDir())
	assert.Error(t, err)
}

func TestJobsAndAudit(t *testing.T) {
	root := t.TempDir()
	ledger, err := store.New(filepath.Join(root, ".temp", "uploads.db"), zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, ledger.SaveJob(ctx, &store.Job{ID: "job-1", Kind: "thumbnail", Payload: "{}", Status: "completed", CreatedAt: 1700000000000}))
	require.NoError(t, ledger.AppendAudit(ctx, store.AuditEntry{RequestID: "req-1", Method: "PUT", Path: "/api/tasks/a/b/status", Status: 200}))
	require.NoError(t, ledger.Close())

	out, err := run(t, "jobs", "--data", root)
	require.NoError(t, err)
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "thumbnail")

	out, err = run(t, "jobs", "--data", root, "--status", "failed")
	require.NoError(t, err)
	assert.NotContains(t, out, "job-1")

	out, err = run(t, "audit", "--db", filepath.Join(root, ".temp", "uploads.db"))
	require.NoError(t, err)
	assert.Contains(t, out, "/api/tasks/a/b/status")
	assert.Contains(t, out, "req-1")
}
