package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/designvault/internal/errors"
	"github.com/p-blackswan/designvault/internal/metrics"
	"github.com/p-blackswan/designvault/internal/retry"
	"github.com/p-blackswan/designvault/internal/store"
)

func newEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	e := NewEngine(cfg, zerolog.Nop(), opts...)
	t.Cleanup(e.Stop)
	return e
}

func drain(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Drain(ctx))
}

func TestEngine_RunsJob(t *testing.T) {
	e := newEngine(t, Config{Workers: 2})

	var got ThumbnailPayload
	e.Register(KindThumbnail, func(_ context.Context, p json.RawMessage) error {
		return json.Unmarshal(p, &got)
	})
	e.Start(context.Background())

	job, err := e.Submit(KindThumbnail, ThumbnailPayload{Project: "alpha", Task: "logo", File: "alpha_logo_10.psd"})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)

	drain(t, e)

	final, ok := e.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 1, final.Attempts)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, "alpha_logo_10.psd", got.File)
}

func TestEngine_UnknownKind(t *testing.T) {
	e := newEngine(t, Config{})
	_, err := e.Submit("nope", nil)
	assert.Error(t, err)
}

func TestEngine_RetriesRetryableErrors(t *testing.T) {
	e := newEngine(t, Config{Workers: 1, Retry: retry.Fixed(3, time.Millisecond)})

	var calls atomic.Int32
	e.Register(KindFileTag, func(context.Context, json.RawMessage) error {
		if calls.Add(1) < 3 {
			return perrors.ErrVerificationFailed
		}
		return nil
	})
	e.Start(context.Background())

	job, err := e.Submit(KindFileTag, FileTagPayload{Dir: "/d", File: "f", Tag: "final"})
	require.NoError(t, err)
	drain(t, e)

	final, _ := e.Get(job.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 3, final.Attempts)
}

func TestEngine_PermanentFailure(t *testing.T) {
	m := metrics.New()
	e := newEngine(t, Config{Workers: 1, Retry: retry.Fixed(3, time.Millisecond)}, WithMetrics(m))

	var calls atomic.Int32
	e.Register(KindThumbnail, func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return errors.New("magick: no decode delegate")
	})
	e.Start(context.Background())

	job, err := e.Submit(KindThumbnail, ThumbnailPayload{})
	require.NoError(t, err)
	drain(t, e)

	final, _ := e.Get(job.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "no decode delegate")
	assert.Equal(t, int32(1), calls.Load(), "non-retryable errors are not retried")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues(KindThumbnail, "failed")))
}

func TestEngine_PanicIsFailure(t *testing.T) {
	e := newEngine(t, Config{Workers: 1})
	e.Register(KindThumbnail, func(context.Context, json.RawMessage) error {
		panic("boom")
	})
	e.Start(context.Background())

	job, err := e.Submit(KindThumbnail, ThumbnailPayload{})
	require.NoError(t, err)
	drain(t, e)

	final, _ := e.Get(job.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "panic")
}

func TestEngine_QueueFull(t *testing.T) {
	// Not started: nothing drains the queue.
	e := newEngine(t, Config{Workers: 1, QueueSize: 1})
	e.Register(KindFileTag, func(context.Context, json.RawMessage) error { return nil })

	_, err := e.Submit(KindFileTag, FileTagPayload{})
	require.NoError(t, err)

	job, err := e.Submit(KindFileTag, FileTagPayload{})
	assert.ErrorIs(t, err, ErrQueueFull)
	require.NotNil(t, job)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 1, e.QueueDepth())

	stats := e.Stats()
	assert.Equal(t, 1, stats[StatusQueued])
	assert.Equal(t, 1, stats[StatusFailed])
}

func TestEngine_AttemptTimeout(t *testing.T) {
	e := newEngine(t, Config{Workers: 1, Timeout: 20 * time.Millisecond, Retry: retry.Fixed(1, 0)})
	e.Register(KindThumbnail, func(ctx context.Context, _ json.RawMessage) error {
		<-ctx.Done()
		return ctx.Err()
	})
	e.Start(context.Background())

	job, err := e.Submit(KindThumbnail, ThumbnailPayload{})
	require.NoError(t, err)
	drain(t, e)

	final, _ := e.Get(job.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "deadline")
}

func TestEngine_PersistsToLedger(t *testing.T) {
	ledger, err := store.New(filepath.Join(t.TempDir(), "jobs.db"), zerolog.Nop())
	require.NoError(t, err)
	defer ledger.Close()

	e := newEngine(t, Config{Workers: 1}, WithLedger(ledger))
	e.Register(KindFileTag, func(context.Context, json.RawMessage) error { return nil })
	e.Start(context.Background())

	job, err := e.Submit(KindFileTag, FileTagPayload{Dir: "/d", File: "a.psd", Tag: "draft"})
	require.NoError(t, err)
	drain(t, e)

	rec, err := ledger.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, KindFileTag, rec.Kind)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.JSONEq(t, `{"dir":"/d","file":"a.psd","tag":"draft"}`, rec.Payload)
	assert.NotZero(t, rec.CompletedAt)
}

func TestEngine_StartStopIdempotent(t *testing.T) {
	e := NewEngine(Config{}, zerolog.Nop())
	e.Start(context.Background())
	e.Start(context.Background())
	e.Stop()
	e.Stop()
}
