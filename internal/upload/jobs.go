package upload

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/p-blackswan/designvault/internal/jobs"
	"github.com/p-blackswan/designvault/internal/record"
	"github.com/p-blackswan/designvault/internal/thumbnail"
)

// RegisterHandlers installs the follow-up jobs an upload enqueues.
func RegisterHandlers(e *jobs.Engine, records *record.Store, thumbs *thumbnail.Service) {
	e.Register(jobs.KindThumbnail, func(ctx context.Context, raw json.RawMessage) error {
		var p jobs.ThumbnailPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode thumbnail payload: %w", err)
		}
		return thumbs.Pregenerate(ctx, p.Project, p.Task, p.File)
	})
	e.Register(jobs.KindFileTag, func(ctx context.Context, raw json.RawMessage) error {
		var p jobs.FileTagPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("decode tag payload: %w", err)
		}
		return records.SetFileTag(ctx, p.Dir, p.File, p.Tag)
	})
}
