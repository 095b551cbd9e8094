package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/forecourt/syncd/internal/store"
	"github.com/forecourt/syncd/internal/types"
)

const exportBatchSize = 1000

// AuditSource is the slice of the store the exporter needs.
type AuditSource interface {
	ListAuditAfter(ctx context.Context, afterID string, limit int) ([]types.AuditLogEntry, error)
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Exporter periodically ships new audit entries to archive storage as
// NDJSON objects. The cursor (last exported entry ID) is persisted so
// a restart resumes where the previous run stopped.
type Exporter struct {
	source   AuditSource
	uploader Uploader
	nodeID   string
	interval time.Duration
}

// NewExporter creates an audit exporter.
func NewExporter(source AuditSource, uploader Uploader, nodeID string, interval time.Duration) *Exporter {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Exporter{
		source:   source,
		uploader: uploader,
		nodeID:   nodeID,
		interval: interval,
	}
}

// Run exports on a timer until the context is cancelled.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ExportOnce(ctx); err != nil {
				slog.Error("audit export failed",
					"component", "archive",
					"action", "export",
					"error", err,
				)
			}
		}
	}
}

// ExportOnce exports all audit entries newer than the cursor. Entries
// are written in batches; each batch becomes one object.
func (e *Exporter) ExportOnce(ctx context.Context) error {
	cursor, err := e.source.GetMeta(ctx, store.MetaAuditExportCursor)
	if err != nil {
		return err
	}

	for {
		entries, err := e.source.ListAuditAfter(ctx, cursor, exportBatchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		if err := e.exportBatch(ctx, entries); err != nil {
			return err
		}

		cursor = entries[len(entries)-1].ID
		if err := e.source.SetMeta(ctx, store.MetaAuditExportCursor, cursor); err != nil {
			return err
		}

		slog.Info("audit batch archived",
			"component", "archive",
			"action", "export",
			"entries", len(entries),
			"cursor", cursor,
		)
	}
}

// exportBatch writes entries to a temp NDJSON file and uploads it.
// Object names are derived from the entry ID range so a re-export of
// the same range overwrites rather than duplicates.
func (e *Exporter) exportBatch(ctx context.Context, entries []types.AuditLogEntry) error {
	tmp, err := os.CreateTemp("", "audit-export-*.ndjson")
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := json.NewEncoder(tmp)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			tmp.Close()
			return fmt.Errorf("encode audit entry: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close export file: %w", err)
	}

	objectName := filepath.ToSlash(filepath.Join(
		"audit", e.nodeID,
		fmt.Sprintf("%s-%s.ndjson", entries[0].ID, entries[len(entries)-1].ID),
	))
	return e.uploader.Upload(ctx, objectName, tmpPath)
}
