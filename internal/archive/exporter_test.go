package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forecourt/syncd/internal/types"
)

type fakeAuditSource struct {
	entries []types.AuditLogEntry
	meta    map[string]string
}

func (f *fakeAuditSource) ListAuditAfter(_ context.Context, afterID string, limit int) ([]types.AuditLogEntry, error) {
	out := make([]types.AuditLogEntry, 0, limit)
	for _, e := range f.entries {
		if e.ID > afterID {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeAuditSource) GetMeta(_ context.Context, key string) (string, error) {
	return f.meta[key], nil
}

func (f *fakeAuditSource) SetMeta(_ context.Context, key, value string) error {
	if f.meta == nil {
		f.meta = make(map[string]string)
	}
	f.meta[key] = value
	return nil
}

type capturingUploader struct {
	objects map[string][]types.AuditLogEntry
}

func (u *capturingUploader) Upload(_ context.Context, objectName, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	var entries []types.AuditLogEntry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e types.AuditLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return err
		}
		entries = append(entries, e)
	}
	if u.objects == nil {
		u.objects = make(map[string][]types.AuditLogEntry)
	}
	u.objects[objectName] = entries
	return scanner.Err()
}

func auditFixture(n int) []types.AuditLogEntry {
	entries := make([]types.AuditLogEntry, n)
	for i := range entries {
		entries[i] = types.AuditLogEntry{
			ID:         fmt.Sprintf("01HZXF%020d", i),
			EntityType: "transaction",
			EntityID:   fmt.Sprintf("tx-%d", i),
			Action:     types.ActionLocalApply,
			ActorID:    "cashier-1",
			StoreID:    "store-7",
			RecordedAt: time.Now(),
		}
	}
	return entries
}

func TestExporter_ExportsNewEntriesAsNDJSON(t *testing.T) {
	source := &fakeAuditSource{entries: auditFixture(3)}
	uploader := &capturingUploader{}
	exporter := NewExporter(source, uploader, "node-a", time.Minute)

	require.NoError(t, exporter.ExportOnce(context.Background()))

	require.Len(t, uploader.objects, 1)
	for name, entries := range uploader.objects {
		assert.Contains(t, name, "audit/node-a/")
		assert.Len(t, entries, 3)
	}

	// The cursor advanced to the last exported entry.
	assert.Equal(t, source.entries[2].ID, source.meta["audit_export_cursor"])

	// A second pass with nothing new uploads nothing.
	before := len(uploader.objects)
	require.NoError(t, exporter.ExportOnce(context.Background()))
	assert.Len(t, uploader.objects, before)
}

func TestExporter_ResumesFromCursor(t *testing.T) {
	entries := auditFixture(5)
	source := &fakeAuditSource{
		entries: entries,
		meta:    map[string]string{"audit_export_cursor": entries[2].ID},
	}
	uploader := &capturingUploader{}
	exporter := NewExporter(source, uploader, "node-a", time.Minute)

	require.NoError(t, exporter.ExportOnce(context.Background()))

	require.Len(t, uploader.objects, 1)
	for _, exported := range uploader.objects {
		require.Len(t, exported, 2)
		assert.Equal(t, entries[3].ID, exported[0].ID)
		assert.Equal(t, entries[4].ID, exported[1].ID)
	}
}
