package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/optledger/optledger/internal/domain"
)

// multipartThreshold is the bundle size above which the archiver switches to
// multipart upload.
const multipartThreshold = 8 * 1024 * 1024

// lineage is the archived form of one closed position: the position row plus
// its complete lot and exit-record history, self-contained for audit replay.
type lineage struct {
	Position domain.Position     `json:"position"`
	Lots     []domain.EntryLot   `json:"lots"`
	Records  []domain.ExitRecord `json:"exit_records"`
}

// ArchiveImpl implements domain.Archiver by bundling closed position
// lineages into JSONL and uploading the bundle to S3.
//
// Deletion of archived rows from the primary store is intentionally NOT
// performed here; that is a separate, explicit step executed after the
// archive has been verified.
type ArchiveImpl struct {
	writer    *Writer
	positions domain.PositionStore
	lots      domain.LotStore
	exits     domain.ExitRecordStore
	audit     domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer *Writer,
	positions domain.PositionStore,
	lots domain.LotStore,
	exits domain.ExitRecordStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		positions: positions,
		lots:      lots,
		exits:     exits,
		audit:     audit,
	}
}

// ArchiveClosed uploads every position closed strictly before the cutoff,
// with its lots and exit records, as one JSONL bundle at
// archive/positions/YYYY-MM.jsonl. The archival event is audit-logged and
// the number of archived positions returned.
func (a *ArchiveImpl) ArchiveClosed(ctx context.Context, before time.Time) (int64, error) {
	closed, err := a.positions.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}
	if len(closed) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range closed {
		pos := closed[i]

		lots, err := a.lots.ListByPosition(ctx, pos.ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive lots %s: %w", pos.ID, err)
		}
		records, err := a.exits.ListByPosition(ctx, pos.ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive records %s: %w", pos.ID, err)
		}

		if err := enc.Encode(lineage{Position: pos, Lots: lots, Records: records}); err != nil {
			return 0, fmt.Errorf("s3blob: archive marshal %s: %w", pos.ID, err)
		}
	}

	path := fmt.Sprintf("archive/positions/%s.jsonl", before.UTC().Format("2006-01"))
	if buf.Len() > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, &buf, minPartSize)
	} else {
		err = a.writer.Put(ctx, path, &buf, "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive upload: %w", err)
	}

	count := int64(len(closed))

	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log: %w", err)
	}

	return count, nil
}

// Compile-time interface checks.
var (
	_ domain.Archiver   = (*ArchiveImpl)(nil)
	_ domain.BlobWriter = (*Writer)(nil)
	_ domain.BlobReader = (*Reader)(nil)
)
