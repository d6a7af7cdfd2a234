package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/studydata/study/pkg/audit"
)

var _ audit.RunRecorder = (*AuditStore)(nil)

func (s *AuditStore) RecordRun(ctx context.Context, run audit.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO dataset_import_runs`)
	if err != nil {
		return fmt.Errorf("failed to prepare import run batch: %w", err)
	}
	defer batch.Close()

	if err := batch.Append(
		run.ID,
		run.StartedAt.UTC(),
		uint64(run.Duration.Milliseconds()),
		run.Container,
		int32(run.DatasetID),
		run.DatasetName,
		run.UserID,
		string(run.Status),
		uint32(run.RowCount),
		uint32(run.ErrorCount),
		uint32(run.Replaced),
	); err != nil {
		return fmt.Errorf("failed to append import run: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send import run: %w", err)
	}
	return nil
}

// Runs returns the most recent import runs of a dataset, newest first.
func (s *AuditStore) Runs(ctx context.Context, container string, datasetID int, limit int) ([]audit.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(ctx, `
		SELECT run_id, started_at, duration_ms, container, dataset_id, dataset_name,
		       user_id, status, row_count, error_count, replaced
		FROM dataset_import_runs
		WHERE container = ? AND dataset_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, container, int32(datasetID), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query import runs: %w", err)
	}
	defer rows.Close()

	var out []audit.Run
	for rows.Next() {
		var (
			run        audit.Run
			durationMS uint64
			dsID       int32
			status     string
			count      uint32
			errs       uint32
			replaced   uint32
		)
		if err := rows.Scan(&run.ID, &run.StartedAt, &durationMS, &run.Container, &dsID, &run.DatasetName,
			&run.UserID, &status, &count, &errs, &replaced); err != nil {
			return nil, fmt.Errorf("failed to scan import run: %w", err)
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		run.DatasetID = int(dsID)
		run.Status = audit.RunStatus(status)
		run.RowCount = int(count)
		run.ErrorCount = int(errs)
		run.Replaced = int(replaced)
		out = append(out, run)
	}
	return out, rows.Err()
}
