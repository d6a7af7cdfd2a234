package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/studydata/study/pkg/audit"
)

// AuditStore appends audit events to dataset_audit_events.
type AuditStore struct {
	log  *slog.Logger
	conn Connection
}

var _ audit.Sink = (*AuditStore)(nil)

func NewAuditStore(log *slog.Logger, conn Connection) *AuditStore {
	return &AuditStore{log: log, conn: conn}
}

func encodeRows(rows []map[string]any) (string, error) {
	if len(rows) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *AuditStore) Record(ctx context.Context, ev audit.Event) error {
	before, err := encodeRows(ev.Before)
	if err != nil {
		return fmt.Errorf("failed to encode replaced rows: %w", err)
	}
	after, err := encodeRows(ev.After)
	if err != nil {
		return fmt.Errorf("failed to encode written rows: %w", err)
	}
	lsids := ev.LSIDs
	if lsids == nil {
		lsids = []string{}
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO dataset_audit_events`)
	if err != nil {
		return fmt.Errorf("failed to prepare audit batch: %w", err)
	}
	defer batch.Close()

	if err := batch.Append(
		ev.ID,
		ev.Time.UTC(),
		ev.Container,
		int32(ev.DatasetID),
		ev.DatasetName,
		ev.UserID,
		string(ev.Action),
		uint32(ev.RowCount),
		ev.Comment,
		lsids,
		before,
		after,
	); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send audit event: %w", err)
	}
	s.log.Debug("audit event recorded", "event_id", ev.ID, "dataset", ev.DatasetName, "rows", ev.RowCount)
	return nil
}

// Events returns the events of a dataset, oldest first.
func (s *AuditStore) Events(ctx context.Context, container string, datasetID int) ([]audit.Event, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT event_id, event_time, container, dataset_id, dataset_name, user_id,
		       action, row_count, comment, lsids, before_rows, after_rows
		FROM dataset_audit_events
		WHERE container = ? AND dataset_id = ?
		ORDER BY event_time, event_id
	`, container, int32(datasetID))
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			id            uuid.UUID
			at            time.Time
			dsID          int32
			action        string
			count         uint32
			before, after string
			ev            audit.Event
		)
		if err := rows.Scan(&id, &at, &ev.Container, &dsID, &ev.DatasetName, &ev.UserID,
			&action, &count, &ev.Comment, &ev.LSIDs, &before, &after); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.ID = id
		ev.Time = at
		ev.DatasetID = int(dsID)
		ev.Action = audit.Action(action)
		ev.RowCount = int(count)
		if err := json.Unmarshal([]byte(before), &ev.Before); err != nil {
			return nil, fmt.Errorf("failed to decode replaced rows: %w", err)
		}
		if err := json.Unmarshal([]byte(after), &ev.After); err != nil {
			return nil, fmt.Errorf("failed to decode written rows: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
