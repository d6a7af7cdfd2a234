package postgres

import (
	"context"
	"fmt"

	"github.com/malbeclabs/studydata/study/pkg/lsid"
	"github.com/malbeclabs/studydata/study/pkg/model"
)

// LSIDMismatch is a stored row whose lsid differs from the one its key
// columns produce.
type LSIDMismatch struct {
	Stored   string
	Computed string
}

func lsidExpression(ds *model.Dataset, authority string) string {
	return lsid.SQLExpression(lsid.SQLConfig{
		Authority:          authority,
		DatasetID:          ds.ID,
		Demographic:        ds.Demographic,
		VisitBased:         ds.IsVisitBased(),
		UseTimeKeyField:    ds.UseTimeKeyField,
		HasExtraKey:        ds.HasKeyProperty(),
		ContainerRowIDExpr: "CAST((SELECT c.row_id FROM containers c WHERE c.entity_id = d.container) AS VARCHAR)",
		Columns: lsid.SQLColumns{
			ParticipantID: "d.participantid",
			SequenceNum:   "d.sequencenum",
			Date:          "d.date",
			Key:           "d._key",
		},
	})
}

// RegenerateLSIDs recomputes the lsid of every stored row of ds, e.g. after
// the dataset's key definition changed. It returns the number of rows
// rewritten.
func (s *Store) RegenerateLSIDs(ctx context.Context, ds *model.Dataset, authority string) (int64, error) {
	expr := lsidExpression(ds, authority)
	query := fmt.Sprintf("UPDATE %s AS d SET lsid = %s WHERE d.lsid IS DISTINCT FROM %s", tableIdent(ds), expr, expr)
	tag, err := s.q(ctx).Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to regenerate lsids of %s: %w", ds.StorageTableName(), err)
	}
	s.log.Info("regenerated dataset lsids", "dataset", ds.Name, "rows", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// VerifyLSIDs returns the rows of ds whose stored lsid disagrees with the
// computed one.
func (s *Store) VerifyLSIDs(ctx context.Context, ds *model.Dataset, authority string) ([]LSIDMismatch, error) {
	expr := lsidExpression(ds, authority)
	query := fmt.Sprintf("SELECT d.lsid, %s FROM %s AS d WHERE d.lsid IS DISTINCT FROM %s ORDER BY d.lsid", expr, tableIdent(ds), expr)
	rs, err := s.q(ctx).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to verify lsids of %s: %w", ds.StorageTableName(), err)
	}
	defer rs.Close()

	var out []LSIDMismatch
	for rs.Next() {
		var m LSIDMismatch
		if err := rs.Scan(&m.Stored, &m.Computed); err != nil {
			return nil, fmt.Errorf("failed to scan lsid: %w", err)
		}
		out = append(out, m)
	}
	return out, rs.Err()
}
