package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/malbeclabs/studydata/study/pkg/convert"
	"github.com/malbeclabs/studydata/study/pkg/model"
	"github.com/malbeclabs/studydata/study/pkg/rows"
	"github.com/malbeclabs/studydata/study/pkg/storage"
)

const subjectColumn = "participantid"

var auditColumns = []string{"created", "createdby", "modified", "modifiedby"}

// physicalName is the storage column of c. The subject column is stored as
// participantid whatever the study calls it.
func physicalName(c model.Column) string {
	if c.Standard && c.PropertyURI == model.SubjectPropertyURI {
		return subjectColumn
	}
	return strings.ToLower(c.Name)
}

func sqlType(c model.Column) string {
	if c.Standard {
		switch strings.ToLower(c.Name) {
		case "container":
			return "TEXT NOT NULL"
		case "sequencenum":
			return "NUMERIC(15,4)"
		case "date":
			return "TIMESTAMP"
		case "lsid":
			return "TEXT NOT NULL"
		case "qcstate":
			return "INTEGER"
		case "created", "modified":
			return "TIMESTAMPTZ"
		case "createdby", "modifiedby":
			return "BIGINT"
		}
		if physicalName(c) == subjectColumn {
			return fmt.Sprintf("VARCHAR(%d) NOT NULL", storage.SubjectMaxLength)
		}
		return "TEXT"
	}
	switch c.Type {
	case model.TypeInteger:
		return "BIGINT"
	case model.TypeDouble:
		return "DOUBLE PRECISION"
	case model.TypeBoolean:
		return "BOOLEAN"
	case model.TypeDate:
		return "TIMESTAMP"
	case model.TypeString:
		if c.MaxLength > 0 {
			return fmt.Sprintf("VARCHAR(%d)", c.MaxLength)
		}
	}
	return "TEXT"
}

func tableIdent(ds *model.Dataset) string {
	return pgx.Identifier{ds.StorageTableName()}.Sanitize()
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// EnsureDataset creates the dataset table and adds columns for properties
// defined since it was created.
func (s *Store) EnsureDataset(ctx context.Context, ds *model.Dataset) error {
	q := s.q(ctx)
	name := ds.StorageTableName()
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, name); err != nil {
		return fmt.Errorf("failed to lock dataset table %s: %w", name, err)
	}

	var defs []string
	for _, c := range model.StandardColumns(ds.SubjectColumnName()) {
		defs = append(defs, quote(physicalName(c))+" "+sqlType(c))
	}
	defs = append(defs, fmt.Sprintf("CONSTRAINT %s PRIMARY KEY (lsid)", quote(name+"_pk")))
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", tableIdent(ds), strings.Join(defs, ",\n\t"))
	if _, err := q.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create dataset table %s: %w", name, err)
	}
	if _, err := q.Exec(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (participantid)", quote(name+"_participant_idx"), tableIdent(ds))); err != nil {
		return fmt.Errorf("failed to index dataset table %s: %w", name, err)
	}
	for _, p := range ds.Properties {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", tableIdent(ds), quote(physicalName(p)), sqlType(p))
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add column %s to %s: %w", p.Name, name, err)
		}
	}
	return nil
}

// InsertRows streams it into the dataset table with COPY. Audit columns are
// stamped from opts.
func (s *Store) InsertRows(ctx context.Context, ds *model.Dataset, it rows.Iterator, opts storage.InsertOptions) (storage.InsertResult, error) {
	var res storage.InsertResult

	byName := map[string]model.Column{}
	for _, c := range ds.Columns() {
		byName[model.FoldName(c.Name)] = c
	}
	var (
		cols []string
		src  []int
	)
	containerIdx := -1
	for i, c := range it.Columns() {
		target, ok := byName[model.FoldName(c.Name)]
		if !ok {
			res.UnknownColumns = append(res.UnknownColumns, c.Name)
			continue
		}
		phys := physicalName(target)
		if isAuditColumn(phys) {
			continue
		}
		if phys == "container" {
			containerIdx = len(cols)
		}
		cols = append(cols, phys)
		src = append(src, i)
	}
	if containerIdx < 0 {
		containerIdx = len(cols)
		cols = append(cols, "container")
		src = append(src, -1)
	}
	cols = append(cols, auditColumns...)

	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var userID int64
	if opts.User != nil {
		userID = opts.User.ID
	}

	copySrc := pgx.CopyFromFunc(func() ([]any, error) {
		ok, err := it.Next(ctx)
		if err != nil || !ok {
			return nil, err
		}
		vals := make([]any, 0, len(cols))
		for _, i := range src {
			if i < 0 {
				vals = append(vals, nil)
				continue
			}
			vals = append(vals, it.Get(i))
		}
		if convert.IsNull(vals[containerIdx]) {
			vals[containerIdx] = opts.Container
		}
		return append(vals, now, userID, now, userID), nil
	})

	n, err := s.q(ctx).CopyFrom(ctx, pgx.Identifier{ds.StorageTableName()}, cols, copySrc)
	res.Count = int(n)
	if err != nil {
		return res, fmt.Errorf("failed to copy rows into %s: %w", ds.StorageTableName(), err)
	}
	return res, nil
}

func isAuditColumn(name string) bool {
	for _, c := range auditColumns {
		if c == name {
			return true
		}
	}
	return false
}

func (s *Store) ExistingRows(ctx context.Context, ds *model.Dataset, container string, keys []string, byParticipant bool) ([]storage.ExistingRow, error) {
	match := "lsid"
	if byParticipant {
		match = subjectColumn
	}
	query := fmt.Sprintf(`
		SELECT lsid, container, participantid, CAST(sequencenum AS DOUBLE PRECISION), date, _key, to_jsonb(d)
		FROM %s d
		WHERE %s = ANY($1)`, tableIdent(ds), match)
	args := []any{keys}
	if container != "" {
		query += " AND container = $2"
		args = append(args, container)
	}
	query += " ORDER BY lsid"

	rs, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing rows of %s: %w", ds.StorageTableName(), err)
	}
	defer rs.Close()

	var out []storage.ExistingRow
	for rs.Next() {
		var (
			row storage.ExistingRow
			key *string
		)
		if err := rs.Scan(&row.LSID, &row.Container, &row.ParticipantID, &row.SequenceNum, &row.Date, &key, &row.Values); err != nil {
			return nil, fmt.Errorf("failed to scan existing row: %w", err)
		}
		if key != nil {
			row.Key = *key
		}
		out = append(out, row)
	}
	return out, rs.Err()
}

func (s *Store) DeleteRows(ctx context.Context, ds *model.Dataset, container string, lsids []string) (int, error) {
	deleted := 0
	for _, chunk := range storage.Chunk(lsids, storage.DeleteChunkSize) {
		query := fmt.Sprintf("DELETE FROM %s WHERE lsid = ANY($1)", tableIdent(ds))
		args := []any{chunk}
		if container != "" {
			query += " AND container = $2"
			args = append(args, container)
		}
		tag, err := s.q(ctx).Exec(ctx, query, args...)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete rows from %s: %w", ds.StorageTableName(), err)
		}
		deleted += int(tag.RowsAffected())
	}
	return deleted, nil
}

func (s *Store) MaxKeyValue(ctx context.Context, ds *model.Dataset) (int64, error) {
	var maxKey int64
	query := fmt.Sprintf("SELECT COALESCE(MAX(CAST(_key AS BIGINT)), 0) FROM %s WHERE _key <> ''", tableIdent(ds))
	if err := s.q(ctx).QueryRow(ctx, query).Scan(&maxKey); err != nil {
		return 0, fmt.Errorf("failed to read max key of %s: %w", ds.StorageTableName(), err)
	}
	return maxKey, nil
}

func (s *Store) CountRows(ctx context.Context, ds *model.Dataset, container string) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", tableIdent(ds))
	var args []any
	if container != "" {
		query += " WHERE container = $1"
		args = append(args, container)
	}
	var n int64
	if err := s.q(ctx).QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", ds.StorageTableName(), err)
	}
	return n, nil
}
