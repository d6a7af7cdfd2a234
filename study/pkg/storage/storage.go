// Package storage defines the persistence contract of dataset imports. The
// postgres and memory subpackages implement it.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/malbeclabs/studydata/study/pkg/model"
	"github.com/malbeclabs/studydata/study/pkg/rows"
)

// SubjectMaxLength is the storage width of the participant id column.
const SubjectMaxLength = 32

// DeleteChunkSize bounds the number of identifiers in one delete or lookup
// statement.
const DeleteChunkSize = 1000

var (
	ErrNotFound        = errors.New("not found")
	ErrUniqueViolation = errors.New("duplicate key value violates unique constraint")
)

// ExistingRow is a stored dataset row returned by duplicate lookups.
type ExistingRow struct {
	LSID          string
	Container     string
	ParticipantID string
	SequenceNum   *float64
	Date          *time.Time
	Key           string
	Values        map[string]any
}

// InsertOptions carries per-import context for InsertRows.
type InsertOptions struct {
	User *model.User
	// Container is the container rows are stored against when the stream
	// does not carry one.
	Container string
	Now       time.Time
}

// InsertResult reports what InsertRows wrote.
type InsertResult struct {
	Count int
	// UnknownColumns are stream columns with no storage column; they are
	// ignored.
	UnknownColumns []string
}

// Store is everything the importer needs from persistence. All methods
// participate in the transaction carried by ctx, if any.
type Store interface {
	// InTx runs fn in a transaction carried by the context passed to it.
	// When ctx already carries a transaction fn joins it. The outermost
	// call runs the AfterTx callbacks once the transaction ends.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	// EnsureDataset provisions the storage table of ds.
	EnsureDataset(ctx context.Context, ds *model.Dataset) error
	InsertRows(ctx context.Context, ds *model.Dataset, it rows.Iterator, opts InsertOptions) (InsertResult, error)
	// ExistingRows returns stored rows whose LSID, or participant id when
	// byParticipant is set, is in keys. An empty container matches every
	// container.
	ExistingRows(ctx context.Context, ds *model.Dataset, container string, keys []string, byParticipant bool) ([]ExistingRow, error)
	DeleteRows(ctx context.Context, ds *model.Dataset, container string, lsids []string) (int, error)
	MaxKeyValue(ctx context.Context, ds *model.Dataset) (int64, error)
	CountRows(ctx context.Context, ds *model.Dataset, container string) (int64, error)

	QCStates(ctx context.Context, container string) ([]model.QCState, error)
	InsertQCState(ctx context.Context, state model.QCState) (model.QCState, error)
	ParticipantAliases(ctx context.Context, study *model.Study) (map[string]string, error)
	ContainerRowID(ctx context.Context, entityID string) (int64, error)
	LookupRemap(ctx context.Context, lookup model.Lookup) (map[string]any, error)

	Study(ctx context.Context, container string) (*model.Study, error)
	Dataset(ctx context.Context, container string, datasetID int) (*model.Dataset, error)
}

// IsUniqueViolation reports whether err is a primary key or unique
// constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUniqueViolation) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "_pk")
}

// ScopeContainer is the container filter for row lookups and deletes on ds.
// Shared datasets span every container of their project, so they are not
// filtered.
func ScopeContainer(ds *model.Dataset, target string) string {
	if ds.IsShared() {
		return ""
	}
	if target == "" {
		return ds.Container
	}
	return target
}

// Chunk splits ids into slices of at most size elements.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = DeleteChunkSize
	}
	var out [][]string
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}
