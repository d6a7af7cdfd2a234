// Package dupes detects rows of an import batch that would collide with each
// other or with stored rows, and resolves the collisions the policy allows.
package dupes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/malbeclabs/studydata/study/pkg/convert"
	"github.com/malbeclabs/studydata/study/pkg/lsid"
	"github.com/malbeclabs/studydata/study/pkg/model"
	"github.com/malbeclabs/studydata/study/pkg/rows"
	"github.com/malbeclabs/studydata/study/pkg/storage"
	"github.com/malbeclabs/studydata/study/pkg/validation"
)

// MaxDetails caps the per-key messages attached to a conflict report.
const MaxDetails = 100

type Policy int

const (
	// PolicyNever disables duplicate detection.
	PolicyNever Policy = iota
	// PolicySourceOnly checks the batch against itself.
	PolicySourceOnly
	// PolicySourceAndDestination also checks the batch against stored rows,
	// replacing those the batch marks for replacement.
	PolicySourceAndDestination
)

func (p Policy) String() string {
	switch p {
	case PolicySourceOnly:
		return "sourceOnly"
	case PolicySourceAndDestination:
		return "sourceAndDestination"
	default:
		return "never"
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch model.FoldName(strings.TrimSpace(s)) {
	case "", "never", "none":
		return PolicyNever, nil
	case model.FoldName("sourceOnly"):
		return PolicySourceOnly, nil
	case model.FoldName("sourceAndDestination"):
		return PolicySourceAndDestination, nil
	}
	return PolicyNever, fmt.Errorf("unknown duplicate policy %q", s)
}

func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Store is the part of storage.Store the resolver needs.
type Store interface {
	ExistingRows(ctx context.Context, ds *model.Dataset, container string, keys []string, byParticipant bool) ([]storage.ExistingRow, error)
	DeleteRows(ctx context.Context, ds *model.Dataset, container string, lsids []string) (int, error)
}

type Config struct {
	Logger  *slog.Logger
	Dataset *model.Dataset
	Policy  Policy
	// Store is required for PolicySourceAndDestination.
	Store Store
	// Container is the import's target container.
	Container string
	// ReplaceAll treats every row as marked for replacement.
	ReplaceAll bool
	ChunkSize  int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Dataset == nil {
		return errors.New("dataset is required")
	}
	if c.Policy == PolicySourceAndDestination && c.Store == nil {
		return errors.New("store is required to check stored rows")
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = storage.DeleteChunkSize
	}
	return nil
}

// NaturalKey is the user-facing identity of a row.
type NaturalKey struct {
	ParticipantID string
	SequenceNum   *float64
	Date          *time.Time
	// Key is the extra key value, nil when the dataset has none.
	Key any
}

type Conflict struct {
	NaturalKey
	InDatabase bool
}

// Result is the outcome of a duplicate check. Deleted is only populated
// when there are no conflicts.
type Result struct {
	Conflicts []Conflict
	Deleted   []storage.ExistingRow
}

func (r *Result) HasConflicts() bool {
	return r != nil && len(r.Conflicts) > 0
}

type positions struct {
	subject, seq, date, key, lsid, replace int
}

type entry struct {
	natural NaturalKey
	replace bool
}

// Check scans it once, resolves duplicates according to cfg.Policy and
// rewinds it. Conflicts are returned, not reported; see Result.Report.
func Check(ctx context.Context, it rows.Scrollable, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid duplicate check config: %w", err)
	}
	res := &Result{}
	if cfg.Policy == PolicyNever {
		return res, nil
	}
	ds := cfg.Dataset
	pos := locate(it.Columns(), ds)
	if pos.subject < 0 || (!ds.Demographic && pos.lsid < 0) {
		return nil, fmt.Errorf("duplicate check on dataset %q: row stream has no key columns", ds.Name)
	}

	seen := map[string]entry{}
	var order []string
	var inBatch []Conflict
	for {
		ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		nk, complete := naturalKey(it, pos, ds)
		if !complete {
			continue
		}
		dedup := nk.ParticipantID
		if !ds.Demographic {
			dedup = convert.ToString(it.Get(pos.lsid))
		}
		if _, dup := seen[dedup]; dup {
			inBatch = append(inBatch, Conflict{NaturalKey: nk})
			continue
		}
		replace := cfg.ReplaceAll
		if !replace && pos.replace >= 0 {
			replace, _ = convert.ToBool(it.Get(pos.replace))
		}
		seen[dedup] = entry{natural: nk, replace: replace}
		order = append(order, dedup)
	}
	if err := it.Rewind(); err != nil {
		return nil, fmt.Errorf("failed to rewind rows after duplicate check: %w", err)
	}

	managed := ds.KeyManagement != model.KeyManagementNone
	if cfg.Policy == PolicySourceOnly {
		// Server-managed keys hide in-batch conflicts here.
		if len(inBatch) > 0 && !managed {
			res.Conflicts = inBatch
		}
		return res, nil
	}

	res.Conflicts = inBatch
	if len(order) == 0 {
		if managed {
			res.Conflicts = nil
		}
		return res, nil
	}
	container := storage.ScopeContainer(ds, cfg.Container)
	var existing []storage.ExistingRow
	for _, chunk := range storage.Chunk(order, cfg.ChunkSize) {
		found, err := cfg.Store.ExistingRows(ctx, ds, container, chunk, ds.Demographic)
		if err != nil {
			return nil, fmt.Errorf("failed to look up existing rows: %w", err)
		}
		existing = append(existing, found...)
	}

	var toDelete []storage.ExistingRow
	for _, row := range existing {
		dedup := row.LSID
		if ds.Demographic {
			dedup = row.ParticipantID
		}
		e, ok := seen[dedup]
		if !ok {
			continue
		}
		if e.replace {
			toDelete = append(toDelete, row)
			continue
		}
		res.Conflicts = append(res.Conflicts, Conflict{NaturalKey: e.natural, InDatabase: true})
	}

	if len(res.Conflicts) > 0 {
		if !managed {
			return res, nil
		}
		res.Conflicts = nil
	}
	if len(toDelete) == 0 {
		return res, nil
	}

	ids := make([]string, len(toDelete))
	for i, row := range toDelete {
		ids[i] = row.LSID
	}
	deleted := 0
	for _, chunk := range storage.Chunk(ids, cfg.ChunkSize) {
		n, err := cfg.Store.DeleteRows(ctx, ds, container, chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to delete replaced rows: %w", err)
		}
		deleted += n
	}
	res.Deleted = toDelete
	cfg.Logger.Debug("replaced existing dataset rows", "dataset", ds.Name, "deleted", deleted)
	return res, nil
}

func locate(cols []rows.Column, ds *model.Dataset) positions {
	pos := positions{
		subject: rows.Index(cols, ds.SubjectColumnName()),
		seq:     rows.Index(cols, model.ColumnSequenceNum),
		date:    rows.Index(cols, model.ColumnDate),
		key:     -1,
		lsid:    rows.Index(cols, model.ColumnLSID),
		replace: rows.Index(cols, model.ColumnReplace),
	}
	switch {
	case ds.HasKeyProperty():
		pos.key = rows.Index(cols, ds.KeyPropertyName)
	case ds.UseTimeKeyField:
		pos.key = pos.date
	}
	return pos
}

// naturalKey reads the key of the current row. complete is false when a
// required component is null; validation rejects such rows separately.
func naturalKey(it rows.Iterator, pos positions, ds *model.Dataset) (NaturalKey, bool) {
	var nk NaturalKey
	v := it.Get(pos.subject)
	if convert.IsNull(v) {
		return nk, false
	}
	nk.ParticipantID = convert.ToString(v)

	if pos.date >= 0 {
		if v := it.Get(pos.date); !convert.IsNull(v) {
			if t, err := convert.ToTime(v); err == nil {
				nk.Date = &t
			}
		}
	}
	if pos.seq >= 0 {
		if v := it.Get(pos.seq); !convert.IsNull(v) {
			if f, err := convert.ToFloat(v); err == nil {
				nk.SequenceNum = &f
			}
		}
	}
	if !ds.Demographic {
		if ds.IsVisitBased() && nk.SequenceNum == nil {
			return nk, false
		}
		if !ds.IsVisitBased() && nk.Date == nil {
			return nk, false
		}
	}
	if pos.key >= 0 {
		nk.Key = it.Get(pos.key)
		if ds.HasKeyProperty() && convert.IsNull(nk.Key) {
			return nk, false
		}
	}
	return nk, true
}

// Report adds the conflict summary and up to MaxDetails per-key messages to
// errs.
func (r *Result) Report(ds *model.Dataset, errs *validation.Collector) {
	if !r.HasConflicts() {
		return
	}
	where := "imported data"
	for _, c := range r.Conflicts {
		if c.InDatabase {
			where = "database or imported data"
			break
		}
	}
	errs.AddGlobal(fmt.Sprintf("Only one row is allowed for each %s.  Duplicates were found in the %s.", ds.KeyTypeDescription(), where))
	for i, c := range r.Conflicts {
		if i == MaxDetails {
			break
		}
		errs.AddGlobal(c.Describe(ds))
	}
}

// Describe renders the conflict as "Duplicate: Participant = P1, VisitSequenceNum = 1.0".
func (c Conflict) Describe(ds *model.Dataset) string {
	var sb strings.Builder
	sb.WriteString("Duplicate: ")
	sb.WriteString(ds.Study.SubjectNounSingular())
	sb.WriteString(" = ")
	sb.WriteString(c.ParticipantID)
	if !ds.Demographic {
		if ds.IsVisitBased() {
			if c.SequenceNum != nil {
				fmt.Fprintf(&sb, ", VisitSequenceNum = %s", convert.ToString(*c.SequenceNum))
			}
		} else if c.Date != nil {
			fmt.Fprintf(&sb, ", Date = %s", convert.ToString(*c.Date))
		}
	}
	if ds.HasKeyProperty() {
		fmt.Fprintf(&sb, ", %s = %s", ds.KeyPropertyName, lsid.FormatKeyValue(c.Key))
	}
	return sb.String()
}
