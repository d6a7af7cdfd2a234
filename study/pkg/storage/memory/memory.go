// Package memory is an in-process storage.Store. Transactions are serialized
// and roll back by restoring a snapshot.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/malbeclabs/studydata/study/pkg/convert"
	"github.com/malbeclabs/studydata/study/pkg/model"
	"github.com/malbeclabs/studydata/study/pkg/rows"
	"github.com/malbeclabs/studydata/study/pkg/storage"
)

type txKey struct{}

type Store struct {
	// txMu is held for the life of a transaction.
	txMu sync.Mutex
	mu   sync.Mutex
	st   *state
}

var _ storage.Store = (*Store)(nil)

type datasetKey struct {
	container string
	id        int
}

type table struct {
	order []string
	rows  map[string]map[string]any
}

type state struct {
	containers map[string]int64
	studies    map[string]*model.Study
	datasets   map[datasetKey]*model.Dataset
	tables     map[string]*table
	qcStates   []model.QCState
	nextQCID   int64
	aliases    map[string]map[string]string
	remaps     map[string]map[string]any
}

func New() *Store {
	return &Store{st: &state{
		containers: map[string]int64{},
		studies:    map[string]*model.Study{},
		datasets:   map[datasetKey]*model.Dataset{},
		tables:     map[string]*table{},
		aliases:    map[string]map[string]string{},
		remaps:     map[string]map[string]any{},
	}}
}

func (s *state) clone() *state {
	c := &state{
		containers: maps.Clone(s.containers),
		studies:    maps.Clone(s.studies),
		datasets:   maps.Clone(s.datasets),
		tables:     make(map[string]*table, len(s.tables)),
		qcStates:   slices.Clone(s.qcStates),
		nextQCID:   s.nextQCID,
		aliases:    maps.Clone(s.aliases),
		remaps:     maps.Clone(s.remaps),
	}
	for name, t := range s.tables {
		ct := &table{order: slices.Clone(t.order), rows: make(map[string]map[string]any, len(t.rows))}
		for id, row := range t.rows {
			ct.rows[id] = maps.Clone(row)
		}
		c.tables[name] = ct
	}
	return c
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if owner, ok := ctx.Value(txKey{}).(*Store); ok && owner == s {
		return fn(ctx)
	}
	ctx, done := storage.WithTxHooks(ctx)
	err := s.runTx(ctx, fn)
	done(err == nil)
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// AddContainer registers a container entity id with its numeric row id.
func (s *Store) AddContainer(entityID string, rowID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.containers[entityID] = rowID
}

func (s *Store) PutStudy(study *model.Study) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.studies[study.ContainerID] = study
	if _, ok := s.st.containers[study.ContainerID]; !ok {
		s.st.containers[study.ContainerID] = study.ContainerRowID
	}
}

func (s *Store) PutDataset(ds *model.Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.datasets[datasetKey{container: ds.Container, id: ds.ID}] = ds
}

func (s *Store) SetParticipantAliases(container string, aliases map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.aliases[container] = maps.Clone(aliases)
}

func (s *Store) SetLookupRemap(lookup model.Lookup, remap map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.remaps[lookupKey(lookup)] = maps.Clone(remap)
}

// Rows returns the stored rows of ds in insertion order.
func (s *Store) Rows(ds *model.Dataset) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.st.tables[ds.StorageTableName()]
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, maps.Clone(t.rows[id]))
	}
	return out
}

func lookupKey(l model.Lookup) string {
	return model.FoldName(l.Schema + "." + l.Table)
}

func (s *Store) EnsureDataset(_ context.Context, ds *model.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := ds.StorageTableName()
	if _, ok := s.st.tables[name]; !ok {
		s.st.tables[name] = &table{rows: map[string]map[string]any{}}
	}
	return nil
}

func (s *Store) tableFor(ds *model.Dataset) (*table, error) {
	t, ok := s.st.tables[ds.StorageTableName()]
	if !ok {
		return nil, fmt.Errorf("dataset table %s: %w", ds.StorageTableName(), storage.ErrNotFound)
	}
	return t, nil
}

func (s *Store) InsertRows(ctx context.Context, ds *model.Dataset, it rows.Iterator, opts storage.InsertOptions) (storage.InsertResult, error) {
	var res storage.InsertResult

	names := map[string]string{}
	for _, c := range ds.Columns() {
		names[model.FoldName(c.Name)] = c.Name
	}
	cols := it.Columns()
	target := make([]string, len(cols))
	for i, c := range cols {
		name, ok := names[model.FoldName(c.Name)]
		if !ok {
			res.UnknownColumns = append(res.UnknownColumns, c.Name)
			continue
		}
		target[i] = name
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var userID int64
	if opts.User != nil {
		userID = opts.User.ID
	}

	for {
		ok, err := it.Next(ctx)
		if err != nil {
			return res, err
		}
		if !ok {
			return res, nil
		}
		row := map[string]any{}
		for i, name := range target {
			if name != "" {
				row[name] = it.Get(i)
			}
		}
		if convert.IsNull(row[model.ColumnContainer]) {
			row[model.ColumnContainer] = opts.Container
		}
		row[model.ColumnCreated] = now
		row[model.ColumnModified] = now
		row[model.ColumnCreatedBy] = userID
		row[model.ColumnModifiedBy] = userID

		id := convert.ToString(row[model.ColumnLSID])
		if id == "" {
			return res, fmt.Errorf("row %d: null value in column %s", it.RowNumber(), model.ColumnLSID)
		}

		s.mu.Lock()
		t, err := s.tableFor(ds)
		if err != nil {
			s.mu.Unlock()
			return res, err
		}
		if _, dup := t.rows[id]; dup {
			s.mu.Unlock()
			return res, fmt.Errorf("%w \"%s_pk\": key (lsid)=(%s) already exists", storage.ErrUniqueViolation, ds.StorageTableName(), id)
		}
		t.rows[id] = row
		t.order = append(t.order, id)
		s.mu.Unlock()
		res.Count++
	}
}

func (s *Store) ExistingRows(_ context.Context, ds *model.Dataset, container string, keys []string, byParticipant bool) ([]storage.ExistingRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.tableFor(ds)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	subject := ds.SubjectColumnName()
	var out []storage.ExistingRow
	for _, id := range t.order {
		row := t.rows[id]
		if container != "" && convert.ToString(row[model.ColumnContainer]) != container {
			continue
		}
		k := id
		if byParticipant {
			k = convert.ToString(row[subject])
		}
		if !want[k] {
			continue
		}
		out = append(out, toExisting(ds, id, row))
	}
	return out, nil
}

func toExisting(ds *model.Dataset, id string, row map[string]any) storage.ExistingRow {
	e := storage.ExistingRow{
		LSID:          id,
		Container:     convert.ToString(row[model.ColumnContainer]),
		ParticipantID: convert.ToString(row[ds.SubjectColumnName()]),
		Key:           convert.ToString(row[model.ColumnKey]),
		Values:        maps.Clone(row),
	}
	if v := row[model.ColumnSequenceNum]; !convert.IsNull(v) {
		if f, err := convert.ToFloat(v); err == nil {
			e.SequenceNum = &f
		}
	}
	if v := row[model.ColumnDate]; !convert.IsNull(v) {
		if d, err := convert.ToTime(v); err == nil {
			e.Date = &d
		}
	}
	return e
}

func (s *Store) DeleteRows(_ context.Context, ds *model.Dataset, container string, lsids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.tableFor(ds)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range lsids {
		row, ok := t.rows[id]
		if !ok {
			continue
		}
		if container != "" && convert.ToString(row[model.ColumnContainer]) != container {
			continue
		}
		delete(t.rows, id)
		t.order = slices.DeleteFunc(t.order, func(o string) bool { return o == id })
		n++
	}
	return n, nil
}

func (s *Store) MaxKeyValue(_ context.Context, ds *model.Dataset) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.st.tables[ds.StorageTableName()]
	if !ok || !ds.HasKeyProperty() {
		return 0, nil
	}
	var maxKey int64
	for _, row := range t.rows {
		v := row[model.ColumnKey]
		if convert.IsNull(v) {
			continue
		}
		k, err := convert.ToInt(v)
		if err != nil {
			return 0, fmt.Errorf("dataset %q has a non-integer key %v: %w", ds.Name, v, err)
		}
		maxKey = max(maxKey, k)
	}
	return maxKey, nil
}

func (s *Store) CountRows(_ context.Context, ds *model.Dataset, container string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.st.tables[ds.StorageTableName()]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, row := range t.rows {
		if container == "" || convert.ToString(row[model.ColumnContainer]) == container {
			n++
		}
	}
	return n, nil
}

func (s *Store) QCStates(_ context.Context, container string) ([]model.QCState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.QCState
	for _, q := range s.st.qcStates {
		if q.Container == container {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *Store) InsertQCState(_ context.Context, q model.QCState) (model.QCState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.st.qcStates {
		if existing.Container == q.Container && model.FoldName(existing.Label) == model.FoldName(q.Label) {
			return model.QCState{}, fmt.Errorf("QC state %q in %s: %w", q.Label, q.Container, storage.ErrUniqueViolation)
		}
	}
	s.st.nextQCID++
	q.RowID = s.st.nextQCID
	s.st.qcStates = append(s.st.qcStates, q)
	return q, nil
}

func (s *Store) ParticipantAliases(_ context.Context, study *model.Study) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.st.aliases[study.ContainerID]), nil
}

func (s *Store) ContainerRowID(_ context.Context, entityID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.st.containers[entityID]
	if !ok {
		return 0, fmt.Errorf("container %s: %w", entityID, storage.ErrNotFound)
	}
	return id, nil
}

func (s *Store) LookupRemap(_ context.Context, lookup model.Lookup) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.st.remaps[lookupKey(lookup)]), nil
}

func (s *Store) Study(_ context.Context, container string) (*model.Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	study, ok := s.st.studies[container]
	if !ok {
		return nil, fmt.Errorf("study in %s: %w", container, storage.ErrNotFound)
	}
	return study, nil
}

func (s *Store) Dataset(_ context.Context, container string, datasetID int) (*model.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.st.datasets[datasetKey{container: container, id: datasetID}]
	if !ok {
		return nil, fmt.Errorf("dataset %d in %s: %w", datasetID, container, storage.ErrNotFound)
	}
	return ds, nil
}
