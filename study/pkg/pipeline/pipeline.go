// Package pipeline turns an arbitrary input row stream into the fully derived
// row stream a dataset table stores: input columns are matched to the
// dataset schema and translated, then the synthetic key columns are computed
// in dependency order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/malbeclabs/studydata/study/pkg/convert"
	"github.com/malbeclabs/studydata/study/pkg/files"
	"github.com/malbeclabs/studydata/study/pkg/lsid"
	"github.com/malbeclabs/studydata/study/pkg/model"
	"github.com/malbeclabs/studydata/study/pkg/participant"
	"github.com/malbeclabs/studydata/study/pkg/rows"
)

type opKind int

const (
	// opPassthrough copies an input column unchanged.
	opPassthrough opKind = iota
	// opConvert reads an input column through a conversion.
	opConvert
	// opAlias repeats an earlier output column under another name, as
	// canonical key text.
	opAlias
	// opCompute derives a value from the input row and earlier outputs.
	opCompute
	opConstant
)

type op struct {
	kind    opKind
	col     rows.Column
	src     int
	convert func(ctx context.Context, v any) (any, error)
	compute func(ctx context.Context) (any, error)
	value   any
}

// rowError marks a problem with the data of the current row, as opposed to
// a failure of a collaborator.
type rowError struct {
	msg string
}

func (e *rowError) Error() string { return e.msg }

func rowErrorf(format string, args ...any) error {
	return &rowError{msg: fmt.Sprintf(format, args...)}
}

// Pipeline is the derived row stream. It implements rows.Iterator, and
// rows.Scrollable when its input does.
type Pipeline struct {
	log  *slog.Logger
	opts Options
	ds   *model.Dataset
	in   rows.Iterator

	ops []op
	out []any

	degenerate bool
	done       bool

	// Input positions, -1 when absent.
	subjectIn int
	seqIn     int
	dateIn    int
	qcIn      int

	// Output positions, -1 when absent.
	subjectOut   int
	seqOut       int
	dateOut      int
	keyOut       int
	containerOut int
	lsidOut      int
	propOut      map[string]int

	seq *participant.SequenceTranslator

	keySeeded bool
	keySeed   int64
	nextKey   int64

	prefixes map[string]string

	qcLoaded  bool
	qcByLabel map[string]model.QCState
	qcByID    map[int64]model.QCState
}

// Build constructs the pipeline for in. Structural problems with the input
// are recorded as setup errors on opts.Errors and yield a degenerate pipeline
// that emits no rows; the returned error is reserved for an inconsistent
// dataset definition or a failing collaborator.
func Build(ctx context.Context, in rows.Iterator, opts Options) (*Pipeline, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline options: %w", err)
	}
	ds := opts.Dataset
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dataset definition: %w", err)
	}

	p := &Pipeline{
		log:          opts.Logger,
		opts:         opts,
		ds:           ds,
		in:           in,
		subjectIn:    -1,
		seqIn:        -1,
		dateIn:       -1,
		qcIn:         -1,
		subjectOut:   -1,
		seqOut:       -1,
		dateOut:      -1,
		keyOut:       -1,
		containerOut: -1,
		lsidOut:      -1,
		propOut:      map[string]int{},
		prefixes:     map[string]string{},
		seq: &participant.SequenceTranslator{
			Study:       ds.Study,
			Demographic: ds.Demographic,
			Visits:      opts.Visits,
		},
	}

	p.checkProperties()

	target := ds.Columns()
	inCols := in.Columns()
	matches := p.matchColumns(inCols, target)
	p.checkRequiredInputs()

	if p.opts.Errors.HasSetupErrors() {
		p.degenerate = true
		p.log.Debug("pipeline degenerate due to setup errors", "dataset", ds.Name, "errors", len(p.opts.Errors.SetupErrors()))
		return p, nil
	}

	if err := p.addInputColumns(ctx, inCols, target, matches); err != nil {
		return nil, err
	}
	if err := p.addDerivedColumns(); err != nil {
		return nil, err
	}
	p.out = make([]any, len(p.ops))

	p.log.Debug("pipeline built", "dataset", ds.Name, "input_columns", len(inCols), "output_columns", len(p.ops))
	return p, nil
}

// Degenerate reports whether setup errors disabled row processing. A
// degenerate pipeline has no columns and emits no rows; its setup errors are
// reported once on the collector rather than repeated per input row.
func (p *Pipeline) Degenerate() bool {
	return p.degenerate
}

func (p *Pipeline) checkProperties() {
	subject := model.FoldName(p.ds.SubjectColumnName())
	for _, prop := range p.ds.Properties {
		folded := model.FoldName(prop.Name)
		switch {
		case folded == subject || folded == model.FoldName(model.DefaultSubjectColumn):
			p.opts.Errors.AddSetup(prop.Name, fmt.Sprintf("Cannot define a property named %s: it is reserved for the %s identifier", prop.Name, p.ds.Study.SubjectNounSingular()))
		case model.IsReservedName(prop.Name):
			p.opts.Errors.AddSetup(prop.Name, fmt.Sprintf("Cannot define a property named %s: the name is reserved", prop.Name))
		}
	}
}

// matchColumns returns, for each input column, the index of the target column
// it maps to or -1.
func (p *Pipeline) matchColumns(inCols []rows.Column, target []model.Column) []int {
	m := newMatcher(target, !p.opts.DisableImportAliases)
	matches := make([]int, len(inCols))
	claimed := map[int]int{}
	subject := model.FoldName(p.ds.SubjectColumnName())
	for i, c := range inCols {
		t := m.match(c)
		matches[i] = t
		if t < 0 {
			if model.FoldName(c.Name) == model.FoldName(model.ColumnQCStateLabel) {
				p.qcIn = i
			}
			continue
		}
		if prev, ok := claimed[t]; ok {
			p.opts.Errors.AddSetup(c.Name, fmt.Sprintf("Column %s is matched by more than one input column (%s, %s)", target[t].Name, inCols[prev].Name, c.Name))
			continue
		}
		claimed[t] = i
		switch tn := model.FoldName(target[t].Name); {
		case tn == subject && target[t].Standard:
			p.subjectIn = i
		case tn == model.FoldName(model.ColumnSequenceNum):
			p.seqIn = i
		case tn == model.FoldName(model.ColumnDate):
			p.dateIn = i
		case tn == model.FoldName(model.ColumnQCState) && p.qcIn < 0:
			p.qcIn = i
		}
	}
	return matches
}

func (p *Pipeline) checkRequiredInputs() {
	errs := p.opts.Errors
	if p.subjectIn < 0 {
		errs.AddSetup(p.ds.SubjectColumnName(), "Missing required field "+p.ds.SubjectColumnName())
	}
	if p.ds.Demographic {
		return
	}
	if p.ds.IsVisitBased() {
		if p.seqIn < 0 {
			errs.AddSetup(model.ColumnSequenceNum, "Missing required field "+model.ColumnSequenceNum)
		}
	} else if p.dateIn < 0 {
		errs.AddSetup(model.ColumnDate, "Missing required field "+model.ColumnDate)
	}
}

// synthesized columns are never read from input.
var synthesized = map[string]bool{
	model.FoldName(model.ColumnLSID):                   true,
	model.FoldName(model.ColumnSequenceNum):            true,
	model.FoldName(model.ColumnParticipantSequenceNum): true,
	model.FoldName(model.ColumnKey):                    true,
	model.FoldName(model.ColumnQCState):                true,
	// Audit columns are stamped by storage.
	model.FoldName(model.ColumnCreated):    true,
	model.FoldName(model.ColumnCreatedBy):  true,
	model.FoldName(model.ColumnModified):   true,
	model.FoldName(model.ColumnModifiedBy): true,
}

func (p *Pipeline) addInputColumns(ctx context.Context, inCols []rows.Column, target []model.Column, matches []int) error {
	ds := p.ds
	keyName := model.FoldName(ds.KeyPropertyName)
	for i, in := range inCols {
		t := matches[i]
		if t < 0 {
			p.add(op{kind: opPassthrough, col: in, src: i})
			continue
		}
		tc := target[t]
		name := model.FoldName(tc.Name)
		isKey := ds.HasKeyProperty() && !tc.Standard && name == keyName
		outCol := rows.Column{Name: tc.Name, PropertyURI: tc.PropertyURI, Type: tc.Type}

		switch {
		case tc.Standard && synthesized[name]:
			continue

		case tc.Standard && name == model.FoldName(model.ColumnContainer):
			if !ds.Study.Dataspace || !in.Type.IsStringLike() {
				p.log.Debug("ignoring input container column", "dataset", ds.Name, "column", in.Name)
				continue
			}
			p.containerOut = p.add(op{kind: opConvert, col: outCol, src: i, convert: p.convertContainer})

		case isKey && ds.KeyManagement != model.KeyManagementNone && !p.opts.AllowImportManagedKeys:
			// Managed key values are assigned by the server.
			p.log.Debug("ignoring managed key column", "dataset", ds.Name, "column", in.Name)
			continue

		case i == p.subjectIn:
			p.subjectOut = p.add(op{kind: opConvert, col: outCol, src: i, convert: p.convertSubject})

		case tc.Lookup != nil && tc.Lookup.SharedNumeric && tc.Type == model.TypeInteger:
			remap, err := p.loadRemap(ctx, *tc.Lookup)
			if err != nil {
				return err
			}
			if len(remap) == 0 {
				p.propOut[name] = p.add(op{kind: opConvert, col: outCol, src: i, convert: coerceTo(tc.Type)})
				continue
			}
			p.propOut[name] = p.add(op{kind: opConvert, col: outCol, src: i, convert: remapValue(remap, tc.Type)})

		case isKey && ds.KeyManagement == model.KeyManagementNone:
			p.keyOut = p.add(op{kind: opConvert, col: outCol, src: i, convert: coerceTo(tc.Type)})
			p.propOut[name] = p.keyOut

		case isKey && ds.KeyManagement == model.KeyManagementGUID:
			p.keyOut = p.add(op{kind: opConvert, col: outCol, src: i, convert: coalesceGUID})
			p.propOut[name] = p.keyOut

		case tc.Type == model.TypeFileLink:
			p.propOut[name] = p.add(op{kind: opConvert, col: outCol, src: i, convert: p.resolveFile})

		default:
			idx := p.add(op{kind: opConvert, col: outCol, src: i, convert: coerceTo(tc.Type)})
			switch {
			case tc.Standard && name == model.FoldName(model.ColumnDate):
				p.dateOut = idx
			case isKey:
				p.keyOut = idx
				p.propOut[name] = idx
			case !tc.Standard:
				p.propOut[name] = idx
			}
		}
	}

	if p.containerOut < 0 {
		p.containerOut = p.add(op{
			kind:  opConstant,
			col:   rows.Column{Name: model.ColumnContainer, Type: model.TypeGUID},
			value: p.opts.TargetContainer,
		})
	}
	return nil
}

// addDerivedColumns appends the synthetic columns. Each step may read the
// outputs of the steps before it, so the order is fixed.
func (p *Pipeline) addDerivedColumns() error {
	ds := p.ds

	// Date
	if !ds.IsVisitBased() && p.dateOut < 0 && (ds.Demographic || ds.IsParticipantAliasDataset()) {
		p.dateOut = p.add(op{
			kind:  opConstant,
			col:   rows.Column{Name: model.ColumnDate, Type: model.TypeDate},
			value: ds.Study.StartDate,
		})
	}

	// SequenceNum
	p.seqOut = p.add(op{
		kind:    opCompute,
		col:     rows.Column{Name: model.ColumnSequenceNum, Type: model.TypeDouble},
		compute: p.computeSequenceNum,
	})

	// Extra key
	if p.keyOut < 0 && ds.HasKeyProperty() {
		key, ok := ds.KeyProperty()
		if !ok {
			return fmt.Errorf("dataset %q: %w: %s", ds.Name, model.ErrKeyPropertyNotFound, ds.KeyPropertyName)
		}
		col := rows.Column{Name: key.Name, PropertyURI: key.PropertyURI, Type: key.Type}
		switch ds.KeyManagement {
		case model.KeyManagementRowID:
			p.keyOut = p.add(op{kind: opCompute, col: col, compute: p.nextRowID})
		case model.KeyManagementGUID:
			p.keyOut = p.add(op{kind: opCompute, col: col, compute: newGUID})
		}
		if p.keyOut >= 0 {
			p.propOut[model.FoldName(key.Name)] = p.keyOut
		}
	} else if p.keyOut < 0 && ds.UseTimeKeyField && p.dateOut >= 0 {
		p.keyOut = p.dateOut
	}

	// _key
	if p.keyOut >= 0 {
		p.add(op{kind: opAlias, col: rows.Column{Name: model.ColumnKey, Type: model.TypeString}, src: p.keyOut})
	}

	// ParticipantSequenceNum
	p.add(op{
		kind:    opCompute,
		col:     rows.Column{Name: model.ColumnParticipantSequenceNum, Type: model.TypeString},
		compute: p.computeParticipantSequenceNum,
	})

	// LSID
	p.lsidOut = p.add(op{
		kind:    opCompute,
		col:     rows.Column{Name: model.ColumnLSID, Type: model.TypeString},
		compute: p.computeLSID,
	})

	// QCState
	if ds.Study.QCStatesEnabled {
		p.add(op{
			kind:    opCompute,
			col:     rows.Column{Name: model.ColumnQCState, Type: model.TypeInteger},
			compute: p.computeQCState,
		})
	}
	return nil
}

func (p *Pipeline) add(o op) int {
	p.ops = append(p.ops, o)
	return len(p.ops) - 1
}

func (p *Pipeline) Columns() []rows.Column {
	cols := make([]rows.Column, len(p.ops))
	for i, o := range p.ops {
		cols[i] = o.col
	}
	return cols
}

func (p *Pipeline) Get(i int) any {
	return p.out[i]
}

func (p *Pipeline) RowNumber() int {
	return p.in.RowNumber()
}

// Next advances to the next valid row. Rows that fail validation are
// recorded on the error collector and skipped; with FailFast the stream ends
// at the first one.
func (p *Pipeline) Next(ctx context.Context) (bool, error) {
	if p.degenerate || p.done {
		return false, nil
	}
	for {
		ok, err := p.in.Next(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			p.done = true
			return false, nil
		}
		valid, err := p.evaluate(ctx)
		if err != nil {
			return false, err
		}
		if valid {
			if p.opts.KeyList != nil {
				if s, ok := p.out[p.lsidOut].(string); ok {
					p.opts.KeyList.Add(s)
				}
			}
			return true, nil
		}
		if p.opts.FailFast {
			p.done = true
			return false, nil
		}
	}
}

// Rewind restarts the stream. The RowId counter restarts from the same seed
// so a rescan assigns the same keys, and the key list is cleared.
func (p *Pipeline) Rewind() error {
	s, ok := p.in.(rows.Scrollable)
	if !ok {
		return errors.New("pipeline input is not scrollable")
	}
	if err := s.Rewind(); err != nil {
		return err
	}
	p.done = false
	p.nextKey = p.keySeed
	if p.opts.KeyList != nil {
		p.opts.KeyList.Reset()
	}
	return nil
}

func (p *Pipeline) evaluate(ctx context.Context) (bool, error) {
	row := p.in.RowNumber()
	for i := range p.out {
		p.out[i] = nil
	}
	for i, o := range p.ops {
		var (
			v   any
			err error
		)
		switch o.kind {
		case opPassthrough:
			v = p.in.Get(o.src)
		case opConvert:
			v, err = o.convert(ctx, p.in.Get(o.src))
		case opAlias:
			v = lsid.FormatKeyValue(p.out[o.src])
		case opCompute:
			v, err = o.compute(ctx)
		case opConstant:
			v = o.value
		}
		if err != nil {
			if isRowError(err) {
				p.opts.Errors.AddRow(row, o.col.Name, err.Error())
				return false, nil
			}
			return false, fmt.Errorf("row %d: failed to compute %s: %w", row, o.col.Name, err)
		}
		p.out[i] = v
	}
	return p.validateRow(row), nil
}

func isRowError(err error) bool {
	var re *rowError
	var ce *convert.Error
	return errors.As(err, &re) || errors.As(err, &ce) ||
		errors.Is(err, participant.ErrUnknownAlias) ||
		errors.Is(err, files.ErrNotFound) || errors.Is(err, files.ErrOutsideRoot)
}

func (p *Pipeline) validateRow(row int) bool {
	ds := p.ds
	errs := p.opts.Errors
	valid := true
	missing := func(field string) {
		errs.AddRow(row, field, "Missing value for required property: "+field)
		valid = false
	}

	ptid, _ := p.out[p.subjectOut].(string)
	switch {
	case ptid == "":
		missing(ds.SubjectColumnName())
	case p.opts.SubjectMaxLength > 0 && utf8.RuneCountInString(ptid) > p.opts.SubjectMaxLength:
		errs.AddRow(row, ds.SubjectColumnName(), fmt.Sprintf("%s value '%s' is too long, maximum length is %d characters",
			ds.SubjectColumnName(), ptid, p.opts.SubjectMaxLength))
		valid = false
	}

	if !ds.Demographic {
		if !ds.IsVisitBased() && (p.dateOut < 0 || p.out[p.dateOut] == nil) {
			missing(model.ColumnDate)
		} else if p.out[p.seqOut] == nil {
			missing(model.ColumnSequenceNum)
		}
	}

	for _, prop := range ds.Properties {
		name := model.FoldName(prop.Name)
		isKey := ds.HasKeyProperty() && name == model.FoldName(ds.KeyPropertyName)
		required := prop.Required
		if isKey {
			required = ds.KeyManagement == model.KeyManagementNone && !ds.UseTimeKeyField
		}
		if !required {
			continue
		}
		idx, ok := p.propOut[name]
		if !ok || convert.IsNull(p.out[idx]) {
			missing(prop.Name)
		}
	}
	return valid
}

func (p *Pipeline) convertSubject(_ context.Context, v any) (any, error) {
	ptid, err := p.opts.Aliases.Translate(v)
	if err != nil {
		return nil, err
	}
	if ptid == "" {
		return nil, nil
	}
	return ptid, nil
}

func (p *Pipeline) convertContainer(_ context.Context, v any) (any, error) {
	if convert.IsNull(v) {
		return p.opts.TargetContainer, nil
	}
	return strings.TrimSpace(convert.ToString(v)), nil
}

func (p *Pipeline) resolveFile(ctx context.Context, v any) (any, error) {
	if convert.IsNull(v) {
		return nil, nil
	}
	ref := convert.ToString(v)
	if p.opts.Files == nil {
		return ref, nil
	}
	return p.opts.Files.Resolve(ctx, p.opts.TargetContainer, ref)
}

func (p *Pipeline) loadRemap(ctx context.Context, lookup model.Lookup) (map[string]any, error) {
	if p.opts.Remaps == nil {
		return nil, nil
	}
	m, err := p.opts.Remaps.LookupRemap(ctx, lookup)
	if err != nil {
		return nil, fmt.Errorf("failed to load id remap for %s.%s: %w", lookup.Schema, lookup.Table, err)
	}
	return m, nil
}

func coerceTo(t model.ValueType) func(context.Context, any) (any, error) {
	return func(_ context.Context, v any) (any, error) {
		return convert.To(t, v)
	}
}

func remapValue(remap map[string]any, t model.ValueType) func(context.Context, any) (any, error) {
	return func(_ context.Context, v any) (any, error) {
		if convert.IsNull(v) {
			return nil, nil
		}
		if mapped, ok := remap[strings.TrimSpace(convert.ToString(v))]; ok {
			v = mapped
		}
		return convert.To(t, v)
	}
}

func coalesceGUID(_ context.Context, v any) (any, error) {
	if convert.IsNull(v) {
		return uuid.NewString(), nil
	}
	return convert.To(model.TypeGUID, v)
}

func newGUID(context.Context) (any, error) {
	return uuid.NewString(), nil
}

func (p *Pipeline) computeSequenceNum(ctx context.Context) (any, error) {
	ptid, _ := p.out[p.subjectOut].(string)
	var seqValue, dateValue any
	if p.seqIn >= 0 {
		seqValue = p.in.Get(p.seqIn)
	}
	if p.dateOut >= 0 {
		dateValue = p.out[p.dateOut]
	}
	seq, err := p.seq.Translate(ctx, ptid, seqValue, dateValue)
	if err != nil {
		var ce *convert.Error
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, rowErrorf("%v", err)
	}
	if seq == nil {
		return nil, nil
	}
	return *seq, nil
}

func (p *Pipeline) nextRowID(ctx context.Context) (any, error) {
	if !p.keySeeded {
		maxKey, err := p.opts.Keys.MaxKeyValue(ctx, p.ds)
		if err != nil {
			return nil, fmt.Errorf("failed to read max key value: %w", err)
		}
		p.keySeed = maxKey
		p.nextKey = maxKey
		p.keySeeded = true
	}
	p.nextKey++
	return p.nextKey, nil
}

func (p *Pipeline) sequencePtr() *float64 {
	if f, ok := p.out[p.seqOut].(float64); ok {
		return &f
	}
	return nil
}

func (p *Pipeline) computeParticipantSequenceNum(context.Context) (any, error) {
	ptid, _ := p.out[p.subjectOut].(string)
	if ptid == "" {
		return nil, nil
	}
	return lsid.BuildParticipantSequenceKey(ptid, p.sequencePtr()), nil
}

func (p *Pipeline) computeLSID(ctx context.Context) (any, error) {
	ptid, _ := p.out[p.subjectOut].(string)
	if ptid == "" {
		return nil, nil
	}
	container, _ := p.out[p.containerOut].(string)
	if container == "" {
		container = p.opts.TargetContainer
	}
	prefix, err := p.urnPrefix(ctx, container)
	if err != nil {
		return nil, err
	}

	k := lsid.Key{
		ParticipantID:   ptid,
		Demographic:     p.ds.Demographic,
		VisitBased:      p.ds.IsVisitBased(),
		UseTimeKeyField: p.ds.UseTimeKeyField,
		SequenceNum:     p.sequencePtr(),
		HasExtraKey:     p.ds.HasKeyProperty(),
	}
	if p.dateOut >= 0 {
		if t, ok := p.out[p.dateOut].(time.Time); ok {
			k.VisitDate = &t
		}
	}
	if p.keyOut >= 0 {
		k.ExtraKey = lsid.FormatKeyValue(p.out[p.keyOut])
	}
	return lsid.BuildRowIdentifierWithPrefix(prefix, k), nil
}

// urnPrefix caches the LSID prefix per container for the life of the stream.
func (p *Pipeline) urnPrefix(ctx context.Context, container string) (string, error) {
	if prefix, ok := p.prefixes[container]; ok {
		return prefix, nil
	}
	var rowID int64
	if container == p.ds.Study.ContainerID {
		rowID = p.ds.Study.ContainerRowID
	} else {
		if p.opts.Containers == nil {
			return "", rowErrorf("unknown container %s", container)
		}
		id, err := p.opts.Containers.ContainerRowID(ctx, container)
		if err != nil {
			return "", rowErrorf("unknown container %s: %v", container, err)
		}
		rowID = id
	}
	prefix := lsid.URNPrefix(p.opts.Authority, rowID, p.ds.ID)
	p.prefixes[container] = prefix
	return prefix, nil
}

func (p *Pipeline) computeQCState(ctx context.Context) (any, error) {
	if p.qcIn >= 0 {
		if v := p.in.Get(p.qcIn); !convert.IsNull(v) {
			return p.qcStateFor(ctx, v)
		}
	}
	if p.opts.DefaultQCState != nil {
		return p.opts.DefaultQCState.RowID, nil
	}
	return nil, nil
}

func (p *Pipeline) qcStateFor(ctx context.Context, v any) (any, error) {
	if err := p.loadQCStates(ctx); err != nil {
		return nil, err
	}
	if id, err := convert.ToInt(v); err == nil {
		if s, ok := p.qcByID[id]; ok {
			return s.RowID, nil
		}
	}
	label := strings.TrimSpace(convert.ToString(v))
	if s, ok := p.qcByLabel[model.FoldName(label)]; ok {
		return s.RowID, nil
	}
	if !p.opts.AutoCreateQCStates || p.opts.QCStates == nil {
		return nil, rowErrorf("QC state '%s' does not exist", label)
	}
	s, err := p.opts.QCStates.InsertQCState(ctx, model.QCState{
		Container:  p.opts.TargetContainer,
		Label:      label,
		PublicData: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create QC state %q: %w", label, err)
	}
	p.log.Info("created QC state", "dataset", p.ds.Name, "label", label, "row_id", s.RowID)
	p.qcByLabel[model.FoldName(s.Label)] = s
	p.qcByID[s.RowID] = s
	return s.RowID, nil
}

func (p *Pipeline) loadQCStates(ctx context.Context) error {
	if p.qcLoaded {
		return nil
	}
	p.qcByLabel = map[string]model.QCState{}
	p.qcByID = map[int64]model.QCState{}
	if p.opts.QCStates != nil {
		states, err := p.opts.QCStates.QCStates(ctx, p.opts.TargetContainer)
		if err != nil {
			return fmt.Errorf("failed to load QC states: %w", err)
		}
		for _, s := range states {
			p.qcByLabel[model.FoldName(s.Label)] = s
			p.qcByID[s.RowID] = s
		}
	}
	p.qcLoaded = true
	return nil
}
