// Package importer writes a batch of rows into a dataset in one transaction:
// it derives the stored columns, resolves duplicates, inserts, and then
// records the change.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/studydata/study/pkg/audit"
	"github.com/malbeclabs/studydata/study/pkg/dupes"
	"github.com/malbeclabs/studydata/study/pkg/files"
	"github.com/malbeclabs/studydata/study/pkg/metrics"
	"github.com/malbeclabs/studydata/study/pkg/model"
	"github.com/malbeclabs/studydata/study/pkg/participant"
	"github.com/malbeclabs/studydata/study/pkg/pipeline"
	"github.com/malbeclabs/studydata/study/pkg/rows"
	"github.com/malbeclabs/studydata/study/pkg/storage"
	"github.com/malbeclabs/studydata/study/pkg/validation"
)

// Cache is told when a dataset's rows change.
type Cache interface {
	DatasetModified(ds *model.Dataset)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  storage.Store
	// Authority is the LSID authority of this installation.
	Authority string

	// Optional collaborators.
	Audit      audit.Sink
	Runs       audit.RunRecorder
	Cache      Cache
	Locks      *LockRegistry
	Files      files.Resolver
	Visits     participant.VisitManager
	Authorizer Authorizer
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Authority == "" {
		return errors.New("lsid authority is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Locks == nil {
		cfg.Locks = NewLockRegistry()
	}
	if cfg.Visits == nil {
		cfg.Visits = participant.DateRule{}
	}
	return nil
}

// Options are the per-call import settings.
type Options struct {
	CheckDuplicates        dupes.Policy
	AllowImportManagedKeys bool
	DisableImportAliases   bool
	// ForUpdate replaces stored rows with the incoming ones. It implies
	// AllowImportManagedKeys and DisableImportAliases.
	ForUpdate          bool
	FailFast           bool
	DefaultQCState     *model.QCState
	AutoCreateQCStates bool
	// TargetContainer defaults to the dataset's container.
	TargetContainer string
	AuditComment    string
}

func (o *Options) normalize(ds *model.Dataset) {
	if o.ForUpdate {
		o.AllowImportManagedKeys = true
		o.DisableImportAliases = true
		o.CheckDuplicates = dupes.PolicySourceAndDestination
	}
	if o.TargetContainer == "" {
		o.TargetContainer = ds.Container
	}
}

type Importer struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Importer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Importer{log: cfg.Logger, cfg: cfg}, nil
}

// outcome is what a committed import changed.
type outcome struct {
	inserted int
	replaced []storage.ExistingRow
	after    []storage.ExistingRow
}

// ImportRows writes the rows of in into ds and returns the LSIDs of the
// rows written. Validation problems are returned together as a
// *validation.BatchError and leave storage untouched. When ctx carries a
// transaction the import joins it.
func (im *Importer) ImportRows(ctx context.Context, ds *model.Dataset, user *model.User, in rows.Iterator, opts Options) ([]string, error) {
	start := im.cfg.Clock.Now()
	opts.normalize(ds)

	span := sentry.StartSpan(ctx, "study.import_rows", sentry.WithDescription(fmt.Sprintf("import %s", ds.Name)))
	span.SetTag("dataset", ds.Name)
	span.SetTag("container", opts.TargetContainer)
	defer span.Finish()
	ctx = span.Context()

	log := im.log.With("dataset", ds.Name, "container", opts.TargetContainer)

	if im.cfg.Authorizer != nil {
		if err := im.cfg.Authorizer.CanInsert(ctx, user, ds, opts.TargetContainer); err != nil {
			span.Status = sentry.SpanStatusPermissionDenied
			return nil, err
		}
	}

	// RowId keys read the stored maximum, so concurrent imports into the
	// dataset are serialized until the enclosing transaction ends. The lock
	// is taken outside the transaction.
	unlock := func() {}
	if ds.KeyManagement == model.KeyManagementRowID {
		release, err := im.cfg.Locks.Lock(ctx, ds.EntityID, storage.TxToken(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to lock dataset %q: %w", ds.Name, err)
		}
		unlock = release
	}

	errs := validation.NewCollector()
	keys := &pipeline.KeyList{}
	var (
		out       outcome
		deferred  bool
		succeeded bool
	)
	err := im.cfg.Store.InTx(ctx, func(txCtx context.Context) error {
		deferred = true
		// Audit, cache invalidation and the run record wait for the
		// outermost transaction, which may belong to the caller.
		storage.AfterTx(txCtx, func(committed bool) {
			defer unlock()
			if !succeeded {
				return
			}
			if !committed {
				log.Info("imported rows rolled back with the enclosing transaction", "rows", out.inserted)
				im.recordRun(ctx, ds, user, opts, start, &outcome{}, 0, audit.RunRolledBack)
				return
			}
			if im.cfg.Cache != nil {
				im.cfg.Cache.DatasetModified(ds)
			}
			im.recordAudit(ctx, ds, user, opts, keys.Keys(), &out)
			im.recordRun(ctx, ds, user, opts, start, &out, 0, audit.RunSucceeded)
		})
		if err := im.importInTx(txCtx, log, ds, user, in, opts, errs, keys, &out); err != nil {
			return err
		}
		succeeded = true
		return nil
	})
	if !deferred {
		unlock()
	}

	rowErrors := len(errs.Errors())
	if err != nil {
		out = outcome{}
	}
	metrics.RecordImport(ds.Name, im.cfg.Clock.Since(start), out.inserted, rowErrors, err)

	if err != nil {
		if !succeeded {
			im.recordRun(ctx, ds, user, opts, start, &out, rowErrors, runStatus(err))
		}
		if IsValidation(err) {
			span.Status = sentry.SpanStatusInvalidArgument
			log.Info("import rejected", "errors", rowErrors)
			return nil, err
		}
		span.Status = sentry.SpanStatusInternalError
		hub := sentry.GetHubFromContext(ctx)
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		hub.CaptureException(err)
		log.Error("import failed", "error", err)
		return nil, err
	}
	span.Status = sentry.SpanStatusOK

	log.Info("imported dataset rows", "rows", out.inserted, "replaced", len(out.replaced), "duration", im.cfg.Clock.Since(start))
	return keys.Keys(), nil
}

func (im *Importer) importInTx(
	ctx context.Context,
	log *slog.Logger,
	ds *model.Dataset,
	user *model.User,
	in rows.Iterator,
	opts Options,
	errs *validation.Collector,
	keys *pipeline.KeyList,
	out *outcome,
) error {
	store := im.cfg.Store
	if err := store.EnsureDataset(ctx, ds); err != nil {
		return fmt.Errorf("failed to provision dataset %q: %w", ds.Name, err)
	}

	aliases, err := im.aliases(ctx, ds, opts)
	if err != nil {
		return err
	}

	p, err := pipeline.Build(ctx, in, pipeline.Options{
		Logger:                 log,
		Dataset:                ds,
		Authority:              im.cfg.Authority,
		TargetContainer:        opts.TargetContainer,
		AllowImportManagedKeys: opts.AllowImportManagedKeys,
		DisableImportAliases:   opts.DisableImportAliases,
		FailFast:               opts.FailFast,
		AutoCreateQCStates:     opts.AutoCreateQCStates,
		DefaultQCState:         opts.DefaultQCState,
		SubjectMaxLength:       storage.SubjectMaxLength,
		Aliases:                aliases,
		Visits:                 im.cfg.Visits,
		Files:                  im.cfg.Files,
		QCStates:               store,
		Keys:                   store,
		Containers:             store,
		Remaps:                 store,
		Errors:                 errs,
		KeyList:                keys,
	})
	if err != nil {
		return err
	}
	if p.Degenerate() {
		return errs.Err()
	}

	buf, err := rows.Buffer(ctx, p)
	if err != nil {
		return err
	}
	log.Debug("rows derived", "rows", buf.Len(), "errors", len(errs.Errors()))

	res, err := dupes.Check(ctx, buf, dupes.Config{
		Logger:     log,
		Dataset:    ds,
		Policy:     opts.CheckDuplicates,
		Store:      store,
		Container:  opts.TargetContainer,
		ReplaceAll: opts.ForUpdate,
	})
	if err != nil {
		return err
	}
	if res.HasConflicts() {
		for _, c := range res.Conflicts {
			source := "input"
			if c.InDatabase {
				source = "database"
			}
			metrics.DuplicateConflictsTotal.WithLabelValues(ds.Name, source).Inc()
		}
		res.Report(ds, errs)
	}
	if errs.HasErrors() {
		return errs.Err()
	}
	if len(res.Deleted) > 0 {
		metrics.RowsReplacedTotal.WithLabelValues(ds.Name).Add(float64(len(res.Deleted)))
	}

	ins, err := store.InsertRows(ctx, ds, buf, storage.InsertOptions{
		User:      user,
		Container: opts.TargetContainer,
		Now:       im.cfg.Clock.Now().UTC(),
	})
	if err != nil {
		if storage.IsUniqueViolation(err) {
			errs.AddGlobal(uniqueViolationMessage(ds, err))
			return errs.Err()
		}
		return fmt.Errorf("failed to insert rows into %q: %w", ds.Name, err)
	}
	if unknown := slices.DeleteFunc(ins.UnknownColumns, func(c string) bool {
		return model.FoldName(c) == model.FoldName(model.ColumnReplace)
	}); len(unknown) > 0 {
		log.Warn("ignored columns with no storage", "columns", unknown)
	}
	out.inserted = ins.Count
	out.replaced = res.Deleted

	if im.cfg.Audit != nil && ins.Count > 0 {
		after, err := im.storedRows(ctx, ds, opts.TargetContainer, keys.Keys())
		if err != nil {
			return err
		}
		out.after = after
	}
	return nil
}

// aliases loads the study's participant alias table, if imports into ds
// translate aliases at all.
func (im *Importer) aliases(ctx context.Context, ds *model.Dataset, opts Options) (*participant.AliasTranslator, error) {
	if opts.DisableImportAliases || ds.IsParticipantAliasDataset() {
		return nil, nil
	}
	m, err := im.cfg.Store.ParticipantAliases(ctx, ds.Study)
	if err != nil {
		return nil, fmt.Errorf("failed to load participant aliases: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return participant.NewAliasTranslator(m, ds.Study.StrictAliasMatch), nil
}

func (im *Importer) storedRows(ctx context.Context, ds *model.Dataset, container string, lsids []string) ([]storage.ExistingRow, error) {
	scope := storage.ScopeContainer(ds, container)
	var out []storage.ExistingRow
	for _, chunk := range storage.Chunk(lsids, storage.DeleteChunkSize) {
		found, err := im.cfg.Store.ExistingRows(ctx, ds, scope, chunk, false)
		if err != nil {
			return nil, fmt.Errorf("failed to read imported rows: %w", err)
		}
		out = append(out, found...)
	}
	return out, nil
}

func snapshot(stored []storage.ExistingRow) []map[string]any {
	if len(stored) == 0 {
		return nil
	}
	out := make([]map[string]any, len(stored))
	for i, r := range stored {
		out[i] = r.Values
	}
	return out
}

func userID(user *model.User) int64 {
	if user == nil {
		return 0
	}
	return user.ID
}

// recordAudit runs after commit. A failing sink does not fail the import.
func (im *Importer) recordAudit(ctx context.Context, ds *model.Dataset, user *model.User, opts Options, ids []string, out *outcome) {
	if im.cfg.Audit == nil || out.inserted == 0 {
		return
	}
	action := audit.ActionInsert
	if len(out.replaced) > 0 {
		action = audit.ActionReplace
	}
	ev := audit.Event{
		ID:          uuid.New(),
		Time:        im.cfg.Clock.Now().UTC(),
		Container:   opts.TargetContainer,
		DatasetID:   ds.ID,
		DatasetName: ds.Name,
		UserID:      userID(user),
		Action:      action,
		RowCount:    out.inserted,
		Comment:     opts.AuditComment,
		LSIDs:       ids,
		Before:      snapshot(out.replaced),
		After:       snapshot(out.after),
	}
	if err := im.cfg.Audit.Record(context.WithoutCancel(ctx), ev); err != nil {
		metrics.AuditErrorsTotal.Inc()
		im.log.Error("failed to record audit event", "dataset", ds.Name, "event_id", ev.ID, "error", err)
	}
}

func runStatus(err error) audit.RunStatus {
	if IsValidation(err) {
		return audit.RunInvalid
	}
	return audit.RunFailed
}

func (im *Importer) recordRun(ctx context.Context, ds *model.Dataset, user *model.User, opts Options, start time.Time, out *outcome, rowErrors int, status audit.RunStatus) {
	if im.cfg.Runs == nil {
		return
	}
	run := audit.Run{
		ID:          uuid.New(),
		StartedAt:   start.UTC(),
		Duration:    im.cfg.Clock.Since(start),
		Container:   opts.TargetContainer,
		DatasetID:   ds.ID,
		DatasetName: ds.Name,
		UserID:      userID(user),
		Status:      status,
		RowCount:    out.inserted,
		ErrorCount:  rowErrors,
		Replaced:    len(out.replaced),
	}
	if err := im.cfg.Runs.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		im.log.Error("failed to record import run", "dataset", ds.Name, "error", err)
	}
}
