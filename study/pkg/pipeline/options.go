package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/malbeclabs/studydata/study/pkg/files"
	"github.com/malbeclabs/studydata/study/pkg/model"
	"github.com/malbeclabs/studydata/study/pkg/participant"
	"github.com/malbeclabs/studydata/study/pkg/validation"
)

// QCStateProvider looks up and creates QC states for a container.
type QCStateProvider interface {
	QCStates(ctx context.Context, container string) ([]model.QCState, error)
	InsertQCState(ctx context.Context, state model.QCState) (model.QCState, error)
}

// KeySource reports the largest integer extra key stored for a dataset.
type KeySource interface {
	MaxKeyValue(ctx context.Context, ds *model.Dataset) (int64, error)
}

// ContainerResolver maps a container entity id to its numeric row id.
type ContainerResolver interface {
	ContainerRowID(ctx context.Context, entityID string) (int64, error)
}

// LookupRemapper supplies old id → new id translations for a shared lookup.
// Keys are the textual form of the old id.
type LookupRemapper interface {
	LookupRemap(ctx context.Context, lookup model.Lookup) (map[string]any, error)
}

// Options configures a pipeline build.
type Options struct {
	Logger  *slog.Logger
	Dataset *model.Dataset

	// Authority is the LSID authority, e.g. "example.org".
	Authority string
	// TargetContainer is the container rows are written to when the input
	// does not name one.
	TargetContainer string

	AllowImportManagedKeys bool
	DisableImportAliases   bool
	FailFast               bool
	AutoCreateQCStates     bool
	DefaultQCState         *model.QCState
	// SubjectMaxLength is the storage width of the subject column; zero
	// disables the check.
	SubjectMaxLength int

	Aliases    *participant.AliasTranslator
	Visits     participant.VisitManager
	Files      files.Resolver
	QCStates   QCStateProvider
	Keys       KeySource
	Containers ContainerResolver
	Remaps     LookupRemapper

	// Errors receives setup and row errors. Required.
	Errors *validation.Collector
	// KeyList, when set, receives the LSID of every emitted row.
	KeyList *KeyList
}

func (o *Options) Validate() error {
	if o.Logger == nil {
		return errors.New("logger is required")
	}
	if o.Dataset == nil {
		return errors.New("dataset is required")
	}
	if o.Errors == nil {
		return errors.New("error collector is required")
	}
	if o.Authority == "" {
		return errors.New("authority is required")
	}
	if o.TargetContainer == "" && o.Dataset.Study != nil {
		o.TargetContainer = o.Dataset.Study.ContainerID
	}
	if o.Visits == nil {
		o.Visits = participant.DateRule{}
	}
	if o.Dataset.KeyManagement == model.KeyManagementRowID && o.Keys == nil {
		return errors.New("key source is required for RowId datasets")
	}
	return nil
}

// KeyList collects the identifiers of emitted rows.
type KeyList struct {
	mu   sync.Mutex
	keys []string
}

func (k *KeyList) Add(key string) {
	k.mu.Lock()
	k.keys = append(k.keys, key)
	k.mu.Unlock()
}

func (k *KeyList) Reset() {
	k.mu.Lock()
	k.keys = nil
	k.mu.Unlock()
}

func (k *KeyList) Keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, len(k.keys))
	copy(out, k.keys)
	return out
}

func (k *KeyList) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}
