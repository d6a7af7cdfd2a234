// Package metadata caches study and dataset definitions and the derived
// "has rows" fact used by callers deciding whether a dataset definition may
// still change shape.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/malbeclabs/studydata/study/pkg/metrics"
	"github.com/malbeclabs/studydata/study/pkg/model"
)

const DefaultTTL = 5 * time.Minute

// Source loads definitions from durable storage.
type Source interface {
	Study(ctx context.Context, container string) (*model.Study, error)
	Dataset(ctx context.Context, container string, datasetID int) (*model.Dataset, error)
	CountRows(ctx context.Context, ds *model.Dataset, container string) (int64, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Source Source
	TTL    time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type entry[T any] struct {
	value   T
	expires time.Time
}

type datasetKey struct {
	container string
	id        int
}

// Cache is a read-through cache over a Source. Concurrent misses for the
// same key share one load.
type Cache struct {
	log *slog.Logger
	cfg Config

	group singleflight.Group

	mu       sync.RWMutex
	studies  map[string]entry[*model.Study]
	datasets map[datasetKey]entry[*model.Dataset]
	hasRows  map[string]entry[bool]
}

func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cache{
		log:      cfg.Logger,
		cfg:      cfg,
		studies:  map[string]entry[*model.Study]{},
		datasets: map[datasetKey]entry[*model.Dataset]{},
		hasRows:  map[string]entry[bool]{},
	}, nil
}

func lookup[K comparable, V any](c *Cache, m map[K]entry[V], k K) (V, bool) {
	c.mu.RLock()
	e, ok := m[k]
	c.mu.RUnlock()
	if !ok || !c.cfg.Clock.Now().Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func store[K comparable, V any](c *Cache, m map[K]entry[V], k K, v V) {
	c.mu.Lock()
	m[k] = entry[V]{value: v, expires: c.cfg.Clock.Now().Add(c.cfg.TTL)}
	c.mu.Unlock()
}

func (c *Cache) Study(ctx context.Context, container string) (*model.Study, error) {
	if s, ok := lookup(c, c.studies, container); ok {
		metrics.MetadataCacheTotal.WithLabelValues("study", "hit").Inc()
		return s, nil
	}
	metrics.MetadataCacheTotal.WithLabelValues("study", "miss").Inc()
	v, err, _ := c.group.Do("study/"+container, func() (any, error) {
		s, err := c.cfg.Source.Study(ctx, container)
		if err != nil {
			return nil, err
		}
		store(c, c.studies, container, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Study), nil
}

// Dataset returns the definition of a dataset as seen from container. The
// returned value is shared; callers must not modify it.
func (c *Cache) Dataset(ctx context.Context, container string, datasetID int) (*model.Dataset, error) {
	k := datasetKey{container: container, id: datasetID}
	if ds, ok := lookup(c, c.datasets, k); ok {
		metrics.MetadataCacheTotal.WithLabelValues("dataset", "hit").Inc()
		return ds, nil
	}
	metrics.MetadataCacheTotal.WithLabelValues("dataset", "miss").Inc()
	v, err, _ := c.group.Do(fmt.Sprintf("dataset/%s/%d", container, datasetID), func() (any, error) {
		ds, err := c.cfg.Source.Dataset(ctx, container, datasetID)
		if err != nil {
			return nil, err
		}
		store(c, c.datasets, k, ds)
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Dataset), nil
}

// HasRows reports whether any rows are stored for ds.
func (c *Cache) HasRows(ctx context.Context, ds *model.Dataset) (bool, error) {
	if has, ok := lookup(c, c.hasRows, ds.EntityID); ok {
		metrics.MetadataCacheTotal.WithLabelValues("has_rows", "hit").Inc()
		return has, nil
	}
	metrics.MetadataCacheTotal.WithLabelValues("has_rows", "miss").Inc()
	v, err, _ := c.group.Do("rows/"+ds.EntityID, func() (any, error) {
		n, err := c.cfg.Source.CountRows(ctx, ds, "")
		if err != nil {
			return nil, err
		}
		store(c, c.hasRows, ds.EntityID, n > 0)
		return n > 0, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// DatasetModified drops everything cached about ds's rows. Importers call it
// after a commit.
func (c *Cache) DatasetModified(ds *model.Dataset) {
	c.mu.Lock()
	delete(c.hasRows, ds.EntityID)
	c.mu.Unlock()
	c.group.Forget("rows/" + ds.EntityID)
	c.log.Debug("metadata: dataset rows invalidated", "dataset", ds.Name, "entity_id", ds.EntityID)
}

// InvalidateDefinitions drops the cached study and dataset definitions of a
// container, e.g. after a schema change.
func (c *Cache) InvalidateDefinitions(container string) {
	c.mu.Lock()
	delete(c.studies, container)
	for k := range c.datasets {
		if k.container == container {
			delete(c.datasets, k)
		}
	}
	c.mu.Unlock()
	c.log.Debug("metadata: definitions invalidated", "container", container)
}
