package metadata

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/studydata/study/pkg/model"
	studytesting "github.com/malbeclabs/studydata/utils/pkg/testing"
)

type countingSource struct {
	studyCalls   atomic.Int32
	datasetCalls atomic.Int32
	countCalls   atomic.Int32
	rows         atomic.Int64
	gate         chan struct{}
}

func (s *countingSource) Study(_ context.Context, container string) (*model.Study, error) {
	s.studyCalls.Add(1)
	return &model.Study{ContainerID: container, Label: "Study " + container}, nil
}

func (s *countingSource) Dataset(_ context.Context, container string, id int) (*model.Dataset, error) {
	s.datasetCalls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	return &model.Dataset{ID: id, Container: container, EntityID: "ds-entity", Name: "Vitals"}, nil
}

func (s *countingSource) CountRows(context.Context, *model.Dataset, string) (int64, error) {
	s.countCalls.Add(1)
	return s.rows.Load(), nil
}

func TestStudy_Metadata_StudyCachedUntilTTL(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	src := &countingSource{}
	cache, err := New(Config{Logger: studytesting.NewLogger(), Clock: clock, Source: src, TTL: time.Minute})
	require.NoError(t, err)

	for range 3 {
		s, err := cache.Study(t.Context(), "c1")
		require.NoError(t, err)
		require.Equal(t, "Study c1", s.Label)
	}
	require.Equal(t, int32(1), src.studyCalls.Load())

	clock.Advance(2 * time.Minute)
	_, err = cache.Study(t.Context(), "c1")
	require.NoError(t, err)
	require.Equal(t, int32(2), src.studyCalls.Load())

	cache.InvalidateDefinitions("c1")
	_, err = cache.Study(t.Context(), "c1")
	require.NoError(t, err)
	require.Equal(t, int32(3), src.studyCalls.Load())
}

func TestStudy_Metadata_ConcurrentMissesShareLoad(t *testing.T) {
	t.Parallel()
	src := &countingSource{gate: make(chan struct{})}
	cache, err := New(Config{Logger: studytesting.NewLogger(), Source: src})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ds, err := cache.Dataset(context.Background(), "c1", 5001)
			require.NoError(t, err)
			require.Equal(t, 5001, ds.ID)
		}()
	}
	// Let the goroutines pile up on the in-flight load before releasing it.
	require.Eventually(t, func() bool { return src.datasetCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	require.Equal(t, int32(1), src.datasetCalls.Load())
}

func TestStudy_Metadata_DatasetModifiedInvalidatesHasRows(t *testing.T) {
	t.Parallel()
	src := &countingSource{}
	cache, err := New(Config{Logger: studytesting.NewLogger(), Source: src})
	require.NoError(t, err)
	ds := &model.Dataset{ID: 5001, EntityID: "ds-entity", Name: "Vitals"}

	has, err := cache.HasRows(t.Context(), ds)
	require.NoError(t, err)
	require.False(t, has)

	src.rows.Store(4)
	has, err = cache.HasRows(t.Context(), ds)
	require.NoError(t, err)
	require.False(t, has, "stale until invalidated")

	cache.DatasetModified(ds)
	has, err = cache.HasRows(t.Context(), ds)
	require.NoError(t, err)
	require.True(t, has)
	require.Equal(t, int32(2), src.countCalls.Load())
}
