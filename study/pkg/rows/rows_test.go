package rows

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStudy_Rows_FromMaps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := FromMaps([]map[string]any{
		{"ParticipantId": "P1", "Height": 170},
		{"ParticipantId": "P2", "Weight": 60},
	})
	cols := s.Columns()
	require.Len(t, cols, 3)
	require.Equal(t, "Height", cols[0].Name)
	require.Equal(t, "ParticipantId", cols[1].Name)
	require.Equal(t, "Weight", cols[2].Name)

	ok, err := s.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, s.RowNumber())
	require.Nil(t, s.Get(Index(cols, "weight")))

	ok, err = s.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 60, s.Get(2))

	ok, err = s.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Rewind())
	ok, _ = s.Next(ctx)
	require.True(t, ok)
	require.Equal(t, "P1", s.Get(1))
}

func TestStudy_Rows_NewSliceRejectsRaggedRows(t *testing.T) {
	t.Parallel()

	_, err := NewSlice([]Column{{Name: "a"}, {Name: "b"}}, [][]any{{1, 2}, {1}})
	require.Error(t, err)
}

func TestStudy_Rows_BufferPreservesRowNumbers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	src, err := NewSlice([]Column{{Name: "a"}}, [][]any{{1}, {2}, {3}})
	require.NoError(t, err)
	filtered := &skipEven{Iterator: src}

	b, err := Buffer(ctx, filtered)
	require.NoError(t, err)
	require.Equal(t, 2, b.Len())

	var numbers []int
	for {
		ok, err := b.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		numbers = append(numbers, b.RowNumber())
	}
	require.Equal(t, []int{1, 3}, numbers)

	require.NoError(t, b.Rewind())
	maps, err := ToMaps(ctx, b)
	require.NoError(t, err)
	require.Equal(t, []map[string]any{{"a": 1}, {"a": 3}}, maps)
}

func TestStudy_Rows_NextHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := FromMaps([]map[string]any{{"a": 1}})
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

type skipEven struct {
	Iterator
}

func (s *skipEven) Next(ctx context.Context) (bool, error) {
	for {
		ok, err := s.Iterator.Next(ctx)
		if err != nil || !ok {
			return ok, err
		}
		if s.RowNumber()%2 == 1 {
			return true, nil
		}
	}
}
