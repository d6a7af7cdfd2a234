package rows

import (
	"context"
	"fmt"
	"sort"

	"github.com/malbeclabs/studydata/study/pkg/model"
)

// Column describes one column of a row stream.
type Column struct {
	Name        string
	PropertyURI string
	Type        model.ValueType
}

// Iterator is a pull-based row stream. Get is valid only after Next has
// returned true.
type Iterator interface {
	Columns() []Column
	Next(ctx context.Context) (bool, error)
	Get(i int) any
	// RowNumber is the 1-based position of the current row in its source.
	RowNumber() int
}

// Scrollable is an Iterator that can be restarted from the first row.
type Scrollable interface {
	Iterator
	Rewind() error
}

// Index returns the position of the named column, matched case-insensitively,
// or -1.
func Index(cols []Column, name string) int {
	folded := model.FoldName(name)
	for i, c := range cols {
		if model.FoldName(c.Name) == folded {
			return i
		}
	}
	return -1
}

// Slice is an in-memory scrollable row source.
type Slice struct {
	cols []Column
	data [][]any
	pos  int
}

// NewSlice returns a stream over data; every row must have len(cols) values.
func NewSlice(cols []Column, data [][]any) (*Slice, error) {
	for i, row := range data {
		if len(row) != len(cols) {
			return nil, fmt.Errorf("row %d has %d values, expected %d", i+1, len(row), len(cols))
		}
	}
	return &Slice{cols: cols, data: data, pos: -1}, nil
}

// FromMaps builds a stream from keyed rows. Columns are ordered by first
// appearance, with each row's keys visited in sorted order; missing keys are
// null.
func FromMaps(maps []map[string]any) *Slice {
	var cols []Column
	seen := map[string]int{}
	for _, m := range maps {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, ok := seen[k]; !ok {
				seen[k] = len(cols)
				cols = append(cols, Column{Name: k})
			}
		}
	}
	data := make([][]any, len(maps))
	for i, m := range maps {
		row := make([]any, len(cols))
		for k, v := range m {
			row[seen[k]] = v
		}
		data[i] = row
	}
	return &Slice{cols: cols, data: data, pos: -1}
}

func (s *Slice) Columns() []Column {
	return s.cols
}

func (s *Slice) Next(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.pos+1 >= len(s.data) {
		s.pos = len(s.data)
		return false, nil
	}
	s.pos++
	return true, nil
}

func (s *Slice) Get(i int) any {
	return s.data[s.pos][i]
}

func (s *Slice) RowNumber() int {
	return s.pos + 1
}

func (s *Slice) Rewind() error {
	s.pos = -1
	return nil
}

// Len is the number of rows held.
func (s *Slice) Len() int {
	return len(s.data)
}

// Row returns a copy of the values of row i (0-based).
func (s *Slice) Row(i int) []any {
	out := make([]any, len(s.data[i]))
	copy(out, s.data[i])
	return out
}

// Buffer drains it into memory so it can be scanned more than once. Source
// row numbers are preserved.
func Buffer(ctx context.Context, it Iterator) (*Buffered, error) {
	cols := it.Columns()
	b := &Buffered{Slice: Slice{cols: cols, pos: -1}}
	for {
		ok, err := it.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to buffer rows: %w", err)
		}
		if !ok {
			break
		}
		row := make([]any, len(cols))
		for i := range cols {
			row[i] = it.Get(i)
		}
		b.data = append(b.data, row)
		b.rowNumbers = append(b.rowNumbers, it.RowNumber())
	}
	return b, nil
}

// Buffered is a materialized copy of another stream.
type Buffered struct {
	Slice
	rowNumbers []int
}

func (b *Buffered) RowNumber() int {
	if b.pos < 0 || b.pos >= len(b.rowNumbers) {
		return 0
	}
	return b.rowNumbers[b.pos]
}

// ToMaps renders every row of it keyed by column name.
func ToMaps(ctx context.Context, it Iterator) ([]map[string]any, error) {
	cols := it.Columns()
	var out []map[string]any
	for {
		ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			m[c.Name] = it.Get(i)
		}
		out = append(out, m)
	}
}
