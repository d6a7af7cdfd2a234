package rows

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// DelimiterFor picks the field separator of a data file from its extension.
// Anything other than .csv is read as tab-separated.
func DelimiterFor(name string) rune {
	if strings.EqualFold(filepath.Ext(name), ".csv") {
		return ','
	}
	return '\t'
}

// ReadDelimited reads a header line followed by data lines. Blank cells are
// null; every other cell is kept as text for the pipeline to convert.
func ReadDelimited(r io.Reader, comma rune) (*Slice, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("no header line found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols := make([]Column, 0, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		if name == "" {
			return nil, fmt.Errorf("column %d has an empty name", i+1)
		}
		cols = append(cols, Column{Name: name})
	}

	var data [][]any
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read data: %w", err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) > len(cols) {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("line %d has %d values, header has %d", line, len(rec), len(cols))
		}
		row := make([]any, len(cols))
		for i, v := range rec {
			if strings.TrimSpace(v) != "" {
				row[i] = v
			}
		}
		data = append(data, row)
	}
	return NewSlice(cols, data)
}
