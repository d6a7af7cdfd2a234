package model

import (
	"sync"

	"golang.org/x/text/cases"
)

const (
	DefaultSubjectColumn = "ParticipantId"

	ColumnContainer              = "Container"
	ColumnSequenceNum            = "SequenceNum"
	ColumnDate                   = "Date"
	ColumnLSID                   = "lsid"
	ColumnParticipantSequenceNum = "ParticipantSequenceNum"
	ColumnKey                    = "_key"
	ColumnQCState                = "QCState"
	ColumnCreated                = "Created"
	ColumnCreatedBy              = "CreatedBy"
	ColumnModified               = "Modified"
	ColumnModifiedBy             = "ModifiedBy"

	// ColumnReplace is an input-only flag column read by duplicate resolution.
	ColumnReplace = "replace"
	// ColumnQCStateLabel is the input column carrying a QC state by label.
	ColumnQCStateLabel = "QCStateLabel"

	standardURIPrefix = "urn:studydata:Study#"
	// SubjectPropertyURI identifies the subject column whatever its name.
	SubjectPropertyURI = standardURIPrefix + DefaultSubjectColumn
)

// Lookup describes a foreign key from a column into another table.
type Lookup struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
	// SharedNumeric marks a numeric key into a table shared across
	// containers, whose ids are remapped on import.
	SharedNumeric bool `json:"sharedNumeric,omitempty"`
}

// Column describes one target column of a dataset.
type Column struct {
	Name          string    `json:"name"`
	PropertyURI   string    `json:"propertyUri,omitempty"`
	Label         string    `json:"label,omitempty"`
	Type          ValueType `json:"type"`
	Required      bool      `json:"required,omitempty"`
	MaxLength     int       `json:"maxLength,omitempty"`
	ImportAliases []string  `json:"importAliases,omitempty"`
	Lookup        *Lookup   `json:"lookup,omitempty"`
	Standard      bool      `json:"-"`
}

// FoldName returns the case-folded form used for all column and label matching.
func FoldName(s string) string {
	return cases.Fold().String(s)
}

var reservedNames = func() map[string]bool {
	m := map[string]bool{}
	for _, n := range []string{
		ColumnContainer, ColumnSequenceNum, ColumnDate, ColumnLSID,
		ColumnParticipantSequenceNum, ColumnKey, ColumnQCState, ColumnQCStateLabel,
		ColumnCreated, ColumnCreatedBy, ColumnModified, ColumnModifiedBy,
		ColumnReplace, "visit", "participant", "VisitDate", "VisitSequenceNum",
		"SourceLSID", "dsrowid",
	} {
		m[FoldName(n)] = true
	}
	return m
}()

// IsReservedName reports whether name may not be used for a dataset property.
func IsReservedName(name string) bool {
	return reservedNames[FoldName(name)]
}

var standardColumns = struct {
	sync.RWMutex
	bySubject map[string][]Column
}{bySubject: map[string][]Column{}}

// StandardColumns returns the built-in columns every dataset carries, keyed on
// the study's subject column name. Results are cached process-wide; callers
// receive their own copy.
func StandardColumns(subjectColumn string) []Column {
	if subjectColumn == "" {
		subjectColumn = DefaultSubjectColumn
	}
	standardColumns.RLock()
	cols, ok := standardColumns.bySubject[subjectColumn]
	standardColumns.RUnlock()
	if !ok {
		standardColumns.Lock()
		if cols, ok = standardColumns.bySubject[subjectColumn]; !ok {
			cols = buildStandardColumns(subjectColumn)
			standardColumns.bySubject[subjectColumn] = cols
		}
		standardColumns.Unlock()
	}
	out := make([]Column, len(cols))
	copy(out, cols)
	return out
}

// ResetStandardColumns drops the cached standard column descriptors.
func ResetStandardColumns() {
	standardColumns.Lock()
	standardColumns.bySubject = map[string][]Column{}
	standardColumns.Unlock()
}

func buildStandardColumns(subject string) []Column {
	std := func(name string, t ValueType, aliases ...string) Column {
		return Column{
			Name:          name,
			PropertyURI:   standardURIPrefix + name,
			Label:         name,
			Type:          t,
			ImportAliases: aliases,
			Standard:      true,
		}
	}
	subjectCol := std(subject, TypeString, "participant", "ptid")
	subjectCol.PropertyURI = SubjectPropertyURI
	subjectCol.Required = true
	return []Column{
		std(ColumnContainer, TypeGUID),
		subjectCol,
		std(ColumnSequenceNum, TypeDouble, "VisitSequenceNum", "visit"),
		std(ColumnDate, TypeDate, "VisitDate"),
		std(ColumnLSID, TypeString),
		std(ColumnParticipantSequenceNum, TypeString),
		std(ColumnKey, TypeString),
		std(ColumnQCState, TypeInteger),
		std(ColumnCreated, TypeDate),
		std(ColumnCreatedBy, TypeInteger),
		std(ColumnModified, TypeDate),
		std(ColumnModifiedBy, TypeInteger),
	}
}
