package model

import (
	"fmt"
	"strings"
	"time"
)

// KeyManagementType governs who assigns a dataset's extra key.
type KeyManagementType int

const (
	KeyManagementNone KeyManagementType = iota
	KeyManagementRowID
	KeyManagementGUID
)

func (k KeyManagementType) String() string {
	switch k {
	case KeyManagementRowID:
		return "RowId"
	case KeyManagementGUID:
		return "GUID"
	default:
		return "None"
	}
}

// ParseKeyManagementType accepts the names produced by String, case-insensitively.
func ParseKeyManagementType(s string) (KeyManagementType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return KeyManagementNone, nil
	case "rowid":
		return KeyManagementRowID, nil
	case "guid":
		return KeyManagementGUID, nil
	}
	return KeyManagementNone, fmt.Errorf("unknown key management type %q", s)
}

func (k KeyManagementType) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *KeyManagementType) UnmarshalText(b []byte) error {
	v, err := ParseKeyManagementType(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// TimepointType is how a study organizes time: discrete visits or calendar dates.
type TimepointType int

const (
	TimepointVisit TimepointType = iota
	TimepointDate
)

func (t TimepointType) String() string {
	if t == TimepointDate {
		return "DATE"
	}
	return "VISIT"
}

func (t TimepointType) IsVisitBased() bool {
	return t == TimepointVisit
}

func (t TimepointType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimepointType) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "", "VISIT":
		*t = TimepointVisit
	case "DATE", "CONTINUOUS":
		*t = TimepointDate
	default:
		return fmt.Errorf("unknown timepoint type %q", string(b))
	}
	return nil
}

// DataSharing controls whether a dataset definition and its rows are shared
// across the containers of a dataspace project.
type DataSharing int

const (
	DataSharingNone DataSharing = iota
	DataSharingAll
	DataSharingPTID
)

// ValueType is the declared storage type of a column.
type ValueType string

const (
	TypeString   ValueType = "string"
	TypeInteger  ValueType = "integer"
	TypeDouble   ValueType = "double"
	TypeBoolean  ValueType = "boolean"
	TypeDate     ValueType = "date"
	TypeGUID     ValueType = "guid"
	TypeFileLink ValueType = "fileLink"
)

// IsStringLike reports whether values of this type are carried as text.
func (t ValueType) IsStringLike() bool {
	switch t {
	case "", TypeString, TypeGUID, TypeFileLink:
		return true
	}
	return false
}

// QCState is a quality-control review status that can be attached to a row.
type QCState struct {
	RowID       int64  `json:"rowId"`
	Container   string `json:"container"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	PublicData  bool   `json:"publicData"`
}

// User is the principal an import runs on behalf of.
type User struct {
	ID          int64  `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Study holds the study-level settings the import pipeline reads.
type Study struct {
	ContainerID    string        `json:"container"`
	ContainerRowID int64         `json:"-"`
	Label          string        `json:"label"`
	SubjectNoun    string        `json:"subjectNoun,omitempty"`
	SubjectColumn  string        `json:"subjectColumn,omitempty"`
	TimepointType  TimepointType `json:"timepointType"`
	StartDate      time.Time     `json:"startDate"`
	// Dataspace studies may target rows at child containers through the
	// Container column.
	Dataspace        bool `json:"dataspace,omitempty"`
	QCStatesEnabled  bool `json:"qcStatesEnabled,omitempty"`
	AliasDatasetID   int  `json:"aliasDatasetId,omitempty"`
	StrictAliasMatch bool `json:"strictAliasMatch,omitempty"`
}

// SubjectColumnName returns the name of the participant column, defaulting
// to ParticipantId.
func (s *Study) SubjectColumnName() string {
	if s == nil || s.SubjectColumn == "" {
		return DefaultSubjectColumn
	}
	return s.SubjectColumn
}

// SubjectNounSingular returns the display noun for a subject.
func (s *Study) SubjectNounSingular() string {
	if s == nil || s.SubjectNoun == "" {
		return "Participant"
	}
	return s.SubjectNoun
}

func (s *Study) IsVisitBased() bool {
	return s == nil || s.TimepointType.IsVisitBased()
}
