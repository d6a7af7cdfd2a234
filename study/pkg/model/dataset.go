package model

import (
	"errors"
	"fmt"
	"strings"
)

var ErrKeyPropertyNotFound = errors.New("key property not found")

// Dataset describes one tabular dataset within a study.
type Dataset struct {
	ID        int    `json:"datasetId"`
	EntityID  string `json:"entityId"`
	Name      string `json:"name"`
	Label     string `json:"label,omitempty"`
	Category  string `json:"category,omitempty"`
	Container string `json:"container"`

	KeyPropertyName string            `json:"keyPropertyName,omitempty"`
	KeyManagement   KeyManagementType `json:"keyManagementType"`
	Demographic     bool              `json:"demographic,omitempty"`
	UseTimeKeyField bool              `json:"useTimeKeyField,omitempty"`
	DataSharing     DataSharing       `json:"dataSharing,omitempty"`

	Properties []Column `json:"properties"`

	Study *Study `json:"-"`
}

// IsVisitBased reports whether the owning study is visit based.
func (d *Dataset) IsVisitBased() bool {
	return d.Study.IsVisitBased()
}

// HasKeyProperty reports whether the dataset has an extra key column.
func (d *Dataset) HasKeyProperty() bool {
	return d.KeyPropertyName != ""
}

// IsShared reports whether rows are stored against the definition container
// rather than the importing container.
func (d *Dataset) IsShared() bool {
	return d.DataSharing != DataSharingNone
}

// IsParticipantAliasDataset reports whether this dataset is the study's
// participant alias source.
func (d *Dataset) IsParticipantAliasDataset() bool {
	return d.Study != nil && d.Study.AliasDatasetID != 0 && d.Study.AliasDatasetID == d.ID
}

// SubjectColumnName is a shorthand for the owning study's subject column.
func (d *Dataset) SubjectColumnName() string {
	return d.Study.SubjectColumnName()
}

// Columns returns the standard columns followed by the dataset's properties.
func (d *Dataset) Columns() []Column {
	cols := StandardColumns(d.SubjectColumnName())
	return append(cols, d.Properties...)
}

// Property looks up a dataset property by name, case-insensitively.
func (d *Dataset) Property(name string) (Column, bool) {
	folded := FoldName(name)
	for _, p := range d.Properties {
		if FoldName(p.Name) == folded {
			return p, true
		}
	}
	return Column{}, false
}

// KeyProperty returns the designated extra key column.
func (d *Dataset) KeyProperty() (Column, bool) {
	if !d.HasKeyProperty() {
		return Column{}, false
	}
	return d.Property(d.KeyPropertyName)
}

// StorageTableName is the name of the provisioned table holding the rows.
func (d *Dataset) StorageTableName() string {
	var rowID int64
	if d.Study != nil {
		rowID = d.Study.ContainerRowID
	}
	return fmt.Sprintf("c%dd%d_dataset", rowID, d.ID)
}

// KeyTypeDescription names the logical unique key of a row, e.g.
// "Participant/Visit/Sample".
func (d *Dataset) KeyTypeDescription() string {
	var sb strings.Builder
	sb.WriteString(d.Study.SubjectNounSingular())
	if !d.Demographic {
		if d.IsVisitBased() {
			sb.WriteString("/Visit")
		} else {
			sb.WriteString("/Date")
		}
		if d.HasKeyProperty() {
			sb.WriteString("/" + d.KeyPropertyName)
		} else if d.UseTimeKeyField {
			sb.WriteString("/Time")
		}
	} else if d.HasKeyProperty() {
		sb.WriteString("/" + d.KeyPropertyName)
	}
	return sb.String()
}

// UniqueKeyColumns names the storage columns that make a row unique.
func (d *Dataset) UniqueKeyColumns() string {
	var sb strings.Builder
	sb.WriteString(d.SubjectColumnName())
	if !d.Demographic {
		if d.IsVisitBased() {
			sb.WriteString("/" + ColumnSequenceNum)
		} else {
			sb.WriteString("/" + ColumnDate)
		}
	}
	if d.HasKeyProperty() {
		sb.WriteString("/" + d.KeyPropertyName)
	}
	return sb.String()
}

// Validate checks invariants the import pipeline relies on. A failure here
// means the definition itself is inconsistent.
func (d *Dataset) Validate() error {
	if d.Study == nil {
		return fmt.Errorf("dataset %q has no study", d.Name)
	}
	if d.EntityID == "" {
		return fmt.Errorf("dataset %q has no entity id", d.Name)
	}
	if d.KeyManagement != KeyManagementNone && !d.HasKeyProperty() {
		return fmt.Errorf("dataset %q uses %s keys but has no key property", d.Name, d.KeyManagement)
	}
	if d.HasKeyProperty() {
		key, ok := d.KeyProperty()
		if !ok {
			return fmt.Errorf("dataset %q: %w: %s", d.Name, ErrKeyPropertyNotFound, d.KeyPropertyName)
		}
		switch d.KeyManagement {
		case KeyManagementRowID:
			if key.Type != TypeInteger {
				return fmt.Errorf("dataset %q: RowId key %s must be an integer column", d.Name, key.Name)
			}
		case KeyManagementGUID:
			if key.Type != TypeGUID && key.Type != TypeString {
				return fmt.Errorf("dataset %q: GUID key %s must be a text column", d.Name, key.Name)
			}
		}
	}
	return nil
}
