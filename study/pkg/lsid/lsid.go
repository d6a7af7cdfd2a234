// Package lsid builds the identifiers that make a dataset row unique: the
// row LSID, the participant/sequence key and the canonical extra key text.
//
// Identifiers are produced two ways, row by row during import and as a SQL
// expression for bulk recomputation, and the two must agree byte for byte.
package lsid

import (
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/studydata/study/pkg/convert"
)

const (
	// SequenceNumScale is the number of decimal places in a formatted
	// sequence number.
	SequenceNumScale = 4

	DefaultAuthority = "studydata.local"
)

// FormatSequenceNum renders x with exactly four decimal places. Values that
// round to zero render unsigned, as NUMERIC has no negative zero.
func FormatSequenceNum(x float64) string {
	s := strconv.FormatFloat(x, 'f', SequenceNumScale, 64)
	if strings.HasPrefix(s, "-") && strings.Trim(s[1:], "0.") == "" {
		return s[1:]
	}
	return s
}

// RoundSequenceNum rounds x to the stored precision.
func RoundSequenceNum(x float64) float64 {
	f, _ := strconv.ParseFloat(FormatSequenceNum(x), 64)
	if f == 0 {
		return 0
	}
	return f
}

// URNPrefix returns the per-container portion of every row LSID in a dataset,
// ending in the separator before the participant id.
func URNPrefix(authority string, containerRowID int64, datasetID int) string {
	var sb strings.Builder
	sb.WriteString("urn:lsid:")
	sb.WriteString(authority)
	sb.WriteString(":Study.Data-")
	sb.WriteString(strconv.FormatInt(containerRowID, 10))
	sb.WriteString(":")
	sb.WriteString(strconv.Itoa(datasetID))
	sb.WriteString(".")
	return sb.String()
}

// Key holds the inputs of a row identifier.
type Key struct {
	Authority       string
	ContainerRowID  int64
	DatasetID       int
	ParticipantID   string
	Demographic     bool
	VisitBased      bool
	UseTimeKeyField bool
	// SequenceNum is nil when the row has no sequence number.
	SequenceNum *float64
	VisitDate   *time.Time
	// HasExtraKey is set when the dataset defines an extra key column;
	// ExtraKey is its canonical text, empty for null.
	HasExtraKey bool
	ExtraKey    string
}

// BuildRowIdentifier returns the row LSID for k.
func BuildRowIdentifier(k Key) string {
	return BuildRowIdentifierWithPrefix(URNPrefix(k.Authority, k.ContainerRowID, k.DatasetID), k)
}

// BuildRowIdentifierWithPrefix is BuildRowIdentifier with a precomputed
// URNPrefix.
func BuildRowIdentifierWithPrefix(prefix string, k Key) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteString(k.ParticipantID)
	if k.Demographic {
		return sb.String()
	}
	sb.WriteString(".")
	sb.WriteString(formatOptionalSequenceNum(k.SequenceNum))
	if !k.VisitBased && k.UseTimeKeyField {
		sb.WriteString(".")
		if k.VisitDate != nil {
			sb.WriteString(TimeKey(*k.VisitDate))
		}
	} else if k.HasExtraKey {
		sb.WriteString(".")
		sb.WriteString(k.ExtraKey)
	}
	return sb.String()
}

// BuildParticipantSequenceKey returns "<participant>|<formatted sequence>".
// A missing sequence number renders as the empty string.
func BuildParticipantSequenceKey(participantID string, sequenceNum *float64) string {
	return participantID + "|" + formatOptionalSequenceNum(sequenceNum)
}

// TimeKey is the zero-padded HHMMSS of t.
func TimeKey(t time.Time) string {
	return t.Format("150405")
}

// FormatKeyValue returns the canonical text of an extra key value, as stored
// in the _key column. Null renders as the empty string.
func FormatKeyValue(v any) string {
	if convert.IsNull(v) {
		return ""
	}
	return convert.ToString(v)
}

func formatOptionalSequenceNum(x *float64) string {
	if x == nil {
		return ""
	}
	return FormatSequenceNum(*x)
}
