package lsid

import (
	"strconv"
	"strings"
)

// SQLColumns names the storage columns an LSID expression reads.
type SQLColumns struct {
	ParticipantID string
	SequenceNum   string
	Date          string
	Key           string
}

// DefaultSQLColumns are the column names of a provisioned dataset table.
var DefaultSQLColumns = SQLColumns{
	ParticipantID: "participantid",
	SequenceNum:   "sequencenum",
	Date:          "date",
	Key:           "_key",
}

// SQLConfig describes the dataset an LSID expression is generated for.
type SQLConfig struct {
	Authority       string
	DatasetID       int
	Demographic     bool
	VisitBased      bool
	UseTimeKeyField bool
	HasExtraKey     bool
	// ContainerRowIDExpr is a SQL expression yielding the row's container
	// row id as text.
	ContainerRowIDExpr string
	Columns            SQLColumns
}

// SQLExpression returns a Postgres expression computing the row LSID from
// stored columns. It must agree with BuildRowIdentifier for every row.
func SQLExpression(cfg SQLConfig) string {
	cols := cfg.Columns
	if cols == (SQLColumns{}) {
		cols = DefaultSQLColumns
	}
	parts := []string{
		QuoteLiteral("urn:lsid:" + cfg.Authority + ":Study.Data-"),
		cfg.ContainerRowIDExpr,
		QuoteLiteral(":" + strconv.Itoa(cfg.DatasetID) + "."),
		cols.ParticipantID,
	}
	if !cfg.Demographic {
		parts = append(parts,
			"'.'",
			"COALESCE(CAST(CAST("+cols.SequenceNum+" AS NUMERIC(15,"+strconv.Itoa(SequenceNumScale)+")) AS VARCHAR), '')",
		)
		if !cfg.VisitBased && cfg.UseTimeKeyField {
			parts = append(parts, "'.'", "COALESCE(to_char("+cols.Date+", 'HH24MISS'), '')")
		} else if cfg.HasExtraKey {
			parts = append(parts, "'.'", "COALESCE("+cols.Key+", '')")
		}
	}
	return "(" + strings.Join(parts, " || ") + ")"
}

// QuoteLiteral renders s as a single-quoted SQL string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
