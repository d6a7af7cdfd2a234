package lsid

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seq(f float64) *float64 { return &f }

func TestStudy_LSID_FormatSequenceNum(t *testing.T) {
	t.Parallel()

	require.Equal(t, "101.0000", FormatSequenceNum(101))
	require.Equal(t, "101.2500", FormatSequenceNum(101.25))
	require.Equal(t, "0.0000", FormatSequenceNum(0))
	require.Equal(t, "-1.5000", FormatSequenceNum(-1.5))
	require.Equal(t, "20200101.0000", FormatSequenceNum(20200101))
	require.Equal(t, 1.1235, RoundSequenceNum(1.12349999))

	negZero := math.Copysign(0, -1)
	require.Equal(t, "0.0000", FormatSequenceNum(negZero))
	require.Equal(t, "0.0000", FormatSequenceNum(-0.00001))
	require.Equal(t, "-0.0001", FormatSequenceNum(-0.0001))
	require.False(t, math.Signbit(RoundSequenceNum(negZero)))
	require.False(t, math.Signbit(RoundSequenceNum(-0.00001)))
}

var rowIdentifierFixtures = []struct {
	name string
	key  Key
	want string
}{
	{
		name: "visit based",
		key:  Key{Authority: "example.org", ContainerRowID: 12, DatasetID: 5000, ParticipantID: "P1", VisitBased: true, SequenceNum: seq(1)},
		want: "urn:lsid:example.org:Study.Data-12:5000.P1.1.0000",
	},
	{
		name: "visit based with extra key",
		key:  Key{Authority: "example.org", ContainerRowID: 12, DatasetID: 5000, ParticipantID: "P1", VisitBased: true, SequenceNum: seq(2.5), HasExtraKey: true, ExtraKey: "A7"},
		want: "urn:lsid:example.org:Study.Data-12:5000.P1.2.5000.A7",
	},
	{
		name: "null extra key renders empty",
		key:  Key{Authority: "example.org", ContainerRowID: 12, DatasetID: 5000, ParticipantID: "P1", VisitBased: true, SequenceNum: seq(2), HasExtraKey: true},
		want: "urn:lsid:example.org:Study.Data-12:5000.P1.2.0000.",
	},
	{
		name: "negative zero sequence",
		key:  Key{Authority: "example.org", ContainerRowID: 12, DatasetID: 5000, ParticipantID: "P1", VisitBased: true, SequenceNum: seq(math.Copysign(0, -1))},
		want: "urn:lsid:example.org:Study.Data-12:5000.P1.0.0000",
	},
	{
		name: "demographic",
		key:  Key{Authority: "example.org", ContainerRowID: 12, DatasetID: 5001, ParticipantID: "P1", Demographic: true, VisitBased: true, SequenceNum: seq(0), HasExtraKey: true, ExtraKey: "ignored"},
		want: "urn:lsid:example.org:Study.Data-12:5001.P1",
	},
	{
		name: "date based time key",
		key: Key{Authority: "example.org", ContainerRowID: 3, DatasetID: 7, ParticipantID: "P2", UseTimeKeyField: true,
			SequenceNum: seq(20200102), VisitDate: timePtr(time.Date(2020, 1, 2, 9, 5, 3, 0, time.UTC))},
		want: "urn:lsid:example.org:Study.Data-3:7.P2.20200102.0000.090503",
	},
	{
		name: "visit based ignores time key",
		key: Key{Authority: "example.org", ContainerRowID: 3, DatasetID: 7, ParticipantID: "P2", VisitBased: true, UseTimeKeyField: true,
			SequenceNum: seq(3), VisitDate: timePtr(time.Date(2020, 1, 2, 9, 5, 3, 0, time.UTC))},
		want: "urn:lsid:example.org:Study.Data-3:7.P2.3.0000",
	},
	{
		name: "missing sequence",
		key:  Key{Authority: "example.org", ContainerRowID: 3, DatasetID: 7, ParticipantID: "P2"},
		want: "urn:lsid:example.org:Study.Data-3:7.P2.",
	},
}

func timePtr(t time.Time) *time.Time { return &t }

func TestStudy_LSID_BuildRowIdentifier(t *testing.T) {
	t.Parallel()

	for _, tt := range rowIdentifierFixtures {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := BuildRowIdentifier(tt.key)
			require.Equal(t, tt.want, got)
			require.Equal(t, got, BuildRowIdentifier(tt.key))
		})
	}
}

func TestStudy_LSID_BuildParticipantSequenceKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "P1|101.0000", BuildParticipantSequenceKey("P1", seq(101)))
	require.Equal(t, "P1|", BuildParticipantSequenceKey("P1", nil))
}

func TestStudy_LSID_FormatKeyValue(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", FormatKeyValue(nil))
	require.Equal(t, "", FormatKeyValue("  "))
	require.Equal(t, "42", FormatKeyValue(int64(42)))
	require.Equal(t, "1.5", FormatKeyValue(1.5))
	require.Equal(t, "abc", FormatKeyValue("abc"))
}

func TestStudy_LSID_SQLExpression(t *testing.T) {
	t.Parallel()

	t.Run("visit with key", func(t *testing.T) {
		t.Parallel()
		expr := SQLExpression(SQLConfig{
			Authority:          "example.org",
			DatasetID:          5000,
			VisitBased:         true,
			HasExtraKey:        true,
			ContainerRowIDExpr: "'12'",
		})
		require.Equal(t,
			"('urn:lsid:example.org:Study.Data-' || '12' || ':5000.' || participantid || '.' || "+
				"COALESCE(CAST(CAST(sequencenum AS NUMERIC(15,4)) AS VARCHAR), '') || '.' || COALESCE(_key, ''))",
			expr)
	})

	t.Run("demographic", func(t *testing.T) {
		t.Parallel()
		expr := SQLExpression(SQLConfig{Authority: "a", DatasetID: 1, Demographic: true, ContainerRowIDExpr: "c.row_id::text"})
		require.Equal(t, "('urn:lsid:a:Study.Data-' || c.row_id::text || ':1.' || participantid)", expr)
	})

	t.Run("time key", func(t *testing.T) {
		t.Parallel()
		expr := SQLExpression(SQLConfig{Authority: "a", DatasetID: 1, UseTimeKeyField: true, ContainerRowIDExpr: "'1'"})
		require.Contains(t, expr, "COALESCE(to_char(date, 'HH24MISS'), '')")
		require.NotContains(t, expr, "_key")
	})

	t.Run("quotes authority", func(t *testing.T) {
		t.Parallel()
		expr := SQLExpression(SQLConfig{Authority: "o'brien", DatasetID: 1, Demographic: true, ContainerRowIDExpr: "'1'"})
		require.Contains(t, expr, "'urn:lsid:o''brien:Study.Data-'")
	})
}
