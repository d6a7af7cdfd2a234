package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testStudy(tp TimepointType) *Study {
	return &Study{ContainerID: "c1", ContainerRowID: 7, TimepointType: tp}
}

func TestStudy_Model_KeyTypeDescription(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ds   Dataset
		want string
	}{
		{"visit", Dataset{Study: testStudy(TimepointVisit)}, "Participant/Visit"},
		{"date", Dataset{Study: testStudy(TimepointDate)}, "Participant/Date"},
		{"visit with key", Dataset{Study: testStudy(TimepointVisit), KeyPropertyName: "Sample"}, "Participant/Visit/Sample"},
		{"date time key", Dataset{Study: testStudy(TimepointDate), UseTimeKeyField: true}, "Participant/Date/Time"},
		{"demographic", Dataset{Study: testStudy(TimepointVisit), Demographic: true}, "Participant"},
		{"demographic with key", Dataset{Study: testStudy(TimepointVisit), Demographic: true, KeyPropertyName: "Site"}, "Participant/Site"},
		{"custom noun", Dataset{Study: &Study{SubjectNoun: "Mouse"}}, "Mouse/Visit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.ds.KeyTypeDescription())
		})
	}
}

func TestStudy_Model_UniqueKeyColumns(t *testing.T) {
	t.Parallel()

	ds := Dataset{Study: testStudy(TimepointVisit), KeyPropertyName: "Sample"}
	require.Equal(t, "ParticipantId/SequenceNum/Sample", ds.UniqueKeyColumns())

	ds = Dataset{Study: &Study{SubjectColumn: "MouseId", TimepointType: TimepointDate}}
	require.Equal(t, "MouseId/Date", ds.UniqueKeyColumns())
}

func TestStudy_Model_Validate(t *testing.T) {
	t.Parallel()

	t.Run("managed key without property", func(t *testing.T) {
		t.Parallel()
		ds := Dataset{Name: "labs", EntityID: "e", Study: testStudy(TimepointVisit), KeyManagement: KeyManagementRowID}
		require.Error(t, ds.Validate())
	})

	t.Run("key property missing from schema", func(t *testing.T) {
		t.Parallel()
		ds := Dataset{Name: "labs", EntityID: "e", Study: testStudy(TimepointVisit), KeyPropertyName: "Sample"}
		require.ErrorIs(t, ds.Validate(), ErrKeyPropertyNotFound)
	})

	t.Run("rowid key must be integer", func(t *testing.T) {
		t.Parallel()
		ds := Dataset{
			Name: "labs", EntityID: "e", Study: testStudy(TimepointVisit),
			KeyPropertyName: "Seq", KeyManagement: KeyManagementRowID,
			Properties: []Column{{Name: "Seq", Type: TypeString}},
		}
		require.Error(t, ds.Validate())
	})

	t.Run("valid guid key", func(t *testing.T) {
		t.Parallel()
		ds := Dataset{
			Name: "labs", EntityID: "e", Study: testStudy(TimepointVisit),
			KeyPropertyName: "ObjectId", KeyManagement: KeyManagementGUID,
			Properties: []Column{{Name: "objectid", Type: TypeGUID}},
		}
		require.NoError(t, ds.Validate())
	})
}

func TestStudy_Model_StandardColumns(t *testing.T) {
	t.Parallel()

	cols := StandardColumns("MouseId")
	require.Equal(t, "MouseId", cols[1].Name)
	require.True(t, cols[1].Required)

	// Mutating the returned slice must not leak into the cache.
	cols[1].Name = "changed"
	require.Equal(t, "MouseId", StandardColumns("MouseId")[1].Name)

	ds := Dataset{Study: testStudy(TimepointVisit), Properties: []Column{{Name: "Height", Type: TypeDouble}}}
	all := ds.Columns()
	require.Equal(t, "Height", all[len(all)-1].Name)
}

func TestStudy_Model_IsReservedName(t *testing.T) {
	t.Parallel()

	require.True(t, IsReservedName("LSID"))
	require.True(t, IsReservedName("Replace"))
	require.True(t, IsReservedName("_KEY"))
	require.False(t, IsReservedName("Height"))
}

func TestStudy_Model_ParseKeyManagementType(t *testing.T) {
	t.Parallel()

	k, err := ParseKeyManagementType("rowid")
	require.NoError(t, err)
	require.Equal(t, KeyManagementRowID, k)

	k, err = ParseKeyManagementType("GUID")
	require.NoError(t, err)
	require.Equal(t, KeyManagementGUID, k)

	_, err = ParseKeyManagementType("serial")
	require.Error(t, err)
}
