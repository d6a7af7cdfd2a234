package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/studydata/study/pkg/files"
	"github.com/malbeclabs/studydata/study/pkg/model"
	"github.com/malbeclabs/studydata/study/pkg/participant"
	"github.com/malbeclabs/studydata/study/pkg/rows"
	"github.com/malbeclabs/studydata/study/pkg/validation"
	studytesting "github.com/malbeclabs/studydata/utils/pkg/testing"
)

const testContainer = "0f3a1c52-2a1e-4c59-9b1f-5a3a4b6d7e01"

func testLogger() *slog.Logger {
	return studytesting.NewLogger()
}

func visitStudy() *model.Study {
	return &model.Study{ContainerID: testContainer, ContainerRowID: 12, Label: "Test", TimepointType: model.TimepointVisit}
}

func dateStudy() *model.Study {
	return &model.Study{
		ContainerID:    testContainer,
		ContainerRowID: 12,
		Label:          "Test",
		TimepointType:  model.TimepointDate,
		StartDate:      time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func labsDataset(study *model.Study) *model.Dataset {
	return &model.Dataset{
		ID:        5000,
		EntityID:  "ds-labs",
		Name:      "Labs",
		Container: study.ContainerID,
		Study:     study,
		Properties: []model.Column{
			{Name: "Value", Type: model.TypeDouble, ImportAliases: []string{"Result"}},
		},
	}
}

type fakeProviders struct {
	maxKey         int64
	maxKeyErr      error
	maxKeyCalls    int
	states         []model.QCState
	inserted       []model.QCState
	containers     map[string]int64
	containerCalls int
	remap          map[string]any
}

func (f *fakeProviders) MaxKeyValue(context.Context, *model.Dataset) (int64, error) {
	f.maxKeyCalls++
	return f.maxKey, f.maxKeyErr
}

func (f *fakeProviders) QCStates(context.Context, string) ([]model.QCState, error) {
	return f.states, nil
}

func (f *fakeProviders) InsertQCState(_ context.Context, s model.QCState) (model.QCState, error) {
	s.RowID = int64(100 + len(f.inserted))
	f.inserted = append(f.inserted, s)
	return s, nil
}

func (f *fakeProviders) ContainerRowID(_ context.Context, entityID string) (int64, error) {
	f.containerCalls++
	id, ok := f.containers[entityID]
	if !ok {
		return 0, errors.New("no such container")
	}
	return id, nil
}

func (f *fakeProviders) LookupRemap(context.Context, model.Lookup) (map[string]any, error) {
	return f.remap, nil
}

type fakeFiles struct{}

func (fakeFiles) Resolve(_ context.Context, container, ref string) (string, error) {
	if strings.Contains(ref, "missing") {
		return "", fmt.Errorf("%w: %s", files.ErrNotFound, ref)
	}
	return "/files/" + container + "/" + ref, nil
}

type harness struct {
	fakes  *fakeProviders
	errs   *validation.Collector
	keys   *KeyList
	source *rows.Slice
}

func build(t *testing.T, ds *model.Dataset, data []map[string]any, mutate func(*Options)) (*Pipeline, *harness) {
	t.Helper()
	h := &harness{
		fakes:  &fakeProviders{},
		errs:   validation.NewCollector(),
		keys:   &KeyList{},
		source: rows.FromMaps(data),
	}
	opts := Options{
		Logger:     testLogger(),
		Dataset:    ds,
		Authority:  "example.org",
		Errors:     h.errs,
		KeyList:    h.keys,
		Keys:       h.fakes,
		QCStates:   h.fakes,
		Containers: h.fakes,
		Remaps:     h.fakes,
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := Build(context.Background(), h.source, opts)
	require.NoError(t, err)
	return p, h
}

func drain(t *testing.T, p *Pipeline) []map[string]any {
	t.Helper()
	out, err := rows.ToMaps(context.Background(), p)
	require.NoError(t, err)
	return out
}

func messages(c *validation.Collector) []string {
	var out []string
	for _, e := range c.Errors() {
		out = append(out, e.Message)
	}
	return out
}

func TestStudy_Pipeline_VisitBasedRow(t *testing.T) {
	t.Parallel()

	p, h := build(t, labsDataset(visitStudy()), []map[string]any{
		{"ParticipantId": "P1", "SequenceNum": "1.0", "Value": "5"},
	}, nil)
	out := drain(t, p)
	require.False(t, h.errs.HasErrors(), h.errs.String())
	require.Len(t, out, 1)

	row := out[0]
	require.Equal(t, "P1", row["ParticipantId"])
	require.Equal(t, 1.0, row["SequenceNum"])
	require.Equal(t, 5.0, row["Value"])
	require.Equal(t, testContainer, row["Container"])
	require.Equal(t, "P1|1.0000", row["ParticipantSequenceNum"])
	require.Equal(t, "urn:lsid:example.org:Study.Data-12:5000.P1.1.0000", row["lsid"])
	require.True(t, strings.HasSuffix(row["lsid"].(string), "P1.1.0000"))
	require.Equal(t, []string{"urn:lsid:example.org:Study.Data-12:5000.P1.1.0000"}, h.keys.Keys())
}

func TestStudy_Pipeline_DerivedColumnOrder(t *testing.T) {
	t.Parallel()

	ds := labsDataset(visitStudy())
	ds.KeyPropertyName = "Value"
	p, _ := build(t, ds, []map[string]any{{"ParticipantId": "P1", "SequenceNum": 1, "Value": 2}}, nil)

	cols := p.Columns()
	seq := rows.Index(cols, model.ColumnSequenceNum)
	key := rows.Index(cols, model.ColumnKey)
	psn := rows.Index(cols, model.ColumnParticipantSequenceNum)
	id := rows.Index(cols, model.ColumnLSID)
	require.True(t, seq >= 0 && key >= 0 && psn >= 0 && id >= 0)
	require.Less(t, seq, key)
	require.Less(t, key, psn)
	require.Less(t, psn, id)

	out := drain(t, p)
	require.Equal(t, "2", out[0]["_key"])
	require.Equal(t, "urn:lsid:example.org:Study.Data-12:5000.P1.1.0000.2", out[0]["lsid"])
}

func TestStudy_Pipeline_UnmatchedColumnsPassThrough(t *testing.T) {
	t.Parallel()

	p, _ := build(t, labsDataset(visitStudy()), []map[string]any{
		{"ParticipantId": "P1", "SequenceNum": 1, "Notes": "  raw text  ", "replace": "true"},
	}, nil)
	require.GreaterOrEqual(t, rows.Index(p.Columns(), "Notes"), 0)

	out := drain(t, p)
	require.Equal(t, "  raw text  ", out[0]["Notes"])
	require.Equal(t, "true", out[0]["replace"])
}

func TestStudy_Pipeline_DemographicDateBased(t *testing.T) {
	t.Parallel()

	ds := &model.Dataset{
		ID: 5001, EntityID: "ds-demo", Name: "Demographics", Study: dateStudy(), Demographic: true,
		Properties: []model.Column{{Name: "Height", Type: model.TypeDouble}},
	}
	p, h := build(t, ds, []map[string]any{{"ParticipantId": "P1", "Height": "170"}}, nil)
	out := drain(t, p)
	require.False(t, h.errs.HasErrors(), h.errs.String())
	require.Len(t, out, 1)

	row := out[0]
	require.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), row["Date"])
	require.Nil(t, row["SequenceNum"])
	require.Equal(t, 170.0, row["Height"])
	require.Equal(t, "urn:lsid:example.org:Study.Data-12:5001.P1", row["lsid"])
	require.Equal(t, "P1|", row["ParticipantSequenceNum"])
}

func TestStudy_Pipeline_DemographicVisitBasedDefaultsSequence(t *testing.T) {
	t.Parallel()

	ds := &model.Dataset{ID: 5001, EntityID: "ds-demo", Name: "Demographics", Study: visitStudy(), Demographic: true}
	p, h := build(t, ds, []map[string]any{{"ParticipantId": "P1"}}, nil)
	out := drain(t, p)
	require.False(t, h.errs.HasErrors(), h.errs.String())
	require.Equal(t, 0.0, out[0]["SequenceNum"])
	require.Equal(t, "P1|0.0000", out[0]["ParticipantSequenceNum"])
	require.Equal(t, "urn:lsid:example.org:Study.Data-12:5001.P1", out[0]["lsid"])
}

func TestStudy_Pipeline_DateBasedTimeKey(t *testing.T) {
	t.Parallel()

	ds := &model.Dataset{ID: 5002, EntityID: "ds-vitals", Name: "Vitals", Study: dateStudy(), UseTimeKeyField: true}
	p, h := build(t, ds, []map[string]any{{"ParticipantId": "P1", "Date": "2020-01-02 09:05:03"}}, nil)
	out := drain(t, p)
	require.False(t, h.errs.HasErrors(), h.errs.String())

	row := out[0]
	require.Equal(t, 20200102.0, row["SequenceNum"])
	require.Equal(t, "2020-01-02 09:05:03", row["_key"])
	require.Equal(t, "urn:lsid:example.org:Study.Data-12:5002.P1.20200102.0000.090503", row["lsid"])
}

func TestStudy_Pipeline_ManagedGUIDKeyIgnoresInput(t *testing.T) {
	t.Parallel()

	ds := labsDataset(visitStudy())
	ds.KeyPropertyName = "ObjectId"
	ds.KeyManagement = model.KeyManagementGUID
	ds.Properties = append(ds.Properties, model.Column{Name: "ObjectId", Type: model.TypeGUID})

	p, h := build(t, ds, []map[string]any{{"ParticipantId": "P1", "SequenceNum": 1, "ObjectId": "abc"}}, nil)
	out := drain(t, p)
	require.False(t, h.errs.HasErrors(), h.errs.String())

	key, ok := out[0]["ObjectId"].(string)
	require.True(t, ok)
	require.NotEqual(t, "abc", key)
	_, err := uuid.Parse(key)
	require.NoError(t, err)
	require.Equal(t, key, out[0]["_key"])
	require.True(t, strings.HasSuffix(out[0]["lsid"].(string), ".P1.1.0000."+key))
}

func TestStudy_Pipeline_PermittedGUIDKeyCoalescesNull(t *testing.T) {
	t.Parallel()

	ds := labsDataset(visitStudy())
	ds.KeyPropertyName = "ObjectId"
	ds.KeyManagement = model.KeyManagementGUID
	ds.Properties = append(ds.Properties, model.Column{Name: "ObjectId", Type: model.TypeGUID})

	supplied := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	p, _ := build(t, ds, []map[string]any{
		{"ParticipantId": "P1", "SequenceNum": 1, "ObjectId": supplied},
		{"ParticipantId": "P2", "SequenceNum": 1, "ObjectId": nil},
	}, func(o *Options) { o.AllowImportManagedKeys = true })
	out := drain(t, p)
	require.Len(t, out, 2)
	require.Equal(t, supplied, out[0]["ObjectId"])
	_, err := uuid.Parse(out[1]["ObjectId"].(string))
	require.NoError(t, err)
}

func TestStudy_Pipeline_RowIDKeys(t *testing.T) {
	t.Parallel()

	ds := labsDataset(visitStudy())
	ds.KeyPropertyName = "RowNum"
	ds.KeyManagement = model.KeyManagementRowID
	ds.Properties = append(ds.Properties, model.Column{Name: "RowNum", Type: model.TypeInteger})

	p, h := build(t, ds, []map[string]any{
		{"ParticipantId": "P1", "SequenceNum": 1, "RowNum": 500},
		{"ParticipantId": "P2", "SequenceNum": 1},
	}, nil)
	h.fakes.maxKey = 10

	out := drain(t, p)
	require.Len(t, out, 2)
	require.Equal(t, int64(11), out[0]["RowNum"])
	require.Equal(t, int64(12), out[1]["RowNum"])
	require.Equal(t, "11", out[0]["_key"])
	require.Equal(t, "urn:lsid:example.org:Study.Data-12:5000.P2.1.0000.12", out[1]["lsid"])
	require.Equal(t, 2, h.keys.Len())

	require.NoError(t, p.Rewind())
	require.Equal(t, 0, h.keys.Len())
	again := drain(t, p)
	require.Equal(t, int64(11), again[0]["RowNum"])
	require.Equal(t, int64(12), again[1]["RowNum"])
	require.Equal(t, 1, h.fakes.maxKeyCalls)
}

func TestStudy_Pipeline_RowIDKeySourceFailureIsFatal(t *testing.T) {
	t.Parallel()

	ds := labsDataset(visitStudy())
	ds.KeyPropertyName = "RowNum"
	ds.KeyManagement = model.KeyManagementRowID
	ds.Properties = append(ds.Properties, model.Column{Name: "RowNum", Type: model.TypeInteger})

	p, h := build(t, ds, []map[string]any{{"ParticipantId": "P1", "SequenceNum": 1}}, nil)
	h.fakes.maxKeyErr = errors.New("connection refused")

	_, err := p.Next(context.Background())
	require.Error(t, err)
	require.False(t, h.errs.HasErrors())
}

func TestStudy_Pipeline_SetupErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing participant and sequence", func(t *testing.T) {
		t.Parallel()
		p, h := build(t, labsDataset(visitStudy()), []map[string]any{{"Value": 1}}, nil)
		require.True(t, p.Degenerate())
		require.ElementsMatch(t, []string{
			"Missing required field ParticipantId",
			"Missing required field SequenceNum",
		}, messages(h.errs))

		ok, err := p.Next(context.Background())
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("missing date", func(t *testing.T) {
		t.Parallel()
		p, h := build(t, labsDataset(dateStudy()), []map[string]any{{"ParticipantId": "P1"}}, nil)
		require.True(t, p.Degenerate())
		require.Equal(t, []string{"Missing required field Date"}, messages(h.errs))
	})

	t.Run("subject redefined as property", func(t *testing.T) {
		t.Parallel()
		ds := labsDataset(visitStudy())
		ds.Properties = append(ds.Properties, model.Column{Name: "participantid", Type: model.TypeString})
		p, h := build(t, ds, []map[string]any{{"ParticipantId": "P1", "SequenceNum": 1}}, nil)
		require.True(t, p.Degenerate())
		require.Len(t, h.errs.SetupErrors(), 1)
		require.Contains(t, h.errs.SetupErrors()[0].Message, "reserved for the Participant identifier")
	})

	t.Run("column matched twice", func(t *testing.T) {
		t.Parallel()
		p, h := build(t, labsDataset(visitStudy()), []map[string]any{{"ParticipantId": "P1", "SequenceNum": 1, "VisitSequenceNum": 1}}, nil)
		require.True(t, p.Degenerate())
		require.Contains(t, messages(h.errs)[0], "matched by more than one input column")
	})
}

func TestStudy_Pipeline_InvalidDefinitionIsFatal(t *testing.T) {
	t.Parallel()

	ds := labsDataset(visitStudy())
	ds.KeyPropertyName = "Missing"
	_, err := Build(context.Background(), rows.FromMaps(nil), Options{
		Logger: testLogger(), Dataset: ds, Authority: "example.org", Errors: validation.NewCollector(),
	})
	require.ErrorIs(t, err, model.ErrKeyPropertyNotFound)
}

func TestStudy_Pipeline_RowValidation(t *testing.T) {
	t.Parallel()

	ds := labsDataset(visitStudy())
	ds.Properties = append(ds.Properties, model.Column{Name: "Site", Type: model.TypeString, Required: true})

	p, h := build(t, ds, []map[string]any{
		{"ParticipantId": "P123456", "SequenceNum": 1, "Site": "A"},
		{"ParticipantId": "P2", "SequenceNum": 1, "Value": "abc", "Site": "A"},
		{"ParticipantId": "P3", "SequenceNum": "", "Site": "A"},
		{"ParticipantId": "P4", "SequenceNum": 1},
		{"ParticipantId": "P5", "SequenceNum": 1, "Site": "B"},
	}, func(o *Options) { o.SubjectMaxLength = 5 })

	out := drain(t, p)
	require.Len(t, out, 1)
	require.Equal(t, "P5", out[0]["ParticipantId"])
	require.Equal(t, 1, h.keys.Len())

	errs := h.errs.Errors()
	require.Len(t, errs, 4)
	require.Equal(t, 1, errs[0].Row)
	require.Equal(t, "ParticipantId value 'P123456' is too long, maximum length is 5 characters", errs[0].Message)
	require.Equal(t, 2, errs[1].Row)
	require.Equal(t, "Value", errs[1].Field)
	require.Contains(t, errs[1].Message, "could not convert value 'abc'")
	require.Equal(t, 3, errs[2].Row)
	require.Equal(t, "Missing value for required property: SequenceNum", errs[2].Message)
	require.Equal(t, 4, errs[3].Row)
	require.Equal(t, "Missing value for required property: Site", errs[3].Message)
}

func TestStudy_Pipeline_FailFast(t *testing.T) {
	t.Parallel()

	p, h := build(t, labsDataset(visitStudy()), []map[string]any{
		{"ParticipantId": "", "SequenceNum": 1},
		{"ParticipantId": "P2", "SequenceNum": 1},
	}, func(o *Options) { o.FailFast = true })

	out := drain(t, p)
	require.Empty(t, out)
	require.Len(t, h.errs.Errors(), 1)
}

func TestStudy_Pipeline_ParticipantAliases(t *testing.T) {
	t.Parallel()

	p, h := build(t, labsDataset(visitStudy()), []map[string]any{
		{"ParticipantId": "lab-1", "SequenceNum": 1},
		{"ParticipantId": "unknown", "SequenceNum": 1},
	}, func(o *Options) {
		o.Aliases = participant.NewAliasTranslator(map[string]string{"Lab-1": "P1"}, true)
	})
	out := drain(t, p)
	require.Len(t, out, 1)
	require.Equal(t, "P1", out[0]["ParticipantId"])
	require.Equal(t, "urn:lsid:example.org:Study.Data-12:5000.P1.1.0000", out[0]["lsid"])

	errs := h.errs.Errors()
	require.Len(t, errs, 1)
	require.Equal(t, 2, errs[0].Row)
	require.ErrorContains(t, errs[0], "participant alias not found")
}

func TestStudy_Pipeline_BuiltinAliases(t *testing.T) {
	t.Parallel()

	p, h := build(t, labsDataset(visitStudy()), []map[string]any{{"ptid": "P1", "VisitSequenceNum": "3"}}, nil)
	out := drain(t, p)
	require.False(t, h.errs.HasErrors(), h.errs.String())
	require.Equal(t, "P1", out[0]["ParticipantId"])
	require.Equal(t, 3.0, out[0]["SequenceNum"])
}

func TestStudy_Pipeline_ImportAliases(t *testing.T) {
	t.Parallel()

	p, _ := build(t, labsDataset(visitStudy()), []map[string]any{{"ParticipantId": "P1", "SequenceNum": 1, "Result": "2.5"}}, nil)
	out := drain(t, p)
	require.Equal(t, 2.5, out[0]["Value"])

	p, _ = build(t, labsDataset(visitStudy()), []map[string]any{{"ParticipantId": "P1", "SequenceNum": 1, "Result": "2.5"}},
		func(o *Options) { o.DisableImportAliases = true })
	out = drain(t, p)
	require.Equal(t, "2.5", out[0]["Result"])
	_, ok := out[0]["Value"]
	require.False(t, ok)
}

func TestStudy_Pipeline_QCStates(t *testing.T) {
	t.Parallel()

	study := visitStudy()
	study.QCStatesEnabled = true

	p, h := build(t, labsDataset(study), []map[string]any{
		{"ParticipantId": "P1", "SequenceNum": 1, "QCStateLabel": "approved"},
		{"ParticipantId": "P2", "SequenceNum": 1, "QCStateLabel": "Pending"},
		{"ParticipantId": "P3", "SequenceNum": 1, "QCStateLabel": "pending"},
		{"ParticipantId": "P4", "SequenceNum": 1},
	}, func(o *Options) {
		o.AutoCreateQCStates = true
		o.DefaultQCState = &model.QCState{RowID: 7, Label: "Not Reviewed"}
	})
	h.fakes.states = []model.QCState{{RowID: 1, Label: "Approved"}}

	out := drain(t, p)
	require.False(t, h.errs.HasErrors(), h.errs.String())
	require.Equal(t, int64(1), out[0]["QCState"])
	require.Equal(t, int64(100), out[1]["QCState"])
	require.Equal(t, int64(100), out[2]["QCState"])
	require.Equal(t, int64(7), out[3]["QCState"])
	require.Len(t, h.fakes.inserted, 1)
	require.Equal(t, "Pending", h.fakes.inserted[0].Label)
	require.Equal(t, testContainer, h.fakes.inserted[0].Container)
}

func TestStudy_Pipeline_QCStateUnknownWithoutAutoCreate(t *testing.T) {
	t.Parallel()

	study := visitStudy()
	study.QCStatesEnabled = true
	p, h := build(t, labsDataset(study), []map[string]any{
		{"ParticipantId": "P1", "SequenceNum": 1, "QCStateLabel": "Pending"},
	}, nil)
	out := drain(t, p)
	require.Empty(t, out)
	require.Equal(t, []string{"QC state 'Pending' does not exist"}, messages(h.errs))
}

func TestStudy_Pipeline_ContainerColumn(t *testing.T) {
	t.Parallel()

	t.Run("dataspace accepts container", func(t *testing.T) {
		t.Parallel()
		study := visitStudy()
		study.Dataspace = true
		p, h := build(t, labsDataset(study), []map[string]any{
			{"ParticipantId": "P1", "SequenceNum": 1, "Container": "child"},
			{"ParticipantId": "P2", "SequenceNum": 1, "Container": "child"},
			{"ParticipantId": "P3", "SequenceNum": 1, "Container": nil},
		}, nil)
		h.fakes.containers = map[string]int64{"child": 44}

		out := drain(t, p)
		require.Len(t, out, 3)
		require.Equal(t, "child", out[0]["Container"])
		require.Equal(t, "urn:lsid:example.org:Study.Data-44:5000.P1.1.0000", out[0]["lsid"])
		require.Equal(t, "urn:lsid:example.org:Study.Data-44:5000.P2.1.0000", out[1]["lsid"])
		require.Equal(t, testContainer, out[2]["Container"])
		require.Equal(t, "urn:lsid:example.org:Study.Data-12:5000.P3.1.0000", out[2]["lsid"])
		require.Equal(t, 1, h.fakes.containerCalls)
	})

	t.Run("non-dataspace ignores container", func(t *testing.T) {
		t.Parallel()
		p, h := build(t, labsDataset(visitStudy()), []map[string]any{
			{"ParticipantId": "P1", "SequenceNum": 1, "Container": "child"},
		}, nil)
		out := drain(t, p)
		require.Equal(t, testContainer, out[0]["Container"])
		require.Equal(t, "urn:lsid:example.org:Study.Data-12:5000.P1.1.0000", out[0]["lsid"])
		require.Equal(t, 0, h.fakes.containerCalls)
	})

	t.Run("unknown container is a row error", func(t *testing.T) {
		t.Parallel()
		study := visitStudy()
		study.Dataspace = true
		p, h := build(t, labsDataset(study), []map[string]any{
			{"ParticipantId": "P1", "SequenceNum": 1, "Container": "elsewhere"},
		}, nil)
		out := drain(t, p)
		require.Empty(t, out)
		require.Contains(t, messages(h.errs)[0], "unknown container elsewhere")
	})
}

func TestStudy_Pipeline_SharedLookupRemap(t *testing.T) {
	t.Parallel()

	ds := labsDataset(visitStudy())
	ds.Properties = append(ds.Properties, model.Column{
		Name: "Site", Type: model.TypeInteger,
		Lookup: &model.Lookup{Schema: "study", Table: "sites", SharedNumeric: true},
	})
	p, h := build(t, ds, []map[string]any{
		{"ParticipantId": "P1", "SequenceNum": 1, "Site": "3"},
		{"ParticipantId": "P2", "SequenceNum": 1, "Site": 4},
	}, func(o *Options) {
		o.Remaps = &fakeProviders{remap: map[string]any{"3": int64(30)}}
	})
	out := drain(t, p)
	require.False(t, h.errs.HasErrors(), h.errs.String())
	require.Equal(t, int64(30), out[0]["Site"])
	require.Equal(t, int64(4), out[1]["Site"])
}

func TestStudy_Pipeline_FileLinks(t *testing.T) {
	t.Parallel()

	ds := labsDataset(visitStudy())
	ds.Properties = append(ds.Properties, model.Column{Name: "Scan", Type: model.TypeFileLink})
	p, h := build(t, ds, []map[string]any{
		{"ParticipantId": "P1", "SequenceNum": 1, "Scan": "scans/p1.png"},
		{"ParticipantId": "P2", "SequenceNum": 1, "Scan": "scans/missing.png"},
	}, func(o *Options) { o.Files = fakeFiles{} })
	out := drain(t, p)
	require.Len(t, out, 1)
	require.Equal(t, "/files/"+testContainer+"/scans/p1.png", out[0]["Scan"])
	require.Equal(t, "Scan", h.errs.Errors()[0].Field)
}

func TestStudy_Pipeline_SubjectLengthCountsCharacters(t *testing.T) {
	t.Parallel()

	ds := labsDataset(visitStudy())
	wide := strings.Repeat("参", 20)
	p, h := build(t, ds, []map[string]any{
		{"ParticipantId": wide, "SequenceNum": 1},
		{"ParticipantId": strings.Repeat("参", 33), "SequenceNum": 1},
	}, func(o *Options) { o.SubjectMaxLength = 32 })

	out := drain(t, p)
	require.Len(t, out, 1)
	require.Equal(t, wide, out[0]["ParticipantId"])
	errs := h.errs.Errors()
	require.Len(t, errs, 1)
	require.Equal(t, 2, errs[0].Row)
	require.Contains(t, errs[0].Message, "maximum length is 32 characters")
}
