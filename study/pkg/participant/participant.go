package participant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/malbeclabs/studydata/study/pkg/convert"
	"github.com/malbeclabs/studydata/study/pkg/lsid"
	"github.com/malbeclabs/studydata/study/pkg/model"
)

var ErrUnknownAlias = errors.New("participant alias not found")

// AliasTranslator maps alternate participant ids to canonical ones.
type AliasTranslator struct {
	aliases map[string]string
	strict  bool
}

// NewAliasTranslator builds a translator over alias → participant id pairs.
// With strict set, values that are neither an alias nor a known canonical id
// are rejected; otherwise they pass through unchanged.
func NewAliasTranslator(aliases map[string]string, strict bool) *AliasTranslator {
	t := &AliasTranslator{aliases: make(map[string]string, len(aliases)), strict: strict}
	for alias, ptid := range aliases {
		t.aliases[model.FoldName(alias)] = ptid
	}
	return t
}

// Translate returns the canonical participant id for v. Null input yields
// ("", nil).
func (t *AliasTranslator) Translate(v any) (string, error) {
	if convert.IsNull(v) {
		return "", nil
	}
	s := strings.TrimSpace(convert.ToString(v))
	if t == nil || len(t.aliases) == 0 {
		return s, nil
	}
	if ptid, ok := t.aliases[model.FoldName(s)]; ok {
		return ptid, nil
	}
	if t.strict && !t.isCanonical(s) {
		return "", fmt.Errorf("%w: %s", ErrUnknownAlias, s)
	}
	return s, nil
}

func (t *AliasTranslator) isCanonical(s string) bool {
	for _, ptid := range t.aliases {
		if ptid == s {
			return true
		}
	}
	return false
}

// VisitManager maps a participant's visit date to a sequence number.
type VisitManager interface {
	SequenceNumFromDate(ctx context.Context, study *model.Study, participantID string, date time.Time) (float64, error)
}

// DateRule is the default date-based mapping: the date as YYYYMMDD.
type DateRule struct{}

func (DateRule) SequenceNumFromDate(_ context.Context, _ *model.Study, _ string, date time.Time) (float64, error) {
	return SequenceNumFromDate(date), nil
}

// SequenceNumFromDate returns year*10000 + month*100 + day.
func SequenceNumFromDate(date time.Time) float64 {
	return float64(date.Year()*10000 + int(date.Month())*100 + date.Day())
}

// SequenceTranslator derives a row's sequence number from its input sequence
// and date values.
type SequenceTranslator struct {
	Study       *model.Study
	Demographic bool
	Visits      VisitManager
}

// Translate returns the rounded sequence number, or nil when the row has
// none. A nil result for a non-demographic dataset is reported by row
// validation, not here.
func (s *SequenceTranslator) Translate(ctx context.Context, participantID string, seqValue, dateValue any) (*float64, error) {
	if !convert.IsNull(seqValue) {
		f, err := convert.ToFloat(seqValue)
		if err != nil {
			return nil, &convert.Error{Value: seqValue, Type: model.TypeDouble, Err: err}
		}
		f = lsid.RoundSequenceNum(f)
		return &f, nil
	}
	if s.Study.IsVisitBased() {
		if s.Demographic {
			zero := 0.0
			return &zero, nil
		}
		return nil, nil
	}
	if s.Demographic || convert.IsNull(dateValue) || participantID == "" {
		return nil, nil
	}
	date, err := convert.ToTime(dateValue)
	if err != nil {
		return nil, &convert.Error{Value: dateValue, Type: model.TypeDate, Err: err}
	}
	visits := s.Visits
	if visits == nil {
		visits = DateRule{}
	}
	f, err := visits.SequenceNumFromDate(ctx, s.Study, participantID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sequence number for %s on %s: %w", participantID, date.Format("2006-01-02"), err)
	}
	f = lsid.RoundSequenceNum(f)
	return &f, nil
}
