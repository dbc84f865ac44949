package service

import (
	"context"
	"testing"
	"time"

	"github.com/datakarta/cdrtrace/trace/aggregate"
	"github.com/datakarta/cdrtrace/trace/cdr"
	"github.com/datakarta/cdrtrace/trace/normalize"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSearcher struct {
	records []cdr.Record
	lastF   cdr.Filter
}

func (s *stubSearcher) Search(ctx context.Context, id normalize.Identifier, f cdr.Filter) ([]cdr.Record, error) {
	s.lastF = f
	var out []cdr.Record
	for _, r := range s.records {
		if id.Matches(r.Caller) || id.Matches(r.Callee) || id.Matches(r.IMEI) || id.Matches(r.IMSI) {
			out = append(out, r)
		}
	}
	return out, nil
}

type stubAssociations struct {
	out []cdr.Association
}

func (s *stubAssociations) FindAssociations(ctx context.Context, variants []string, forPhone bool) ([]cdr.Association, error) {
	return s.out, nil
}

func fptr(f float64) *float64 { return &f }

func newTestService(records ...cdr.Record) (*Service, *stubSearcher) {
	searcher := &stubSearcher{records: records}
	return New(searcher, &stubAssociations{}, "221"), searcher
}

func TestSearchRejectsEmptyIdentifier(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Search(context.Background(), "   ", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSearchRejectsBadDates(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Search(context.Background(), "770000000", Options{StartDate: "03/01/2026"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Search(context.Background(), "770000000", Options{StartTime: "25:99"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Search(context.Background(), "770000000",
		Options{StartDate: "2026-03-02", EndDate: "2026-03-01"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSearchFilterBuilt(t *testing.T) {
	svc, searcher := newTestService()
	_, err := svc.Search(context.Background(), "770000000", Options{
		StartDate: "2026-03-01",
		EndDate:   "2026-03-02",
		StartTime: "08:00",
		EndTime:   "20:30:15",
		Limit:     100,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), searcher.lastF.StartDate)
	assert.Equal(t, time.Date(2026, 3, 2, 23, 59, 59, 0, time.UTC), searcher.lastF.EndDate)
	assert.Equal(t, 8*3600, searcher.lastF.StartTimeSec)
	assert.Equal(t, 20*3600+30*60+15, searcher.lastF.EndTimeSec)
	assert.Equal(t, 100, searcher.lastF.Limit)
}

func TestSearchOutgoingCallScenario(t *testing.T) {
	svc, _ := newTestService(cdr.Record{
		ID: 1, Caller: "770000000", Callee: "780000000", EventType: "VOIX",
		StartAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		CGI:       "CGI-001",
		Longitude: fptr(17.45), Latitude: fptr(-14.67), SiteName: "Alpha BTS",
	})

	res, err := svc.Search(context.Background(), "770000000", Options{SearchType: SearchPhone})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	require.Len(t, res.Locations, 1)
	assert.Equal(t, "Alpha BTS", res.Locations[0].SiteName)
	require.Len(t, res.Path, 1)
	assert.Equal(t, aggregate.DirectionOutgoing, res.Path[0].Direction)
}

func TestSearchPositionScenario(t *testing.T) {
	svc, _ := newTestService(cdr.Record{
		ID: 1, Caller: "770000000", EventType: "POSITION",
		StartAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Longitude: fptr(17.89), Latitude: fptr(-14.32),
	})

	res, err := svc.Search(context.Background(), "770000000", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Empty(t, res.Contacts)
	require.Len(t, res.Path, 1)
	assert.Equal(t, aggregate.EventPosition, res.Path[0].Type)
}

func TestSearchMatchesAllPhoneVariantSpellings(t *testing.T) {
	record := cdr.Record{
		ID: 1, Caller: "0771234567", Callee: "780000000", EventType: "VOIX",
		StartAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	svc, _ := newTestService(record)

	for _, q := range []string{"+221 77 123 45 67", "0771234567", "221771234567"} {
		res, err := svc.Search(context.Background(), q, Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Total, "query %q", q)
	}
}

func TestFindAssociationsValidates(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.FindAssociations(context.Background(), "", Options{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFindAssociationsPassesThrough(t *testing.T) {
	searcher := &stubSearcher{}
	assoc := &stubAssociations{out: []cdr.Association{{Value: "490154203237518", Kind: "imei", Count: 12}}}
	svc := New(searcher, assoc, "221")

	out, err := svc.FindAssociations(context.Background(), "770000000", Options{SearchType: SearchPhone})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "imei", out[0].Kind)
}
