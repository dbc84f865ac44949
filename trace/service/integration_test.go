package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/datakarta/cdrtrace/trace/aggregate"
	"github.com/datakarta/cdrtrace/trace/cdr"
	"github.com/datakarta/cdrtrace/trace/config"
	"github.com/datakarta/cdrtrace/trace/enrich"
	"github.com/datakarta/cdrtrace/trace/index"
	"github.com/datakarta/cdrtrace/trace/orchestrator"
	"github.com/datakarta/cdrtrace/trace/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStack wires the real store, cache, embedded index, orchestrator and
// service together over a temp database.
func newStack(t *testing.T, indexEnabled bool) (*Service, *store.Store, *orchestrator.Orchestrator) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "cdrtrace_test_stack_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	db, err := store.Connect(config.DatabaseConfig{DSN: "file:" + filepath.Join(tempDir, "cdr.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	require.NoError(t, st.InitSchema(context.Background()))

	cache := enrich.NewCache(st, 15*time.Minute, 1000)
	orch := orchestrator.New(st, cache, index.NewMemIndex(), orchestrator.Config{
		Enabled:        indexEnabled,
		PollInterval:   time.Minute,
		BatchSize:      1000,
		ReconnectDelay: time.Minute,
		DialCode:       "221",
	})
	t.Cleanup(orch.Close)
	require.NoError(t, orch.Start(context.Background()))

	return New(orch, st, "221"), st, orch
}

func seedScenario(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateReferenceTable(ctx, "cell_sites_2g", []enrich.CellSite{
		{CGI: "CGI-001", Longitude: 17.45, Latitude: -14.67, Azimuth: 120, SiteName: "Alpha BTS"},
	}, true))
	_, err := st.InsertRecords(ctx, []cdr.Record{
		{
			Caller: "770000000", Callee: "780000000", EventType: "VOIX",
			StartAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			CGI:     "CGI-001", Duration: "00:02:30", SourceFile: "ops_2026_03.csv",
		},
	})
	require.NoError(t, err)
}

func runScenario(t *testing.T, indexEnabled bool) aggregate.Result {
	t.Helper()
	svc, st, orch := newStack(t, indexEnabled)
	seedScenario(t, st)
	if indexEnabled {
		require.NoError(t, orch.RunIndexPass(context.Background()))
	}

	res, err := svc.Search(context.Background(), "770000000", Options{SearchType: SearchPhone})
	require.NoError(t, err)
	return res
}

func TestEndToEndOutgoingCall(t *testing.T) {
	res := runScenario(t, true)

	assert.Equal(t, 1, res.Total)
	require.Len(t, res.Locations, 1)
	assert.Equal(t, "Alpha BTS", res.Locations[0].SiteName)
	assert.InDelta(t, 17.45, res.Locations[0].Longitude, 1e-9)
	assert.InDelta(t, -14.67, res.Locations[0].Latitude, 1e-9)
	require.Len(t, res.Path, 1)
	assert.Equal(t, aggregate.DirectionOutgoing, res.Path[0].Direction)
	assert.Equal(t, "780000000", res.Path[0].Counterpart)
	require.Len(t, res.Contacts, 1)
	assert.Equal(t, "780000000", res.Contacts[0].Identifier)
}

func TestIndexAndFallbackAnswersMatch(t *testing.T) {
	indexed := runScenario(t, true)
	fallback := runScenario(t, false)

	// callers must never be able to tell which backend answered
	assert.Equal(t, fallback.Total, indexed.Total)
	assert.Equal(t, fallback.Contacts, indexed.Contacts)
	assert.Equal(t, fallback.Locations, indexed.Locations)
	require.Len(t, indexed.Path, len(fallback.Path))
	assert.Equal(t, fallback.Path[0].Direction, indexed.Path[0].Direction)
	assert.Equal(t, fallback.Path[0].SiteName, indexed.Path[0].SiteName)
	assert.Equal(t, fallback.Path[0].DurationSec, indexed.Path[0].DurationSec)
}

func TestWellFormedCGIEnrichesOnBothPaths(t *testing.T) {
	// zero-padded operator spelling in both the record and the reference
	// table; the index path must enrich it exactly like the fallback
	run := func(indexEnabled bool) aggregate.Result {
		svc, st, orch := newStack(t, indexEnabled)
		ctx := context.Background()
		require.NoError(t, st.CreateReferenceTable(ctx, "cell_sites_2g", []enrich.CellSite{
			{CGI: "608-01-0012-04021", Longitude: 17.45, Latitude: -14.67, SiteName: "Alpha BTS"},
		}, true))
		_, err := st.InsertRecords(ctx, []cdr.Record{{
			Caller: "770000000", Callee: "780000000", EventType: "VOIX",
			StartAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			CGI:     "608-01-0012-04021", Duration: "00:02:30",
		}})
		require.NoError(t, err)
		if indexEnabled {
			require.NoError(t, orch.RunIndexPass(ctx))
		}
		res, err := svc.Search(ctx, "770000000", Options{})
		require.NoError(t, err)
		return res
	}

	indexed := run(true)
	fallback := run(false)

	require.Len(t, indexed.Path, 1)
	assert.Equal(t, "Alpha BTS", indexed.Path[0].SiteName)
	require.NotNil(t, indexed.Path[0].Longitude)
	assert.InDelta(t, 17.45, *indexed.Path[0].Longitude, 1e-9)
	assert.Equal(t, fallback.Locations, indexed.Locations)
	require.Len(t, fallback.Path, 1)
	assert.Equal(t, fallback.Path[0].SiteName, indexed.Path[0].SiteName)
}

func TestEndToEndPositionPing(t *testing.T) {
	svc, st, orch := newStack(t, true)
	lon, lat := 17.89, -14.32
	_, err := st.InsertRecords(context.Background(), []cdr.Record{
		{
			Caller: "770000000", EventType: "POSITION",
			StartAt:   time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
			Longitude: &lon, Latitude: &lat,
		},
	})
	require.NoError(t, err)
	require.NoError(t, orch.RunIndexPass(context.Background()))

	res, err := svc.Search(context.Background(), "770000000", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Empty(t, res.Contacts)
	require.Len(t, res.Path, 1)
	assert.Equal(t, aggregate.EventPosition, res.Path[0].Type)
}

func TestEndToEndIndexingEnriches(t *testing.T) {
	svc, st, orch := newStack(t, true)
	seedScenario(t, st)
	require.NoError(t, orch.RunIndexPass(context.Background()))

	// served by the index: enrichment happened during the indexing pass
	res, err := svc.Search(context.Background(), "+221 77 000 00 00", Options{})
	require.NoError(t, err)
	require.Len(t, res.Path, 1)
	assert.Equal(t, "Alpha BTS", res.Path[0].SiteName)
	require.NotNil(t, res.Path[0].Longitude)
	assert.InDelta(t, 17.45, *res.Path[0].Longitude, 1e-9)
}

func TestEndToEndAssociations(t *testing.T) {
	svc, st, _ := newStack(t, false)
	_, err := st.InsertRecords(context.Background(), []cdr.Record{
		{
			Caller: "770000000", Callee: "780000000", EventType: "VOIX",
			StartAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			IMEI:    "49015420323751",
		},
	})
	require.NoError(t, err)

	out, err := svc.FindAssociations(context.Background(), "770000000", Options{SearchType: SearchPhone})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "49015420323751", out[0].Value)
	assert.Equal(t, "imei", out[0].Kind)
}
