// Package store is the relational side of the resolution core: the CDR
// table, the cell-site reference tables, and the direct-query fallback
// used when the secondary index is unavailable.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/datakarta/cdrtrace/trace/cdr"
)

const timeLayout = "2006-01-02 15:04:05"

// Store wraps the CDR database. Lookup sources for enrichment tables are
// resolved once and cached as immutable data.
type Store struct {
	db *sql.DB

	sourceOnce sync.Once
	sources    []LookupSource
	sourceErr  error

	warnedMu     sync.Mutex
	warnedTables map[string]bool
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that manage their own
// auxiliary tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InitSchema creates the CDR table. Reference tables belong to the
// ingestion side; CreateReferenceTable exists for tests and dev seeding.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS cdr_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		caller TEXT,
		callee TEXT,
		imei TEXT,
		imsi TEXT,
		event_type TEXT,
		start_at TEXT,
		end_at TEXT,
		duration TEXT,
		cgi TEXT,
		longitude REAL,
		latitude REAL,
		site_name TEXT,
		source_file TEXT,
		inserted_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("failed to create cdr_records table: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_cdr_records_start ON cdr_records(start_at, id)`)
	if err != nil {
		return fmt.Errorf("failed to create cdr_records index: %w", err)
	}
	return nil
}

// InsertRecords seeds CDR rows in one transaction and returns the ids
// assigned to them in order.
func (s *Store) InsertRecords(ctx context.Context, records []cdr.Record) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Will be a no-op if transaction is committed

	ids := make([]int64, 0, len(records))
	for _, r := range records {
		var endAt any
		if r.EndAt != nil {
			endAt = r.EndAt.Format(timeLayout)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO cdr_records
			(caller, callee, imei, imsi, event_type, start_at, end_at, duration, cgi, longitude, latitude, site_name, source_file)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Caller, r.Callee, r.IMEI, r.IMSI, r.EventType,
			r.StartAt.Format(timeLayout), endAt, r.Duration, r.CGI,
			nullableFloat(r.Longitude), nullableFloat(r.Latitude), r.SiteName, r.SourceFile)
		if err != nil {
			return nil, fmt.Errorf("failed to insert cdr record: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to get inserted id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return ids, nil
}

// FetchBatch returns up to limit records with id greater than afterID,
// ordered by id. Used by the background indexing loop.
func (s *Store) FetchBatch(ctx context.Context, afterID int64, limit int) ([]cdr.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT * FROM cdr_records WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch cdr batch: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MaxID returns the highest record id, 0 for an empty table.
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM cdr_records`).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read max cdr id: %w", err)
	}
	return max.Int64, nil
}

// SearchRecords is the relational fallback path. It matches the variant
// set against caller, callee and device identifier columns, applies the
// date and time-of-day bounds, and joins the best-priority enrichment
// table by CGI so results come back enriched.
func (s *Store) SearchRecords(ctx context.Context, variants []string, f cdr.Filter) ([]cdr.Record, error) {
	if len(variants) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(variants)), ",")
	var args []any
	appendVariants := func(n int) {
		for i := 0; i < n; i++ {
			for _, v := range variants {
				args = append(args, v)
			}
		}
	}

	best, err := s.bestSource(ctx)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	if best != nil {
		fmt.Fprintf(&sb, `SELECT r.*,
			COALESCE(r.longitude, e.longitude) AS longitude,
			COALESCE(r.latitude, e.latitude) AS latitude,
			CASE WHEN r.site_name IS NOT NULL AND r.site_name != '' THEN r.site_name ELSE COALESCE(e.site_name, '') END AS site_name
			FROM cdr_records r LEFT JOIN %s e ON e.cgi = r.cgi WHERE `, best.Table)
	} else {
		sb.WriteString(`SELECT r.* FROM cdr_records r WHERE `)
	}

	fmt.Fprintf(&sb, `(r.caller IN (%[1]s) OR r.callee IN (%[1]s) OR r.imei IN (%[1]s) OR r.imsi IN (%[1]s))`, placeholders)
	appendVariants(4)

	if !f.StartDate.IsZero() {
		sb.WriteString(` AND r.start_at >= ?`)
		args = append(args, f.StartDate.Format(timeLayout))
	}
	if !f.EndDate.IsZero() {
		sb.WriteString(` AND r.start_at <= ?`)
		args = append(args, f.EndDate.Format(timeLayout))
	}
	if f.StartTimeSec >= 0 {
		sb.WriteString(` AND (CAST(strftime('%H', r.start_at) AS INTEGER)*3600 + CAST(strftime('%M', r.start_at) AS INTEGER)*60 + CAST(strftime('%S', r.start_at) AS INTEGER)) >= ?`)
		args = append(args, f.StartTimeSec)
	}
	if f.EndTimeSec >= 0 {
		sb.WriteString(` AND (CAST(strftime('%H', r.start_at) AS INTEGER)*3600 + CAST(strftime('%M', r.start_at) AS INTEGER)*60 + CAST(strftime('%S', r.start_at) AS INTEGER)) <= ?`)
		args = append(args, f.EndTimeSec)
	}

	sb.WriteString(` ORDER BY r.start_at ASC, r.id ASC`)
	if f.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("fallback search query failed: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// FindAssociations returns, for a phone variant set, the distinct device
// identifiers observed carrying it; for a device variant set, the
// distinct phone numbers observed on the device.
func (s *Store) FindAssociations(ctx context.Context, variants []string, forPhone bool) ([]cdr.Association, error) {
	if len(variants) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(variants)), ",")

	var stmt string
	if forPhone {
		stmt = fmt.Sprintf(`SELECT imei AS value, 'imei' AS kind, COUNT(*) AS n, MIN(start_at), MAX(start_at)
			FROM cdr_records WHERE imei != '' AND (caller IN (%[1]s) OR callee IN (%[1]s)) GROUP BY imei
			UNION ALL
			SELECT imsi AS value, 'imsi' AS kind, COUNT(*) AS n, MIN(start_at), MAX(start_at)
			FROM cdr_records WHERE imsi != '' AND (caller IN (%[1]s) OR callee IN (%[1]s)) GROUP BY imsi
			ORDER BY n DESC`, placeholders)
	} else {
		stmt = fmt.Sprintf(`SELECT caller AS value, 'phone' AS kind, COUNT(*) AS n, MIN(start_at), MAX(start_at)
			FROM cdr_records WHERE caller != '' AND (imei IN (%[1]s) OR imsi IN (%[1]s)) GROUP BY caller
			ORDER BY n DESC`, placeholders)
	}

	nsets := 4
	if !forPhone {
		nsets = 2
	}
	args := make([]any, 0, nsets*len(variants))
	for i := 0; i < nsets; i++ {
		for _, v := range variants {
			args = append(args, v)
		}
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("association query failed: %w", err)
	}
	defer rows.Close()

	var out []cdr.Association
	for rows.Next() {
		var a cdr.Association
		var first, last string
		if err := rows.Scan(&a.Value, &a.Kind, &a.Count, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan association: %w", err)
		}
		a.FirstSeen = parseStored(first)
		a.LastSeen = parseStored(last)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

func scanRecords(rows *sql.Rows) ([]cdr.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var records []cdr.Record
	for rows.Next() {
		m, err := scanRowMap(rows, cols)
		if err != nil {
			return nil, err
		}
		records = append(records, recordFromMap(m))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return records, nil
}

func recordFromMap(m map[string]any) cdr.Record {
	return cdr.Record{
		ID:         fieldInt64(m, []string{"id"}),
		Caller:     fieldString(m, callerCandidates),
		Callee:     fieldString(m, calleeCandidates),
		IMEI:       fieldString(m, imeiCandidates),
		IMSI:       fieldString(m, imsiCandidates),
		EventType:  fieldString(m, typeCandidates),
		StartAt:    fieldTime(m, startCandidates),
		EndAt:      fieldTimePtr(m, endCandidates),
		Duration:   fieldString(m, durationCandidates),
		CGI:        fieldString(m, cgiCandidates),
		Longitude:  fieldFloatPtr(m, lonCandidates),
		Latitude:   fieldFloatPtr(m, latCandidates),
		SiteName:   fieldString(m, siteCandidates),
		SourceFile: fieldString(m, sourceCandidates),
		InsertedAt: fieldTime(m, insertedCandidates),
	}
}

func parseStored(s string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func (s *Store) warnOnce(table, msg string) {
	s.warnedMu.Lock()
	defer s.warnedMu.Unlock()
	if s.warnedTables == nil {
		s.warnedTables = map[string]bool{}
	}
	if s.warnedTables[table] {
		return
	}
	s.warnedTables[table] = true
	slog.Warn(msg, "table", table)
}
