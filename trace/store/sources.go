package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/datakarta/cdrtrace/trace/enrich"
)

// LookupSource is one resolved cell-site reference table. Lower Priority
// wins when several generations describe the same CGI; the older radio
// generation takes precedence on tie.
type LookupSource struct {
	Table    string
	Priority int
}

// generations in priority order, oldest first.
var generations = []string{"2g", "3g", "4g", "5g"}

// namingConventions are the table name patterns probed per generation.
// Deployments name their reference tables inconsistently.
var namingConventions = []string{"cell_sites_%s", "bts_%s", "cgi_%s"}

// LookupSources discovers which reference tables exist, computed once and
// cached as immutable data. Missing tables are tolerated silently; a
// missing index on the cgi join key is logged as a warning per table.
func (s *Store) LookupSources(ctx context.Context) ([]LookupSource, error) {
	s.sourceOnce.Do(func() {
		s.sources, s.sourceErr = s.discoverSources(ctx)
	})
	return s.sources, s.sourceErr
}

func (s *Store) discoverSources(ctx context.Context) ([]LookupSource, error) {
	var sources []LookupSource
	for prio, gen := range generations {
		for _, pattern := range namingConventions {
			table := fmt.Sprintf(pattern, gen)
			exists, err := s.tableExists(ctx, table)
			if err != nil {
				return nil, err
			}
			if !exists {
				continue
			}
			if indexed, err := s.hasCGIIndex(ctx, table); err == nil && !indexed {
				s.warnOnce(table, "Reference table has no index on cgi, batch lookups will scan")
			}
			sources = append(sources, LookupSource{Table: table, Priority: prio + 1})
			break // first convention that matches wins for this generation
		}
	}
	slog.Debug("Resolved cell-site lookup sources", "count", len(sources))
	return sources, nil
}

func (s *Store) tableExists(ctx context.Context, table string) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to probe table %s: %w", table, err)
	}
	return true, nil
}

func (s *Store) hasCGIIndex(ctx context.Context, table string) (bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(sql, '') FROM sqlite_master WHERE type='index' AND tbl_name = ?`, table)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var sqlText string
		if err := rows.Scan(&sqlText); err != nil {
			return false, err
		}
		if strings.Contains(strings.ToLower(sqlText), "cgi") {
			return true, nil
		}
	}
	return false, rows.Err()
}

// bestSource returns the lowest-priority source, nil when none exist.
func (s *Store) bestSource(ctx context.Context) (*LookupSource, error) {
	sources, err := s.LookupSources(ctx)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, nil
	}
	best := sources[0]
	for _, src := range sources[1:] {
		if src.Priority < best.Priority {
			best = src
		}
	}
	return &best, nil
}

// CreateReferenceTable creates one cell-site table under the given name
// and seeds it. Test and dev convenience; production tables pre-exist.
func (s *Store) CreateReferenceTable(ctx context.Context, table string, sites []enrich.CellSite, withIndex bool) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		cgi TEXT,
		longitude REAL,
		latitude REAL,
		azimuth REAL,
		site_name TEXT
	)`, table))
	if err != nil {
		return fmt.Errorf("failed to create reference table %s: %w", table, err)
	}
	if withIndex {
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_cgi ON %s(cgi)`, table, table))
		if err != nil {
			return fmt.Errorf("failed to index reference table %s: %w", table, err)
		}
	}
	for _, site := range sites {
		_, err = s.db.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (cgi, longitude, latitude, azimuth, site_name) VALUES (?, ?, ?, ?, ?)`, table),
			site.CGI, site.Longitude, site.Latitude, site.Azimuth, site.SiteName)
		if err != nil {
			return fmt.Errorf("failed to seed reference table %s: %w", table, err)
		}
	}
	return nil
}

// LookupCGIs implements enrich.Backend: one set-based query per batch
// that unions all resolved reference tables and keeps, per CGI, the
// match from the lowest-priority-numbered table. Every input is matched
// both as given and in normalized form, because reference tables keep
// the operator spelling (zero-padded groups included) while callers may
// hold either; the returned map is keyed by the normalized CGI.
func (s *Store) LookupCGIs(ctx context.Context, cgis []string) (map[string]enrich.CellSite, error) {
	if len(cgis) == 0 {
		return map[string]enrich.CellSite{}, nil
	}
	sources, err := s.LookupSources(ctx)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return map[string]enrich.CellSite{}, nil
	}

	candidates := make([]string, 0, 2*len(cgis))
	seen := make(map[string]struct{}, 2*len(cgis))
	for _, cgi := range cgis {
		for _, spelling := range []string{strings.TrimSpace(cgi), enrich.NormalizeCGI(cgi)} {
			if spelling == "" {
				continue
			}
			if _, ok := seen[spelling]; ok {
				continue
			}
			seen[spelling] = struct{}{}
			candidates = append(candidates, spelling)
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(candidates)), ",")
	var parts []string
	var args []any
	for _, src := range sources {
		parts = append(parts, fmt.Sprintf(
			`SELECT cgi, longitude, latitude, azimuth, site_name, %d AS priority FROM %s WHERE cgi IN (%s)`,
			src.Priority, src.Table, placeholders))
		for _, spelling := range candidates {
			args = append(args, spelling)
		}
	}
	stmt := strings.Join(parts, " UNION ALL ") + " ORDER BY priority ASC"

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("cell-site batch lookup failed: %w", err)
	}
	defer rows.Close()

	out := make(map[string]enrich.CellSite, len(cgis))
	for rows.Next() {
		var site enrich.CellSite
		if err := rows.Scan(&site.CGI, &site.Longitude, &site.Latitude, &site.Azimuth, &site.SiteName, &site.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan cell site: %w", err)
		}
		key := enrich.NormalizeCGI(site.CGI)
		if existing, ok := out[key]; ok && existing.Priority <= site.Priority {
			continue
		}
		out[key] = site
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}
