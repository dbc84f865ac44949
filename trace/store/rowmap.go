package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Raw CDR tables arrive from several ingestion pipelines and column
// spellings vary between them. All of that tolerance is isolated here:
// rows are scanned into a lowercase-keyed map and fields are resolved
// through explicit candidate lists.

var (
	callerCandidates   = []string{"caller", "calling_number", "msisdn_a", "a_number"}
	calleeCandidates   = []string{"callee", "called_number", "msisdn_b", "b_number"}
	imeiCandidates     = []string{"imei", "device_imei"}
	imsiCandidates     = []string{"imsi", "sim_imsi"}
	typeCandidates     = []string{"event_type", "call_type", "type"}
	startCandidates    = []string{"start_at", "start_date", "started_at"}
	endCandidates      = []string{"end_at", "end_date", "ended_at"}
	durationCandidates = []string{"duration", "duration_sec", "call_duration"}
	cgiCandidates      = []string{"cgi", "cell_id", "cellid"}
	lonCandidates      = []string{"longitude", "lon", "lng"}
	latCandidates      = []string{"latitude", "lat"}
	siteCandidates     = []string{"site_name", "bts_name", "nom_site"}
	sourceCandidates   = []string{"source_file", "source"}
	insertedCandidates = []string{"inserted_at", "created_at"}
)

// scanRowMap reads the current row into a map keyed by lowercased column
// name.
func scanRowMap(rows *sql.Rows, cols []string) (map[string]any, error) {
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	m := make(map[string]any, len(cols))
	for i, col := range cols {
		m[strings.ToLower(strings.TrimSpace(col))] = values[i]
	}
	return m, nil
}

// fieldString resolves the first candidate column present in the row map.
func fieldString(m map[string]any, candidates []string) string {
	for _, c := range candidates {
		v, ok := m[c]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			return strings.TrimSpace(t)
		case []byte:
			return strings.TrimSpace(string(t))
		case int64:
			return strconv.FormatInt(t, 10)
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return ""
}

func fieldInt64(m map[string]any, candidates []string) int64 {
	for _, c := range candidates {
		v, ok := m[c]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case int64:
			return t
		case float64:
			return int64(t)
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
				return n
			}
		case []byte:
			if n, err := strconv.ParseInt(strings.TrimSpace(string(t)), 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

func fieldFloatPtr(m map[string]any, candidates []string) *float64 {
	for _, c := range candidates {
		v, ok := m[c]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			f := t
			return &f
		case int64:
			f := float64(t)
			return &f
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return &f
			}
		case []byte:
			if f, err := strconv.ParseFloat(strings.TrimSpace(string(t)), 64); err == nil {
				return &f
			}
		}
	}
	return nil
}

func fieldTime(m map[string]any, candidates []string) time.Time {
	s := fieldString(m, candidates)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{timeLayout, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func fieldTimePtr(m map[string]any, candidates []string) *time.Time {
	t := fieldTime(m, candidates)
	if t.IsZero() {
		return nil
	}
	return &t
}
