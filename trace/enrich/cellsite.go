// Package enrich resolves cell-tower identifiers (CGIs) to geographic
// metadata, with a TTL+LRU cache in front of the slow reference lookup.
package enrich

import (
	"context"
	"strings"
)

// CellSite is the geographic metadata attached to one CGI. Priority is
// the rank of the reference table the row came from; lower wins ties
// when several technology generations describe the same CGI.
type CellSite struct {
	CGI       string
	Longitude float64
	Latitude  float64
	Azimuth   float64
	SiteName  string
	Priority  int
}

// Backend resolves a batch of CGI spellings against the reference
// tables. Callers pass the raw operator spellings they hold; the
// implementation matches both the raw and normalized forms and keys the
// returned map by NormalizeCGI. Keys absent from the returned map are
// not found.
type Backend interface {
	LookupCGIs(ctx context.Context, cgis []string) (map[string]CellSite, error)
}

// NormalizeCGI canonicalizes a raw CGI key. Well-formed CGIs carry at
// least four numeric groups (MCC-MNC-LAC-CI); those are re-joined with
// dashes and per-group leading zeros stripped. Anything else is
// upper-cased verbatim rather than structurally parsed.
func NormalizeCGI(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}

	groups := splitGroups(s)
	numeric := 0
	for _, g := range groups {
		if isNumeric(g) {
			numeric++
		}
	}
	if numeric < 4 {
		return s
	}

	out := make([]string, len(groups))
	for i, g := range groups {
		if isNumeric(g) {
			g = strings.TrimLeft(g, "0")
			if g == "" {
				g = "0"
			}
		}
		out[i] = g
	}
	return strings.Join(out, "-")
}

func splitGroups(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'A' && r <= 'Z')
	})
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
