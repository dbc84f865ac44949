// Package service is the upward-facing entry point: input validation,
// identifier normalization, search orchestration, and aggregation into
// the consolidated result shape.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/datakarta/cdrtrace/trace/aggregate"
	"github.com/datakarta/cdrtrace/trace/cdr"
	"github.com/datakarta/cdrtrace/trace/normalize"
)

// ErrValidation marks caller input errors, rejected before any backend
// call.
var ErrValidation = errors.New("invalid search input")

// SearchType selects the identifier family of a query.
type SearchType string

const (
	SearchPhone SearchType = "phone"
	SearchIMEI  SearchType = "imei"
)

// Options bounds one search.
type Options struct {
	StartDate  string     `json:"startDate,omitempty"` // "2006-01-02"
	EndDate    string     `json:"endDate,omitempty"`
	StartTime  string     `json:"startTime,omitempty"` // "15:04" or "15:04:05"
	EndTime    string     `json:"endTime,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	SearchType SearchType `json:"searchType,omitempty"`
}

// Searcher is the orchestrator surface the service consumes.
type Searcher interface {
	Search(ctx context.Context, id normalize.Identifier, f cdr.Filter) ([]cdr.Record, error)
}

// AssociationSource answers device/number association queries.
// *store.Store satisfies it.
type AssociationSource interface {
	FindAssociations(ctx context.Context, variants []string, forPhone bool) ([]cdr.Association, error)
}

// Service wires normalization, orchestration and aggregation together.
type Service struct {
	searcher     Searcher
	associations AssociationSource
	dialCode     string
}

// New builds the service.
func New(searcher Searcher, associations AssociationSource, dialCode string) *Service {
	return &Service{searcher: searcher, associations: associations, dialCode: dialCode}
}

// Search resolves contacts, locations and the movement path for one
// identifier. The result shape is identical whichever backend served the
// underlying rows.
func (s *Service) Search(ctx context.Context, identifier string, opts Options) (aggregate.Result, error) {
	id, filter, err := s.prepare(identifier, opts)
	if err != nil {
		return aggregate.Result{}, err
	}

	records, err := s.searcher.Search(ctx, id, filter)
	if err != nil {
		return aggregate.Result{}, fmt.Errorf("search for %s failed: %w", id.Canonical, err)
	}
	return aggregate.Aggregate(records, id), nil
}

// FindAssociations returns the distinct device identifiers observed
// carrying a phone number, or the distinct numbers observed on a device.
func (s *Service) FindAssociations(ctx context.Context, identifier string, opts Options) ([]cdr.Association, error) {
	id, _, err := s.prepare(identifier, opts)
	if err != nil {
		return nil, err
	}
	out, err := s.associations.FindAssociations(ctx, id.Variants, id.Kind == normalize.KindPhone)
	if err != nil {
		return nil, fmt.Errorf("association lookup for %s failed: %w", id.Canonical, err)
	}
	return out, nil
}

func (s *Service) prepare(identifier string, opts Options) (normalize.Identifier, cdr.Filter, error) {
	if strings.TrimSpace(identifier) == "" {
		return normalize.Identifier{}, cdr.Filter{}, fmt.Errorf("%w: empty identifier", ErrValidation)
	}

	kind := normalize.KindPhone
	if opts.SearchType == SearchIMEI {
		kind = normalize.KindIMEI
	}
	id := normalize.FromString(identifier, kind, s.dialCode)
	if id.IsEmpty() {
		return normalize.Identifier{}, cdr.Filter{}, fmt.Errorf("%w: identifier %q has no matchable form", ErrValidation, identifier)
	}

	filter, err := buildFilter(opts)
	if err != nil {
		return normalize.Identifier{}, cdr.Filter{}, err
	}
	return id, filter, nil
}

func buildFilter(opts Options) (cdr.Filter, error) {
	f := cdr.NewFilter()
	f.Limit = opts.Limit

	if opts.StartDate != "" {
		t, err := time.Parse("2006-01-02", opts.StartDate)
		if err != nil {
			return f, fmt.Errorf("%w: bad startDate %q", ErrValidation, opts.StartDate)
		}
		f.StartDate = t
	}
	if opts.EndDate != "" {
		t, err := time.Parse("2006-01-02", opts.EndDate)
		if err != nil {
			return f, fmt.Errorf("%w: bad endDate %q", ErrValidation, opts.EndDate)
		}
		// inclusive through the end of the day
		f.EndDate = t.Add(24*time.Hour - time.Second)
	}
	if !f.StartDate.IsZero() && !f.EndDate.IsZero() && f.EndDate.Before(f.StartDate) {
		return f, fmt.Errorf("%w: endDate before startDate", ErrValidation)
	}

	if opts.StartTime != "" {
		sec, err := parseTimeOfDay(opts.StartTime)
		if err != nil {
			return f, fmt.Errorf("%w: bad startTime %q", ErrValidation, opts.StartTime)
		}
		f.StartTimeSec = sec
	}
	if opts.EndTime != "" {
		sec, err := parseTimeOfDay(opts.EndTime)
		if err != nil {
			return f, fmt.Errorf("%w: bad endTime %q", ErrValidation, opts.EndTime)
		}
		f.EndTimeSec = sec
	}
	return f, nil
}

func parseTimeOfDay(s string) (int, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Hour()*3600 + t.Minute()*60 + t.Second(), nil
		}
	}
	return 0, fmt.Errorf("unparseable time of day %q", s)
}
