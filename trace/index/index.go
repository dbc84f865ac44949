// Package index defines the secondary search index consumed by the
// orchestrator, plus an embedded in-memory implementation. Deployments
// with an external search cluster plug their own client in behind the
// same interface.
package index

import (
	"context"
	"errors"
	"strings"

	"github.com/datakarta/cdrtrace/trace/cdr"
	"github.com/datakarta/cdrtrace/trace/normalize"
)

// ErrConnection marks connection-class failures. The orchestrator treats
// these as "index down" and falls back; anything else propagates.
var ErrConnection = errors.New("search index unreachable")

// IsConnErr classifies an index error as connection-class.
func IsConnErr(err error) bool {
	return errors.Is(err, ErrConnection)
}

// Document is one flattened, enriched CDR event ready for upsert. Terms
// carry every identifier variant the document should be findable under.
type Document struct {
	Record cdr.Record
	Terms  []string
}

// NewDocument derives the term set for a record: the stored identifier
// values plus their normalized variants, so queries match rows persisted
// in either raw or canonical form.
func NewDocument(r cdr.Record, dialCode string) Document {
	seen := make(map[string]struct{})
	var terms []string
	add := func(values ...string) {
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			terms = append(terms, v)
		}
	}

	for _, phone := range []string{r.Caller, r.Callee} {
		if phone == "" {
			continue
		}
		add(phone)
		add(normalize.Phone(phone, dialCode).Variants...)
	}
	for _, device := range []string{r.IMEI, r.IMSI} {
		if device == "" {
			continue
		}
		add(device)
		if device == r.IMEI {
			add(normalize.IMEI(device).Variants...)
		}
	}

	return Document{Record: r, Terms: terms}
}

// Index is the secondary search backend contract.
type Index interface {
	// Ping reports whether the backend is reachable. Unreachability is
	// wrapped in ErrConnection.
	Ping(ctx context.Context) error
	// Ensure creates the index with its fixed schema if absent.
	Ensure(ctx context.Context) error
	// BulkUpsert writes documents keyed by record id; re-writing the
	// same id is idempotent.
	BulkUpsert(ctx context.Context, docs []Document) error
	// MaxID reports the highest record id present, 0 when empty.
	MaxID(ctx context.Context) (int64, error)
	// Search returns records matching any variant, filtered and sorted
	// by event time then record id.
	Search(ctx context.Context, variants []string, f cdr.Filter) ([]cdr.Record, error)
}
