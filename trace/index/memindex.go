package index

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/datakarta/cdrtrace/trace/cdr"

	roaring "github.com/RoaringBitmap/roaring"
	radix "github.com/armon/go-radix"
)

// MemIndex is the embedded secondary index: a radix-tree term dictionary
// over identifier variants, with roaring bitmaps as postings over
// internal document slots.
type MemIndex struct {
	mu      sync.RWMutex
	created bool

	docs     map[int64]*Document // by record id
	slotByID map[int64]uint32
	idBySlot []int64
	terms    *radix.Tree // term -> *roaring.Bitmap of slots
}

// NewMemIndex returns an empty, not-yet-ensured index.
func NewMemIndex() *MemIndex {
	return &MemIndex{
		docs:     make(map[int64]*Document),
		slotByID: make(map[int64]uint32),
		terms:    radix.New(),
	}
}

// Ping reports reachability. An embedded index lives in-process and is
// always reachable; whether its schema exists is Ensure's concern.
func (m *MemIndex) Ping(ctx context.Context) error {
	return nil
}

// Ensure creates the index. Idempotent.
func (m *MemIndex) Ensure(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = true
	return nil
}

// BulkUpsert writes a batch of documents keyed by record id. Upserting an
// existing id replaces its postings, which makes re-indexing a batch
// after a failed tick idempotent.
func (m *MemIndex) BulkUpsert(ctx context.Context, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.created {
		return fmt.Errorf("index does not exist: %w", ErrConnection)
	}

	for i := range docs {
		doc := docs[i]
		id := doc.Record.ID
		slot, ok := m.slotByID[id]
		if ok {
			m.removeTermsLocked(m.docs[id], slot)
		} else {
			slot = uint32(len(m.idBySlot))
			m.idBySlot = append(m.idBySlot, id)
			m.slotByID[id] = slot
		}
		m.docs[id] = &doc
		for _, term := range doc.Terms {
			var bm *roaring.Bitmap
			if v, found := m.terms.Get(term); found {
				bm = v.(*roaring.Bitmap)
			} else {
				bm = roaring.New()
				m.terms.Insert(term, bm)
			}
			bm.Add(slot)
		}
	}
	return nil
}

func (m *MemIndex) removeTermsLocked(old *Document, slot uint32) {
	if old == nil {
		return
	}
	for _, term := range old.Terms {
		if v, found := m.terms.Get(term); found {
			v.(*roaring.Bitmap).Remove(slot)
		}
	}
}

// MaxID reports the highest indexed record id.
func (m *MemIndex) MaxID(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.created {
		return 0, fmt.Errorf("index does not exist: %w", ErrConnection)
	}
	var max int64
	for id := range m.docs {
		if id > max {
			max = id
		}
	}
	return max, nil
}

// Search unions the postings of every variant term, applies the filter,
// and returns records sorted by event time then id.
func (m *MemIndex) Search(ctx context.Context, variants []string, f cdr.Filter) ([]cdr.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.created {
		return nil, fmt.Errorf("index does not exist: %w", ErrConnection)
	}

	hits := roaring.New()
	for _, term := range variants {
		if v, found := m.terms.Get(term); found {
			hits.Or(v.(*roaring.Bitmap))
		}
	}

	var records []cdr.Record
	it := hits.Iterator()
	for it.HasNext() {
		slot := it.Next()
		doc, ok := m.docs[m.idBySlot[slot]]
		if !ok {
			continue
		}
		if !matchesFilter(doc.Record, f) {
			continue
		}
		records = append(records, doc.Record)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].StartAt.Equal(records[j].StartAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].StartAt.Before(records[j].StartAt)
	})

	if f.Limit > 0 && len(records) > f.Limit {
		records = records[:f.Limit]
	}
	return records, nil
}

func matchesFilter(r cdr.Record, f cdr.Filter) bool {
	if !f.StartDate.IsZero() && r.StartAt.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && r.StartAt.After(f.EndDate) {
		return false
	}
	if f.StartTimeSec >= 0 || f.EndTimeSec >= 0 {
		sec := r.StartAt.Hour()*3600 + r.StartAt.Minute()*60 + r.StartAt.Second()
		if f.StartTimeSec >= 0 && sec < f.StartTimeSec {
			return false
		}
		if f.EndTimeSec >= 0 && sec > f.EndTimeSec {
			return false
		}
	}
	return true
}
