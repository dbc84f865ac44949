// Package orchestrator owns the choice between the secondary search
// index and the direct relational fallback, and runs the background loop
// that keeps the index current.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/datakarta/cdrtrace/trace/cdr"
	"github.com/datakarta/cdrtrace/trace/enrich"
	"github.com/datakarta/cdrtrace/trace/index"
	"github.com/datakarta/cdrtrace/trace/normalize"

	"github.com/sourcegraph/conc/pool"
)

// Hard cap on one indexing batch, whatever the configuration says.
const maxBatchSize = 5000

// enrichment fan-out tuning for large batches
const (
	enrichChunkSize  = 512
	enrichMaxWorkers = 4
)

// RecordSource is the relational side the orchestrator reads from.
// *store.Store satisfies it.
type RecordSource interface {
	FetchBatch(ctx context.Context, afterID int64, limit int) ([]cdr.Record, error)
	SearchRecords(ctx context.Context, variants []string, f cdr.Filter) ([]cdr.Record, error)
}

// Enricher resolves CGIs to cell sites. *enrich.Cache satisfies it.
type Enricher interface {
	FetchMany(ctx context.Context, cgis []string) map[string]enrich.CellSite
}

// Config tunes the orchestrator.
type Config struct {
	Enabled        bool
	Mandatory      bool // never settle into permanent Disabled on failure
	PollInterval   time.Duration
	BatchSize      int
	ReconnectDelay time.Duration // 0 disables automatic reconnect entirely
	DialCode       string
}

// Orchestrator is the search entry point and the owner of the index
// cursor and connection state machine.
type Orchestrator struct {
	source   RecordSource
	enricher Enricher
	idx      index.Index
	cfg      Config
	sched    Scheduler

	mu             sync.Mutex
	state          ConnState
	lastIndexedID  int64 // written only by the indexing loop
	reconnectTimer Timer
	pollTimer      Timer
	closed         bool
}

// Option customizes construction.
type Option func(*Orchestrator)

// WithScheduler injects a deterministic scheduler for tests.
func WithScheduler(s Scheduler) Option {
	return func(o *Orchestrator) { o.sched = s }
}

// New builds an orchestrator. Call Start to bring the index online.
func New(source RecordSource, enricher Enricher, idx index.Index, cfg Config, opts ...Option) *Orchestrator {
	if cfg.BatchSize <= 0 || cfg.BatchSize > maxBatchSize {
		cfg.BatchSize = maxBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	o := &Orchestrator{
		source:   source,
		enricher: enricher,
		idx:      idx,
		cfg:      cfg,
		sched:    NewScheduler(),
		state:    StateDisabled,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State reports the current connection state.
func (o *Orchestrator) State() ConnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Cursor reports the current value of lastIndexedId.
func (o *Orchestrator) Cursor() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastIndexedID
}

// Start ensures the index exists, loads the cursor from the index's own
// max id, and launches the background indexing loop. With the index
// disabled by configuration it leaves the orchestrator in Disabled and
// every search goes to the relational fallback.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.cfg.Enabled {
		slog.Info("Secondary index disabled by configuration")
		return nil
	}

	o.mu.Lock()
	o.state = StateInitializing
	o.mu.Unlock()

	if err := o.connect(ctx); err != nil {
		if !index.IsConnErr(err) {
			return err
		}
		slog.Warn("Secondary index unavailable at startup", "error", err)
		o.degrade()
		return nil
	}
	return nil
}

// connect pings the backend, ensures the index, reloads the cursor from
// its max id and moves to Connected with the poll loop scheduled.
func (o *Orchestrator) connect(ctx context.Context) error {
	if err := o.idx.Ping(ctx); err != nil {
		return fmt.Errorf("index unreachable: %w", err)
	}
	if err := o.idx.Ensure(ctx); err != nil {
		return fmt.Errorf("failed to ensure index: %w", err)
	}
	maxID, err := o.idx.MaxID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read index max id: %w", err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.state = StateConnected
	o.lastIndexedID = maxID
	o.schedulePollLocked()
	o.mu.Unlock()

	slog.Info("Secondary index connected", "cursor", maxID)
	return nil
}

// schedulePollLocked arms the next indexing tick. Caller holds o.mu.
func (o *Orchestrator) schedulePollLocked() {
	if o.closed {
		return
	}
	if o.pollTimer != nil {
		o.pollTimer.Stop()
	}
	o.pollTimer = o.sched.AfterFunc(o.cfg.PollInterval, o.tick)
}

// tick runs one indexing pass and reschedules itself while Connected.
func (o *Orchestrator) tick() {
	o.mu.Lock()
	if o.closed || o.state != StateConnected {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if err := o.RunIndexPass(context.Background()); err != nil {
		// non-connection errors: the batch retries from the same cursor
		// on the next tick; connection errors already moved the state
		slog.Error("Indexing pass failed", "error", err)
	}

	o.mu.Lock()
	if o.state == StateConnected {
		o.schedulePollLocked()
	}
	o.mu.Unlock()
}

// RunIndexPass drains full batches until the store is caught up, a batch
// fails, or the connection degrades. Exposed for deterministic tests and
// manual catch-up runs.
func (o *Orchestrator) RunIndexPass(ctx context.Context) error {
	for {
		o.mu.Lock()
		cursor := o.lastIndexedID
		o.mu.Unlock()

		batch, err := o.source.FetchBatch(ctx, cursor, o.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to fetch cdr batch after id %d: %w", cursor, err)
		}
		if len(batch) == 0 {
			return nil // caught up
		}

		o.enrichBatch(ctx, batch)

		docs := make([]index.Document, 0, len(batch))
		for _, r := range batch {
			docs = append(docs, index.NewDocument(r, o.cfg.DialCode))
		}
		if err := o.idx.BulkUpsert(ctx, docs); err != nil {
			if index.IsConnErr(err) {
				o.degrade()
				return nil
			}
			return fmt.Errorf("failed to index batch after id %d: %w", cursor, err)
		}

		last := batch[len(batch)-1].ID
		o.mu.Lock()
		o.lastIndexedID = last
		o.mu.Unlock()
		slog.Debug("Indexed cdr batch", "after", cursor, "last", last, "count", len(batch))

		if len(batch) < o.cfg.BatchSize {
			return nil // short batch: caught up, idle until next tick
		}
	}
}

// enrichBatch late-fills coordinates and site names from the cell-site
// cache. The raw CGI spellings go to the cache, which keys its results
// by the normalized form. Large batches fan out in bounded chunks.
func (o *Orchestrator) enrichBatch(ctx context.Context, batch []cdr.Record) {
	keys := make([]string, 0, len(batch))
	seen := make(map[string]struct{}, len(batch))
	for _, r := range batch {
		key := enrich.NormalizeCGI(r.CGI)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, r.CGI)
	}
	if len(keys) == 0 {
		return
	}

	sites := make(map[string]enrich.CellSite, len(keys))
	if len(keys) <= enrichChunkSize {
		sites = o.enricher.FetchMany(ctx, keys)
	} else {
		var mu sync.Mutex
		p := pool.New().WithMaxGoroutines(enrichMaxWorkers)
		for start := 0; start < len(keys); start += enrichChunkSize {
			end := start + enrichChunkSize
			if end > len(keys) {
				end = len(keys)
			}
			chunk := keys[start:end]
			p.Go(func() {
				resolved := o.enricher.FetchMany(ctx, chunk)
				mu.Lock()
				for k, v := range resolved {
					sites[k] = v
				}
				mu.Unlock()
			})
		}
		p.Wait()
	}

	for i := range batch {
		site, ok := sites[enrich.NormalizeCGI(batch[i].CGI)]
		if !ok {
			continue
		}
		if batch[i].Longitude == nil {
			lon := site.Longitude
			batch[i].Longitude = &lon
		}
		if batch[i].Latitude == nil {
			lat := site.Latitude
			batch[i].Latitude = &lat
		}
		if batch[i].SiteName == "" {
			batch[i].SiteName = site.SiteName
		}
	}
}

// Search answers from the index while Connected, transparently falling
// back to the relational path on a connection-class failure or in any
// other state. Result shape is identical either way.
func (o *Orchestrator) Search(ctx context.Context, id normalize.Identifier, f cdr.Filter) ([]cdr.Record, error) {
	if id.IsEmpty() {
		return nil, nil
	}

	if o.State() == StateConnected {
		records, err := o.idx.Search(ctx, id.Variants, f)
		if err == nil {
			return records, nil
		}
		if !index.IsConnErr(err) {
			return nil, err
		}
		slog.Warn("Index search failed, falling back to relational query", "error", err)
		o.degrade()
	}

	records, err := o.source.SearchRecords(ctx, id.Variants, f)
	if err != nil {
		return nil, fmt.Errorf("fallback search failed: %w", err)
	}
	o.enrichBatch(ctx, records)
	return records, nil
}

// degrade moves to Degraded and arms the reconnect timer. Re-entrant
// failures coalesce onto the single armed timer. A reconnect delay of
// zero prevents any automatic reconnect from ever firing; without the
// mandatory flag that settles the orchestrator into Disabled.
func (o *Orchestrator) degrade() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.state == StateDisabled {
		return
	}
	o.state = StateDegraded
	if o.pollTimer != nil {
		o.pollTimer.Stop()
		o.pollTimer = nil
	}

	if o.cfg.ReconnectDelay <= 0 {
		if !o.cfg.Mandatory {
			o.state = StateDisabled
			slog.Warn("Secondary index disabled, reconnect is off")
		}
		return
	}
	if o.reconnectTimer != nil {
		return // already armed
	}
	slog.Info("Scheduling index reconnect", "delay", o.cfg.ReconnectDelay)
	o.reconnectTimer = o.sched.AfterFunc(o.cfg.ReconnectDelay, o.reconnect)
}

// reconnect is the armed-timer body: try to bring the index back, and on
// failure return to Degraded with the timer re-armed.
func (o *Orchestrator) reconnect() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.reconnectTimer = nil
	o.state = StateReconnecting
	o.mu.Unlock()

	if err := o.connect(context.Background()); err != nil {
		slog.Warn("Index reconnect failed", "error", err)
		o.mu.Lock()
		o.state = StateDegraded
		if !o.closed && o.reconnectTimer == nil {
			o.reconnectTimer = o.sched.AfterFunc(o.cfg.ReconnectDelay, o.reconnect)
		}
		o.mu.Unlock()
	}
}

// Reindex resets the cursor to zero so the loop re-pushes the whole
// store. The only sanctioned cursor reset.
func (o *Orchestrator) Reindex() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastIndexedID = 0
}

// Close cancels the reconnect and poll timers. Call on shutdown.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	if o.reconnectTimer != nil {
		o.reconnectTimer.Stop()
		o.reconnectTimer = nil
	}
	if o.pollTimer != nil {
		o.pollTimer.Stop()
		o.pollTimer = nil
	}
}
