package store

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hazyhaar/formsafe/field"
)

// PageMap is the persisted mapping of every saved page.
type PageMap map[field.PageKey]*field.PageRecord

// Summary describes one saved page without its field values.
type Summary struct {
	Page      field.PageKey `json:"page"`
	URL       string        `json:"url"`
	Fields    int           `json:"fields"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Pages reads and writes the page map through a Gateway. Every operation
// is a full load or a full rewrite; nothing is cached between calls.
// Writers sharing a Pages are serialized, so keepers of different pages
// never drop each other's records.
type Pages struct {
	gw     Gateway
	key    string
	logger *slog.Logger

	// writeMu covers every load-modify-save cycle on key.
	writeMu sync.Mutex
}

// NewPages returns a page map stored under key ("" means DefaultKey).
func NewPages(gw Gateway, key string, logger *slog.Logger) *Pages {
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pages{gw: gw, key: key, logger: logger}
}

// Gateway returns the underlying store.
func (p *Pages) Gateway() Gateway { return p.gw }

// Key returns the gateway key of the page map.
func (p *Pages) Key() string { return p.key }

// Load returns the stored map, empty when nothing was saved yet. Fields
// stored under a key that disagrees with their identity are re-keyed.
func (p *Pages) Load(ctx context.Context) (PageMap, error) {
	data, ok, err := p.gw.Get(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}
	m := make(PageMap)
	if !ok || len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}
	for pk, rec := range m {
		if rec == nil {
			delete(m, pk)
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[field.StableKey]field.Record)
		}
		if n := rec.Normalize(); n > 0 {
			p.logger.Warn("store: re-keyed fields", "page", pk, "count", n)
		}
	}
	return m, nil
}

// Save rewrites the whole map.
func (p *Pages) Save(ctx context.Context, m PageMap) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.save(ctx, m)
}

func (p *Pages) save(ctx context.Context, m PageMap) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: save: %w", err)
	}
	if err := p.gw.Set(ctx, p.key, data); err != nil {
		return fmt.Errorf("store: save: %w", err)
	}
	return nil
}

// Get returns the record of one page.
func (p *Pages) Get(ctx context.Context, pk field.PageKey) (*field.PageRecord, bool, error) {
	m, err := p.Load(ctx)
	if err != nil {
		return nil, false, err
	}
	rec, ok := m[pk]
	return rec, ok, nil
}

// Merge loads the map, merges recs into the record of pk and writes the map
// back. The cycle is atomic against other writers through this Pages, not
// against another process writing the same key.
func (p *Pages) Merge(ctx context.Context, pk field.PageKey, url string, recs []field.Record, now time.Time) (*field.PageRecord, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	m, err := p.Load(ctx)
	if err != nil {
		return nil, err
	}
	rec, ok := m[pk]
	if !ok {
		rec = field.NewPageRecord(url)
		m[pk] = rec
	}
	rec.Merge(recs, url, now)
	if err := p.save(ctx, m); err != nil {
		return nil, err
	}
	return rec, nil
}

// Clear deletes the record of pk and reports whether it existed.
func (p *Pages) Clear(ctx context.Context, pk field.PageKey) (bool, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	m, err := p.Load(ctx)
	if err != nil {
		return false, err
	}
	if _, ok := m[pk]; !ok {
		return false, nil
	}
	delete(m, pk)
	return true, p.save(ctx, m)
}

// List summarises every saved page, ordered by page key.
func (p *Pages) List(ctx context.Context) ([]Summary, error) {
	m, err := p.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(m))
	for pk, rec := range m {
		out = append(out, Summary{Page: pk, URL: rec.URL, Fields: len(rec.Fields), UpdatedAt: rec.UpdatedAt})
	}
	slices.SortFunc(out, func(a, b Summary) int { return cmp.Compare(a.Page, b.Page) })
	return out, nil
}
