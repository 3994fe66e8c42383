// CLAUDE:SUMMARY Change tracker: stages trusted user edits per page and field, flushes them to the page store after a quiet period, then evicts.
// Package tracker turns user edits on a live document into saved field
// records. Edits are staged in memory, keyed by page and StableKey, and
// flushed through store.Pages once the page has been quiet for the debounce
// window.
package tracker

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/formsafe/dom"
	"github.com/hazyhaar/formsafe/field"
	"github.com/hazyhaar/formsafe/formkeeper/internal/store"
)

// DefaultDebounce is the quiet period before staged edits are written.
const DefaultDebounce = 400 * time.Millisecond

// stopFlushTimeout bounds the final flush once the tracker is stopping.
const stopFlushTimeout = 5 * time.Second

// Config for creating a Tracker.
type Config struct {
	Doc        dom.Document
	Pages      *store.Pages
	Classifier field.Classifier
	Debounce   time.Duration
	// EvictRatio is passed to store.Evict after each successful flush.
	EvictRatio float64
	// Restoring is set while a restore writes into the document; edits seen
	// meanwhile are ignored.
	Restoring *atomic.Bool
	Logger    *slog.Logger
	Now       func() time.Time
}

type staged struct {
	rec field.Record
	seq uint64
}

type pageStage struct {
	url    string
	fields map[field.StableKey]staged
}

// Tracker stages and flushes the edits of one document.
type Tracker struct {
	doc        dom.Document
	pages      *store.Pages
	classifier field.Classifier
	evictRatio float64
	restoring  *atomic.Bool
	logger     *slog.Logger
	now        func() time.Time
	deb        *debouncer
	subscribed chan struct{}

	mu    sync.Mutex
	stage map[field.PageKey]*pageStage
	seq   uint64

	// flushMu serializes flushes between the loop and Flush callers.
	flushMu   sync.Mutex
	lastFlush atomic.Int64
	flushes   atomic.Uint64
}

// New creates a Tracker. Run starts it.
func New(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Restoring == nil {
		cfg.Restoring = new(atomic.Bool)
	}
	return &Tracker{
		doc:        cfg.Doc,
		pages:      cfg.Pages,
		classifier: cfg.Classifier,
		evictRatio: cfg.EvictRatio,
		restoring:  cfg.Restoring,
		logger:     cfg.Logger,
		now:        cfg.Now,
		deb:        newDebouncer(cfg.Debounce),
		subscribed: make(chan struct{}),
		stage:      make(map[field.PageKey]*pageStage),
	}
}

// Run consumes document events until ctx is done, then flushes whatever
// is still staged. It must be called at most once.
func (t *Tracker) Run(ctx context.Context) error {
	events, err := t.doc.Events(ctx)
	if err != nil {
		return fmt.Errorf("tracker: subscribe: %w", err)
	}
	close(t.subscribed)
	t.logger.Debug("tracker: started", "url", t.doc.URL())

	for {
		select {
		case <-ctx.Done():
			t.deb.stop()
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopFlushTimeout)
			err := t.Flush(fctx)
			cancel()
			if err != nil {
				t.logger.Warn("tracker: final flush failed", "pending", t.Pending(), "error", err)
			}
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if t.Observe(ev) {
				t.deb.touch()
			}

		case <-t.deb.timerC():
			t.deb.stop()
			if err := t.Flush(ctx); err != nil {
				t.logger.Warn("tracker: flush failed, changes kept", "pending", t.Pending(), "error", err)
			}
		}
	}
}

// Observe stages ev when it is a trusted edit of a trackable control and no
// restore is running. It reports whether something was staged.
func (t *Tracker) Observe(ev dom.Event) bool {
	if !ev.Trusted || (ev.Type != "input" && ev.Type != "change") {
		return false
	}
	if t.restoring.Load() {
		return false
	}
	if ev.Target == nil || !t.classifier.IsTrackable(ev.Target) {
		return false
	}
	url := t.doc.URL()
	pk, err := field.PageKeyOf(url)
	if err != nil {
		t.logger.Debug("tracker: no page key", "url", url, "error", err)
		return false
	}
	t.Stage(pk, url, field.Capture(t.doc, ev.Target))
	return true
}

// Stage records rec for page pk, replacing any staged value with the same
// StableKey.
func (t *Tracker) Stage(pk field.PageKey, url string, rec field.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.stage[pk]
	if !ok {
		ps = &pageStage{fields: make(map[field.StableKey]staged)}
		t.stage[pk] = ps
	}
	ps.url = url
	t.seq++
	ps.fields[rec.Key()] = staged{rec: rec, seq: t.seq}
}

// Ready is closed once Run has subscribed to document events.
func (t *Tracker) Ready() <-chan struct{} { return t.subscribed }

// Discard drops the staged fields of page pk and reports how many there were.
func (t *Tracker) Discard(pk field.PageKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.stage[pk]
	if !ok {
		return 0
	}
	delete(t.stage, pk)
	return len(ps.fields)
}

// PendingFor counts staged fields of page pk.
func (t *Tracker) PendingFor(pk field.PageKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ps, ok := t.stage[pk]; ok {
		return len(ps.fields)
	}
	return 0
}

// Pending counts staged, unwritten fields.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ps := range t.stage {
		n += len(ps.fields)
	}
	return n
}

// LastFlush is the time of the last successful write, zero if none.
func (t *Tracker) LastFlush() time.Time {
	ms := t.lastFlush.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Flushes counts successful writes.
func (t *Tracker) Flushes() uint64 { return t.flushes.Load() }

type pageSnapshot struct {
	pk   field.PageKey
	url  string
	recs []field.Record
	seqs map[field.StableKey]uint64
}

// Flush writes every staged page now. A page whose write fails keeps its
// staged fields; fields re-staged during a write stay staged.
func (t *Tracker) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	snaps := t.snapshot()
	if len(snaps) == 0 {
		return nil
	}

	var firstErr error
	wrote := false
	for _, s := range snaps {
		rec, err := t.pages.Merge(ctx, s.pk, s.url, s.recs, t.now())
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("tracker: flush %s: %w", s.pk, err)
			}
			continue
		}
		t.clear(s)
		wrote = true
		t.logger.Debug("tracker: flushed", "page", s.pk, "fields", len(s.recs), "saved", len(rec.Fields))
	}
	if !wrote {
		return firstErr
	}

	t.flushes.Add(1)
	t.lastFlush.Store(t.now().UnixMilli())
	if _, err := store.Evict(ctx, t.pages, t.evictRatio); err != nil {
		t.logger.Warn("tracker: eviction failed", "error", err)
	}
	return firstErr
}

func (t *Tracker) snapshot() []pageSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]pageSnapshot, 0, len(t.stage))
	for pk, ps := range t.stage {
		if len(ps.fields) == 0 {
			continue
		}
		s := pageSnapshot{pk: pk, url: ps.url, seqs: make(map[field.StableKey]uint64, len(ps.fields))}
		for k, st := range ps.fields {
			s.recs = append(s.recs, st.rec)
			s.seqs[k] = st.seq
		}
		slices.SortFunc(s.recs, func(a, b field.Record) int { return cmp.Compare(a.Key(), b.Key()) })
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b pageSnapshot) int { return cmp.Compare(a.pk, b.pk) })
	return out
}

func (t *Tracker) clear(s pageSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.stage[s.pk]
	if !ok {
		return
	}
	for k, seq := range s.seqs {
		if cur, ok := ps.fields[k]; ok && cur.seq == seq {
			delete(ps.fields, k)
		}
	}
	if len(ps.fields) == 0 {
		delete(t.stage, s.pk)
	}
}
