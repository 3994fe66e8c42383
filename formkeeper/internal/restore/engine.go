// CLAUDE:SUMMARY Restore engine: re-anchors saved field records in a live document (name group, direct identity, fingerprint) and retries on mutations until a deadline.
// Package restore writes a saved page record back into a live document.
//
// One attempt runs a matching pass over every pending field, then keeps
// re-running it on each mutation batch until nothing is pending or the
// deadline passes:
//
//	Idle → Attempting → Settled | TimedOut
package restore

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/formsafe/dom"
	"github.com/hazyhaar/formsafe/field"
	"github.com/hazyhaar/formsafe/idgen"
)

// DefaultTimeout bounds one attempt from its start.
const DefaultTimeout = 4500 * time.Millisecond

// Reasons reported to callers.
const (
	ReasonNoData  = "No saved data for this page."
	ReasonPartial = "Some fields could not be restored."
	ReasonBusy    = "A restore is already running."
)

// State of the engine.
type State int32

const (
	Idle State = iota
	Attempting
	Settled
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Attempting:
		return "attempting"
	case Settled:
		return "settled"
	case TimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Strategy names how a field was found.
type Strategy string

const (
	ByNameGroup   Strategy = "name_group"
	ByDirect      Strategy = "direct"
	ByFingerprint Strategy = "fingerprint"
)

// Match records one applied field.
type Match struct {
	Key      field.StableKey `json:"key"`
	Strategy Strategy        `json:"strategy"`
	Score    int             `json:"score,omitempty"`
}

// Result of one attempt.
type Result struct {
	ID      string        `json:"id"`
	OK      bool          `json:"ok"`
	Reason  string        `json:"reason,omitempty"`
	Missing int           `json:"missing,omitempty"`
	State   State         `json:"-"`
	Matches []Match       `json:"matches,omitempty"`
	Passes  int           `json:"passes"`
	Elapsed time.Duration `json:"-"`
}

// Config for creating an Engine.
type Config struct {
	Doc        dom.Document
	Classifier field.Classifier
	Timeout    time.Duration
	Threshold  int
	// Restoring is held for the whole attempt so the change tracker
	// ignores the writes it causes.
	Restoring *atomic.Bool
	IDGen     idgen.Generator
	Logger    *slog.Logger
}

// Engine restores records into one document, one attempt at a time.
type Engine struct {
	doc        dom.Document
	classifier field.Classifier
	timeout    time.Duration
	threshold  int
	restoring  *atomic.Bool
	newID      idgen.Generator
	logger     *slog.Logger

	state atomic.Int32
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = field.MatchThreshold
	}
	if cfg.Restoring == nil {
		cfg.Restoring = new(atomic.Bool)
	}
	if cfg.IDGen == nil {
		cfg.IDGen = idgen.Prefixed("rst_", idgen.UUIDv7())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		doc:        cfg.Doc,
		classifier: cfg.Classifier,
		timeout:    cfg.Timeout,
		threshold:  cfg.Threshold,
		restoring:  cfg.Restoring,
		newID:      cfg.IDGen,
		logger:     cfg.Logger,
	}
}

// State reports the state of the current or last attempt.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// attempt is the working set of one Restore call.
type attempt struct {
	pending map[field.StableKey]field.Record
	order   []field.StableKey
	matches []Match
	passes  int
}

// Restore applies rec to the document and returns once every field is
// placed, the timeout passes or ctx is done. A nil record reports
// ReasonNoData without touching the document.
func (e *Engine) Restore(ctx context.Context, rec *field.PageRecord) Result {
	res := Result{ID: e.newID()}
	if rec == nil {
		res.Reason = ReasonNoData
		res.State = e.State()
		return res
	}

	for {
		cur := e.state.Load()
		if State(cur) == Attempting {
			res.Reason = ReasonBusy
			res.State = Attempting
			return res
		}
		if e.state.CompareAndSwap(cur, int32(Attempting)) {
			break
		}
	}
	e.restoring.Store(true)
	defer e.restoring.Store(false)

	start := time.Now()
	deadline := time.NewTimer(e.timeout)
	defer deadline.Stop()

	at := newAttempt(rec)
	e.logger.Info("restore: attempt started", "id", res.ID, "url", e.doc.URL(), "fields", len(at.order))

	// Subscribe before the first pass so no mutation slips between the two.
	obsCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, obsErr := e.doc.Observe(obsCtx)

	e.pass(at)
	final := Settled
	if len(at.pending) > 0 {
		if obsErr != nil {
			e.logger.Warn("restore: mutation observer unavailable", "id", res.ID, "error", obsErr)
			final = TimedOut
		} else {
			final = e.wait(ctx, at, batches, deadline.C)
		}
	}

	e.state.Store(int32(final))
	res.State = final
	res.Matches = at.matches
	res.Passes = at.passes
	res.Missing = len(at.pending)
	res.OK = res.Missing == 0
	res.Elapsed = time.Since(start)
	if !res.OK {
		res.Reason = ReasonPartial
	}

	e.logger.Info("restore: attempt finished",
		"id", res.ID, "state", final.String(), "applied", len(at.matches),
		"missing", res.Missing, "passes", res.Passes, "elapsed", res.Elapsed)
	return res
}

func newAttempt(rec *field.PageRecord) *attempt {
	at := &attempt{pending: make(map[field.StableKey]field.Record, len(rec.Fields))}
	for k, r := range rec.Fields {
		at.pending[k] = r
		at.order = append(at.order, k)
	}
	slices.Sort(at.order)
	return at
}

// wait re-runs the pass on each mutation batch until nothing is pending.
func (e *Engine) wait(ctx context.Context, at *attempt, batches <-chan dom.MutationBatch, deadline <-chan time.Time) State {
	for {
		select {
		case _, ok := <-batches:
			if !ok {
				return TimedOut
			}
			e.pass(at)
			if len(at.pending) == 0 {
				return Settled
			}
		case <-deadline:
			return TimedOut
		case <-ctx.Done():
			return TimedOut
		}
	}
}

// pass tries every pending field once, in StableKey order.
func (e *Engine) pass(at *attempt) {
	at.passes++
	for _, k := range at.order {
		rec, ok := at.pending[k]
		if !ok {
			continue
		}
		if m, ok := e.place(k, rec); ok {
			at.matches = append(at.matches, m)
			delete(at.pending, k)
		}
	}
}

// place finds rec in the document and writes it: name group, then direct
// identity lookup, then best fingerprint.
func (e *Engine) place(k field.StableKey, rec field.Record) (Match, bool) {
	if id, ok := rec.Identity.(field.ByNameAndTag); ok {
		els, err := e.doc.ElementsByName(id.Tag, id.Value)
		if err != nil {
			e.logger.Debug("restore: name lookup", "key", k, "error", err)
		}
		applied := false
		for _, el := range els {
			if e.classifier.IsTrackable(el) && e.write(el, rec.Value) {
				applied = true
			}
		}
		if applied {
			return Match{Key: k, Strategy: ByNameGroup}, true
		}
	}

	if el, err := e.lookup(rec.Identity); err == nil {
		if e.classifier.IsTrackable(el) && e.write(el, rec.Value) {
			return Match{Key: k, Strategy: ByDirect}, true
		}
	} else {
		e.logger.Debug("restore: direct lookup", "key", k, "error", err)
	}

	if el, score := e.bestCandidate(rec.Fingerprint); el != nil && score >= e.threshold {
		if e.write(el, rec.Value) {
			return Match{Key: k, Strategy: ByFingerprint, Score: score}, true
		}
	}
	return Match{}, false
}

func (e *Engine) lookup(id field.Identity) (dom.Element, error) {
	switch id := id.(type) {
	case field.ByID:
		return e.doc.ElementByID(id.Value)
	case field.ByNameAndTag:
		els, err := e.doc.ElementsByName(id.Tag, id.Value)
		if err != nil {
			return nil, err
		}
		if len(els) == 0 {
			return nil, dom.ErrNotFound
		}
		return els[0], nil
	case field.ByStructuralPath:
		return e.doc.ElementByPath(id.Path)
	}
	return nil, dom.ErrNotFound
}

// bestCandidate scores every trackable control. The first control in
// document order wins a tie.
func (e *Engine) bestCandidate(stored field.Fingerprint) (dom.Element, int) {
	ctrls, err := e.doc.Controls()
	if err != nil {
		e.logger.Debug("restore: list controls", "error", err)
		return nil, 0
	}
	var best dom.Element
	bestScore := 0
	for _, el := range ctrls {
		if !e.classifier.IsTrackable(el) {
			continue
		}
		if s := field.Score(stored, field.BuildFingerprint(e.doc, el)); s > bestScore {
			best, bestScore = el, s
		}
	}
	return best, bestScore
}

// write applies v and fires input then change. A radio is only written
// when its value attribute is the saved one.
func (e *Engine) write(el dom.Element, v field.Value) bool {
	if r, ok := v.(field.Radio); ok && el.Value() != r.Value {
		return false
	}
	if !field.WriteValue(el, v) {
		return false
	}
	for _, typ := range []string{"input", "change"} {
		if err := el.Dispatch(typ); err != nil {
			e.logger.Debug("restore: dispatch", "event", typ, "error", err)
		}
	}
	return true
}

// Pending lists the keys of rec that do not resolve directly in the
// current document, without writing anything.
func (e *Engine) Pending(rec *field.PageRecord) []field.StableKey {
	if rec == nil {
		return nil
	}
	var out []field.StableKey
	for k, r := range rec.Fields {
		if el, err := e.lookup(r.Identity); err != nil || !e.classifier.IsTrackable(el) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}
