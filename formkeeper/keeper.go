// CLAUDE:SUMMARY Keeper: one page session tying the change tracker and restore engine to a document, answering PING/RESTORE/CLEAR/STATUS.
// Package formkeeper keeps the form fields of live pages. A Keeper owns one
// document: it tracks user edits into the page store and restores them on
// request. A Service runs one Keeper per configured page.
package formkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/formsafe/dom"
	"github.com/hazyhaar/formsafe/field"
	"github.com/hazyhaar/formsafe/formkeeper/internal/journal"
	"github.com/hazyhaar/formsafe/formkeeper/internal/restore"
	"github.com/hazyhaar/formsafe/formkeeper/internal/store"
	"github.com/hazyhaar/formsafe/formkeeper/internal/tracker"
)

// ErrStarted is returned by Start on a Keeper that was already started.
var ErrStarted = errors.New("formkeeper: already started")

// KeeperConfig configures one Keeper. Doc and Pages are required.
type KeeperConfig struct {
	ID             string // page ID, recorded in the journal
	Doc            dom.Document
	Pages          *store.Pages
	Classifier     field.Classifier
	Debounce       time.Duration
	EvictRatio     float64
	RestoreTimeout time.Duration
	Threshold      int
	Journal        *journal.Journal // optional
	Logger         *slog.Logger
}

// Keeper is the session of one document.
type Keeper struct {
	id      string
	doc     dom.Document
	pages   *store.Pages
	tracker *tracker.Tracker
	engine  *restore.Engine
	journal *journal.Journal
	logger  *slog.Logger

	// restoring is shared by tracker and engine.
	restoring atomic.Bool
	restoreMu sync.Mutex

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewKeeper creates a Keeper. Start begins tracking.
func NewKeeper(cfg KeeperConfig) (*Keeper, error) {
	if cfg.Doc == nil {
		return nil, errors.New("formkeeper: nil document")
	}
	if cfg.Pages == nil {
		return nil, errors.New("formkeeper: nil page store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EvictRatio <= 0 {
		cfg.EvictRatio = store.DefaultEvictRatio
	}
	k := &Keeper{id: cfg.ID, doc: cfg.Doc, pages: cfg.Pages, journal: cfg.Journal, logger: cfg.Logger}
	k.tracker = tracker.New(tracker.Config{
		Doc:        cfg.Doc,
		Pages:      cfg.Pages,
		Classifier: cfg.Classifier,
		Debounce:   cfg.Debounce,
		EvictRatio: cfg.EvictRatio,
		Restoring:  &k.restoring,
		Logger:     cfg.Logger,
	})
	k.engine = restore.New(restore.Config{
		Doc:        cfg.Doc,
		Classifier: cfg.Classifier,
		Timeout:    cfg.RestoreTimeout,
		Threshold:  cfg.Threshold,
		Restoring:  &k.restoring,
		Logger:     cfg.Logger,
	})
	return k, nil
}

// Start runs the change tracker until Stop or until ctx is done. It returns
// once the tracker listens to document events.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return ErrStarted
	}
	k.started = true

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		defer close(done)
		errc <- k.tracker.Run(runCtx)
	}()

	select {
	case <-k.tracker.Ready():
	case err := <-errc:
		cancel()
		return fmt.Errorf("formkeeper: start: %w", err)
	}
	k.cancel, k.done = cancel, done
	return nil
}

// Stop ends tracking and waits for the final flush.
func (k *Keeper) Stop() {
	k.mu.Lock()
	cancel, done := k.cancel, k.done
	k.cancel, k.done = nil, nil
	k.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Page is the PageKey of the document's current URL.
func (k *Keeper) Page() (field.PageKey, error) {
	return field.PageKeyOf(k.doc.URL())
}

// Flush writes staged edits now.
func (k *Keeper) Flush(ctx context.Context) error {
	return k.tracker.Flush(ctx)
}

// Ping answers {ok, page}.
func (k *Keeper) Ping(ctx context.Context) Response {
	pk, err := k.Page()
	if err != nil {
		return Response{Reason: err.Error()}
	}
	return Response{OK: true, Page: pk}
}

// Restore writes the saved record of the current page back into the
// document. It returns after the attempt settles or times out. Staged edits
// are flushed first so the record is current.
func (k *Keeper) Restore(ctx context.Context) Response {
	k.restoreMu.Lock()
	defer k.restoreMu.Unlock()

	pk, err := k.Page()
	if err != nil {
		return Response{Reason: err.Error()}
	}
	if err := k.tracker.Flush(ctx); err != nil {
		k.logger.Warn("formkeeper: flush before restore failed", "page", pk, "error", err)
	}
	rec, ok, err := k.pages.Get(ctx, pk)
	if err != nil {
		k.logger.Error("formkeeper: load record failed", "page", pk, "error", err)
		ok = false
	}
	if !ok {
		k.record(journal.Entry{Page: pk, Reason: restore.ReasonNoData})
		return Response{Page: pk, Reason: restore.ReasonNoData}
	}

	res := k.engine.Restore(ctx, rec)
	k.record(journal.Entry{
		Page:       pk,
		RestoreID:  res.ID,
		OK:         res.OK,
		Reason:     res.Reason,
		Applied:    len(res.Matches),
		Missing:    res.Missing,
		DurationMs: res.Elapsed.Milliseconds(),
	})
	return Response{
		OK:        res.OK,
		Page:      pk,
		Reason:    res.Reason,
		Missing:   res.Missing,
		RestoreID: res.ID,
		Matches:   res.Matches,
	}
}

func (k *Keeper) record(e journal.Entry) {
	if k.journal == nil {
		return
	}
	e.PageID = k.id
	k.journal.Record(e)
}

// Clear deletes the saved record of the current page and drops its staged
// edits.
func (k *Keeper) Clear(ctx context.Context) Response {
	pk, err := k.Page()
	if err != nil {
		return Response{Reason: err.Error()}
	}
	dropped := k.tracker.Discard(pk)
	existed, err := k.pages.Clear(ctx, pk)
	if err != nil {
		k.logger.Error("formkeeper: clear failed", "page", pk, "error", err)
		return Response{Page: pk, Reason: err.Error()}
	}
	k.logger.Info("formkeeper: cleared", "page", pk, "existed", existed, "staged", dropped)
	if !existed && dropped == 0 {
		return Response{Page: pk, Reason: restore.ReasonNoData}
	}
	return Response{OK: true, Page: pk}
}

// Status reports what is saved and staged for the current page, and which
// saved fields do not resolve directly in the document.
func (k *Keeper) Status(ctx context.Context) Response {
	pk, err := k.Page()
	if err != nil {
		return Response{Reason: err.Error()}
	}
	resp := Response{OK: true, Page: pk, Pending: k.tracker.PendingFor(pk)}
	rec, ok, err := k.pages.Get(ctx, pk)
	if err != nil {
		return Response{Page: pk, Reason: err.Error()}
	}
	if ok {
		at := rec.UpdatedAt
		resp.Fields = len(rec.Fields)
		resp.UpdatedAt = &at
		resp.Unresolved = k.engine.Pending(rec)
	}
	return resp
}

// Handle dispatches msg.
func (k *Keeper) Handle(ctx context.Context, msg Message) (Response, error) {
	switch msg.Type {
	case MsgPing:
		return k.Ping(ctx), nil
	case MsgRestore:
		return k.Restore(ctx), nil
	case MsgClear:
		return k.Clear(ctx), nil
	case MsgStatus:
		return k.Status(ctx), nil
	}
	return Response{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
}
