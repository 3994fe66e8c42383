package formkeeper

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hazyhaar/formsafe/dom"
	"github.com/hazyhaar/formsafe/field"
	"github.com/hazyhaar/formsafe/formkeeper/internal/journal"
	"github.com/hazyhaar/formsafe/formkeeper/internal/store"
)

// ErrUnknownPage is returned for a page ID the service does not keep.
var ErrUnknownPage = errors.New("formkeeper: unknown page")

// Opener loads the document of a configured page. release, if non-nil, is
// called once the page is dropped.
type Opener func(ctx context.Context, p PageConfig) (doc dom.Document, release func(), err error)

type session struct {
	cfg     PageConfig
	keeper  *Keeper
	release func()
}

// PageInfo describes a kept page.
type PageInfo struct {
	ID  string        `json:"id"`
	URL string        `json:"url"`
	Key field.PageKey `json:"page,omitempty"`
}

// Service keeps every configured page, one Keeper each, over a shared
// page store.
type Service struct {
	gw      store.Gateway
	pages   *store.Pages
	journal *journal.Journal
	open    Opener
	logger  *slog.Logger

	mu       sync.Mutex
	cfg      *Config
	sessions map[string]*session // keyed by page ID
}

// NewService opens the configured store. Start opens the pages.
func NewService(cfg *Config, open Opener, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	gw, err := store.Open(cfg.Store.DSN, cfg.Store.CapacityBytes)
	if err != nil {
		return nil, fmt.Errorf("formkeeper: %w", err)
	}
	var jr *journal.Journal
	if cfg.Journal.Path != "" {
		jr, err = journal.Open(cfg.Journal.Path, cfg.Journal.Retention, journal.Options{Logger: logger})
		if err != nil {
			gw.Close()
			return nil, fmt.Errorf("formkeeper: %w", err)
		}
	}
	return &Service{
		gw:       gw,
		pages:    store.NewPages(gw, cfg.Store.Key, logger),
		journal:  jr,
		open:     open,
		logger:   logger,
		cfg:      cfg,
		sessions: make(map[string]*session),
	}, nil
}

// Start opens every configured page. A page that fails to open is logged
// and skipped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	pages := slices.Clone(s.cfg.Pages)
	s.mu.Unlock()
	for _, p := range pages {
		if err := s.OpenPage(ctx, p); err != nil {
			s.logger.Error("formkeeper: failed to open page", "id", p.ID, "url", p.URL, "error", err)
		}
	}
	return nil
}

// OpenPage starts keeping one page, replacing any session with the same ID.
func (s *Service) OpenPage(ctx context.Context, p PageConfig) error {
	if s.open == nil {
		return errors.New("formkeeper: no page opener")
	}
	doc, release, err := s.open(ctx, p)
	if err != nil {
		return fmt.Errorf("formkeeper: open %s: %w", p.ID, err)
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	k, err := NewKeeper(KeeperConfig{
		ID:             p.ID,
		Doc:            doc,
		Pages:          s.pages,
		Classifier:     cfg.Classifier(),
		Debounce:       cfg.Tracker.Debounce,
		EvictRatio:     cfg.Store.EvictRatio,
		RestoreTimeout: cfg.Restore.Timeout,
		Threshold:      cfg.Restore.Threshold,
		Journal:        s.journal,
		Logger:         s.logger.With("page_id", p.ID),
	})
	if err == nil {
		err = k.Start(ctx)
	}
	if err != nil {
		if release != nil {
			release()
		}
		return err
	}

	s.mu.Lock()
	old := s.sessions[p.ID]
	s.sessions[p.ID] = &session{cfg: p, keeper: k, release: release}
	s.mu.Unlock()
	if old != nil {
		old.close()
	}
	s.logger.Info("formkeeper: keeping page", "id", p.ID, "url", p.URL)

	if p.AutoRestore {
		go func() {
			resp := k.Restore(ctx)
			s.logger.Info("formkeeper: auto restore", "id", p.ID, "ok", resp.OK, "missing", resp.Missing, "reason", resp.Reason)
		}()
	}
	return nil
}

// ClosePage stops keeping a page after flushing its edits.
func (s *Service) ClosePage(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.close()
	s.logger.Info("formkeeper: stopped page", "id", id)
	return true
}

func (sess *session) close() {
	sess.keeper.Stop()
	if sess.release != nil {
		sess.release()
	}
}

// Sync applies a reloaded configuration: removed or changed pages are
// closed, new or changed pages opened. Store settings only take effect on
// restart; tracker and restore settings apply to pages opened from now on.
func (s *Service) Sync(ctx context.Context, cfg *Config) error {
	s.mu.Lock()
	s.cfg = cfg
	var stale []string
	want := make(map[string]PageConfig, len(cfg.Pages))
	for _, p := range cfg.Pages {
		want[p.ID] = p
	}
	for id, sess := range s.sessions {
		if p, ok := want[id]; !ok || p != sess.cfg {
			stale = append(stale, id)
		}
	}
	var fresh []PageConfig
	for _, p := range cfg.Pages {
		if sess, ok := s.sessions[p.ID]; !ok || sess.cfg != p {
			fresh = append(fresh, p)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.ClosePage(id)
	}
	var errs []error
	for _, p := range fresh {
		if err := s.OpenPage(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("formkeeper: config synced", "closed", len(stale), "opened", len(fresh)-len(errs))
	return errors.Join(errs...)
}

// Keeper returns the Keeper of a page.
func (s *Service) Keeper(id string) (*Keeper, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.keeper, true
}

// Handle routes msg to the Keeper of page id.
func (s *Service) Handle(ctx context.Context, id string, msg Message) (Response, error) {
	k, ok := s.Keeper(id)
	if !ok {
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownPage, id)
	}
	return k.Handle(ctx, msg)
}

// Pages lists kept pages by ID.
func (s *Service) Pages() []PageInfo {
	s.mu.Lock()
	out := make([]PageInfo, 0, len(s.sessions))
	for id, sess := range s.sessions {
		info := PageInfo{ID: id, URL: sess.cfg.URL}
		if pk, err := sess.keeper.Page(); err == nil {
			info.Key = pk
		}
		out = append(out, info)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b PageInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Saved lists the page records in the store, kept or not.
func (s *Service) Saved(ctx context.Context) ([]store.Summary, error) {
	return s.pages.List(ctx)
}

// History lists the latest restore attempts of a page, newest first. An
// empty id lists every page. It is empty when the journal is disabled.
func (s *Service) History(ctx context.Context, id string, limit int) ([]journal.Entry, error) {
	if s.journal == nil {
		return []journal.Entry{}, nil
	}
	return s.journal.History(ctx, id, limit)
}

// Stop closes every page, flushing staged edits, then closes the store.
func (s *Service) Stop() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for id, sess := range sessions {
		sess.close()
		s.logger.Info("formkeeper: stopped page", "id", id)
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.logger.Warn("formkeeper: close journal", "error", err)
		}
	}
	if err := s.gw.Close(); err != nil {
		s.logger.Warn("formkeeper: close store", "error", err)
	}
}
