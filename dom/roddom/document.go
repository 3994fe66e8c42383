// CLAUDE:SUMMARY Live dom.Document over a Chrome page driven by go-rod: lookups by injected JS, edits and mutations streamed through CDP bindings.
// Package roddom implements dom.Document over a live Chrome page through
// go-rod. Lookups run as small JS functions in the page; input/change
// notifications and MutationObserver batches come back through
// Runtime.addBinding.
package roddom

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/formsafe/dom"
)

//go:embed bindings.js
var bindingsJS string

// Document is a live page.
type Document struct {
	page   *rod.Page
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	owned  bool

	events  hub[dom.Event]
	batches hub[dom.MutationBatch]
	inputs  chan inputPayload

	mu      sync.Mutex
	lastURL string
}

// Attach installs the bindings on page and starts listening. The page is
// not closed by Close unless it was opened through Browser.Open.
func Attach(ctx context.Context, page *rod.Page, logger *slog.Logger) (*Document, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dctx, cancel := context.WithCancel(ctx)
	d := &Document{
		page:    page,
		logger:  logger,
		ctx:     dctx,
		cancel:  cancel,
		events:  hub[dom.Event]{size: 256},
		batches: hub[dom.MutationBatch]{size: 16, lossy: true},
		inputs:  make(chan inputPayload, 1024),
	}

	for _, name := range []string{bindingInput, bindingMutation} {
		if err := (proto.RuntimeAddBinding{Name: name}).Call(page); err != nil {
			logger.Warn("roddom: addBinding failed (may already exist)", "name", name, "error", err)
		}
	}
	go d.listenBindings()
	go d.resolveInputs()

	if _, err := page.EvalOnNewDocument(bindingsJS); err != nil {
		cancel()
		return nil, fmt.Errorf("roddom: install script: %w", err)
	}
	if _, err := page.Eval("() => {" + bindingsJS + "}"); err != nil {
		cancel()
		return nil, fmt.Errorf("roddom: inject script: %w", err)
	}
	logger.Debug("roddom: attached", "url", d.URL())
	return d, nil
}

// Close stops listening and closes the page if this package opened it.
func (d *Document) Close() error {
	d.cancel()
	if d.owned {
		return d.page.Close()
	}
	return nil
}

// Page is the underlying rod page.
func (d *Document) Page() *rod.Page { return d.page }

// listenBindings receives calls from the page script.
func (d *Document) listenBindings() {
	d.page.Context(d.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		switch e.Name {
		case bindingInput:
			p, err := parseInput(e.Payload)
			if err != nil {
				d.logger.Warn("roddom: bad binding payload", "error", err)
				return
			}
			select {
			case d.inputs <- p:
			default:
				d.logger.Warn("roddom: input queue full, dropping event", "type", p.Type)
			}
		case bindingMutation:
			p, err := parseMutation(e.Payload)
			if err != nil {
				d.logger.Warn("roddom: bad binding payload", "error", err)
				return
			}
			d.batches.publish(dom.MutationBatch{Records: p.Records, At: msTime(p.At)})
		}
	})()
}

// resolveInputs turns target handles into elements off the event goroutine,
// since resolving is itself a CDP call.
func (d *Document) resolveInputs() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case p := <-d.inputs:
			els, err := d.page.Context(d.ctx).ElementsByJS(rod.Eval(`(id) => {
				const s = window.__formkeep;
				const el = s && s.targets.get(id);
				if (s) s.targets.delete(id);
				return el ? [el] : [];
			}`, p.Target))
			if err != nil || len(els) == 0 {
				d.logger.Debug("roddom: event target gone", "target", p.Target, "error", err)
				continue
			}
			d.events.publish(dom.Event{
				Type:    p.Type,
				Target:  d.wrap(els[0]),
				Trusted: p.Trusted,
				At:      msTime(p.At),
			})
		}
	}
}

func (d *Document) wrap(el *rod.Element) *Element {
	return &Element{doc: d, el: el}
}

// URL implements dom.Document. It is read from the target on each call so
// navigations are seen; the last known URL is kept if the read fails.
func (d *Document) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, err := d.page.Info()
	if err == nil && info.URL != "" {
		d.lastURL = info.URL
	}
	return d.lastURL
}

func (d *Document) query(js string, args ...any) ([]dom.Element, error) {
	els, err := d.page.Context(d.ctx).ElementsByJS(rod.Eval(js, args...))
	if err != nil {
		var evalErr *rod.EvalError
		if errors.As(err, &evalErr) {
			return nil, fmt.Errorf("%w: %v", dom.ErrSelector, err)
		}
		return nil, fmt.Errorf("roddom: query: %w", err)
	}
	out := make([]dom.Element, len(els))
	for i, el := range els {
		out[i] = d.wrap(el)
	}
	return out, nil
}

func (d *Document) queryOne(js string, args ...any) (dom.Element, error) {
	els, err := d.query(js, args...)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, dom.ErrNotFound
	}
	return els[0], nil
}

// ElementByID implements dom.Document.
func (d *Document) ElementByID(id string) (dom.Element, error) {
	return d.queryOne(`(id) => { const e = document.getElementById(id); return e ? [e] : []; }`, id)
}

// ElementsByName implements dom.Document.
func (d *Document) ElementsByName(tag, name string) ([]dom.Element, error) {
	return d.query(`(tag, name) => Array.from(document.getElementsByTagName(tag)).filter((e) => e.getAttribute('name') === name)`, tag, name)
}

// ElementByPath implements dom.Document. Paths starting at body are
// anchored at the root element.
func (d *Document) ElementByPath(p dom.Path) (dom.Element, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("%w: empty path", dom.ErrSelector)
	}
	sel := p.String()
	if p[0].Tag == "body" {
		sel = ":root>" + sel
	}
	return d.queryOne(`(sel) => { const e = document.querySelector(sel); return e ? [e] : []; }`, sel)
}

// LabelFor implements dom.Document.
func (d *Document) LabelFor(id string) (dom.Element, error) {
	return d.queryOne(`(id) => { const l = Array.from(document.getElementsByTagName('label')).find((e) => e.htmlFor === id); return l ? [l] : []; }`, id)
}

// Controls implements dom.Document.
func (d *Document) Controls() ([]dom.Element, error) {
	return d.query(`() => Array.from(document.querySelectorAll('input,select,textarea'))`)
}

// Events implements dom.Document.
func (d *Document) Events(ctx context.Context) (<-chan dom.Event, error) {
	return d.events.subscribe(ctx), nil
}

// Observe implements dom.Document.
func (d *Document) Observe(ctx context.Context) (<-chan dom.MutationBatch, error) {
	return d.batches.subscribe(ctx), nil
}

// HTML serialises the current document.
func (d *Document) HTML() (string, error) {
	res, err := d.page.Context(d.ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("roddom: get DOM: %w", err)
	}
	return res.Value.Str(), nil
}
