// CLAUDE:SUMMARY In-memory dom.Document over golang.org/x/net/html with htmlquery lookups and channel subscriptions.
// Package htmldom implements dom.Document over a parsed HTML tree.
//
// Control state lives in the markup itself: an input's value is its value
// attribute, checked and selected are the boolean attributes, a textarea's
// value is its text. Rendering the tree therefore yields the restored form.
// The document is safe for concurrent use.
package htmldom

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/hazyhaar/formsafe/dom"
)

// Document is an in-memory page.
type Document struct {
	mu    sync.Mutex
	root  *html.Node
	url   string
	elems map[*html.Node]*Element

	subMu   sync.Mutex
	events  []*subscription[dom.Event]
	batches []*subscription[dom.MutationBatch]
}

type subscription[T any] struct {
	ch   chan T
	done <-chan struct{}
}

// Parse reads an HTML document loaded from pageURL.
func Parse(r io.Reader, pageURL string) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("htmldom: parse: %w", err)
	}
	return &Document{root: root, url: pageURL, elems: make(map[*html.Node]*Element)}, nil
}

// ParseString is Parse over a string.
func ParseString(src, pageURL string) (*Document, error) {
	return Parse(strings.NewReader(src), pageURL)
}

// URL implements dom.Document.
func (d *Document) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

// Navigate changes the document URL without touching the tree, the way a
// single-page app pushes history state.
func (d *Document) Navigate(pageURL string) {
	d.mu.Lock()
	d.url = pageURL
	d.mu.Unlock()
}

// Render serialises the current tree.
func (d *Document) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return html.Render(w, d.root)
}

// String renders the tree, for tests and debugging.
func (d *Document) String() string {
	var buf bytes.Buffer
	_ = d.Render(&buf)
	return buf.String()
}

// ElementByID implements dom.Document.
func (d *Document) ElementByID(id string) (dom.Element, error) {
	lit, err := xpathLiteral(id)
	if err != nil {
		return nil, err
	}
	return d.queryOne("//*[@id=" + lit + "]")
}

// ElementsByName implements dom.Document.
func (d *Document) ElementsByName(tag, name string) ([]dom.Element, error) {
	tag = strings.ToLower(tag)
	if !validTag(tag) {
		return nil, fmt.Errorf("%w: tag %q", dom.ErrSelector, tag)
	}
	lit, err := xpathLiteral(name)
	if err != nil {
		return nil, err
	}
	return d.queryAll("//" + tag + "[@name=" + lit + "]")
}

// ElementByPath implements dom.Document.
func (d *Document) ElementByPath(p dom.Path) (dom.Element, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("%w: empty path", dom.ErrSelector)
	}
	for _, s := range p {
		if !validTag(s.Tag) || s.Index < 1 {
			return nil, fmt.Errorf("%w: step %+v", dom.ErrSelector, s)
		}
	}
	return d.queryOne(p.XPath())
}

// LabelFor implements dom.Document.
func (d *Document) LabelFor(id string) (dom.Element, error) {
	lit, err := xpathLiteral(id)
	if err != nil {
		return nil, err
	}
	return d.queryOne("//label[@for=" + lit + "]")
}

// Controls implements dom.Document.
func (d *Document) Controls() ([]dom.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []dom.Element
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "input", "select", "textarea":
				out = append(out, d.wrapLocked(n))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(d.root)
	return out, nil
}

func (d *Document) queryOne(expr string) (dom.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := htmlquery.Query(d.root, expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", dom.ErrSelector, expr, err)
	}
	if n == nil {
		return nil, dom.ErrNotFound
	}
	return d.wrapLocked(n), nil
}

func (d *Document) queryAll(expr string) ([]dom.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	nodes, err := htmlquery.QueryAll(d.root, expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", dom.ErrSelector, expr, err)
	}
	out := make([]dom.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, d.wrapLocked(n))
	}
	return out, nil
}

// wrapLocked returns the unique wrapper for n. Caller holds d.mu.
func (d *Document) wrapLocked(n *html.Node) *Element {
	if e, ok := d.elems[n]; ok {
		return e
	}
	e := &Element{doc: d, node: n}
	d.elems[n] = e
	return e
}

// Events implements dom.Document.
func (d *Document) Events(ctx context.Context) (<-chan dom.Event, error) {
	sub := &subscription[dom.Event]{ch: make(chan dom.Event, 256), done: ctx.Done()}
	d.subMu.Lock()
	d.events = append(d.events, sub)
	d.subMu.Unlock()

	go func() {
		<-ctx.Done()
		d.subMu.Lock()
		d.events = removeSub(d.events, sub)
		close(sub.ch)
		d.subMu.Unlock()
	}()
	return sub.ch, nil
}

// Observe implements dom.Document.
func (d *Document) Observe(ctx context.Context) (<-chan dom.MutationBatch, error) {
	sub := &subscription[dom.MutationBatch]{ch: make(chan dom.MutationBatch, 16), done: ctx.Done()}
	d.subMu.Lock()
	d.batches = append(d.batches, sub)
	d.subMu.Unlock()

	go func() {
		<-ctx.Done()
		d.subMu.Lock()
		d.batches = removeSub(d.batches, sub)
		close(sub.ch)
		d.subMu.Unlock()
	}()
	return sub.ch, nil
}

func removeSub[T any](subs []*subscription[T], target *subscription[T]) []*subscription[T] {
	for i, s := range subs {
		if s == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

func (d *Document) publishEvent(ev dom.Event) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, s := range d.events {
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}

// publishBatch never blocks: a full buffer already holds a pending signal.
func (d *Document) publishBatch(records int) {
	b := dom.MutationBatch{Records: records, At: time.Now()}
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, s := range d.batches {
		select {
		case s.ch <- b:
		default:
		}
	}
}

// xpathLiteral quotes s for use in an XPath predicate. XPath 1.0 has no
// escape sequence, so a value holding both quote kinds cannot be expressed.
func xpathLiteral(s string) (string, error) {
	switch {
	case !strings.Contains(s, "'"):
		return "'" + s + "'", nil
	case !strings.Contains(s, `"`):
		return `"` + s + `"`, nil
	default:
		return "", fmt.Errorf("%w: unquotable value %q", dom.ErrSelector, s)
	}
}

func validTag(tag string) bool {
	if tag == "" {
		return false
	}
	for _, r := range tag {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			return false
		}
	}
	return true
}
