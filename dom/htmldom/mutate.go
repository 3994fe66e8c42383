package htmldom

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/formsafe/dom"
)

// Mutate runs fn on the tree under the document lock, then notifies
// Observe subscribers with one batch.
func (d *Document) Mutate(fn func(root *html.Node)) {
	d.mu.Lock()
	fn(d.root)
	d.mu.Unlock()
	d.publishBatch(1)
}

// AppendHTML parses fragment in the context of parent and appends the
// resulting nodes to it, as a late-rendering framework would.
func (d *Document) AppendHTML(parent dom.Element, fragment string) error {
	pe, ok := parent.(*Element)
	if !ok || pe.doc != d {
		return fmt.Errorf("htmldom: append: foreign element")
	}

	nodes, err := html.ParseFragment(strings.NewReader(fragment), pe.node)
	if err != nil {
		return fmt.Errorf("htmldom: append: %w", err)
	}
	d.Mutate(func(*html.Node) {
		for _, n := range nodes {
			pe.node.AppendChild(n)
		}
	})
	return nil
}

// Body returns the body element.
func (d *Document) Body() dom.Element {
	el, err := d.queryOne("/html/body")
	if err != nil {
		return nil
	}
	return el
}

// SetAttr changes an attribute and notifies observers.
func (d *Document) SetAttr(el dom.Element, name, val string) {
	e := el.(*Element)
	d.Mutate(func(*html.Node) { setAttr(e.node, name, val) })
}

// RemoveAttr removes an attribute and notifies observers.
func (d *Document) RemoveAttr(el dom.Element, name string) {
	e := el.(*Element)
	d.Mutate(func(*html.Node) { removeAttr(e.node, name) })
}

// Remove detaches el from the tree and notifies observers.
func (d *Document) Remove(el dom.Element) {
	e := el.(*Element)
	d.Mutate(func(*html.Node) {
		if e.node.Parent != nil {
			e.node.Parent.RemoveChild(e.node)
		}
	})
}

// The helpers below stand in for a user at the keyboard: they change state
// and publish trusted events.

// Type replaces the value of a text-like control and fires input.
func (d *Document) Type(el dom.Element, text string) {
	el.SetValue(text)
	d.publishEvent(dom.Event{Type: "input", Target: el, Trusted: true, At: time.Now()})
}

// Click toggles a checkbox or checks a radio and fires change.
func (d *Document) Click(el dom.Element) {
	if t, _ := el.Attr("type"); strings.EqualFold(t, "radio") {
		el.SetChecked(true)
	} else {
		el.SetChecked(!el.Checked())
	}
	d.publishEvent(dom.Event{Type: "change", Target: el, Trusted: true, At: time.Now()})
}

// Choose selects the option at index (toggles it on a multi select) and
// fires change.
func (d *Document) Choose(el dom.Element, index int) {
	opts := el.Options()
	if index >= 0 && index < len(opts) {
		_, multiple := el.Attr("multiple")
		el.SetSelected(index, !multiple || !opts[index].Selected)
	}
	d.publishEvent(dom.Event{Type: "change", Target: el, Trusted: true, At: time.Now()})
}
