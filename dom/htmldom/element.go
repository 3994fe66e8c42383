package htmldom

import (
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/formsafe/dom"
)

// Element wraps one element node of a Document.
type Element struct {
	doc  *Document
	node *html.Node
}

var _ dom.Element = (*Element)(nil)

// Node exposes the underlying node. Callers must not mutate it outside
// Document.Mutate.
func (e *Element) Node() *html.Node { return e.node }

func (e *Element) TagName() string {
	return e.node.Data
}

func (e *Element) Attr(name string) (string, bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return getAttr(e.node, name)
}

func (e *Element) Parent() dom.Element {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	p := e.node.Parent
	if p == nil || p.Type != html.ElementNode {
		return nil
	}
	return e.doc.wrapLocked(p)
}

func (e *Element) TypeIndex() int {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	idx := 1
	for s := e.node.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && s.Data == e.node.Data {
			idx++
		}
	}
	return idx
}

func (e *Element) Text() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return textContent(e.node)
}

func (e *Element) Value() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	switch e.node.Data {
	case "textarea":
		return textContent(e.node)
	case "select":
		for _, o := range selectOptions(e.node) {
			if o.Selected {
				return o.Value
			}
		}
		return ""
	}
	v, ok := getAttr(e.node, "value")
	if !ok && isCheckable(e.node) {
		return "on"
	}
	return v
}

func (e *Element) SetValue(v string) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	switch e.node.Data {
	case "textarea":
		for c := e.node.FirstChild; c != nil; {
			next := c.NextSibling
			e.node.RemoveChild(c)
			c = next
		}
		e.node.AppendChild(&html.Node{Type: html.TextNode, Data: v})
	case "select":
		nodes := optionNodes(e.node)
		for i, o := range selectOptions(e.node) {
			if o.Value == v {
				selectLocked(e.node, nodes, i, true)
				return
			}
		}
	default:
		setAttr(e.node, "value", v)
	}
}

func (e *Element) Checked() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	_, ok := getAttr(e.node, "checked")
	return ok
}

// SetChecked checks or unchecks the element. Checking a radio unchecks the
// other radios of its group, as a browser does.
func (e *Element) SetChecked(checked bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()

	if !checked {
		removeAttr(e.node, "checked")
		return
	}
	setAttr(e.node, "checked", "")
	if t, _ := getAttr(e.node, "type"); strings.EqualFold(t, "radio") {
		name, _ := getAttr(e.node, "name")
		if name == "" {
			return
		}
		scope := closest(e.node, "form")
		if scope == nil {
			scope = e.doc.root
		}
		walk(scope, func(n *html.Node) {
			if n == e.node || n.Data != "input" {
				return
			}
			nt, _ := getAttr(n, "type")
			nn, _ := getAttr(n, "name")
			if strings.EqualFold(nt, "radio") && nn == name {
				removeAttr(n, "checked")
			}
		})
	}
}

// Disabled reports the disabled attribute on the element or on an
// enclosing fieldset.
func (e *Element) Disabled() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if _, ok := getAttr(e.node, "disabled"); ok {
		return true
	}
	for p := e.node.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "fieldset" {
			if _, ok := getAttr(p, "disabled"); ok {
				return true
			}
		}
	}
	return false
}

func (e *Element) Options() []dom.Option {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if e.node.Data != "select" {
		return nil
	}
	return selectOptions(e.node)
}

func (e *Element) SetSelected(index int, selected bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if e.node.Data != "select" {
		return
	}
	selectLocked(e.node, optionNodes(e.node), index, selected)
}

// Dispatch publishes an untrusted event to Events subscribers.
func (e *Element) Dispatch(eventType string) error {
	e.doc.mu.Lock()
	attached := isAttached(e.doc.root, e.node)
	e.doc.mu.Unlock()
	if !attached {
		return dom.ErrDetached
	}
	e.doc.publishEvent(dom.Event{Type: eventType, Target: e, Trusted: false, At: time.Now()})
	return nil
}

func selectLocked(sel *html.Node, nodes []*html.Node, index int, selected bool) {
	if index < 0 || index >= len(nodes) {
		return
	}
	_, multiple := getAttr(sel, "multiple")
	if selected && !multiple {
		for _, n := range nodes {
			removeAttr(n, "selected")
		}
	}
	if selected {
		setAttr(nodes[index], "selected", "")
	} else {
		removeAttr(nodes[index], "selected")
	}
}

func optionNodes(sel *html.Node) []*html.Node {
	var out []*html.Node
	walk(sel, func(n *html.Node) {
		if n.Data == "option" {
			out = append(out, n)
		}
	})
	return out
}

// selectOptions reports options the way the browser sees them: a single
// select with nothing marked selected shows its first option.
func selectOptions(sel *html.Node) []dom.Option {
	nodes := optionNodes(sel)
	out := make([]dom.Option, len(nodes))
	marked := false
	for i, n := range nodes {
		v, ok := getAttr(n, "value")
		if !ok {
			v = strings.TrimSpace(textContent(n))
		}
		_, s := getAttr(n, "selected")
		out[i] = dom.Option{Value: v, Selected: s}
		marked = marked || s
	}
	if _, multiple := getAttr(sel, "multiple"); !multiple && !marked && len(out) > 0 {
		out[0].Selected = true
	}
	return out
}

func isCheckable(n *html.Node) bool {
	if n.Data != "input" {
		return false
	}
	t, _ := getAttr(n, "type")
	t = strings.ToLower(t)
	return t == "checkbox" || t == "radio"
}

func getAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, name, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: val})
}

func removeAttr(n *html.Node, name string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return sb.String()
}

// walk visits element descendants of n (not n itself) in document order.
func walk(n *html.Node, fn func(*html.Node)) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			fn(c)
		}
		walk(c, fn)
	}
}

func closest(n *html.Node, tag string) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == tag {
			return p
		}
	}
	return nil
}

func isAttached(root, n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == root {
			return true
		}
	}
	return false
}
