package roddom

import (
	"encoding/json"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/formsafe/dom"
)

// Element is a live element. Accessors that fail (detached node, closed
// page) return zero values.
type Element struct {
	doc *Document
	el  *rod.Element
}

// Rod is the underlying rod element.
func (e *Element) Rod() *rod.Element { return e.el }

func (e *Element) eval(js string, args ...any) (string, bool) {
	res, err := e.el.Eval(js, args...)
	if err != nil {
		return "", false
	}
	return res.Value.Str(), true
}

func (e *Element) flag(js string, args ...any) bool {
	res, err := e.el.Eval(js, args...)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}

func (e *Element) TagName() string {
	s, _ := e.eval(`() => this.tagName.toLowerCase()`)
	return s
}

func (e *Element) Attr(name string) (string, bool) {
	s, ok := e.eval(`(n) => JSON.stringify(this.hasAttribute(n) ? [true, this.getAttribute(n)] : [false, ""])`, name)
	if !ok {
		return "", false
	}
	var pair [2]any
	if json.Unmarshal([]byte(s), &pair) != nil {
		return "", false
	}
	present, _ := pair[0].(bool)
	v, _ := pair[1].(string)
	return v, present
}

func (e *Element) Parent() dom.Element {
	p, err := e.el.Parent()
	if err != nil || p == nil {
		return nil
	}
	return e.doc.wrap(p)
}

func (e *Element) TypeIndex() int {
	res, err := e.el.Eval(`() => {
		let n = 1;
		for (let s = this.previousElementSibling; s; s = s.previousElementSibling) {
			if (s.tagName === this.tagName) n++;
		}
		return n;
	}`)
	if err != nil {
		return 0
	}
	return res.Value.Int()
}

func (e *Element) Text() string {
	s, _ := e.eval(`() => this.textContent || ""`)
	return s
}

func (e *Element) Value() string {
	s, _ := e.eval(`() => this.value == null ? "" : String(this.value)`)
	return s
}

func (e *Element) SetValue(v string) {
	e.el.Eval(`(v) => { this.value = v; }`, v)
}

func (e *Element) Checked() bool {
	return e.flag(`() => !!this.checked`)
}

func (e *Element) SetChecked(checked bool) {
	e.el.Eval(`(c) => { this.checked = c; }`, checked)
}

func (e *Element) Disabled() bool {
	return e.flag(`() => this.matches(':disabled')`)
}

func (e *Element) Options() []dom.Option {
	s, ok := e.eval(`() => JSON.stringify(this.options ? Array.from(this.options).map((o) => ({ value: o.value, selected: o.selected })) : [])`)
	if !ok {
		return nil
	}
	var raw []struct {
		Value    string `json:"value"`
		Selected bool   `json:"selected"`
	}
	if json.Unmarshal([]byte(s), &raw) != nil {
		return nil
	}
	out := make([]dom.Option, len(raw))
	for i, o := range raw {
		out[i] = dom.Option{Value: o.Value, Selected: o.Selected}
	}
	return out
}

func (e *Element) SetSelected(index int, selected bool) {
	e.el.Eval(`(i, s) => { if (this.options && this.options[i]) this.options[i].selected = s; }`, index, selected)
}

// Dispatch fires a synthetic bubbling event. Its isTrusted is false, so
// the page script reports it as untrusted.
func (e *Element) Dispatch(eventType string) error {
	connected := e.flag(`(t) => {
		if (!this.isConnected) return false;
		this.dispatchEvent(new Event(t, { bubbles: true }));
		return true;
	}`, eventType)
	if !connected {
		return dom.ErrDetached
	}
	return nil
}
