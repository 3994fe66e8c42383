// Package field is the identity and matching core of formsafe: which
// elements are tracked, how a field is named so it can be found again after
// a reload, how it is described for fuzzy re-matching, and how its value is
// read and written.
//
// The types here are also the persisted contract: PageRecord is what the
// store holds for one page.
package field

import (
	"strings"

	"github.com/hazyhaar/formsafe/dom"
)

// nonDataInputs are input types that carry no user-entered state.
var nonDataInputs = map[string]bool{
	"submit": true,
	"button": true,
	"image":  true,
	"reset":  true,
	"file":   true,
}

// Classifier decides which elements are tracked. The zero value applies the
// default rules.
type Classifier struct {
	// Exclude lists further input types to ignore (e.g. "password").
	Exclude []string
}

// IsTrackable applies the default rules.
func IsTrackable(el dom.Element) bool {
	return Classifier{}.IsTrackable(el)
}

// IsTrackable reports whether el is an enabled text-like input, checkbox,
// radio, textarea or select.
func (c Classifier) IsTrackable(el dom.Element) bool {
	if el == nil || el.Disabled() {
		return false
	}
	switch el.TagName() {
	case "textarea", "select":
		return true
	case "input":
		t := InputType(el)
		if nonDataInputs[t] {
			return false
		}
		for _, x := range c.Exclude {
			if strings.EqualFold(x, t) {
				return false
			}
		}
		return true
	}
	return false
}

// InputType is the lowercased type attribute of an input, "text" when absent.
func InputType(el dom.Element) string {
	t, _ := el.Attr("type")
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return "text"
	}
	return t
}

// Subtype is the control subtype stored in records: the input type for
// inputs, "select-one"/"select-multiple" for selects, "textarea" otherwise.
func Subtype(el dom.Element) string {
	switch el.TagName() {
	case "input":
		return InputType(el)
	case "select":
		if _, ok := el.Attr("multiple"); ok {
			return "select-multiple"
		}
		return "select-one"
	}
	return el.TagName()
}
