package field

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/hazyhaar/formsafe/dom"
)

// maxLabelRunes bounds stored label text.
const maxLabelRunes = 160

// testIDAttrs are checked in order; the first non-empty one wins.
var testIDAttrs = []string{"data-testid", "data-test-id", "data-test", "data-qa", "data-cy"}

// Fingerprint describes a field semantically. It is only used to find the
// field again when its identity no longer resolves.
type Fingerprint struct {
	Tag            string `json:"tag"`
	Subtype        string `json:"subtype"`
	Name           string `json:"name,omitempty"`
	Autocomplete   string `json:"autocomplete,omitempty"`
	Placeholder    string `json:"placeholder,omitempty"`
	AriaLabel      string `json:"aria_label,omitempty"`
	AriaLabelledBy string `json:"aria_labelledby,omitempty"` // resolved text
	Label          string `json:"label,omitempty"`           // normalized
	TestID         string `json:"test_id,omitempty"`
	FormAction     string `json:"form_action,omitempty"`
}

// BuildFingerprint describes el. Lookup failures leave the affected field
// empty.
func BuildFingerprint(doc dom.Document, el dom.Element) Fingerprint {
	fp := Fingerprint{
		Tag:          el.TagName(),
		Subtype:      Subtype(el),
		Name:         attr(el, "name"),
		Autocomplete: attr(el, "autocomplete"),
		Placeholder:  attr(el, "placeholder"),
		AriaLabel:    attr(el, "aria-label"),
	}
	for _, a := range testIDAttrs {
		if v := attr(el, a); v != "" {
			fp.TestID = v
			break
		}
	}
	fp.AriaLabelledBy = NormalizeLabel(labelledByText(doc, el))
	fp.Label = NormalizeLabel(labelText(doc, el))
	fp.FormAction = formAction(doc, el)
	return fp
}

// NormalizeLabel trims, lowercases, collapses whitespace and caps the length.
func NormalizeLabel(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	if utf8.RuneCountInString(s) <= maxLabelRunes {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:maxLabelRunes]))
}

// labelText resolves <label for=id>, then the enclosing <label>, then
// aria-labelledby.
func labelText(doc dom.Document, el dom.Element) string {
	if id := attr(el, "id"); id != "" {
		if lbl, err := doc.LabelFor(id); err == nil && lbl != nil {
			if t := strings.TrimSpace(lbl.Text()); t != "" {
				return t
			}
		}
	}
	for p := el.Parent(); p != nil; p = p.Parent() {
		if p.TagName() == "label" {
			if t := strings.TrimSpace(p.Text()); t != "" {
				return t
			}
			break
		}
	}
	return labelledByText(doc, el)
}

func labelledByText(doc dom.Document, el dom.Element) string {
	ids := strings.Fields(attr(el, "aria-labelledby"))
	var parts []string
	for _, id := range ids {
		ref, err := doc.ElementByID(id)
		if err != nil || ref == nil {
			continue
		}
		if t := strings.TrimSpace(ref.Text()); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// formAction is the owning form's action attribute, or the page path when
// there is no form or it has no action.
func formAction(doc dom.Document, el dom.Element) string {
	for p := el.Parent(); p != nil; p = p.Parent() {
		if p.TagName() == "form" {
			if a := attr(p, "action"); a != "" {
				return a
			}
			break
		}
	}
	u, err := url.Parse(doc.URL())
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func attr(el dom.Element, name string) string {
	v, _ := el.Attr(name)
	return strings.TrimSpace(v)
}

// Signal weights. Name and test id are near-unique; tag and subtype only
// narrow the candidate set.
const (
	weightTag          = 3
	weightSubtype      = 3
	weightForm         = 2
	weightName         = 10
	weightTestID       = 12
	weightPlaceholder  = 5
	weightAutocomplete = 3
	weightAriaLabel    = 6
	weightLabel        = 10
)

// MatchThreshold is the minimum score at which a candidate is accepted.
const MatchThreshold = 12

// Score rates how well a live fingerprint matches a stored one. The score
// is additive and uncapped; string signals count only when the stored
// value is non-empty.
func Score(stored, live Fingerprint) int {
	s := 0
	if stored.Tag != "" && stored.Tag == live.Tag {
		s += weightTag
	}
	if stored.Subtype != "" && stored.Subtype == live.Subtype {
		s += weightSubtype
	}
	if stored.FormAction != "" && stored.FormAction == live.FormAction {
		s += weightForm
	}
	s += match(stored.Name, live.Name, weightName)
	s += match(stored.TestID, live.TestID, weightTestID)
	s += match(stored.Placeholder, live.Placeholder, weightPlaceholder)
	s += match(stored.Autocomplete, live.Autocomplete, weightAutocomplete)
	s += match(stored.AriaLabel, live.AriaLabel, weightAriaLabel)
	s += match(stored.Label, live.Label, weightLabel)
	return s
}

func match(stored, live string, w int) int {
	if stored != "" && stored == live {
		return w
	}
	return 0
}
