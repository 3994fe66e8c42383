package field

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/hazyhaar/formsafe/dom"
)

// Value is the typed state of a control: Checkbox, Radio, Text, Select or
// MultiSelect.
type Value interface {
	kind() string
}

// Checkbox is the state of a checkbox.
type Checkbox struct {
	Checked bool
}

// Radio is the state of one radio. Value is the radio's value attribute so
// radios sharing a name stay distinguishable.
type Radio struct {
	Checked bool
	Value   string
}

// Text is the value of a text-like input or textarea.
type Text struct {
	Text string
}

// Select is the selected option of a single select. Index is -1 when
// nothing is selected.
type Select struct {
	Index int
	Value string
}

// MultiSelect lists the selected options of a multi select.
type MultiSelect struct {
	Indexes []int
	Values  []string
}

func (Checkbox) kind() string    { return "checkbox" }
func (Radio) kind() string       { return "radio" }
func (Text) kind() string        { return "text" }
func (Select) kind() string      { return "select" }
func (MultiSelect) kind() string { return "multi_select" }

// ReadValue reads the state of a control.
func ReadValue(el dom.Element) Value {
	switch el.TagName() {
	case "select":
		opts := el.Options()
		if Subtype(el) == "select-multiple" {
			mv := MultiSelect{Indexes: []int{}, Values: []string{}}
			for i, o := range opts {
				if o.Selected {
					mv.Indexes = append(mv.Indexes, i)
					mv.Values = append(mv.Values, o.Value)
				}
			}
			return mv
		}
		for i, o := range opts {
			if o.Selected {
				return Select{Index: i, Value: o.Value}
			}
		}
		return Select{Index: -1}
	case "input":
		switch InputType(el) {
		case "checkbox":
			return Checkbox{Checked: el.Checked()}
		case "radio":
			return Radio{Checked: el.Checked(), Value: el.Value()}
		}
	}
	return Text{Text: el.Value()}
}

// WriteValue applies v to el and reports whether anything was written. A
// value whose shape does not fit el is ignored. Event dispatch is left to
// the caller.
func WriteValue(el dom.Element, v Value) bool {
	sub := Subtype(el)
	switch v := v.(type) {
	case Checkbox:
		if sub != "checkbox" {
			return false
		}
		if el.Checked() != v.Checked {
			el.SetChecked(v.Checked)
		}
		return true
	case Radio:
		if sub != "radio" {
			return false
		}
		if el.Checked() != v.Checked {
			el.SetChecked(v.Checked)
		}
		return true
	case Text:
		if sub == "checkbox" || sub == "radio" || el.TagName() == "select" {
			return false
		}
		if el.Value() != v.Text {
			el.SetValue(v.Text)
		}
		return true
	case Select:
		if sub != "select-one" {
			return false
		}
		opts := el.Options()
		idx := resolveIndex(opts, v.Index, v.Value)
		if idx < 0 {
			return false
		}
		if !opts[idx].Selected {
			el.SetSelected(idx, true)
		}
		return true
	case MultiSelect:
		if sub != "select-multiple" {
			return false
		}
		opts := el.Options()
		want := multiTargets(opts, v)
		for i, o := range opts {
			if o.Selected != want[i] {
				el.SetSelected(i, want[i])
			}
		}
		return true
	}
	return false
}

// resolveIndex keeps the stored index when its option still carries the
// stored value, else picks the first option with that value, else the bare
// index when in range.
func resolveIndex(opts []dom.Option, index int, value string) int {
	if index >= 0 && index < len(opts) && opts[index].Value == value {
		return index
	}
	for i, o := range opts {
		if o.Value == value {
			return i
		}
	}
	if index >= 0 && index < len(opts) {
		return index
	}
	return -1
}

func multiTargets(opts []dom.Option, v MultiSelect) []bool {
	want := make([]bool, len(opts))
	exact := len(v.Indexes) == len(v.Values)
	for k, i := range v.Indexes {
		if !exact || i < 0 || i >= len(opts) || opts[i].Value != v.Values[k] {
			exact = false
			break
		}
	}
	if exact {
		for _, i := range v.Indexes {
			want[i] = true
		}
		return want
	}
	for i, o := range opts {
		want[i] = slices.Contains(v.Values, o.Value)
	}
	return want
}

type valueJSON struct {
	Kind    string   `json:"kind"`
	Checked *bool    `json:"checked,omitempty"`
	Value   *string  `json:"value,omitempty"`
	Text    *string  `json:"text,omitempty"`
	Index   *int     `json:"index,omitempty"`
	Indexes []int    `json:"indexes,omitempty"`
	Values  []string `json:"values,omitempty"`
}

// MarshalValue encodes v as a discriminated JSON object.
func MarshalValue(v Value) ([]byte, error) {
	switch v := v.(type) {
	case Checkbox:
		return json.Marshal(valueJSON{Kind: v.kind(), Checked: &v.Checked})
	case Radio:
		return json.Marshal(valueJSON{Kind: v.kind(), Checked: &v.Checked, Value: &v.Value})
	case Text:
		return json.Marshal(valueJSON{Kind: v.kind(), Text: &v.Text})
	case Select:
		return json.Marshal(valueJSON{Kind: v.kind(), Index: &v.Index, Value: &v.Value})
	case MultiSelect:
		return json.Marshal(valueJSON{Kind: v.kind(), Indexes: v.Indexes, Values: v.Values})
	}
	return nil, fmt.Errorf("field: marshal value: unknown type %T", v)
}

// UnmarshalValue decodes the output of MarshalValue.
func UnmarshalValue(data []byte) (Value, error) {
	var raw valueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("field: unmarshal value: %w", err)
	}
	switch raw.Kind {
	case "checkbox":
		return Checkbox{Checked: deref(raw.Checked)}, nil
	case "radio":
		return Radio{Checked: deref(raw.Checked), Value: deref(raw.Value)}, nil
	case "text":
		return Text{Text: deref(raw.Text)}, nil
	case "select":
		idx := -1
		if raw.Index != nil {
			idx = *raw.Index
		}
		return Select{Index: idx, Value: deref(raw.Value)}, nil
	case "multi_select":
		mv := MultiSelect{Indexes: raw.Indexes, Values: raw.Values}
		if mv.Indexes == nil {
			mv.Indexes = []int{}
		}
		if mv.Values == nil {
			mv.Values = []string{}
		}
		return mv, nil
	}
	return nil, fmt.Errorf("field: unmarshal value: unknown kind %q", raw.Kind)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
