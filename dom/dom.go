// Package dom defines the document capability formsafe works against.
//
// The field engine never touches a concrete DOM. It reads and writes through
// Document and Element, so the same code runs against a live Chrome page
// (dom/roddom) or an in-memory HTML tree (dom/htmldom).
package dom

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that matched no element.
var ErrNotFound = errors.New("dom: element not found")

// ErrSelector is returned when a lookup expression cannot be evaluated
// (malformed id, unsupported selector). Callers treat it as a miss.
var ErrSelector = errors.New("dom: invalid selector")

// ErrDetached is returned by Dispatch when the element left the document.
var ErrDetached = errors.New("dom: element detached")

// Element is one element node. Accessors never fail: a backend that cannot
// answer returns the zero value.
type Element interface {
	// TagName is the lowercase tag name ("input", "select").
	TagName() string
	// Attr returns an attribute value and whether it is present.
	Attr(name string) (string, bool)
	// Parent is the parent element, or nil at the root or when detached.
	Parent() Element
	// TypeIndex is the 1-based position among siblings sharing the tag.
	TypeIndex() int
	// Text is the element's text content.
	Text() string

	Value() string
	SetValue(v string)
	Checked() bool
	SetChecked(checked bool)
	Disabled() bool

	// Options lists a select's options in document order.
	Options() []Option
	// SetSelected marks the option at index as selected or not. On a single
	// select, selecting one option deselects the others.
	SetSelected(index int, selected bool)

	// Dispatch fires a synthetic (untrusted) bubbling event of the given type.
	Dispatch(eventType string) error
}

// Option is a select option.
type Option struct {
	Value    string
	Selected bool
}

// Document is one loaded page.
type Document interface {
	// URL is the current document URL.
	URL() string

	ElementByID(id string) (Element, error)
	// ElementsByName returns every element with the given tag and name
	// attribute, in document order.
	ElementsByName(tag, name string) ([]Element, error)
	ElementByPath(p Path) (Element, error)
	// LabelFor returns the first <label for=id>.
	LabelFor(id string) (Element, error)
	// Controls returns every input, select and textarea in document order.
	Controls() ([]Element, error)

	// Events streams input/change notifications until ctx is done.
	Events(ctx context.Context) (<-chan Event, error)
	// Observe streams one MutationBatch per observed subtree mutation batch
	// until ctx is done.
	Observe(ctx context.Context) (<-chan MutationBatch, error)
}

// Event is an input or change notification bubbling from a control.
type Event struct {
	Type    string // "input" | "change"
	Target  Element
	Trusted bool // false for script-dispatched events
	At      time.Time
}

// MutationBatch signals that the document changed.
type MutationBatch struct {
	Records int
	At      time.Time
}
