package tracker

import (
	"time"

	"github.com/hazyhaar/formsafe/dom"
)

func eventOf(el dom.Element, typ string, trusted bool) dom.Event {
	return dom.Event{Type: typ, Target: el, Trusted: trusted, At: time.Now()}
}

// typeEvent sets the value directly and returns the matching user event
// without publishing it to document subscribers.
func typeEvent(el dom.Element, text string) dom.Event {
	el.SetValue(text)
	return eventOf(el, "input", true)
}

func clickEvent(el dom.Element) dom.Event {
	el.SetChecked(true)
	return eventOf(el, "change", true)
}
