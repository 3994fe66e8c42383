package tracker

import "time"

// debouncer owns the quiet-period timer of one tracker. Only the tracker
// loop touches it.
type debouncer struct {
	window  time.Duration
	timer   *time.Timer
	timerCh <-chan time.Time
}

func newDebouncer(window time.Duration) *debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &debouncer{window: window}
}

// touch (re)starts the window from now.
func (d *debouncer) touch() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.NewTimer(d.window)
	d.timerCh = d.timer.C
}

// timerC fires once the window has passed without a touch. It is nil while
// nothing is pending, which blocks forever in a select.
func (d *debouncer) timerC() <-chan time.Time {
	return d.timerCh
}

func (d *debouncer) stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.timerCh = nil
	}
}
