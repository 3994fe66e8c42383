package tracker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/formsafe/dom/htmldom"
	"github.com/hazyhaar/formsafe/field"
	"github.com/hazyhaar/formsafe/formkeeper/internal/store"
)

const form = `<html><body><form>
<input id="email" type="email">
<input type="radio" name="plan" value="basic"><input type="radio" name="plan" value="pro">
<input type="submit" id="go">
<input id="pw" type="password">
</form></body></html>`

const pageURL = "https://example.com/signup#step2"
const pageKey = field.PageKey("https://example.com/signup")

type flakyGateway struct {
	store.Gateway
	fail  atomic.Bool
	sets  atomic.Int32
	onSet func()
}

func (g *flakyGateway) Set(ctx context.Context, key string, value []byte) error {
	g.sets.Add(1)
	if g.onSet != nil {
		g.onSet()
	}
	if g.fail.Load() {
		return errors.New("quota exceeded")
	}
	return g.Gateway.Set(ctx, key, value)
}

type fixture struct {
	doc   *htmldom.Document
	gw    *flakyGateway
	pages *store.Pages
	tr    *Tracker
	guard *atomic.Bool
}

func newFixture(t *testing.T, debounce time.Duration) *fixture {
	t.Helper()
	doc, err := htmldom.ParseString(form, pageURL)
	if err != nil {
		t.Fatal(err)
	}
	gw := &flakyGateway{Gateway: store.NewMemory(0)}
	pages := store.NewPages(gw, "", nil)
	guard := new(atomic.Bool)
	tr := New(Config{
		Doc:        doc,
		Pages:      pages,
		Classifier: field.Classifier{Exclude: []string{"password"}},
		Debounce:   debounce,
		Restoring:  guard,
	})
	return &fixture{doc: doc, gw: gw, pages: pages, tr: tr, guard: guard}
}

// start runs the tracker and returns a stop func that waits for Run to
// return.
func (f *fixture) start(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := f.tr.Run(ctx); err != nil {
			t.Errorf("run: %v", err)
		}
	}()
	select {
	case <-f.tr.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not subscribe")
	}
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return stop
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) saved(t *testing.T) *field.PageRecord {
	t.Helper()
	rec, ok, err := f.pages.Get(context.Background(), pageKey)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		return nil
	}
	return rec
}

func TestTracker_DebouncedFlush(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	f.start(t)

	email, _ := f.doc.ElementByID("email")
	f.doc.Type(email, "a")
	f.doc.Type(email, "a@")
	f.doc.Type(email, "a@b.com")

	waitFor(t, func() bool { return f.saved(t) != nil })
	rec := f.saved(t)
	if v := rec.Fields["id:email"].Value.(field.Text); v.Text != "a@b.com" {
		t.Errorf("saved %q, want final value", v.Text)
	}
	if n := f.gw.sets.Load(); n != 1 {
		t.Errorf("burst wrote %d times, want 1", n)
	}
	if f.tr.Pending() != 0 {
		t.Errorf("pending after flush: %d", f.tr.Pending())
	}
	if f.tr.Flushes() != 1 || f.tr.LastFlush().IsZero() {
		t.Errorf("flush stats: %d %v", f.tr.Flushes(), f.tr.LastFlush())
	}
}

func TestTracker_IgnoresSyntheticGuardedAndUntracked(t *testing.T) {
	f := newFixture(t, time.Hour)
	email, _ := f.doc.ElementByID("email")
	submit, _ := f.doc.ElementByID("go")
	pw, _ := f.doc.ElementByID("pw")

	cases := []struct {
		name string
		ev   func() bool
	}{
		{"synthetic", func() bool {
			return f.tr.Observe(eventOf(email, "input", false))
		}},
		{"focus", func() bool {
			return f.tr.Observe(eventOf(email, "focus", true))
		}},
		{"submit button", func() bool {
			return f.tr.Observe(eventOf(submit, "change", true))
		}},
		{"excluded type", func() bool {
			return f.tr.Observe(eventOf(pw, "input", true))
		}},
		{"during restore", func() bool {
			f.guard.Store(true)
			defer f.guard.Store(false)
			return f.tr.Observe(eventOf(email, "input", true))
		}},
	}
	for _, c := range cases {
		if c.ev() {
			t.Errorf("%s: staged", c.name)
		}
	}
	if f.tr.Pending() != 0 {
		t.Errorf("pending: %d", f.tr.Pending())
	}
	if !f.tr.Observe(eventOf(email, "input", true)) {
		t.Error("trusted input not staged")
	}
}

func TestTracker_RadioLastWriteWins(t *testing.T) {
	f := newFixture(t, time.Hour)
	radios, _ := f.doc.ElementsByName("input", "plan")
	f.tr.Observe(clickEvent(radios[0]))
	f.tr.Observe(clickEvent(radios[1]))
	if f.tr.Pending() != 1 {
		t.Fatalf("pending: %d, want 1", f.tr.Pending())
	}
	if err := f.tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	v := f.saved(t).Fields["name:INPUT:plan"].Value.(field.Radio)
	if !v.Checked || v.Value != "pro" {
		t.Errorf("saved %+v", v)
	}
}

func TestTracker_FailedFlushKeepsChanges(t *testing.T) {
	f := newFixture(t, time.Hour)
	email, _ := f.doc.ElementByID("email")
	f.tr.Observe(typeEvent(email, "kept"))

	f.gw.fail.Store(true)
	if err := f.tr.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if f.tr.Pending() != 1 {
		t.Fatalf("pending after failure: %d", f.tr.Pending())
	}

	f.gw.fail.Store(false)
	if err := f.tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.saved(t).Fields["id:email"].Value.(field.Text).Text != "kept" {
		t.Error("retried flush lost the value")
	}
}

func TestTracker_RestagedDuringWriteSurvives(t *testing.T) {
	f := newFixture(t, time.Hour)
	email, _ := f.doc.ElementByID("email")
	f.tr.Observe(typeEvent(email, "first"))

	once := false
	f.gw.onSet = func() {
		if once {
			return
		}
		once = true
		f.tr.Stage(pageKey, pageURL, field.Record{
			Identity: field.ByID{Value: "email"},
			Tag:      "input", Subtype: "email",
			Value: field.Text{Text: "second"},
		})
	}
	if err := f.tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.tr.Pending() != 1 {
		t.Fatalf("re-staged field cleared: pending %d", f.tr.Pending())
	}
	f.tr.Flush(context.Background())
	if got := f.saved(t).Fields["id:email"].Value.(field.Text).Text; got != "second" {
		t.Errorf("got %q", got)
	}
}

func TestTracker_StopFlushes(t *testing.T) {
	f := newFixture(t, time.Hour)
	stop := f.start(t)

	email, _ := f.doc.ElementByID("email")
	f.doc.Type(email, "late")
	waitFor(t, func() bool { return f.tr.Pending() == 1 })
	stop()

	rec := f.saved(t)
	if rec == nil || rec.Fields["id:email"].Value.(field.Text).Text != "late" {
		t.Fatalf("stop did not flush: %+v", rec)
	}
}

func TestTracker_EvictsAfterFlush(t *testing.T) {
	doc, _ := htmldom.ParseString(form, pageURL)
	gw := store.NewMemory(20)
	pages := store.NewPages(gw, "", nil)
	tr := New(Config{Doc: doc, Pages: pages, EvictRatio: 0.9})

	email, _ := doc.ElementByID("email")
	tr.Observe(typeEvent(email, "x"))
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := pages.Get(context.Background(), pageKey); ok {
		t.Error("page over capacity should have been evicted")
	}
}

func TestTracker_Discard(t *testing.T) {
	f := newFixture(t, time.Hour)
	el, _ := f.doc.ElementByID("email")
	if !f.tr.Observe(typeEvent(el, "a@b.com")) {
		t.Fatal("edit not staged")
	}
	if n := f.tr.PendingFor(pageKey); n != 1 {
		t.Fatalf("PendingFor: got %d", n)
	}
	if n := f.tr.Discard(pageKey); n != 1 {
		t.Errorf("Discard: got %d, want 1", n)
	}
	if n := f.tr.Discard(pageKey); n != 0 {
		t.Errorf("second Discard: got %d", n)
	}
	if err := f.tr.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.gw.sets.Load() != 0 || f.saved(t) != nil {
		t.Error("discarded edit was written")
	}
}
