package roddom

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/formsafe/dom"
)

func TestParseInput(t *testing.T) {
	p, err := parseInput(`{"type":"change","trusted":true,"target":7,"at":1700000000000}`)
	if err != nil {
		t.Fatal(err)
	}
	if p.Type != "change" || !p.Trusted || p.Target != 7 {
		t.Errorf("got %+v", p)
	}
	if got := msTime(p.At); got.UnixMilli() != 1700000000000 {
		t.Errorf("time: %v", got)
	}

	bad := []string{
		`not json`,
		`{"type":"focus","trusted":true,"target":1}`,
		`{"type":"input","trusted":true}`,
	}
	for _, raw := range bad {
		if _, err := parseInput(raw); err == nil {
			t.Errorf("%s: expected error", raw)
		}
	}
}

func TestParseMutation(t *testing.T) {
	p, err := parseMutation(`{"records":3,"at":0}`)
	if err != nil || p.Records != 3 {
		t.Fatalf("got %+v %v", p, err)
	}
	if _, err := parseMutation(`[`); err == nil {
		t.Error("expected error")
	}
}

func TestHub_LossyDoesNotBlock(t *testing.T) {
	h := hub[int]{size: 1, lossy: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := h.subscribe(ctx)
	h.publish(1)
	h.publish(2) // dropped
	if v := <-ch; v != 1 {
		t.Errorf("got %d", v)
	}
	select {
	case v := <-ch:
		t.Errorf("unexpected %d", v)
	default:
	}
}

func TestHub_ClosesOnCancel(t *testing.T) {
	h := hub[int]{size: 4}
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.subscribe(ctx)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	h.publish(1) // no subscribers left, must not block
}

func TestBindingsScript(t *testing.T) {
	for _, name := range []string{bindingInput, bindingMutation} {
		if !strings.Contains(bindingsJS, name) {
			t.Errorf("script does not call %s", name)
		}
	}
}

// TestLiveChrome drives a real browser. Set FORMSAFE_TEST_CHROME=1 (and
// optionally FORMSAFE_TEST_CHROME_REMOTE) to run it.
func TestLiveChrome(t *testing.T) {
	if os.Getenv("FORMSAFE_TEST_CHROME") == "" {
		t.Skip("FORMSAFE_TEST_CHROME not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	br, err := Launch(ctx, Config{Remote: os.Getenv("FORMSAFE_TEST_CHROME_REMOTE")})
	if err != nil {
		t.Fatal(err)
	}
	defer br.Close()

	const page = `data:text/html,<form><label for="email">E-mail</label><input id="email" name="email"><select name="c"><option value="fr">fr</option><option value="de">de</option></select></form>`
	d, err := br.Open(ctx, page)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	el, err := d.ElementByID("email")
	if err != nil {
		t.Fatal(err)
	}
	if el.TagName() != "input" || el.TypeIndex() != 1 {
		t.Errorf("tag=%q index=%d", el.TagName(), el.TypeIndex())
	}
	lbl, err := d.LabelFor("email")
	if err != nil || lbl.Text() != "E-mail" {
		t.Errorf("label: %v", err)
	}

	events, _ := d.Events(ctx)
	el.SetValue("a@b.com")
	if err := el.Dispatch("input"); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		if ev.Trusted || ev.Type != "input" || ev.Target.Value() != "a@b.com" {
			t.Errorf("event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}

	sels, _ := d.ElementsByName("select", "c")
	if len(sels) != 1 {
		t.Fatalf("selects: %d", len(sels))
	}
	sels[0].SetSelected(1, true)
	if opts := sels[0].Options(); !opts[1].Selected {
		t.Errorf("options: %+v", opts)
	}
	if _, err := d.ElementByID("missing"); err != dom.ErrNotFound {
		t.Errorf("missing: %v", err)
	}
}
