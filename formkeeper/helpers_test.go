package formkeeper

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/hazyhaar/formsafe/dom/htmldom"
	"github.com/hazyhaar/formsafe/formkeeper/internal/store"
)

const signupURL = "https://example.com/signup"

const signupPage = `<!DOCTYPE html><html><body>
<form action="/signup">
  <label for="email">E-mail</label>
  <input id="email" name="email" type="email">
  <input type="radio" name="plan" value="basic" checked>
  <input type="radio" name="plan" value="pro">
</form>
</body></html>`

func parse(t *testing.T, src string) *htmldom.Document {
	t.Helper()
	d, err := htmldom.ParseString(src, signupURL)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func memPages() *store.Pages {
	return store.NewPages(store.NewMemory(store.DefaultCapacity), store.DefaultKey, slog.Default())
}

// startKeeper starts a Keeper on doc and stops it at cleanup.
func startKeeper(t *testing.T, doc *htmldom.Document, pages *store.Pages) *Keeper {
	t.Helper()
	k, err := NewKeeper(KeeperConfig{
		Doc:            doc,
		Pages:          pages,
		Debounce:       20 * time.Millisecond,
		RestoreTimeout: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(k.Stop)
	return k
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitFlushed waits until the keeper has written at least n times.
func waitFlushed(t *testing.T, k *Keeper, n uint64) {
	t.Helper()
	waitFor(t, "flush", func() bool { return k.tracker.Flushes() >= n })
}
