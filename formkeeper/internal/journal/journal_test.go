package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/formsafe/dbopen"
)

func newJournal(t *testing.T, opts Options) *Journal {
	t.Helper()
	j, err := New(dbopen.OpenMemory(t), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestHistory_SeesQueuedEntries(t *testing.T) {
	j := newJournal(t, Options{FlushInterval: time.Hour})
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	j.Record(Entry{PageID: "signup", Page: "https://example.com/signup", RestoreID: "rst_1", OK: true, Applied: 2, At: base})
	j.Record(Entry{PageID: "signup", Page: "https://example.com/signup", Reason: "No saved data for this page.", At: base.Add(time.Second)})
	j.Record(Entry{PageID: "login", Page: "https://example.com/login", OK: true, At: base.Add(2 * time.Second)})

	got, err := j.History(ctx, "signup", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].OK || got[0].Reason == "" {
		t.Errorf("newest first: %+v", got[0])
	}
	if !got[1].OK || got[1].RestoreID != "rst_1" || got[1].Applied != 2 {
		t.Errorf("oldest: %+v", got[1])
	}
	if got[1].EntryID == "" {
		t.Error("entry ID not generated")
	}

	all, err := j.History(ctx, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].PageID != "login" {
		t.Errorf("limit 1 over all pages: %+v", all)
	}
}

func TestCleanup(t *testing.T) {
	j := newJournal(t, Options{})
	ctx := context.Background()
	j.Record(Entry{PageID: "p", Page: "https://example.com/", At: time.Now().Add(-48 * time.Hour)})
	j.Record(Entry{PageID: "p", Page: "https://example.com/", At: time.Now()})
	if _, err := j.History(ctx, "p", 0); err != nil {
		t.Fatal(err)
	}

	n, err := j.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	got, _ := j.History(ctx, "p", 0)
	if len(got) != 1 {
		t.Errorf("left %d, want 1", len(got))
	}
}

func TestBufferFull_WritesInline(t *testing.T) {
	j := newJournal(t, Options{Buffer: 1, FlushInterval: time.Hour})
	for i := 0; i < 5; i++ {
		j.Record(Entry{PageID: "p", Page: "https://example.com/"})
	}
	got, err := j.History(context.Background(), "p", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Errorf("got %d entries, want 5", len(got))
	}
}

func TestOpen_CloseDrains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "restores.db")
	j, err := Open(path, time.Hour, Options{FlushInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	j.Record(Entry{PageID: "p", Page: "https://example.com/", OK: true})
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if _, err := j.History(context.Background(), "p", 0); err == nil {
		t.Error("history after close should fail")
	}

	j, err = Open(path, time.Hour, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	got, err := j.History(context.Background(), "p", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got[0].OK {
		t.Errorf("reopened: %+v", got)
	}
}
