package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/formsafe/dbopen"
	"github.com/hazyhaar/formsafe/field"
)

func gateways(t *testing.T) map[string]Gateway {
	t.Helper()
	sq, err := NewSQLite(dbopen.OpenMemory(t), 1000)
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Gateway{
		"memory": NewMemory(1000),
		"sqlite": sq,
	}
}

func TestGateway_Contract(t *testing.T) {
	ctx := context.Background()
	for name, gw := range gateways(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := gw.Get(ctx, "k"); err != nil || ok {
				t.Fatalf("empty get: ok=%v err=%v", ok, err)
			}
			if err := gw.Set(ctx, "k", []byte("hello")); err != nil {
				t.Fatal(err)
			}
			if err := gw.Set(ctx, "other", []byte("xy")); err != nil {
				t.Fatal(err)
			}
			v, ok, err := gw.Get(ctx, "k")
			if err != nil || !ok || string(v) != "hello" {
				t.Fatalf("get: %q ok=%v err=%v", v, ok, err)
			}
			if n, _ := gw.BytesInUse(ctx, "k"); n != 6 {
				t.Errorf("bytes in use of k: got %d, want 6", n)
			}
			if n, _ := gw.BytesInUse(ctx); n != 6+7 {
				t.Errorf("bytes in use: got %d, want 13", n)
			}
			if err := gw.Set(ctx, "k", []byte("h")); err != nil {
				t.Fatal(err)
			}
			if n, _ := gw.BytesInUse(ctx, "k"); n != 2 {
				t.Errorf("after overwrite: got %d, want 2", n)
			}
			if err := gw.Remove(ctx, "k"); err != nil {
				t.Fatal(err)
			}
			if _, ok, _ := gw.Get(ctx, "k"); ok {
				t.Error("removed key still present")
			}
			if c, ok := gw.Capacity(); !ok || c != 1000 {
				t.Errorf("capacity: %d %v", c, ok)
			}
		})
	}
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory(0)
	if _, ok := m.Capacity(); ok {
		t.Error("zero capacity should be unknown")
	}
	m.Close()
	if err := m.Set(context.Background(), "k", nil); err != ErrClosed {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestOpen_DSN(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		dsn  string
		want string
	}{
		{"memory:", "*store.Memory"},
		{"sqlite://" + filepath.Join(dir, "a.db"), "*store.SQLite"},
		{filepath.Join(dir, "b", "c.db"), "*store.SQLite"},
		{"postgres://u@localhost/formsafe?sslmode=disable", "*store.Postgres"},
	}
	for _, c := range cases {
		gw, err := Open(c.dsn, 0)
		if err != nil {
			t.Fatalf("%s: %v", c.dsn, err)
		}
		if got := typeName(gw); got != c.want {
			t.Errorf("%s: got %s, want %s", c.dsn, got, c.want)
		}
		gw.Close()
	}
	if _, err := os.Stat(filepath.Join(dir, "b", "c.db")); err != nil {
		t.Errorf("bare path not created: %v", err)
	}
	if _, err := Open("redis://x", 0); err == nil {
		t.Error("unsupported scheme should fail")
	}
	if _, err := Open("  ", 0); err == nil {
		t.Error("empty dsn should fail")
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *Memory:
		return "*store.Memory"
	case *SQLite:
		return "*store.SQLite"
	case *Postgres:
		return "*store.Postgres"
	}
	return "?"
}

func textRecord(id, text string) field.Record {
	return field.Record{
		Identity:    field.ByID{Value: id},
		Tag:         "input",
		Subtype:     "text",
		Value:       field.Text{Text: text},
		Fingerprint: field.Fingerprint{Tag: "input", Subtype: "text"},
	}
}

// slowGateway delays reads so concurrent load-modify-save cycles overlap.
type slowGateway struct {
	Gateway
	delay time.Duration
}

func (g slowGateway) Get(ctx context.Context, key string) ([]byte, bool, error) {
	time.Sleep(g.delay)
	return g.Gateway.Get(ctx, key)
}

func TestPages_ConcurrentWritersKeepEveryPage(t *testing.T) {
	ctx := context.Background()
	gw := slowGateway{Gateway: NewMemory(0), delay: 20 * time.Millisecond}
	p := NewPages(gw, "", nil)
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := p.Merge(ctx, "https://c.example/", "https://c.example/", []field.Record{textRecord("q", "c")}, t0); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, pk := range []field.PageKey{"https://a.example/", "https://b.example/"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Merge(ctx, pk, string(pk), []field.Record{textRecord("q", string(pk))}, t0)
			errs <- err
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := p.Clear(ctx, "https://c.example/")
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	list, err := p.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Page != "https://a.example/" || list[1].Page != "https://b.example/" {
		t.Errorf("want a and b saved, c cleared: %+v", list)
	}
}

func TestPages_MergeGetClearList(t *testing.T) {
	ctx := context.Background()
	p := NewPages(NewMemory(0), "", nil)
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, ok, err := p.Get(ctx, "https://a.example/"); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}
	if _, err := p.Merge(ctx, "https://a.example/", "https://a.example/#x", []field.Record{textRecord("q", "one")}, t0); err != nil {
		t.Fatal(err)
	}
	rec, err := p.Merge(ctx, "https://a.example/", "", []field.Record{textRecord("q", "two"), textRecord("r", "three")}, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Fields) != 2 || rec.URL != "https://a.example/#x" {
		t.Fatalf("merged: %+v", rec)
	}

	got, ok, err := p.Get(ctx, "https://a.example/")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if v := got.Fields["id:q"].Value.(field.Text); v.Text != "two" {
		t.Errorf("last write wins: got %q", v.Text)
	}

	p.Merge(ctx, "https://b.example/", "https://b.example/", []field.Record{textRecord("z", "z")}, t0)
	list, _ := p.List(ctx)
	if len(list) != 2 || list[0].Page != "https://a.example/" || list[0].Fields != 2 {
		t.Errorf("list: %+v", list)
	}

	if ok, err := p.Clear(ctx, "https://a.example/"); err != nil || !ok {
		t.Fatalf("clear: ok=%v err=%v", ok, err)
	}
	if ok, _ := p.Clear(ctx, "https://a.example/"); ok {
		t.Error("second clear should report absent")
	}
}

func TestPages_LoadRekeys(t *testing.T) {
	ctx := context.Background()
	gw := NewMemory(0)
	raw := `{"https://a.example/":{"updated_at":"2026-01-01T00:00:00Z","url":"u","fields":{
		"wrong":{"identity":{"kind":"name","value":"q","tag":"INPUT"},"tag":"input","subtype":"text",
		"value":{"kind":"text","text":"v"},"fingerprint":{"tag":"input","subtype":"text"}}}}}`
	gw.Set(ctx, DefaultKey, []byte(raw))

	m, err := NewPages(gw, "", nil).Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rec := m["https://a.example/"]
	if _, ok := rec.Fields["name:INPUT:q"]; !ok || len(rec.Fields) != 1 {
		t.Errorf("fields: %v", rec.Fields)
	}
}

func TestPages_LoadCorrupt(t *testing.T) {
	ctx := context.Background()
	gw := NewMemory(0)
	gw.Set(ctx, DefaultKey, []byte("{not json"))
	if _, err := NewPages(gw, "", nil).Load(ctx); err == nil {
		t.Fatal("expected error")
	}
}

// seed saves three pages, oldest first, padding the newest URL so the
// gateway holds exactly want bytes.
func seed(t *testing.T, p *Pages, want int64) []field.PageKey {
	t.Helper()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	keys := []field.PageKey{"https://c.example/", "https://a.example/", "https://b.example/"}
	m := PageMap{}
	for i, pk := range keys {
		rec := field.NewPageRecord(string(pk))
		rec.Merge([]field.Record{textRecord("q", "v")}, "", t0.Add(time.Duration(i)*time.Hour))
		m[pk] = rec
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	base := entrySize(p.Key(), data)
	if base > want {
		t.Fatalf("seed too large: %d > %d", base, want)
	}
	m[keys[2]].URL += strings.Repeat("x", int(want-base))
	if err := p.Save(ctx, m); err != nil {
		t.Fatal(err)
	}
	if n, _ := p.Gateway().BytesInUse(ctx); n != want {
		t.Fatalf("seeded %d bytes, want %d", n, want)
	}
	return keys
}

func TestEvict_OldestFirstUntilUnderRatio(t *testing.T) {
	ctx := context.Background()
	p := NewPages(NewMemory(1000), "", nil)
	keys := seed(t, p, 950)

	res, err := Evict(ctx, p, 0.90)
	if err != nil {
		t.Fatal(err)
	}
	if res.Before != 950 || res.Target != 900 {
		t.Errorf("before=%d target=%d", res.Before, res.Target)
	}
	if res.After > 900 {
		t.Errorf("after=%d, want <= 900", res.After)
	}
	if len(res.Deleted) != 1 || res.Deleted[0] != keys[0] {
		t.Errorf("deleted %v, want [%s]", res.Deleted, keys[0])
	}
	m, _ := p.Load(ctx)
	if _, ok := m[keys[0]]; ok {
		t.Error("oldest page still stored")
	}
	if len(m) != 2 {
		t.Errorf("%d pages left, want 2", len(m))
	}
}

func TestEvict_DrainsWhenCapacityTiny(t *testing.T) {
	ctx := context.Background()
	gw := NewMemory(1000)
	p := NewPages(gw, "", nil)
	keys := seed(t, p, 950)
	gw.capacity = 10

	res, err := Evict(ctx, p, 0.90)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Deleted) != len(keys) {
		t.Fatalf("deleted %v", res.Deleted)
	}
	for i, pk := range keys {
		if res.Deleted[i] != pk {
			t.Errorf("order %d: got %s, want %s", i, res.Deleted[i], pk)
		}
	}
}

func TestEvict_SkipsBelowTargetOrUnknownCapacity(t *testing.T) {
	ctx := context.Background()

	p := NewPages(NewMemory(1000), "", nil)
	seed(t, p, 900)
	if res, _ := Evict(ctx, p, 0.90); len(res.Deleted) != 0 {
		t.Errorf("at target: deleted %v", res.Deleted)
	}

	unknown := NewPages(NewMemory(0), "", nil)
	seed(t, unknown, 950)
	if res, _ := Evict(ctx, unknown, 0.90); len(res.Deleted) != 0 || res.Before != 0 {
		t.Errorf("unknown capacity: %+v", res)
	}
}

func TestSQLite_PagesRoundTrip(t *testing.T) {
	ctx := context.Background()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "fs.db"), DefaultCapacity)
	if err != nil {
		t.Fatal(err)
	}
	defer sq.Close()

	p := NewPages(sq, "", nil)
	if _, err := p.Merge(ctx, "https://a.example/", "https://a.example/", []field.Record{textRecord("q", "hi")}, time.Now()); err != nil {
		t.Fatal(err)
	}
	rec, ok, err := p.Get(ctx, "https://a.example/")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if rec.Fields["id:q"].Value.(field.Text).Text != "hi" {
		t.Errorf("got %+v", rec.Fields)
	}
}

func TestPostgres_Integration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("FORMSAFE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set FORMSAFE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	ctx := context.Background()
	pg, err := NewPostgres(dsn, 1000)
	if err != nil {
		t.Fatal(err)
	}
	pg.table = "formsafe_kv_it_" + time.Now().Format("20060102150405")
	t.Cleanup(func() {
		if pg.db != nil {
			pg.db.Exec(`DROP TABLE IF EXISTS ` + pg.table)
		}
		pg.Close()
	})

	if err := pg.Set(ctx, "k", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := pg.Get(ctx, "k")
	if err != nil || !ok || string(v) != "hello" {
		t.Fatalf("get: %q ok=%v err=%v", v, ok, err)
	}
	if n, _ := pg.BytesInUse(ctx, "k"); n != 6 {
		t.Errorf("bytes in use: %d", n)
	}
}
