package formkeeper

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/formsafe/field"
	"github.com/hazyhaar/formsafe/formkeeper/internal/store"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
store:
  dsn: sqlite:///var/lib/formsafe/pages.db
  capacity_bytes: 1000
tracker:
  debounce: 250ms
  exclude_types: [password]
restore:
  timeout: 2s
journal:
  path: /var/lib/formsafe/journal.db
pages:
  - id: signup
    url: https://example.com/signup
    auto_restore: true
http:
  addr: 127.0.0.1:8093
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.CapacityBytes != 1000 || cfg.Store.EvictRatio != store.DefaultEvictRatio {
		t.Errorf("store: %+v", cfg.Store)
	}
	if cfg.Tracker.Debounce != 250*time.Millisecond || cfg.Restore.Timeout != 2*time.Second {
		t.Errorf("durations: %v %v", cfg.Tracker.Debounce, cfg.Restore.Timeout)
	}
	if cfg.Restore.Threshold != field.MatchThreshold {
		t.Errorf("threshold: %d", cfg.Restore.Threshold)
	}
	if cfg.Journal.Retention != 30*24*time.Hour {
		t.Errorf("journal retention: %v", cfg.Journal.Retention)
	}
	if len(cfg.Pages) != 1 || !cfg.Pages[0].AutoRestore {
		t.Errorf("pages: %+v", cfg.Pages)
	}
	if ex := cfg.Classifier().Exclude; len(ex) != 1 || ex[0] != "password" {
		t.Errorf("classifier: %v", ex)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Store.DSN != "memory:" || cfg.Store.Key != store.DefaultKey || cfg.Store.CapacityBytes != store.DefaultCapacity {
		t.Errorf("store: %+v", cfg.Store)
	}
	if cfg.Tracker.Debounce != 400*time.Millisecond {
		t.Errorf("debounce: %v", cfg.Tracker.Debounce)
	}
	if cfg.Restore.Timeout != 4500*time.Millisecond {
		t.Errorf("timeout: %v", cfg.Restore.Timeout)
	}
	if cfg.Journal.Path != "" || cfg.Journal.Retention != 0 {
		t.Errorf("journal should be off: %+v", cfg.Journal)
	}
	if cfg.Browser.Stealth != "headless" {
		t.Errorf("stealth: %q", cfg.Browser.Stealth)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing id":   "pages:\n  - url: https://a.example/\n",
		"duplicate id": "pages:\n  - {id: a, url: 'https://a.example/'}\n  - {id: a, url: 'https://b.example/'}\n",
		"no scheme":    "pages:\n  - {id: a, url: a.example/form}\n",
		"slash in id":  "pages:\n  - {id: a/b, url: 'https://a.example/'}\n",
		"bad yaml":     "pages: [",
	}
	for name, src := range cases {
		if _, err := ParseConfig([]byte(src)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "formsafe.yaml")
	if err := os.WriteFile(p, []byte("pages:\n  - {id: a, url: 'https://a.example/'}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(p)
	if err != nil || len(cfg.Pages) != 1 {
		t.Fatalf("cfg=%+v err=%v", cfg, err)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "formkeeper: read config") {
		t.Errorf("missing file: %v", err)
	}
}
