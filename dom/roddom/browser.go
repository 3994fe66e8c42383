package roddom

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// navigateTimeout bounds navigation and the load wait of Open.
const navigateTimeout = 30 * time.Second

// Config configures the browser.
type Config struct {
	// Remote is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	Remote string

	// Headful shows the browser window. Pages are stealth pages either way.
	Headful bool

	// Bin overrides the Chrome binary used by the launcher.
	Bin string

	Logger *slog.Logger
}

// Browser is a connected Chrome.
type Browser struct {
	cfg  Config
	b    *rod.Browser
	lnch *launcher.Launcher

	mu     sync.Mutex
	closed bool
}

// Launch starts Chrome, or connects to cfg.Remote.
func Launch(ctx context.Context, cfg Config) (*Browser, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger
	br := &Browser{cfg: cfg}

	wsURL := cfg.Remote
	if wsURL != "" {
		log.Info("roddom: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Context(ctx).Headless(!cfg.Headful)
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("roddom: launch: %w", err)
		}
		wsURL = u
		br.lnch = l
		log.Info("roddom: launched local chrome", "url", wsURL, "headful", cfg.Headful)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		br.cleanup()
		return nil, fmt.Errorf("roddom: connect: %w", err)
	}
	br.b = b
	return br, nil
}

// Open creates a stealth tab, navigates to pageURL and attaches a Document.
// Closing the Document closes the tab.
func (br *Browser) Open(ctx context.Context, pageURL string) (*Document, error) {
	br.mu.Lock()
	closed := br.closed
	br.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("roddom: browser is closed")
	}

	page, err := stealth.Page(br.b)
	if err != nil {
		return nil, fmt.Errorf("roddom: create tab: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, navigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("roddom: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		br.cfg.Logger.Warn("roddom: wait load timeout", "url", pageURL, "error", err)
	}

	d, err := Attach(ctx, page, br.cfg.Logger)
	if err != nil {
		page.Close()
		return nil, err
	}
	d.owned = true
	return d, nil
}

// Close disconnects and stops a launched Chrome.
func (br *Browser) Close() error {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.closed {
		return nil
	}
	br.closed = true
	var err error
	if br.b != nil {
		err = br.b.Close()
	}
	br.cleanup()
	return err
}

func (br *Browser) cleanup() {
	if br.lnch != nil {
		br.lnch.Kill()
		br.lnch.Cleanup()
	}
}
