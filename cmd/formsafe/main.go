// CLAUDE:SUMMARY CLI entry point for formsafe: keeps form fields of configured pages in Chrome, serves messaging over HTTP/MCP, restores saved fields into static HTML offline.
// Command formsafe keeps user-entered form fields of live pages and
// restores them on request.
//
// Usage:
//
//	formsafe -config formsafe.yaml             # keep pages from YAML config
//	formsafe -url https://example.com/signup   # keep a single page
//	formsafe -restore-html page.html -page-url URL -dsn sqlite://pages.db
//	                                           # restore into static HTML, print it
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/formsafe/dom"
	"github.com/hazyhaar/formsafe/dom/htmldom"
	"github.com/hazyhaar/formsafe/dom/roddom"
	"github.com/hazyhaar/formsafe/formkeeper"
	"github.com/hazyhaar/formsafe/idgen"
	"github.com/hazyhaar/formsafe/watch"
)

const version = "0.1.0"

const usage = "usage: formsafe -config <file> | -url <url> | -restore-html <file> -page-url <url> -dsn <dsn>"

// errUsage is returned by run when no mode was selected.
var errUsage = errors.New("formsafe: no mode selected")

type options struct {
	configPath  string
	singleURL   string
	restoreHTML string
	pageURL     string
	dsn         string
	mcpStdio    bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to formsafe.yaml config file")
	flag.StringVar(&o.singleURL, "url", "", "keep a single URL")
	flag.StringVar(&o.restoreHTML, "restore-html", "", "restore saved fields into this HTML file and print it")
	flag.StringVar(&o.pageURL, "page-url", "", "URL the -restore-html file was loaded from")
	flag.StringVar(&o.dsn, "dsn", "", "store DSN, overrides the config (memory:, sqlite://path, postgres://...)")
	flag.BoolVar(&o.mcpStdio, "mcp-stdio", false, "serve MCP on stdin/stdout")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	os.Exit(exitCode(logger, o))
}

// exitCode runs formsafe and maps the outcome to a process exit status.
// Deferred cleanup runs before main exits.
func exitCode(logger *slog.Logger, o options) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, logger, o)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	logger.Error("formsafe: fatal", "error", err)
	return 1
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	cfg := formkeeper.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = formkeeper.LoadFile(o.configPath); err != nil {
			return err
		}
	}
	if o.dsn != "" {
		cfg.Store.DSN = o.dsn
	}

	if o.restoreHTML != "" {
		return runOffline(ctx, logger, cfg, o.restoreHTML, o.pageURL)
	}
	if o.singleURL != "" {
		cfg.Pages = []formkeeper.PageConfig{{ID: idgen.New(), URL: o.singleURL}}
	} else if o.configPath == "" {
		return errUsage
	}
	return runDaemon(ctx, logger, cfg, o)
}

// runOffline restores the saved record of pageURL into a static HTML file
// and prints the result on stdout.
func runOffline(ctx context.Context, logger *slog.Logger, cfg *formkeeper.Config, path, pageURL string) error {
	if pageURL == "" {
		return errors.New("-restore-html needs -page-url")
	}
	if strings.HasPrefix(cfg.Store.DSN, "memory:") {
		return errors.New("-restore-html needs a persistent store (-dsn or store.dsn in -config)")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	doc, err := htmldom.Parse(f, pageURL)
	f.Close()
	if err != nil {
		return err
	}

	open := func(context.Context, formkeeper.PageConfig) (dom.Document, func(), error) {
		return doc, nil, nil
	}
	svc, err := formkeeper.NewService(cfg, open, logger)
	if err != nil {
		return err
	}
	defer svc.Stop()

	const id = "offline"
	if err := svc.OpenPage(ctx, formkeeper.PageConfig{ID: id, URL: pageURL}); err != nil {
		return err
	}
	resp, err := svc.Handle(ctx, id, formkeeper.Message{Type: formkeeper.MsgRestore})
	if err != nil {
		return err
	}
	logger.Info("formsafe: offline restore", "page", resp.Page, "ok", resp.OK, "missing", resp.Missing, "reason", resp.Reason)
	if err := doc.Render(os.Stdout); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("restore: %s", resp.Reason)
	}
	return nil
}

func runDaemon(ctx context.Context, logger *slog.Logger, cfg *formkeeper.Config, o options) error {
	br, err := roddom.Launch(ctx, roddom.Config{
		Remote:  cfg.Browser.Remote,
		Headful: cfg.Browser.Stealth == "headful",
		Bin:     cfg.Browser.Bin,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer br.Close()

	open := func(ctx context.Context, p formkeeper.PageConfig) (dom.Document, func(), error) {
		d, err := br.Open(ctx, p.URL)
		if err != nil {
			return nil, nil, err
		}
		return d, func() { d.Close() }, nil
	}
	svc, err := formkeeper.NewService(cfg, open, logger)
	if err != nil {
		return err
	}
	defer svc.Stop()
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "formsafe", Version: version}, nil)
	svc.RegisterMCP(mcpSrv)

	if o.configPath != "" {
		w, err := watch.New(o.configPath, watch.Options{Logger: logger})
		if err != nil {
			logger.Warn("formsafe: config reload disabled", "error", err)
		} else {
			go w.OnChange(ctx, func() error {
				next, err := formkeeper.LoadFile(o.configPath)
				if err != nil {
					return err
				}
				if o.dsn != "" {
					next.Store.DSN = o.dsn
				}
				return svc.Sync(ctx, next)
			})
		}
	}

	if o.mcpStdio {
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("formsafe: MCP stdio", "error", err)
			}
		}()
	}

	if cfg.HTTP.Addr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	mux.Handle("/", svc.Routes())
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("formsafe: http starting", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("http: %w", err)
	}
	logger.Info("formsafe: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("formsafe: shutdown", "error", err)
	}
	return nil
}
