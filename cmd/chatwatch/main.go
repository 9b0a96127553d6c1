// Command chatwatch drives a browser chat tab and reports finished answers.
//
// Usage:
//
//	chatwatch -config chatwatch.yaml -ask "why is the sky blue"
//	chatwatch -config chatwatch.yaml -attach report.pdf -ask "summarize this"
//	chatwatch -config chatwatch.yaml -mcp                 # MCP server on stdio
//	chatwatch -config chatwatch.yaml -status-addr :8090   # status endpoints
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/chatwatch/dbopen"
	"github.com/hazyhaar/chatwatch/runner"
	"github.com/hazyhaar/chatwatch/sessionlog"
)

func main() {
	configPath := flag.String("config", "", "path to chatwatch.yaml config file")
	askPrompt := flag.String("ask", "", "submit this prompt, wait for the final answer, print it")
	attachPath := flag.String("attach", "", "attach this file to the composer before asking")
	mcpMode := flag.Bool("mcp", false, "serve the chat tools over MCP on stdio")
	statusAddr := flag.String("status-addr", "", "serve /status and /log/recent on this address")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	verbose := flag.Bool("verbose", false, "record DOM dumps and per-poll diagnostics")
	flag.Parse()

	if *configPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := runner.LoadConfigFile(*configPath)
	if err != nil {
		slog.Error("chatwatch: load config", "error", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Verbose = true
	}
	lvl := cfg.Log.Level
	if *logLevel != "" {
		lvl = *logLevel
	}

	var level slog.Level
	switch lvl {
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, *askPrompt, *attachPath, *mcpMode, *statusAddr); err != nil {
		logger.Error("chatwatch: fatal", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: chatwatch -config <file> [-ask <prompt>] [-attach <path>] [-mcp] [-status-addr <addr>]")
}

func run(ctx context.Context, logger *slog.Logger, cfg *runner.Config, askPrompt, attachPath string, mcpMode bool, statusAddr string) error {
	if askPrompt == "" && attachPath == "" && !mcpMode && statusAddr == "" {
		usage()
		os.Exit(1)
	}

	var store *sessionlog.Store
	if cfg.Log.DBPath != "" {
		db, err := dbopen.Open(cfg.Log.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(sessionlog.Schema))
		if err != nil {
			return fmt.Errorf("open session log: %w", err)
		}
		defer db.Close()
		store = sessionlog.NewStore(db)
		defer store.Close()
	}
	diag := sessionlog.New(logger, store, cfg.Log.Verbose)

	r, err := runner.New(cfg, runner.WithSlog(logger), runner.WithLogger(diag))
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer r.Close()

	if statusAddr != "" {
		startStatus(ctx, logger, statusAddr, r, store)
	}

	if attachPath != "" {
		res, err := r.AttachFile(ctx, runner.AttachRequest{Path: attachPath})
		if err != nil {
			return fmt.Errorf("attach: %w", err)
		}
		logger.Info("chatwatch: attachment confirmed",
			"path", res.Path, "class", res.Class, "bytes", res.Size, "elapsed_ms", res.ElapsedMS)
	}

	if askPrompt != "" {
		res, err := r.Ask(ctx, runner.AskRequest{Prompt: askPrompt})
		if err != nil {
			return fmt.Errorf("ask: %w", err)
		}
		fmt.Println(res.Markdown)
		return nil
	}

	if mcpMode {
		srv := mcp.NewServer(&mcp.Implementation{
			Name:    "chatwatch",
			Version: "1.0.0",
		}, nil)
		r.RegisterMCP(srv, store)
		logger.Info("chatwatch: MCP server on stdio")
		return srv.Run(ctx, &mcp.StdioTransport{})
	}

	if attachPath != "" {
		return nil
	}

	// Status server only: stay up until signalled.
	<-ctx.Done()
	return nil
}

func startStatus(ctx context.Context, logger *slog.Logger, addr string, r *runner.Runner, store *sessionlog.Store) {
	router := chi.NewRouter()
	router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	router.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, r.Status(store))
	})
	router.Get("/log/recent", func(w http.ResponseWriter, req *http.Request) {
		if store == nil {
			writeJSON(w, 404, map[string]string{"error": "session log database not configured"})
			return
		}
		events, err := store.RecentEvents(req.Context(), queryInt(req, "limit", 50))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, events)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("chatwatch: status server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("chatwatch: status server", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
