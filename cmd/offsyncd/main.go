// Entry point for the offsync daemon — engine lifecycle plus a local admin
// HTTP API for the embedding application: submit mutations, trigger syncs,
// inspect status, resolve offline navigations, clear offline data.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	offsync "github.com/hazyhaar/offsync"
	"github.com/hazyhaar/offsync/cachegate"
	"github.com/hazyhaar/offsync/shell"
	_ "modernc.org/sqlite"
)

func main() {
	port := env("PORT", "8090")
	configPath := env("OFFSYNC_CONFIG", "")
	logLevel := env("LOG_LEVEL", "info")

	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	var cfg offsync.Config
	if configPath != "" {
		var err error
		cfg, err = offsync.LoadConfig(configPath)
		if err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
	}
	// Env overrides for containerised deployments.
	if v := os.Getenv("OFFSYNC_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("OFFSYNC_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if cfg.Remote.BaseURL == "" {
		slog.Error("OFFSYNC_REMOTE_URL or remote.base_url in config is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := offsync.New(cfg, offsync.Options{Logger: logger})
	if err != nil {
		slog.Error("engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()
	eng.Start(ctx)

	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]any{"status": "ok", "durable": eng.Durable()})
	})

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		st, err := eng.Status(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, map[string]any{
			"state":   st.State.String(),
			"pending": st.Pending,
			"online":  eng.Net().Online(),
			"durable": eng.Durable(),
		})
	})

	r.Post("/api/sync", func(w http.ResponseWriter, r *http.Request) {
		triggered := eng.TriggerSync()
		writeJSON(w, 202, map[string]any{"triggered": triggered})
	})

	r.Get("/api/sync/runs", func(w http.ResponseWriter, r *http.Request) {
		if eng.Journal() == nil {
			writeJSON(w, 200, []any{})
			return
		}
		runs, err := eng.Journal().Recent(r.Context(), queryInt(r, "limit", 20))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, runs)
	})

	r.Post("/api/actions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method          string          `json:"method"`
			Endpoint        string          `json:"endpoint"`
			Payload         json.RawMessage `json:"payload"`
			StoreName       string          `json:"store_name"`
			EntityID        string          `json:"entity_id"`
			ExpectedVersion *int64          `json:"expected_version"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		m := offsync.Mutation{
			Method:    req.Method,
			Endpoint:  req.Endpoint,
			Payload:   req.Payload,
			StoreName: req.StoreName,
			EntityID:  req.EntityID,
		}
		if req.ExpectedVersion != nil {
			m.ExpectedVersion = *req.ExpectedVersion
			m.HasVersion = true
		}
		id, err := eng.Submit(r.Context(), m)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 201, map[string]any{"id": id})
	})

	r.Get("/api/actions/dead", func(w http.ResponseWriter, r *http.Request) {
		dead, err := eng.Queue().DeadLettered(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, dead)
	})

	r.Get("/api/entities/{store}", func(w http.ResponseWriter, r *http.Request) {
		entities, err := eng.Store().EntitiesByStore(r.Context(), chi.URLParam(r, "store"))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, entities)
	})

	r.Get("/api/resolve", func(w http.ResponseWriter, r *http.Request) {
		plan, err := eng.Shell().Resolve(r.Context(), r.URL.Query().Get("path"))
		if err != nil {
			writeError(w, 400, err)
			return
		}
		writeJSON(w, 200, map[string]any{
			"fallback":  plan.Kind == shell.RenderFallback,
			"path":      plan.Path,
			"view":      plan.View,
			"props":     plan.Props,
			"cached_at": plan.CachedAt,
			"reason":    plan.Reason,
		})
	})

	r.Post("/api/capture", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL       string          `json:"url"`
			View      string          `json:"view"`
			Props     json.RawMessage `json:"props"`
			ServerTag string          `json:"server_tag"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		if err := eng.Shell().Capture(r.Context(), req.URL, req.View, req.Props, req.ServerTag); err != nil {
			writeError(w, 500, err)
			return
		}
		w.WriteHeader(204)
	})

	r.Get("/api/fetch", func(w http.ResponseWriter, r *http.Request) {
		class := cachegate.Class(r.URL.Query().Get("class"))
		key := r.URL.Query().Get("key")
		resp, err := eng.Cache().Fetch(r.Context(), cachegate.Request{Class: class, Key: key})
		if err != nil {
			writeError(w, 502, err)
			return
		}
		w.Header().Set("X-Cache-Source", resp.Source.String())
		if ct := resp.Headers["Content-Type"]; ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(200)
		w.Write(resp.Body)
	})

	r.Get("/api/files", func(w http.ResponseWriter, r *http.Request) {
		url := r.URL.Query().Get("url")
		if eng.Files() == nil {
			writeError(w, 503, errMemoryOnly)
			return
		}
		entry, err := eng.Files().GetOrFetch(r.Context(), url, r.URL.Query().Get("owner"))
		if err != nil {
			writeError(w, 502, err)
			return
		}
		if entry == nil {
			writeError(w, 404, errNotCached)
			return
		}
		if entry.MimeType != "" {
			w.Header().Set("Content-Type", entry.MimeType)
		}
		w.WriteHeader(200)
		w.Write(entry.Blob)
	})

	r.Get("/api/cache/stats", func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]any{}
		for _, class := range []cachegate.Class{cachegate.ClassStatic, cachegate.ClassAPIRead, cachegate.ClassPage} {
			n, err := eng.Cache().Count(r.Context(), class)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			stats[string(class)] = n
		}
		if eng.Files() != nil {
			files, bytes, err := eng.Files().Stats(r.Context())
			if err != nil {
				writeError(w, 500, err)
				return
			}
			stats["files"] = files
			stats["file_bytes"] = bytes
		}
		writeJSON(w, 200, stats)
	})

	r.Post("/api/cache/clear", func(w http.ResponseWriter, r *http.Request) {
		if err := eng.ClearAll(r.Context()); err != nil {
			writeError(w, 500, err)
			return
		}
		w.WriteHeader(204)
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("offsyncd starting", "port", port, "remote", cfg.Remote.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

var (
	errMemoryOnly = errors.New("file cache unavailable in memory-only mode")
	errNotCached  = errors.New("not cached")
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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
