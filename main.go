package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"brancher-go/internal/broker"
	"brancher-go/internal/config"
	"brancher-go/internal/socket"
	"brancher-go/internal/store"
	"brancher-go/internal/terminal"
)

const (
	maxConfigBody   = 1 << 20
	reloadTimeout   = 15 * time.Second
	shutdownTimeout = 10 * time.Second
	defaultRecent   = 100
	maxRecent       = 1000
)

type messageLog interface {
	messageTimes
	FetchRecentMessages(limit int) ([]store.Message, error)
}

type app struct {
	settings Settings
	configs  *config.Service
	broker   *broker.Supervisor
	terms    *terminal.Manager
	hub      *socket.Hub
	messages messageLog
}

func main() {
	settings, err := loadSettings()
	if err != nil {
		log.Fatalf("load settings: %v", err)
	}
	if f := initLogging(settings.LogPath); f != nil {
		defer f.Close()
	}

	db, err := store.OpenSQLite(settings.DBPath, settings.MessageRetention)
	if err != nil {
		log.Fatalf("init db: %v", err)
	}
	defer db.Close()

	var flat config.FlatStore = db
	if settings.ConfigBackend == "yaml" {
		flat = store.NewYAMLFile(settings.ConfigFile)
	}

	hub := socket.NewHub(socket.Options{OriginPatterns: settings.AllowedOrigins})
	sup := broker.New(broker.Options{Notifier: hub, Recorder: db})
	terms := terminal.NewManager(terminal.Options{Shell: settings.Shell, Args: settings.ShellArgs})

	a := &app{
		settings: settings,
		configs:  config.NewService(flat, sup),
		broker:   sup,
		terms:    terms,
		hub:      hub,
		messages: db,
	}
	a.registerSocketEvents()

	cfg, err := a.configs.Load(context.Background())
	if err != nil {
		log.Printf("[config] initial load: %v", err)
	} else {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
			defer cancel()
			if err := sup.Reload(ctx, cfg); err != nil {
				log.Printf("[broker] initial connect: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Brancher IoT dashboard listening on %s (config backend: %s)", settings.ListenAddr, settings.ConfigBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Printf("Shutting down")
	case err := <-errCh:
		log.Printf("http server: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	terms.CloseAll()
	sup.Close()
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"})
	})
	r.Get("/ws", a.hub.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(a.settings.APIToken))
		r.Get("/config", a.getConfig)
		r.Post("/config", a.postConfig)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, map[string]any{
				"mqtt":     a.broker.Status(),
				"sessions": a.terms.Count(),
				"clients":  a.hub.Count(),
			})
		})

		r.Get("/messages/recent", func(w http.ResponseWriter, r *http.Request) {
			limit := defaultRecent
			if raw := r.URL.Query().Get("limit"); raw != "" {
				if v, err := strconv.Atoi(raw); err == nil && v > 0 {
					limit = min(v, maxRecent)
				}
			}
			recent, err := a.messages.FetchRecentMessages(limit)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err)
				return
			}
			respondJSON(w, recent)
		})

		r.Get("/messages/hourly", func(w http.ResponseWriter, r *http.Request) {
			hourly, err := calcHourlyMessagesToday(a.messages, time.Now())
			if err != nil {
				respondError(w, http.StatusInternalServerError, err)
				return
			}
			respondJSON(w, hourly)
		})
	})

	if info, err := os.Stat(a.settings.StaticDir); err == nil && info.IsDir() {
		r.Handle("/*", http.FileServer(http.Dir(a.settings.StaticDir)))
	}
	return r
}

func (a *app) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.configs.Load(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, cfg)
}

func (a *app) postConfig(w http.ResponseWriter, r *http.Request) {
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		respondError(w, http.StatusUnsupportedMediaType, errors.New("Content-Type must be application/json"))
		return
	}

	var cfg config.StructuredConfig
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBody)).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid config: %w", err))
		return
	}

	// The save outlives a client that hangs up while the broker reconnects.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), reloadTimeout)
	defer cancel()
	res, err := a.configs.Save(ctx, cfg)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	resp := struct {
		Status     string `json:"status"`
		Skipped    []int  `json:"skipped,omitempty"`
		Duplicates []int  `json:"duplicates,omitempty"`
	}{Status: "ok", Skipped: res.Skipped, Duplicates: res.Duplicates}
	respondJSON(w, resp)
}

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
