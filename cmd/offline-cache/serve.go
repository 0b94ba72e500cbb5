package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	offlinecache "github.com/tasteknowledge/offline-cache"
	"github.com/tasteknowledge/offline-cache/cache"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Install the current version and serve requests through the cache manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	var meter metric.Meter
	var metricsHandler http.Handler
	if cfg.Metrics {
		exporter, err := prometheus.New()
		if err != nil {
			return err
		}
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		defer provider.Shutdown(context.Background())
		otel.SetMeterProvider(provider)
		meter = provider.Meter("github.com/tasteknowledge/offline-cache")
		metricsHandler = promhttp.Handler()
	}

	m, err := newManager(storage, meter)
	if err != nil {
		return err
	}
	if err := m.Install(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler: newRouter(m, storage, metricsHandler),
	}
	log.Info().Msgf("Proxying %s to %s (with hostname '%s')", cfg.Listen, cfg.Origin, cfg.OriginHost)
	if err := runServer(ctx, server, ln, m); err != nil {
		return err
	}
	log.Info().Msg("Stopped")
	return nil
}

// runServer serves until ctx is done, then shuts the server down.
// It returns once in-flight requests and the background refreshes they started have finished,
// so the storage may be closed afterwards.
func runServer(ctx context.Context, server *http.Server, ln net.Listener, m *offlinecache.Manager) error {
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server")
		}
	}()

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// Serve returns as soon as shutdown starts
	<-shutdownDone
	m.Wait()
	return nil
}

// newRouter mounts the control endpoints next to the cache manager, which handles everything else.
// A nil metrics handler disables the metrics endpoint.
func newRouter(m *offlinecache.Manager, storage cache.Storage, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RequestIDHandler("req_id", ""))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Access")
	}))

	r.Route("/.offline-cache", func(r chi.Router) {
		r.Post("/message", messageHandler(m))
		r.Get("/status", statusHandler(m, storage))
		if metricsHandler != nil {
			r.Handle("/metrics", metricsHandler)
		}
	})
	r.Handle("/*", m)
	return r
}

// messageHandler accepts control messages posted by pages, e.g. `{"type":"SKIP_WAITING"}`.
func messageHandler(m *offlinecache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg offlinecache.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "Malformed message", http.StatusBadRequest)
			return
		}
		err := m.Message(r.Context(), msg)
		switch {
		case errors.Is(err, offlinecache.ErrUnknownMessage):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, offlinecache.ErrInvalidState):
			http.Error(w, err.Error(), http.StatusConflict)
		case err != nil:
			hlog.FromRequest(r).Error().Err(err).Str("type", msg.Type).Msg("Could not handle message")
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

type storeStatus struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

type managerStatus struct {
	State       string        `json:"state"`
	Controlling bool          `json:"controlling"`
	Stores      []storeStatus `json:"stores"`
}

func statusHandler(m *offlinecache.Manager, storage cache.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := managerStatus{
			State:       m.State().String(),
			Controlling: m.Controlling(),
			Stores:      make([]storeStatus, 0),
		}
		names, err := storage.Names(r.Context())
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not list stores")
			http.Error(w, "Could not list stores", http.StatusInternalServerError)
			return
		}
		for _, name := range names {
			size, err := storage.Size(r.Context(), name)
			if err != nil {
				hlog.FromRequest(r).Error().Err(err).Str("store", name).Msg("Could not count entries")
				http.Error(w, "Could not count entries", http.StatusInternalServerError)
				return
			}
			status.Stores = append(status.Stores, storeStatus{Name: name, Entries: size})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}
}
