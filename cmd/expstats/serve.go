package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/subdiscovery/expstats/internal/api"
	"github.com/subdiscovery/expstats/internal/resultstore"
)

// server exposes stored significance results read-only over HTTP.
type server struct {
	store   resultstore.Store
	limiter *rate.Limiter

	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

// serveCmd runs the read-only results API.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve stored results over HTTP",
		Long: `Read-only API over the result store. Dashboards poll it between
analysis batches; nothing here computes statistics.

  GET /v1/results?experiment=<id>[&metric=<name>][&history=1]
  GET /health
  GET /metrics  (Prometheus; basic auth when METRICS_USER is set)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			tokenRate := getEnvInt("TOKEN_RATE", 100)
			srv := &server{
				store:   store,
				limiter: rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2),
			}
			srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
			srv.metricsAuth.user = getEnv("METRICS_USER", "")
			srv.metricsAuth.password = getEnv("METRICS_PASS", "")

			mux := http.NewServeMux()
			mux.HandleFunc("/v1/results", srv.handleResults)
			mux.Handle("/metrics", srv.metricsHandler())
			mux.HandleFunc("/health", handleHealth)

			port := getEnv("PORT", "8080")
			httpServer := &http.Server{
				Addr:         ":" + port,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

			go func() {
				log.Printf("Serving results on port %s", port)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("Server error: %v", err)
				}
			}()

			<-shutdown
			log.Println("Shutting down...")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(ctx); err != nil {
				log.Printf("Server shutdown error: %v", err)
			}
			if err := store.Close(); err != nil {
				log.Printf("Error closing result store: %v", err)
			}
			return nil
		},
	}
}

func (s *server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	experiment := r.URL.Query().Get("experiment")
	if experiment == "" {
		http.Error(w, "experiment parameter is required", http.StatusBadRequest)
		return
	}
	metric := r.URL.Query().Get("metric")
	history := r.URL.Query().Get("history") == "1"

	ctx := r.Context()
	var (
		results []*api.SignificanceResult
		err     error
	)
	switch {
	case metric != "" && history:
		results, err = s.store.History(ctx, experiment, metric)
	case metric != "":
		var res *api.SignificanceResult
		res, err = s.store.Get(ctx, experiment, metric)
		if res != nil {
			results = []*api.SignificanceResult{res}
		}
	default:
		results, err = s.store.List(ctx, experiment)
	}

	if errors.Is(err, api.ErrNotFound) {
		http.Error(w, "No result for that experiment and metric", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("Result store read error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"experiment_id": experiment,
		"results":       results,
	})
}

func (s *server) metricsHandler() http.Handler {
	handler := promhttp.Handler()
	if !s.metricsAuth.enabled {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
