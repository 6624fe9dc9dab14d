package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgecore/edgecore/config"
	"github.com/edgecore/edgecore/core"
	"github.com/edgecore/edgecore/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	transport := buildTransport()
	orch, err := core.New(cfg, transport)
	if err != nil {
		log.Fatalf("assembling execution core: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Initialize(ctx); err != nil {
		log.Fatalf("initialize: %v", err)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req core.ExecuteRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		resp := orch.Execute(r.Context(), req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(orch.GetMetrics())
	})

	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		dir := syncer.Direction(r.URL.Query().Get("direction"))
		if err := orch.Sync(r.Context(), dir); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/online", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			orch.SetOnline(r.URL.Query().Get("state") != "false")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"online": orch.Online()})
	})

	mux.Handle("/metrics", promhttp.Handler())

	addr := getEnv("EDGECORE_LISTEN_ADDR", ":8080")
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("edgecore listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if transport != nil {
		transport.Close()
	}
}

// buildTransport selects the sync transport from EDGECORE_BACKEND_URL.
// A ws:// or wss:// scheme gets the WebSocket transport; anything else
// is treated as an HTTP base URL.
func buildTransport() syncer.Transport {
	url := getEnv("EDGECORE_BACKEND_URL", "http://localhost:9090")
	var transport syncer.Transport
	if strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://") {
		transport = syncer.NewWSTransport(url, nil)
	} else {
		transport = syncer.NewHTTPTransport(url, 30*time.Second)
	}
	log.Printf("sync backend: %s", url)
	return transport
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
