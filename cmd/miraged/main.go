package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/decoyhq/mirage/internal/api"
	"github.com/decoyhq/mirage/internal/archive"
	"github.com/decoyhq/mirage/internal/events"
	"github.com/decoyhq/mirage/internal/metrics"
	"github.com/decoyhq/mirage/internal/middleware"
	"github.com/decoyhq/mirage/internal/stream"
	"github.com/decoyhq/mirage/pkg/mirage"
)

func main() {
	// Load .env file if present
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	rulesPath := flag.String("rules", getEnv("MIRAGE_RULES", "configs/rules.yaml"), "path to the detection rule book")
	policiesPath := flag.String("policies", getEnv("MIRAGE_POLICIES", "configs/policies.yaml"), "path to the deception policy book")
	addr := flag.String("addr", ":"+getEnv("PORT", "8080"), "listen address")
	flag.Parse()

	log.Println("🔥 Starting Mirage request-defense daemon...")

	// 1. Defense engine (config books, pipeline, event bus)
	eng, err := mirage.New(mirage.Config{
		RulesPath:     *rulesPath,
		PoliciesPath:  *policiesPath,
		SweepInterval: 30 * time.Second,
	})
	if err != nil {
		log.Fatalf("Engine init failed: %v", err)
	}
	defer eng.Close()

	bus := eng.EventBus()
	pipe := eng.Orchestrator()

	// 2. Observability (Prometheus registry fed off the event bus)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	recorder := metrics.NewRecorder(m, bus)
	recorder.Start()
	defer recorder.Stop()

	// 3. Live verdict stream for dashboards
	hub := stream.NewHub(bus)
	hub.Start()
	defer hub.Stop()

	// 4. Verdict archive, sinks chosen by environment
	tee := buildArchive(bus)
	if tee != nil {
		tee.Start()
		defer tee.Stop()
	}

	// 5. Rate limiter for the management surface
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{})
	defer limiter.Close()

	// 6. One listener: management API first, defended origin as catch-all
	srv := api.NewServer(api.Config{
		Addr:           *addr,
		AdminTokenHash: os.Getenv("MIRAGE_ADMIN_TOKEN_HASH"),
	}, api.Deps{
		Pipeline: pipe,
		Bus:      bus,
		Hub:      hub,
		Metrics:  m,
		Registry: registry,
		Limiter:  limiter,
		Archive:  tee,
		Origin:   eng.Middleware(demoOrigin()),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	log.Printf("🚀 Mirage listening on %s", *addr)
	log.Printf("📊 Management API: http://localhost%s/api/v1/status", *addr)

	// SIGHUP reloads the books in place; SIGINT/SIGTERM drain and exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				log.Println("SIGHUP received, reloading rule and policy books")
				if err := eng.Reload(); err != nil {
					log.Printf("Reload rejected, keeping previous books: %v", err)
				}
				continue
			}
			log.Println("Received shutdown signal, shutting down gracefully...")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := srv.Shutdown(ctx); err != nil {
				log.Printf("Server shutdown error: %v", err)
			}
			cancel()
			<-errCh
			log.Println("Server stopped")
			return
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				log.Fatalf("Server failed: %v", err)
			}
			return
		}
	}
}

// buildArchive assembles whichever verdict sinks the environment names.
// Returns nil when none are configured so the daemon runs store-less.
func buildArchive(bus *events.Bus) *archive.Tee {
	var sinks []archive.Sink

	if addr := os.Getenv("MIRAGE_REDIS_ADDR"); addr != "" {
		sink, err := archive.NewRedisSink(addr, os.Getenv("MIRAGE_REDIS_PASSWORD"), 0, "", 0)
		if err != nil {
			log.Printf("Redis archive disabled: %v", err)
		} else {
			log.Printf("Archiving verdicts to Redis at %s", addr)
			sinks = append(sinks, sink)
		}
	}

	if url := os.Getenv("MIRAGE_POSTGRES_URL"); url != "" {
		sink, err := archive.OpenPostgres(url)
		if err != nil {
			log.Printf("Postgres archive disabled: %v", err)
		} else if err := sink.EnsureSchema(context.Background()); err != nil {
			log.Printf("Postgres archive disabled: %v", err)
		} else {
			log.Println("Archiving verdicts to Postgres")
			sinks = append(sinks, sink)
		}
	}

	if path := os.Getenv("MIRAGE_ARCHIVE_FILE"); path != "" {
		sink, err := archive.NewFileSink(path)
		if err != nil {
			log.Printf("File archive disabled: %v", err)
		} else {
			log.Printf("Archiving verdicts to %s", path)
			sinks = append(sinks, sink)
		}
	}

	if len(sinks) == 0 {
		return nil
	}
	return archive.NewTee(bus, sinks...)
}

// demoOrigin is the stand-in application behind the defense middleware so
// the daemon serves something observable out of the box. Deployments
// replace it with a reverse proxy or their own handler tree.
func demoOrigin() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"users": []string{"ava", "noah", "mia"},
		})
	})

	mux.HandleFunc("/api/products", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"products": []map[string]interface{}{
				{"sku": "AX-100", "price": 19.99},
				{"sku": "AX-200", "price": 34.50},
			},
		})
	})

	mux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"query":   r.URL.Query().Get("q"),
			"results": []string{},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"service": "demo-origin"})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
