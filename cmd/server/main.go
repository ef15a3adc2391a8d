package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/latticemcp/gateway/internal/audit"
	"github.com/latticemcp/gateway/internal/bridge"
	"github.com/latticemcp/gateway/internal/config"
	"github.com/latticemcp/gateway/internal/identity"
	"github.com/latticemcp/gateway/internal/pool"
	"github.com/latticemcp/gateway/internal/rbac"
	"github.com/latticemcp/gateway/internal/registry"
	"github.com/latticemcp/gateway/internal/telemetry"
	"github.com/latticemcp/gateway/internal/xds"
)

const serverVersion = "0.1.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	setupLogging(cfg.Logging)

	log.Info().Msg("Starting MCP gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProvider, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}
	if otelProvider != nil {
		log.Info().
			Str("endpoint", cfg.Telemetry.Endpoint).
			Str("service", cfg.Telemetry.ServiceName).
			Msg("OpenTelemetry enabled")
	}
	telemetry.InitMetrics()

	// Optional persistent audit sink: a database-backed gateway records
	// every dispatched operation; a database-less one still broadcasts the
	// same events live over WebSocket.
	var sink *audit.Sink
	if cfg.Database.Enabled {
		sink, err = audit.NewSink(ctx, cfg.Database.GetDSN())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to audit database")
		}
		defer sink.Close()
		if err := sink.RunMigrations(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to run audit log migrations")
		}
	}
	obsHub := audit.NewHub(sink)

	// Target Registry (C1) and RBAC Engine (C2), kept current by the
	// default file-based xDS collaborator.
	reg := registry.New()
	rbacEngine := rbac.NewEngine(nil)

	watcher := xds.New(reg, rbacEngine, cfg.Gateway.TargetsFile)
	if err := watcher.Start(); err != nil {
		log.Fatal().Err(err).Str("file", cfg.Gateway.TargetsFile).Msg("Failed to load target/policy configuration")
	}
	defer watcher.Stop()

	// Connection Pool (C3): lazy, at-most-one-dial, invalidated on
	// registry removal.
	connPool := pool.New(reg)

	// Identity Extractor (C6): optional JWT bearer auth, optional
	// PROXY-protocol peer identity.
	var authenticator *identity.JWTAuthenticator
	if cfg.JWT.Secret != "" {
		authenticator = identity.NewJWTAuthenticator(cfg.JWT.Secret)
	}
	extractor := identity.NewExtractor(authenticator)

	// SSE Session Bridge (C5) and its Streamable HTTP sibling, both fronting
	// the same Relay (C4) core.
	br := bridge.New(reg, connPool, rbacEngine, extractor, obsHub, cfg.Gateway.ServerName, serverVersion)
	streamable := bridge.NewStreamableHandler(br)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if cfg.Telemetry.Enabled {
		r.Use(func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, cfg.Gateway.ServerName)
		})
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   cfg.CORS.ExposeHeaders,
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Legacy SSE transport: GET opens a stream, POST enqueues a frame.
	r.Handle("/sse", br)

	// MCP Streamable HTTP compatibility route: one POST, one response,
	// dispatched through the same core as /sse (additive surface area, not
	// a second core implementation).
	r.Handle("/mcp", streamable)

	// Read-only activity stream: live broadcast and rolling aggregate
	// metrics over the dispatched operations above.
	r.Get("/activity/ws", obsHub.HandleWebSocket)
	r.Get("/activity/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		snap := obsHub.GetAggregator().Snapshot()
		data, _ := json.Marshal(snap)
		w.Write(data)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: r,
		// WriteTimeout must be 0 to support SSE (long-lived GET connections).
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	if cfg.ProxyProto.Enabled {
		server.ConnContext = identity.ConnContext
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("Failed to bind listener")
	}
	if cfg.ProxyProto.Enabled {
		ln = &proxyproto.Listener{Listener: ln}
		log.Info().Msg("PROXY protocol decoding enabled")
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if otelProvider != nil {
			otelProvider.Shutdown(shutdownCtx)
			log.Info().Msg("Telemetry shut down")
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}

		cancel()
	}()

	log.Info().Str("addr", addr).Msg("Server listening")

	if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("Server stopped")
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.TimeFieldFormat = time.RFC3339
}
