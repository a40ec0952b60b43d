package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerbridge/monarch-mcp-oauth/config"
	"github.com/ledgerbridge/monarch-mcp-oauth/logging"
	"github.com/ledgerbridge/monarch-mcp-oauth/mcp"
	"github.com/ledgerbridge/monarch-mcp-oauth/monarch"
	"github.com/ledgerbridge/monarch-mcp-oauth/oauth"
	"github.com/ledgerbridge/monarch-mcp-oauth/oauth/credseal"
	"github.com/ledgerbridge/monarch-mcp-oauth/oauth/wellknown"
	"github.com/ledgerbridge/monarch-mcp-oauth/store"
)

var Version = "dev"

const (
	purgeInterval   = 5 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("monarch-mcp starting",
		slog.String("version", Version),
		slog.String("base_url", cfg.BaseURL),
		slog.String("store", cfg.StoreDriver),
	)

	if cfg.InsecureTestMode {
		logger.Warn("INSECURE_TEST_MODE is on, the fixed PKCE sentinel pair is accepted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.StoreDriver, err)
	}
	defer st.Close()

	keys, err := credseal.NewKeyManager(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("opening sealing keys: %w", err)
	}
	defer keys.Close()

	switch cfg.StoreDriver {
	case "sqlite", "postgres":
	default:
		logger.Warn("sealing keys are ephemeral with this store driver, a restart invalidates every outstanding token",
			slog.String("store", cfg.StoreDriver))
	}

	sealer := credseal.NewSealer(keys)
	upstream := monarch.NewClient(cfg.MonarchBaseURL, cfg.MonarchTimeout, logger)

	mux := http.NewServeMux()

	authServer := oauth.NewServer(oauth.Options{
		BaseURL:                  cfg.BaseURL,
		Store:                    st,
		Sealer:                   sealer,
		Verifier:                 upstream,
		Logger:                   logger,
		AuthCodeTTL:              cfg.AuthCodeTTL,
		AccessTokenTTL:           cfg.AccessTokenTTL,
		RefreshTokenTTL:          cfg.RefreshTokenTTL,
		AllowUnregisteredClients: cfg.AllowUnregisteredClients,
		InsecureTestMode:         cfg.InsecureTestMode,
	})
	authServer.RegisterHTTP(mux)

	discovery := wellknown.NewServer(cfg.BaseURL, cfg.BaseURL+"/mcp", oauth.SupportedScopes, keys, logger)
	discovery.RegisterHTTP(mux)

	rpcServer := mcp.NewServer(mcp.Options{
		BaseURL: cfg.BaseURL,
		Store:   st,
		Sealer:  sealer,
		Finance: upstream,
		Logger:  logger,
	})
	rpcServer.RegisterHTTP(mux)

	mux.HandleFunc("/healthz", handleHealthz(st))

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      corsHandler(mux, cfg, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		return purgeLoop(gctx, st, logger)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// corsHandler wraps the mux per the configured origin allowlist. No
// configured origins means no CORS headers at all.
func corsHandler(mux *http.ServeMux, cfg *config.Config, logger *slog.Logger) http.Handler {
	origins := cfg.ParseCORSOrigins()
	if len(origins) == 0 {
		return mux
	}

	var checker mcp.CorsChecker
	if slices.Contains(origins, "*") {
		checker = mcp.NewAllowAllCorsChecker()
	} else {
		checker = mcp.NewAllowlistCorsChecker(origins)
	}

	return mcp.CheckCORS(mux, checker, logger)
}

func handleHealthz(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if err := st.Ping(r.Context()); err != nil {
			status, code = "store unavailable", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}

// purgeLoop sweeps expired codes and tokens until the context ends.
func purgeLoop(ctx context.Context, st store.Store, logger *slog.Logger) error {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := st.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("purging expired grants failed", slog.String("error", err.Error()))
				continue
			}

			if n > 0 {
				logger.Debug("purged expired grants", slog.Int64("count", n))
			}
		}
	}
}
