package main

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"os"

	"feeledger/allocation"
	"feeledger/auth"
	"feeledger/casefile"
	"feeledger/config"
	"feeledger/confidential"
	"feeledger/db"
	"feeledger/decryption"
	"feeledger/logging"
	"feeledger/settlement"
)

func main() {
	logging.Setup()
	cfg := config.Load()

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("bootstrap database pool", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	provider, err := newProvider(cfg.ProviderKey)
	if err != nil {
		slog.Error("bootstrap confidential provider", "err", err)
		os.Exit(1)
	}

	store := casefile.NewRepository(pool)
	authRepo := auth.NewRepository(pool)

	server := &Server{
		authService: auth.NewService(authRepo, cfg.JWTSecret),
		caseService: casefile.NewService(pool, store, provider),
		feeEngine:   allocation.NewEngine(pool, store, provider),
		revealService: decryption.NewService(pool, store,
			decryption.NewHTTPOracleClient(cfg.OracleURL),
			decryption.Config{
				ProofSecret:         []byte(cfg.OracleSecret),
				AcceptLateCallbacks: cfg.AcceptLateCallbacks,
			}),
		settlementService: settlement.NewTracker(pool, store, settlement.Config{
			DecryptionTimeout: cfg.DecryptionTimeout,
			CaseTimeout:       cfg.CaseTimeout,
		}),
	}

	addr := ":" + cfg.Port
	slog.Info("fee ledger listening", "addr", addr)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		slog.Error("http server", "err", err)
		os.Exit(1)
	}
}

// newProvider builds the confidential backend. Without a configured key the
// provider is ephemeral and handles do not survive a restart.
func newProvider(hexKey string) (*confidential.LocalProvider, error) {
	if hexKey == "" {
		slog.Warn("PROVIDER_KEY unset, using ephemeral confidential key")
		return confidential.NewEphemeralProvider()
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	return confidential.NewLocalProvider(key)
}
