package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"

	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/challenge"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/config"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/disburse"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/store/ledger"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"
)

// openLedger connects to Postgres when DATABASE_URL is set and otherwise
// falls back to a local SQLite file.
func openLedger(ctx context.Context, cfg *config.Config) (*sql.DB, *ledger.SQLLedger, error) {
	var (
		db  *sql.DB
		err error
	)
	if cfg.LiteMode() {
		db, err = openSQLite(cfg.SQLitePath)
	} else {
		db, err = openPostgres(ctx, cfg.DatabaseURL)
	}
	if err != nil {
		return nil, nil, err
	}

	lgr := ledger.NewSQLLedger(db, ledger.RetryPolicy{
		AllowAfterFailure: cfg.AllowReclaimAfterFailure,
		Cooldown:          cfg.ReclaimCooldown,
	})
	if err := lgr.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to init ledger: %w", err)
	}
	return db, lgr, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	log.Printf("[rewardsd] lite mode: using sqlite at %s", path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent claims.
	db.SetMaxOpenConns(1)
	return db, nil
}

func openPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("DB ping failed: %w", err)
	}
	log.Println("[rewardsd] postgres: connected")
	return db, nil
}

// openChallengeStore uses Redis when REDIS_ADDR is set so several replicas
// share outstanding challenges; otherwise challenges live in memory.
func openChallengeStore(ctx context.Context, cfg *config.Config) (challenge.Store, func(), error) {
	if cfg.RedisAddr == "" {
		log.Println("[rewardsd] challenges: in-memory store")
		store := challenge.NewMemoryStore()
		return store, store.Close, nil
	}

	store := challenge.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	log.Printf("[rewardsd] challenges: redis at %s", cfg.RedisAddr)
	return store, func() { _ = store.Close() }, nil
}

// dialChain connects to the RPC endpoint and builds the disbursement client
// for the configured operator key.
func dialChain(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*disburse.Client, func(), error) {
	key, _, err := disburse.LoadOperatorKey(cfg.OperatorPrivateKey)
	if err != nil {
		return nil, nil, err
	}
	backend, err := disburse.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, err
	}

	var chainID *big.Int
	if cfg.ChainID != 0 {
		chainID = big.NewInt(cfg.ChainID)
	}
	client, err := disburse.NewClient(ctx, backend, key, disburse.Config{
		ChainID:          chainID,
		Token:            cfg.Token(),
		GasLimitFallback: cfg.GasLimitFallback,
		Backoff:          cfg.Backoff(),
		PollInterval:     cfg.ConfirmPollInterval,
		MinConfirmations: cfg.MinConfirmations,
	}, logger)
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	return client, func() {
		client.Close()
		backend.Close()
	}, nil
}
