package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/api"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/challenge"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/claims"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/config"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/crypto"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/observability"
	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/reconcile"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServer(stdout, stderr)
	case "reconcile":
		return runReconcileCmd(stdout, stderr)
	case "balance":
		return runBalanceCmd(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "rewardsd %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "rewardsd %s\n\n", version)
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  rewardsd <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the claim server (default)")
	printCommand(w, "reconcile", "Settle pending claims against the chain once and print a JSON report")
	printCommand(w, "balance", "Show the operator's reward token balance")
	printCommand(w, "health", "Check server health (HTTP)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration is read from the environment; see REWARDS_CONFIG_FILE for a YAML overlay.")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-12s %s\n", name, desc)
}

// loadConfig loads and validates configuration for commands that talk to
// the chain.
func loadConfig(stderr io.Writer) (*config.Config, bool) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Config error: %v\n", err)
		return nil, false
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Config error: %v\n", err)
		return nil, false
	}
	return cfg, true
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

//nolint:gocognit,gocyclo
func runServer(stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)
	_, _ = fmt.Fprintf(stdout, "rewardsd %s starting...\n", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 0. Telemetry
	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = version
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	otelCfg.Insecure = cfg.OTelInsecure
	telemetry, err := observability.New(ctx, otelCfg)
	if err != nil {
		log.Printf("[rewardsd] telemetry disabled: %v", err)
		telemetry, _ = observability.New(ctx, &observability.Config{Enabled: false})
	}

	// 1. Storage
	db, lgr, err := openLedger(ctx, cfg)
	if err != nil {
		logger.Error("ledger init failed", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	store, closeStore, err := openChallengeStore(ctx, cfg)
	if err != nil {
		logger.Error("challenge store init failed", "error", err)
		return 1
	}
	defer closeStore()

	// 2. Chain
	chain, closeChain, err := dialChain(ctx, cfg, logger)
	if err != nil {
		logger.Error("chain client init failed", "error", err)
		return 1
	}
	defer closeChain()
	log.Printf("[rewardsd] operator: %s chain: %s token: %s", chain.Operator().Hex(), chain.ChainID(), cfg.Token().Hex())

	// 3. Claims
	amount, _ := cfg.Reward()
	svc, err := claims.NewService(claims.Config{
		Amount:         amount,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}, claims.Deps{
		Verifier:   crypto.NewPersonalVerifier(),
		Challenges: challenge.NewIssuer(store, cfg.ChallengeTTL),
		Ledger:     lgr,
		Disburser:  chain,
		Windows:    claims.NewWindowPolicy(cfg.ClaimWindowID, cfg.ClaimWindowDuration),
		Telemetry:  telemetry,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("claim service init failed", "error", err)
		return 1
	}
	log.Printf("[rewardsd] claims: window %s, reward %s", svc.CurrentWindow(), amount)

	// 4. Reconciliation
	var background sync.WaitGroup
	reconciler := reconcile.New(lgr, chain, cfg.ReconcileStaleAfter, logger)
	background.Add(1)
	go func() {
		defer background.Done()
		reconciler.Run(ctx, cfg.ReconcileInterval)
	}()
	log.Printf("[rewardsd] reconciler: every %s", cfg.ReconcileInterval)

	// 5. HTTP
	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(svc, logger).Handler(limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", api.HandleHealth)
	health := &http.Server{
		Addr:              ":" + cfg.HealthPort,
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 2)
	for _, s := range []*http.Server{health, srv} {
		go func(s *http.Server) {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("listen %s: %w", s.Addr, err)
			}
		}(s)
	}
	log.Printf("[rewardsd] health server: :%s", cfg.HealthPort)
	log.Printf("[rewardsd] ready: http://localhost:%s", cfg.Port)

	exit := 0
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		logger.Error("server failed", "error", err)
		exit = 1
		stop()
	}
	log.Println("[rewardsd] shutting down")

	// In-flight disbursements get one confirmation timeout to settle.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ConfirmTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
	if err := svc.Wait(shutdownCtx); err != nil {
		logger.Warn("disbursements still in flight at exit, left for reconciliation", "error", err)
	}
	background.Wait()
	_ = health.Shutdown(shutdownCtx)
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
	return exit
}

func runReconcileCmd(stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	logger := newLogger(cfg, stderr)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, lgr, err := openLedger(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Ledger error: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	chain, closeChain, err := dialChain(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Chain error: %v\n", err)
		return 1
	}
	defer closeChain()

	report, err := reconcile.New(lgr, chain, cfg.ReconcileStaleAfter, logger).RunOnce(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Reconcile failed: %v\n", err)
		return 1
	}
	data, _ := json.MarshalIndent(report, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	if report.Errors > 0 {
		return 1
	}
	return 0
}

func runBalanceCmd(stdout, stderr io.Writer) int {
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	chain, closeChain, err := dialChain(ctx, cfg, newLogger(cfg, stderr))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Chain error: %v\n", err)
		return 1
	}
	defer closeChain()

	balance, err := chain.TokenBalance(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Balance query failed: %v\n", err)
		return 1
	}
	amount, _ := cfg.Reward()
	result := map[string]any{
		"operator":      chain.Operator().Hex(),
		"token":         cfg.Token().Hex(),
		"balance":       balance.String(),
		"reward":        amount.String(),
		"claims_funded": new(big.Int).Quo(balance, amount).String(),
		"chain_id":      chain.ChainID().String(),
	}
	data, _ := json.MarshalIndent(result, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

func runHealthCmd(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Config error: %v\n", err)
		return 2
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + cfg.HealthPort + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}
