package cdpd

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"lukechampine.com/blake3"

	"stablecore/config"
	"stablecore/core/events"
	"stablecore/crypto"
	"stablecore/native/common"
	"stablecore/native/gov"
	"stablecore/native/insurance"
	"stablecore/native/lending"
	"stablecore/native/oracle"
	"stablecore/native/rewards"
	"stablecore/native/token"
	"stablecore/observability/logging"
	"stablecore/observability/otel"
	"stablecore/services/cdpd/server"
	"stablecore/storage"
)

// moduleAccount derives a deterministic address for a protocol-owned account.
// No private key exists for these addresses.
func moduleAccount(name string) crypto.Address {
	digest := blake3.Sum256([]byte("stablecore/module/" + name))
	return crypto.NewAddress(crypto.AccountPrefix, digest[:crypto.AddressLength])
}

// keygen generates a fresh guardian keypair and prints the address alongside
// the hex-encoded private key for the operator to store.
func keygen() error {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	fmt.Printf("address: %s\n", key.PubKey().Address())
	fmt.Printf("private_key: %s\n", hex.EncodeToString(key.Bytes()))
	return nil
}

// Main runs the cdpd daemon until interrupted. The keygen subcommand prints a
// fresh guardian keypair and exits.
func Main() error {
	if len(os.Args) > 1 && os.Args[1] == "keygen" {
		return keygen()
	}
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(logging.Options{
		Service:     cfg.Service,
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: cfg.Service,
			Environment: cfg.Environment,
			Endpoint:    endpoint,
			Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
			Headers:     otel.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Traces:      true,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer db.Close()
	store := storage.NewStore(db)

	tokens := token.NewLedger(store)
	roles := common.NewRoleTable()
	pauses := common.NewPauseRegistry()
	journal := events.NewJournal(4096)

	if strings.TrimSpace(cfg.GuardianAddress) != "" {
		guardian, err := crypto.DecodeAddress(cfg.GuardianAddress)
		if err != nil {
			return fmt.Errorf("decode guardian address: %w", err)
		}
		roles.Grant(common.RoleGuardian, guardian)
	}
	if strings.TrimSpace(cfg.OracleAddress) != "" {
		poster, err := crypto.DecodeAddress(cfg.OracleAddress)
		if err != nil {
			return fmt.Errorf("decode oracle address: %w", err)
		}
		roles.Grant(common.RoleGuardian, poster)
	}

	priceOracle := oracle.NewPostedOracle(cfg.OracleMaxAge(), roles)

	poolAddr := moduleAccount("insurance")
	pool := insurance.NewPool(poolAddr, cfg.StableSymbol)
	pool.SetTokenLedger(tokens)
	pool.SetPauses(pauses)
	pool.SetEmitter(journal)
	tokens.RegisterMinter(cfg.StableSymbol, poolAddr)

	// Borrower rewards pay out of a protocol treasury account funded by ops.
	borrowerRewardsAddr := moduleAccount("borrower-rewards")
	borrowerRewards := rewards.NewStream("borrowers")
	borrowerRewards.SetEmitter(journal)
	borrowerRewards.SetTransfer(func(tok string, to crypto.Address, amount *big.Int) error {
		return tokens.Transfer(tok, borrowerRewardsAddr, to, amount)
	})

	genesis, epochLength, err := cfg.EpochWindow()
	if err != nil {
		return fmt.Errorf("epoch window: %w", err)
	}

	var protocolFee crypto.Address
	if strings.TrimSpace(cfg.ProtocolFeeAddress) != "" {
		if protocolFee, err = crypto.DecodeAddress(cfg.ProtocolFeeAddress); err != nil {
			return fmt.Errorf("decode protocol fee address: %w", err)
		}
	}

	executor := gov.NewExecutor(roles, pauses)
	engines := make(map[string]*lending.Engine, len(cfg.Pairs))
	for _, pairCfg := range cfg.Pairs {
		vault := moduleAccount("vault/" + pairCfg.ID)
		engine := lending.NewEngine(vault, cfg.StableSymbol)
		engine.SetState(store)
		engine.SetTokenLedger(tokens)
		engine.SetOracle(priceOracle)
		engine.SetInterestModel(pairCfg.InterestModel())
		engine.SetPauses(pauses)
		engine.SetEmitter(journal)
		engine.SetBorrowerRewards(borrowerRewards)
		engine.SetBadDebtSink(pool)
		engine.SetPairID(pairCfg.ID)
		engine.SetRedemptionParams(pairCfg.RedemptionParams())
		engine.SetEpochWindow(genesis, epochLength)
		engine.SetStakerFeeSink(poolAddr, pool.Rewards())
		if !protocolFee.IsZero() {
			engine.SetProtocolFeeCollector(protocolFee)
		}
		tokens.RegisterMinter(cfg.StableSymbol, vault)

		existing, err := store.GetPair(pairCfg.ID)
		if err != nil {
			return fmt.Errorf("read pair %q: %w", pairCfg.ID, err)
		}
		if existing == nil {
			if err := store.PutPair(pairCfg.ID, pairCfg.NewPairState()); err != nil {
				return fmt.Errorf("seed pair %q: %w", pairCfg.ID, err)
			}
			logger.Info("seeded pair state", "pair", pairCfg.ID)
		}

		executor.RegisterEngine(engine, pairCfg.RedemptionParams())
		engines[pairCfg.ID] = engine
		logger.Info("pair online", "pair", pairCfg.ID, "collateral", pairCfg.CollateralToken, "vault", vault.String())
	}

	checksum, err := store.Checksum()
	if err != nil {
		return fmt.Errorf("state checksum: %w", err)
	}
	logger.Info("state loaded", "checksum", hex.EncodeToString(checksum[:]))

	srv := server.New(server.Config{
		Engines:  engines,
		Pool:     pool,
		Oracle:   priceOracle,
		Executor: executor,
		Journal:  journal,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}
