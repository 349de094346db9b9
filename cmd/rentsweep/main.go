package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/rentsweep/pkg/ledger"
	"github.com/malbeclabs/rentsweep/pkg/logger"
	"github.com/malbeclabs/rentsweep/pkg/metrics"
	"github.com/malbeclabs/rentsweep/pkg/server"
	"github.com/malbeclabs/rentsweep/pkg/store/memory"
	"github.com/malbeclabs/rentsweep/pkg/store/postgres"
	"github.com/malbeclabs/rentsweep/pkg/sweep"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", ":8080", "address to listen on for the control API")
	metricsAddrFlag := flag.String("metrics-addr", "", "address to listen on for prometheus metrics (empty disables)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "graceful shutdown timeout")

	rpcURLFlag := flag.String("rpc-url", solanarpc.MainNetBeta_RPC, "Solana RPC endpoint (or set RENTSWEEP_RPC_URL env var)")
	rpcRPSFlag := flag.Float64("rpc-rps", 8, "RPC request rate limit, requests per second")
	sponsorFlag := flag.String("sponsor", "", "sponsor wallet address to scan (or set RENTSWEEP_SPONSOR env var)")
	keypairFlag := flag.String("keypair", "", "path to the sponsor keypair file for real-mode reclaims (or set RENTSWEEP_KEYPAIR env var)")

	postgresDSNFlag := flag.String("postgres-dsn", "", "Postgres DSN; empty runs with the in-memory store (or set POSTGRES_DSN env var)")
	migrateFlag := flag.Bool("migrate", true, "run postgres migrations on startup")

	scanIntervalFlag := flag.Duration("scan-interval", 0, "periodic scan interval (0 disables the built-in loop)")
	signaturePageFlag := flag.Int("signature-page", ledger.MaxSignaturePage, "sponsor history page size per scan")
	maxConcurrencyFlag := flag.Int("max-concurrency", 8, "maximum concurrent transaction fetches during a scan")
	batchDelayFlag := flag.Duration("batch-delay", 500*time.Millisecond, "delay between real-mode batch reclaim attempts")

	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("RENTSWEEP_RPC_URL"); env != "" {
		*rpcURLFlag = env
	}
	if env := os.Getenv("RENTSWEEP_SPONSOR"); env != "" {
		*sponsorFlag = env
	}
	if env := os.Getenv("RENTSWEEP_KEYPAIR"); env != "" {
		*keypairFlag = env
	}
	if env := os.Getenv("POSTGRES_DSN"); env != "" {
		*postgresDSNFlag = env
	}

	if *sponsorFlag == "" {
		return fmt.Errorf("--sponsor is required")
	}
	sponsor, err := solana.PublicKeyFromBase58(*sponsorFlag)
	if err != nil {
		return fmt.Errorf("invalid sponsor address %q: %w", *sponsorFlag, err)
	}

	var signer solana.PrivateKey
	if *keypairFlag != "" {
		signer, err = solana.PrivateKeyFromSolanaKeygenFile(*keypairFlag)
		if err != nil {
			return fmt.Errorf("failed to load keypair: %w", err)
		}
		log.Info("signing credential loaded; real-mode reclaims enabled")
	} else {
		log.Warn("no signing credential configured; reclaims run in simulation only")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var store sweep.Store
	if *postgresDSNFlag != "" {
		if *migrateFlag {
			if err := postgres.Migrate(log, *postgresDSNFlag); err != nil {
				return err
			}
		}
		pgStore, err := postgres.Open(ctx, log, *postgresDSNFlag)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		store = pgStore
		log.Info("using postgres store")
	} else {
		store = memory.New()
		log.Warn("no postgres DSN configured; using in-memory store, state is lost on restart")
	}

	gateway, err := ledger.NewClient(ledger.Config{
		Logger:            log,
		Endpoint:          *rpcURLFlag,
		RequestsPerSecond: *rpcRPSFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger client: %w", err)
	}

	svc, err := sweep.NewService(sweep.ServiceConfig{
		Logger:            log,
		Gateway:           gateway,
		Store:             store,
		Sponsor:           sponsor,
		Signer:            signer,
		SignaturePageSize: *signaturePageFlag,
		MaxConcurrency:    *maxConcurrencyFlag,
		BatchDelay:        *batchDelayFlag,
		ScanInterval:      *scanIntervalFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create sweep service: %w", err)
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("prometheus metrics server error", "error", err)
			}
		}()
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		Service:         svc,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	svc.Start(ctx)
	return srv.Run(ctx)
}
