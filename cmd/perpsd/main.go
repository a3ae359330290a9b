package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/perps/pkg/api"
	"github.com/luxfi/perps/pkg/metrics"
	"github.com/luxfi/perps/pkg/perps"
	"github.com/luxfi/perps/pkg/store"
)

const (
	defaultDataDir = ".perpsd"
	defaultPort    = 8080
)

type Config struct {
	DataDir  string
	LogLevel string

	HTTPPort    int
	MetricsPort int

	Owner   string
	Keeper  string
	Relayer string

	OracleKeys string
	Assets     string
	HalfSpread int64
	Funding    int64

	PoolMode string
	PoolSeed int64

	NATSURL string

	SnapshotInterval time.Duration
	MaxProofAge      time.Duration

	EnableMetrics bool
}

type Node struct {
	config  *Config
	db      database.Database
	engine  *perps.Engine
	ledger  *perps.Ledger
	store   *store.Store
	metrics *metrics.Metrics
	nats    *nats.Conn
	logger  log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNode(config *Config) (*Node, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing perps node")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// BadgerDB is the preferred backend; fall back to memory when it
	// cannot open.
	dbManager := manager.NewManager(dataPath, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "perpsd"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	roles := perps.NewRoleTable(config.Owner)
	if err := roles.Grant(config.Owner, perps.RoleController, "engine"); err != nil {
		return nil, err
	}
	if config.Keeper != "" {
		if err := roles.Grant(config.Owner, perps.RoleKeeper, config.Keeper); err != nil {
			return nil, err
		}
	}
	if config.Relayer != "" {
		if err := roles.Grant(config.Owner, perps.RoleRelayer, config.Relayer); err != nil {
			return nil, err
		}
	}

	oracle, err := buildOracle(config.OracleKeys)
	if err != nil {
		return nil, err
	}

	var pool perps.CounterpartyPool
	switch config.PoolMode {
	case "shares":
		pool = perps.NewLiquidityPool()
	default:
		pool = perps.NewCashPool(config.PoolSeed)
	}

	ledger := perps.NewLedger(pool, roles, logger)
	registry := perps.NewStaticRegistry(roles)
	if err := listAssets(registry, config); err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	var observeProofAge func(time.Duration)
	if config.EnableMetrics {
		m = metrics.New("perps", logger)
		observeProofAge = func(age time.Duration) { m.ProofAge.Observe(age.Seconds()) }
	}

	engine := perps.NewEngine(perps.EngineConfig{
		Registry:        registry,
		Oracle:          oracle,
		Ledger:          ledger,
		Roles:           roles,
		Logger:          logger,
		MaxProofAge:     config.MaxProofAge,
		ObserveProofAge: observeProofAge,
	})

	var nc *nats.Conn
	if config.NATSURL != "" {
		nc, err = nats.Connect(config.NATSURL)
		if err != nil {
			logger.Warn("NATS unavailable, events disabled", "url", config.NATSURL, "error", err)
			nc = nil
		} else {
			logger.Info("NATS connected", "url", config.NATSURL)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		config:  config,
		db:      db,
		engine:  engine,
		ledger:  ledger,
		store:   store.New(db),
		metrics: m,
		nats:    nc,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// buildOracle parses comma-separated hex ed25519 public keys.
func buildOracle(spec string) (*perps.Ed25519Oracle, error) {
	var keys []ed25519.PublicKey
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimPrefix(part, "0x"))
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("bad oracle key %q", part)
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one oracle key is required")
	}
	return perps.NewEd25519Oracle(keys...), nil
}

// listAssets parses an asset spec of the form "1:1/1,2:1/10" and
// registers each pair with the shared spread and funding settings.
func listAssets(registry *perps.StaticRegistry, config *Config) error {
	for _, part := range strings.Split(config.Assets, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idStr, lotStr, ok := strings.Cut(part, ":")
		if !ok {
			lotStr = "1/1"
			idStr = part
		}
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return fmt.Errorf("bad asset id %q", idStr)
		}
		numStr, denStr, ok := strings.Cut(lotStr, "/")
		if !ok {
			return fmt.Errorf("bad lot ratio %q", lotStr)
		}
		num, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			return fmt.Errorf("bad lot numerator %q", numStr)
		}
		den, err := strconv.ParseInt(denStr, 10, 64)
		if err != nil {
			return fmt.Errorf("bad lot denominator %q", denStr)
		}
		err = registry.ListAsset(config.Owner, uint32(id), perps.AssetConfig{
			LotNumerator:   num,
			LotDenominator: den,
			MarketOpen:     true,
			HalfSpread:     config.HalfSpread,
			FundingRate:    config.Funding,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) Start() error {
	n.logger.Info("Starting perps node",
		"httpPort", n.config.HTTPPort,
		"pool", n.config.PoolMode,
		"snapshotInterval", n.config.SnapshotInterval)

	if err := n.store.Load(n.engine, n.ledger); err != nil {
		n.logger.Warn("Failed to load state", "error", err)
	} else {
		n.logger.Info("State loaded", "trades", len(n.engine.Trades()))
	}

	n.wg.Add(1)
	go n.runRPCServer()

	n.wg.Add(1)
	go n.runSnapshots()

	if n.metrics != nil {
		n.wg.Add(1)
		go n.runMetricsServer()

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.metrics.CollectSystemMetrics(n.ctx)
		}()
	}

	n.logger.Info("perps node started")
	return nil
}

func (n *Node) runRPCServer() {
	defer n.wg.Done()

	var events api.EventSink
	if n.nats != nil {
		events = n.nats
	}
	server := api.NewServer(api.Config{
		Engine:  n.engine,
		Ledger:  n.ledger,
		Logger:  n.logger,
		Metrics: n.metrics,
		Events:  events,
	})

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "healthy",
			"trades": len(n.engine.Trades()),
			"nav":    n.ledger.Pool().NAV(),
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.HTTPPort),
		Handler: mux,
	}

	go func() {
		<-n.ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	n.logger.Info("JSON-RPC server started", "port", n.config.HTTPPort, "endpoint", "/rpc")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("JSON-RPC server error", "error", err)
	}
}

func (n *Node) runMetricsServer() {
	defer n.wg.Done()

	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.MetricsPort),
		Handler: mux,
	}

	go func() {
		<-n.ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	n.logger.Info("Metrics server started", "port", n.config.MetricsPort)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("Metrics server error", "error", err)
	}
}

func (n *Node) runSnapshots() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.store.Save(n.engine, n.ledger); err != nil {
				n.logger.Error("Snapshot failed", "error", err)
			}
		}
	}
}

func (n *Node) Shutdown() {
	n.logger.Info("Shutting down perps node...")

	n.cancel()
	n.wg.Wait()

	// Final snapshot before the database closes.
	if err := n.store.Save(n.engine, n.ledger); err != nil {
		n.logger.Error("Final snapshot failed", "error", err)
	}

	if n.nats != nil {
		n.nats.Close()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info("perps node shutdown complete")
}

func main() {
	config := &Config{}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.HTTPPort, "http-port", defaultPort, "HTTP API port")
	flag.IntVar(&config.MetricsPort, "metrics-port", 9090, "Prometheus metrics port")

	flag.StringVar(&config.Owner, "owner", "owner", "Owner account identifier")
	flag.StringVar(&config.Keeper, "keeper", "keeper", "Keeper account identifier")
	flag.StringVar(&config.Relayer, "relayer", "", "Relayer account identifier (empty disables relaying)")

	flag.StringVar(&config.OracleKeys, "oracle-keys", "", "Comma-separated hex ed25519 oracle public keys")
	flag.StringVar(&config.Assets, "assets", "1:1/1", "Asset list, id:lotNum/lotDen per entry")
	flag.Int64Var(&config.HalfSpread, "half-spread", 0, "Half-spread as a x1e6 fraction of price")
	flag.Int64Var(&config.Funding, "funding-rate", 0, "Signed funding rate per interval, x1e6 price units")

	flag.StringVar(&config.PoolMode, "pool", "cash", "Counterparty pool mode (cash, shares)")
	flag.Int64Var(&config.PoolSeed, "pool-seed", 0, "Cash pool seed balance, 6-decimal units")

	flag.StringVar(&config.NATSURL, "nats-url", "", "NATS endpoint for trade events (empty disables)")

	flag.DurationVar(&config.SnapshotInterval, "snapshot-interval", 30*time.Second, "State snapshot period")
	flag.DurationVar(&config.MaxProofAge, "max-proof-age", perps.DefaultMaxProofAge, "Maximum accepted price proof age")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")

	flag.Parse()

	rootLogger := log.Root()
	rootLogger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir))

	node, err := NewNode(config)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}
