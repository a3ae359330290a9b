// The keeper daemon drives trigger processing: it pulls signed price
// attestations from the proof feed and submits batch execute and batch
// close calls to a perps node over JSON-RPC.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/feed"
)

type Config struct {
	RPCURL   string
	FeedURL  string
	Caller   string
	Assets   string
	Interval time.Duration
	MaxAge   time.Duration
	LogLevel string
}

type Keeper struct {
	config *Config
	feed   *feed.ProofFeed
	client *http.Client
	logger log.Logger
	assets []uint32
}

func NewKeeper(config *Config) (*Keeper, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)

	var assets []uint32
	for _, part := range strings.Split(config.Assets, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad asset id %q", part)
		}
		assets = append(assets, uint32(id))
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("at least one asset is required")
	}

	return &Keeper{
		config: config,
		feed:   feed.New(config.FeedURL, logger),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		assets: assets,
	}, nil
}

func (k *Keeper) Start() error {
	if err := k.feed.Connect(); err != nil {
		return err
	}
	for _, asset := range k.assets {
		if err := k.feed.Subscribe(asset); err != nil {
			return err
		}
	}
	k.logger.Info("Keeper started",
		"rpc", k.config.RPCURL,
		"feed", k.config.FeedURL,
		"assets", k.assets,
		"interval", k.config.Interval)
	return nil
}

// call performs one JSON-RPC request and decodes the result.
func (k *Keeper) call(method string, params interface{}, result interface{}) error {
	blob, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	})
	if err != nil {
		return err
	}
	resp, err := k.client.Post(k.config.RPCURL, "application/json", bytes.NewReader(blob))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if envelope.Error != nil {
		return fmt.Errorf("rpc %s: %d %s", method, envelope.Error.Code, envelope.Error.Message)
	}
	if result != nil {
		return json.Unmarshal(envelope.Result, result)
	}
	return nil
}

// sweep runs one trigger pass over every configured asset.
func (k *Keeper) sweep() {
	for _, asset := range k.assets {
		proof, received, err := k.feed.Latest(asset)
		if err != nil {
			k.logger.Debug("No proof yet", "asset", asset)
			continue
		}
		if time.Since(received) > k.config.MaxAge {
			k.logger.Warn("Proof too old, skipping asset", "asset", asset, "age", time.Since(received))
			continue
		}

		var trades struct {
			Orders []uint64 `json:"orders"`
			Open   []uint64 `json:"open"`
		}
		if err := k.call("perps_listTrades", map[string]interface{}{"asset": asset}, &trades); err != nil {
			k.logger.Error("listTrades failed", "asset", asset, "error", err)
			continue
		}

		if len(trades.Orders) > 0 {
			var result struct {
				Executed int `json:"executed"`
				Skipped  int `json:"skipped"`
			}
			err := k.call("perps_execLimits", map[string]interface{}{
				"caller": k.config.Caller, "asset": asset,
				"tradeIds": trades.Orders, "proof": proof,
			}, &result)
			if err != nil {
				k.logger.Error("execLimits failed", "asset", asset, "error", err)
			} else if result.Executed > 0 {
				k.logger.Info("Orders filled", "asset", asset,
					"executed", result.Executed, "skipped", result.Skipped)
			}
		}

		if len(trades.Open) > 0 {
			var result struct {
				Closed  int `json:"closed"`
				Skipped int `json:"skipped"`
			}
			err := k.call("perps_closeBatch", map[string]interface{}{
				"caller": k.config.Caller, "asset": asset,
				"tradeIds": trades.Open, "proof": proof,
			}, &result)
			if err != nil {
				k.logger.Error("closeBatch failed", "asset", asset, "error", err)
			} else if result.Closed > 0 {
				k.logger.Info("Positions closed", "asset", asset,
					"closed", result.Closed, "skipped", result.Skipped)
			}
		}
	}
}

func (k *Keeper) Run(done <-chan struct{}) {
	ticker := time.NewTicker(k.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !k.feed.IsHealthy() {
				k.logger.Warn("Proof feed unhealthy, skipping sweep")
				continue
			}
			k.sweep()
		}
	}
}

func main() {
	config := &Config{}

	flag.StringVar(&config.RPCURL, "rpc-url", "http://127.0.0.1:8080/rpc", "perps node JSON-RPC endpoint")
	flag.StringVar(&config.FeedURL, "feed-url", "ws://127.0.0.1:8090/ws", "proof feed websocket endpoint")
	flag.StringVar(&config.Caller, "caller", "keeper", "Keeper account identifier")
	flag.StringVar(&config.Assets, "assets", "1", "Comma-separated asset ids to sweep")
	flag.DurationVar(&config.Interval, "interval", 2*time.Second, "Sweep period")
	flag.DurationVar(&config.MaxAge, "max-proof-age", 60*time.Second, "Oldest proof worth submitting")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	keeper, err := NewKeeper(config)
	if err != nil {
		log.Root().Crit("Failed to create keeper", "error", err)
		os.Exit(1)
	}
	if err := keeper.Start(); err != nil {
		log.Root().Crit("Failed to start keeper", "error", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		keeper.logger.Info("Received shutdown signal", "signal", sig)
		close(done)
	}()

	keeper.Run(done)
	keeper.feed.Close()
	keeper.logger.Info("Keeper stopped")
}
