// Package bootstrap wires configuration, storage and the chain into the
// services the server and the operator CLI share.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"donut/chain"
	"donut/config"
	"donut/database"
	"donut/logger"
	"donut/metrics"
	"donut/services"
	"donut/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
)

type App struct {
	Config     *config.Config
	Chain      *chain.Pool
	Redis      *redis.Client
	Metrics    *metrics.Metrics
	Claims     *services.ClaimService
	Scores     *services.ScoreService
	Board      *services.Leaderboard
	Dispatcher *settlement.Dispatcher

	payout *ethclient.Client
	mu     sync.Mutex
}

var (
	connectDB = database.Connect
	dialChain = chain.Dial
)

// Build connects the database and the rpc pool and constructs every service.
// On failure everything opened so far is closed again.
func Build(cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.New()}

	if err := connectDB(); err != nil {
		return nil, err
	}

	pool, err := dialChain(cfg.RPCURLs, cfg.RPCTimeout)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Chain = pool

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(context.Background()).Err(); err != nil {
			logger.Warn("⚠️  redis unreachable, profiles will not be cached: %v", err)
		}
	}

	var profiles *services.ProfileLookup
	if cfg.ProfileAPIURL != "" {
		profiles = services.NewProfileLookup(cfg.ProfileAPIURL, cfg.ProfileAPIKey, a.Redis)
	}

	a.Claims, err = services.NewClaimService(database.DB, cfg, pool, a.Metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Board = services.NewLeaderboard(database.DB, cfg, pool, profiles)
	a.Scores = services.NewScoreService(database.DB, cfg, a.Claims, a.Board, a.Metrics)
	a.Dispatcher = settlement.NewDispatcher(database.DB, pool, a.payer, a.Board, a.Metrics)

	logger.Success("✅ Loaded %d leaderboards: %v", len(cfg.Families), cfg.FamilyNames())
	return a, nil
}

// payer signs with the payout key against the first rpc endpoint. The
// connection is opened on the first settlement that needs it.
func (a *App) payer(f config.Family) (settlement.Payer, error) {
	if a.Config.PayoutKey == "" {
		return nil, errors.New("PAYOUT_PRIVATE_KEY is not set")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.payout == nil {
		c, err := ethclient.Dial(a.Config.RPCURLs[0])
		if err != nil {
			return nil, fmt.Errorf("dial payout rpc: %w", err)
		}
		a.payout = c
	}

	p, err := chain.NewContractPayer(a.payout, chain.PayerConfig{
		Contract:      common.HexToAddress(f.PayoutContract),
		DistributeSig: f.DistributeSig,
		GuardSig:      f.GuardSig,
		PrivateKeyHex: a.Config.PayoutKey,
		ChainID:       a.Config.ChainID,
		Timeout:       a.Config.RPCTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("payer for %s: %w", f.Name, err)
	}
	return p, nil
}

func (a *App) Close() {
	if a.payout != nil {
		a.payout.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Chain != nil {
		a.Chain.Close()
	}
	if database.DB == nil {
		return
	}
	if sqlDB, err := database.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
