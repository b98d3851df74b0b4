// Package config reads the service settings from the environment and the
// leaderboard families from built-in defaults plus an optional JSON file.
package config

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"donut/chain"

	"github.com/ethereum/go-ethereum/common"
)

type Config struct {
	Host string
	Port string

	RPCURLs    []string
	RPCTimeout time.Duration
	ChainID    *big.Int
	PayoutKey  string

	CronSecret  string
	AdminSecret string
	FeeReferrer common.Address

	ProfileAPIURL string
	ProfileAPIKey string
	RedisURL      string

	SettlementInterval time.Duration
	RateLimitPerMin    int

	Families map[string]Family
	Actions  map[string]Action
}

// Load reads the process environment. godotenv has already populated it from
// .env when one exists.
func Load() (*Config, error) {
	cfg := &Config{
		Host:            getenv("HOST", "127.0.0.1"),
		Port:            getenv("PORT", "3000"),
		RPCURLs:         splitList(os.Getenv("RPC_URLS")),
		RPCTimeout:      chain.DefaultTimeout,
		ChainID:         big.NewInt(8453),
		PayoutKey:       os.Getenv("PAYOUT_PRIVATE_KEY"),
		CronSecret:      os.Getenv("CRON_SECRET"),
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		ProfileAPIURL:   os.Getenv("PROFILE_API_URL"),
		ProfileAPIKey:   os.Getenv("PROFILE_API_KEY"),
		RedisURL:        os.Getenv("REDIS_URL"),
		RateLimitPerMin: 60,
		Families:        defaultFamilies(),
		Actions:         defaultActions(),
	}

	if v := os.Getenv("RPC_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("RPC_TIMEOUT: %w", err)
		}
		cfg.RPCTimeout = d
	}

	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, fmt.Errorf("CHAIN_ID: not a number: %q", v)
		}
		cfg.ChainID = id
	}

	if v := os.Getenv("FEE_REFERRER"); v != "" {
		addr, ok := chain.ParseAddress(v)
		if !ok {
			return nil, fmt.Errorf("FEE_REFERRER: bad address %q", v)
		}
		cfg.FeeReferrer = addr
	}

	if v := os.Getenv("SETTLEMENT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("SETTLEMENT_INTERVAL: %w", err)
		}
		cfg.SettlementInterval = d
	}

	if v := os.Getenv("RATE_LIMIT_PER_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("RATE_LIMIT_PER_MIN: bad value %q", v)
		}
		cfg.RateLimitPerMin = n
	}

	if path := os.Getenv("FAMILIES_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("FAMILIES_FILE: %w", err)
		}
		if err := mergeFile(raw, cfg.Families, cfg.Actions); err != nil {
			return nil, err
		}
	}

	applyAddressOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyAddressOverrides lets deployments set contract addresses without a
// families file: CONTRACT_MINE_DONUT, PAYOUT_CONTRACT_FLAPPY_DONUT and so on.
func applyAddressOverrides(cfg *Config) {
	for kind, a := range cfg.Actions {
		if v := os.Getenv("CONTRACT_" + envName(kind)); v != "" {
			a.Contract = v
			cfg.Actions[kind] = a
		}
	}
	for name, f := range cfg.Families {
		if v := os.Getenv("PAYOUT_CONTRACT_" + envName(name)); v != "" {
			f.PayoutContract = v
			cfg.Families[name] = f
		}
		if v := os.Getenv("POOL_TOKEN_" + envName(name)); v != "" {
			f.Token = v
			cfg.Families[name] = f
		}
	}
}

func (c *Config) Validate() error {
	for name, f := range c.Families {
		if name != f.Name {
			return fmt.Errorf("family key %q does not match name %q", name, f.Name)
		}
		if err := f.Validate(); err != nil {
			return err
		}
		for _, a := range f.Actions {
			if _, ok := c.Actions[a]; !ok {
				return fmt.Errorf("family %s: unknown action %q", f.Name, a)
			}
		}
		for _, sig := range []string{f.DistributeSig, f.GuardSig} {
			if sig == "" {
				continue
			}
			if _, err := chain.ParseSignature(sig); err != nil {
				return fmt.Errorf("family %s: %w", f.Name, err)
			}
		}
		if f.EntryAction != "" {
			if _, ok := c.Actions[f.EntryAction]; !ok {
				return fmt.Errorf("family %s: unknown entry action %q", f.Name, f.EntryAction)
			}
		}
	}
	for kind, a := range c.Actions {
		if a.Kind != kind {
			return fmt.Errorf("action key %q does not match kind %q", kind, a.Kind)
		}
		if a.Signature == "" {
			return fmt.Errorf("action %s: signature is required", kind)
		}
		if _, err := chain.ParseSignature(a.Signature); err != nil {
			return fmt.Errorf("action %s: %w", kind, err)
		}
		if a.Contract != "" && !common.IsHexAddress(a.Contract) {
			return fmt.Errorf("action %s: bad contract address", kind)
		}
	}
	return nil
}

func (c *Config) Family(name string) (Family, bool) {
	f, ok := c.Families[name]
	return f, ok
}

// FamilyForAction returns the family an action kind belongs to: the claims
// family that counts it, else the score family it pays entry for.
func (c *Config) FamilyForAction(kind string) (Family, bool) {
	names := c.FamilyNames()
	for _, name := range names {
		if f := c.Families[name]; f.Kind == KindClaims && f.Counts(kind) {
			return f, true
		}
	}
	for _, name := range names {
		if f := c.Families[name]; f.EntryAction == kind {
			return f, true
		}
	}
	return Family{}, false
}

func (c *Config) FamilyNames() []string {
	names := make([]string, 0, len(c.Families))
	for n := range c.Families {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}
