package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"donut/epoch"
	"donut/prize"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	KindScore  = "score"
	KindClaims = "claims"

	PoolFixed   = "fixed"
	PoolOnchain = "onchain"
)

// Duration reads "168h" style strings from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Family is one leaderboard with its own epoch schedule and prize pool.
type Family struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Actions []string `json:"actions,omitempty"`

	Anchor time.Time `json:"anchor"`
	Period Duration  `json:"period"`

	Percents   []float64       `json:"percents"`
	PoolSource string          `json:"poolSource"`
	PoolAmount decimal.Decimal `json:"poolAmount"`
	Token      string          `json:"token,omitempty"`
	Decimals   int32           `json:"decimals"`

	PayoutContract string `json:"payoutContract,omitempty"`
	DistributeSig  string `json:"distributeSig,omitempty"`
	GuardSig       string `json:"guardSig,omitempty"`

	ExcludeFlagged  bool   `json:"excludeFlagged"`
	EntryAction     string `json:"entryAction,omitempty"`
	LeaderboardSize int    `json:"leaderboardSize,omitempty"`
}

func (f Family) Clock() epoch.Clock {
	return epoch.NewClock(f.Anchor, time.Duration(f.Period))
}

func (f Family) Table() prize.Table {
	return prize.NewTable(f.Percents...)
}

func (f Family) TokenAddress() common.Address {
	return common.HexToAddress(f.Token)
}

func (f Family) Counts(action string) bool {
	for _, a := range f.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// HasPayoutContract reports whether settlement can submit on chain.
func (f Family) HasPayoutContract() bool {
	return common.IsHexAddress(f.PayoutContract) && common.HexToAddress(f.PayoutContract) != (common.Address{})
}

func (f Family) Validate() error {
	if f.Name == "" {
		return errors.New("family name is required")
	}
	if f.Kind != KindScore && f.Kind != KindClaims {
		return fmt.Errorf("family %s: unknown kind %q", f.Name, f.Kind)
	}
	if f.Kind == KindClaims && len(f.Actions) == 0 {
		return fmt.Errorf("family %s: claims family needs at least one action", f.Name)
	}
	if f.Anchor.IsZero() {
		return fmt.Errorf("family %s: anchor is required", f.Name)
	}
	if err := f.Table().Validate(); err != nil {
		return fmt.Errorf("family %s: %w", f.Name, err)
	}
	switch f.PoolSource {
	case PoolFixed:
		if f.PoolAmount.IsNegative() {
			return fmt.Errorf("family %s: negative pool", f.Name)
		}
	case PoolOnchain:
	default:
		return fmt.Errorf("family %s: unknown pool source %q", f.Name, f.PoolSource)
	}
	if f.Token != "" && !common.IsHexAddress(f.Token) {
		return fmt.Errorf("family %s: bad token address", f.Name)
	}
	if f.PayoutContract != "" && !common.IsHexAddress(f.PayoutContract) {
		return fmt.Errorf("family %s: bad payout contract", f.Name)
	}
	if f.Decimals < 0 || f.Decimals > 36 {
		return fmt.Errorf("family %s: decimals out of range", f.Name)
	}
	return nil
}

// Action describes how one claimable on-chain action is verified and what it
// is worth.
type Action struct {
	Kind      string `json:"kind"`
	Contract  string `json:"contract"`
	Signature string `json:"signature"`

	// ReferrerParam names an address parameter that must equal the fee
	// referrer.
	ReferrerParam string `json:"referrerParam,omitempty"`
	// AmountFrom is "value" for the tx value, or the name of a uint256
	// parameter. Empty records a zero raw amount.
	AmountFrom string `json:"amountFrom,omitempty"`
	Points     int64  `json:"points"`
	// Offchain actions may be claimed without a transaction, once per actor
	// per epoch.
	Offchain bool `json:"offchain,omitempty"`
}

func (a Action) ContractAddress() common.Address {
	return common.HexToAddress(a.Contract)
}

const mineSignature = "mine(address miner,address provider,uint256 epochId,uint256 deadline,uint256 maxPrice,string uri)"

// friday 18:00 EST
var defaultAnchor = time.Date(2025, 1, 3, 23, 0, 0, 0, time.UTC)

func defaultFamilies() map[string]Family {
	fs := []Family{
		{
			Name:       "donut-miners",
			Kind:       KindClaims,
			Actions:    []string{"mine_donut"},
			Anchor:     defaultAnchor,
			Period:     Duration(epoch.Week),
			Percents:   []float64{50, 30, 20},
			PoolSource: PoolFixed,
			PoolAmount: decimal.NewFromInt(1000),
			Decimals:   18,
		},
		{
			Name:       "sprinkles-miners",
			Kind:       KindClaims,
			Actions:    []string{"mine_sprinkles"},
			Anchor:     defaultAnchor,
			Period:     Duration(epoch.Week),
			Percents:   []float64{50, 30, 20},
			PoolSource: PoolFixed,
			PoolAmount: decimal.NewFromInt(1000),
			Decimals:   18,
		},
		{
			Name:       "glaze",
			Kind:       KindClaims,
			Actions:    []string{"chat_message"},
			Anchor:     defaultAnchor,
			Period:     Duration(epoch.Week),
			Percents:   []float64{40, 20, 15, 8, 5, 4, 3, 2, 2, 1},
			PoolSource: PoolFixed,
			PoolAmount: decimal.NewFromInt(500),
			Decimals:   18,
		},
		{
			Name:           "flappy-donut",
			Kind:           KindScore,
			Anchor:         defaultAnchor,
			Period:         Duration(epoch.Week),
			Percents:       []float64{40, 20, 15, 8, 5, 4, 3, 2, 2, 1},
			PoolSource:     PoolOnchain,
			Decimals:       18,
			DistributeSig:  "distribute(address[] winners,uint256[] amounts)",
			GuardSig:       "canDistribute() view returns (bool)",
			ExcludeFlagged: true,
			EntryAction:    "game_score",
		},
		{
			Name:           "donut-dash",
			Kind:           KindScore,
			Anchor:         time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC),
			Period:         Duration(epoch.Week),
			Percents:       []float64{50, 30, 20},
			PoolSource:     PoolFixed,
			PoolAmount:     decimal.NewFromInt(100),
			Decimals:       6,
			ExcludeFlagged: true,
		},
	}

	out := make(map[string]Family, len(fs))
	for _, f := range fs {
		out[f.Name] = f
	}
	return out
}

func defaultActions() map[string]Action {
	as := []Action{
		{Kind: "mine_donut", Signature: mineSignature, ReferrerParam: "provider", AmountFrom: "value", Points: 1},
		{Kind: "mine_sprinkles", Signature: mineSignature, ReferrerParam: "provider", AmountFrom: "value", Points: 1},
		{Kind: "game_score", Signature: "playGame(address player,uint256 gameId)", AmountFrom: "value", Points: 0},
		{Kind: "chat_message", Signature: "sendMessage(string message)", Points: 1, Offchain: true},
	}
	out := make(map[string]Action, len(as))
	for _, a := range as {
		out[a.Kind] = a
	}
	return out
}

// familiesFile is the JSON layout of FAMILIES_FILE. Entries replace the
// built-in family or action of the same name.
type familiesFile struct {
	Families []Family `json:"families"`
	Actions  []Action `json:"actions"`
}

func mergeFile(raw []byte, families map[string]Family, actions map[string]Action) error {
	var f familiesFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse families file: %w", err)
	}
	for _, fam := range f.Families {
		if fam.Period == 0 {
			fam.Period = Duration(epoch.Week)
		}
		families[strings.TrimSpace(fam.Name)] = fam
	}
	for _, a := range f.Actions {
		actions[strings.TrimSpace(a.Kind)] = a
	}
	return nil
}
