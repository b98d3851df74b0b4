package prize

import (
	"errors"
	"fmt"

	"donut/ranking"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyTable   = errors.New("percent table is empty")
	ErrBadPercent   = errors.New("percent table entries must be positive")
	ErrTableOver100 = errors.New("percent table sums to more than 100")
	ErrNegativePool = errors.New("pool must not be negative")
)

var hundred = decimal.NewFromInt(100)

// Table is an ordered list of percentages, first place first.
type Table []decimal.Decimal

func NewTable(percents ...float64) Table {
	t := make(Table, len(percents))
	for i, p := range percents {
		t[i] = decimal.NewFromFloat(p)
	}
	return t
}

func (t Table) Validate() error {
	if len(t) == 0 {
		return ErrEmptyTable
	}
	sum := decimal.Zero
	for _, p := range t {
		if !p.IsPositive() {
			return ErrBadPercent
		}
		sum = sum.Add(p)
	}
	if sum.GreaterThan(hundred) {
		return ErrTableOver100
	}
	return nil
}

type Payout struct {
	Rank      int             `json:"rank"`
	PlayerKey string          `json:"playerKey"`
	Wallet    string          `json:"wallet,omitempty"`
	Percent   decimal.Decimal `json:"percent"`
	Amount    decimal.Decimal `json:"amount"`
}

type Result struct {
	Payouts    []Payout        `json:"payouts"`
	Paid       decimal.Decimal `json:"paid"`
	RolledOver decimal.Decimal `json:"rolledOver"`
}

// Distribute splits pool across the ranked winners. Only places that have a
// winner consume their percentage and every paid share is renormalised over
// the consumed total, so the whole pool always goes to whoever placed.
// Amounts are truncated to places decimals and the dust goes to first place,
// which keeps the sum exactly equal to pool. With no winners nothing is paid
// and the full pool rolls over.
func Distribute(ranks []ranking.RankEntry, pool decimal.Decimal, table Table, places int32) (Result, error) {
	if err := table.Validate(); err != nil {
		return Result{}, err
	}
	if pool.IsNegative() {
		return Result{}, ErrNegativePool
	}

	n := len(ranks)
	if n > len(table) {
		n = len(table)
	}
	if n == 0 || pool.IsZero() {
		return Result{Payouts: []Payout{}, Paid: decimal.Zero, RolledOver: pool}, nil
	}

	consumed := decimal.Zero
	for _, p := range table[:n] {
		consumed = consumed.Add(p)
	}

	payouts := make([]Payout, n)
	paid := decimal.Zero
	for i := 0; i < n; i++ {
		share := table[i].Div(consumed)
		amount := pool.Mul(share).Truncate(places)
		payouts[i] = Payout{
			Rank:      ranks[i].Rank,
			PlayerKey: ranks[i].PlayerKey,
			Wallet:    ranks[i].Wallet,
			Percent:   share.Mul(hundred).Round(4),
			Amount:    amount,
		}
		paid = paid.Add(amount)
	}

	if dust := pool.Sub(paid); !dust.IsZero() {
		payouts[0].Amount = payouts[0].Amount.Add(dust)
		paid = pool
	}

	for _, p := range payouts {
		if p.Amount.IsNegative() {
			return Result{}, fmt.Errorf("negative payout for rank %d", p.Rank)
		}
	}

	return Result{Payouts: payouts, Paid: paid, RolledOver: decimal.Zero}, nil
}

// Preview returns the amounts each place would receive if every place up to
// the table length were filled.
func Preview(pool decimal.Decimal, table Table, places int32) ([]decimal.Decimal, error) {
	ranks := make([]ranking.RankEntry, len(table))
	for i := range ranks {
		ranks[i].Rank = i + 1
	}
	res, err := Distribute(ranks, pool, table, places)
	if err != nil {
		return nil, err
	}
	out := make([]decimal.Decimal, len(res.Payouts))
	for i, p := range res.Payouts {
		out[i] = p.Amount
	}
	return out, nil
}
