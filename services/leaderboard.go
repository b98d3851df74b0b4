package services

import (
	"context"
	"fmt"
	"time"

	"donut/chain"
	"donut/config"
	"donut/ledger"
	"donut/logger"
	"donut/models"
	"donut/prize"
	"donut/ranking"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const DefaultBoardLimit = 50

type BoardEntry struct {
	ranking.RankEntry
	Flagged bool     `json:"flagged,omitempty"`
	Profile *Profile `json:"profile,omitempty"`
}

type BoardStats struct {
	Players     int               `json:"players"`
	Entries     int               `json:"entries"`
	TopScore    int64             `json:"topScore"`
	TotalPoints int64             `json:"totalPoints"`
	Flagged     int               `json:"flagged"`
	Pool        *decimal.Decimal  `json:"pool,omitempty"`
	Prizes      []decimal.Decimal `json:"prizes,omitempty"`
}

type Board struct {
	Family  string       `json:"family"`
	Epoch   int64        `json:"epoch"`
	Current bool         `json:"current"`
	EndsAt  time.Time    `json:"endsAt"`
	Entries []BoardEntry `json:"entries"`
	Stats   BoardStats   `json:"stats"`
}

// Leaderboard ranks families for display and for payouts.
type Leaderboard struct {
	db       *gorm.DB
	cfg      *config.Config
	reader   chain.Reader
	profiles *ProfileLookup

	Now func() time.Time
}

func NewLeaderboard(db *gorm.DB, cfg *config.Config, reader chain.Reader, profiles *ProfileLookup) *Leaderboard {
	return &Leaderboard{db: db, cfg: cfg, reader: reader, profiles: profiles, Now: time.Now}
}

// scoredEntry is a ranking input with its review state.
type scoredEntry struct {
	ranking.Entry
	Flagged bool
}

func (l *Leaderboard) load(ctx context.Context, f config.Family, n int64) ([]scoredEntry, error) {
	if f.Kind == config.KindClaims {
		return l.loadClaims(ctx, f, n)
	}
	return l.loadScores(ctx, f, n)
}

func (l *Leaderboard) loadScores(ctx context.Context, f config.Family, n int64) ([]scoredEntry, error) {
	var rows []models.ScoreEntry
	err := l.db.WithContext(ctx).
		Where("family = ? AND epoch = ? AND submitted_at IS NOT NULL", f.Name, n).
		Where("(review <> ? OR review IS NULL)", models.ReviewExcluded).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: load scores: %v", ledger.ErrStorage, err)
	}

	out := make([]scoredEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, scoredEntry{
			Entry: ranking.Entry{
				EntryID:   r.ID,
				PlayerKey: r.PlayerKey,
				Wallet:    r.Wallet,
				Epoch:     r.Epoch,
				Score:     r.Score,
				CreatedAt: *r.SubmittedAt,
			},
			Flagged: r.Flagged && r.Review != models.ReviewCleared,
		})
	}
	return out, nil
}

// loadClaims folds claim events into one entry per actor. The total counts
// from the actor's first claim of the epoch.
func (l *Leaderboard) loadClaims(ctx context.Context, f config.Family, n int64) ([]scoredEntry, error) {
	var rows []models.ClaimEvent
	err := l.db.WithContext(ctx).
		Select("actor_address", "points", "created_at").
		Where("family = ? AND epoch = ?", f.Name, n).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: load claims: %v", ledger.ErrStorage, err)
	}

	totals := make(map[string]*scoredEntry)
	order := []string{}
	for _, r := range rows {
		e, ok := totals[r.ActorAddress]
		if !ok {
			e = &scoredEntry{Entry: ranking.Entry{
				PlayerKey: r.ActorAddress,
				Wallet:    r.ActorAddress,
				Epoch:     n,
				CreatedAt: r.CreatedAt,
			}}
			totals[r.ActorAddress] = e
			order = append(order, r.ActorAddress)
		}
		e.Score += r.Points
		if r.CreatedAt.Before(e.CreatedAt) {
			e.CreatedAt = r.CreatedAt
		}
	}

	return lo.Map(order, func(k string, _ int) scoredEntry { return *totals[k] }), nil
}

// Ranks implements the payout ranking. With payout set, entries that cannot
// be paid are dropped first: flagged and unreviewed ones when the family
// excludes them, and ones without a wallet.
func (l *Leaderboard) Ranks(ctx context.Context, f config.Family, n int64, payout bool) ([]ranking.RankEntry, error) {
	rows, err := l.load(ctx, f, n)
	if err != nil {
		return nil, err
	}

	entries := make([]ranking.Entry, 0, len(rows))
	for _, r := range rows {
		if payout {
			if f.ExcludeFlagged && r.Flagged {
				continue
			}
			if !common.IsHexAddress(r.Wallet) {
				continue
			}
		}
		entries = append(entries, r.Entry)
	}
	return ranking.Rank(entries, n), nil
}

// Query builds the public view of one family epoch. Epoch 0 means the
// current one.
func (l *Leaderboard) Query(ctx context.Context, f config.Family, n int64, limit int) (Board, error) {
	clock := f.Clock()
	current := clock.Of(l.Now())
	if n <= 0 {
		n = current
	}
	if limit <= 0 || limit > 500 {
		limit = DefaultBoardLimit
	}

	rows, err := l.load(ctx, f, n)
	if err != nil {
		return Board{}, err
	}

	entries := lo.Map(rows, func(r scoredEntry, _ int) ranking.Entry { return r.Entry })
	ranks := ranking.Rank(entries, n)
	flagged := make(map[string]bool)
	for _, r := range rows {
		if r.Flagged {
			flagged[r.EntryID] = true
		}
	}

	top := ranking.Top(ranks, limit)
	board := Board{
		Family:  f.Name,
		Epoch:   n,
		Current: n == current,
		EndsAt:  clock.End(n),
		Entries: make([]BoardEntry, len(top)),
		Stats:   l.stats(ctx, f, rows, ranks),
	}

	wallets := lo.Uniq(lo.FilterMap(top, func(r ranking.RankEntry, _ int) (string, bool) {
		return r.Wallet, r.Wallet != ""
	}))
	profiles := l.profiles.Lookup(ctx, wallets)

	for i, r := range top {
		be := BoardEntry{RankEntry: r, Flagged: r.EntryID != "" && flagged[r.EntryID]}
		if p, ok := profiles[r.Wallet]; ok {
			be.Profile = &p
		}
		board.Entries[i] = be
	}
	return board, nil
}

func (l *Leaderboard) stats(ctx context.Context, f config.Family, rows []scoredEntry, ranks []ranking.RankEntry) BoardStats {
	st := BoardStats{Players: len(ranks), Entries: len(rows)}
	if len(ranks) > 0 {
		st.TopScore = ranks[0].BestScore
	}
	for _, r := range rows {
		st.TotalPoints += r.Score
		if r.Flagged {
			st.Flagged++
		}
	}

	pool, ok := l.pool(ctx, f)
	if !ok {
		return st
	}
	st.Pool = &pool
	if prizes, err := prize.Preview(pool, f.Table(), f.Decimals); err == nil {
		st.Prizes = prizes
	}
	return st
}

func (l *Leaderboard) pool(ctx context.Context, f config.Family) (decimal.Decimal, bool) {
	if f.PoolSource == config.PoolFixed {
		return f.PoolAmount, true
	}
	if l.reader == nil || !f.HasPayoutContract() {
		return decimal.Zero, false
	}
	bal, err := l.reader.TokenBalance(ctx, f.TokenAddress(), common.HexToAddress(f.PayoutContract))
	if err != nil {
		logger.Warn("⚠️  %s pool balance unavailable: %v", f.Name, err)
		return decimal.Zero, false
	}
	return decimal.NewFromBigInt(bal, -f.Decimals), true
}
