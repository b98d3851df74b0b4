// Package settlement pays out finished epochs. A payout is recorded as a
// Distribution only after its transaction is confirmed on chain, and the
// (family, epoch) unique index keeps it to at most one.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"donut/chain"
	"donut/config"
	"donut/ledger"
	"donut/logger"
	"donut/metrics"
	"donut/models"
	"donut/prize"
	"donut/ranking"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrAttemptPending means an earlier payout transaction has not resolved yet.
var ErrAttemptPending = errors.New("settlement: prior attempt pending")

const (
	ReasonTooEarly           = "not yet: no finished epoch"
	ReasonEpochOpen          = "not yet: epoch still open"
	ReasonInProgress         = "not yet: settlement already running"
	ReasonAlreadyDistributed = "already distributed"
	ReasonAttemptPending     = "not yet: prior attempt pending"
	ReasonWindowClosed       = "not yet: distribution window closed"
	ReasonNotConfirmed       = "not yet: payout not confirmed"
	ReasonReverted           = "payout reverted, will retry"
	ReasonNoPayoutContract   = "payout contract not configured"
	ReasonInsufficientPool   = "not yet: insufficient pool"
)

// Payer submits the payout transaction of one family.
type Payer interface {
	CanDistribute(ctx context.Context) (bool, error)
	Prepare(ctx context.Context, transfers []chain.Transfer) (*types.Transaction, error)
	Send(ctx context.Context, tx *types.Transaction) error
}

type PayerFactory func(f config.Family) (Payer, error)

// Ranker produces the payout ranking for a finished epoch.
type Ranker interface {
	Ranks(ctx context.Context, f config.Family, epoch int64, payout bool) ([]ranking.RankEntry, error)
}

type Options struct {
	DryRun bool
	// Epoch overrides the epoch to settle. Zero settles the previous one.
	Epoch int64
}

type Result struct {
	Family      string          `json:"family"`
	Epoch       int64           `json:"epoch"`
	Distributed bool            `json:"distributed"`
	DryRun      bool            `json:"dryRun,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Pool        decimal.Decimal `json:"pool"`
	Paid        decimal.Decimal `json:"paid"`
	RolledOver  decimal.Decimal `json:"rolledOver"`
	Winners     []prize.Payout  `json:"winners,omitempty"`
	TxHash      string          `json:"txHash,omitempty"`
}

type Dispatcher struct {
	db      *gorm.DB
	reader  chain.Reader
	payers  PayerFactory
	ranker  Ranker
	metrics *metrics.Metrics
	lock    throttle

	Now            func() time.Time
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// StaleAfter is how long a submitted transaction may be missing from
	// every node before its attempt is given up.
	StaleAfter time.Duration
}

func NewDispatcher(db *gorm.DB, reader chain.Reader, payers PayerFactory, ranker Ranker, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		db:             db,
		reader:         reader,
		payers:         payers,
		ranker:         ranker,
		metrics:        m,
		Now:            time.Now,
		ConfirmTimeout: 90 * time.Second,
		PollInterval:   3 * time.Second,
		StaleAfter:     10 * time.Minute,
	}
}

// TargetEpoch is the epoch a settlement run at now would pay, or 0 when no
// epoch has finished.
func TargetEpoch(f config.Family, now time.Time) int64 {
	cur := f.Clock().Of(now)
	if cur < 2 {
		return 0
	}
	return cur - 1
}

// Dispatch settles one family epoch. Preconditions that are not met yet come
// back as a Result with a reason and no error; an error means the chain or
// the database could not be reached and the trigger should be retried.
func (d *Dispatcher) Dispatch(ctx context.Context, f config.Family, opts Options) (Result, error) {
	now := d.Now()
	n := opts.Epoch
	if n == 0 {
		n = TargetEpoch(f, now)
	}
	out := Result{Family: f.Name, Epoch: n, DryRun: opts.DryRun}

	if n == 0 {
		out.Reason = ReasonTooEarly
		return out, nil
	}
	if n >= f.Clock().Of(now) {
		out.Reason = ReasonEpochOpen
		return out, nil
	}

	if opts.DryRun {
		return d.plan(ctx, f, out)
	}

	release, ok := d.lock.tryAcquire(f.Name)
	if !ok {
		out.Reason = ReasonInProgress
		return out, nil
	}
	defer release()

	key := ledger.Key{"family": f.Name, "epoch": n}
	existing, err := ledger.Find[models.Distribution](ctx, d.db, key)
	if err != nil {
		return out, err
	}
	if existing != nil {
		d.metrics.Distribution(f.Name, "noop")
		return fromDistribution(out, existing, ReasonAlreadyDistributed), nil
	}

	dist, err := d.resolvePending(ctx, f, n)
	switch {
	case errors.Is(err, ErrAttemptPending):
		d.metrics.Distribution(f.Name, "pending")
		out.Reason = ReasonAttemptPending
		return out, nil
	case err != nil:
		return out, err
	case dist != nil:
		d.metrics.Distribution(f.Name, "distributed")
		return fromDistribution(out, dist, ""), nil
	}

	out, err = d.plan(ctx, f, out)
	if err != nil || out.Reason != "" {
		return out, err
	}

	if len(out.Winners) == 0 {
		return d.rollover(ctx, f, out)
	}
	return d.pay(ctx, f, out)
}

// plan ranks the epoch and splits the pool without touching the chain's
// write side.
func (d *Dispatcher) plan(ctx context.Context, f config.Family, out Result) (Result, error) {
	ranks, err := d.ranker.Ranks(ctx, f, out.Epoch, true)
	if err != nil {
		return out, err
	}

	pool, reason, err := d.pool(ctx, f)
	if err != nil || reason != "" {
		out.Reason = reason
		return out, err
	}
	// Only an epoch nobody placed in rolls over. Winners wait for funding.
	if len(ranks) > 0 && !pool.IsPositive() {
		out.Pool = pool
		out.Reason = ReasonInsufficientPool
		return out, nil
	}

	split, err := prize.Distribute(ranks, pool, f.Table(), f.Decimals)
	if err != nil {
		return out, err
	}
	out.Pool = pool
	out.Paid = split.Paid
	out.RolledOver = split.RolledOver
	out.Winners = split.Payouts
	return out, nil
}

func (d *Dispatcher) pool(ctx context.Context, f config.Family) (decimal.Decimal, string, error) {
	if f.PoolSource == config.PoolFixed {
		return f.PoolAmount, "", nil
	}
	if !f.HasPayoutContract() {
		return decimal.Zero, ReasonNoPayoutContract, nil
	}
	bal, err := d.reader.TokenBalance(ctx, f.TokenAddress(), common.HexToAddress(f.PayoutContract))
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("read pool: %w", err)
	}
	return decimal.NewFromBigInt(bal, -f.Decimals), "", nil
}

// rollover records an epoch nobody placed in. Nothing is sent on chain.
func (d *Dispatcher) rollover(ctx context.Context, f config.Family, out Result) (Result, error) {
	row := &models.Distribution{
		Family:        f.Name,
		Epoch:         out.Epoch,
		TotalPool:     out.Pool,
		Paid:          decimal.Zero,
		RolledOver:    out.Pool,
		Winners:       datatypes.JSON("[]"),
		DistributedAt: d.Now(),
	}
	res, err := ledger.RecordIfNew(ctx, d.db, row, ledger.Key{"family": f.Name, "epoch": out.Epoch})
	if err != nil {
		return out, err
	}
	if !res.Inserted {
		return fromDistribution(out, res.Existing, ReasonAlreadyDistributed), nil
	}

	logger.Info("🍩 %s epoch %d had no winners, %s rolls over", f.Name, out.Epoch, out.Pool)
	d.metrics.Distribution(f.Name, "rollover")
	out.Distributed = true
	out.Paid = decimal.Zero
	out.RolledOver = out.Pool
	return out, nil
}

func (d *Dispatcher) pay(ctx context.Context, f config.Family, out Result) (Result, error) {
	if !f.HasPayoutContract() {
		out.Reason = ReasonNoPayoutContract
		return out, nil
	}
	payer, err := d.payers(f)
	if err != nil {
		return out, fmt.Errorf("payer for %s: %w", f.Name, err)
	}

	open, err := payer.CanDistribute(ctx)
	if err != nil {
		return out, err
	}
	if !open {
		d.metrics.Distribution(f.Name, "noop")
		out.Reason = ReasonWindowClosed
		return out, nil
	}

	transfers, err := toTransfers(out.Winners, f.Decimals)
	if err != nil {
		return out, err
	}

	tx, err := payer.Prepare(ctx, transfers)
	if err != nil {
		return out, err
	}

	plan, _ := json.Marshal(prize.Result{Payouts: out.Winners, Paid: out.Paid, RolledOver: out.RolledOver})
	attempt := &models.SettlementAttempt{
		Family:    f.Name,
		Epoch:     out.Epoch,
		TxHash:    tx.Hash().Hex(),
		Status:    models.AttemptPending,
		TotalPool: out.Pool,
		Payouts:   datatypes.JSON(plan),
	}
	if err := d.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return out, fmt.Errorf("%w: record attempt: %v", ledger.ErrStorage, err)
	}
	out.TxHash = attempt.TxHash

	logger.Info("📤 %s epoch %d: sending payout %s to %d winners", f.Name, out.Epoch, attempt.TxHash, len(transfers))
	if err := payer.Send(ctx, tx); err != nil {
		// The node may have taken it anyway; the attempt is re-checked on the
		// next run.
		return out, err
	}

	receipt, err := d.waitReceipt(ctx, tx.Hash())
	if err != nil {
		if errors.Is(err, chain.ErrNotFound) {
			d.metrics.Distribution(f.Name, "pending")
			out.Reason = ReasonNotConfirmed
			return out, nil
		}
		return out, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		d.markFailed(ctx, attempt, "reverted")
		d.metrics.Distribution(f.Name, "failed")
		out.Reason = ReasonReverted
		return out, nil
	}

	dist, err := d.finalize(ctx, attempt)
	if err != nil {
		return out, err
	}
	d.metrics.Distribution(f.Name, "distributed")
	logger.Success("✅ %s epoch %d distributed in %s", f.Name, out.Epoch, attempt.TxHash)
	return fromDistribution(out, dist, ""), nil
}

// waitReceipt polls until the receipt shows up or ConfirmTimeout passes, in
// which case it returns chain.ErrNotFound.
func (d *Dispatcher) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, d.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		r, err := d.reader.Receipt(ctx, hash)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, chain.ErrNotFound) && !errors.Is(err, chain.ErrUnavailable) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, chain.ErrNotFound
		case <-ticker.C:
		}
	}
}

// resolvePending settles the outcome of earlier attempts for the epoch. It
// returns the distribution when one of them landed, ErrAttemptPending when
// one is still unresolved, and nil, nil when all of them failed.
func (d *Dispatcher) resolvePending(ctx context.Context, f config.Family, n int64) (*models.Distribution, error) {
	var attempts []models.SettlementAttempt
	if err := d.db.WithContext(ctx).
		Where("family = ? AND epoch = ? AND status = ?", f.Name, n, models.AttemptPending).
		Order("id").
		Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("%w: load attempts: %v", ledger.ErrStorage, err)
	}

	pending := false
	for i := range attempts {
		a := &attempts[i]
		hash := common.HexToHash(a.TxHash)

		receipt, err := d.reader.Receipt(ctx, hash)
		switch {
		case err == nil && receipt.Status == types.ReceiptStatusSuccessful:
			return d.finalize(ctx, a)
		case err == nil:
			d.markFailed(ctx, a, "reverted")
			continue
		case !errors.Is(err, chain.ErrNotFound):
			return nil, err
		}

		_, err = d.reader.Transaction(ctx, hash)
		switch {
		case err == nil:
			pending = true
		case !errors.Is(err, chain.ErrNotFound):
			return nil, err
		case d.Now().Sub(a.CreatedAt) > d.StaleAfter:
			d.markFailed(ctx, a, "dropped")
		default:
			pending = true
		}
	}

	if pending {
		return nil, ErrAttemptPending
	}
	return nil, nil
}

func (d *Dispatcher) finalize(ctx context.Context, a *models.SettlementAttempt) (*models.Distribution, error) {
	var plan prize.Result
	if err := json.Unmarshal(a.Payouts, &plan); err != nil {
		return nil, fmt.Errorf("decode attempt %s: %w", a.TxHash, err)
	}
	winners, _ := json.Marshal(plan.Payouts)

	row := &models.Distribution{
		Family:        a.Family,
		Epoch:         a.Epoch,
		TotalPool:     a.TotalPool,
		Paid:          plan.Paid,
		RolledOver:    plan.RolledOver,
		Winners:       datatypes.JSON(winners),
		TxHash:        a.TxHash,
		DistributedAt: d.Now(),
	}
	res, err := ledger.RecordIfNew(ctx, d.db, row, ledger.Key{"family": a.Family, "epoch": a.Epoch})
	if err != nil {
		return nil, err
	}

	if err := d.db.WithContext(ctx).Model(&models.SettlementAttempt{}).
		Where("id = ? AND status = ?", a.ID, models.AttemptPending).
		Update("status", models.AttemptConfirmed).Error; err != nil {
		logger.Warn("⚠️  attempt %s confirmed but status update failed: %v", a.TxHash, err)
	}

	if !res.Inserted {
		return res.Existing, nil
	}
	return row, nil
}

func (d *Dispatcher) markFailed(ctx context.Context, a *models.SettlementAttempt, why string) {
	logger.Warn("⚠️  %s epoch %d attempt %s %s", a.Family, a.Epoch, a.TxHash, why)
	if err := d.db.WithContext(ctx).Model(&models.SettlementAttempt{}).
		Where("id = ? AND status = ?", a.ID, models.AttemptPending).
		Updates(map[string]any{"status": models.AttemptFailed, "error": why}).Error; err != nil {
		logger.Error("❌ mark attempt %s failed: %v", a.TxHash, err)
	}
}

func toTransfers(payouts []prize.Payout, decimals int32) ([]chain.Transfer, error) {
	out := make([]chain.Transfer, 0, len(payouts))
	for _, p := range payouts {
		to, ok := chain.ParseAddress(p.Wallet)
		if !ok {
			return nil, fmt.Errorf("rank %d (%s) has no payable wallet", p.Rank, p.PlayerKey)
		}
		amount := p.Amount.Shift(decimals).BigInt()
		if amount.Cmp(big.NewInt(0)) < 0 {
			return nil, fmt.Errorf("rank %d: negative amount", p.Rank)
		}
		out = append(out, chain.Transfer{To: to, Amount: amount})
	}
	return out, nil
}

func fromDistribution(out Result, d *models.Distribution, reason string) Result {
	out.Distributed = reason == ""
	out.Reason = reason
	out.Pool = d.TotalPool
	out.Paid = d.Paid
	out.RolledOver = d.RolledOver
	out.TxHash = d.TxHash
	var winners []prize.Payout
	if err := json.Unmarshal(d.Winners, &winners); err == nil {
		out.Winners = winners
	}
	return out
}
