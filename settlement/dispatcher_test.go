package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"donut/chain"
	"donut/config"
	"donut/database/dbtest"
	"donut/epoch"
	"donut/metrics"
	"donut/models"
	"donut/ranking"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeChain struct {
	mu       sync.Mutex
	receipts map[common.Hash]*types.Receipt
	mempool  map[common.Hash]bool
	balance  *big.Int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		receipts: make(map[common.Hash]*types.Receipt),
		mempool:  make(map[common.Hash]bool),
		balance:  big.NewInt(0),
	}
}

func (f *fakeChain) land(h common.Hash, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mempool, h)
	f.receipts[h] = &types.Receipt{TxHash: h, Status: status}
}

func (f *fakeChain) Receipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, chain.ErrNotFound
}

func (f *fakeChain) Transaction(ctx context.Context, h common.Hash) (*chain.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mempool[h] {
		return &chain.Tx{Hash: h, Pending: true}, nil
	}
	return nil, chain.ErrNotFound
}

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return nil, nil
}

func (f *fakeChain) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) { return 1, nil }

const (
	landSuccess = "success"
	landRevert  = "revert"
	landLater   = "later"
	landLost    = "lost"
)

type fakePayer struct {
	mu        sync.Mutex
	chain     *fakeChain
	closed    bool
	outcome   string
	nonce     uint64
	prepared  int
	transfers []chain.Transfer
	last      common.Hash
}

func (p *fakePayer) CanDistribute(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed, nil
}

func (p *fakePayer) Prepare(ctx context.Context, transfers []chain.Transfer) (*types.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonce++
	p.prepared++
	p.transfers = transfers
	tx := types.NewTx(&types.LegacyTx{Nonce: p.nonce, Gas: 21000, GasPrice: big.NewInt(1)})
	p.last = tx.Hash()
	return tx, nil
}

func (p *fakePayer) Send(ctx context.Context, tx *types.Transaction) error {
	p.mu.Lock()
	outcome := p.outcome
	p.mu.Unlock()

	switch outcome {
	case landSuccess:
		p.chain.land(tx.Hash(), types.ReceiptStatusSuccessful)
	case landRevert:
		p.chain.land(tx.Hash(), types.ReceiptStatusFailed)
	case landLater:
		p.chain.mu.Lock()
		p.chain.mempool[tx.Hash()] = true
		p.chain.mu.Unlock()
	case landLost:
		return chain.ErrUnavailable
	}
	return nil
}

func (p *fakePayer) set(outcome string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcome = outcome
}

type fakeRanker struct {
	ranks []ranking.RankEntry
}

func (r *fakeRanker) Ranks(ctx context.Context, f config.Family, n int64, payout bool) ([]ranking.RankEntry, error) {
	return r.ranks, nil
}

var (
	alice = "0x00000000000000000000000000000000000a11ce"
	bob   = "0x0000000000000000000000000000000000000b0b"
)

func twoWinners() []ranking.RankEntry {
	return []ranking.RankEntry{
		{Rank: 1, PlayerKey: "alice", Wallet: alice, BestScore: 90},
		{Rank: 2, PlayerKey: "bob", Wallet: bob, BestScore: 40},
	}
}

// testFamily is in its third epoch, so a run settles epoch 2.
func testFamily() config.Family {
	return config.Family{
		Name:           "flappy-donut",
		Kind:           config.KindScore,
		Anchor:         time.Now().Add(-2*epoch.Week - 24*time.Hour),
		Period:         config.Duration(epoch.Week),
		Percents:       []float64{50, 30, 20},
		PoolSource:     config.PoolFixed,
		PoolAmount:     decimal.NewFromInt(100),
		Decimals:       6,
		PayoutContract: "0x00000000000000000000000000000000000000f1",
	}
}

type harness struct {
	db     *gorm.DB
	chain  *fakeChain
	payer  *fakePayer
	ranker *fakeRanker
	d      *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{db: dbtest.Open(t), chain: newFakeChain(), ranker: &fakeRanker{ranks: twoWinners()}}
	h.payer = &fakePayer{chain: h.chain, outcome: landSuccess}
	h.d = NewDispatcher(h.db, h.chain, func(config.Family) (Payer, error) { return h.payer, nil }, h.ranker, metrics.New())
	h.d.ConfirmTimeout = 50 * time.Millisecond
	h.d.PollInterval = 5 * time.Millisecond
	return h
}

func (h *harness) distributions(t *testing.T) []models.Distribution {
	t.Helper()
	var rows []models.Distribution
	require.NoError(t, h.db.Find(&rows).Error)
	return rows
}

func (h *harness) attempts(t *testing.T) []models.SettlementAttempt {
	t.Helper()
	var rows []models.SettlementAttempt
	require.NoError(t, h.db.Order("id").Find(&rows).Error)
	return rows
}

func TestDispatch_PaysOnceAndRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.d.Dispatch(ctx, testFamily(), Options{})
	require.NoError(t, err)
	assert.True(t, res.Distributed, res.Reason)
	assert.Equal(t, int64(2), res.Epoch)
	assert.Equal(t, h.payer.last.Hex(), res.TxHash)

	require.Len(t, h.payer.transfers, 2)
	assert.Equal(t, common.HexToAddress(alice), h.payer.transfers[0].To)
	assert.Equal(t, "62500000", h.payer.transfers[0].Amount.String())
	assert.Equal(t, "37500000", h.payer.transfers[1].Amount.String())

	rows := h.distributions(t)
	require.Len(t, rows, 1)
	assert.Equal(t, res.TxHash, rows[0].TxHash)
	assert.True(t, rows[0].Paid.Equal(decimal.NewFromInt(100)))

	attempts := h.attempts(t)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.AttemptConfirmed, attempts[0].Status)

	again, err := h.d.Dispatch(ctx, testFamily(), Options{})
	require.NoError(t, err)
	assert.False(t, again.Distributed)
	assert.Equal(t, ReasonAlreadyDistributed, again.Reason)
	assert.Equal(t, res.TxHash, again.TxHash)
	assert.Equal(t, 1, h.payer.prepared)
}

func TestDispatch_NoWinnersRollsOver(t *testing.T) {
	h := newHarness(t)
	h.ranker.ranks = nil

	res, err := h.d.Dispatch(context.Background(), testFamily(), Options{})
	require.NoError(t, err)
	assert.True(t, res.Distributed)
	assert.True(t, res.Paid.IsZero())
	assert.True(t, res.RolledOver.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 0, h.payer.prepared)

	rows := h.distributions(t)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Paid.IsZero())
	assert.Empty(t, rows[0].TxHash)
}

func TestDispatch_GuardClosedIsNoop(t *testing.T) {
	h := newHarness(t)
	h.payer.closed = true

	res, err := h.d.Dispatch(context.Background(), testFamily(), Options{})
	require.NoError(t, err)
	assert.False(t, res.Distributed)
	assert.Equal(t, ReasonWindowClosed, res.Reason)
	assert.Equal(t, 0, h.payer.prepared)
	assert.Empty(t, h.distributions(t))
	assert.Empty(t, h.attempts(t))
}

func TestDispatch_RevertedAttemptIsRetried(t *testing.T) {
	h := newHarness(t)
	h.payer.set(landRevert)
	ctx := context.Background()

	res, err := h.d.Dispatch(ctx, testFamily(), Options{})
	require.NoError(t, err)
	assert.Equal(t, ReasonReverted, res.Reason)
	assert.Empty(t, h.distributions(t))
	assert.Equal(t, models.AttemptFailed, h.attempts(t)[0].Status)

	h.payer.set(landSuccess)
	res, err = h.d.Dispatch(ctx, testFamily(), Options{})
	require.NoError(t, err)
	assert.True(t, res.Distributed)
	assert.Equal(t, 2, h.payer.prepared)
	assert.Len(t, h.distributions(t), 1)
}

func TestDispatch_UnconfirmedAttemptIsResolvedLater(t *testing.T) {
	h := newHarness(t)
	h.payer.set(landLater)
	ctx := context.Background()

	res, err := h.d.Dispatch(ctx, testFamily(), Options{})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotConfirmed, res.Reason)
	hash := h.payer.last

	res, err = h.d.Dispatch(ctx, testFamily(), Options{})
	require.NoError(t, err)
	assert.Equal(t, ReasonAttemptPending, res.Reason)
	assert.Equal(t, 1, h.payer.prepared, "no second payout while the first may land")

	h.chain.land(hash, types.ReceiptStatusSuccessful)
	res, err = h.d.Dispatch(ctx, testFamily(), Options{})
	require.NoError(t, err)
	assert.True(t, res.Distributed)
	assert.Equal(t, hash.Hex(), res.TxHash)
	assert.Equal(t, 1, h.payer.prepared)
	require.Len(t, h.distributions(t), 1)
	assert.Len(t, res.Winners, 2)
}

func TestDispatch_DroppedAttemptIsReplaced(t *testing.T) {
	h := newHarness(t)
	h.payer.set(landLost)
	ctx := context.Background()

	_, err := h.d.Dispatch(ctx, testFamily(), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, chain.ErrUnavailable))
	require.Len(t, h.attempts(t), 1)
	assert.Equal(t, models.AttemptPending, h.attempts(t)[0].Status)

	res, err := h.d.Dispatch(ctx, testFamily(), Options{})
	require.NoError(t, err)
	assert.Equal(t, ReasonAttemptPending, res.Reason, "too recent to give up on")

	h.d.StaleAfter = 0
	h.payer.set(landSuccess)
	res, err = h.d.Dispatch(ctx, testFamily(), Options{})
	require.NoError(t, err)
	assert.True(t, res.Distributed)

	attempts := h.attempts(t)
	require.Len(t, attempts, 2)
	assert.Equal(t, models.AttemptFailed, attempts[0].Status)
	assert.Equal(t, models.AttemptConfirmed, attempts[1].Status)
}

func TestDispatch_Preconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	young := testFamily()
	young.Anchor = time.Now().Add(-24 * time.Hour)
	res, err := h.d.Dispatch(ctx, young, Options{})
	require.NoError(t, err)
	assert.Equal(t, ReasonTooEarly, res.Reason)

	res, err = h.d.Dispatch(ctx, testFamily(), Options{Epoch: 3})
	require.NoError(t, err)
	assert.Equal(t, ReasonEpochOpen, res.Reason)

	unpaid := testFamily()
	unpaid.PayoutContract = ""
	res, err = h.d.Dispatch(ctx, unpaid, Options{})
	require.NoError(t, err)
	assert.Equal(t, ReasonNoPayoutContract, res.Reason)
	assert.Equal(t, 0, h.payer.prepared)
}

func TestDispatch_DryRunTouchesNothing(t *testing.T) {
	h := newHarness(t)
	h.payer.closed = true

	res, err := h.d.Dispatch(context.Background(), testFamily(), Options{DryRun: true})
	require.NoError(t, err)
	assert.False(t, res.Distributed)
	assert.True(t, res.DryRun)
	require.Len(t, res.Winners, 2)
	assert.Equal(t, "62.5", res.Winners[0].Amount.String())
	assert.Equal(t, 0, h.payer.prepared)
	assert.Empty(t, h.distributions(t))
}

func TestDispatch_OnchainPool(t *testing.T) {
	h := newHarness(t)
	h.ranker.ranks = twoWinners()[:1]
	h.chain.balance = new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18))

	f := testFamily()
	f.PoolSource = config.PoolOnchain
	f.Decimals = 18

	res, err := h.d.Dispatch(context.Background(), f, Options{})
	require.NoError(t, err)
	assert.True(t, res.Distributed)
	assert.True(t, res.Pool.Equal(decimal.NewFromInt(5)))
	require.Len(t, h.payer.transfers, 1)
	assert.Equal(t, h.chain.balance.String(), h.payer.transfers[0].Amount.String())
}

func TestDispatch_EmptyPoolWaitsForFunding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	f := testFamily()
	f.PoolSource = config.PoolOnchain
	f.Decimals = 18

	res, err := h.d.Dispatch(ctx, f, Options{})
	require.NoError(t, err)
	assert.False(t, res.Distributed)
	assert.Equal(t, ReasonInsufficientPool, res.Reason)
	assert.Empty(t, h.distributions(t), "winners exist, nothing may roll over")
	assert.Equal(t, 0, h.payer.prepared)

	h.chain.balance = new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18))
	res, err = h.d.Dispatch(ctx, f, Options{})
	require.NoError(t, err)
	assert.True(t, res.Distributed, res.Reason)
	assert.Equal(t, 1, h.payer.prepared)
	require.Len(t, h.distributions(t), 1)
	assert.True(t, h.distributions(t)[0].Paid.Equal(decimal.NewFromInt(5)))
}

func TestDispatch_ConcurrentTriggersPayOnce(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	results := make([]Result, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.d.Dispatch(context.Background(), testFamily(), Options{})
		}(i)
	}
	wg.Wait()

	distributed := 0
	for i, r := range results {
		require.NoError(t, errs[i])
		if r.Distributed {
			distributed++
		}
	}
	assert.Equal(t, 1, distributed)
	assert.Equal(t, 1, h.payer.prepared)
	assert.Len(t, h.distributions(t), 1)
}

func TestThrottle(t *testing.T) {
	var th throttle
	release, ok := th.tryAcquire("glaze")
	require.True(t, ok)

	_, ok = th.tryAcquire("glaze")
	assert.False(t, ok)

	other, ok := th.tryAcquire("donut-dash")
	require.True(t, ok)
	other()

	release()
	_, ok = th.tryAcquire("glaze")
	assert.True(t, ok)
}

func TestTargetEpoch(t *testing.T) {
	f := testFamily()
	assert.Equal(t, int64(2), TargetEpoch(f, time.Now()))
	assert.Equal(t, int64(0), TargetEpoch(f, f.Anchor.Add(time.Hour)))
}
