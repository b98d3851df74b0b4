package services

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"donut/anticheat"
	"donut/chain"
	"donut/config"
	"donut/database/dbtest"
	"donut/epoch"
	"donut/metrics"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	mineSig = "mine(address miner,address provider,uint256 epochId,uint256 deadline,uint256 maxPrice,string uri)"
	playSig = "playGame(address player,uint256 gameId)"
)

var (
	minerContract = common.HexToAddress("0x00000000000000000000000000000000000d0001")
	gameContract  = common.HexToAddress("0x0000000000000000000000000000000000064e01")
	referrer      = common.HexToAddress("0x00000000000000000000000000000000000fee01")
	alice         = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob           = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type fakeReader struct {
	mu       sync.Mutex
	txs      map[common.Hash]*chain.Tx
	receipts map[common.Hash]*types.Receipt
	err      error
	calls    int
}

func newFakeReader() *fakeReader {
	return &fakeReader{txs: make(map[common.Hash]*chain.Tx), receipts: make(map[common.Hash]*types.Receipt)}
}

func (f *fakeReader) add(from, to common.Address, value int64, input []byte) common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := common.BigToHash(big.NewInt(int64(len(f.txs) + 1)))
	dest := to
	f.txs[h] = &chain.Tx{Hash: h, From: from, To: &dest, Input: input, Value: big.NewInt(value)}
	f.receipts[h] = &types.Receipt{TxHash: h, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}
	return h
}

func (f *fakeReader) Receipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, chain.ErrNotFound
}

func (f *fakeReader) Transaction(ctx context.Context, h common.Hash) (*chain.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.txs[h]; ok {
		return tx, nil
	}
	return nil, chain.ErrNotFound
}

func (f *fakeReader) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (f *fakeReader) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return nil, nil
}

func (f *fakeReader) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeReader) BlockNumber(ctx context.Context) (uint64, error) { return 100, nil }

func callData(t *testing.T, sig string, args ...any) []byte {
	t.Helper()
	m, err := chain.ParseSignature(sig)
	require.NoError(t, err)
	packed, err := m.Inputs.Pack(args...)
	require.NoError(t, err)
	return append(append([]byte{}, m.ID...), packed...)
}

func mineCall(t *testing.T, miner, provider common.Address) []byte {
	return callData(t, mineSig, miner, provider, big.NewInt(1), big.NewInt(1e9), big.NewInt(1e18), "")
}

func testConfig() *config.Config {
	anchor := time.Now().Add(-24 * time.Hour)
	week := config.Duration(epoch.Week)
	return &config.Config{
		FeeReferrer: referrer,
		Families: map[string]config.Family{
			"donut-miners": {
				Name: "donut-miners", Kind: config.KindClaims, Actions: []string{"mine_donut"},
				Anchor: anchor, Period: week, Percents: []float64{50, 30, 20},
				PoolSource: config.PoolFixed, PoolAmount: decimal.NewFromInt(90), Decimals: 18,
			},
			"glaze": {
				Name: "glaze", Kind: config.KindClaims, Actions: []string{"chat_message"},
				Anchor: anchor, Period: week, Percents: []float64{100},
				PoolSource: config.PoolFixed, PoolAmount: decimal.NewFromInt(10), Decimals: 18,
			},
			"flappy-donut": {
				Name: "flappy-donut", Kind: config.KindScore, EntryAction: "game_score", ExcludeFlagged: true,
				Anchor: anchor, Period: week, Percents: []float64{50, 30, 20},
				PoolSource: config.PoolFixed, PoolAmount: decimal.NewFromInt(100), Decimals: 6,
			},
			"donut-dash": {
				Name: "donut-dash", Kind: config.KindScore, ExcludeFlagged: true,
				Anchor: anchor, Period: week, Percents: []float64{50, 30, 20},
				PoolSource: config.PoolFixed, PoolAmount: decimal.NewFromInt(100), Decimals: 6,
			},
		},
		Actions: map[string]config.Action{
			"mine_donut": {
				Kind: "mine_donut", Contract: minerContract.Hex(), Signature: mineSig,
				ReferrerParam: "provider", AmountFrom: "value", Points: 1,
			},
			"game_score": {
				Kind: "game_score", Contract: gameContract.Hex(), Signature: playSig, AmountFrom: "value",
			},
			"chat_message": {
				Kind: "chat_message", Signature: "sendMessage(string message)", Points: 1, Offchain: true,
			},
		},
	}
}

type env struct {
	db     *gorm.DB
	cfg    *config.Config
	reader *fakeReader
	claims *ClaimService
	board  *Leaderboard
	scores *ScoreService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{db: dbtest.Open(t), cfg: testConfig(), reader: newFakeReader()}
	m := metrics.New()

	claims, err := NewClaimService(e.db, e.cfg, e.reader, m)
	require.NoError(t, err)
	claims.Backoff.Initial = time.Millisecond
	e.claims = claims
	e.board = NewLeaderboard(e.db, e.cfg, e.reader, nil)
	e.scores = NewScoreService(e.db, e.cfg, e.claims, e.board, m)
	return e
}

func cleanMetrics(entryID string, score int64) *anticheat.Metrics {
	m := anticheat.Metrics{
		Duration:       300,
		SurvivalTime:   300,
		Kills:          score,
		Level:          10,
		Powerups:       20,
		WeaponUpgrades: 3,
	}
	m.Checksum = anticheat.Checksum(entryID, score, m)
	return &m
}
