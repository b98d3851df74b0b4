package services

import (
	"context"
	"math/big"
	"testing"

	"donut/anticheat"
	"donut/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSession(t *testing.T, e *env, family, player string) string {
	t.Helper()
	res, err := e.scores.CreateSession(context.Background(), family, SessionRequest{PlayerKey: player, Wallet: alice.Hex()})
	require.NoError(t, err)
	require.True(t, res.Accepted, res.Reason)
	return res.EntryID
}

func TestScore_WrittenOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := openSession(t, e, "donut-dash", "alice")

	res, err := e.scores.Submit(ctx, "donut-dash", ScoreRequest{EntryID: id, PlayerKey: "alice", Score: 250, Metrics: cleanMetrics(id, 250)})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Flagged, "reasons: %v", res.Reasons)
	assert.Equal(t, 1, res.Rank)
	assert.Equal(t, int64(250), res.BestScore)

	res, err = e.scores.Submit(ctx, "donut-dash", ScoreRequest{EntryID: id, PlayerKey: "alice", Score: 9000, Metrics: cleanMetrics(id, 9000)})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonAlreadyScored, res.Reason)

	var entry models.ScoreEntry
	require.NoError(t, e.db.First(&entry, "id = ?", id).Error)
	assert.Equal(t, int64(250), entry.Score)
	assert.True(t, entry.ChecksumValid)
	assert.NotNil(t, entry.SubmittedAt)
}

func TestScore_FlaggedIsStoredNotBlocked(t *testing.T) {
	e := newEnv(t)
	id := openSession(t, e, "donut-dash", "alice")

	res, err := e.scores.Submit(context.Background(), "donut-dash", ScoreRequest{EntryID: id, PlayerKey: "alice", Score: 500})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Flagged)
	assert.Equal(t, []string{anticheat.ReasonMissingMetrics}, res.Reasons)

	var entry models.ScoreEntry
	require.NoError(t, e.db.First(&entry, "id = ?", id).Error)
	assert.True(t, entry.Flagged)
	assert.Equal(t, int64(500), entry.Score)
	assert.JSONEq(t, `["`+anticheat.ReasonMissingMetrics+`"]`, string(entry.Reasons))
}

func TestScore_Rejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := openSession(t, e, "donut-dash", "alice")

	tests := []struct {
		name   string
		family string
		req    ScoreRequest
		reason string
	}{
		{"unknown family", "pong", ScoreRequest{EntryID: id, PlayerKey: "alice", Score: 1}, ReasonUnknownFamily},
		{"claims family", "glaze", ScoreRequest{EntryID: id, PlayerKey: "alice", Score: 1}, ReasonNotScoreFamily},
		{"other family", "flappy-donut", ScoreRequest{EntryID: id, PlayerKey: "alice", Score: 1}, ReasonUnknownEntry},
		{"unknown entry", "donut-dash", ScoreRequest{EntryID: "nope", PlayerKey: "alice", Score: 1}, ReasonUnknownEntry},
		{"other player", "donut-dash", ScoreRequest{EntryID: id, PlayerKey: "bob", Score: 1}, ReasonWrongPlayer},
		{"negative", "donut-dash", ScoreRequest{EntryID: id, PlayerKey: "alice", Score: -5}, ReasonBadScore},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.scores.Submit(ctx, tc.family, tc.req)
			require.NoError(t, err)
			assert.False(t, res.Accepted)
			assert.Equal(t, tc.reason, res.Reason)
		})
	}
}

func TestScore_SettledEpochIsClosed(t *testing.T) {
	e := newEnv(t)
	id := openSession(t, e, "donut-dash", "alice")
	require.NoError(t, e.db.Create(&models.Distribution{
		Family: "donut-dash", Epoch: 1, TotalPool: decimal.Zero, Paid: decimal.Zero, RolledOver: decimal.Zero,
	}).Error)

	res, err := e.scores.Submit(context.Background(), "donut-dash", ScoreRequest{EntryID: id, PlayerKey: "alice", Score: 10})
	require.NoError(t, err)
	assert.Equal(t, ReasonEpochSettled, res.Reason)
}

func TestSession_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.scores.CreateSession(ctx, "donut-dash", SessionRequest{})
	require.NoError(t, err)
	assert.Equal(t, ReasonPlayerRequired, res.Reason)

	res, err = e.scores.CreateSession(ctx, "donut-dash", SessionRequest{PlayerKey: "alice", Wallet: "not-a-wallet"})
	require.NoError(t, err)
	assert.Equal(t, ReasonBadWallet, res.Reason)

	res, err = e.scores.CreateSession(ctx, "donut-dash", SessionRequest{PlayerKey: "alice"})
	require.NoError(t, err)
	assert.True(t, res.Accepted, "free games need no wallet")
	assert.Len(t, res.EntryID, 36)
	assert.Equal(t, int64(1), res.Epoch)
}

func TestSession_PaidEntryOpensOneSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pay := e.reader.add(alice, gameContract, 1000, callData(t, playSig, alice, big.NewInt(3)))

	res, err := e.scores.CreateSession(ctx, "flappy-donut", SessionRequest{PlayerKey: "alice", Wallet: alice.Hex()})
	require.NoError(t, err)
	assert.Equal(t, ReasonEntryTxRequired, res.Reason)

	req := SessionRequest{PlayerKey: "alice", Wallet: alice.Hex(), TxHash: pay.Hex()}
	res, err = e.scores.CreateSession(ctx, "flappy-donut", req)
	require.NoError(t, err)
	require.True(t, res.Accepted, res.Reason)

	var entry models.ScoreEntry
	require.NoError(t, e.db.First(&entry, "id = ?", res.EntryID).Error)
	require.NotNil(t, entry.EntryTxHash)
	assert.Equal(t, pay.Hex(), *entry.EntryTxHash)

	res, err = e.scores.CreateSession(ctx, "flappy-donut", req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, ReasonEntryUsed, res.Reason)

	res, err = e.scores.CreateSession(ctx, "flappy-donut", SessionRequest{PlayerKey: "bob", Wallet: bob.Hex(), TxHash: pay.Hex()})
	require.NoError(t, err)
	assert.Equal(t, ReasonEntryUsed, res.Reason)
}

func TestReview(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := openSession(t, e, "donut-dash", "alice")

	_, reason, err := e.scores.Review(ctx, id, "maybe")
	require.NoError(t, err)
	assert.Equal(t, ReasonBadDecision, reason)

	_, reason, err = e.scores.Review(ctx, "missing", models.ReviewCleared)
	require.NoError(t, err)
	assert.Equal(t, ReasonUnknownEntry, reason)

	entry, reason, err := e.scores.Review(ctx, id, models.ReviewExcluded)
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.Equal(t, models.ReviewExcluded, entry.Review)
}
