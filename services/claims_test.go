package services

import (
	"context"
	"sync"
	"testing"

	"donut/chain"
	"donut/models"
	"donut/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaim_RecordsOnceAndAttachesImage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	h := e.reader.add(alice, minerContract, 12345, mineCall(t, alice, referrer))

	req := ClaimRequest{TxHash: h.Hex(), ActorAddress: alice.Hex(), ActionKind: models.ActionMineDonut}
	res, err := e.claims.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.AlreadyRecorded)
	assert.Equal(t, int64(1), res.Epoch)
	assert.Equal(t, "12345", res.Claim.RawAmount.String())
	calls := e.reader.calls

	// Someone else cannot decorate alice's claim.
	stolen := req
	stolen.ActorAddress = bob.Hex()
	stolen.ImageURL = "https://img.example/bob.png"
	res, err = e.claims.Submit(ctx, stolen)
	require.NoError(t, err)
	assert.True(t, res.AlreadyRecorded)
	assert.Empty(t, res.Claim.ImageURL)

	req.ImageURL = "https://img.example/a.png"
	res, err = e.claims.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.AlreadyRecorded)
	assert.Equal(t, req.ImageURL, res.Claim.ImageURL)

	req.ImageURL = "https://img.example/other.png"
	res, err = e.claims.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/a.png", res.Claim.ImageURL, "image is set once")
	assert.Equal(t, calls, e.reader.calls, "known claims do not hit the chain")

	var rows []models.ClaimEvent
	require.NoError(t, e.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "12345", rows[0].RawAmount.String())
	assert.Equal(t, uint64(100), rows[0].BlockNumber)
}

func TestClaim_Rejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	elsewhere := common.HexToAddress("0x0000000000000000000000000000000000000bad")

	good := e.reader.add(alice, minerContract, 1, mineCall(t, alice, referrer))
	noReferrer := e.reader.add(alice, minerContract, 1, mineCall(t, alice, elsewhere))
	wrongContract := e.reader.add(alice, elsewhere, 1, mineCall(t, alice, referrer))

	tests := []struct {
		name   string
		req    ClaimRequest
		reason string
	}{
		{"unknown action", ClaimRequest{TxHash: good.Hex(), ActorAddress: alice.Hex(), ActionKind: "dance"}, ReasonUnknownAction},
		{"bad actor", ClaimRequest{TxHash: good.Hex(), ActorAddress: "alice", ActionKind: "mine_donut"}, ReasonBadActor},
		{"bad hash", ClaimRequest{TxHash: "0x1234", ActorAddress: alice.Hex(), ActionKind: "mine_donut"}, ReasonBadTxHash},
		{"needs tx", ClaimRequest{ActorAddress: alice.Hex(), ActionKind: "mine_donut"}, ReasonTxRequired},
		{"unknown tx", ClaimRequest{TxHash: common.HexToHash("0xdead").Hex(), ActorAddress: alice.Hex(), ActionKind: "mine_donut"}, verifier.ReasonNotFound},
		{"other referrer", ClaimRequest{TxHash: noReferrer.Hex(), ActorAddress: alice.Hex(), ActionKind: "mine_donut"}, verifier.ReasonParamMismatch},
		{"other contract", ClaimRequest{TxHash: wrongContract.Hex(), ActorAddress: alice.Hex(), ActionKind: "mine_donut"}, verifier.ReasonWrongContract},
		{"not the sender", ClaimRequest{TxHash: good.Hex(), ActorAddress: bob.Hex(), ActionKind: "mine_donut"}, verifier.ReasonSenderMismatch},
		{"chat without contract", ClaimRequest{TxHash: good.Hex(), ActorAddress: alice.Hex(), ActionKind: "chat_message"}, ReasonNotOnChain},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.claims.Submit(ctx, tc.req)
			require.NoError(t, err)
			assert.False(t, res.Accepted)
			assert.Equal(t, tc.reason, res.Reason)
		})
	}

	var count int64
	require.NoError(t, e.db.Model(&models.ClaimEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestClaim_OffchainOncePerEpoch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	req := ClaimRequest{ActorAddress: alice.Hex(), ActionKind: models.ActionChatMessage}

	res, err := e.claims.Submit(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.False(t, res.AlreadyRecorded)
	assert.Equal(t, ActorOf(alice)+":chat_message:1", res.Claim.IdempotencyKey)

	res, err = e.claims.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.AlreadyRecorded)
	assert.Zero(t, e.reader.calls)
}

func TestClaim_TransientFailureIsAnError(t *testing.T) {
	e := newEnv(t)
	h := e.reader.add(alice, minerContract, 1, mineCall(t, alice, referrer))
	e.reader.err = chain.ErrUnavailable

	_, err := e.claims.Submit(context.Background(), ClaimRequest{TxHash: h.Hex(), ActorAddress: alice.Hex(), ActionKind: "mine_donut"})
	require.ErrorIs(t, err, chain.ErrUnavailable)
	assert.Equal(t, 3, e.reader.calls, "retried with backoff")

	var count int64
	require.NoError(t, e.db.Model(&models.ClaimEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestClaim_ConcurrentSubmissionsRecordOnce(t *testing.T) {
	e := newEnv(t)
	h := e.reader.add(alice, minerContract, 7, mineCall(t, alice, referrer))
	req := ClaimRequest{TxHash: h.Hex(), ActorAddress: alice.Hex(), ActionKind: "mine_donut"}

	var wg sync.WaitGroup
	results := make([]ClaimResult, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.claims.Submit(context.Background(), req)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, r := range results {
		assert.True(t, r.Accepted)
		if !r.AlreadyRecorded {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}
