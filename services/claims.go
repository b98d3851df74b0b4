package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"donut/chain"
	"donut/config"
	"donut/helpers"
	"donut/ledger"
	"donut/logger"
	"donut/metrics"
	"donut/models"
	"donut/verifier"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ReasonUnknownAction = "unknown action"
	ReasonBadActor      = "invalid actor address"
	ReasonBadTxHash     = "invalid txHash"
	ReasonTxRequired    = "txHash required for this action"
	ReasonNoFamily      = "action does not count toward any leaderboard"
	ReasonNotOnChain    = "action not claimable on chain"
)

type ClaimRequest struct {
	TxHash       string `json:"txHash"`
	ActorAddress string `json:"actorAddress"`
	ActionKind   string `json:"actionKind"`
	ImageURL     string `json:"imageUrl"`
}

type ClaimResult struct {
	Accepted        bool   `json:"accepted"`
	AlreadyRecorded bool   `json:"alreadyRecorded,omitempty"`
	Epoch           int64  `json:"epoch,omitempty"`
	Points          int64  `json:"points,omitempty"`
	Reason          string `json:"reason,omitempty"`

	Claim *models.ClaimEvent `json:"-"`
}

type ClaimService struct {
	db       *gorm.DB
	cfg      *config.Config
	verifier *verifier.Verifier
	fns      map[string]verifier.Function
	metrics  *metrics.Metrics

	Now     func() time.Time
	Backoff helpers.Backoff
}

func NewClaimService(db *gorm.DB, cfg *config.Config, reader chain.Reader, m *metrics.Metrics) (*ClaimService, error) {
	reg, err := verifier.NewRegistry()
	if err != nil {
		return nil, err
	}
	fns := make(map[string]verifier.Function, len(cfg.Actions))
	for kind, a := range cfg.Actions {
		fn, err := reg.Add(a.Signature)
		if err != nil {
			return nil, fmt.Errorf("action %s: %w", kind, err)
		}
		fns[kind] = fn
	}

	backoff := helpers.DefaultBackoff
	backoff.Retryable = func(err error) bool {
		_, rejected := verifier.IsRejection(err)
		return !rejected
	}

	return &ClaimService{
		db:       db,
		cfg:      cfg,
		verifier: verifier.New(reader, reg),
		fns:      fns,
		metrics:  m,
		Now:      time.Now,
		Backoff:  backoff,
	}, nil
}

func (s *ClaimService) reject(kind, reason string) (ClaimResult, error) {
	s.metrics.Claim(kind, "rejected")
	return ClaimResult{Reason: reason}, nil
}

// Submit verifies a claimed action and credits it at most once. A nil error
// with Accepted=false is a final rejection; an error is an infrastructure
// failure and the caller may retry.
func (s *ClaimService) Submit(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	kind := strings.TrimSpace(req.ActionKind)
	action, ok := s.cfg.Actions[kind]
	if !ok {
		return s.reject("unknown", ReasonUnknownAction)
	}
	family, ok := s.cfg.FamilyForAction(kind)
	if !ok {
		return s.reject(kind, ReasonNoFamily)
	}
	actor, ok := chain.ParseAddress(strings.TrimSpace(req.ActorAddress))
	if !ok {
		return s.reject(kind, ReasonBadActor)
	}
	actorKey := ActorOf(actor)
	n := family.Clock().Of(s.Now())

	if strings.TrimSpace(req.TxHash) == "" {
		if !action.Offchain {
			return s.reject(kind, ReasonTxRequired)
		}
		row := &models.ClaimEvent{
			IdempotencyKey: fmt.Sprintf("%s:%s:%d", actorKey, kind, n),
			ActorAddress:   actorKey,
			ActionKind:     kind,
			Family:         family.Name,
			RawAmount:      decimal.Zero,
			Points:         action.Points,
			Epoch:          n,
			ImageURL:       req.ImageURL,
		}
		return s.record(ctx, row, actorKey)
	}

	hash, ok := chain.ParseHash(strings.TrimSpace(req.TxHash))
	if !ok {
		return s.reject(kind, ReasonBadTxHash)
	}
	key := strings.ToLower(hash.Hex())

	// Known claims skip the chain round trip. The insert below still decides
	// races on its own.
	existing, err := ledger.Find[models.ClaimEvent](ctx, s.db, ledger.Key{"idempotency_key": key})
	if err != nil {
		return ClaimResult{}, err
	}
	if existing != nil {
		return s.duplicate(ctx, existing, actorKey, req.ImageURL)
	}

	if action.Contract == "" {
		return s.reject(kind, ReasonNotOnChain)
	}

	exp := verifier.Expectation{
		TxHash:        hash,
		ClaimedSender: actor,
		Contract:      action.ContractAddress(),
		Selector:      s.fns[kind].Selector,
	}
	if action.ReferrerParam != "" {
		exp.Checks = append(exp.Checks, verifier.AddressEquals(action.ReferrerParam, s.cfg.FeeReferrer))
	}

	var verified *verifier.Verified
	err = helpers.Retry(ctx, s.Backoff, func(ctx context.Context) error {
		var err error
		verified, err = s.verifier.Verify(ctx, exp)
		return err
	})
	if rej, ok := verifier.IsRejection(err); ok {
		logger.Debug("claim %s %s rejected: %v", kind, key, rej)
		return s.reject(kind, rej.Reason)
	}
	if err != nil {
		s.metrics.Claim(kind, "error")
		return ClaimResult{}, err
	}

	raw, err := rawAmount(action, verified)
	if err != nil {
		return s.reject(kind, verifier.ReasonParamMismatch)
	}

	meta, _ := json.Marshal(map[string]any{
		"function": verified.Function.Method.Sig,
		"to":       strings.ToLower(verified.Tx.To.Hex()),
	})
	row := &models.ClaimEvent{
		IdempotencyKey: key,
		SourceTxHash:   key,
		ActorAddress:   actorKey,
		ActionKind:     kind,
		Family:         family.Name,
		RawAmount:      decimal.NewFromBigInt(raw, 0),
		Points:         action.Points,
		Epoch:          n,
		ImageURL:       req.ImageURL,
		Metadata:       datatypes.JSON(meta),
	}
	if verified.Receipt.BlockNumber != nil {
		row.BlockNumber = verified.Receipt.BlockNumber.Uint64()
	}
	return s.record(ctx, row, actorKey)
}

func (s *ClaimService) record(ctx context.Context, row *models.ClaimEvent, actorKey string) (ClaimResult, error) {
	var res ledger.Result[models.ClaimEvent]
	b := s.Backoff
	b.Retryable = func(err error) bool { return errors.Is(err, ledger.ErrStorage) }
	err := helpers.Retry(ctx, b, func(ctx context.Context) error {
		var err error
		res, err = ledger.RecordIfNew(ctx, s.db, row, ledger.Key{"idempotency_key": row.IdempotencyKey})
		return err
	})
	if err != nil {
		s.metrics.Claim(row.ActionKind, "error")
		return ClaimResult{}, err
	}

	if !res.Inserted {
		return s.duplicate(ctx, res.Existing, actorKey, row.ImageURL)
	}

	s.metrics.Claim(row.ActionKind, "recorded")
	logger.Info("🍩 %s claim %s by %s in %s epoch %d", row.ActionKind, row.IdempotencyKey, actorKey, row.Family, row.Epoch)
	return ClaimResult{Accepted: true, Epoch: row.Epoch, Points: row.Points, Claim: row}, nil
}

// duplicate answers a claim that is already on the ledger. The only change
// allowed is filling an image URL that was never set, and only by the actor
// who made the claim.
func (s *ClaimService) duplicate(ctx context.Context, existing *models.ClaimEvent, actorKey, imageURL string) (ClaimResult, error) {
	s.metrics.Claim(existing.ActionKind, "duplicate")

	if imageURL != "" && existing.ImageURL == "" && existing.ActorAddress == actorKey {
		res := s.db.WithContext(ctx).Model(&models.ClaimEvent{}).
			Where("id = ? AND (image_url = '' OR image_url IS NULL)", existing.ID).
			Update("image_url", imageURL)
		if res.Error != nil {
			logger.Warn("⚠️  attach image to claim %s: %v", existing.IdempotencyKey, res.Error)
		} else if res.RowsAffected > 0 {
			existing.ImageURL = imageURL
		}
	}

	return ClaimResult{
		Accepted:        true,
		AlreadyRecorded: true,
		Epoch:           existing.Epoch,
		Points:          existing.Points,
		Claim:           existing,
	}, nil
}

func rawAmount(a config.Action, v *verifier.Verified) (*big.Int, error) {
	switch a.AmountFrom {
	case "":
		return big.NewInt(0), nil
	case "value":
		if v.Tx.Value == nil {
			return big.NewInt(0), nil
		}
		return v.Tx.Value, nil
	}
	n, ok := v.Params[a.AmountFrom].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("parameter %s is not a uint", a.AmountFrom)
	}
	return n, nil
}

// ActorOf returns the lowercase hex form used as ledger actor keys.
func ActorOf(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
