package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"donut/anticheat"
	"donut/chain"
	"donut/config"
	"donut/ledger"
	"donut/logger"
	"donut/metrics"
	"donut/models"
	"donut/ranking"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ReasonUnknownFamily   = "unknown leaderboard"
	ReasonNotScoreFamily  = "leaderboard does not take scores"
	ReasonPlayerRequired  = "playerKey required"
	ReasonBadWallet       = "invalid wallet address"
	ReasonEntryTxRequired = "entry transaction required"
	ReasonEntryUsed       = "entry transaction already used"
	ReasonUnknownEntry    = "unknown entry"
	ReasonWrongPlayer     = "entry belongs to another player"
	ReasonAlreadyScored   = "score already submitted"
	ReasonBadScore        = "invalid score"
	ReasonEpochSettled    = "epoch already settled"
	ReasonBadDecision     = "decision must be cleared or excluded"
)

type SessionRequest struct {
	PlayerKey string `json:"playerKey"`
	Wallet    string `json:"wallet"`
	TxHash    string `json:"txHash"`
}

type SessionResult struct {
	Accepted bool   `json:"accepted"`
	EntryID  string `json:"entryId,omitempty"`
	Epoch    int64  `json:"epoch,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type ScoreRequest struct {
	EntryID   string             `json:"entryId"`
	PlayerKey string             `json:"playerKey"`
	Score     int64              `json:"score"`
	Metrics   *anticheat.Metrics `json:"metrics"`
}

type ScoreResult struct {
	Accepted  bool     `json:"accepted"`
	Rank      int      `json:"rank,omitempty"`
	BestScore int64    `json:"bestScore,omitempty"`
	Flagged   bool     `json:"flagged,omitempty"`
	Reasons   []string `json:"reasons,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

type ScoreService struct {
	db        *gorm.DB
	cfg       *config.Config
	claims    *ClaimService
	board     *Leaderboard
	validator *anticheat.Validator
	metrics   *metrics.Metrics

	Now func() time.Time
}

func NewScoreService(db *gorm.DB, cfg *config.Config, claims *ClaimService, board *Leaderboard, m *metrics.Metrics) *ScoreService {
	return &ScoreService{
		db:        db,
		cfg:       cfg,
		claims:    claims,
		board:     board,
		validator: anticheat.NewValidator(anticheat.DefaultRules()),
		metrics:   m,
		Now:       time.Now,
	}
}

func (s *ScoreService) scoreFamily(name string) (config.Family, string) {
	f, ok := s.cfg.Family(name)
	if !ok {
		return f, ReasonUnknownFamily
	}
	if f.Kind != config.KindScore {
		return f, ReasonNotScoreFamily
	}
	return f, ""
}

// CreateSession opens a play session with a zero score. Families with a paid
// entry need the entry transaction, and each transaction opens one session.
func (s *ScoreService) CreateSession(ctx context.Context, family string, req SessionRequest) (SessionResult, error) {
	f, reason := s.scoreFamily(family)
	if reason != "" {
		return SessionResult{Reason: reason}, nil
	}

	player := strings.TrimSpace(req.PlayerKey)
	if player == "" {
		return SessionResult{Reason: ReasonPlayerRequired}, nil
	}

	var wallet string
	if req.Wallet != "" {
		addr, ok := chain.ParseAddress(strings.TrimSpace(req.Wallet))
		if !ok {
			return SessionResult{Reason: ReasonBadWallet}, nil
		}
		wallet = ActorOf(addr)
	}

	entry := &models.ScoreEntry{
		Family:    f.Name,
		Epoch:     f.Clock().Of(s.Now()),
		PlayerKey: player,
		Wallet:    wallet,
	}

	if f.EntryAction != "" {
		if req.TxHash == "" || wallet == "" {
			return SessionResult{Reason: ReasonEntryTxRequired}, nil
		}
		claim, err := s.claims.Submit(ctx, ClaimRequest{
			TxHash:       req.TxHash,
			ActorAddress: wallet,
			ActionKind:   f.EntryAction,
		})
		if err != nil {
			return SessionResult{}, err
		}
		if !claim.Accepted {
			return SessionResult{Reason: claim.Reason}, nil
		}
		// A payment recorded earlier may still open its session if none
		// exists yet, but only for the wallet that paid.
		if claim.AlreadyRecorded && claim.Claim.ActorAddress != wallet {
			return SessionResult{Reason: ReasonEntryUsed}, nil
		}
		hash := claim.Claim.SourceTxHash
		entry.EntryTxHash = &hash

		res, err := ledger.RecordIfNew(ctx, s.db, entry, ledger.Key{"entry_tx_hash": hash})
		if err != nil {
			return SessionResult{}, err
		}
		if !res.Inserted {
			return SessionResult{Reason: ReasonEntryUsed}, nil
		}
	} else if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return SessionResult{}, fmt.Errorf("%w: create session: %v", ledger.ErrStorage, err)
	}

	logger.Debug("session %s opened for %s in %s epoch %d", entry.ID, player, f.Name, entry.Epoch)
	return SessionResult{Accepted: true, EntryID: entry.ID, Epoch: entry.Epoch}, nil
}

// Submit writes the final score of a session. The score is written once; the
// anti-cheat verdict is stored with it and never blocks it.
func (s *ScoreService) Submit(ctx context.Context, family string, req ScoreRequest) (ScoreResult, error) {
	f, reason := s.scoreFamily(family)
	if reason != "" {
		return ScoreResult{Reason: reason}, nil
	}
	if req.Score < 0 {
		return ScoreResult{Reason: ReasonBadScore}, nil
	}

	var entry models.ScoreEntry
	err := s.db.WithContext(ctx).Where("id = ? AND family = ?", strings.ToLower(req.EntryID), f.Name).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ScoreResult{Reason: ReasonUnknownEntry}, nil
	}
	if err != nil {
		return ScoreResult{}, fmt.Errorf("%w: load entry: %v", ledger.ErrStorage, err)
	}
	if entry.PlayerKey != strings.TrimSpace(req.PlayerKey) {
		return ScoreResult{Reason: ReasonWrongPlayer}, nil
	}
	if entry.SubmittedAt != nil {
		return ScoreResult{Reason: ReasonAlreadyScored}, nil
	}

	settled, err := ledger.Exists[models.Distribution](ctx, s.db, ledger.Key{"family": f.Name, "epoch": entry.Epoch})
	if err != nil {
		return ScoreResult{}, err
	}
	if settled {
		return ScoreResult{Reason: ReasonEpochSettled}, nil
	}

	verdict := s.validator.Validate(entry.ID, req.Score, req.Metrics)
	metricsJSON, _ := json.Marshal(req.Metrics)
	reasonsJSON, _ := json.Marshal(verdict.Reasons)
	now := s.Now()

	res := s.db.WithContext(ctx).Model(&models.ScoreEntry{}).
		Where("id = ? AND submitted_at IS NULL", entry.ID).
		Updates(map[string]any{
			"score":          req.Score,
			"metrics":        datatypes.JSON(metricsJSON),
			"flagged":        verdict.Flagged,
			"reasons":        datatypes.JSON(reasonsJSON),
			"checksum_valid": verdict.ChecksumValid,
			"submitted_at":   now,
		})
	if res.Error != nil {
		return ScoreResult{}, fmt.Errorf("%w: save score: %v", ledger.ErrStorage, res.Error)
	}
	if res.RowsAffected == 0 {
		return ScoreResult{Reason: ReasonAlreadyScored}, nil
	}

	s.metrics.Score(f.Name, verdict.Flagged)
	if verdict.Flagged {
		logger.Warn("🚩 %s entry %s flagged: %s", f.Name, entry.ID, strings.Join(verdict.Reasons, "; "))
	}

	out := ScoreResult{Accepted: true, Flagged: verdict.Flagged, Reasons: verdict.Reasons}
	ranks, err := s.board.Ranks(ctx, f, entry.Epoch, false)
	if err != nil {
		// The score is stored; the rank is informational.
		logger.Warn("⚠️  rank after score %s: %v", entry.ID, err)
		return out, nil
	}
	if r, ok := ranking.Find(ranks, entry.PlayerKey); ok {
		out.Rank = r.Rank
		out.BestScore = r.BestScore
	}
	return out, nil
}

// Review records an operator decision on an entry.
func (s *ScoreService) Review(ctx context.Context, entryID, decision string) (*models.ScoreEntry, string, error) {
	if decision != models.ReviewCleared && decision != models.ReviewExcluded {
		return nil, ReasonBadDecision, nil
	}

	var entry models.ScoreEntry
	err := s.db.WithContext(ctx).Where("id = ?", strings.ToLower(entryID)).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ReasonUnknownEntry, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: load entry: %v", ledger.ErrStorage, err)
	}

	if err := s.db.WithContext(ctx).Model(&entry).Update("review", decision).Error; err != nil {
		return nil, "", fmt.Errorf("%w: review: %v", ledger.ErrStorage, err)
	}
	entry.Review = decision
	logger.Info("🔎 entry %s reviewed: %s", entry.ID, decision)
	return &entry, "", nil
}
