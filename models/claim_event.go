package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActionMineDonut     = "mine_donut"
	ActionMineSprinkles = "mine_sprinkles"
	ActionGameScore     = "game_score"
	ActionChatMessage   = "chat_message"
)

// ClaimEvent is one credited on-chain action. IdempotencyKey is the lowercase
// tx hash, or actor:kind:epoch for actions without a transaction.
type ClaimEvent struct {
	gorm.Model

	IdempotencyKey string          `gorm:"size:160;uniqueIndex:idx_claim_key;not null" json:"idempotencyKey"`
	SourceTxHash   string          `gorm:"size:66;index" json:"sourceTxHash"`
	ActorAddress   string          `gorm:"size:42;index" json:"actorAddress"`
	ActionKind     string          `gorm:"size:32;index" json:"actionKind"`
	Family         string          `gorm:"size:32;index" json:"family"`
	RawAmount      decimal.Decimal `gorm:"type:numeric(78,0)" json:"rawAmount"`
	Points         int64           `json:"points"`
	Epoch          int64           `gorm:"index" json:"epoch"`
	BlockNumber    uint64          `json:"blockNumber"`
	ImageURL       string          `gorm:"size:512" json:"imageUrl,omitempty"`
	Metadata       datatypes.JSON  `gorm:"type:jsonb" json:"metadata,omitempty"`
}
