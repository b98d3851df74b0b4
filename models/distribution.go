package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	AttemptPending   = "pending"
	AttemptConfirmed = "confirmed"
	AttemptFailed    = "failed"
)

// Distribution is the settled payout of one family epoch. At most one row
// exists per (family, epoch).
type Distribution struct {
	gorm.Model

	Family        string          `gorm:"size:32;uniqueIndex:idx_distribution_family_epoch;not null" json:"family"`
	Epoch         int64           `gorm:"uniqueIndex:idx_distribution_family_epoch;not null" json:"epoch"`
	TotalPool     decimal.Decimal `gorm:"type:numeric(78,18)" json:"totalPool"`
	Paid          decimal.Decimal `gorm:"type:numeric(78,18)" json:"paid"`
	RolledOver    decimal.Decimal `gorm:"type:numeric(78,18)" json:"rolledOver"`
	Winners       datatypes.JSON  `gorm:"type:jsonb" json:"winners"`
	TxHash        string          `gorm:"size:66;index" json:"txHash,omitempty"`
	DistributedAt time.Time       `json:"distributedAt"`
}

// SettlementAttempt is a submitted payout transaction whose outcome may not
// be known yet.
type SettlementAttempt struct {
	gorm.Model

	Family    string          `gorm:"size:32;index:idx_attempt_family_epoch" json:"family"`
	Epoch     int64           `gorm:"index:idx_attempt_family_epoch" json:"epoch"`
	TxHash    string          `gorm:"size:66;uniqueIndex;not null" json:"txHash"`
	Status    string          `gorm:"size:16;index" json:"status"`
	TotalPool decimal.Decimal `gorm:"type:numeric(78,18)" json:"totalPool"`
	Payouts   datatypes.JSON  `gorm:"type:jsonb" json:"payouts"`
	Error     string          `gorm:"size:255" json:"error,omitempty"`
}
