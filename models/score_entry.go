package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ReviewPending  = ""
	ReviewCleared  = "cleared"
	ReviewExcluded = "excluded"
)

// ScoreEntry is one play session. Score starts at zero and is written once.
type ScoreEntry struct {
	ID            string         `gorm:"primaryKey;size:36" json:"entryId"`
	Family        string         `gorm:"size:32;index:idx_score_family_epoch" json:"family"`
	Epoch         int64          `gorm:"index:idx_score_family_epoch" json:"week"`
	PlayerKey     string         `gorm:"size:64;index" json:"playerKey"`
	Wallet        string         `gorm:"size:42" json:"wallet"`
	EntryTxHash   *string        `gorm:"size:66;uniqueIndex:idx_score_entry_tx" json:"entryTxHash,omitempty"`
	Score         int64          `gorm:"default:0" json:"score"`
	Metrics       datatypes.JSON `gorm:"type:jsonb" json:"metrics,omitempty"`
	Flagged       bool           `gorm:"default:false;index" json:"flagged"`
	Reasons       datatypes.JSON `gorm:"type:jsonb" json:"reasons,omitempty"`
	ChecksumValid bool           `gorm:"default:false" json:"checksumValid"`
	Review        string         `gorm:"size:16" json:"review,omitempty"`
	SubmittedAt   *time.Time     `json:"submittedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

func (e *ScoreEntry) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == "" {
		e.ID = strings.ToLower(uuid.New().String())
	}
	return nil
}
