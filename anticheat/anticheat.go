package anticheat

import (
	"math"
)

// Metrics is the evidence a game client sends with a score. Times are in
// seconds since the run started.
type Metrics struct {
	Duration       float64 `json:"duration"`
	SurvivalTime   float64 `json:"survivalTime"`
	Kills          int64   `json:"kills"`
	Level          int64   `json:"level"`
	Powerups       int64   `json:"powerups"`
	WeaponUpgrades int64   `json:"weaponUpgrades"`
	BossDefeated   bool    `json:"bossDefeated"`
	BossDefeatedAt float64 `json:"bossDefeatedAt"`
	Checksum       string  `json:"checksum"`
}

const (
	ReasonChecksum         = "checksum mismatch: possible tampering"
	ReasonMissingMetrics   = "missing metrics for a non-trivial score"
	ReasonTooShort         = "game too short for score"
	ReasonSurvivalMismatch = "survival time does not match duration"
	ReasonKillRate         = "kill rate too high"
	ReasonPowerupRate      = "powerup rate too high"
	ReasonLevelTooHigh     = "level too high for duration"
	ReasonBossTooEarly     = "boss defeated before it could spawn"
	ReasonNoKills          = "no kills but score is nonzero"
	ReasonScoreMismatch    = "score does not match kills"
	ReasonTooManyPowerups  = "more powerups than the game spawns"
	ReasonTooManyUpgrades  = "more weapon upgrades than exist"
	ReasonNegativeMeasures = "negative metric values"
)

// Rules holds the bounds a run is checked against.
type Rules struct {
	ShortGameSeconds     float64
	ShortGameMaxScore    int64
	SurvivalTolerance    float64
	RateWindowSeconds    float64
	MaxKillsPerMinute    float64
	MaxPowerupsPerMinute float64
	SecondsPerLevel      float64
	BossSpawnSeconds     float64
	ScoreToleranceAbs    int64
	ScoreTolerancePct    float64
	MaxPowerups          int64
	MaxWeaponUpgrades    int64
	TrustThreshold       int64
}

func DefaultRules() Rules {
	return Rules{
		ShortGameSeconds:     30,
		ShortGameMaxScore:    100,
		SurvivalTolerance:    5,
		RateWindowSeconds:    60,
		MaxKillsPerMinute:    120,
		MaxPowerupsPerMinute: 12,
		SecondsPerLevel:      15,
		BossSpawnSeconds:     120,
		ScoreToleranceAbs:    2,
		ScoreTolerancePct:    0.02,
		MaxPowerups:          60,
		MaxWeaponUpgrades:    5,
		TrustThreshold:       50,
	}
}

type Verdict struct {
	Flagged       bool     `json:"flagged"`
	Reasons       []string `json:"reasons"`
	ChecksumValid bool     `json:"checksumValid"`
}

type Validator struct {
	rules Rules
}

func NewValidator(rules Rules) *Validator {
	return &Validator{rules: rules}
}

// Validate screens a submitted score. It never refuses the score; every check
// that trips adds a reason and the caller stores the verdict with the entry.
func (v *Validator) Validate(entryID string, score int64, m *Metrics) Verdict {
	r := v.rules
	out := Verdict{Reasons: []string{}}

	if m == nil {
		if score > r.TrustThreshold {
			out.Reasons = append(out.Reasons, ReasonMissingMetrics)
		}
		out.Flagged = len(out.Reasons) > 0
		return out
	}

	out.ChecksumValid = checksumMatches(entryID, score, *m)
	if !out.ChecksumValid {
		out.Reasons = append(out.Reasons, ReasonChecksum)
	}

	if m.Duration < 0 || m.SurvivalTime < 0 || m.Kills < 0 || m.Level < 0 || m.Powerups < 0 || m.WeaponUpgrades < 0 {
		out.Reasons = append(out.Reasons, ReasonNegativeMeasures)
	}

	if m.Duration < r.ShortGameSeconds && score > r.ShortGameMaxScore {
		out.Reasons = append(out.Reasons, ReasonTooShort)
	}

	if m.SurvivalTime > 0 && math.Abs(m.SurvivalTime-m.Duration) > r.SurvivalTolerance {
		out.Reasons = append(out.Reasons, ReasonSurvivalMismatch)
	}

	// Rates over short runs are noise.
	if m.Duration >= r.RateWindowSeconds {
		minutes := m.Duration / 60
		if float64(m.Kills)/minutes > r.MaxKillsPerMinute {
			out.Reasons = append(out.Reasons, ReasonKillRate)
		}
		if float64(m.Powerups)/minutes > r.MaxPowerupsPerMinute {
			out.Reasons = append(out.Reasons, ReasonPowerupRate)
		}
	}

	if r.SecondsPerLevel > 0 {
		maxLevel := int64(math.Max(m.Duration, 0)/r.SecondsPerLevel) + 1
		if m.Level > maxLevel {
			out.Reasons = append(out.Reasons, ReasonLevelTooHigh)
		}
	}

	if m.BossDefeated {
		defeatedAt := m.BossDefeatedAt
		if defeatedAt <= 0 {
			defeatedAt = m.Duration
		}
		if defeatedAt < r.BossSpawnSeconds || m.Duration < r.BossSpawnSeconds {
			out.Reasons = append(out.Reasons, ReasonBossTooEarly)
		}
	}

	if m.Kills == 0 && score > 0 {
		out.Reasons = append(out.Reasons, ReasonNoKills)
	} else if !withinTolerance(score, m.Kills, r) {
		out.Reasons = append(out.Reasons, ReasonScoreMismatch)
	}

	if m.Powerups > r.MaxPowerups {
		out.Reasons = append(out.Reasons, ReasonTooManyPowerups)
	}
	if m.WeaponUpgrades > r.MaxWeaponUpgrades {
		out.Reasons = append(out.Reasons, ReasonTooManyUpgrades)
	}

	out.Flagged = len(out.Reasons) > 0
	return out
}

// score is kills in every game mode.
func withinTolerance(score, kills int64, r Rules) bool {
	diff := score - kills
	if diff < 0 {
		diff = -diff
	}
	allowed := r.ScoreToleranceAbs
	if pct := int64(math.Ceil(float64(kills) * r.ScoreTolerancePct)); pct > allowed {
		allowed = pct
	}
	return diff <= allowed
}
