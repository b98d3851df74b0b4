package ranking

import (
	"sort"
	"time"
)

// Entry is one scored row fed to the ranking, either a play session or an
// aggregated claim total.
type Entry struct {
	EntryID   string
	PlayerKey string
	Wallet    string
	Epoch     int64
	Score     int64
	CreatedAt time.Time
}

// RankEntry is a transient view and is never persisted.
type RankEntry struct {
	Rank      int       `json:"rank"`
	PlayerKey string    `json:"playerKey"`
	Wallet    string    `json:"wallet,omitempty"`
	BestScore int64     `json:"bestScore"`
	EntryID   string    `json:"entryId,omitempty"`
	AchieveAt time.Time `json:"achievedAt"`
}

// Rank keeps each player's best score in the epoch and orders players by it.
// Equal scores go to whoever reached them first, then to the lower player key,
// so the output is a strict order and ranks are 1..N without gaps.
func Rank(entries []Entry, epoch int64) []RankEntry {
	best := make(map[string]Entry)
	for _, e := range entries {
		if e.Epoch != epoch || e.Score <= 0 || e.PlayerKey == "" {
			continue
		}
		cur, ok := best[e.PlayerKey]
		if !ok || better(e, cur) {
			best[e.PlayerKey] = e
		}
	}

	out := make([]RankEntry, 0, len(best))
	for _, e := range best {
		out = append(out, RankEntry{
			PlayerKey: e.PlayerKey,
			Wallet:    e.Wallet,
			BestScore: e.Score,
			EntryID:   e.EntryID,
			AchieveAt: e.CreatedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.BestScore != b.BestScore {
			return a.BestScore > b.BestScore
		}
		if !a.AchieveAt.Equal(b.AchieveAt) {
			return a.AchieveAt.Before(b.AchieveAt)
		}
		return a.PlayerKey < b.PlayerKey
	})

	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// better reports whether a should replace b as a player's best entry.
func better(a, b Entry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.EntryID < b.EntryID
}

// Top trims a ranking to limit rows. A non-positive limit returns everything.
func Top(ranks []RankEntry, limit int) []RankEntry {
	if limit <= 0 || limit >= len(ranks) {
		return ranks
	}
	return ranks[:limit]
}

// Find returns the rank row for a player, if ranked.
func Find(ranks []RankEntry, playerKey string) (RankEntry, bool) {
	for _, r := range ranks {
		if r.PlayerKey == playerKey {
			return r, true
		}
	}
	return RankEntry{}, false
}
