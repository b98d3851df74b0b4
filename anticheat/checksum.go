package anticheat

import (
	"fmt"
	"math"
	"strings"
)

// Checksum is the value the game client computes over the result it submits.
// The client uses the same 31-multiplier rolling hash over the same field
// string, so both sides must format numbers identically: durations are whole
// milliseconds.
func Checksum(entryID string, score int64, m Metrics) string {
	payload := fmt.Sprintf("%d|%d|%d|%d|%d|%s",
		score,
		millis(m.Duration),
		millis(m.SurvivalTime),
		m.Kills,
		m.Level,
		entryID,
	)
	return fmt.Sprintf("%08x", rollingHash(payload))
}

func rollingHash(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h*31 + uint32(s[i])
	}
	return h
}

func millis(seconds float64) int64 {
	return int64(math.Round(seconds * 1000))
}

func checksumMatches(entryID string, score int64, m Metrics) bool {
	if m.Checksum == "" {
		return false
	}
	return strings.EqualFold(strings.TrimPrefix(m.Checksum, "0x"), Checksum(entryID, score, m))
}
