// internal/match/policy.go
// Pure matching policy: who can be paired, and how good a pairing is.

package match

import (
	"github.com/ghostlink/ghostlink/internal/presence"
	"github.com/ghostlink/ghostlink/internal/profile"
)

// Compatible reports whether two profiles may be paired. Gender preferences
// must be satisfied in both directions, and the mature-content flags must
// match exactly: the flag is a hard partition of the pool, not a preference.
func Compatible(a, b profile.Profile) bool {
	if !prefersOK(a, b) || !prefersOK(b, a) {
		return false
	}
	return a.Mature == b.Mature
}

func prefersOK(who, other profile.Profile) bool {
	return who.GenderPreference == profile.PreferenceAny ||
		who.GenderPreference == "" ||
		who.GenderPreference == other.Gender
}

// Score rates candidate b for user a; higher is better. Base 10 when a's
// gender preference is satisfied (or any), +5 per shared tag, +5 when the
// mature flags agree. Only call with compatible profiles.
func Score(a, b profile.Profile) int {
	score := 0
	if a.GenderPreference == profile.PreferenceAny || a.GenderPreference == b.Gender {
		score += 10
	}
	shared := 0
	tags := make(map[string]struct{}, len(b.Tags))
	for _, tag := range b.Tags {
		tags[tag] = struct{}{}
	}
	for _, tag := range a.Tags {
		if _, ok := tags[tag]; ok {
			shared++
		}
	}
	score += shared * 5
	if a.Mature == b.Mature {
		score += 5
	}
	return score
}

// Best picks the highest-scoring compatible candidate from the pool, scanned
// in the order given. Ties keep the earlier candidate, so with the pool
// sorted by join time the longest-waiting user wins.
func Best(self profile.Profile, pool []presence.Entry) (presence.Entry, bool) {
	var best presence.Entry
	bestScore := -1
	for _, candidate := range pool {
		if !Compatible(self, candidate.Profile) {
			continue
		}
		if score := Score(self, candidate.Profile); score > bestScore {
			bestScore = score
			best = candidate
		}
	}
	return best, bestScore >= 0
}
