package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostlink/ghostlink/internal/presence"
	"github.com/ghostlink/ghostlink/internal/profile"
)

func prof(gender, pref string, tags []string, mature bool) profile.Profile {
	return profile.Profile{
		UserID:           gender + "-" + pref,
		Nickname:         "Ghost#000",
		Gender:           gender,
		GenderPreference: pref,
		Tags:             tags,
		Mature:           mature,
	}
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		name string
		a, b profile.Profile
		want bool
	}{
		{
			name: "mutual preference satisfied",
			a:    prof(profile.GenderMale, profile.GenderFemale, nil, false),
			b:    prof(profile.GenderFemale, profile.PreferenceAny, nil, false),
			want: true,
		},
		{
			name: "one-sided preference mismatch",
			a:    prof(profile.GenderMale, profile.GenderFemale, nil, false),
			b:    prof(profile.GenderMale, profile.PreferenceAny, nil, false),
			want: false,
		},
		{
			name: "mature flags must match exactly",
			a:    prof(profile.GenderMale, profile.GenderFemale, nil, true),
			b:    prof(profile.GenderFemale, profile.PreferenceAny, nil, false),
			want: false,
		},
		{
			name: "both mature",
			a:    prof(profile.GenderMale, profile.PreferenceAny, nil, true),
			b:    prof(profile.GenderFemale, profile.PreferenceAny, nil, true),
			want: true,
		},
		{
			name: "empty preference treated as any",
			a:    prof(profile.GenderOther, "", nil, false),
			b:    prof(profile.GenderFemale, profile.PreferenceAny, nil, false),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compatible(tt.a, tt.b))
			assert.Equal(t, Compatible(tt.a, tt.b), Compatible(tt.b, tt.a), "symmetry")
		})
	}
}

func TestScore(t *testing.T) {
	a := prof(profile.GenderMale, profile.GenderFemale, []string{"music", "games"}, false)
	b := prof(profile.GenderFemale, profile.PreferenceAny, []string{"games", "books"}, false)

	// base 10 (pref satisfied) + 5 (one shared tag) + 5 (mature flags equal)
	assert.Equal(t, 20, Score(a, b))

	// Unsatisfied preference loses the base.
	c := prof(profile.GenderOther, profile.PreferenceAny, []string{"games"}, false)
	assert.Equal(t, 10, Score(a, c))

	// Shared tags count by value, once each.
	d := prof(profile.GenderFemale, profile.PreferenceAny, []string{"music", "games"}, false)
	assert.Equal(t, 25, Score(a, d))
}

func TestScoreScenarios(t *testing.T) {
	// Scenario A: compatible pair sharing a tag scores >= 15.
	a := prof(profile.GenderMale, profile.GenderFemale, []string{"anime"}, false)
	b := prof(profile.GenderFemale, profile.PreferenceAny, []string{"anime"}, false)
	require.True(t, Compatible(a, b))
	assert.GreaterOrEqual(t, Score(a, b), 15)

	// Scenario B: flipping one mature flag kills compatibility outright.
	b.Mature = true
	assert.False(t, Compatible(a, b))
}

func TestBestPrefersHighScoreAndFirstSeen(t *testing.T) {
	self := prof(profile.GenderMale, profile.PreferenceAny, []string{"music"}, false)

	lowScore := presence.Entry{Profile: prof(profile.GenderFemale, profile.PreferenceAny, nil, false), Timestamp: 1}
	lowScore.Profile.UserID = "low"
	highScore := presence.Entry{Profile: prof(profile.GenderFemale, profile.PreferenceAny, []string{"music"}, false), Timestamp: 2}
	highScore.Profile.UserID = "high"
	incompatible := presence.Entry{Profile: prof(profile.GenderFemale, profile.GenderFemale, []string{"music"}, false), Timestamp: 0}
	incompatible.Profile.UserID = "incompatible"

	best, ok := Best(self, []presence.Entry{incompatible, lowScore, highScore})
	require.True(t, ok)
	assert.Equal(t, highScore.UserID, best.UserID)

	// Equal scores: the earlier entry in scan order wins.
	tied := presence.Entry{Profile: prof(profile.GenderFemale, profile.PreferenceAny, []string{"music"}, false), Timestamp: 3}
	tied.Profile.UserID = "tied-second"
	best, ok = Best(self, []presence.Entry{highScore, tied})
	require.True(t, ok)
	assert.Equal(t, highScore.UserID, best.UserID)

	_, ok = Best(self, []presence.Entry{incompatible})
	assert.False(t, ok)
}
