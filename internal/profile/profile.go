// internal/profile/profile.go
// Anonymous user profile: everything a client knows about itself for one
// search cycle. Profiles carry no identity beyond a throwaway uuid.

package profile

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	GenderMale   = "male"
	GenderFemale = "female"
	GenderOther  = "other"

	// PreferenceAny matches every gender.
	PreferenceAny = "any"
)

// Profile is immutable for the duration of one search cycle. JSON field
// names are the wire format of the shared store.
type Profile struct {
	UserID           string   `json:"userId" validate:"required"`
	Nickname         string   `json:"nickname" validate:"required,max=32"`
	Gender           string   `json:"gender" validate:"required,oneof=male female other"`
	GenderPreference string   `json:"genderPreference" validate:"required,oneof=male female other any"`
	Tags             []string `json:"tags" validate:"max=10,dive,lowercase,max=24"`
	Mature           bool     `json:"nsfwEnabled"`
}

var validate = validator.New()

// New builds a validated profile with a fresh user id and nickname. Tags are
// lowercased and deduplicated.
func New(gender, preference string, tags []string, mature bool) (Profile, error) {
	p := Profile{
		UserID:           uuid.New().String(),
		Nickname:         GenerateNickname(),
		Gender:           gender,
		GenderPreference: preference,
		Tags:             normalizeTags(tags),
		Mature:           mature,
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks the profile against its field constraints.
func (p Profile) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	return nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
