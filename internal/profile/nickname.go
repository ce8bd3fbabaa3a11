// internal/profile/nickname.go

package profile

import (
	"fmt"
	"math/rand"
)

// GenerateNickname returns a display name in the form "Ghost#042". Nicknames
// are display-only and deliberately not unique.
func GenerateNickname() string {
	return fmt.Sprintf("Ghost#%03d", rand.Intn(1000))
}
