package profile

import (
	"strings"

	"github.com/stellarlinkco/accueil/internal/config"
	"github.com/stellarlinkco/accueil/internal/store"
)

// Criteria is the targeting window. Gender "Tous", "any" or empty accepts all.
type Criteria struct {
	AgeMin int
	AgeMax int
	Gender string
}

func CriteriaFrom(c config.TargetingConfig) Criteria {
	return Criteria{AgeMin: c.AgeMin, AgeMax: c.AgeMax, Gender: c.Gender}
}

func (c Criteria) anyGender() bool {
	g := strings.TrimSpace(c.Gender)
	return g == "" || g == config.GenderAny || strings.EqualFold(g, "any")
}

// Matches reports whether p should be engaged. Missing information never
// disqualifies: age is only checked when known, gender only when both the
// criteria and the profile name one.
func Matches(p store.UserProfile, c Criteria) bool {
	if p.Age > 0 && (p.Age < c.AgeMin || p.Age > c.AgeMax) {
		return false
	}
	if !c.anyGender() && p.Gender != store.GenderUnknown && string(p.Gender) != c.Gender {
		return false
	}
	return true
}
