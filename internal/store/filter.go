package store

import (
	"fmt"
	"strings"
)

// GenderOther selects profiles whose gender is unknown or not Homme/Femme.
const GenderOther = "Autre"

const AgeBracketAll = "Tous"

var ageBrackets = map[string][2]int{
	"18-25": {18, 25},
	"26-35": {26, 35},
	"36-45": {36, 45},
	"46+":   {46, 1 << 30},
}

// SummaryFilter narrows a profile listing. Zero value matches everything.
type SummaryFilter struct {
	Genders    []string // any of "Homme", "Femme", "Autre"; empty means all
	AgeBracket string   // "18-25", "26-35", "36-45", "46+" or "Tous"
	Search     string   // case-insensitive handle substring
}

// Validate rejects unknown gender or bracket names.
func (f SummaryFilter) Validate() error {
	for _, g := range f.Genders {
		switch g {
		case string(GenderMale), string(GenderFemale), GenderOther:
		default:
			return fmt.Errorf("unknown gender filter %q", g)
		}
	}
	if f.AgeBracket != "" && f.AgeBracket != AgeBracketAll {
		if _, ok := ageBrackets[f.AgeBracket]; !ok {
			return fmt.Errorf("unknown age bracket %q", f.AgeBracket)
		}
	}
	return nil
}

// Match reports whether s passes the filter. An unknown age is never
// filtered out by the age bracket.
func (f SummaryFilter) Match(s ProfileSummary) bool {
	if len(f.Genders) > 0 && !f.matchGender(s.Gender) {
		return false
	}
	if bounds, ok := ageBrackets[f.AgeBracket]; ok && s.Age > 0 {
		if s.Age < bounds[0] || s.Age > bounds[1] {
			return false
		}
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		if !strings.Contains(strings.ToLower(s.Handle), strings.ToLower(q)) {
			return false
		}
	}
	return true
}

func (f SummaryFilter) matchGender(g Gender) bool {
	for _, want := range f.Genders {
		switch want {
		case GenderOther:
			if g != GenderMale && g != GenderFemale {
				return true
			}
		default:
			if string(g) == want {
				return true
			}
		}
	}
	return false
}

// Apply returns the summaries that match, preserving order.
func (f SummaryFilter) Apply(in []ProfileSummary) []ProfileSummary {
	out := make([]ProfileSummary, 0, len(in))
	for _, s := range in {
		if f.Match(s) {
			out = append(out, s)
		}
	}
	return out
}
