// Package profile infers user attributes from a handle and decides whether
// a profile falls inside the configured targeting criteria.
package profile

import (
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/stellarlinkco/accueil/internal/store"
)

// Attributes is what a handle alone suggests. Zero fields mean no signal.
type Attributes struct {
	Gender store.Gender
	Age    int
	City   string
}

// Deriver is safe for concurrent use; it never mutates its tables.
type Deriver struct {
	tables Tables
	now    func() time.Time
}

func NewDeriver(tables Tables) *Deriver {
	return &Deriver{tables: tables, now: time.Now}
}

// WithClock returns a copy that reads the current year from now.
func (d *Deriver) WithClock(now func() time.Time) *Deriver {
	cp := *d
	cp.now = now
	return &cp
}

// Derive scans the lowercased handle. Gender checks the male list before the
// female one, age prefers a birth year over a bare number, and the first
// city in table order wins.
func (d *Deriver) Derive(handle string) Attributes {
	lower := strings.ToLower(handle)
	return Attributes{
		Gender: d.gender(lower),
		Age:    d.age(lower),
		City:   d.city(lower),
	}
}

func (d *Deriver) gender(lower string) store.Gender {
	for _, ind := range d.tables.Male {
		if strings.Contains(lower, ind) {
			return store.GenderMale
		}
	}
	for _, ind := range d.tables.Female {
		if strings.Contains(lower, ind) {
			return store.GenderFemale
		}
	}
	return store.GenderUnknown
}

func (d *Deriver) age(lower string) int {
	for year := d.tables.BirthYearMin; year <= d.tables.BirthYearMax; year++ {
		if strings.Contains(lower, strconv.Itoa(year)) {
			return d.now().Year() - year
		}
	}
	for age := d.tables.AgeMin; age <= d.tables.AgeMax; age++ {
		if strings.Contains(lower, strconv.Itoa(age)) {
			return age
		}
	}
	return 0
}

func (d *Deriver) city(lower string) string {
	for _, c := range d.tables.Cities {
		if strings.Contains(lower, c) {
			return capitalize(c)
		}
	}
	return ""
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// Merge fills the unknown attributes of stored from derived. Known stored
// values are never replaced by a guess.
func Merge(stored store.UserProfile, derived Attributes) store.UserProfile {
	if stored.Gender == store.GenderUnknown {
		stored.Gender = derived.Gender
	}
	if stored.Age == 0 {
		stored.Age = derived.Age
	}
	if stored.City == "" {
		stored.City = derived.City
	}
	return stored
}
