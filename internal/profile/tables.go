package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tables holds the static lookup lists the derivation scans, in priority order.
type Tables struct {
	Male         []string `yaml:"male"`
	Female       []string `yaml:"female"`
	Cities       []string `yaml:"cities"`
	BirthYearMin int      `yaml:"birthYearMin"`
	BirthYearMax int      `yaml:"birthYearMax"`
	AgeMin       int      `yaml:"ageMin"`
	AgeMax       int      `yaml:"ageMax"`
}

func DefaultTables() Tables {
	return Tables{
		Male:         []string{"alex", "max", "tom", "ben", "sam", "mike", "dave", "john", "paul", "marc", "pierre", "jean"},
		Female:       []string{"anna", "lisa", "emma", "sara", "julie", "marie", "chloe", "lea", "nina", "eva", "sophie", "claire"},
		Cities:       []string{"paris", "lyon", "marseille", "toulouse", "nice", "nantes", "strasbourg", "bordeaux", "lille", "rennes"},
		BirthYearMin: 1980,
		BirthYearMax: 2009,
		AgeMin:       18,
		AgeMax:       99,
	}
}

// LoadTables reads a YAML override on top of DefaultTables. An empty path
// or a missing file yields the defaults.
func LoadTables(path string) (Tables, error) {
	t := DefaultTables()
	path = strings.TrimSpace(path)
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return t, nil
		}
		return Tables{}, fmt.Errorf("read heuristics %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tables{}, fmt.Errorf("parse heuristics %q: %w", path, err)
	}

	t.Male = sanitizeList(t.Male)
	t.Female = sanitizeList(t.Female)
	t.Cities = sanitizeList(t.Cities)
	if err := t.Validate(); err != nil {
		return Tables{}, fmt.Errorf("heuristics %q: %w", path, err)
	}
	return t, nil
}

func (t Tables) Validate() error {
	if t.BirthYearMin > t.BirthYearMax {
		return fmt.Errorf("birthYearMin %d exceeds birthYearMax %d", t.BirthYearMin, t.BirthYearMax)
	}
	if t.BirthYearMin < 1000 || t.BirthYearMax > 9999 {
		return fmt.Errorf("birth years must be four digits")
	}
	if t.AgeMin < 0 || t.AgeMin > t.AgeMax || t.AgeMax > 99 {
		return fmt.Errorf("age range [%d, %d] must be within 0..99", t.AgeMin, t.AgeMax)
	}
	return nil
}

// sanitizeList lowercases, trims and dedupes entries, keeping first-seen order.
func sanitizeList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
