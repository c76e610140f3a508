package profile

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stellarlinkco/accueil/internal/store"
)

func fixedClock(year int) func() time.Time {
	return func() time.Time { return time.Date(year, 6, 1, 0, 0, 0, 0, time.UTC) }
}

func TestDerive(t *testing.T) {
	d := NewDeriver(DefaultTables()).WithClock(fixedClock(2026))

	tests := []struct {
		handle string
		want   Attributes
	}{
		{"alex1990paris07", Attributes{Gender: store.GenderMale, Age: 36, City: "Paris"}},
		{"AnnaLyon", Attributes{Gender: store.GenderFemale, City: "Lyon"}},
		{"samanna", Attributes{Gender: store.GenderMale}},
		{"zorro25", Attributes{Age: 25}},
		{"x7", Attributes{}},
		{"claire_2001_nice", Attributes{Gender: store.GenderFemale, Age: 25, City: "Nice"}},
		{"guest_4567", Attributes{Age: 45}},
		{"toulouse_lyon", Attributes{City: "Lyon"}},
		{"", Attributes{}},
	}
	for _, tt := range tests {
		t.Run(tt.handle, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, d.Derive(tt.handle)); diff != "" {
				t.Fatalf("Derive(%q) mismatch (-want +got):\n%s", tt.handle, diff)
			}
		})
	}
}

func TestDerive_DeterministicUnderConcurrency(t *testing.T) {
	d := NewDeriver(DefaultTables()).WithClock(fixedClock(2026))
	want := d.Derive("alex1990paris07")

	var wg sync.WaitGroup
	errs := make(chan Attributes, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := d.Derive("alex1990paris07"); got != want {
				errs <- got
			}
		}()
	}
	wg.Wait()
	close(errs)
	for got := range errs {
		t.Fatalf("concurrent Derive = %+v, want %+v", got, want)
	}
}

func TestMerge_StoredWins(t *testing.T) {
	d := NewDeriver(DefaultTables())
	stored := store.UserProfile{Handle: "tom25", Age: 40}

	merged := Merge(stored, d.Derive(stored.Handle))
	if merged.Age != 40 {
		t.Fatalf("age = %d, stored age 40 must win", merged.Age)
	}
	if merged.Gender != store.GenderMale {
		t.Fatalf("gender = %q, unknown stored gender should take the derived one", merged.Gender)
	}
}

func TestMerge_KeepsEveryKnownField(t *testing.T) {
	stored := store.UserProfile{Handle: "h", Age: 30, Gender: store.GenderFemale, City: "Lille", ConversationCount: 2}
	got := Merge(stored, Attributes{Age: 21, Gender: store.GenderMale, City: "Paris"})
	if diff := cmp.Diff(stored, got); diff != "" {
		t.Fatalf("merge changed known fields (-want +got):\n%s", diff)
	}
}

func TestLoadTables(t *testing.T) {
	dir := t.TempDir()

	got, err := LoadTables("")
	if err != nil || len(got.Male) == 0 {
		t.Fatalf("LoadTables(\"\") = %+v, %v", got, err)
	}
	if _, err := LoadTables(filepath.Join(dir, "missing.yaml")); err != nil {
		t.Fatalf("missing file should yield defaults, got %v", err)
	}

	path := filepath.Join(dir, "heuristics.yaml")
	yml := "male: [\" Luc \", luc, hugo]\ncities: [Grenoble]\nbirthYearMin: 1970\n"
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	tables, err := LoadTables(path)
	if err != nil {
		t.Fatalf("LoadTables error: %v", err)
	}
	if diff := cmp.Diff([]string{"luc", "hugo"}, tables.Male); diff != "" {
		t.Errorf("male list (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(DefaultTables().Female, tables.Female); diff != "" {
		t.Errorf("female list should keep defaults (-want +got):\n%s", diff)
	}
	if tables.BirthYearMin != 1970 || tables.BirthYearMax != 2009 {
		t.Errorf("birth years = %d..%d", tables.BirthYearMin, tables.BirthYearMax)
	}

	attrs := NewDeriver(tables).WithClock(fixedClock(2026)).Derive("Hugo1975grenoble")
	want := Attributes{Gender: store.GenderMale, Age: 51, City: "Grenoble"}
	if diff := cmp.Diff(want, attrs); diff != "" {
		t.Errorf("derive with custom tables (-want +got):\n%s", diff)
	}
}

func TestLoadTables_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"bad.yaml":    "male: [unterminated",
		"years.yaml":  "birthYearMin: 2010\nbirthYearMax: 2000\n",
		"ages.yaml":   "ageMin: 50\nageMax: 20\n",
		"digits.yaml": "birthYearMin: 99\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadTables(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
