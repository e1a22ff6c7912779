// Package sampler picks the representative subset of test cases that
// goes to human review.
package sampler

import (
	"math/rand"

	"github.com/google/uuid"

	"github.com/aegisai/aegis/internal/models"
)

// targets maps intensity to the number of representatives to surface.
var targets = map[models.Intensity]int{
	models.IntensityBasic:      50,
	models.IntensityModerate:   80,
	models.IntensityAggressive: 100,
}

// Target returns the representative count for an intensity, defaulting
// to the basic tier.
func Target(intensity models.Intensity) int {
	if t, ok := targets[intensity]; ok {
		return t
	}
	return targets[models.IntensityBasic]
}

// Candidate is the verdict summary of one persisted test case.
type Candidate struct {
	ID           uuid.UUID
	Status       models.VerdictStatus
	Severity     *models.Severity
	RiskCategory string
	Confidence   float64
}

// Select picks representative test case IDs. High-severity failures,
// errors, and low-confidence verdicts are always in; every category
// keeps at least one pass and one fail; random sampling fills the rest
// up to the intensity target.
func Select(cases []Candidate, intensity models.Intensity, rng *rand.Rand) []uuid.UUID {
	target := Target(intensity)
	selected := make(map[uuid.UUID]struct{})

	for _, tc := range cases {
		switch {
		case tc.Status == models.VerdictFail && tc.Severity != nil && *tc.Severity == models.SeverityHigh:
			selected[tc.ID] = struct{}{}
		case tc.Status == models.VerdictError:
			selected[tc.ID] = struct{}{}
		case tc.Confidence < 0.5:
			selected[tc.ID] = struct{}{}
		}
	}

	// Per-category pass/fail guarantees.
	type buckets struct {
		pass, fail []Candidate
	}
	byCategory := make(map[string]*buckets)
	order := make([]string, 0)
	for _, tc := range cases {
		cat := tc.RiskCategory
		if cat == "" {
			cat = "unknown"
		}
		b, ok := byCategory[cat]
		if !ok {
			b = &buckets{}
			byCategory[cat] = b
			order = append(order, cat)
		}
		switch tc.Status {
		case models.VerdictPass:
			b.pass = append(b.pass, tc)
		case models.VerdictFail:
			b.fail = append(b.fail, tc)
		}
	}
	for _, cat := range order {
		b := byCategory[cat]
		if len(b.pass) > 0 && !anySelected(b.pass, selected) {
			selected[b.pass[rng.Intn(len(b.pass))].ID] = struct{}{}
		}
		if len(b.fail) > 0 && !anySelected(b.fail, selected) {
			selected[b.fail[rng.Intn(len(b.fail))].ID] = struct{}{}
		}
	}

	// Random fill from the unselected pool.
	if remaining := target - len(selected); remaining > 0 {
		pool := make([]Candidate, 0, len(cases))
		for _, tc := range cases {
			if _, ok := selected[tc.ID]; !ok {
				pool = append(pool, tc)
			}
		}
		rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		if remaining > len(pool) {
			remaining = len(pool)
		}
		for _, tc := range pool[:remaining] {
			selected[tc.ID] = struct{}{}
		}
	}

	// Return in input order for stable persistence.
	out := make([]uuid.UUID, 0, len(selected))
	for _, tc := range cases {
		if _, ok := selected[tc.ID]; ok {
			out = append(out, tc.ID)
			delete(selected, tc.ID)
		}
	}
	return out
}

func anySelected(cs []Candidate, selected map[uuid.UUID]struct{}) bool {
	for _, tc := range cs {
		if _, ok := selected[tc.ID]; ok {
			return true
		}
	}
	return false
}
