package sampler

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisai/aegis/internal/models"
)

func sev(s models.Severity) *models.Severity { return &s }

func candidate(status models.VerdictStatus, severity *models.Severity, category string, confidence float64) Candidate {
	return Candidate{
		ID:           uuid.New(),
		Status:       status,
		Severity:     severity,
		RiskCategory: category,
		Confidence:   confidence,
	}
}

func idSet(ids []uuid.UUID) map[uuid.UUID]bool {
	m := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func TestTarget(t *testing.T) {
	assert.Equal(t, 50, Target(models.IntensityBasic))
	assert.Equal(t, 80, Target(models.IntensityModerate))
	assert.Equal(t, 100, Target(models.IntensityAggressive))
	assert.Equal(t, 50, Target(models.Intensity("bogus")))
}

func TestSelectAlwaysIncludesMandatoryCases(t *testing.T) {
	highFail := candidate(models.VerdictFail, sev(models.SeverityHigh), "prompt_injection", 0.9)
	errCase := candidate(models.VerdictError, nil, "model_dos", 0.9)
	lowConf := candidate(models.VerdictPass, nil, "model_dos", 0.2)

	cases := []Candidate{highFail, errCase, lowConf}
	for i := 0; i < 200; i++ {
		cases = append(cases, candidate(models.VerdictPass, nil, "info_disclosure", 0.95))
	}

	got := idSet(Select(cases, models.IntensityBasic, rand.New(rand.NewSource(1))))
	assert.True(t, got[highFail.ID])
	assert.True(t, got[errCase.ID])
	assert.True(t, got[lowConf.ID])
}

func TestSelectGuaranteesPassAndFailPerCategory(t *testing.T) {
	var cases []Candidate
	categories := []string{"prompt_injection", "info_disclosure", "model_theft"}
	for _, cat := range categories {
		for i := 0; i < 30; i++ {
			cases = append(cases, candidate(models.VerdictPass, nil, cat, 0.95))
		}
		cases = append(cases, candidate(models.VerdictFail, sev(models.SeverityLow), cat, 0.95))
	}

	ids := Select(cases, models.IntensityBasic, rand.New(rand.NewSource(2)))
	got := idSet(ids)

	for _, cat := range categories {
		foundPass, foundFail := false, false
		for _, tc := range cases {
			if !got[tc.ID] || tc.RiskCategory != cat {
				continue
			}
			switch tc.Status {
			case models.VerdictPass:
				foundPass = true
			case models.VerdictFail:
				foundFail = true
			}
		}
		assert.True(t, foundPass, "category %s missing a pass", cat)
		assert.True(t, foundFail, "category %s missing a fail", cat)
	}
}

func TestSelectFillsToTarget(t *testing.T) {
	var cases []Candidate
	for i := 0; i < 300; i++ {
		cases = append(cases, candidate(models.VerdictPass, nil, "info_disclosure", 0.95))
	}

	ids := Select(cases, models.IntensityBasic, rand.New(rand.NewSource(3)))
	assert.Len(t, ids, 50)

	ids = Select(cases, models.IntensityModerate, rand.New(rand.NewSource(3)))
	assert.Len(t, ids, 80)
}

func TestSelectSmallPoolReturnsEverything(t *testing.T) {
	cases := []Candidate{
		candidate(models.VerdictPass, nil, "a", 0.9),
		candidate(models.VerdictFail, sev(models.SeverityMedium), "a", 0.9),
		candidate(models.VerdictPass, nil, "b", 0.9),
	}
	ids := Select(cases, models.IntensityBasic, rand.New(rand.NewSource(4)))
	assert.Len(t, ids, 3)
}

func TestSelectMandatorySetMayExceedTarget(t *testing.T) {
	var cases []Candidate
	for i := 0; i < 70; i++ {
		cases = append(cases, candidate(models.VerdictFail, sev(models.SeverityHigh), "prompt_injection", 0.9))
	}

	ids := Select(cases, models.IntensityBasic, rand.New(rand.NewSource(5)))
	// High-severity failures are never dropped, even past the target.
	require.Len(t, ids, 70)
}
