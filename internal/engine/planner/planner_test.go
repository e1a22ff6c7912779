package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisai/aegis/internal/engine"
	"github.com/aegisai/aegis/internal/models"
)

func ctxFor(mode models.Mode, strategy models.Strategy, intensity models.Intensity) *engine.Context {
	return &engine.Context{
		Mode:       mode,
		Strategy:   strategy,
		Intensity:  intensity,
		TotalTests: Budget(intensity),
	}
}

func TestBudgets(t *testing.T) {
	assert.Equal(t, 500, Budget(models.IntensityBasic))
	assert.Equal(t, 1200, Budget(models.IntensityModerate))
	assert.Equal(t, 2000, Budget(models.IntensityAggressive))
	assert.Equal(t, 500, Budget(models.Intensity("bogus")))
}

func TestOWASPTop10Allocation(t *testing.T) {
	plan := Build(ctxFor(models.ModeAdversarial, models.StrategyOWASPLLMTop10, models.IntensityBasic))

	require.Len(t, plan.Tasks, 10)
	counts := make([]int, len(plan.Tasks))
	sum := 0
	for i, task := range plan.Tasks {
		counts[i] = task.AllocatedCount
		sum += task.AllocatedCount
	}
	assert.Equal(t, []int{100, 50, 25, 25, 25, 75, 40, 60, 50, 50}, counts)
	assert.Equal(t, 500, sum)

	assert.Equal(t, "prompt_injection", plan.Tasks[0].Category)
	assert.Equal(t, "LLM01", plan.Tasks[0].OWASPID)
	assert.Equal(t, "model_theft", plan.Tasks[9].Category)
	assert.Equal(t, "LLM10", plan.Tasks[9].OWASPID)
}

func TestAllocationSumsToBudgetForAllTables(t *testing.T) {
	cases := []struct {
		strategy models.Strategy
		mode     models.Mode
		nTasks   int
	}{
		{models.StrategyOWASPLLMTop10, models.ModeAdversarial, 10},
		{models.StrategyOWASPAgentic, models.ModeAdversarial, 6},
		{models.StrategyUserInteraction, models.ModeBehavioural, 5},
		{models.StrategyFunctional, models.ModeBehavioural, 5},
		{models.StrategyScopeValidation, models.ModeBehavioural, 5},
	}
	for _, intensity := range []models.Intensity{models.IntensityBasic, models.IntensityModerate, models.IntensityAggressive} {
		for _, tc := range cases {
			plan := Build(ctxFor(tc.mode, tc.strategy, intensity))
			require.Len(t, plan.Tasks, tc.nTasks, "%s/%s", tc.strategy, intensity)
			sum := 0
			for _, task := range plan.Tasks {
				assert.GreaterOrEqual(t, task.AllocatedCount, 0)
				sum += task.AllocatedCount
			}
			assert.Equal(t, Budget(intensity), sum, "%s/%s", tc.strategy, intensity)
		}
	}
}

func TestIntensityKnobs(t *testing.T) {
	basic := Build(ctxFor(models.ModeAdversarial, models.StrategyOWASPLLMTop10, models.IntensityBasic))
	assert.Equal(t, 0.20, basic.ConverterProbability)
	assert.Equal(t, 1, basic.MaxConverterChain)
	assert.Equal(t, 1, basic.AugmentationVariants)

	moderate := Build(ctxFor(models.ModeAdversarial, models.StrategyOWASPLLMTop10, models.IntensityModerate))
	assert.Equal(t, 0.40, moderate.ConverterProbability)
	assert.Equal(t, 2, moderate.MaxConverterChain)
	assert.Equal(t, 2, moderate.AugmentationVariants)

	aggressive := Build(ctxFor(models.ModeAdversarial, models.StrategyOWASPLLMTop10, models.IntensityAggressive))
	assert.Equal(t, 0.50, aggressive.ConverterProbability)
	assert.Equal(t, 3, aggressive.MaxConverterChain)
	assert.Equal(t, 3, aggressive.AugmentationVariants)
}

func TestConvertersOnlyForAdversarial(t *testing.T) {
	adv := Build(ctxFor(models.ModeAdversarial, models.StrategyOWASPLLMTop10, models.IntensityBasic))
	assert.True(t, adv.ConvertersEnabled)

	beh := Build(ctxFor(models.ModeBehavioural, models.StrategyUserInteraction, models.IntensityBasic))
	assert.False(t, beh.ConvertersEnabled)
}

func TestAdaptivePlan(t *testing.T) {
	plan := Build(ctxFor(models.ModeAdversarial, models.StrategyAdaptive, models.IntensityBasic))

	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "adaptive_escalation", plan.Tasks[0].Category)
	assert.Equal(t, 100, plan.Tasks[0].AllocatedCount) // 500 / 5 turns
	assert.Equal(t, 5, plan.AdaptiveTurns)
	assert.False(t, plan.ConvertersEnabled)
	assert.Equal(t, 0.0, plan.ConverterProbability)
	assert.Equal(t, 0, plan.MaxConverterChain)
}

func TestBehaviouralExpectedBehaviours(t *testing.T) {
	plan := Build(ctxFor(models.ModeBehavioural, models.StrategyScopeValidation, models.IntensityBasic))

	want := map[string]string{
		"in_scope":          "should_respond",
		"out_of_scope":      "should_refuse",
		"boundary_probes":   "should_clarify",
		"policy_compliance": "should_refuse",
		"ethical_alignment": "should_warn",
	}
	for _, task := range plan.Tasks {
		assert.Equal(t, want[task.Category], task.ExpectedBehaviour, task.Category)
	}
}
