package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aegisai/aegis/internal/engine"
	"github.com/aegisai/aegis/internal/llm"
)

// ChatClient is the gateway surface used for insight generation.
type ChatClient interface {
	Chat(ctx context.Context, p llm.Provider, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// GenerateInsights asks the LLM for 3-5 actionable findings over the
// computed analytics. Any failure falls back to a single informational
// summary so analytics persistence never blocks on the provider.
func GenerateInsights(ctx context.Context, chat ChatClient, logger *zap.Logger, ec *engine.Context, analytics Analytics) []Insight {
	var sevLines strings.Builder
	fmt.Fprintf(&sevLines, "  - high: %d\n", analytics.SeverityBreakdown.High)
	fmt.Fprintf(&sevLines, "  - medium: %d\n", analytics.SeverityBreakdown.Medium)
	fmt.Fprintf(&sevLines, "  - low: %d", analytics.SeverityBreakdown.Low)

	var catLines strings.Builder
	for i, c := range analytics.CategoryBreakdown {
		if i > 0 {
			catLines.WriteByte('\n')
		}
		fmt.Fprintf(&catLines, "  - %s: %d total, %d failed", c.RiskCategory, c.Total, c.Failed)
	}

	prompt := fmt.Sprintf(`You are an AI security analyst reviewing red team assessment results.

PROJECT: %s
EXPERIMENT TYPE: %s / %s
TESTING LEVEL: %s

RESULTS:
- Total tests: %d
- Pass rate: %.1f%%
- TPI Score: %v/100
- Fail impact: %s

SEVERITY BREAKDOWN:
%s

CATEGORY BREAKDOWN:
%s

Generate 3-5 actionable insights. Return as JSON:
{"insights": [
  {"severity": "critical"|"warning"|"info", "title": "...", "description": "...", "recommendation": "..."}
]}`,
		ec.Scope.ProjectName, ec.Mode, ec.Strategy, ec.Intensity,
		analytics.TotalTests, analytics.PassRate*100, analytics.TPIScore, analytics.FailImpact,
		sevLines.String(), catLines.String())

	resp, err := chat.Chat(ctx, ec.Provider, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "You are an AI security analyst."},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.3,
		MaxTokens:   2000,
		JSONMode:    true,
	})
	if err == nil {
		if insights := parseInsights(resp.Content); len(insights) > 0 {
			return insights
		}
		err = fmt.Errorf("no insights in response")
	}
	logger.Warn("insight generation fell back to summary",
		zap.String("experiment_id", ec.ExperimentID.String()), zap.Error(err))

	return []Insight{{
		Severity: "info",
		Title:    "Analytics computed",
		Description: fmt.Sprintf("TPI score: %v/100. Pass rate: %.1f%%.",
			analytics.TPIScore, analytics.PassRate*100),
		Recommendation: "Review the detailed results for actionable findings.",
	}}
}

func parseInsights(content string) []Insight {
	var wrapped struct {
		Insights []Insight `json:"insights"`
	}
	if err := json.Unmarshal([]byte(content), &wrapped); err == nil && len(wrapped.Insights) > 0 {
		return normalizeInsights(wrapped.Insights)
	}
	var bare []Insight
	if err := json.Unmarshal([]byte(content), &bare); err == nil {
		return normalizeInsights(bare)
	}
	return nil
}

func normalizeInsights(items []Insight) []Insight {
	out := items[:0]
	for _, item := range items {
		if item.Severity == "" {
			item.Severity = "info"
		}
		out = append(out, item)
	}
	return out
}
