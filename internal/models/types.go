// Package models holds the domain types shared between the experiment
// engine, the firewall pipeline, persistence, and the HTTP layer.
package models

import "time"

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentPending   ExperimentStatus = "pending"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentFailed    ExperimentStatus = "failed"
	ExperimentCancelled ExperimentStatus = "cancelled"
)

// Intensity controls budget and aggressiveness of an experiment.
type Intensity string

const (
	IntensityBasic      Intensity = "basic"
	IntensityModerate   Intensity = "moderate"
	IntensityAggressive Intensity = "aggressive"
)

// Mode selects adversarial attacks versus behavioural probing.
type Mode string

const (
	ModeAdversarial Mode = "adversarial"
	ModeBehavioural Mode = "behavioural"
)

// Strategy names a prompt-generation strategy family.
type Strategy string

const (
	StrategyOWASPLLMTop10   Strategy = "owasp_llm_top10"
	StrategyOWASPAgentic    Strategy = "owasp_agentic"
	StrategyUserInteraction Strategy = "user_interaction"
	StrategyFunctional      Strategy = "functional"
	StrategyScopeValidation Strategy = "scope_validation"
	StrategyAdaptive        Strategy = "adaptive"
)

// PromptOrigin records how an attack prompt was produced. Origins sort
// template_direct < llm_augmented < converter_variant when trimming.
type PromptOrigin string

const (
	OriginTemplateDirect   PromptOrigin = "template_direct"
	OriginLLMAugmented     PromptOrigin = "llm_augmented"
	OriginConverterVariant PromptOrigin = "converter_variant"
)

// OriginPriority gives trim ordering for a prompt origin; lower survives first.
func OriginPriority(o PromptOrigin) int {
	switch o {
	case OriginTemplateDirect:
		return 0
	case OriginLLMAugmented:
		return 1
	case OriginConverterVariant:
		return 2
	default:
		return 3
	}
}

// VerdictStatus is the judge's classification of a target response.
type VerdictStatus string

const (
	VerdictPass  VerdictStatus = "pass"
	VerdictFail  VerdictStatus = "fail"
	VerdictError VerdictStatus = "error"
)

// Severity grades a failed test case.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// severityRank orders severities for worst-of aggregation.
func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// WorstSeverity returns the more severe of a and b.
func WorstSeverity(a, b Severity) Severity {
	if severityRank(a) >= severityRank(b) {
		return a
	}
	return b
}

// AttackPrompt is one generated test input, possibly multi-turn.
type AttackPrompt struct {
	PromptID     string       `json:"prompt_id"`
	TemplateID   string       `json:"template_id,omitempty"`
	Sequence     int          `json:"sequence"`
	Category     string       `json:"category"`
	OWASPID      string       `json:"owasp_id,omitempty"`
	Text         string       `json:"text"`
	Origin       PromptOrigin `json:"origin"`
	Converter    string       `json:"converter,omitempty"`
	SeverityHint Severity     `json:"severity_hint,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	// ExpectedBehaviour is set for behavioural categories only.
	ExpectedBehaviour string `json:"expected_behaviour,omitempty"`
	// Turns is set for adaptive conversations; Text then holds the
	// final escalation turn.
	Turns []ConversationTurn `json:"turns,omitempty"`
}

// ConversationTurn is one step of an adaptive multi-turn plan.
type ConversationTurn struct {
	Role     string `json:"role"`
	Text     string `json:"text"`
	Adaptive bool   `json:"adaptive"`
	Turn     int    `json:"turn"`
}

// Verdict is the judge's structured output for one test case.
type Verdict struct {
	Status       VerdictStatus `json:"status"`
	Severity     *Severity     `json:"severity,omitempty"`
	RiskCategory string        `json:"risk_category"`
	Explanation  string        `json:"explanation"`
	Confidence   float64       `json:"confidence"`
}

// Execution is the raw outcome of sending a prompt to the target.
type Execution struct {
	Response  string
	LatencyMs int64
	ThreadID  string
	Err       error
	// TurnResponses holds per-turn target output for conversations.
	TurnResponses []string
}

// TestCase pairs a prompt with its execution and judgment; the runner
// persists these in batches.
type TestCase struct {
	Prompt    AttackPrompt
	Response  string
	LatencyMs int64
	Verdict   Verdict
	Sampled   bool
	CreatedAt time.Time
}

// ProjectScope is the behavioural contract a target is judged against.
type ProjectScope struct {
	ProjectName       string   `json:"project_name"`
	BusinessScope     string   `json:"business_scope"`
	AllowedIntents    []string `json:"allowed_intents"`
	RestrictedIntents []string `json:"restricted_intents"`
	CustomRules       []string `json:"custom_rules,omitempty"`
}

// CategoryOWASP maps attack categories to OWASP LLM Top 10 identifiers.
var CategoryOWASP = map[string]string{
	"prompt_injection":    "LLM01",
	"insecure_output":     "LLM02",
	"data_poisoning":      "LLM03",
	"model_dos":           "LLM04",
	"supply_chain":        "LLM05",
	"info_disclosure":     "LLM06",
	"insecure_plugin":     "LLM07",
	"excessive_agency":    "LLM08",
	"overreliance":        "LLM09",
	"model_theft":         "LLM10",
	"adaptive_escalation": "LLM01",
}
