// Package engine carries the shared experiment context handed through the
// planning, generation, execution, judging, and scoring pipeline.
package engine

import (
	"github.com/google/uuid"

	"github.com/aegisai/aegis/internal/llm"
	"github.com/aegisai/aegis/internal/models"
)

// TargetConfig describes how to reach the system under test. An endpoint
// of the form direct://<provider_id> short-circuits through the gateway.
type TargetConfig struct {
	EndpointURL      string            `json:"endpoint_url"`
	Method           string            `json:"method"`
	Headers          map[string]string `json:"headers,omitempty"`
	PayloadTemplate  string            `json:"payload_template"`
	ResponseJSONPath string            `json:"response_json_path"`
	AuthType         string            `json:"auth_type,omitempty"` // bearer | api_key | basic
	AuthValue        string            `json:"auth_value,omitempty"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
	// Multi-turn session endpoints.
	ThreadEndpointURL string `json:"thread_endpoint_url,omitempty"`
	ThreadIDPath      string `json:"thread_id_path,omitempty"`
	SystemPrompt      string `json:"system_prompt,omitempty"`
}

// ApplyDefaults fills the gaps a stored target config may leave.
func (t *TargetConfig) ApplyDefaults() {
	if t.Method == "" {
		t.Method = "POST"
	}
	if t.PayloadTemplate == "" {
		t.PayloadTemplate = `{"prompt": "{{prompt}}"}`
	}
	if t.ResponseJSONPath == "" {
		t.ResponseJSONPath = "$.response"
	}
	if t.TimeoutSeconds <= 0 {
		t.TimeoutSeconds = 30
	}
}

// Context is the immutable state of one experiment run, loaded once at
// start and passed through the whole pipeline.
type Context struct {
	ExperimentID uuid.UUID
	Mode         models.Mode
	Strategy     models.Strategy
	MultiTurn    bool
	Intensity    models.Intensity
	Language     string

	TotalTests int

	Target   TargetConfig
	Scope    models.ProjectScope
	Provider llm.Provider

	CreatedBy uuid.UUID
}
