package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// JSONB represents a PostgreSQL jsonb column.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(bytes, j)
}

// User is an account row. PasswordHash is nil for Google-only accounts.
type User struct {
	ID           uuid.UUID `db:"id"`
	Email        string    `db:"email"`
	PasswordHash *string   `db:"password_hash"`
	Name         string    `db:"name"`
	GoogleSub    *string   `db:"google_sub"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// RefreshToken stores the sha256 of a refresh token.
type RefreshToken struct {
	ID        uuid.UUID  `db:"id"`
	UserID    uuid.UUID  `db:"user_id"`
	TokenHash string     `db:"token_hash"`
	ExpiresAt time.Time  `db:"expires_at"`
	RevokedAt *time.Time `db:"revoked_at"`
	CreatedAt time.Time  `db:"created_at"`
}

// Provider is an upstream LLM credential set. EncryptedAPIKey is a
// fernet token; it leaves this layer decrypted only via ResolvedProvider.
type Provider struct {
	ID              uuid.UUID  `db:"id"`
	UserID          uuid.UUID  `db:"user_id"`
	ProviderType    string     `db:"provider_type"`
	EncryptedAPIKey string     `db:"encrypted_api_key"`
	EndpointURL     *string    `db:"endpoint_url"`
	Model           *string    `db:"model"`
	APIVersion      *string    `db:"api_version"`
	IsValid         bool       `db:"is_valid"`
	LastValidatedAt *time.Time `db:"last_validated_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// Project is a registered target system.
type Project struct {
	ID                uuid.UUID      `db:"id"`
	UserID            uuid.UUID      `db:"user_id"`
	Name              string         `db:"name"`
	Description       string         `db:"description"`
	BusinessScope     string         `db:"business_scope"`
	AllowedIntents    pq.StringArray `db:"allowed_intents"`
	RestrictedIntents pq.StringArray `db:"restricted_intents"`
	APIKeyHash        *string        `db:"api_key_hash"`
	APIKeyPrefix      *string        `db:"api_key_prefix"`
	IsActive          bool           `db:"is_active"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// Experiment is one red-team run against a project.
type Experiment struct {
	ID             uuid.UUID  `db:"id"`
	ProjectID      uuid.UUID  `db:"project_id"`
	CreatedBy      uuid.UUID  `db:"created_by"`
	ProviderID     uuid.UUID  `db:"provider_id"`
	Name           string     `db:"name"`
	Description    string     `db:"description"`
	ExperimentType string     `db:"experiment_type"`
	Strategy       string     `db:"strategy"`
	Intensity      string     `db:"intensity"`
	MultiTurn      bool       `db:"multi_turn"`
	Language       string     `db:"language"`
	TargetConfig   JSONB      `db:"target_config"`
	Status         string     `db:"status"`
	TotalTests     int        `db:"total_tests"`
	CompletedTests int        `db:"completed_tests"`
	ErrorMessage   *string    `db:"error_message"`
	Analytics      JSONB      `db:"analytics"`
	StartedAt      *time.Time `db:"started_at"`
	FinishedAt     *time.Time `db:"finished_at"`
	CreatedAt      time.Time  `db:"created_at"`
}

// TestCaseRow is one executed prompt with its verdict.
type TestCaseRow struct {
	ID               uuid.UUID `db:"id"`
	ExperimentID     uuid.UUID `db:"experiment_id"`
	PromptID         string    `db:"prompt_id"`
	Sequence         int       `db:"sequence"`
	Category         string    `db:"category"`
	OWASPID          *string   `db:"owasp_id"`
	Prompt           string    `db:"prompt"`
	Origin           string    `db:"origin"`
	Converter        *string   `db:"converter"`
	Response         *string   `db:"response"`
	VerdictStatus    string    `db:"verdict_status"`
	Severity         *string   `db:"severity"`
	RiskCategory     string    `db:"risk_category"`
	Explanation      string    `db:"explanation"`
	Confidence       *float64  `db:"confidence"`
	LatencyMs        int64     `db:"latency_ms"`
	IsRepresentative bool      `db:"is_representative"`
	Conversation     JSONB     `db:"conversation"`
	CreatedAt        time.Time `db:"created_at"`
}

// FeedbackRow is a user's vote or correction on one test case.
type FeedbackRow struct {
	ID         uuid.UUID `db:"id"`
	TestCaseID uuid.UUID `db:"test_case_id"`
	UserID     uuid.UUID `db:"user_id"`
	Vote       string    `db:"vote"`
	Correction *string   `db:"correction"`
	Comment    *string   `db:"comment"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// FirewallRuleRow is a stored firewall rule.
type FirewallRuleRow struct {
	ID        uuid.UUID `db:"id"`
	ProjectID uuid.UUID `db:"project_id"`
	Name      string    `db:"name"`
	RuleType  string    `db:"rule_type"`
	Pattern   *string   `db:"pattern"`
	Policy    *string   `db:"policy"`
	Priority  int       `db:"priority"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// FirewallLogRow is one persisted firewall evaluation.
type FirewallLogRow struct {
	ID              uuid.UUID  `db:"id"`
	ProjectID       uuid.UUID  `db:"project_id"`
	MatchedRuleID   *uuid.UUID `db:"matched_rule_id"`
	PromptHash      string     `db:"prompt_hash"`
	PromptPreview   *string    `db:"prompt_preview"`
	AgentPromptHash *string    `db:"agent_prompt_hash"`
	VerdictStatus   bool       `db:"verdict_status"`
	FailCategory    *string    `db:"fail_category"`
	Explanation     *string    `db:"explanation"`
	Confidence      *float64   `db:"confidence"`
	LatencyMs       int64      `db:"latency_ms"`
	IPAddress       *string    `db:"ip_address"`
	CreatedAt       time.Time  `db:"created_at"`
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
