package llm

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-agnostic chat completion request.
type ChatRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSONMode asks the provider for a JSON object response.
	JSONMode bool
	// Model overrides the provider's default when set.
	Model string
}

// ChatResponse carries the assistant reply and token accounting.
type ChatResponse struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Provider kinds. All three speak the OpenAI chat completions dialect.
const (
	ProviderOpenAI      = "openai"
	ProviderAzureOpenAI = "azure_openai"
	ProviderGroq        = "groq"
)

// Provider is a resolved credential set for one upstream LLM account.
type Provider struct {
	Kind   string
	APIKey string
	// BaseURL overrides the provider default endpoint.
	BaseURL string
	// Model is the deployment or model name; empty means the kind default.
	Model string
	// APIVersion applies to Azure deployments only.
	APIVersion string
}

const (
	defaultOpenAIBaseURL   = "https://api.openai.com/v1"
	defaultGroqBaseURL     = "https://api.groq.com/openai/v1"
	defaultGroqModel       = "llama-3.3-70b-versatile"
	defaultAzureAPIVersion = "2024-02-15-preview"
)
