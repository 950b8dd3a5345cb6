// Package llm defines the provider-neutral request/response model and the
// task-routed gateway the rest of the runtime talks to.
package llm

// TaskType selects an LLM route.
type TaskType string

const (
	TaskSimpleQA         TaskType = "simple_qa"
	TaskSkillExecution   TaskType = "skill_execution"
	TaskSkillGeneration  TaskType = "skill_generation"
	TaskComplexReasoning TaskType = "complex_reasoning"
	TaskDataAnalysis     TaskType = "data_analysis"
	TaskDocExtraction    TaskType = "doc_extraction"
)

// Message is one conversation turn in a provider request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSchema declares one callable tool to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is one tool invocation returned by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ThinkingConfig is the tagged extended-reasoning variant: disabled carries
// no payload, enabled carries a token budget.
type ThinkingConfig struct {
	Enabled      bool `json:"enabled"`
	BudgetTokens int  `json:"budgetTokens,omitempty"`
}

// Request is a provider-neutral completion request.
type Request struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []Message       `json:"messages"`
	Tools       []ToolSchema    `json:"tools,omitempty"`
	MaxTokens   int             `json:"maxTokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Thinking    *ThinkingConfig `json:"thinking,omitempty"`
	// ForceTool names a tool the model must call (tool_choice).
	ForceTool string `json:"forceTool,omitempty"`
	// ThinkingWithTools marks requests that combine extended thinking and
	// tool use; the Anthropic path needs a beta capability header for this.
	ThinkingWithTools bool `json:"-"`
}

// Response is a provider-neutral completion response.
type Response struct {
	Content          string     `json:"content"`
	ToolCalls        []ToolCall `json:"toolCalls,omitempty"`
	Model            string     `json:"model"`
	Provider         string     `json:"provider"`
	PromptTokens     int        `json:"promptTokens"`
	CompletionTokens int        `json:"completionTokens"`
	// ThinkingSummary is opaque display text; it is never fed back into a
	// subsequent prompt.
	ThinkingSummary string `json:"thinkingSummary,omitempty"`
	LatencyMs       int64  `json:"latencyMs"`
	TaskType        TaskType `json:"taskType,omitempty"`
}
