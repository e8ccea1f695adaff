// Package llm wraps the chat-completion providers used by the damage and
// fraud stages.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned by ExtractJSON when the text holds no JSON object
var ErrNoJSON = errors.New("no JSON object in model output")

// Provider defines the interface for LLM providers
type Provider interface {
	// Name returns the provider name
	Name() string

	// Chat runs one completion. Tool calls requested by the model are
	// returned, not executed.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// IsAvailable checks if the provider is properly configured and accessible
	IsAvailable(ctx context.Context) bool
}

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation
type Message struct {
	Role    string
	Content string
	// Images are image URLs (https or data:) sent alongside Content
	Images     []string
	ToolCalls  []ToolCall
	ToolCallID string
}

// Tool is a function the model may call
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the arguments object
	Parameters map[string]any
}

// ToolCall is a model request to run a tool
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON object
}

// ChatRequest contains the input for one completion
type ChatRequest struct {
	Messages []Message
	Tools    []Tool

	// JSON asks the provider to constrain output to a JSON object
	JSON bool

	// Model is the specific model to use (provider-specific)
	Model string

	// MaxTokens limits the response length
	MaxTokens int

	Temperature float32
}

// ChatResponse contains the model output
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall

	// Model is the model that generated the response
	Model string

	// TokensUsed tracks token consumption
	TokensUsed int
}

// Config holds LLM provider configuration
type Config struct {
	// Provider name: "openai", "ollama", ""
	Provider string

	// Model name (provider-specific)
	Model string

	// APIKey for OpenAI
	APIKey string

	// BaseURL for custom endpoints (e.g., Ollama)
	BaseURL string

	// Timeout for API requests
	Timeout int // seconds

	// MaxTokens for response generation
	MaxTokens int

	// Proxy settings
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Provider:  "", // Disabled by default
		Model:     "",
		Timeout:   30,
		MaxTokens: 500,
	}
}

// ExtractJSON decodes the first JSON object in text into dst. Models often
// wrap the object in prose or a ```json fence.
func ExtractJSON(text string, dst any) error {
	start := strings.Index(text, "{")
	if start < 0 {
		return ErrNoJSON
	}
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	if err := dec.Decode(dst); err != nil {
		return errors.Join(ErrNoJSON, err)
	}
	return nil
}
