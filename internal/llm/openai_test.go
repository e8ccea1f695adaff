package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
)

func chatServer(t *testing.T, check func(req openai.ChatCompletionRequest), msg openai.ChatCompletionMessage) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected path /chat/completions, got %s", r.URL.Path)
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if check != nil {
			check(req)
		}
		resp := openai.ChatCompletionResponse{
			ID:      "chatcmpl-123",
			Object:  "chat.completion",
			Model:   req.Model,
			Choices: []openai.ChatCompletionChoice{{Index: 0, Message: msg, FinishReason: "stop"}},
			Usage:   openai.Usage{TotalTokens: 100},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestOpenAIProvider_Chat_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Expected Authorization header Bearer test-key, got %s", r.Header.Get("Authorization"))
		}
		resp := openai.ChatCompletionResponse{
			Model: "gpt-4o-mini",
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: "assistant", Content: "  {\"fraud_detected\": false}  "},
			}},
			Usage: openai.Usage{TotalTokens: 100},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(Config{APIKey: "test-key", BaseURL: server.URL, Timeout: 5})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	resp, err := provider.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "assess"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != `{"fraud_detected": false}` {
		t.Errorf("Unexpected content: %q", resp.Content)
	}
	if resp.TokensUsed != 100 {
		t.Errorf("Expected 100 tokens, got %d", resp.TokensUsed)
	}
}

func TestOpenAIProvider_Chat_ToolsAndJSON(t *testing.T) {
	server := chatServer(t, func(req openai.ChatCompletionRequest) {
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "verify_market_price" {
			t.Errorf("Expected one tool, got %+v", req.Tools)
		}
		if req.ResponseFormat != nil {
			t.Error("JSON mode must not be combined with tools")
		}
	}, openai.ChatCompletionMessage{
		Role: "assistant",
		ToolCalls: []openai.ToolCall{{
			ID:       "call_1",
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: "verify_market_price", Arguments: `{"item_name":"bumper"}`},
		}},
	})
	defer server.Close()

	provider, _ := NewOpenAIProvider(Config{APIKey: "k", BaseURL: server.URL})
	resp, err := provider.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "check"}},
		Tools:    []Tool{{Name: "verify_market_price", Parameters: map[string]any{"type": "object"}}},
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("Expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].ID != "call_1" || resp.ToolCalls[0].Arguments != `{"item_name":"bumper"}` {
		t.Errorf("Unexpected tool call: %+v", resp.ToolCalls[0])
	}
}

func TestOpenAIProvider_Chat_JSONModeAndImages(t *testing.T) {
	server := chatServer(t, func(req openai.ChatCompletionRequest) {
		if req.ResponseFormat == nil || req.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
			t.Error("Expected JSON response format")
		}
		if len(req.Messages) != 2 {
			t.Errorf("Expected 2 messages, got %d", len(req.Messages))
			return
		}
		parts := req.Messages[1].MultiContent
		if len(parts) != 2 || parts[1].ImageURL == nil || parts[1].ImageURL.URL != "data:image/jpeg;base64,AAAA" {
			t.Errorf("Expected text + image parts, got %+v", parts)
		}
	}, openai.ChatCompletionMessage{Role: "assistant", Content: "{}"})
	defer server.Close()

	provider, _ := NewOpenAIProvider(Config{APIKey: "k", BaseURL: server.URL, Model: "gpt-4o"})
	_, err := provider.Chat(context.Background(), ChatRequest{
		JSON: true,
		Messages: []Message{
			{Role: RoleSystem, Content: "You are an adjuster."},
			{Role: RoleUser, Content: "Analyze", Images: []string{"data:image/jpeg;base64,AAAA"}},
		},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
}

func TestOpenAIProvider_Chat_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	provider, _ := NewOpenAIProvider(Config{APIKey: "k", BaseURL: server.URL})
	if _, err := provider.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}}); err == nil {
		t.Fatal("Expected error for 401 response")
	}
}

func TestOpenAIProvider_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{})
	}))
	defer server.Close()

	provider, _ := NewOpenAIProvider(Config{APIKey: "k", BaseURL: server.URL})
	if _, err := provider.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("Expected error when no choices are returned")
	}
}

func TestNewOpenAIProvider_RequiresKey(t *testing.T) {
	if _, err := NewOpenAIProvider(Config{}); err == nil {
		t.Fatal("Expected error without API key")
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		wantNil  bool
		wantErr  bool
		wantName string
	}{
		{name: "disabled", config: Config{}, wantNil: true},
		{name: "none", config: Config{Provider: "none"}, wantNil: true},
		{name: "openai", config: Config{Provider: "OpenAI", APIKey: "k"}, wantName: "openai"},
		{name: "ollama", config: Config{Provider: "ollama", Model: "llava"}, wantName: "ollama"},
		{name: "unknown", config: Config{Provider: "claude"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.wantNil {
				if p != nil {
					t.Errorf("Expected nil provider, got %v", p.Name())
				}
				return
			}
			if p == nil || p.Name() != tt.wantName {
				t.Errorf("Expected provider %s, got %v", tt.wantName, p)
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	var v struct {
		Fraud bool `json:"fraud_detected"`
		Risk  int  `json:"risk_score"`
	}

	text := "Here is my verdict:\n```json\n{\"fraud_detected\": true, \"risk_score\": 80}\n```\nThanks."
	if err := ExtractJSON(text, &v); err != nil {
		t.Fatalf("ExtractJSON failed: %v", err)
	}
	if !v.Fraud || v.Risk != 80 {
		t.Errorf("Unexpected decode: %+v", v)
	}

	if err := ExtractJSON("no object here", &v); err != ErrNoJSON {
		t.Errorf("Expected ErrNoJSON, got %v", err)
	}
	if err := ExtractJSON("{broken", &v); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}
