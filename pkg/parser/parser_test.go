package parser

import (
	"testing"

	"github.com/windsurf-prompt/gateway/pkg/model"
)

var defaultPatterns = []string{
	"api.openai.com", "api.anthropic.com", "api.codeium.com",
	"/v1/chat/completions", "/v1/completions", "/v1/messages",
	"/chat/completions", "windsurf", "cursor", "copilot",
}

func TestIsAIRequestWindsurfEndpoint(t *testing.T) {
	url := "http://d.localhost:55123/exa.language_server_pb.LanguageServerService/SendUserCascadeMessage"
	if !IsAIRequest(url, "", map[string]string{}, nil) {
		t.Fatal("expected windsurf endpoint to be classified as AI traffic")
	}
}

func TestIsAIRequestFalseOnPlainTraffic(t *testing.T) {
	if IsAIRequest("https://example.com/", "{}", map[string]string{"user-agent": "curl/8.0"}, defaultPatterns) {
		t.Fatal("expected plain traffic to not be classified as AI traffic")
	}
}

func TestExtractPromptFromRequestReturnsNilForNonAI(t *testing.T) {
	got := ExtractPromptFromRequest("https://example.com/", "GET", "{}", map[string]string{}, defaultPatterns)
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestExtractPromptFromRequestCascade(t *testing.T) {
	body := `{"cascadeId":"abc","items":[{"text":"Refactor foo"}],
	 "metadata":{"ideName":"windsurf","ideVersion":"1.9","extensionVersion":"1.48"},
	 "cascadeConfig":{"plannerConfig":{"requestedModelUid":"MODEL_X",
	 "conversational":{"plannerMode":"DEFAULT"}},"brainConfig":{"enabled":true}}}`

	p := ExtractPromptFromRequest(
		"http://d.localhost:55123/exa.language_server_pb.LanguageServerService/SendUserCascadeMessage",
		"POST", body, map[string]string{"content-type": "application/json"}, defaultPatterns)

	if p == nil {
		t.Fatal("expected a record, got nil")
	}
	if p.Prompt != "Refactor foo" {
		t.Errorf("prompt = %q, want %q", p.Prompt, "Refactor foo")
	}
	if p.Source != "windsurf" {
		t.Errorf("source = %q, want windsurf", p.Source)
	}
	if p.Metadata["model"] != "MODEL_X" {
		t.Errorf("metadata.model = %v, want MODEL_X", p.Metadata["model"])
	}
	if p.Metadata["cascade_id"] != "abc" {
		t.Errorf("metadata.cascade_id = %v, want abc", p.Metadata["cascade_id"])
	}
	if p.Metadata["planner_mode"] != "DEFAULT" {
		t.Errorf("metadata.planner_mode = %v, want DEFAULT", p.Metadata["planner_mode"])
	}
	if p.Metadata["brain_enabled"] != true {
		t.Errorf("metadata.brain_enabled = %v, want true", p.Metadata["brain_enabled"])
	}
}

func TestExtractPromptFromRequestChatSchemaLastUserMessage(t *testing.T) {
	body := `{"model":"gpt-4","messages":[{"role":"system","content":"S"},{"role":"user","content":"Hello"}]}`
	p := ExtractPromptFromRequest("https://api.openai.com/v1/chat/completions", "POST", body,
		map[string]string{"content-type": "application/json"}, defaultPatterns)

	if p == nil {
		t.Fatal("expected a record, got nil")
	}
	if p.Prompt != "Hello" {
		t.Errorf("prompt = %q, want Hello", p.Prompt)
	}
	if p.Metadata["model"] != "gpt-4" {
		t.Errorf("metadata.model = %v, want gpt-4", p.Metadata["model"])
	}
}

func TestExtractPromptFromRequestDirectPrompt(t *testing.T) {
	body := `{"prompt":"write a haiku"}`
	p := ExtractPromptFromRequest("https://api.codeium.com/generate", "POST", body,
		map[string]string{}, defaultPatterns)
	if p == nil || p.Prompt != "write a haiku" {
		t.Fatalf("got %+v", p)
	}
	if len(p.Messages) != 1 || p.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", p.Messages)
	}
}

func TestExtractPromptFromRequestQueryField(t *testing.T) {
	body := `{"query":"what time is it"}`
	p := ExtractPromptFromRequest("https://api.codeium.com/q", "POST", body, map[string]string{}, defaultPatterns)
	if p == nil || p.Prompt != "what time is it" {
		t.Fatalf("got %+v", p)
	}
}

func TestExtractResponseStreaming(t *testing.T) {
	input := "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n" +
		"data: [DONE]\n"
	got := ExtractResponse(input)
	if got == nil || *got != "hello" {
		t.Fatalf("got %v, want hello", got)
	}
}

func TestExtractResponseOpenAIShape(t *testing.T) {
	input := `{"choices":[{"message":{"role":"assistant","content":"hi there"}}]}`
	got := ExtractResponse(input)
	if got == nil || *got != "hi there" {
		t.Fatalf("got %v", got)
	}
}

func TestExtractResponseAnthropicShape(t *testing.T) {
	input := `{"content":[{"type":"text","text":"hi"}]}`
	got := ExtractResponse(input)
	if got == nil || *got != "hi" {
		t.Fatalf("got %v", got)
	}
}

func TestShouldLogRequestFiltersShortAndSystemURLs(t *testing.T) {
	p := &model.InterceptedPrompt{Prompt: "hi", URL: "https://api.openai.com/health"}
	if ShouldLogRequest(p) {
		t.Fatal("expected short prompt to be filtered")
	}
	p = &model.InterceptedPrompt{Prompt: "a long enough prompt", URL: "https://api.openai.com/health"}
	if ShouldLogRequest(p) {
		t.Fatal("expected health-check URL to be filtered")
	}
}
