// Package parser implements C2: classification of HTTP exchanges as AI
// traffic and extraction of a canonical InterceptedPrompt from the body.
// Pure and side-effect-free — no I/O, callable from any goroutine.
package parser

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/windsurf-prompt/gateway/pkg/model"
)

// windsurfEndpoints are substrings of the client's local RPC path that mark
// a request as the proprietary Cascade protocol, regardless of monitored
// URL patterns below.
var windsurfEndpoints = []string{
	"sendusercascademessage",
	"languageserverservice",
	"exa.language_server_pb",
}

var aiBodyKeywords = []string{
	"messages", "prompt", "completion", "chat", "model", "gpt", "claude",
	"temperature", "max_tokens", "stream", "assistant", "user", "system",
}

var ideUserAgents = []string{"windsurf", "cursor", "vscode", "electron", "copilot"}

// IsAIRequest implements §4.2.1: is_ai_request(url, body, headers).
func IsAIRequest(url, body string, headers map[string]string, patterns []string) bool {
	urlLower := strings.ToLower(url)
	bodyLower := strings.ToLower(body)
	userAgent := strings.ToLower(headers["user-agent"])

	for _, ep := range windsurfEndpoints {
		if strings.Contains(urlLower, ep) {
			return true
		}
	}

	for _, p := range patterns {
		if strings.Contains(urlLower, strings.ToLower(p)) {
			return true
		}
	}

	for _, kw := range aiBodyKeywords {
		if strings.Contains(bodyLower, kw) {
			return true
		}
	}

	for _, ide := range ideUserAgents {
		if strings.Contains(userAgent, ide) {
			return true
		}
	}

	return false
}

// ExtractPromptFromRequest implements §4.2.2. Precondition: IsAIRequest is
// true for (url, body, headers). Returns nil, not an error, on anything
// that fails to parse as a recognised AI body shape.
func ExtractPromptFromRequest(url, method, body string, headers map[string]string, patterns []string) *model.InterceptedPrompt {
	if !IsAIRequest(url, body, headers, patterns) {
		return nil
	}

	var data map[string]json.RawMessage
	if body != "" {
		if err := json.Unmarshal([]byte(body), &data); err != nil {
			return nil
		}
	}

	if _, hasCascade := data["cascadeId"]; hasCascade {
		if _, hasItems := data["items"]; hasItems {
			return parseCascade(data, url, method, headers)
		}
	}

	var promptText string
	var messages []model.Message

	switch {
	case data["messages"] != nil:
		var msgs []rawMessage
		if err := json.Unmarshal(data["messages"], &msgs); err == nil {
			for _, m := range msgs {
				messages = append(messages, model.Message{Role: m.Role, Content: m.Content})
			}
			for i := len(msgs) - 1; i >= 0; i-- {
				if msgs[i].Role == "user" {
					promptText = msgs[i].Content
					break
				}
			}
		}
	case data["prompt"] != nil:
		json.Unmarshal(data["prompt"], &promptText)
		messages = []model.Message{{Role: "user", Content: promptText}}
	case data["query"] != nil || data["text"] != nil:
		if data["query"] != nil {
			json.Unmarshal(data["query"], &promptText)
		} else {
			json.Unmarshal(data["text"], &promptText)
		}
		messages = []model.Message{{Role: "user", Content: promptText}}
	}

	if promptText == "" {
		return nil
	}

	metadata := map[string]interface{}{
		"model":                 rawString(data["model"]),
		"stream":                rawBool(data["stream"]),
		"content_type":          headers["content-type"],
		"authorization_present": headers["authorization"] != "",
		"request_size":          len(body),
	}
	if t, ok := rawFloat(data["temperature"]); ok {
		metadata["temperature"] = t
	}
	if mt, ok := rawFloat(data["max_tokens"]); ok {
		metadata["max_tokens"] = mt
	}

	source := detectSource(headers["user-agent"], url)

	return &model.InterceptedPrompt{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		UserAgent: headers["user-agent"],
		URL:       url,
		Method:    method,
		Prompt:    promptText,
		Messages:  messages,
		Metadata:  metadata,
	}
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m *rawMessage) UnmarshalJSON(b []byte) error {
	var aux struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	m.Role = aux.Role
	var s string
	if err := json.Unmarshal(aux.Content, &s); err == nil {
		m.Content = s
	} else {
		m.Content = string(aux.Content)
	}
	return nil
}

// parseCascade implements §4.2.2 case 1: the client's proprietary format.
func parseCascade(data map[string]json.RawMessage, url, method string, headers map[string]string) *model.InterceptedPrompt {
	var items []json.RawMessage
	json.Unmarshal(data["items"], &items)

	var parts []string
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			parts = append(parts, s)
			continue
		}
		var obj struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(item, &obj); err == nil && obj.Text != "" {
			parts = append(parts, obj.Text)
		}
	}
	promptText := strings.Join(parts, "\n")

	var cascadeID string
	json.Unmarshal(data["cascadeId"], &cascadeID)

	var cascadeConfig struct {
		PlannerConfig struct {
			RequestedModelUID string `json:"requestedModelUid"`
			Conversational    struct {
				PlannerMode string `json:"plannerMode"`
			} `json:"conversational"`
		} `json:"plannerConfig"`
		BrainConfig struct {
			Enabled bool `json:"enabled"`
		} `json:"brainConfig"`
	}
	json.Unmarshal(data["cascadeConfig"], &cascadeConfig)

	var wsMeta struct {
		IDEName          string `json:"ideName"`
		IDEVersion       string `json:"ideVersion"`
		ExtensionVersion string `json:"extensionVersion"`
		Locale           string `json:"locale"`
		APIKey           string `json:"apiKey"`
	}
	json.Unmarshal(data["metadata"], &wsMeta)

	ideName := wsMeta.IDEName
	if ideName == "" {
		ideName = "windsurf"
	}

	metadata := map[string]interface{}{
		"model":                 cascadeConfig.PlannerConfig.RequestedModelUID,
		"cascade_id":            cascadeID,
		"planner_mode":          cascadeConfig.PlannerConfig.Conversational.PlannerMode,
		"ide_name":              ideName,
		"ide_version":           wsMeta.IDEVersion,
		"extension_version":     wsMeta.ExtensionVersion,
		"locale":                wsMeta.Locale,
		"api_key_present":       wsMeta.APIKey != "",
		"brain_enabled":         cascadeConfig.BrainConfig.Enabled,
		"content_type":          headers["content-type"],
		"request_size":          0,
	}

	return &model.InterceptedPrompt{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    model.SourceWindsurf,
		UserAgent: headers["user-agent"],
		URL:       url,
		Method:    method,
		Prompt:    promptText,
		Messages:  []model.Message{{Role: "user", Content: promptText}},
		Metadata:  metadata,
	}
}

func detectSource(userAgent, url string) model.Source {
	ua := strings.ToLower(userAgent)
	u := strings.ToLower(url)
	switch {
	case strings.Contains(ua, "windsurf") || strings.Contains(u, "windsurf"):
		return model.SourceWindsurf
	case strings.Contains(ua, "cursor"):
		return model.SourceCursor
	case strings.Contains(ua, "vscode"):
		return model.SourceVSCode
	case strings.Contains(ua, "copilot"):
		return model.SourceGitHubCopilot
	case strings.Contains(ua, "electron"):
		return model.SourceElectronApp
	default:
		return model.SourceUnknown
	}
}

// ExtractResponse implements §4.2.3.
func ExtractResponse(responseBody string) *string {
	if responseBody == "" {
		return nil
	}

	if strings.HasPrefix(responseBody, "data: ") {
		var sb strings.Builder
		for _, line := range strings.Split(responseBody, "\n") {
			if !strings.HasPrefix(line, "data: ") || line == "data: [DONE]" {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) > 0 {
				sb.WriteString(chunk.Choices[0].Delta.Content)
			}
		}
		if sb.Len() == 0 {
			return nil
		}
		s := sb.String()
		return &s
	}

	var data struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Content  json.RawMessage `json:"content"`
		Response *string         `json:"response"`
	}
	if err := json.Unmarshal([]byte(responseBody), &data); err != nil {
		return nil
	}

	if len(data.Choices) > 0 {
		s := data.Choices[0].Message.Content
		return &s
	}

	if len(data.Content) > 0 {
		var parts []struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data.Content, &parts); err == nil && len(parts) > 0 {
			return &parts[0].Text
		}
		var s string
		if err := json.Unmarshal(data.Content, &s); err == nil {
			return &s
		}
	}

	if data.Response != nil {
		return data.Response
	}

	return nil
}

// ShouldLogRequest implements §4.2.4. Advisory — callers on an already
// trusted channel (e.g. Cascade) may bypass it.
func ShouldLogRequest(p *model.InterceptedPrompt) bool {
	trimmed := strings.TrimSpace(p.Prompt)
	if trimmed == "" || len(trimmed) < 10 {
		return false
	}
	urlLower := strings.ToLower(p.URL)
	for _, pattern := range []string{"health", "ping", "status", "auth", "token"} {
		if strings.Contains(urlLower, pattern) {
			return false
		}
	}
	return true
}

func rawString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	json.Unmarshal(raw, &s)
	return s
}

func rawBool(raw json.RawMessage) bool {
	if raw == nil {
		return false
	}
	var b bool
	json.Unmarshal(raw, &b)
	return b
}

func rawFloat(raw json.RawMessage) (float64, bool) {
	if raw == nil {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}
