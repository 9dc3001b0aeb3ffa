// Package model holds the canonical record types emitted by the capture
// core — C2's InterceptedPrompt and the conversation view it carries.
package model

import "time"

// Source tags the application that originated a captured exchange.
type Source string

const (
	SourceWindsurf      Source = "windsurf"
	SourceCursor        Source = "cursor"
	SourceVSCode        Source = "vscode"
	SourceGitHubCopilot Source = "github-copilot"
	SourceElectronApp   Source = "electron-app"
	SourceUnknown       Source = "unknown"
)

// CaptureMethod tags which subsystem produced a record.
type CaptureMethod string

const (
	CaptureMITMProxy      CaptureMethod = "mitm_proxy"
	CaptureLoopbackSniffer CaptureMethod = "loopback_sniffer"
)

// Message is one turn of a conversation view.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InterceptedPrompt is the canonical record emitted by the core for every
// captured AI exchange. See spec §3.1.
type InterceptedPrompt struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Source    Source                 `json:"source"`
	UserAgent string                 `json:"user_agent"`
	URL       string                 `json:"url"`
	Method    string                 `json:"method"`
	Prompt    string                 `json:"prompt"`
	Messages  []Message              `json:"messages"`
	Response  *string                `json:"response,omitempty"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// CaptureMethodTag returns the metadata tag set by the capturing component, or
// empty if absent.
func (p *InterceptedPrompt) CaptureMethodTag() string {
	if p.Metadata == nil {
		return ""
	}
	if v, ok := p.Metadata["capture_method"].(string); ok {
		return v
	}
	return ""
}
