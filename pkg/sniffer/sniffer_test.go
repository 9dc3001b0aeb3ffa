package sniffer

import (
	"testing"

	"github.com/windsurf-prompt/gateway/pkg/model"
	"github.com/windsurf-prompt/gateway/pkg/sink"
	"github.com/windsurf-prompt/gateway/pkg/stats"
)

type recordingSink struct {
	accepted []*model.InterceptedPrompt
}

func (r *recordingSink) Accept(p *model.InterceptedPrompt) {
	r.accepted = append(r.accepted, p)
}

func TestExtractJSONFromPositionRejectsTooSmall(t *testing.T) {
	got, end := extractJSONFromPosition(`{"a":1}`, 0)
	if got != "" || end != 0 {
		t.Fatalf("expected rejection of small non-cascade JSON, got %q, %d", got, end)
	}
}

func TestExtractJSONFromPositionAcceptsCascade(t *testing.T) {
	text := `junk {"cascadeId":"abc","items":[{"text":"hi"}]} trailing`
	start := indexByteFrom(text, '{', 0)
	got, end := extractJSONFromPosition(text, start)
	if got == "" {
		t.Fatal("expected a match")
	}
	if got != `{"cascadeId":"abc","items":[{"text":"hi"}]}` {
		t.Fatalf("got %q", got)
	}
	if text[start:end] != got {
		t.Fatalf("end offset %d does not align with candidate", end)
	}
}

func TestExtractJSONWithPositionPrioritizesCascadeIDAnchor(t *testing.T) {
	text := `{"noise":true} prefix {"cascadeId":"x","items":[{"text":"hello world"}]}`
	got, _ := extractJSONWithPosition(text)
	if got == "" {
		t.Fatal("expected extraction to succeed")
	}
	if indexString(got, "cascadeId") == -1 {
		t.Fatalf("expected cascade payload to win, got %q", got)
	}
}

func TestExtractJSONFromPositionHandlesEscapedQuotesInStrings(t *testing.T) {
	text := `{"cascadeId":"a\"b","items":[{"text":"has \"quotes\" inside"}]}`
	got, end := extractJSONFromPosition(text, 0)
	if got != text {
		t.Fatalf("got %q, want full text consumed", got)
	}
	if end != len(text) {
		t.Fatalf("end = %d, want %d", end, len(text))
	}
}

func TestTryExtractRequestConsumesHTTP11Request(t *testing.T) {
	reg := sink.NewRegistry(nil)
	s := New(Config{Registry: reg, Stats: &stats.SnifferStats{}})

	body := `{"cascadeId":"c1","items":[{"text":"refactor this"}]}`
	req := "POST /exa.language_server_pb.LanguageServerService/SendUserCascadeMessage HTTP/1.1\r\n" +
		"Host: d.localhost:55000\r\n" +
		"Content-Type: application/json\r\n" +
		"\r\n" + body

	consumed := s.tryExtractRequest([]byte(req))
	if consumed == 0 {
		t.Fatal("expected request to be consumed")
	}
}

func TestEmitIfPromptTagsLoopbackSnifferCaptureMethod(t *testing.T) {
	rec := &recordingSink{}
	reg := sink.NewRegistry(nil, rec)
	s := New(Config{Registry: reg, Stats: &stats.SnifferStats{}})

	body := `{"cascadeId":"c1","items":[{"text":"refactor this"}]}`
	if !s.emitIfPrompt(defaultWindsurfURL, body, nil) {
		t.Fatal("expected emitIfPrompt to report a prompt was found")
	}
	if len(rec.accepted) != 1 {
		t.Fatalf("got %d accepted prompts, want 1", len(rec.accepted))
	}
	if got := rec.accepted[0].CaptureMethodTag(); got != "loopback_sniffer" {
		t.Fatalf("CaptureMethodTag() = %q, want %q", got, "loopback_sniffer")
	}
}

func TestTryExtractRequestReturnsZeroWithoutCascadeMarker(t *testing.T) {
	s := New(Config{Registry: sink.NewRegistry(nil)})
	consumed := s.tryExtractRequest([]byte(`plain text with no json at all`))
	if consumed != 0 {
		t.Fatalf("expected 0, got %d", consumed)
	}
}
