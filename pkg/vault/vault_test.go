package vault

import (
	"crypto/sha256"
	"fmt"
	"testing"
	"time"

	"github.com/windsurf-prompt/gateway/pkg/model"
)

func TestVerifyChecksum(t *testing.T) {
	data := []byte(`{"role":"user","content":"hello"}`)

	h := sha256.Sum256(data)
	good := fmt.Sprintf("sha256:%x", h)

	if !VerifyChecksum(data, good) {
		t.Fatal("expected checksum to match")
	}

	if VerifyChecksum(data, "sha256:0000") {
		t.Fatal("expected checksum mismatch")
	}
}

func TestRefFields(t *testing.T) {
	r := Ref{
		URI:      "vault://air-runs/abc/request.json",
		Checksum: "sha256:deadbeef",
		Size:     42,
	}
	if r.URI == "" || r.Checksum == "" || r.Size != 42 {
		t.Fatal("ref fields not set")
	}
}

func TestToDocumentDerivesAnalyticsFields(t *testing.T) {
	ts := time.Date(2026, 7, 31, 14, 30, 0, 0, time.UTC) // a Friday
	p := &model.InterceptedPrompt{
		ID:        "p1",
		Timestamp: ts,
		Prompt:    "refactor this function please",
	}

	doc := toDocument(p)

	if doc.PromptLength != len(p.Prompt) {
		t.Errorf("PromptLength = %d, want %d", doc.PromptLength, len(p.Prompt))
	}
	if doc.WordCount != 4 {
		t.Errorf("WordCount = %d, want 4", doc.WordCount)
	}
	if doc.HourOfDay != 14 {
		t.Errorf("HourOfDay = %d, want 14", doc.HourOfDay)
	}
	if doc.DayOfWeek != "Friday" {
		t.Errorf("DayOfWeek = %q, want Friday", doc.DayOfWeek)
	}
	if doc.Date != "2026-07-31" {
		t.Errorf("Date = %q, want 2026-07-31", doc.Date)
	}
}
