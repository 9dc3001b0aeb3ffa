package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/windsurf-prompt/gateway/pkg/model"
)

func TestChainVerifiesCleanChain(t *testing.T) {
	c := newTestChain(t)
	for i := 0; i < 5; i++ {
		p := &model.InterceptedPrompt{ID: "id", Timestamp: time.Now(), Prompt: "hello"}
		if _, err := c.Append(p); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	valid, brokenAt, err := c.Verify()
	if err != nil || !valid {
		t.Fatalf("Verify() = %v, %d, %v; want valid chain", valid, brokenAt, err)
	}
	if c.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", c.Len())
	}
}

func TestChainDetectsTamperedEntry(t *testing.T) {
	c := newTestChain(t)
	p := &model.InterceptedPrompt{ID: "id", Timestamp: time.Now(), Prompt: "hello"}
	if _, err := c.Append(p); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := c.Append(p); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	c.entries[0].RecordHash = "tampered"

	valid, brokenAt, err := c.Verify()
	if valid || err == nil {
		t.Fatal("expected tampered chain to fail verification")
	}
	if brokenAt != 1 {
		t.Fatalf("brokenAt = %d, want 1", brokenAt)
	}
}

func TestChainPersistsEntriesToDisk(t *testing.T) {
	dir := t.TempDir()
	c, err := NewChain("test-secret", dir)
	if err != nil {
		t.Fatalf("NewChain() error = %v", err)
	}

	p := &model.InterceptedPrompt{ID: "id-1", Timestamp: time.Now(), Prompt: "hello"}
	if _, err := c.Append(p); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := c.Append(p); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, chainFileName))
	if err != nil {
		t.Fatalf("reading chain file: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d persisted lines, want 2", len(lines))
	}
	var entry ChainEntry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal persisted entry: %v", err)
	}
	if entry.PromptID != "id-1" || entry.Sequence != 1 {
		t.Fatalf("persisted entry = %+v, want prompt_id=id-1 sequence=1", entry)
	}
}

func newTestChain(t *testing.T) *Chain {
	t.Helper()
	c, err := NewChain("test-secret", "")
	if err != nil {
		t.Fatalf("NewChain() error = %v", err)
	}
	return c
}
