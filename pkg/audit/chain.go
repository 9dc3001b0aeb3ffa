// Package audit implements the optional A4 tamper-evident audit chain: an
// HMAC-signed hash chain over every captured prompt, purely observational —
// it never blocks or modifies a prompt, only records that it was seen.
// Adapted from the teacher gateway's trust.AuditChain, generalized from
// signing AIR incident records by run_id to signing InterceptedPrompt
// records by id.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/windsurf-prompt/gateway/pkg/model"
)

// chainFileName is the on-disk name of the persisted chain, fixed rather
// than date-rotated: rotating would sever prev_hash continuity across files.
const chainFileName = "audit-chain.jsonl"

// ChainEntry is one signed link in the audit chain. Each entry includes the
// hash of the previous entry, so modifying any past record breaks the chain.
type ChainEntry struct {
	Sequence   int64     `json:"sequence"`
	PromptID   string    `json:"prompt_id"`
	RecordHash string    `json:"record_hash"`
	PrevHash   string    `json:"prev_hash"`
	Signature  string    `json:"signature"`
	Timestamp  time.Time `json:"timestamp"`
}

// Chain maintains an ordered, signed sequence of prompt-record hashes.
// Safe for concurrent use.
type Chain struct {
	mu      sync.Mutex
	secret  []byte
	entries []ChainEntry
	last    string
	seq     int64
	file    *os.File
}

// NewChain creates a new audit chain with the given HMAC signing key.
// If logDir is non-empty, every Append also appends the entry's JSON
// encoding to logDir/audit-chain.jsonl, so the chain survives a restart.
// An empty logDir keeps the chain purely in-memory, as used by tests.
func NewChain(secret, logDir string) (*Chain, error) {
	c := &Chain{secret: []byte(secret), entries: make([]ChainEntry, 0)}
	if logDir == "" {
		return c, nil
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("audit: create log dir: %w", err)
	}
	path := filepath.Join(logDir, chainFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	c.file = f
	return c, nil
}

// Append records the sha256 hash of one InterceptedPrompt's JSON encoding
// into the chain and returns the new entry.
func (c *Chain) Append(p *model.InterceptedPrompt) (ChainEntry, error) {
	recordJSON, err := json.Marshal(p)
	if err != nil {
		return ChainEntry{}, fmt.Errorf("audit: marshal prompt %s: %w", p.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	entry := ChainEntry{
		Sequence:   c.seq,
		PromptID:   p.ID,
		RecordHash: sha256Hex(recordJSON),
		PrevHash:   c.last,
		Timestamp:  time.Now().UTC(),
	}
	entry.Signature = c.sign(entry)

	entryJSON, _ := json.Marshal(entry)
	c.last = sha256Hex(entryJSON)

	c.entries = append(c.entries, entry)

	if c.file != nil {
		line := append(append([]byte{}, entryJSON...), '\n')
		if _, err := c.file.Write(line); err != nil {
			return entry, fmt.Errorf("audit: persist entry %d: %w", entry.Sequence, err)
		}
	}

	return entry, nil
}

// Close flushes and closes the on-disk chain log, if persistence is enabled.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

// Verify walks the chain checking every signature and prev_hash link.
// Returns (true, 0, nil) if valid, or (false, brokenAt, err) otherwise.
func (c *Chain) Verify() (valid bool, brokenAt int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		return true, 0, nil
	}

	prevHash := ""
	for i, entry := range c.entries {
		if entry.PrevHash != prevHash {
			return false, entry.Sequence, fmt.Errorf("audit: chain broken at sequence %d: prev_hash mismatch", entry.Sequence)
		}
		if expected := c.sign(entry); entry.Signature != expected {
			return false, entry.Sequence, fmt.Errorf("audit: chain broken at sequence %d: signature mismatch", entry.Sequence)
		}
		entryJSON, _ := json.Marshal(c.entries[i])
		prevHash = sha256Hex(entryJSON)
	}
	return true, 0, nil
}

// Entries returns a copy of all chain entries.
func (c *Chain) Entries() []ChainEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChainEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the number of entries in the chain.
func (c *Chain) Len() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

func (c *Chain) sign(e ChainEntry) string {
	msg := fmt.Sprintf("%d|%s|%s|%s", e.Sequence, e.PromptID, e.RecordHash, e.PrevHash)
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
