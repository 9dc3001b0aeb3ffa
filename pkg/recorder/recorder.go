// Package recorder implements C5's append-only log sink: one JSON object
// per captured prompt, written to a date-rotated prompts_YYYY-MM-DD.jsonl
// file. Adapted from the teacher gateway's AIR-file writer, generalized
// from one-file-per-record to one-line-per-record append mode.
package recorder

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/windsurf-prompt/gateway/pkg/model"
)

// FileSink appends one JSON line per InterceptedPrompt to prompts_<date>.jsonl
// directly under dir, rotating by the calendar date of each prompt's
// Timestamp in that timestamp's own location (UTC for records built by the
// parser); the host's local time zone is not applied. Safe for concurrent use; writes are
// serialized through a mutex (append-mode writes below the pipe buffer size
// are individually atomic, but the rotation check is not, so we still
// serialize per §5's sink thread-safety requirement).
type FileSink struct {
	dir string
	log *log.Logger

	mu      sync.Mutex
	day     string
	current *os.File
}

// NewFileSink creates a sink that writes under dir (created if absent).
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("recorder: create dir: %w", err)
	}
	return &FileSink{dir: dir, log: log.New(os.Stderr, "[recorder] ", log.LstdFlags)}, nil
}

// Accept implements sink.Sink. Failures are logged, never returned —
// per §7's sink error policy, disk failures must not backpressure capture.
func (f *FileSink) Accept(p *model.InterceptedPrompt) {
	if err := f.write(p); err != nil {
		f.log.Printf("write failed for prompt %s: %v", p.ID, err)
	}
}

func (f *FileSink) write(p *model.InterceptedPrompt) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	day := p.Timestamp.Format("2006-01-02")
	if f.current == nil || day != f.day {
		if f.current != nil {
			f.current.Close()
		}
		path := filepath.Join(f.dir, fmt.Sprintf("prompts_%s.jsonl", day))
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		f.current = file
		f.day = day
	}

	line, err := json.Marshal(toRecord(p))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	line = append(line, '\n')

	if _, err := f.current.Write(line); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close flushes and closes the currently open log file, if any.
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	err := f.current.Close()
	f.current = nil
	return err
}

// Record is the exact on-disk shape from spec §6.5.
type Record struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Source        model.Source           `json:"source"`
	URL           string                 `json:"url"`
	Method        string                 `json:"method"`
	Prompt        string                 `json:"prompt"`
	Messages      []model.Message        `json:"messages"`
	Metadata      map[string]interface{} `json:"metadata"`
	CaptureMethod string                 `json:"capture_method,omitempty"`
}

func toRecord(p *model.InterceptedPrompt) Record {
	return Record{
		ID:            p.ID,
		Timestamp:     p.Timestamp,
		Source:        p.Source,
		URL:           p.URL,
		Method:        p.Method,
		Prompt:        p.Prompt,
		Messages:      p.Messages,
		Metadata:      p.Metadata,
		CaptureMethod: p.CaptureMethodTag(),
	}
}
