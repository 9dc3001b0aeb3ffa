// Package vault provides the S3-compatible document-store sink for C5:
// each captured prompt is flattened into a JSON document, enriched with a
// handful of derived analytics fields, and stored by id in an S3-compatible
// bucket. Adapted from the teacher gateway's blob-vault client — the
// store/checksum/Ref shape is unchanged, generalized from "store an
// arbitrary blob under an explicit key" to "store one document per
// InterceptedPrompt" and wired up as a sink.Sink.
package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/windsurf-prompt/gateway/pkg/model"
)

// Config holds S3-compatible storage configuration.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Client wraps an S3-compatible object store.
type Client struct {
	mc     *minio.Client
	bucket string
}

// Ref is a vault reference returned after storing content.
type Ref struct {
	URI      string // vault://bucket/key
	Checksum string // sha256:hex
	Size     int64
}

// New creates a vault client and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("vault: connect: %w", err)
	}

	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("vault: check bucket: %w", err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("vault: create bucket: %w", err)
		}
	}

	return &Client{mc: mc, bucket: cfg.Bucket}, nil
}

// Store writes data to the vault and returns a reference with checksum.
func (c *Client) Store(ctx context.Context, key string, data []byte) (Ref, error) {
	h := sha256.Sum256(data)
	checksum := fmt.Sprintf("sha256:%x", h)

	info, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return Ref{}, fmt.Errorf("vault: store %s: %w", key, err)
	}

	return Ref{
		URI:      fmt.Sprintf("vault://%s/%s", c.bucket, key),
		Checksum: checksum,
		Size:     info.Size,
	}, nil
}

// Fetch retrieves content from the vault by key.
func (c *Client) Fetch(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("vault: fetch %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("vault: read %s: %w", key, err)
	}
	return data, nil
}

// VerifyChecksum re-computes sha256 of data and compares against expected.
func VerifyChecksum(data []byte, expected string) bool {
	h := sha256.Sum256(data)
	got := fmt.Sprintf("sha256:%x", h)
	return got == expected
}

// document is the flattened shape written to the store, one object per
// InterceptedPrompt, keyed by id. The analytics fields are derived once at
// write time so downstream dashboards never need to recompute them.
type document struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Source        model.Source           `json:"source"`
	URL           string                 `json:"url"`
	Method        string                 `json:"method"`
	Prompt        string                 `json:"prompt"`
	Messages      []model.Message        `json:"messages"`
	Metadata      map[string]interface{} `json:"metadata"`
	CaptureMethod string                 `json:"capture_method,omitempty"`

	PromptLength int    `json:"prompt_length"`
	WordCount    int    `json:"word_count"`
	HourOfDay    int    `json:"hour_of_day"`
	DayOfWeek    string `json:"day_of_week"`
	Date         string `json:"date"`
}

func toDocument(p *model.InterceptedPrompt) document {
	return document{
		ID:            p.ID,
		Timestamp:     p.Timestamp,
		Source:        p.Source,
		URL:           p.URL,
		Method:        p.Method,
		Prompt:        p.Prompt,
		Messages:      p.Messages,
		Metadata:      p.Metadata,
		CaptureMethod: p.CaptureMethodTag(),

		PromptLength: len(p.Prompt),
		WordCount:    len(strings.Fields(p.Prompt)),
		HourOfDay:    p.Timestamp.Hour(),
		DayOfWeek:    p.Timestamp.Weekday().String(),
		Date:         p.Timestamp.Format("2006-01-02"),
	}
}

// DocumentSink implements sink.Sink, storing one JSON document per prompt
// under "prompts/<id>.json". It is the optional out-of-process collaborator
// named in §1 — failures here are logged and swallowed, never surfaced to
// the capture path, matching the file sink's error policy.
type DocumentSink struct {
	client *Client
	log    *log.Logger
	ctx    context.Context
}

// NewDocumentSink wraps an already-connected Client as a sink.Sink.
func NewDocumentSink(ctx context.Context, client *Client) *DocumentSink {
	return &DocumentSink{client: client, log: log.New(os.Stderr, "[vault] ", log.LstdFlags), ctx: ctx}
}

// Accept implements sink.Sink.
func (d *DocumentSink) Accept(p *model.InterceptedPrompt) {
	data, err := json.Marshal(toDocument(p))
	if err != nil {
		d.log.Printf("marshal failed for prompt %s: %v", p.ID, err)
		return
	}
	key := fmt.Sprintf("prompts/%s.json", p.ID)
	if _, err := d.client.Store(d.ctx, key, data); err != nil {
		d.log.Printf("store failed for prompt %s: %v", p.ID, err)
	}
}
