// Package snapshot reads and writes the cached result file used for instant
// display before a live cycle completes.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/TobiSchelling/feedrelay/internal/article"
)

// DefaultPath is where the batch prefetch writes its output.
const DefaultPath = "articles.json"

// DefaultTTL is how long a snapshot counts as fresh.
const DefaultTTL = 5 * time.Minute

// ErrNotFound is returned by Load when no snapshot file exists.
var ErrNotFound = errors.New("snapshot: not found")

type document struct {
	GeneratedAt   string                  `json:"generatedAt"`
	Items         []article.Article       `json:"items"`
	FailedSources []string                `json:"failedSources"`
	Failures      []article.SourceFailure `json:"failures,omitempty"`
}

// Marshal encodes result in the snapshot format.
func Marshal(result *article.AggregateResult) ([]byte, error) {
	doc := document{
		Items:         result.Articles,
		FailedSources: result.FailedSources,
		Failures:      result.Failures,
	}
	if !result.GeneratedAt.IsZero() {
		doc.GeneratedAt = result.GeneratedAt.UTC().Format(time.RFC3339)
	}
	if doc.Items == nil {
		doc.Items = []article.Article{}
	}
	if doc.FailedSources == nil {
		doc.FailedSources = []string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Write stores result at path. The file is replaced atomically.
func Write(path string, result *article.AggregateResult) error {
	data, err := Marshal(result)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".articles-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("setting snapshot permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// Unmarshal decodes a snapshot. A bare JSON array of items is accepted and
// yields a result with zero GeneratedAt.
func Unmarshal(data []byte) (*article.AggregateResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []article.Article
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decoding snapshot items: %w", err)
		}
		return &article.AggregateResult{Articles: keepValid(items), FailedSources: []string{}}, nil
	}

	var doc document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	result := &article.AggregateResult{
		Articles:      keepValid(doc.Items),
		FailedSources: doc.FailedSources,
		Failures:      doc.Failures,
	}
	if result.FailedSources == nil {
		result.FailedSources = []string{}
	}
	if doc.GeneratedAt != "" {
		t, err := time.Parse(time.RFC3339, doc.GeneratedAt)
		if err != nil {
			return nil, fmt.Errorf("decoding snapshot generatedAt: %w", err)
		}
		result.GeneratedAt = t
	}
	return result, nil
}

// Load reads the snapshot at path. It returns ErrNotFound when the file does
// not exist.
func Load(path string) (*article.AggregateResult, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	return Unmarshal(data)
}

// IsStale reports whether result is missing a timestamp or older than ttl.
func IsStale(result *article.AggregateResult, ttl time.Duration, now time.Time) bool {
	if result == nil || result.GeneratedAt.IsZero() {
		return true
	}
	return now.Sub(result.GeneratedAt) > ttl
}

func keepValid(items []article.Article) []article.Article {
	out := make([]article.Article, 0, len(items))
	for _, a := range items {
		if a.Valid() {
			out = append(out, a)
		}
	}
	return out
}
