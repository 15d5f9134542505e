package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/feedrelay/internal/article"
)

func sampleResult() *article.AggregateResult {
	return &article.AggregateResult{
		GeneratedAt: time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC),
		Articles: []article.Article{
			{Title: "One", Link: "https://x/1?a=1&b=2", Description: "<p>d</p>", PublishedAt: "2024-05-01T08:00:00Z", SourceName: "X"},
			{Title: "Two", Link: "https://x/2", SourceName: "X", ImageURL: "https://x/i.png"},
		},
		FailedSources: []string{"Y"},
		Failures:      []article.SourceFailure{{Name: "Y", Reason: "all relays failed"}},
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "articles.json")
	want := sampleResult()
	if err := Write(path, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.GeneratedAt.Equal(want.GeneratedAt) {
		t.Errorf("expected generatedAt %v, got %v", want.GeneratedAt, got.GeneratedAt)
	}
	if !reflect.DeepEqual(got.Articles, want.Articles) {
		t.Errorf("articles differ:\n got %+v\nwant %+v", got.Articles, want.Articles)
	}
	if !reflect.DeepEqual(got.FailedSources, want.FailedSources) {
		t.Errorf("expected failed sources %v, got %v", want.FailedSources, got.FailedSources)
	}
	if !reflect.DeepEqual(got.Failures, want.Failures) {
		t.Errorf("expected failures %v, got %v", want.Failures, got.Failures)
	}
}

func TestMarshalFieldNames(t *testing.T) {
	data, err := Marshal(sampleResult())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	for _, field := range []string{`"generatedAt": "2024-05-01T08:30:00Z"`, `"items"`, `"failedSources"`, `"pubDate"`, `"imageUrl"`, `"source"`, `https://x/1?a=1&b=2`} {
		if !strings.Contains(s, field) {
			t.Errorf("expected %s in output:\n%s", field, s)
		}
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "articles.json")
	Write(path, sampleResult())
	Write(path, sampleResult())

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the snapshot file, got %d entries", len(entries))
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadLegacyArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "articles.json")
	legacy := `[{"title":"Old","link":"https://o/1","description":"","pubDate":"","imageUrl":"","source":"O"},{"title":"","link":"https://o/2"}]`
	os.WriteFile(path, []byte(legacy), 0o644)

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Articles) != 1 || got.Articles[0].Title != "Old" {
		t.Errorf("expected one valid legacy article, got %+v", got.Articles)
	}
	if !got.GeneratedAt.IsZero() {
		t.Error("expected zero generatedAt for legacy snapshot")
	}
	if !IsStale(got, DefaultTTL, time.Now()) {
		t.Error("expected legacy snapshot to be stale")
	}
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "articles.json")
	os.WriteFile(path, []byte("{broken"), 0o644)
	if _, err := Load(path); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected decode error, got %v", err)
	}
}

func TestIsStale(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	fresh := &article.AggregateResult{GeneratedAt: now.Add(-4 * time.Minute)}
	old := &article.AggregateResult{GeneratedAt: now.Add(-6 * time.Minute)}

	if IsStale(fresh, DefaultTTL, now) {
		t.Error("expected 4 minute old snapshot to be fresh")
	}
	if !IsStale(old, DefaultTTL, now) {
		t.Error("expected 6 minute old snapshot to be stale")
	}
	if !IsStale(nil, DefaultTTL, now) {
		t.Error("expected nil result to be stale")
	}
}
