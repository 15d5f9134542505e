package database

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGetMissingKey(t *testing.T) {
	db := openTestDB(t)
	v, ok, err := db.Get("nothing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || v != "" {
		t.Errorf("expected missing key, got ok=%v value=%q", ok, v)
	}
}

func TestSetGetOverwrite(t *testing.T) {
	db := openTestDB(t)
	if err := db.Set("knownFeedUrls", `{"A":"https://a"}`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := db.Set("knownFeedUrls", `{"A":"https://b"}`); err != nil {
		t.Fatalf("Set again: %v", err)
	}
	v, ok, err := db.Get("knownFeedUrls")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if v != `{"A":"https://b"}` {
		t.Errorf("expected overwritten value, got %q", v)
	}
}

func TestDeleteKey(t *testing.T) {
	db := openTestDB(t)
	db.Set("a", "1")
	db.Set("b", "2")
	if err := db.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := db.Delete("a"); err != nil {
		t.Errorf("expected deleting a missing key to succeed, got %v", err)
	}
	keys, err := db.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"b"}) {
		t.Errorf("expected [b], got %v", keys)
	}
}

func TestValuePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	db1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db1.Set("readArticles", `{"https://x":"2024-01-01T00:00:00Z"}`)
	db1.Close()

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	v, ok, _ := db2.Get("readArticles")
	if !ok || v != `{"https://x":"2024-01-01T00:00:00Z"}` {
		t.Errorf("expected value after reopen, got ok=%v %q", ok, v)
	}
}

func TestRunReports(t *testing.T) {
	db := openTestDB(t)

	latest, err := db.GetLatestRunReport()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if latest != nil {
		t.Errorf("expected no report, got %+v", latest)
	}

	older := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(5 * time.Minute)
	if _, err := db.InsertRunReport(older, 10, nil); err != nil {
		t.Fatalf("InsertRunReport: %v", err)
	}
	id, err := db.InsertRunReport(newer, 7, []string{"Broken Feed"})
	if err != nil {
		t.Fatalf("InsertRunReport: %v", err)
	}
	if len(id) != 36 {
		t.Errorf("expected uuid id, got %q", id)
	}

	latest, err = db.GetLatestRunReport()
	if err != nil {
		t.Fatalf("GetLatestRunReport: %v", err)
	}
	if latest.ID != id {
		t.Errorf("expected latest id %q, got %q", id, latest.ID)
	}
	if latest.ArticleCount != 7 || latest.FailedCount != 1 {
		t.Errorf("expected 7 articles and 1 failure, got %d/%d", latest.ArticleCount, latest.FailedCount)
	}
	if !reflect.DeepEqual(latest.FailedSources, []string{"Broken Feed"}) {
		t.Errorf("expected failed sources, got %v", latest.FailedSources)
	}

	reports, err := db.ListRunReports(10)
	if err != nil {
		t.Fatalf("ListRunReports: %v", err)
	}
	if len(reports) != 2 || reports[1].GeneratedAt != "2024-01-01T10:00:00Z" {
		t.Errorf("expected two reports newest first, got %+v", reports)
	}
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	stats, err := db.GetStats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Keys != 0 || stats.Runs != 0 || stats.LastRun != nil {
		t.Errorf("expected empty stats, got %+v", stats)
	}

	db.Set("userFeeds", "[]")
	db.InsertRunReport(time.Now(), 3, nil)

	stats, _ = db.GetStats()
	if stats.Keys != 1 {
		t.Errorf("expected 1 key, got %d", stats.Keys)
	}
	if stats.Runs != 1 || stats.LastRun == nil {
		t.Errorf("expected 1 run, got %+v", stats)
	}
}
