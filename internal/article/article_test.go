package article

import (
	"testing"
	"time"
)

func TestSortByPublishedUndatedLast(t *testing.T) {
	articles := []Article{
		{Title: "B", Link: "https://x/b", PublishedAt: "2024-01-02T00:00:00Z"},
		{Title: "Undated", Link: "https://x/u", PublishedAt: ""},
		{Title: "A", Link: "https://x/a", PublishedAt: "2024-01-01T00:00:00Z"},
	}
	SortByPublished(articles)

	want := []string{"B", "A", "Undated"}
	for i, title := range want {
		if articles[i].Title != title {
			t.Errorf("position %d: expected %q, got %q", i, title, articles[i].Title)
		}
	}
}

func TestSortByPublishedStableForEqualTimes(t *testing.T) {
	articles := []Article{
		{Title: "first", PublishedAt: "garbage"},
		{Title: "second", PublishedAt: ""},
		{Title: "third", PublishedAt: "also garbage"},
	}
	SortByPublished(articles)

	if articles[0].Title != "first" || articles[1].Title != "second" || articles[2].Title != "third" {
		t.Errorf("expected original order for equal timestamps, got %v", articles)
	}
}

func TestParseTimeFormats(t *testing.T) {
	cases := map[string]time.Time{
		"Mon, 02 Jan 2006 15:04:05 +0000": time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC),
		"2024-03-01T10:00:00Z":            time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	for raw, want := range cases {
		got := ParseTime(raw)
		if !got.Equal(want) {
			t.Errorf("ParseTime(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestParseTimeInvalidIsEpoch(t *testing.T) {
	for _, raw := range []string{"", "   ", "not a date"} {
		if got := ParseTime(raw); !got.Equal(Epoch) {
			t.Errorf("ParseTime(%q) = %v, want epoch", raw, got)
		}
	}
}

func TestSourceValid(t *testing.T) {
	if (Source{Name: "A", Endpoints: []string{""}}).Valid() {
		t.Error("expected source with only blank endpoints to be invalid")
	}
	if (Source{Name: " ", Endpoints: []string{"https://a"}}).Valid() {
		t.Error("expected source with blank name to be invalid")
	}
	if !(Source{Name: "A", Endpoints: []string{"https://a"}}).Valid() {
		t.Error("expected source to be valid")
	}
}

func TestSources(t *testing.T) {
	names := Sources([]Article{{SourceName: "b"}, {SourceName: "a"}, {SourceName: "b"}})
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("expected [a b], got %v", names)
	}
}
