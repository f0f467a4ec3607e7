package lifelog

import (
	"testing"
	"time"
)

func TestFingerprintStableForSameEntry(t *testing.T) {
	updated := time.Date(2025, 8, 20, 17, 4, 5, 0, time.UTC)
	entry := Entry{
		ID:        "lg_1",
		Title:     "Morning standup",
		StartTime: "2025-08-20T09:00:00-07:00",
		EndTime:   "2025-08-20T09:15:00-07:00",
		UpdatedAt: updated,
	}
	first := Fingerprint(entry)
	second := Fingerprint(entry)
	if first != second {
		t.Fatalf("expected stable fingerprint, got %q then %q", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(first))
	}
}

func TestFingerprintIgnoresNonCanonicalFields(t *testing.T) {
	entry := Entry{
		ID:        "lg_1",
		Title:     "Morning standup",
		UpdatedAt: time.Date(2025, 8, 20, 17, 4, 5, 0, time.UTC),
	}
	base := Fingerprint(entry)
	entry.Markdown = "different body"
	entry.SyncedAt = time.Now()
	if got := Fingerprint(entry); got != base {
		t.Fatalf("expected markdown/synced-at changes to leave fingerprint alone, got %q vs %q", got, base)
	}
}

func TestFingerprintChangesWithEachCanonicalField(t *testing.T) {
	base := Entry{
		ID:        "lg_1",
		Title:     "Morning standup",
		StartTime: "2025-08-20T09:00:00-07:00",
		EndTime:   "2025-08-20T09:15:00-07:00",
		UpdatedAt: time.Date(2025, 8, 20, 17, 4, 5, 0, time.UTC),
	}
	baseHash := Fingerprint(base)

	mutations := map[string]Entry{
		"id":      {ID: "lg_2", Title: base.Title, StartTime: base.StartTime, EndTime: base.EndTime, UpdatedAt: base.UpdatedAt},
		"title":   {ID: base.ID, Title: "Evening recap", StartTime: base.StartTime, EndTime: base.EndTime, UpdatedAt: base.UpdatedAt},
		"start":   {ID: base.ID, Title: base.Title, StartTime: "2025-08-20T10:00:00-07:00", EndTime: base.EndTime, UpdatedAt: base.UpdatedAt},
		"end":     {ID: base.ID, Title: base.Title, StartTime: base.StartTime, EndTime: "2025-08-20T11:00:00-07:00", UpdatedAt: base.UpdatedAt},
		"updated": {ID: base.ID, Title: base.Title, StartTime: base.StartTime, EndTime: base.EndTime, UpdatedAt: base.UpdatedAt.Add(time.Minute)},
	}
	for name, mutated := range mutations {
		if got := Fingerprint(mutated); got == baseHash {
			t.Fatalf("expected %s change to alter fingerprint", name)
		}
	}
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	a := Entry{ID: "ab", Title: "c"}
	b := Entry{ID: "a", Title: "bc"}
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatalf("expected field boundaries to keep ab|c and a|bc distinct")
	}
}

func TestEpochMillis(t *testing.T) {
	if got := EpochMillis("2025-08-20T09:00:00Z"); got != 1755680400000 {
		t.Fatalf("expected 1755680400000, got %d", got)
	}
	if got := EpochMillis(""); got != 0 {
		t.Fatalf("expected 0 for empty input, got %d", got)
	}
	if got := EpochMillis("yesterday-ish"); got != 0 {
		t.Fatalf("expected 0 for unparseable input, got %d", got)
	}
}
