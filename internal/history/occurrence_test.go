package history

import (
	"path/filepath"
	"testing"
	"time"
)

func TestOccurrenceStoreRecordAndGetLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occurrences.db")
	store, err := OpenOccurrenceStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if _, ok := store.GetLatest(); ok {
		t.Fatal("expected no occurrences on a fresh store")
	}

	if err := store.Record(Occurrence{RunID: "r1", Task: "build", Status: "passed", Timestamp: time.Unix(1, 0)}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.Record(Occurrence{RunID: "r1", Task: "test", Status: "failed", Timestamp: time.Unix(2, 0)}); err != nil {
		t.Fatalf("record: %v", err)
	}

	latest, ok := store.GetLatest()
	if !ok || latest.Task != "test" || latest.Status != "failed" {
		t.Fatalf("unexpected latest: %+v", latest)
	}
}

func TestOccurrenceStoreEvictsBeyondRingSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occurrences.db")
	store, err := OpenOccurrenceStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	for i := 0; i < ringSize+10; i++ {
		if err := store.Record(Occurrence{RunID: "r", Task: "build", Status: "passed", Timestamp: time.Unix(int64(i), 0)}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	all := store.List(0, "")
	if len(all) != ringSize {
		t.Fatalf("expected ring capped at %d, got %d", ringSize, len(all))
	}
	// Newest-first: the most recent seq should be the last one recorded.
	if all[0].Seq != uint64(ringSize+10) {
		t.Fatalf("expected newest seq %d, got %d", ringSize+10, all[0].Seq)
	}
}

func TestOccurrenceStoreHydratesFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occurrences.db")
	store, err := OpenOccurrenceStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Record(Occurrence{RunID: "r1", Task: "build", Status: "passed", Timestamp: time.Unix(1, 0)}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.Record(Occurrence{RunID: "r1", Task: "deploy", Status: "failed", Timestamp: time.Unix(2, 0)}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenOccurrenceStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	latest, ok := reopened.GetLatest()
	if !ok || latest.Task != "deploy" {
		t.Fatalf("expected hydrated latest task deploy, got %+v (ok=%v)", latest, ok)
	}
	if len(reopened.List(0, "")) != 2 {
		t.Fatalf("expected 2 hydrated occurrences, got %d", len(reopened.List(0, "")))
	}
}

func TestOccurrenceStoreListFiltersByStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occurrences.db")
	store, err := OpenOccurrenceStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	_ = store.Record(Occurrence{Task: "build", Status: "passed", Timestamp: time.Unix(1, 0)})
	_ = store.Record(Occurrence{Task: "build", Status: "failed", Timestamp: time.Unix(2, 0)})
	_ = store.Record(Occurrence{Task: "build", Status: "passed", Timestamp: time.Unix(3, 0)})

	failed := store.List(0, "failed")
	if len(failed) != 1 || failed[0].Status != "failed" {
		t.Fatalf("expected 1 failed occurrence, got %+v", failed)
	}
}

func TestOccurrenceStoreRecentOutcomesOrderedOldestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occurrences.db")
	store, err := OpenOccurrenceStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	statuses := []string{"passed", "failed", "passed", "cached"}
	for i, s := range statuses {
		if err := store.Record(Occurrence{Task: "build", Status: s, Timestamp: time.Unix(int64(i), 0)}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	_ = store.Record(Occurrence{Task: "other", Status: "failed", Timestamp: time.Unix(99, 0)})

	outcomes := store.RecentOutcomes("build", 3)
	want := []string{"fail", "pass", "pass"}
	if len(outcomes) != len(want) {
		t.Fatalf("expected %v, got %v", want, outcomes)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, outcomes)
		}
	}
}
