package history

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

var occurrenceBucket = []byte("occurrences")

const ringSize = 50

// Occurrence is one recorded task outcome, kept in the ring buffer (spec
// §4.7: "an in-memory ring of the last 50 task outcomes, hydrated from disk
// on startup").
type Occurrence struct {
	Seq       uint64    `json:"seq"`
	RunID     string    `json:"run_id"`
	Task      string    `json:"task"`
	Status    string    `json:"status"` // passed | failed | skipped | cached | blocked
	Timestamp time.Time `json:"timestamp"`
}

// OccurrenceStore is a fixed-size ring of recent task outcomes. Writes go
// through a single serialized writer goroutine-free mutex; reads take a
// snapshot of an atomically-swapped slice and never block on the writer.
type OccurrenceStore struct {
	db *bbolt.DB

	writeMu sync.Mutex // serializes Record; disk write + ring mutation
	seq     uint64

	snapshot atomic.Pointer[[]Occurrence] // lock-free read path
}

// OpenOccurrenceStore opens (creating if absent) a bbolt-backed store at
// path and hydrates its in-memory ring from the last ringSize entries on
// disk, mirroring the restore-on-startup behavior of a WAL-backed log.
func OpenOccurrenceStore(path string) (*OccurrenceStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: open occurrence store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(occurrenceBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init occurrence bucket: %w", err)
	}

	s := &OccurrenceStore{db: db}
	if err := s.hydrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// hydrate replays the on-disk bucket (ordered by key, which is the
// big-endian seq) into the in-memory ring, keeping only the newest
// ringSize entries.
func (s *OccurrenceStore) hydrate() error {
	var all []Occurrence
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(occurrenceBucket)
		return b.ForEach(func(k, v []byte) error {
			var o Occurrence
			if err := json.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("decode occurrence %x: %w", k, err)
			}
			all = append(all, o)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("history: hydrate occurrence store: %w", err)
	}
	if len(all) > ringSize {
		all = all[len(all)-ringSize:]
	}
	if len(all) > 0 {
		s.seq = all[len(all)-1].Seq
	}
	s.snapshot.Store(&all)
	return nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		k[i] = byte(seq)
		seq >>= 8
	}
	return k
}

// Record appends a new occurrence, persists it, evicts the oldest entry
// once the ring is full, and publishes a fresh read snapshot.
func (s *OccurrenceStore) Record(o Occurrence) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.seq++
	o.Seq = s.seq
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("history: marshal occurrence: %w", err)
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(occurrenceBucket)
		return b.Put(seqKey(o.Seq), data)
	}); err != nil {
		return fmt.Errorf("history: persist occurrence: %w", err)
	}

	prev := s.currentSnapshot()
	next := make([]Occurrence, 0, ringSize)
	next = append(next, prev...)
	next = append(next, o)
	if len(next) > ringSize {
		evicted := next[:len(next)-ringSize]
		next = next[len(next)-ringSize:]
		if err := s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(occurrenceBucket)
			for _, ev := range evicted {
				if err := b.Delete(seqKey(ev.Seq)); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("history: evict occurrence: %w", err)
		}
	}
	s.snapshot.Store(&next)
	return nil
}

func (s *OccurrenceStore) currentSnapshot() []Occurrence {
	p := s.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

// GetLatest returns the most recently recorded occurrence, if any.
func (s *OccurrenceStore) GetLatest() (Occurrence, bool) {
	snap := s.currentSnapshot()
	if len(snap) == 0 {
		return Occurrence{}, false
	}
	return snap[len(snap)-1], true
}

// List returns up to limit occurrences, most recent first, optionally
// filtered by status ("" means no filter).
func (s *OccurrenceStore) List(limit int, status string) []Occurrence {
	snap := s.currentSnapshot()
	out := make([]Occurrence, 0, limit)
	for i := len(snap) - 1; i >= 0; i-- {
		if status != "" && snap[i].Status != status {
			continue
		}
		out = append(out, snap[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// RecentOutcomes returns the last n statuses for task, oldest first, e.g.
// ["pass", "pass", "fail"] — used for flakiness display (spec §4.7).
func (s *OccurrenceStore) RecentOutcomes(task string, n int) []string {
	snap := s.currentSnapshot()
	var matched []string
	for i := len(snap) - 1; i >= 0 && len(matched) < n; i-- {
		if snap[i].Task != task {
			continue
		}
		matched = append(matched, shortOutcome(snap[i].Status))
	}
	// matched was built newest-first; reverse to oldest-first.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched
}

func shortOutcome(status string) string {
	switch status {
	case "passed", "cached":
		return "pass"
	case "failed":
		return "fail"
	default:
		return "skip"
	}
}

// Close releases the underlying bbolt handle.
func (s *OccurrenceStore) Close() error {
	return s.db.Close()
}
