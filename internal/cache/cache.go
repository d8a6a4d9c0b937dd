// Package cache implements the content-addressed, fingerprint-keyed cache
// described in spec §4.3: a local filesystem repository of CacheEntry
// metadata plus deduplicated content-addressed blobs.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sykli-ci/sykli/internal/otelinit"
)

// tracer and the hit/miss counters are this package's own telemetry handles
// (spec §A.2); resolved lazily off the global otel providers main installs,
// so Repository needs no constructor plumbing to start emitting real data.
var (
	tracer      = otel.Tracer("sykli/cache")
	meter       = otel.Meter("sykli/cache")
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
)

func init() {
	cacheHits, _ = meter.Int64Counter("sykli_cache_hits_total")
	cacheMisses, _ = meter.Int64Counter("sykli_cache_misses_total")
}

// Output describes one cached artifact produced by a task.
type Output struct {
	LogicalName  string `json:"logical_name"`
	RelativePath string `json:"relative_path"`
	BlobHash     string `json:"blob_hash"`
	Mode         uint32 `json:"mode"`
	Size         int64  `json:"size"`
}

// Entry is the metadata record stored under a fingerprint key.
type Entry struct {
	Command      string    `json:"command"`
	Container    string    `json:"container"`
	EnvHash      string    `json:"env_hash"`
	MountsHash   string    `json:"mounts_hash"`
	InputsHash   string    `json:"inputs_hash"`
	SykliVersion string    `json:"sykli_version"`
	Outputs      []Output  `json:"outputs"`
	DurationMS   int64     `json:"duration_ms"`
	CachedAt     time.Time `json:"cached_at"`
	TaskName     string    `json:"task_name"`
}

// MissReason enumerates why a cache lookup did not hit (spec §4.3).
type MissReason string

const (
	NoCache         MissReason = "no_cache"
	CommandChanged  MissReason = "command_changed"
	InputsChanged   MissReason = "inputs_changed"
	ContainerChanged MissReason = "container_changed"
	EnvChanged      MissReason = "env_changed"
	MountsChanged   MissReason = "mounts_changed"
	ConfigChanged   MissReason = "config_changed"
	Corrupted       MissReason = "corrupted"
	BlobsMissing    MissReason = "blobs_missing"
)

// MissError carries the reason a Get failed to hit.
type MissError struct {
	Reason MissReason
}

func (e *MissError) Error() string { return "cache miss: " + string(e.Reason) }

// Stats summarizes the repository's footprint.
type Stats struct {
	Count int
	Bytes int64
}

// Repository is the on-disk content-addressed cache rooted at Dir
// (default ~/.sykli/cache), laid out as meta/<fingerprint>.json and
// blobs/<sha256>.
type Repository struct {
	Dir string
}

// Open returns a Repository rooted at dir, creating the meta/ and blobs/
// subdirectories if absent.
func Open(dir string) (*Repository, error) {
	for _, sub := range []string{"meta", "blobs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("cache: create %s: %w", sub, err)
		}
	}
	return &Repository{Dir: dir}, nil
}

func (r *Repository) metaPath(key string) string  { return filepath.Join(r.Dir, "meta", key+".json") }
func (r *Repository) blobPath(hash string) string { return filepath.Join(r.Dir, "blobs", hash) }

// Get loads the entry for key. Corrupt metadata is deleted on read and
// reported as Corrupted; entries whose blobs have vanished report
// BlobsMissing. Cache I/O errors degrade to a miss — they never fail the
// calling task (spec §7 propagation policy).
func (r *Repository) Get(key string) (*Entry, error) {
	ctx, endSpan := otelinit.WithSpan(context.Background(), tracer, "cache.Get")
	defer endSpan()

	miss := func(reason MissReason) (*Entry, error) {
		if cacheMisses != nil {
			cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
		}
		return nil, &MissError{Reason: reason}
	}

	data, err := os.ReadFile(r.metaPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return miss(NoCache)
		}
		slog.Warn("cache: degrading to miss on read error", "key", key, "error", err)
		return miss(NoCache)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		_ = os.Remove(r.metaPath(key))
		return miss(Corrupted)
	}

	for _, o := range e.Outputs {
		if _, err := os.Stat(r.blobPath(o.BlobHash)); err != nil {
			return miss(BlobsMissing)
		}
	}
	if cacheHits != nil {
		cacheHits.Add(ctx, 1)
	}
	return &e, nil
}

// Put atomically writes entry under key: a temp file is written then
// renamed, so concurrent readers never observe a partial file.
func (r *Repository) Put(key string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: marshal entry: %w", err)
	}
	return atomicWrite(r.metaPath(key), data)
}

func atomicWrite(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%d", path, rand.Int63())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("cache: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("cache: rename temp file: %w", err)
	}
	return nil
}

// StoreBlob content-addresses data by SHA-256 and writes it if absent,
// returning the hex digest.
func (r *Repository) StoreBlob(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	path := r.blobPath(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := atomicWrite(path, data); err != nil {
		return "", err
	}
	return hash, nil
}

// GetBlob reads the content-addressed blob identified by hash.
func (r *Repository) GetBlob(hash string) ([]byte, error) {
	return os.ReadFile(r.blobPath(hash))
}

// Stats walks meta/ and blobs/ to report aggregate size.
func (r *Repository) Stats() (Stats, error) {
	var s Stats
	metaDir := filepath.Join(r.Dir, "meta")
	entries, err := os.ReadDir(metaDir)
	if err != nil {
		return s, err
	}
	s.Count = len(entries)

	blobDir := filepath.Join(r.Dir, "blobs")
	blobs, err := os.ReadDir(blobDir)
	if err != nil {
		return s, err
	}
	for _, b := range blobs {
		info, err := b.Info()
		if err != nil {
			continue
		}
		s.Bytes += info.Size()
	}
	return s, nil
}

// Clean removes every cache entry and orphaned blob, leaving an empty repo.
func (r *Repository) Clean() error {
	return r.CleanOlderThan(0)
}

// CleanOlderThan deletes meta entries whose CachedAt predates now-maxAge,
// then deletes blobs no surviving entry references (spec §4.3 GC).
func (r *Repository) CleanOlderThan(maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	metaDir := filepath.Join(r.Dir, "meta")
	entries, err := os.ReadDir(metaDir)
	if err != nil {
		return fmt.Errorf("cache: gc: read meta dir: %w", err)
	}

	live := make(map[string]bool)
	for _, fi := range entries {
		path := filepath.Join(metaDir, fi.Name())
		if strings.Contains(fi.Name(), ".tmp.") {
			_ = os.Remove(path)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			_ = os.Remove(path)
			continue
		}
		if e.CachedAt.Before(cutoff) {
			_ = os.Remove(path)
			continue
		}
		for _, o := range e.Outputs {
			live[o.BlobHash] = true
		}
	}

	blobDir := filepath.Join(r.Dir, "blobs")
	blobs, err := os.ReadDir(blobDir)
	if err != nil {
		return fmt.Errorf("cache: gc: read blobs dir: %w", err)
	}
	for _, b := range blobs {
		if strings.Contains(b.Name(), ".tmp.") || !live[b.Name()] {
			_ = os.Remove(filepath.Join(blobDir, b.Name()))
		}
	}
	return nil
}

// Fingerprint computes the deterministic cache key for a task's defining
// inputs: SHA-256(version || command || container || env_hash ||
// mounts_hash || inputs_hash). Callers are responsible for producing
// order-independent env_hash/mounts_hash/inputs_hash (see HashEnv,
// HashMounts, HashInputs) so that declaration order never affects the key
// (invariant 1, spec §8).
func Fingerprint(version, command, container, envHash, mountsHash, inputsHash string) string {
	h := sha256.New()
	io.WriteString(h, version)
	io.WriteString(h, command)
	io.WriteString(h, container)
	io.WriteString(h, envHash)
	io.WriteString(h, mountsHash)
	io.WriteString(h, inputsHash)
	return hex.EncodeToString(h.Sum(nil))
}

// HashEnv hashes a map in sorted-key order so declaration order is irrelevant.
func HashEnv(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		io.WriteString(h, k)
		io.WriteString(h, "=")
		io.WriteString(h, env[k])
		io.WriteString(h, "\x00")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashMounts hashes mount specs in a stable, sorted order.
func HashMounts(mounts []string) string {
	sorted := append([]string{}, mounts...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, m := range sorted {
		io.WriteString(h, m)
		io.WriteString(h, "\x00")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FileDigest is one (relative_path, content_hash) pair contributing to an
// inputs_hash.
type FileDigest struct {
	RelativePath string
	ContentHash  string
}

// ExpandGlobs resolves a glob pattern set against root into a sorted,
// deduplicated list of relative paths, using doublestar so `**` recurses.
func ExpandGlobs(root string, patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(os.DirFS(root), pattern)
		if err != nil {
			return nil, fmt.Errorf("cache: bad glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// HashInputs computes the SHA-256 over the ordered list of
// (relative_path, SHA-256(content)) pairs for every file the glob set
// resolves to under root.
func HashInputs(root string, patterns []string) (string, []FileDigest, error) {
	paths, err := ExpandGlobs(root, patterns)
	if err != nil {
		return "", nil, err
	}
	digests := make([]FileDigest, 0, len(paths))
	h := sha256.New()
	for _, p := range paths {
		data, err := os.ReadFile(filepath.Join(root, p))
		if err != nil {
			return "", nil, fmt.Errorf("cache: read input %q: %w", p, err)
		}
		sum := sha256.Sum256(data)
		contentHash := hex.EncodeToString(sum[:])
		digests = append(digests, FileDigest{RelativePath: p, ContentHash: contentHash})
		io.WriteString(h, p)
		io.WriteString(h, ":")
		io.WriteString(h, contentHash)
		io.WriteString(h, "\x00")
	}
	return hex.EncodeToString(h.Sum(nil)), digests, nil
}

// Restore copies every entry output blob into destDir at its relative
// path, recreating the permission mode recorded at cache-write time. The
// source-vs-hardlink Open Question (SPEC_FULL.md §D.2) is resolved as
// copy, matching observed source behavior.
func (r *Repository) Restore(e *Entry, destDir string) error {
	for _, o := range e.Outputs {
		data, err := r.GetBlob(o.BlobHash)
		if err != nil {
			return &MissError{Reason: BlobsMissing}
		}
		dest := filepath.Join(destDir, o.RelativePath)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("cache: restore mkdir: %w", err)
		}
		mode := os.FileMode(o.Mode)
		if mode == 0 {
			mode = 0644
		}
		if err := os.WriteFile(dest, data, mode); err != nil {
			return fmt.Errorf("cache: restore write: %w", err)
		}
	}
	return nil
}
