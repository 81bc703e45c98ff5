package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldlens/schemascope/pkg/classify"
)

// Store (v0)
//
// Persists per-kind schema artifacts on the filesystem. One directory per
// kind; "/" in a kind becomes a nested directory. Inside each:
//
//	schema.validator.json   validator source
//	interface.go            typed interface source
//	examples.json           bounded most-recent examples
//	metadata.json           the Record (includes the saved tree)
//	raw-samples/<ms>.json   up to MaxRawSamples unredacted payloads
//
// Writers are serialized per kind via KindLock; each artifact is written to
// a temp file in the target directory and renamed, so readers never observe
// a torn update. A record whose directory is missing any of the four
// required artifacts is treated as absent and rebuilt from scratch on the
// next payload.

const (
	ValidatorFile = "schema.validator.json"
	InterfaceFile = "interface.go"
	ExamplesFile  = "examples.json"
	MetadataFile  = "metadata.json"
	RawSamplesDir = "raw-samples"

	// DefaultMaxRawSamples caps the unredacted archive per kind.
	DefaultMaxRawSamples = 10
)

var (
	ErrInvalidRoot = errors.New("store: invalid root")
	ErrInvalidKind = errors.New("store: invalid kind")
)

// Options configures a Store.
type Options struct {
	MaxRawSamples int
	Logger        *zap.Logger
}

type Store struct {
	rootAbs       string
	maxRawSamples int
	logger        *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New pins the root directory (created if missing) and returns a Store.
func New(root string, opts Options) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidRoot
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if opts.MaxRawSamples <= 0 {
		opts.MaxRawSamples = DefaultMaxRawSamples
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		rootAbs:       abs,
		maxRawSamples: opts.MaxRawSamples,
		logger:        opts.Logger,
		locks:         map[string]*sync.Mutex{},
	}, nil
}

// KindLock returns the writer mutex for a kind. Writers across distinct
// kinds never contend.
func (s *Store) KindLock(kind string) *sync.Mutex {
	key := classify.SanitizeKind(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

func (s *Store) kindDir(kind string) (string, error) {
	safe := classify.SanitizeKind(kind)
	if safe == "" {
		return "", ErrInvalidKind
	}
	parts := strings.Split(safe, "/")
	return filepath.Join(append([]string{s.rootAbs}, parts...)...), nil
}

// Load reads the record for a kind. It returns (nil, nil) when the kind is
// unknown or its artifact set is incomplete (e.g. after a crash), in which
// case the next payload rebuilds from scratch.
func (s *Store) Load(kind string) (*Record, error) {
	dir, err := s.kindDir(kind)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	for _, f := range []string{ValidatorFile, InterfaceFile, ExamplesFile, MetadataFile} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			s.logger.Warn("incomplete schema artifacts, treating record as absent",
				zap.String("kind", kind), zap.String("missing", f))
			return nil, nil
		}
	}
	raw, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn("corrupt metadata, treating record as absent",
			zap.String("kind", kind), zap.Error(err))
		return nil, nil
	}
	return &rec, nil
}

// Save atomically persists all artifacts for a kind. Callers must hold the
// kind lock. rawSample, when non-nil, is archived best-effort: a raw-sample
// failure never fails the save.
func (s *Store) Save(kind string, rec *Record, art Artifacts, rawSample []byte) error {
	dir, err := s.kindDir(kind)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	meta, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	writes := []struct {
		name string
		data []byte
	}{
		{ValidatorFile, []byte(art.ValidatorSource)},
		{InterfaceFile, []byte(art.InterfaceSource)},
		{ExamplesFile, []byte(art.ExamplesJSON)},
		{MetadataFile, meta},
	}
	for _, w := range writes {
		if err := writeFileAtomic(filepath.Join(dir, w.name), w.data); err != nil {
			return err
		}
	}
	if rawSample != nil {
		s.archiveRawSample(dir, kind, rawSample)
	}
	return nil
}

// SaveMetadataOnly rewrites metadata.json without touching the generated
// artifacts. Used when a merge proved structurally identical and only the
// counters moved.
func (s *Store) SaveMetadataOnly(kind string, rec *Record) error {
	dir, err := s.kindDir(kind)
	if err != nil {
		return err
	}
	meta, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, MetadataFile), meta)
}

func (s *Store) archiveRawSample(dir, kind string, sample []byte) {
	sampleDir := filepath.Join(dir, RawSamplesDir)
	if err := os.MkdirAll(sampleDir, 0o755); err != nil {
		s.logger.Warn("raw sample dir", zap.String("kind", kind), zap.Error(err))
		return
	}
	name := strconv.FormatInt(time.Now().UnixMilli(), 10) + ".json"
	if err := writeFileAtomic(filepath.Join(sampleDir, name), sample); err != nil {
		s.logger.Warn("raw sample write", zap.String("kind", kind), zap.Error(err))
		return
	}
	s.pruneRawSamples(sampleDir, kind)
}

func (s *Store) pruneRawSamples(sampleDir, kind string) {
	entries, err := os.ReadDir(sampleDir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.maxRawSamples {
		return
	}
	// Timestamp-named: lexicographic order is oldest-first for equal-width
	// millisecond names, and good enough otherwise.
	sort.Strings(names)
	for _, n := range names[:len(names)-s.maxRawSamples] {
		if err := os.Remove(filepath.Join(sampleDir, n)); err != nil {
			s.logger.Warn("raw sample prune", zap.String("kind", kind), zap.Error(err))
		}
	}
}

// ListKinds enumerates persisted kinds by directory walk; "/" nesting is
// reconstructed from subdirectories containing a metadata file.
func (s *Store) ListKinds() ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.rootAbs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != MetadataFile {
			return nil
		}
		rel, err := filepath.Rel(s.rootAbs, filepath.Dir(path))
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Counters aggregates on-disk sizes for telemetry.
type Counters struct {
	Kinds              int              `json:"kinds"`
	DiskBytesBySection map[string]int64 `json:"disk_bytes_by_section"`
}

// GetCounters walks the store and sums artifact sizes by section.
func (s *Store) GetCounters() (Counters, error) {
	c := Counters{DiskBytesBySection: map[string]int64{
		"validators": 0, "interfaces": 0, "examples": 0, "metadata": 0, "raw_samples": 0,
	}}
	err := filepath.WalkDir(s.rootAbs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		switch {
		case d.Name() == ValidatorFile:
			c.DiskBytesBySection["validators"] += info.Size()
		case d.Name() == InterfaceFile:
			c.DiskBytesBySection["interfaces"] += info.Size()
		case d.Name() == ExamplesFile:
			c.DiskBytesBySection["examples"] += info.Size()
		case d.Name() == MetadataFile:
			c.Kinds++
			c.DiskBytesBySection["metadata"] += info.Size()
		case filepath.Base(filepath.Dir(path)) == RawSamplesDir:
			c.DiskBytesBySection["raw_samples"] += info.Size()
		}
		return nil
	})
	if err != nil {
		return Counters{}, err
	}
	return c, nil
}

// writeFileAtomic writes to a temp file in the target directory and renames
// it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
