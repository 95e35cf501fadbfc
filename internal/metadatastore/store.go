// Package metadatastore implements C1: durable, crash-consistent access
// to per-spec collaboration.json and lifecycle.json, per spec.md §4.1.
package metadatastore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/speckit/batchorch/internal/domain"
	"github.com/speckit/batchorch/internal/ferrors"
	"github.com/speckit/batchorch/internal/fsatomic"
	"github.com/speckit/batchorch/pkg/eventbus"
	"github.com/speckit/batchorch/pkg/logger"
)

const (
	collaborationFile = "collaboration.json"
	lifecycleFile      = "lifecycle.json"
	maxUpdateRetries   = 3
)

// Store reads and writes the per-spec metadata and lifecycle records
// under root/<spec>/collaboration.json and root/<spec>/lifecycle.json.
type Store struct {
	root string
	bus  *eventbus.Bus // warnings for corrupted records (spec.md §4.1/§4.4)
	log  logger.Logger
}

// New creates a Store rooted at specsDir (conventionally .sce/specs).
func New(specsDir string, bus *eventbus.Bus, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewSimpleLogger()
	}
	return &Store{root: specsDir, bus: bus, log: log}
}

func (s *Store) path(spec, file string) string {
	return filepath.Join(s.root, spec, file)
}

// Read returns spec's metadata, or (nil, nil) if no record exists.
func (s *Store) Read(spec string) (*domain.Metadata, error) {
	data, err := fsatomic.ReadFile(s.path(spec, collaborationFile))
	if err != nil {
		return nil, ferrors.Wrap("metadatastore.read", spec, err)
	}
	if data == nil {
		return nil, nil
	}
	var m domain.Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, ferrors.Wrap("metadatastore.read", spec, fmt.Errorf("%w: %v", ferrors.ErrInvalidMetadata, err))
	}
	return &m, nil
}

// Validate enforces spec.md §4.1's record validation rules.
func Validate(m domain.Metadata) error {
	if m.Type == "" || !m.Type.IsValid() {
		return fmt.Errorf("%w: type %q", ferrors.ErrInvalidMetadata, m.Type)
	}
	if !m.Status.Current.IsValid() {
		return fmt.Errorf("%w: status %q", ferrors.ErrInvalidMetadata, m.Status.Current)
	}
	for _, d := range m.Dependencies {
		if d.Spec == "" {
			return fmt.Errorf("%w: dependency with empty spec name", ferrors.ErrInvalidMetadata)
		}
		if !d.Type.IsValid() {
			return fmt.Errorf("%w: dependency kind %q", ferrors.ErrInvalidMetadata, d.Type)
		}
	}
	return nil
}

// Write validates and atomically commits metadata for spec.
func (s *Store) Write(spec string, m domain.Metadata) error {
	if err := Validate(m); err != nil {
		return ferrors.Wrap("metadatastore.write", spec, err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return ferrors.Wrap("metadatastore.write", spec, err)
	}
	if err := fsatomic.WriteFile(s.path(spec, collaborationFile), data, 0o644); err != nil {
		return ferrors.Wrap("metadatastore.write", spec, err)
	}
	return nil
}

// UpdateFn mutates metadata in place; returning an error aborts the update.
type UpdateFn func(m *domain.Metadata) error

// AtomicUpdate performs a read-modify-write with up to maxUpdateRetries
// attempts under exponential backoff, per spec.md §4.1.
func (s *Store) AtomicUpdate(spec string, fn UpdateFn) error {
	var lastErr error
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		m, err := s.Read(spec)
		if err != nil {
			return err
		}
		if m == nil {
			fresh := domain.Metadata{Status: domain.Status{Current: domain.SpecStatusNotStarted}}
			m = &fresh
		}
		if err := fn(m); err != nil {
			return ferrors.Wrap("metadatastore.atomic_update", spec, err)
		}
		if err := s.Write(spec, *m); err != nil {
			lastErr = err
			time.Sleep(backoffDelay(attempt))
			continue
		}
		return nil
	}
	return ferrors.Wrap("metadatastore.atomic_update", spec, fmt.Errorf("%w: %v", ferrors.ErrConcurrentUpdate, lastErr))
}

func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * 20 * time.Millisecond
}

// SpecMetadata pairs a spec name with its metadata for ListAll.
type SpecMetadata struct {
	Spec     string
	Metadata domain.Metadata
}

// ListAll enumerates every spec under root. A missing specs directory
// returns an empty list, not an error.
func (s *Store) ListAll() ([]SpecMetadata, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ferrors.Wrap("metadatastore.list_all", "", err)
	}

	var out []SpecMetadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := s.Read(e.Name())
		if err != nil || m == nil {
			continue
		}
		out = append(out, SpecMetadata{Spec: e.Name(), Metadata: *m})
	}
	return out, nil
}

// ReadLifecycle returns spec's lifecycle record. A missing, unreadable or
// corrupted record is replaced with the default (planned, no
// transitions), never returned as an error; a warning is published on
// the bus for an unreadable or corrupted record, not for a missing one.
func (s *Store) ReadLifecycle(spec string) domain.LifecycleRecord {
	data, err := fsatomic.ReadFile(s.path(spec, lifecycleFile))
	if err != nil || data == nil {
		if err != nil {
			s.warn(spec, "lifecycle record unreadable, using default", err)
		}
		return domain.DefaultLifecycleRecord(spec)
	}
	var rec domain.LifecycleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.warn(spec, "lifecycle record corrupted, using default", err)
		return domain.DefaultLifecycleRecord(spec)
	}
	return rec
}

// WriteLifecycle atomically commits rec for spec.
func (s *Store) WriteLifecycle(spec string, rec domain.LifecycleRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return ferrors.Wrap("metadatastore.write_lifecycle", spec, err)
	}
	if err := fsatomic.WriteFile(s.path(spec, lifecycleFile), data, 0o644); err != nil {
		return ferrors.Wrap("metadatastore.write_lifecycle", spec, err)
	}
	return nil
}

// TransitionLifecycle appends a validated from->to transition. It
// re-reads the current record first so from always matches the
// persisted state (spec.md §3's "transitions are monotonic" invariant).
func (s *Store) TransitionLifecycle(spec string, to domain.LifecycleStatus) error {
	rec := s.ReadLifecycle(spec)
	if !domain.CanTransition(rec.Status, to) {
		return ferrors.Wrap("metadatastore.transition_lifecycle", spec,
			fmt.Errorf("%w: %s -> %s", ferrors.ErrInvalidTransition, rec.Status, to))
	}
	rec.Transitions = append(rec.Transitions, domain.Transition{
		From: rec.Status, To: to, Timestamp: time.Now().UTC(),
	})
	rec.Status = to
	return s.WriteLifecycle(spec, rec)
}

func (s *Store) warn(spec, msg string, err error) {
	s.log.Warn("metadatastore: "+msg, "spec", spec, "error", err)
	if s.bus != nil {
		s.bus.Publish("metadata:warning", map[string]interface{}{"spec": spec, "message": msg, "error": err.Error()})
	}
}
