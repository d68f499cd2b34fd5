// Package secrets implements the persistent secret store.
//
// Secrets are kept in a single JSON document on disk (default
// ~/.2kc/secrets.json, mode 0600).  Every secret is addressable by an opaque
// v4 UUID and by a human slug ("ref").  Values are only ever returned by the
// explicit value accessors; listings and metadata lookups never expose them.
//
// The store is deliberately not a vault: the file is permission-restricted
// plaintext.  It raises the bar on accidental exposure, nothing more.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by Store operations.
var (
	// ErrNotFound is returned when no secret matches the given uuid or ref.
	ErrNotFound = errors.New("secrets: not found")
	// ErrDuplicateRef is returned by Add when the ref is already taken.
	ErrDuplicateRef = errors.New("secrets: duplicate ref")
	// ErrInvalidRef is returned by Add when the ref fails validation.
	ErrInvalidRef = errors.New("secrets: invalid ref")
	// ErrCorrupted is returned when the store file exists but cannot be
	// parsed.  The store never falls back to an empty document in that case.
	ErrCorrupted = errors.New("secrets: store file corrupted")
)

var (
	refPattern  = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)
)

// IsUUID reports whether s looks like a v4 UUID.  Used to dispatch
// ref-or-uuid lookups.
func IsUUID(s string) bool {
	return uuidPattern.MatchString(s)
}

// Entry is the on-disk representation of one secret.
type Entry struct {
	UUID      string   `json:"uuid"`
	Ref       string   `json:"ref"`
	Value     string   `json:"value"`
	Tags      []string `json:"tags"`
	CreatedAt string   `json:"createdAt"`
	UpdatedAt string   `json:"updatedAt"`
}

// Metadata is the listing shape: everything except the value.
type Metadata struct {
	UUID string   `json:"uuid"`
	Ref  string   `json:"ref"`
	Tags []string `json:"tags"`
}

// document is the top-level JSON shape of the store file.
type document struct {
	Secrets []Entry `json:"secrets"`
}

// Store is a file-backed secret store.  Every mutating operation reloads the
// document from disk, applies the change, and writes the whole document back
// with mode 0600, so concurrent processes see read-modify-write semantics.
type Store struct {
	mu   sync.Mutex
	path string
}

// New creates a Store over the given file path.  The file is created lazily
// on the first mutation.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// Add validates ref, generates a v4 uuid, and appends a new entry.
// Returns ErrInvalidRef on syntax violations, ErrDuplicateRef when the ref is
// already present.
func (s *Store) Add(ctx context.Context, ref, value string, tags []string) (string, error) {
	if !refPattern.MatchString(ref) {
		return "", fmt.Errorf("%w: %q must match %s", ErrInvalidRef, ref, refPattern.String())
	}
	if IsUUID(ref) {
		return "", fmt.Errorf("%w: %q must not be a uuid", ErrInvalidRef, ref)
	}
	if tags == nil {
		tags = []string{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return "", err
	}
	for _, e := range doc.Secrets {
		if e.Ref == ref {
			return "", fmt.Errorf("%w: %q", ErrDuplicateRef, ref)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	entry := Entry{
		UUID:      uuid.New().String(),
		Ref:       ref,
		Value:     value,
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	doc.Secrets = append(doc.Secrets, entry)

	if err := s.save(doc); err != nil {
		return "", err
	}
	return entry.UUID, nil
}

// Remove deletes the entry with the given uuid.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	for i, e := range doc.Secrets {
		if e.UUID == id {
			doc.Secrets = append(doc.Secrets[:i], doc.Secrets[i+1:]...)
			return s.save(doc)
		}
	}
	return fmt.Errorf("secret uuid %q: %w", id, ErrNotFound)
}

// List returns metadata for every secret in insertion order.  Values are
// never included.
func (s *Store) List(ctx context.Context) ([]Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	items := make([]Metadata, 0, len(doc.Secrets))
	for _, e := range doc.Secrets {
		items = append(items, e.metadata())
	}
	return items, nil
}

// GetMetadata returns the listing item for the given uuid.
func (s *Store) GetMetadata(ctx context.Context, id string) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.findByUUID(id)
	if err != nil {
		return Metadata{}, err
	}
	return e.metadata(), nil
}

// GetByRef returns the listing item for the given ref.
func (s *Store) GetByRef(ctx context.Context, ref string) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.findByRef(ref)
	if err != nil {
		return Metadata{}, err
	}
	return e.metadata(), nil
}

// GetValue returns the raw secret value for the given uuid.
func (s *Store) GetValue(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.findByUUID(id)
	if err != nil {
		return "", err
	}
	return e.Value, nil
}

// GetValueByRef returns the raw secret value for the given ref.
func (s *Store) GetValueByRef(ctx context.Context, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.findByRef(ref)
	if err != nil {
		return "", err
	}
	return e.Value, nil
}

// Resolve returns the listing item for a ref-or-uuid input.  Inputs matching
// the v4 uuid pattern dispatch to the uuid lookup, everything else to the ref
// lookup; the error message preserves which path was taken.
func (s *Store) Resolve(ctx context.Context, refOrUUID string) (Metadata, error) {
	if IsUUID(refOrUUID) {
		return s.GetMetadata(ctx, refOrUUID)
	}
	return s.GetByRef(ctx, refOrUUID)
}

// ResolveValue is the value-returning variant of Resolve, used only by the
// injector for placeholder substitution.
func (s *Store) ResolveValue(ctx context.Context, refOrUUID string) (id, value string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e *Entry
	if IsUUID(refOrUUID) {
		e, err = s.findByUUID(refOrUUID)
	} else {
		e, err = s.findByRef(refOrUUID)
	}
	if err != nil {
		return "", "", err
	}
	return e.UUID, e.Value, nil
}

// --- internal helpers (callers hold s.mu) ---

func (e Entry) metadata() Metadata {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return Metadata{UUID: e.UUID, Ref: e.Ref, Tags: tags}
}

func (s *Store) findByUUID(id string) (*Entry, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range doc.Secrets {
		if doc.Secrets[i].UUID == id {
			return &doc.Secrets[i], nil
		}
	}
	return nil, fmt.Errorf("secret uuid %q: %w", id, ErrNotFound)
}

func (s *Store) findByRef(ref string) (*Entry, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range doc.Secrets {
		if doc.Secrets[i].Ref == ref {
			return &doc.Secrets[i], nil
		}
	}
	return nil, fmt.Errorf("secret ref %q: %w", ref, ErrNotFound)
}

// load reads and parses the store file.  A missing file yields an empty
// document; a parse failure is ErrCorrupted and includes the file path.
func (s *Store) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &document{Secrets: []Entry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", s.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, s.path, err)
	}
	if doc.Secrets == nil {
		doc.Secrets = []Entry{}
	}
	return &doc, nil
}

// save writes the whole document back and reapplies mode 0600.
func (s *Store) save(doc *document) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("secrets: mkdir %s: %w", filepath.Dir(s.path), err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("secrets: marshal store: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("secrets: write %s: %w", s.path, err)
	}
	// WriteFile only applies the mode on creation; reapply unconditionally.
	if err := os.Chmod(s.path, 0o600); err != nil {
		return fmt.Errorf("secrets: chmod %s: %w", s.path, err)
	}
	return nil
}
