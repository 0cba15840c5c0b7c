package field

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tally-lab/project-tally/internal/core/reduce"
	"gopkg.in/yaml.v3"
)

// ErrUnknownField is returned for (resource, field) pairs with no definition.
var ErrUnknownField = errors.New("field is not tracked")

// Late-arrival policies. Evaluated per transaction: at write time by the
// log writer, again at query time by the consolidator.
const (
	LateIgnore  = "ignore"  // reject the write when outside the watermark
	LateWarn    = "warn"    // accept and log; excluded from the current pass
	LateProcess = "process" // force-include even outside the nominal window
)

// ValidLatePolicy reports whether p is a recognized late-arrival policy.
func ValidLatePolicy(p string) bool {
	return p == LateIgnore || p == LateWarn || p == LateProcess
}

// Definition declares one tracked numeric field. Definitions are loaded at
// startup from YAML files and are immutable afterwards — consolidation and
// analytics receive them by value, never through shared mutable state.
type Definition struct {
	Resource   string `yaml:"resource"`
	Field      string `yaml:"field"`
	Reducer    string `yaml:"reducer"`     // registered reducer name; default "sum"
	LatePolicy string `yaml:"late_policy"` // ignore | warn | process; default "warn"
}

// Key identifies a definition by its (resource, field) pair.
type Key struct {
	Resource string
	Field    string
}

// Repository resolves tracked-field definitions.
type Repository interface {
	// Get returns the definition for a (resource, field) pair, or an
	// error if the field is not tracked.
	Get(ctx context.Context, resource, fieldName string) (*Definition, error)

	// Definitions returns all loaded definitions.
	Definitions() []Definition
}

// FileSystemRepository loads tracked-field definitions from *.yaml files in
// a directory, one definition per file. Loaded once at startup, cached in
// memory — no hot reload.
type FileSystemRepository struct {
	dir    string
	fields map[Key]Definition
}

// NewFileSystemRepository eagerly loads all definitions from dir. Any
// malformed or invalid file fails the whole load — configuration errors
// surface at startup, before a single transaction is accepted.
func NewFileSystemRepository(dir string) (*FileSystemRepository, error) {
	repo := &FileSystemRepository{
		dir:    dir,
		fields: make(map[Key]Definition),
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *FileSystemRepository) load() error {
	info, err := os.Stat(r.dir)
	if os.IsNotExist(err) {
		return nil // no definitions directory — valid (zero fields tracked)
	}
	if err != nil {
		return fmt.Errorf("tracked field dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("tracked field path %q is not a directory", r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading tracked field dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading field file %s: %w", path, err)
		}

		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("parsing field file %s: %w", path, err)
		}
		if def.Resource == "" && def.Field == "" {
			continue // skip empty / comment-only files
		}

		def, err = Normalize(def)
		if err != nil {
			return fmt.Errorf("field file %s: %w", path, err)
		}

		key := Key{Resource: def.Resource, Field: def.Field}
		if _, exists := r.fields[key]; exists {
			return fmt.Errorf("field %s.%s: duplicate definition (check multiple YAML files)", def.Resource, def.Field)
		}
		r.fields[key] = def
	}
	return nil
}

// Normalize applies defaults and validates a definition.
func Normalize(def Definition) (Definition, error) {
	if def.Resource == "" {
		return def, fmt.Errorf("resource must not be empty")
	}
	if def.Field == "" {
		return def, fmt.Errorf("field must not be empty")
	}

	if def.Reducer == "" {
		def.Reducer = reduce.DefaultName
	}
	if !reduce.Valid(def.Reducer) {
		return def, fmt.Errorf("field %s.%s: unknown reducer %q", def.Resource, def.Field, def.Reducer)
	}

	if def.LatePolicy == "" {
		def.LatePolicy = LateWarn
	}
	if !ValidLatePolicy(def.LatePolicy) {
		return def, fmt.Errorf("field %s.%s: unknown late_policy %q", def.Resource, def.Field, def.LatePolicy)
	}

	return def, nil
}

// Get returns the definition for a (resource, field) pair.
func (r *FileSystemRepository) Get(_ context.Context, resource, fieldName string) (*Definition, error) {
	def, ok := r.fields[Key{Resource: resource, Field: fieldName}]
	if !ok {
		return nil, fmt.Errorf("field %s.%s: %w", resource, fieldName, ErrUnknownField)
	}
	return &def, nil
}

// Definitions returns all loaded definitions.
func (r *FileSystemRepository) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.fields))
	for _, def := range r.fields {
		defs = append(defs, def)
	}
	return defs
}

// StaticRepository serves a fixed definition set. Used in tests and by
// embedders that configure fields in code instead of YAML files.
type StaticRepository struct {
	fields map[Key]Definition
}

// NewStaticRepository validates and indexes the given definitions.
func NewStaticRepository(defs []Definition) (*StaticRepository, error) {
	repo := &StaticRepository{fields: make(map[Key]Definition, len(defs))}
	for _, def := range defs {
		def, err := Normalize(def)
		if err != nil {
			return nil, err
		}
		key := Key{Resource: def.Resource, Field: def.Field}
		if _, exists := repo.fields[key]; exists {
			return nil, fmt.Errorf("field %s.%s: duplicate definition", def.Resource, def.Field)
		}
		repo.fields[key] = def
	}
	return repo, nil
}

func (r *StaticRepository) Get(_ context.Context, resource, fieldName string) (*Definition, error) {
	def, ok := r.fields[Key{Resource: resource, Field: fieldName}]
	if !ok {
		return nil, fmt.Errorf("field %s.%s: %w", resource, fieldName, ErrUnknownField)
	}
	return &def, nil
}

func (r *StaticRepository) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.fields))
	for _, def := range r.fields {
		defs = append(defs, def)
	}
	return defs
}
