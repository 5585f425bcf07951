package connector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/teranos/sluice/errors"
)

// Factory builds a connector from a connection's config. It validates the
// config and returns a ConfigurationError for anything it cannot use.
type Factory func(cfg Config, logger *zap.SugaredLogger) (Connector, error)

// Descriptor is one registered connector implementation.
type Descriptor struct {
	Type        string
	Version     *semver.Version
	Model       Model
	Description string
	New         Factory
}

// Registry maps connector-type identifiers to implementations. Several
// versions of one type may be registered; connections pick one with a
// semver constraint. Thread-safe for concurrent registration and lookup.
type Registry struct {
	mu    sync.RWMutex
	types map[string][]Descriptor // newest first
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string][]Descriptor)}
}

// Register adds a descriptor.
// Panics if the same type and version is already registered.
func (r *Registry) Register(d Descriptor) {
	if d.Type == "" || d.Version == nil || d.New == nil {
		panic(fmt.Sprintf("incomplete connector descriptor: %+v", d))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.types[d.Type] {
		if existing.Version.Equal(d.Version) {
			panic(fmt.Sprintf("connector already registered: %s %s", d.Type, d.Version))
		}
	}
	list := append(r.types[d.Type], d)
	sort.Slice(list, func(i, j int) bool { return list[i].Version.GreaterThan(list[j].Version) })
	r.types[d.Type] = list
}

// Resolve returns the newest descriptor of typ satisfying constraint. An
// empty constraint accepts any version. Unknown types and unsatisfiable
// constraints are configuration errors.
func (r *Registry) Resolve(typ, constraint string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list, ok := r.types[typ]
	if !ok || len(list) == 0 {
		return Descriptor{}, errors.NewConfigurationError("connector_type", "no connector registered for %q", typ)
	}
	if constraint == "" {
		return list[0], nil
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return Descriptor{}, errors.NewConfigurationError("connector_version", "invalid constraint %q: %v", constraint, err)
	}
	for _, d := range list {
		if c.Check(d.Version) {
			return d, nil
		}
	}
	return Descriptor{}, errors.NewConfigurationError("connector_version",
		"no %s connector satisfies %q (have %s)", typ, constraint, list[0].Version)
}

// Open resolves typ and builds a connector from cfg.
func (r *Registry) Open(typ, constraint string, cfg Config, logger *zap.SugaredLogger) (Connector, Descriptor, error) {
	d, err := r.Resolve(typ, constraint)
	if err != nil {
		return nil, Descriptor{}, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	conn, err := d.New(cfg, logger.With("connector", d.Type, "connector_version", d.Version.String()))
	if err != nil {
		return nil, Descriptor{}, errors.Wrapf(err, "failed to open %s connector", typ)
	}
	return conn, d, nil
}

// List returns every registered descriptor ordered by type, newest version
// first within a type.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Descriptor
	for _, name := range names {
		out = append(out, r.types[name]...)
	}
	return out
}

// MustVersion parses a version for a Descriptor literal. Panics on a bad
// version string, which is a programming error.
func MustVersion(v string) *semver.Version {
	return semver.MustParse(v)
}
