// Package registry holds the scanner definitions known to a radar process.
package registry

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/Radar/internal/model"
	"github.com/CZERTAINLY/Radar/internal/resolve"
)

// Scanner binds a definition to the code which runs it. Normalize and Resolve
// may be left nil for built-in kinds, Register fills the kind defaults in.
type Scanner struct {
	Definition model.Definition
	Strategy   model.Strategy
	Normalize  model.NormalizeFunc
	Resolve    model.ResolveFunc
}

// Registry is safe for concurrent use. Lookups read an immutable snapshot
// and never block on writers.
type Registry struct {
	mx       sync.Mutex
	frozen   bool
	snapshot atomic.Pointer[map[string]Scanner]
}

func New() *Registry {
	r := &Registry{}
	empty := map[string]Scanner{}
	r.snapshot.Store(&empty)
	return r
}

// Register adds s under its definition name. Every failure is a
// *model.ConfigurationError.
func (r *Registry) Register(s Scanner) error {
	s, err := withDefaults(s)
	if err != nil {
		return err
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	if r.frozen {
		return model.NewConfigurationError("scanner", "registry is frozen, can't register %q", s.Definition.Name)
	}
	cur := *r.snapshot.Load()
	if _, ok := cur[s.Definition.Name]; ok {
		return model.NewConfigurationError("scanner", "duplicate scanner name %q", s.Definition.Name)
	}
	next := maps.Clone(cur)
	next[s.Definition.Name] = s
	r.snapshot.Store(&next)
	return nil
}

// MustRegister is Register which panics. Meant for built-in scanners.
func (r *Registry) MustRegister(s Scanner) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mx.Lock()
	r.frozen = true
	r.mx.Unlock()
}

// Lookup returns the scanner registered under name.
func (r *Registry) Lookup(name string) (Scanner, error) {
	s, ok := (*r.snapshot.Load())[name]
	if !ok {
		return Scanner{}, model.NewConfigurationError("scanner", "unknown scanner %q", name)
	}
	return s, nil
}

// List returns all definitions sorted by name.
func (r *Registry) List() []model.Definition {
	cur := *r.snapshot.Load()
	ret := make([]model.Definition, 0, len(cur))
	for _, name := range slices.Sorted(maps.Keys(cur)) {
		ret = append(ret, cur[name].Definition)
	}
	return ret
}

// Defaults returns the normalize and resolve functions of a built-in kind.
func Defaults(kind model.Kind) (model.NormalizeFunc, model.ResolveFunc, bool) {
	switch kind {
	case model.KindHost:
		return model.NormalizeIP, resolve.IPAddress, true
	case model.KindTCPPort:
		return model.NormalizePort(model.TCP), resolve.OpenPort, true
	case model.KindUDPPort:
		return model.NormalizePort(model.UDP), resolve.OpenPort, true
	default:
		return nil, nil, false
	}
}

func withDefaults(s Scanner) (Scanner, error) {
	def := s.Definition
	if strings.TrimSpace(def.Name) == "" {
		return s, model.NewConfigurationError("scanner.name", "must not be empty")
	}
	if !def.Kind.Valid() {
		return s, model.NewConfigurationError("scanner.kind", "scanner %q: invalid kind %q", def.Name, def.Kind)
	}
	if s.Strategy == nil {
		return s, model.NewConfigurationError("scanner.strategy", "scanner %q: strategy is nil", def.Name)
	}
	normalize, resolve, _ := Defaults(def.Kind)
	if s.Normalize == nil {
		s.Normalize = normalize
	}
	if s.Resolve == nil {
		s.Resolve = resolve
	}
	if s.Normalize == nil || s.Resolve == nil {
		return s, model.NewConfigurationError("scanner", "custom kind %q of scanner %q needs normalize and resolve functions", def.Kind, def.Name)
	}
	return s, nil
}
