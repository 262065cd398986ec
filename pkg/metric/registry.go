package metric

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrDuplicateName is returned when a metric with the same name already exists
	ErrDuplicateName = errors.New("metric name already registered")

	// ErrNotFound is returned when an ID or name does not resolve to a metric
	ErrNotFound = errors.New("metric not registered")

	// ErrSealed is returned when a metric is created after the start phase
	ErrSealed = errors.New("metric registry is sealed")

	// ErrInvalidName is returned for empty or blank metric names
	ErrInvalidName = errors.New("invalid metric name")
)

// Lookup is the read-only side of the registry handed to pipeline stages.
type Lookup interface {
	ByID(id ID) (Definition, error)
	ByName(name string) (ID, Definition, error)
}

// Registry is the append-only metric namespace of one pipeline.
// Creation is serialized internally; reads are safe from any goroutine.
type Registry struct {
	mu     sync.RWMutex
	defs   []Definition // index = ID - 1
	byName map[string]ID
	sealed bool
	logger zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		byName: make(map[string]ID),
		logger: logger.With().Str("component", "metric-registry").Logger(),
	}
}

// Create registers a new metric carrying values of type T.
func Create[T Value](r *Registry, name string, unit PrefixedUnit, description string) (TypedID[T], error) {
	id, err := r.register(Definition{
		Name:        name,
		ValueType:   TypeOf[T](),
		Unit:        unit,
		Description: description,
	})
	if err != nil {
		return TypedID[T]{}, err
	}
	return TypedID[T]{id: id}, nil
}

func (r *Registry) register(def Definition) (ID, error) {
	if strings.TrimSpace(def.Name) == "" {
		return 0, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return 0, fmt.Errorf("%w: cannot create %q", ErrSealed, def.Name)
	}
	if _, exists := r.byName[def.Name]; exists {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateName, def.Name)
	}

	r.defs = append(r.defs, def)
	id := ID(len(r.defs))
	r.byName[def.Name] = id

	r.logger.Debug().
		Str("metric", def.Name).
		Uint64("id", uint64(id)).
		Str("type", def.ValueType.String()).
		Str("unit", def.Unit.String()).
		Msg("Metric registered")

	return id, nil
}

// ByID resolves an identifier to its definition
func (r *Registry) ByID(id ID) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == 0 || int(id) > len(r.defs) {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.defs[id-1], nil
}

// ByName resolves a metric name to its identifier and definition
func (r *Registry) ByName(name string) (ID, Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[name]
	if !ok {
		return 0, Definition{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return id, r.defs[id-1], nil
}

// Typed looks up a metric by name and checks that it carries values of type T.
func Typed[T Value](l Lookup, name string) (TypedID[T], error) {
	id, def, err := l.ByName(name)
	if err != nil {
		return TypedID[T]{}, err
	}
	if want := TypeOf[T](); def.ValueType != want {
		return TypedID[T]{}, fmt.Errorf("metric %q carries %s values, not %s", name, def.ValueType, want)
	}
	return TypedID[T]{id: id}, nil
}

// Len returns the number of registered metrics
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// Entry pairs an identifier with its definition
type Entry struct {
	ID         ID `json:"id"`
	Definition
}

// Definitions returns every registered metric ordered by name
func (r *Registry) Definitions() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.defs))
	for i, def := range r.defs {
		out = append(out, Entry{ID: ID(i + 1), Definition: def})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Seal ends the start phase. Later creations fail with ErrSealed.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.sealed {
		r.sealed = true
		r.logger.Info().Int("metrics", len(r.defs)).Msg("Metric registry sealed")
	}
}

// Sealed reports whether the start phase is over
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}
