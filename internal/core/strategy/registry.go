package strategy

// Strategy describes one autonomous trading strategy as the execution core
// sees it: identity, conflict priority, and whether it may trade at all.
// The core consumes these read-only; a separate registry service owns them.
type Strategy struct {
	ID       string
	Name     string
	Priority int    // higher wins ownership conflicts
	Persona  string // classification, e.g. "aggressive", "value", "hedge"
	Active   bool
}

// Registry maps strategy id -> definition. Populated once at startup from
// config; never mutated afterwards, so lookups need no locking.
type Registry struct {
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

func (r *Registry) Register(s Strategy) {
	r.strategies[s.ID] = s
}

func (r *Registry) Get(id string) (Strategy, bool) {
	s, ok := r.strategies[id]
	return s, ok
}

// Name returns the display name for an id, falling back to the id itself
// for strategies the registry has never heard of.
func (r *Registry) Name(id string) string {
	if s, ok := r.strategies[id]; ok {
		return s.Name
	}
	return id
}

// Priority returns the conflict priority for an id, zero when unknown.
func (r *Registry) Priority(id string) int {
	return r.strategies[id].Priority
}

func (r *Registry) All() []Strategy {
	out := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Count() int {
	return len(r.strategies)
}
