package realtime

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// CoreDeps are the external collaborators of the engine. Only Store is required.
type CoreDeps struct {
	Log       *slog.Logger
	Store     MessageStore
	Directory UserDirectory
	Media     MediaStore
	Verifier  *TokenVerifier

	// Registerer receives the realtime collectors; nil disables metrics.
	Registerer prometheus.Registerer
}

// Core is one process-wide instance of the realtime engine, wired once at startup.
type Core struct {
	Registry *Registry
	Router   *Router
	Names    *Names
	Typing   *TypingCoordinator
	Presence *Presence
	Engine   *Engine
	Metrics  *Metrics
	Verifier *TokenVerifier

	log *slog.Logger
}

// NewCore wires the registry, presence, typing and lifecycle components together.
func NewCore(d CoreDeps) (*Core, error) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	store := d.Store
	if store == nil {
		store = NewInMemoryStore()
	}

	registry := NewRegistry()
	router := NewRouter(registry, nil)
	names := NewNames(log, d.Directory)
	typing := NewTypingCoordinator(router, names)

	var metrics *Metrics
	if d.Registerer != nil {
		m, err := NewMetrics(d.Registerer, registry, typing)
		if err != nil {
			return nil, err
		}
		metrics = m
		router.metrics = m
	}

	presence := NewPresence(log, registry, router, typing, names)
	engine := NewEngine(EngineDeps{
		Log:     log,
		Store:   store,
		Router:  router,
		Names:   names,
		Media:   d.Media,
		Metrics: metrics,
	})

	return &Core{
		Registry: registry,
		Router:   router,
		Names:    names,
		Typing:   typing,
		Presence: presence,
		Engine:   engine,
		Metrics:  metrics,
		Verifier: d.Verifier,
		log:      log,
	}, nil
}
