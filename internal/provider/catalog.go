// Package provider keeps the catalog of event providers and their
// definitions, and delivers queued provider callbacks.
package provider

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jittakal/eventpipe/internal/callback"
	"github.com/jittakal/eventpipe/pkg/event"
)

// Callback is invoked on the delivery goroutine when a session enables,
// disables or reconfigures the provider.
type Callback func(kind callback.Kind, filter callback.FilterData)

// Provider is a named source of events.
type Provider struct {
	id       uint32
	name     string
	callback Callback

	mu    sync.RWMutex
	defs  map[event.DefinitionKey]*event.Definition
	order []*event.Definition

	sessions atomic.Int32
}

// ID returns the provider id assigned by the catalog.
func (p *Provider) ID() uint32 { return p.id }

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Define returns the definition for (eventID, version), creating it on
// first use. Later calls with the same id and version return the original
// definition unchanged.
func (p *Provider) Define(eventID, version uint32, name string, level event.Level, keywords event.Keywords) *event.Definition {
	key := event.DefinitionKey{ProviderID: p.id, EventID: eventID, Version: version}

	p.mu.RLock()
	def, ok := p.defs[key]
	p.mu.RUnlock()
	if ok {
		return def
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if def, ok := p.defs[key]; ok {
		return def
	}
	def = &event.Definition{
		ProviderID:   p.id,
		ProviderName: p.name,
		EventID:      eventID,
		Version:      version,
		Name:         name,
		Level:        level,
		Keywords:     keywords,
	}
	p.defs[key] = def
	p.order = append(p.order, def)
	return def
}

// Definitions returns the provider's definitions in creation order.
func (p *Provider) Definitions() []*event.Definition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*event.Definition(nil), p.order...)
}

// Enabled reports whether at least one session has the provider enabled.
func (p *Provider) Enabled() bool {
	return p.sessions.Load() > 0
}

// Catalog registers providers and assigns their ids.
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]*Provider
	byID   map[uint32]*Provider
	nextID uint32
	logger *slog.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		byName: make(map[string]*Provider),
		byID:   make(map[uint32]*Provider),
		logger: logger,
	}
}

// Register returns the provider called name, creating it if needed.
// cb may be nil. Registering an existing name keeps the first non-nil
// callback, so sessions can reserve a provider before it registers itself.
func (c *Catalog) Register(name string, cb Callback) *Provider {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.byName[name]; ok {
		if cb != nil {
			p.mu.Lock()
			if p.callback == nil {
				p.callback = cb
			}
			p.mu.Unlock()
		}
		return p
	}
	c.nextID++
	p := &Provider{
		id:       c.nextID,
		name:     name,
		callback: cb,
		defs:     make(map[event.DefinitionKey]*event.Definition),
	}
	c.byName[name] = p
	c.byID[p.id] = p
	c.logger.Debug("provider registered", "provider", name, "id", p.id)
	return p
}

// Lookup finds a provider by name.
func (c *Catalog) Lookup(name string) (*Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byName[name]
	return p, ok
}

// ByID finds a provider by id.
func (c *Catalog) ByID(id uint32) (*Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byID[id]
	return p, ok
}

// Providers returns every provider ordered by id.
func (c *Catalog) Providers() []*Provider {
	c.mu.RLock()
	out := make([]*Provider, 0, len(c.byID))
	for _, p := range c.byID {
		out = append(out, p)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Definitions returns every definition of every provider, grouped by
// provider id.
func (c *Catalog) Definitions() []*event.Definition {
	var out []*event.Definition
	for _, p := range c.Providers() {
		out = append(out, p.Definitions()...)
	}
	return out
}

// Deliver is the callback.Handler that dispatches queued entries to
// provider callbacks.
func (c *Catalog) Deliver(e callback.Entry) {
	p, ok := c.ByID(e.ProviderID)
	if !ok {
		c.logger.Warn("callback for unknown provider",
			"provider", e.ProviderName,
			"id", e.ProviderID,
			"kind", e.Kind.String())
		return
	}

	filter, err := e.Filter()
	if err != nil {
		c.logger.Error("dropping provider callback",
			"provider", p.name,
			"kind", e.Kind.String(),
			"error", err)
		return
	}

	switch e.Kind {
	case callback.KindEnable:
		p.sessions.Add(1)
	case callback.KindDisable:
		if p.sessions.Add(-1) < 0 {
			p.sessions.Store(0)
		}
	}

	p.mu.RLock()
	cb := p.callback
	p.mu.RUnlock()
	if cb != nil {
		cb(e.Kind, filter)
	}
}

// Resolve returns the definition registered under key.
func (c *Catalog) Resolve(key event.DefinitionKey) (*event.Definition, bool) {
	p, ok := c.ByID(key.ProviderID)
	if !ok {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	def, ok := p.defs[key]
	return def, ok
}
