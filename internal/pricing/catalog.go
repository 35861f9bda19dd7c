package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tokengate/gateway/internal/store"
)

// ErrUnknownModel is returned for model names that are absent or inactive.
var ErrUnknownModel = errors.New("pricing: unknown or inactive model")

// Catalog is an in-memory snapshot of the active model table. Lookups are on
// the request hot path and must never hit the store; a background refresh
// (scheduled by the app) keeps the snapshot current with operator price and
// activation changes.
type Catalog struct {
	st store.Store

	mu     sync.RWMutex
	byName map[string]store.Model
	models []store.Model
}

// NewCatalog creates a Catalog and loads the initial snapshot.
func NewCatalog(ctx context.Context, st store.Store) (*Catalog, error) {
	c := &Catalog{st: st}
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh replaces the snapshot with the store's current active models.
func (c *Catalog) Refresh(ctx context.Context) error {
	models, err := c.st.ListActiveModels(ctx)
	if err != nil {
		return fmt.Errorf("pricing: refresh catalog: %w", err)
	}

	byName := make(map[string]store.Model, len(models))
	for _, m := range models {
		byName[m.Name] = m
	}

	c.mu.Lock()
	c.byName = byName
	c.models = models
	c.mu.Unlock()

	return nil
}

// Lookup returns the active model with the given public name.
func (c *Catalog) Lookup(name string) (*store.Model, error) {
	c.mu.RLock()
	m, ok := c.byName[name]
	c.mu.RUnlock()

	if !ok || !m.Active {
		return nil, ErrUnknownModel
	}
	return &m, nil
}

// Active returns the current snapshot of active models.
func (c *Catalog) Active() []store.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]store.Model, len(c.models))
	copy(out, c.models)
	return out
}
