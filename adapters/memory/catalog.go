package memory

import (
	"context"
	"sync"

	"badgekit/core"
)

// Catalog is an in-memory badge configuration repository.
type Catalog struct {
	mu     sync.RWMutex
	badges map[core.BadgeID]core.Badge
}

func NewCatalog(badges ...core.Badge) *Catalog {
	c := &Catalog{badges: map[core.BadgeID]core.Badge{}}
	for _, b := range badges {
		c.Put(b)
	}
	return c
}

// Put adds or replaces a badge definition.
func (c *Catalog) Put(b core.Badge) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.Rules = append([]core.BadgeRule(nil), b.Rules...)
	c.badges[b.ID] = b
}

// ListActiveBadgesWithRules returns active badges in no particular order.
func (c *Catalog) ListActiveBadgesWithRules(_ context.Context) ([]core.Badge, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.Badge, 0, len(c.badges))
	for _, b := range c.badges {
		if b.IsActive {
			out = append(out, b)
		}
	}
	return out, nil
}

func (c *Catalog) GetBadge(_ context.Context, id core.BadgeID) (core.Badge, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.badges[id]
	if !ok || !b.IsActive {
		return core.Badge{}, core.ErrBadgeNotFound
	}
	return b, nil
}
