package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"badgekit/core"
)

// Catalog serves badge definitions from a single JSON file.
// Suitable for demos and small deployments.
type Catalog struct {
	path string
	mu   sync.RWMutex
	// in-memory cache, replaced wholesale on reload
	badges map[core.BadgeID]core.Badge
}

type document struct {
	Badges []core.Badge `json:"badges"`
}

// New loads the catalog at path. A missing file yields an empty catalog.
func New(path string) (*Catalog, error) {
	c := &Catalog{path: path, badges: map[core.BadgeID]core.Badge{}}
	if err := c.Reload(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return c, nil
}

// Reload re-reads the file. On any error the current definitions stay in place.
func (c *Catalog) Reload() error {
	b, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", c.path, err)
	}
	next, err := index(doc.Badges)
	if err != nil {
		return fmt.Errorf("load %s: %w", c.path, err)
	}
	c.mu.Lock()
	c.badges = next
	c.mu.Unlock()
	return nil
}

func index(badges []core.Badge) (map[core.BadgeID]core.Badge, error) {
	out := make(map[core.BadgeID]core.Badge, len(badges))
	var errs []error
	for _, b := range badges {
		if err := core.ValidateBadge(b); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := out[b.ID]; dup {
			errs = append(errs, fmt.Errorf("badge %q: duplicate id", b.ID))
			continue
		}
		if err := uniqueRuleIDs(b); err != nil {
			errs = append(errs, err)
			continue
		}
		for i := range b.Rules {
			b.Rules[i].BadgeID = b.ID
		}
		sort.SliceStable(b.Rules, func(i, j int) bool { return b.Rules[i].Position < b.Rules[j].Position })
		out[b.ID] = b
	}
	return out, errors.Join(errs...)
}

func uniqueRuleIDs(b core.Badge) error {
	seen := make(map[string]struct{}, len(b.Rules))
	for _, r := range b.Rules {
		if _, ok := seen[r.ID]; ok {
			return fmt.Errorf("badge %q: duplicate rule id %q", b.ID, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

// Put validates and stores a badge, then rewrites the file.
func (c *Catalog) Put(b core.Badge) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make([]core.Badge, 0, len(c.badges)+1)
	for id, existing := range c.badges {
		if id != b.ID {
			next = append(next, existing)
		}
	}
	next = append(next, b)
	indexed, err := index(next)
	if err != nil {
		return err
	}
	if err := c.persist(indexed); err != nil {
		return err
	}
	c.badges = indexed
	return nil
}

func (c *Catalog) persist(badges map[core.BadgeID]core.Badge) error {
	doc := document{Badges: make([]core.Badge, 0, len(badges))}
	for _, b := range badges {
		doc.Badges = append(doc.Badges, b)
	}
	sort.Slice(doc.Badges, func(i, j int) bool { return doc.Badges[i].ID < doc.Badges[j].ID })
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

func (c *Catalog) ListActiveBadgesWithRules(_ context.Context) ([]core.Badge, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.Badge, 0, len(c.badges))
	for _, b := range c.badges {
		if b.IsActive {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
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
