package sqlx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"

	"badgekit/core"
)

var badgeColumns = []string{
	"id", "title", "description", "category", "rarity", "target_value",
	"reward_diamonds", "reward_xp", "reward_card_pack", "special_reward",
	"is_active", "is_hidden", "sort_order", "legacy_condition",
}

var ruleColumns = []string{"id", "badge_id", "rule_type", "metric", "target", "weight", "definition", "is_active", "position"}

// Catalog reads badge definitions and their rules.
type Catalog struct {
	s *Store
}

// ListActiveBadgesWithRules loads active badges with all their rules. Badges
// that fail validation are skipped and logged.
func (c *Catalog) ListActiveBadgesWithRules(ctx context.Context) ([]core.Badge, error) {
	query, args, err := c.s.sb.Select(badgeColumns...).
		From("badges").
		Where(sq.Eq{"is_active": true}).
		OrderBy("sort_order", "rarity DESC", "title").
		ToSql()
	if err != nil {
		return nil, err
	}
	var badges []core.Badge
	if err := c.s.db.SelectContext(ctx, &badges, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list badges: %w", err)
	}
	if len(badges) == 0 {
		return nil, nil
	}
	ids := make([]core.BadgeID, len(badges))
	for i, b := range badges {
		ids[i] = b.ID
	}
	rules, err := c.loadRules(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := badges[:0]
	for _, b := range badges {
		b.Rules = rules[b.ID]
		if err := core.ValidateBadge(b); err != nil {
			slog.Warn("skipping invalid badge", slog.String("badge_id", string(b.ID)), slog.String("error", err.Error()))
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (c *Catalog) GetBadge(ctx context.Context, id core.BadgeID) (core.Badge, error) {
	query, args, err := c.s.sb.Select(badgeColumns...).
		From("badges").
		Where(sq.Eq{"id": id, "is_active": true}).
		ToSql()
	if err != nil {
		return core.Badge{}, err
	}
	var b core.Badge
	if err := c.s.db.GetContext(ctx, &b, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Badge{}, core.ErrBadgeNotFound
		}
		return core.Badge{}, fmt.Errorf("failed to load badge: %w", err)
	}
	rules, err := c.loadRules(ctx, []core.BadgeID{id})
	if err != nil {
		return core.Badge{}, err
	}
	b.Rules = rules[id]
	if err := core.ValidateBadge(b); err != nil {
		return core.Badge{}, err
	}
	return b, nil
}

func (c *Catalog) loadRules(ctx context.Context, ids []core.BadgeID) (map[core.BadgeID][]core.BadgeRule, error) {
	query, args, err := c.s.sb.Select(ruleColumns...).
		From("badge_rules").
		Where(sq.Eq{"badge_id": ids}).
		OrderBy("badge_id", "position", "id").
		ToSql()
	if err != nil {
		return nil, err
	}
	var rules []core.BadgeRule
	if err := c.s.db.SelectContext(ctx, &rules, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	out := make(map[core.BadgeID][]core.BadgeRule, len(ids))
	for _, r := range rules {
		out[r.BadgeID] = append(out[r.BadgeID], r)
	}
	return out, nil
}
