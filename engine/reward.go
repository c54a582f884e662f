package engine

import "badgekit/core"

// RewardFor returns the grant owed for completing badge, or nil when the badge
// carries no diamonds and no XP.
func RewardFor(badge core.Badge, user core.UserID) *core.RewardGrant {
	g := core.RewardGrant{UserID: user, BadgeID: badge.ID, Diamonds: badge.RewardDiamonds, XP: badge.RewardXP}
	if g.Empty() {
		return nil
	}
	return &g
}
