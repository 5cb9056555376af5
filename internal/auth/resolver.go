package auth

import (
	"math"
	"strings"

	"github.com/botguard/botguard/internal/shared/models"
)

// Tier classifies a subject's authorization level.
type Tier string

const (
	TierAdmin    Tier = "admin"
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
	TierBlocked  Tier = "blocked"
)

// Unlimited is the sentinel limit for tiers that bypass the limiter.
const Unlimited int64 = -1

// Limits are effective per-window ceilings for a subject.
type Limits struct {
	MessagesPerMinute int64
	TokensPerHour     int64
}

// Unbounded reports whether the limits bypass the limiter entirely.
func (l Limits) Unbounded() bool {
	return l.MessagesPerMinute == Unlimited && l.TokensPerHour == Unlimited
}

// GuildConfig carries per-guild authorization overrides.
type GuildConfig struct {
	BlockedUsers []string
	// RequireAuthorizedRole restricts access to members holding one of
	// the resolver's authorized roles (admins and premium members
	// always qualify).
	RequireAuthorizedRole bool
	// BaseLimits overrides the global base limits when non-zero.
	BaseLimits Limits
}

// Policies resolves guild-level configuration for the pipeline.
type Policies interface {
	Guild(guildID string) GuildConfig
}

// StaticPolicies is a fixed guild policy table loaded at startup.
type StaticPolicies map[string]GuildConfig

func (p StaticPolicies) Guild(guildID string) GuildConfig {
	return p[guildID]
}

// Decision is the resolved authorization for one message.
type Decision struct {
	Tier   Tier
	Limits Limits
	// Reason explains a blocked decision for the transport reply.
	Reason string
}

// Resolver maps member metadata to an authorization tier and effective
// limits. Resolution order is fixed: blocked, admin, premium, standard;
// first match wins.
type Resolver struct {
	defaults          Limits
	premiumMultiplier float64
	authorizedRoles   map[string]struct{}
	blockedUsers      map[string]struct{}
}

// Options configures a Resolver.
type Options struct {
	Defaults          Limits
	PremiumMultiplier float64
	AuthorizedRoles   []string
	// BlockedUsers is the global block list; guild block lists are
	// supplied per call.
	BlockedUsers []string
}

func NewResolver(opts Options) *Resolver {
	if opts.PremiumMultiplier < 1 {
		opts.PremiumMultiplier = 1
	}
	r := &Resolver{
		defaults:          opts.Defaults,
		premiumMultiplier: opts.PremiumMultiplier,
		authorizedRoles:   make(map[string]struct{}, len(opts.AuthorizedRoles)),
		blockedUsers:      make(map[string]struct{}, len(opts.BlockedUsers)),
	}
	for _, role := range opts.AuthorizedRoles {
		r.authorizedRoles[strings.ToLower(role)] = struct{}{}
	}
	for _, id := range opts.BlockedUsers {
		r.blockedUsers[id] = struct{}{}
	}
	return r
}

// Resolve returns the authorization decision for a member in a guild.
// Pure function over its inputs.
func (r *Resolver) Resolve(userID string, member models.Member, guild GuildConfig) Decision {
	if r.isBlocked(userID, guild) {
		return Decision{Tier: TierBlocked, Reason: "user is on the block list"}
	}

	if member.IsAdmin || r.hasRole(member, "admin") {
		return Decision{
			Tier:   TierAdmin,
			Limits: Limits{MessagesPerMinute: Unlimited, TokensPerHour: Unlimited},
		}
	}

	base := r.defaults
	if guild.BaseLimits.MessagesPerMinute > 0 {
		base.MessagesPerMinute = guild.BaseLimits.MessagesPerMinute
	}
	if guild.BaseLimits.TokensPerHour > 0 {
		base.TokensPerHour = guild.BaseLimits.TokensPerHour
	}

	if member.IsPremium || r.hasRole(member, "premium") {
		return Decision{
			Tier: TierPremium,
			Limits: Limits{
				MessagesPerMinute: scale(base.MessagesPerMinute, r.premiumMultiplier),
				TokensPerHour:     scale(base.TokensPerHour, r.premiumMultiplier),
			},
		}
	}

	if guild.RequireAuthorizedRole && !r.hasAuthorizedRole(member) {
		return Decision{Tier: TierBlocked, Reason: "user has no authorized role"}
	}

	return Decision{Tier: TierStandard, Limits: base}
}

func (r *Resolver) isBlocked(userID string, guild GuildConfig) bool {
	if _, ok := r.blockedUsers[userID]; ok {
		return true
	}
	for _, id := range guild.BlockedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func (r *Resolver) hasRole(member models.Member, role string) bool {
	for _, have := range member.Roles {
		if strings.EqualFold(have, role) {
			return true
		}
	}
	return false
}

func (r *Resolver) hasAuthorizedRole(member models.Member) bool {
	for _, have := range member.Roles {
		if _, ok := r.authorizedRoles[strings.ToLower(have)]; ok {
			return true
		}
	}
	return false
}

func scale(limit int64, multiplier float64) int64 {
	if limit == Unlimited {
		return Unlimited
	}
	return int64(math.Round(float64(limit) * multiplier))
}
