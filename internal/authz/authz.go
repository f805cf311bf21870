// Package authz is the core authorization decision point: permission
// resolution over a two-level cache, with documented staleness and
// invalidation rules.
package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/arcforge/authcore/internal/audit"
	"github.com/arcforge/authcore/internal/ephemeral"
	"github.com/arcforge/authcore/internal/store"
)

var (
	uuidPattern       = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	permissionPattern = regexp.MustCompile(`^[a-z_]+:[a-z_]+$`)
)

const (
	l1TTLDefault = 60 * time.Second
	l2TTLDefault = 5 * time.Minute
)

// Decision is the response shape for every authorize call, always HTTP
// 200-worthy regardless of outcome.
type Decision struct {
	Allowed bool
	Reason  string
	// Groups lists the granting group names, deduplicated. Nil when the
	// decision was served from an L1 hit: L1 stores only the boolean, so
	// group attribution is unrecoverable without a fresh L2 lookup. This
	// is documented behavior, not a bug.
	Groups []string
}

// Engine resolves permissions with an L1 (per-decision) / L2
// (per-principal permission set) cache in front of the persistent store.
type Engine struct {
	store     store.Groups
	orgs      store.Orgs
	cache     ephemeral.Store
	audit     audit.Logger
	l1TTL     time.Duration
	l2TTL     time.Duration
}

// Config overrides the cache TTLs.
type Config struct {
	L1TTL time.Duration
	L2TTL time.Duration
}

// New builds an Engine. A nil cache degrades every call straight to the
// persistent store, per the graceful-degradation requirement.
func New(groups store.Groups, orgs store.Orgs, cache ephemeral.Store, auditLog audit.Logger, cfg Config) *Engine {
	l1 := cfg.L1TTL
	if l1 <= 0 {
		l1 = l1TTLDefault
	}
	l2 := cfg.L2TTL
	if l2 <= 0 {
		l2 = l2TTLDefault
	}
	return &Engine{store: groups, orgs: orgs, cache: cache, audit: auditLog, l1TTL: l1, l2TTL: l2}
}

// permSet is the serialized L2 payload.
type permSet []store.GrantedPermission

// Authorize answers "may user_id perform permission in org_id".
func (e *Engine) Authorize(ctx context.Context, userID, orgID, permission string) Decision {
	if !uuidPattern.MatchString(userID) || !uuidPattern.MatchString(orgID) {
		return Decision{Allowed: false, Reason: "Invalid ID format"}
	}
	if !permissionPattern.MatchString(permission) {
		return Decision{Allowed: false, Reason: "Invalid ID format"}
	}

	// Membership gate never fails open, even if the cache is down.
	if _, err := e.orgs.GetMembership(ctx, userID, orgID); err != nil {
		return Decision{Allowed: false, Reason: "Not a member of the organization"}
	}

	if e.cache != nil {
		if dec, ok := e.tryL1(ctx, userID, orgID, permission); ok {
			return dec
		}
	}

	var granted []store.GrantedPermission
	ok := false
	if e.cache != nil {
		granted, ok = e.tryL2(ctx, userID, orgID)
	}
	if !ok {
		resolved, err := e.store.ResolvePermissions(ctx, userID, orgID)
		if err != nil {
			return Decision{Allowed: false, Reason: "Not a member of the organization"}
		}
		granted = resolved
		if e.cache != nil {
			e.populateL2(ctx, userID, orgID, granted)
		}
	}

	allowed, groups := decide(granted, permission)
	if e.cache != nil {
		e.populateL1(ctx, userID, orgID, permission, allowed)
	}

	reason := "Allowed"
	if !allowed {
		reason = "Permission not granted"
	}

	event := audit.EventAuthorizationDenied
	if allowed {
		event = audit.EventAuthorizationAllowed
	}
	e.audit.Log(ctx, audit.Entry{
		EventType: event, UserID: userID, OrgID: orgID,
		Details: map[string]interface{}{"permission": permission, "allowed": allowed},
	})

	return Decision{Allowed: allowed, Reason: reason, Groups: groups}
}

func decide(granted []store.GrantedPermission, permission string) (bool, []string) {
	seen := map[string]bool{}
	var groups []string
	allowed := false
	for _, g := range granted {
		if g.Permission != permission {
			continue
		}
		allowed = true
		if !seen[g.GroupName] {
			seen[g.GroupName] = true
			groups = append(groups, g.GroupName)
		}
	}
	return allowed, groups
}

func (e *Engine) tryL1(ctx context.Context, userID, orgID, permission string) (Decision, bool) {
	val, err := e.cache.Get(ctx, l1Key(userID, orgID, permission))
	if err != nil {
		return Decision{}, false
	}
	allowed := len(val) == 1 && val[0] == '1'
	reason := "Permission not granted"
	if allowed {
		reason = "Allowed"
	}
	// Groups is intentionally nil here: see Decision.Groups doc comment.
	return Decision{Allowed: allowed, Reason: reason}, true
}

func (e *Engine) populateL1(ctx context.Context, userID, orgID, permission string, allowed bool) {
	val := []byte("0")
	if allowed {
		val = []byte("1")
	}
	_ = e.cache.Set(ctx, l1Key(userID, orgID, permission), val, e.l1TTL)
	e.trackL1Key(ctx, userID, orgID, permission)
}

// trackL1Key records permission in the small per-(user,org) set of L1 keys
// currently warm, so InvalidateUser/InvalidateGroup can delete them by
// name instead of waiting out l1TTL. Redis has no native prefix-delete;
// this set is the index that stands in for one, trimmed to the keys a
// decision actually populated rather than scanning the keyspace.
func (e *Engine) trackL1Key(ctx context.Context, userID, orgID, permission string) {
	perms := e.loadL1Set(ctx, userID, orgID)
	for _, p := range perms {
		if p == permission {
			return
		}
	}
	encoded, err := json.Marshal(append(perms, permission))
	if err != nil {
		return
	}
	_ = e.cache.Set(ctx, l1SetKey(userID, orgID), encoded, e.l1TTL)
}

func (e *Engine) loadL1Set(ctx context.Context, userID, orgID string) []string {
	raw, err := e.cache.Get(ctx, l1SetKey(userID, orgID))
	if err != nil {
		return nil
	}
	var perms []string
	if err := json.Unmarshal(raw, &perms); err != nil {
		return nil
	}
	return perms
}

// invalidateL1 deletes every L1 decision key tracked for (userID, orgID),
// then the tracked-set key itself.
func (e *Engine) invalidateL1(ctx context.Context, userID, orgID string) {
	perms := e.loadL1Set(ctx, userID, orgID)
	for _, permission := range perms {
		_ = e.cache.Delete(ctx, l1Key(userID, orgID, permission))
	}
	_ = e.cache.Delete(ctx, l1SetKey(userID, orgID))
}

func (e *Engine) tryL2(ctx context.Context, userID, orgID string) ([]store.GrantedPermission, bool) {
	raw, err := e.cache.Get(ctx, l2Key(userID, orgID))
	if err != nil {
		return nil, false
	}
	var set permSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, false
	}
	return []store.GrantedPermission(set), true
}

func (e *Engine) populateL2(ctx context.Context, userID, orgID string, granted []store.GrantedPermission) {
	raw, err := json.Marshal(permSet(granted))
	if err != nil {
		return
	}
	_ = e.cache.Set(ctx, l2Key(userID, orgID), raw, e.l2TTL)
}

// InvalidateUser drops the L2 entry and every tracked L1 decision for a
// user in an org. Used on group-membership change and org departure.
func (e *Engine) InvalidateUser(ctx context.Context, userID, orgID string) {
	if e.cache == nil {
		return
	}
	_ = e.cache.Delete(ctx, l2Key(userID, orgID))
	e.invalidateL1(ctx, userID, orgID)
}

// InvalidateGroup drops the L2 entry and every tracked L1 decision for
// every member of a group. Used when a group's permission grants change.
func (e *Engine) InvalidateGroup(ctx context.Context, orgID, groupID string) {
	if e.cache == nil {
		return
	}
	members, err := e.store.GroupMemberUserIDs(ctx, groupID)
	if err != nil {
		return
	}
	for _, userID := range members {
		_ = e.cache.Delete(ctx, l2Key(userID, orgID))
		e.invalidateL1(ctx, userID, orgID)
	}
}

func l1Key(userID, orgID, permission string) string {
	return fmt.Sprintf("auth:check:%s:%s:%s", userID, orgID, permission)
}

// l1SetKey tracks the set of permissions this (user, org) pair currently
// has a warm L1 decision for, so invalidation can delete them by name.
func l1SetKey(userID, orgID string) string {
	return fmt.Sprintf("auth:l1set:%s:%s", userID, orgID)
}

func l2Key(userID, orgID string) string {
	return fmt.Sprintf("auth:perms:%s:%s", userID, orgID)
}
