// Package store defines the persistent-store contract: the relational
// operations every other component calls through, never ad-hoc SQL from
// the authorization or token paths. Implementations enforce referential
// integrity; every method is one atomic operation.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by any lookup that finds nothing.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned on a uniqueness violation (duplicate email,
// duplicate org slug, duplicate group name, last-owner removal, etc).
var ErrConflict = errors.New("store: conflict")

// User mirrors the fixed profile the service is allowed to hold.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Verified     bool
	Active       bool
	TOTPSecret   string // encrypted, empty if not enrolled
	BackupHashes []string
	BackupUsed   int
	CreatedAt    time.Time
	VerifiedAt   *time.Time
	LastLoginAt  *time.Time
}

// Organization is a tenant.
type Organization struct {
	ID          string
	Name        string
	Slug        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Role is a membership's level within an organization.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Membership ties a user to an organization with a role.
type Membership struct {
	UserID    string
	OrgID     string
	Role      Role
	JoinedAt  time.Time
	InvitedBy *string
}

// Group is a named permission bundle scoped to an organization.
type Group struct {
	ID          string
	OrgID       string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Permission is a canonical resource:action pair.
type Permission struct {
	ID       string
	Resource string
	Action   string
}

// String renders the canonical "resource:action" form.
func (p Permission) String() string {
	return p.Resource + ":" + p.Action
}

// GrantedPermission is one row of an authorization resolution: a
// permission the user holds, and the group that granted it.
type GrantedPermission struct {
	Permission string
	GroupID    string
	GroupName  string
}

// OAuthClientType distinguishes public (PKCE-only) from confidential
// (secret-bearing) OAuth clients.
type OAuthClientType string

const (
	ClientPublic       OAuthClientType = "public"
	ClientConfidential OAuthClientType = "confidential"
)

// OAuthClient is a registered third-party or first-party application.
type OAuthClient struct {
	ClientID        string
	Name            string
	Type            OAuthClientType
	RedirectURIs    []string
	AllowedScopes   []string
	GrantTypes      []string
	SecretHash      string // empty for public clients
	RequirePKCE     bool
	RequireConsent  bool
	FirstParty      bool
}

// Consent records that a user approved a client's requested scope.
type Consent struct {
	UserID    string
	ClientID  string
	Scope     []string
	GrantedAt time.Time
}

// RefreshTokenRecord is the durable row backing one issued first-party
// refresh token. jti is the index every chain-revocation and replay
// lookup enumerates by (userID, orgID): without this row, "revoke every
// refresh token in this lineage" has nothing to enumerate. OrgID is
// empty for a user with no organization membership.
type RefreshTokenRecord struct {
	JTI       string
	UserID    string
	OrgID     string
	Revoked   bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Users covers user lifecycle and credential mutation.
type Users interface {
	CreateUser(ctx context.Context, email, passwordHash string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	MarkVerified(ctx context.Context, userID string) error
	UpdatePasswordHash(ctx context.Context, userID, newHash string) error
	UpdateLastLogin(ctx context.Context, userID string) error
	SetTOTPSecret(ctx context.Context, userID, encryptedSecret string, backupHashes []string) error
	ClearTOTPSecret(ctx context.Context, userID string) error
	ConsumeBackupCode(ctx context.Context, userID string, remainingHashes []string) error
	DeactivateUser(ctx context.Context, userID string) error
}

// Orgs covers organization and membership CRUD.
type Orgs interface {
	CreateOrganization(ctx context.Context, name, slug, description string) (Organization, error)
	GetOrganization(ctx context.Context, id string) (Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (Organization, error)
	ListMembershipsForUser(ctx context.Context, userID string) ([]Membership, error)
	GetMembership(ctx context.Context, userID, orgID string) (Membership, error)
	UpsertMembership(ctx context.Context, userID, orgID string, role Role, invitedBy *string) error
	RemoveMembership(ctx context.Context, userID, orgID string) error
}

// Groups covers group CRUD, membership, and permission grants.
type Groups interface {
	CreateGroup(ctx context.Context, orgID, name, description string) (Group, error)
	ListGroups(ctx context.Context, orgID string) ([]Group, error)
	GetGroup(ctx context.Context, groupID string) (Group, error)
	DeleteGroup(ctx context.Context, groupID string) error
	AddGroupMember(ctx context.Context, groupID, userID string) error
	RemoveGroupMember(ctx context.Context, groupID, userID string) error
	GrantPermission(ctx context.Context, groupID, permissionID string) error
	RevokePermission(ctx context.Context, groupID, permissionID string) error
	ListPermissions(ctx context.Context) ([]Permission, error)
	GetOrCreatePermission(ctx context.Context, resource, action string) (Permission, error)

	// ResolvePermissions computes the full (permission, group) set granted
	// to a user within an organization, across every group they belong to.
	ResolvePermissions(ctx context.Context, userID, orgID string) ([]GrantedPermission, error)

	// GroupMemberUserIDs lists every user in a group, used by AuthzEngine
	// to invalidate L2 caches when a group's permissions change.
	GroupMemberUserIDs(ctx context.Context, groupID string) ([]string, error)
}

// OAuthClients covers client registration lookups.
type OAuthClients interface {
	GetOAuthClient(ctx context.Context, clientID string) (OAuthClient, error)
	CreateOAuthClient(ctx context.Context, c OAuthClient) error
	ListOAuthClients(ctx context.Context) ([]OAuthClient, error)
	UpdateOAuthClientSecret(ctx context.Context, clientID, secretHash string) error
	DeleteOAuthClient(ctx context.Context, clientID string) error
}

// Consents covers consent-record CRUD.
type Consents interface {
	GetConsent(ctx context.Context, userID, clientID string) (Consent, error)
	PutConsent(ctx context.Context, c Consent) error
}

// AuditEvents covers the append-only security-event log.
type AuditEvents interface {
	InsertAuditEvent(ctx context.Context, eventType, userID, orgID string, details []byte) error
}

// RefreshTokens covers the issued-refresh-token index used for
// chain/replay revocation (§4.4/§3): every jti a (userID, orgID) pair
// was ever handed, so "revoke the whole lineage" is an enumeration
// instead of a single unread marker key.
type RefreshTokens interface {
	CreateRefreshToken(ctx context.Context, rec RefreshTokenRecord) error
	RevokeRefreshToken(ctx context.Context, jti string) error
	ListActiveRefreshTokens(ctx context.Context, userID, orgID string) ([]RefreshTokenRecord, error)
}

// Store is the full persistent-store contract.
type Store interface {
	Users
	Orgs
	Groups
	OAuthClients
	Consents
	AuditEvents
	RefreshTokens
}
