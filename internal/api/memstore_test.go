package api_test

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arcforge/authcore/internal/store"
)

// memStore is a minimal in-memory store.Store implementation used to
// exercise the HTTP handler layer end to end without a database.
type memStore struct {
	users        map[string]store.User
	usersByEmail map[string]string
	orgs         map[string]store.Organization
	memberships  map[string]store.Membership // key: userID+":"+orgID
	groups       map[string]store.Group
	groupMembers map[string]map[string]bool // groupID -> userID set
	permissions  map[string]store.Permission
	groupGrants  map[string]map[string]bool // groupID -> permissionID set
	oauthClients map[string]store.OAuthClient
	consents     map[string]store.Consent // key: userID+":"+clientID
	auditEvents  []auditEvent
	refreshToks  map[string]store.RefreshTokenRecord // key: jti
	seq          int
}

type auditEvent struct {
	EventType, UserID, OrgID string
	Details                  []byte
}

func newMemStore() *memStore {
	return &memStore{
		users:        map[string]store.User{},
		usersByEmail: map[string]string{},
		orgs:         map[string]store.Organization{},
		memberships:  map[string]store.Membership{},
		groups:       map[string]store.Group{},
		groupMembers: map[string]map[string]bool{},
		permissions:  map[string]store.Permission{},
		groupGrants:  map[string]map[string]bool{},
		oauthClients: map[string]store.OAuthClient{},
		consents:     map[string]store.Consent{},
		refreshToks:  map[string]store.RefreshTokenRecord{},
	}
}

// nextID returns a UUID-shaped ID, since authz.Engine rejects any other
// user or org ID format.
func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", m.seq)
}

// --- Users ---

func (m *memStore) CreateUser(ctx context.Context, email, passwordHash string) (store.User, error) {
	email = strings.ToLower(email)
	if _, exists := m.usersByEmail[email]; exists {
		return store.User{}, store.ErrConflict
	}
	u := store.User{ID: m.nextID("user"), Email: email, PasswordHash: passwordHash, Active: true, CreatedAt: time.Now()}
	m.users[u.ID] = u
	m.usersByEmail[email] = u.ID
	return u, nil
}

func (m *memStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	id, ok := m.usersByEmail[strings.ToLower(email)]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return m.users[id], nil
}

func (m *memStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	u, ok := m.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memStore) MarkVerified(ctx context.Context, userID string) error {
	u := m.users[userID]
	u.Verified = true
	now := time.Now()
	u.VerifiedAt = &now
	m.users[userID] = u
	return nil
}

func (m *memStore) UpdatePasswordHash(ctx context.Context, userID, newHash string) error {
	u := m.users[userID]
	u.PasswordHash = newHash
	m.users[userID] = u
	return nil
}

func (m *memStore) UpdateLastLogin(ctx context.Context, userID string) error {
	u := m.users[userID]
	now := time.Now()
	u.LastLoginAt = &now
	m.users[userID] = u
	return nil
}

func (m *memStore) SetTOTPSecret(ctx context.Context, userID, encryptedSecret string, backupHashes []string) error {
	u := m.users[userID]
	u.TOTPSecret = encryptedSecret
	u.BackupHashes = backupHashes
	u.BackupUsed = 0
	m.users[userID] = u
	return nil
}

func (m *memStore) ClearTOTPSecret(ctx context.Context, userID string) error {
	u := m.users[userID]
	u.TOTPSecret = ""
	u.BackupHashes = nil
	u.BackupUsed = 0
	m.users[userID] = u
	return nil
}

func (m *memStore) ConsumeBackupCode(ctx context.Context, userID string, remainingHashes []string) error {
	u := m.users[userID]
	u.BackupHashes = remainingHashes
	u.BackupUsed++
	m.users[userID] = u
	return nil
}

func (m *memStore) DeactivateUser(ctx context.Context, userID string) error {
	u := m.users[userID]
	u.Active = false
	m.users[userID] = u
	return nil
}

// --- Orgs ---

func (m *memStore) CreateOrganization(ctx context.Context, name, slug, description string) (store.Organization, error) {
	o := store.Organization{ID: m.nextID("org"), Name: name, Slug: slug, Description: description, CreatedAt: time.Now()}
	m.orgs[o.ID] = o
	return o, nil
}

func (m *memStore) GetOrganization(ctx context.Context, id string) (store.Organization, error) {
	o, ok := m.orgs[id]
	if !ok {
		return store.Organization{}, store.ErrNotFound
	}
	return o, nil
}

func (m *memStore) GetOrganizationBySlug(ctx context.Context, slug string) (store.Organization, error) {
	for _, o := range m.orgs {
		if o.Slug == slug {
			return o, nil
		}
	}
	return store.Organization{}, store.ErrNotFound
}

func (m *memStore) ListMembershipsForUser(ctx context.Context, userID string) ([]store.Membership, error) {
	var out []store.Membership
	for _, mem := range m.memberships {
		if mem.UserID == userID {
			out = append(out, mem)
		}
	}
	return out, nil
}

func (m *memStore) GetMembership(ctx context.Context, userID, orgID string) (store.Membership, error) {
	mem, ok := m.memberships[userID+":"+orgID]
	if !ok {
		return store.Membership{}, store.ErrNotFound
	}
	return mem, nil
}

func (m *memStore) UpsertMembership(ctx context.Context, userID, orgID string, role store.Role, invitedBy *string) error {
	m.memberships[userID+":"+orgID] = store.Membership{UserID: userID, OrgID: orgID, Role: role, JoinedAt: time.Now(), InvitedBy: invitedBy}
	return nil
}

func (m *memStore) RemoveMembership(ctx context.Context, userID, orgID string) error {
	delete(m.memberships, userID+":"+orgID)
	return nil
}

// --- Groups ---

func (m *memStore) CreateGroup(ctx context.Context, orgID, name, description string) (store.Group, error) {
	for _, g := range m.groups {
		if g.OrgID == orgID && g.Name == name {
			return store.Group{}, store.ErrConflict
		}
	}
	g := store.Group{ID: m.nextID("group"), OrgID: orgID, Name: name, Description: description, CreatedAt: time.Now()}
	m.groups[g.ID] = g
	m.groupMembers[g.ID] = map[string]bool{}
	m.groupGrants[g.ID] = map[string]bool{}
	return g, nil
}

func (m *memStore) ListGroups(ctx context.Context, orgID string) ([]store.Group, error) {
	var out []store.Group
	for _, g := range m.groups {
		if g.OrgID == orgID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *memStore) GetGroup(ctx context.Context, groupID string) (store.Group, error) {
	g, ok := m.groups[groupID]
	if !ok {
		return store.Group{}, store.ErrNotFound
	}
	return g, nil
}

func (m *memStore) DeleteGroup(ctx context.Context, groupID string) error {
	delete(m.groups, groupID)
	delete(m.groupMembers, groupID)
	delete(m.groupGrants, groupID)
	return nil
}

func (m *memStore) AddGroupMember(ctx context.Context, groupID, userID string) error {
	if m.groupMembers[groupID] == nil {
		m.groupMembers[groupID] = map[string]bool{}
	}
	m.groupMembers[groupID][userID] = true
	return nil
}

func (m *memStore) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	delete(m.groupMembers[groupID], userID)
	return nil
}

func (m *memStore) GrantPermission(ctx context.Context, groupID, permissionID string) error {
	if m.groupGrants[groupID] == nil {
		m.groupGrants[groupID] = map[string]bool{}
	}
	m.groupGrants[groupID][permissionID] = true
	return nil
}

func (m *memStore) RevokePermission(ctx context.Context, groupID, permissionID string) error {
	delete(m.groupGrants[groupID], permissionID)
	return nil
}

func (m *memStore) ListPermissions(ctx context.Context) ([]store.Permission, error) {
	var out []store.Permission
	for _, p := range m.permissions {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) GetOrCreatePermission(ctx context.Context, resource, action string) (store.Permission, error) {
	for _, p := range m.permissions {
		if p.Resource == resource && p.Action == action {
			return p, nil
		}
	}
	p := store.Permission{ID: m.nextID("perm"), Resource: resource, Action: action}
	m.permissions[p.ID] = p
	return p, nil
}

func (m *memStore) ResolvePermissions(ctx context.Context, userID, orgID string) ([]store.GrantedPermission, error) {
	var out []store.GrantedPermission
	for groupID, members := range m.groupMembers {
		if !members[userID] {
			continue
		}
		g, ok := m.groups[groupID]
		if !ok || g.OrgID != orgID {
			continue
		}
		for permID := range m.groupGrants[groupID] {
			perm, ok := m.permissions[permID]
			if !ok {
				continue
			}
			out = append(out, store.GrantedPermission{Permission: perm.String(), GroupID: g.ID, GroupName: g.Name})
		}
	}
	return out, nil
}

func (m *memStore) GroupMemberUserIDs(ctx context.Context, groupID string) ([]string, error) {
	var out []string
	for userID := range m.groupMembers[groupID] {
		out = append(out, userID)
	}
	return out, nil
}

// --- OAuthClients ---

func (m *memStore) GetOAuthClient(ctx context.Context, clientID string) (store.OAuthClient, error) {
	c, ok := m.oauthClients[clientID]
	if !ok {
		return store.OAuthClient{}, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) CreateOAuthClient(ctx context.Context, c store.OAuthClient) error {
	m.oauthClients[c.ClientID] = c
	return nil
}

func (m *memStore) ListOAuthClients(ctx context.Context) ([]store.OAuthClient, error) {
	var out []store.OAuthClient
	for _, c := range m.oauthClients {
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) UpdateOAuthClientSecret(ctx context.Context, clientID, secretHash string) error {
	c := m.oauthClients[clientID]
	c.SecretHash = secretHash
	m.oauthClients[clientID] = c
	return nil
}

func (m *memStore) DeleteOAuthClient(ctx context.Context, clientID string) error {
	delete(m.oauthClients, clientID)
	return nil
}

// --- Consents ---

func (m *memStore) GetConsent(ctx context.Context, userID, clientID string) (store.Consent, error) {
	c, ok := m.consents[userID+":"+clientID]
	if !ok {
		return store.Consent{}, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) PutConsent(ctx context.Context, c store.Consent) error {
	c.GrantedAt = time.Now()
	m.consents[c.UserID+":"+c.ClientID] = c
	return nil
}

// --- AuditEvents ---

func (m *memStore) InsertAuditEvent(ctx context.Context, eventType, userID, orgID string, details []byte) error {
	m.auditEvents = append(m.auditEvents, auditEvent{EventType: eventType, UserID: userID, OrgID: orgID, Details: details})
	return nil
}

// --- RefreshTokens ---

func (m *memStore) CreateRefreshToken(ctx context.Context, rec store.RefreshTokenRecord) error {
	rec.CreatedAt = time.Now()
	m.refreshToks[rec.JTI] = rec
	return nil
}

func (m *memStore) RevokeRefreshToken(ctx context.Context, jti string) error {
	rec, ok := m.refreshToks[jti]
	if !ok {
		return nil
	}
	rec.Revoked = true
	m.refreshToks[jti] = rec
	return nil
}

func (m *memStore) ListActiveRefreshTokens(ctx context.Context, userID, orgID string) ([]store.RefreshTokenRecord, error) {
	var out []store.RefreshTokenRecord
	now := time.Now()
	for _, rec := range m.refreshToks {
		if rec.UserID != userID || rec.OrgID != orgID || rec.Revoked || !rec.ExpiresAt.After(now) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
