package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the pgx-backed Store implementation. Every method is a
// single statement except RemoveMembership, which runs its last-owner
// check and the delete inside one transaction.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an already-connected pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (p *Postgres) CreateUser(ctx context.Context, email, passwordHash string) (User, error) {
	var u User
	err := p.pool.QueryRow(ctx, `
		INSERT INTO users (email, pw_hash, verified, active, backup_used)
		VALUES (lower($1), $2, false, true, 0)
		RETURNING id, email, pw_hash, verified, active, coalesce(totp_secret,''),
		          backup_used, created_at, verified_at, last_login_at
	`, email, passwordHash).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Verified, &u.Active,
		&u.TOTPSecret, &u.BackupUsed, &u.CreatedAt, &u.VerifiedAt, &u.LastLoginAt,
	)
	if isUniqueViolation(err) {
		return User{}, ErrConflict
	}
	if err != nil {
		return User{}, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

func (p *Postgres) scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Verified, &u.Active,
		&u.TOTPSecret, &u.BackupUsed, &u.CreatedAt, &u.VerifiedAt, &u.LastLoginAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("store: scan user: %w", err)
	}
	return u, nil
}

const selectUserColumns = `id, email, pw_hash, verified, active, coalesce(totp_secret,''),
	          backup_used, created_at, verified_at, last_login_at`

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+selectUserColumns+` FROM users WHERE email = lower($1)`, email)
	return p.scanUser(row)
}

func (p *Postgres) GetUserByID(ctx context.Context, id string) (User, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+selectUserColumns+` FROM users WHERE id = $1`, id)
	return p.scanUser(row)
}

func (p *Postgres) MarkVerified(ctx context.Context, userID string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE users SET verified = true, verified_at = now()
		WHERE id = $1 AND verified = false
	`, userID)
	if err != nil {
		return fmt.Errorf("store: mark verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdatePasswordHash(ctx context.Context, userID, newHash string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE users SET pw_hash = $2 WHERE id = $1`, userID, newHash)
	if err != nil {
		return fmt.Errorf("store: update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdateLastLogin(ctx context.Context, userID string) error {
	_, err := p.pool.Exec(ctx, `UPDATE users SET last_login_at = now() WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("store: update last login: %w", err)
	}
	return nil
}

func (p *Postgres) SetTOTPSecret(ctx context.Context, userID, encryptedSecret string, backupHashes []string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE users SET totp_secret = $2, backup_hashes = $3, backup_used = 0
		WHERE id = $1
	`, userID, encryptedSecret, backupHashes)
	if err != nil {
		return fmt.Errorf("store: set totp secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ClearTOTPSecret(ctx context.Context, userID string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE users SET totp_secret = NULL, backup_hashes = NULL, backup_used = 0
		WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("store: clear totp secret: %w", err)
	}
	return nil
}

func (p *Postgres) ConsumeBackupCode(ctx context.Context, userID string, remainingHashes []string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE users SET backup_hashes = $2, backup_used = backup_used + 1
		WHERE id = $1
	`, userID, remainingHashes)
	if err != nil {
		return fmt.Errorf("store: consume backup code: %w", err)
	}
	return nil
}

func (p *Postgres) DeactivateUser(ctx context.Context, userID string) error {
	_, err := p.pool.Exec(ctx, `UPDATE users SET active = false WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("store: deactivate user: %w", err)
	}
	return nil
}

func (p *Postgres) CreateOrganization(ctx context.Context, name, slug, description string) (Organization, error) {
	var o Organization
	err := p.pool.QueryRow(ctx, `
		INSERT INTO organizations (name, slug, description)
		VALUES ($1, $2, $3)
		RETURNING id, name, slug, coalesce(description,''), created_at, updated_at
	`, name, slug, description).Scan(&o.ID, &o.Name, &o.Slug, &o.Description, &o.CreatedAt, &o.UpdatedAt)
	if isUniqueViolation(err) {
		return Organization{}, ErrConflict
	}
	if err != nil {
		return Organization{}, fmt.Errorf("store: create organization: %w", err)
	}
	return o, nil
}

func (p *Postgres) GetOrganization(ctx context.Context, id string) (Organization, error) {
	var o Organization
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, slug, coalesce(description,''), created_at, updated_at
		FROM organizations WHERE id = $1 AND deleted_at IS NULL
	`, id).Scan(&o.ID, &o.Name, &o.Slug, &o.Description, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Organization{}, ErrNotFound
	}
	if err != nil {
		return Organization{}, fmt.Errorf("store: get organization: %w", err)
	}
	return o, nil
}

func (p *Postgres) GetOrganizationBySlug(ctx context.Context, slug string) (Organization, error) {
	var o Organization
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, slug, coalesce(description,''), created_at, updated_at
		FROM organizations WHERE slug = $1 AND deleted_at IS NULL
	`, slug).Scan(&o.ID, &o.Name, &o.Slug, &o.Description, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Organization{}, ErrNotFound
	}
	if err != nil {
		return Organization{}, fmt.Errorf("store: get organization by slug: %w", err)
	}
	return o, nil
}

func (p *Postgres) ListMembershipsForUser(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT user_id, org_id, role, joined_at, invited_by
		FROM memberships WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list memberships: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.UserID, &m.OrgID, &m.Role, &m.JoinedAt, &m.InvitedBy); err != nil {
			return nil, fmt.Errorf("store: scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) GetMembership(ctx context.Context, userID, orgID string) (Membership, error) {
	var m Membership
	err := p.pool.QueryRow(ctx, `
		SELECT user_id, org_id, role, joined_at, invited_by
		FROM memberships WHERE user_id = $1 AND org_id = $2
	`, userID, orgID).Scan(&m.UserID, &m.OrgID, &m.Role, &m.JoinedAt, &m.InvitedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return Membership{}, ErrNotFound
	}
	if err != nil {
		return Membership{}, fmt.Errorf("store: get membership: %w", err)
	}
	return m, nil
}

func (p *Postgres) UpsertMembership(ctx context.Context, userID, orgID string, role Role, invitedBy *string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO memberships (user_id, org_id, role, invited_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, org_id) DO UPDATE SET role = excluded.role
	`, userID, orgID, role, invitedBy)
	if err != nil {
		return fmt.Errorf("store: upsert membership: %w", err)
	}
	return nil
}

func (p *Postgres) RemoveMembership(ctx context.Context, userID, orgID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var role Role
	err = tx.QueryRow(ctx, `SELECT role FROM memberships WHERE user_id = $1 AND org_id = $2`, userID, orgID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: lookup membership role: %w", err)
	}

	if role == RoleOwner {
		var ownerCount int
		if err := tx.QueryRow(ctx, `
			SELECT count(*) FROM memberships WHERE org_id = $1 AND role = 'owner'
		`, orgID).Scan(&ownerCount); err != nil {
			return fmt.Errorf("store: count owners: %w", err)
		}
		if ownerCount <= 1 {
			return ErrConflict
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM memberships WHERE user_id = $1 AND org_id = $2`, userID, orgID); err != nil {
		return fmt.Errorf("store: delete membership: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) CreateGroup(ctx context.Context, orgID, name, description string) (Group, error) {
	var g Group
	err := p.pool.QueryRow(ctx, `
		INSERT INTO groups (org_id, name, description)
		VALUES ($1, $2, $3)
		RETURNING id, org_id, name, coalesce(description,''), created_at
	`, orgID, name, description).Scan(&g.ID, &g.OrgID, &g.Name, &g.Description, &g.CreatedAt)
	if isUniqueViolation(err) {
		return Group{}, ErrConflict
	}
	if err != nil {
		return Group{}, fmt.Errorf("store: create group: %w", err)
	}
	return g, nil
}

func (p *Postgres) ListGroups(ctx context.Context, orgID string) ([]Group, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, org_id, name, coalesce(description,''), created_at
		FROM groups WHERE org_id = $1 AND deleted_at IS NULL ORDER BY name
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: list groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.OrgID, &g.Name, &g.Description, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (p *Postgres) GetGroup(ctx context.Context, groupID string) (Group, error) {
	var g Group
	err := p.pool.QueryRow(ctx, `
		SELECT id, org_id, name, coalesce(description,''), created_at
		FROM groups WHERE id = $1 AND deleted_at IS NULL
	`, groupID).Scan(&g.ID, &g.OrgID, &g.Name, &g.Description, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("store: get group: %w", err)
	}
	return g, nil
}

func (p *Postgres) DeleteGroup(ctx context.Context, groupID string) error {
	_, err := p.pool.Exec(ctx, `UPDATE groups SET deleted_at = now() WHERE id = $1`, groupID)
	if err != nil {
		return fmt.Errorf("store: delete group: %w", err)
	}
	return nil
}

func (p *Postgres) AddGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO group_memberships (group_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, groupID, userID)
	if err != nil {
		return fmt.Errorf("store: add group member: %w", err)
	}
	return nil
}

func (p *Postgres) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM group_memberships WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	if err != nil {
		return fmt.Errorf("store: remove group member: %w", err)
	}
	return nil
}

func (p *Postgres) GrantPermission(ctx context.Context, groupID, permissionID string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO group_permissions (group_id, permission_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, groupID, permissionID)
	if err != nil {
		return fmt.Errorf("store: grant permission: %w", err)
	}
	return nil
}

func (p *Postgres) RevokePermission(ctx context.Context, groupID, permissionID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM group_permissions WHERE group_id = $1 AND permission_id = $2`, groupID, permissionID)
	if err != nil {
		return fmt.Errorf("store: revoke permission: %w", err)
	}
	return nil
}

func (p *Postgres) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, resource, action FROM permissions ORDER BY resource, action`)
	if err != nil {
		return nil, fmt.Errorf("store: list permissions: %w", err)
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.ID, &perm.Resource, &perm.Action); err != nil {
			return nil, fmt.Errorf("store: scan permission: %w", err)
		}
		out = append(out, perm)
	}
	return out, rows.Err()
}

func (p *Postgres) GetOrCreatePermission(ctx context.Context, resource, action string) (Permission, error) {
	var perm Permission
	err := p.pool.QueryRow(ctx, `
		INSERT INTO permissions (resource, action) VALUES ($1, $2)
		ON CONFLICT (resource, action) DO UPDATE SET resource = excluded.resource
		RETURNING id, resource, action
	`, resource, action).Scan(&perm.ID, &perm.Resource, &perm.Action)
	if err != nil {
		return Permission{}, fmt.Errorf("store: get or create permission: %w", err)
	}
	return perm, nil
}

func (p *Postgres) ResolvePermissions(ctx context.Context, userID, orgID string) ([]GrantedPermission, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT perm.resource || ':' || perm.action, g.id, g.name
		FROM group_memberships gm
		JOIN groups g ON g.id = gm.group_id AND g.deleted_at IS NULL
		JOIN group_permissions gp ON gp.group_id = g.id
		JOIN permissions perm ON perm.id = gp.permission_id
		WHERE gm.user_id = $1 AND g.org_id = $2
	`, userID, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: resolve permissions: %w", err)
	}
	defer rows.Close()

	var out []GrantedPermission
	for rows.Next() {
		var gp GrantedPermission
		if err := rows.Scan(&gp.Permission, &gp.GroupID, &gp.GroupName); err != nil {
			return nil, fmt.Errorf("store: scan granted permission: %w", err)
		}
		out = append(out, gp)
	}
	return out, rows.Err()
}

func (p *Postgres) GroupMemberUserIDs(ctx context.Context, groupID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT user_id FROM group_memberships WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, fmt.Errorf("store: group member ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan member id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *Postgres) GetOAuthClient(ctx context.Context, clientID string) (OAuthClient, error) {
	var c OAuthClient
	err := p.pool.QueryRow(ctx, `
		SELECT client_id, name, type, redirect_uris, allowed_scopes, grant_types,
		       coalesce(secret_hash,''), require_pkce, require_consent, first_party
		FROM oauth_clients WHERE client_id = $1
	`, clientID).Scan(
		&c.ClientID, &c.Name, &c.Type, &c.RedirectURIs, &c.AllowedScopes, &c.GrantTypes,
		&c.SecretHash, &c.RequirePKCE, &c.RequireConsent, &c.FirstParty,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return OAuthClient{}, ErrNotFound
	}
	if err != nil {
		return OAuthClient{}, fmt.Errorf("store: get oauth client: %w", err)
	}
	return c, nil
}

func (p *Postgres) CreateOAuthClient(ctx context.Context, c OAuthClient) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO oauth_clients
			(client_id, name, type, redirect_uris, allowed_scopes, grant_types,
			 secret_hash, require_pkce, require_consent, first_party)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7,''), $8, $9, $10)
	`, c.ClientID, c.Name, c.Type, c.RedirectURIs, c.AllowedScopes, c.GrantTypes,
		c.SecretHash, c.RequirePKCE, c.RequireConsent, c.FirstParty)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: create oauth client: %w", err)
	}
	return nil
}

func (p *Postgres) ListOAuthClients(ctx context.Context) ([]OAuthClient, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT client_id, name, type, redirect_uris, allowed_scopes, grant_types,
		       coalesce(secret_hash,''), require_pkce, require_consent, first_party
		FROM oauth_clients ORDER BY client_id
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list oauth clients: %w", err)
	}
	defer rows.Close()

	var out []OAuthClient
	for rows.Next() {
		var c OAuthClient
		if err := rows.Scan(
			&c.ClientID, &c.Name, &c.Type, &c.RedirectURIs, &c.AllowedScopes, &c.GrantTypes,
			&c.SecretHash, &c.RequirePKCE, &c.RequireConsent, &c.FirstParty,
		); err != nil {
			return nil, fmt.Errorf("store: scan oauth client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateOAuthClientSecret(ctx context.Context, clientID, secretHash string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE oauth_clients SET secret_hash = $2 WHERE client_id = $1`, clientID, secretHash)
	if err != nil {
		return fmt.Errorf("store: update oauth client secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteOAuthClient(ctx context.Context, clientID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM oauth_clients WHERE client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("store: delete oauth client: %w", err)
	}
	return nil
}

func (p *Postgres) GetConsent(ctx context.Context, userID, clientID string) (Consent, error) {
	var c Consent
	err := p.pool.QueryRow(ctx, `
		SELECT user_id, client_id, scope, granted_at
		FROM consents WHERE user_id = $1 AND client_id = $2
	`, userID, clientID).Scan(&c.UserID, &c.ClientID, &c.Scope, &c.GrantedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Consent{}, ErrNotFound
	}
	if err != nil {
		return Consent{}, fmt.Errorf("store: get consent: %w", err)
	}
	return c, nil
}

func (p *Postgres) PutConsent(ctx context.Context, c Consent) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO consents (user_id, client_id, scope, granted_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, client_id) DO UPDATE SET scope = excluded.scope, granted_at = now()
	`, c.UserID, c.ClientID, c.Scope)
	if err != nil {
		return fmt.Errorf("store: put consent: %w", err)
	}
	return nil
}

func (p *Postgres) CreateRefreshToken(ctx context.Context, rec RefreshTokenRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (jti, user_id, org_id, expires_at)
		VALUES ($1, $2, NULLIF($3,'')::uuid, $4)
	`, rec.JTI, rec.UserID, rec.OrgID, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: create refresh token: %w", err)
	}
	return nil
}

func (p *Postgres) RevokeRefreshToken(ctx context.Context, jti string) error {
	_, err := p.pool.Exec(ctx, `UPDATE refresh_tokens SET revoked = true WHERE jti = $1`, jti)
	if err != nil {
		return fmt.Errorf("store: revoke refresh token: %w", err)
	}
	return nil
}

func (p *Postgres) ListActiveRefreshTokens(ctx context.Context, userID, orgID string) ([]RefreshTokenRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT jti, user_id, coalesce(org_id::text,''), revoked, expires_at, created_at
		FROM refresh_tokens
		WHERE user_id = $1 AND coalesce(org_id::text,'') = $2 AND revoked = false AND expires_at > now()
	`, userID, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: list active refresh tokens: %w", err)
	}
	defer rows.Close()

	var out []RefreshTokenRecord
	for rows.Next() {
		var rec RefreshTokenRecord
		if err := rows.Scan(&rec.JTI, &rec.UserID, &rec.OrgID, &rec.Revoked, &rec.ExpiresAt, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan refresh token: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertAuditEvent(ctx context.Context, eventType, userID, orgID string, details []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO audit_events (event_type, user_id, org_id, details)
		VALUES ($1, NULLIF($2,'')::uuid, NULLIF($3,'')::uuid, $4)
	`, eventType, userID, orgID, details)
	if err != nil {
		return fmt.Errorf("store: insert audit event: %w", err)
	}
	return nil
}

var _ Store = (*Postgres)(nil)
