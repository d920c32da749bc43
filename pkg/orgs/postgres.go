package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/backoffice/pkg/rbac"
)

const pqUniqueViolation = "23505"

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
	q  querier
	tx bool
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

// WithTx runs fn inside a transaction. Nested calls reuse the outer one.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.tx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&PostgresStore{db: s.db, q: tx, tx: true}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateOrganization inserts an organization. A taken slug yields
// ErrDuplicateSlug.
func (s *PostgresStore) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	org.UpdatedAt = org.CreatedAt

	query := `
		INSERT INTO organizations (id, name, slug, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.q.ExecContext(ctx, query, org.ID, org.Name, org.Slug, org.CreatedAt, org.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "organizations_slug_key") {
			return ErrDuplicateSlug
		}
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

// GetOrganization retrieves an organization by ID
func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	query := `SELECT id, name, slug, created_at, updated_at FROM organizations WHERE id = $1`
	return s.scanOrganization(s.q.QueryRowContext(ctx, query, id))
}

// GetOrganizationBySlug retrieves an organization by slug
func (s *PostgresStore) GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error) {
	query := `SELECT id, name, slug, created_at, updated_at FROM organizations WHERE slug = $1`
	return s.scanOrganization(s.q.QueryRowContext(ctx, query, slug))
}

// LockOrganization selects the organization row FOR UPDATE
func (s *PostgresStore) LockOrganization(ctx context.Context, id string) (*Organization, error) {
	query := `SELECT id, name, slug, created_at, updated_at FROM organizations WHERE id = $1 FOR UPDATE`
	return s.scanOrganization(s.q.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) scanOrganization(row *sql.Row) (*Organization, error) {
	org := &Organization{}
	err := row.Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt, &org.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// UpdateOrganizationName renames an organization. The slug never changes.
func (s *PostgresStore) UpdateOrganizationName(ctx context.Context, id, name string) (*Organization, error) {
	query := `
		UPDATE organizations SET name = $1, updated_at = $2
		WHERE id = $3
		RETURNING id, name, slug, created_at, updated_at
	`
	return s.scanOrganization(s.q.QueryRowContext(ctx, query, name, time.Now().UTC(), id))
}

// DeleteOrganization removes an organization. Memberships and invitations
// cascade.
func (s *PostgresStore) DeleteOrganization(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete organization: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrOrganizationNotFound
	}
	return nil
}

// ListOrganizations lists all organizations with member and pending
// invitation counts
func (s *PostgresStore) ListOrganizations(ctx context.Context, now time.Time, opts ListOptions) ([]*OrganizationSummary, int, error) {
	opts = opts.normalize()

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM organizations`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count organizations: %w", err)
	}

	query := `
		SELECT o.id, o.name, o.slug, o.created_at, o.updated_at,
		       (SELECT COUNT(*) FROM memberships m WHERE m.organization_id = o.id) AS member_count,
		       (SELECT COUNT(*) FROM invitations i
		         WHERE i.organization_id = o.id AND i.status = 'pending' AND i.expires_at >= $1) AS pending_count,
		       '' AS role
		FROM organizations o
		ORDER BY o.created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.q.QueryContext(ctx, query, now, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	list, err := scanSummaries(rows)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// ListOrganizationsForUser lists the organizations userID belongs to
func (s *PostgresStore) ListOrganizationsForUser(ctx context.Context, userID string, now time.Time, opts ListOptions) ([]*OrganizationSummary, int, error) {
	opts = opts.normalize()

	var total int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memberships WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count organizations: %w", err)
	}

	query := `
		SELECT o.id, o.name, o.slug, o.created_at, o.updated_at,
		       (SELECT COUNT(*) FROM memberships m WHERE m.organization_id = o.id) AS member_count,
		       (SELECT COUNT(*) FROM invitations i
		         WHERE i.organization_id = o.id AND i.status = 'pending' AND i.expires_at >= $2) AS pending_count,
		       mm.role
		FROM organizations o
		JOIN memberships mm ON mm.organization_id = o.id AND mm.user_id = $1
		ORDER BY o.created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := s.q.QueryContext(ctx, query, userID, now, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	list, err := scanSummaries(rows)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func scanSummaries(rows *sql.Rows) ([]*OrganizationSummary, error) {
	list := make([]*OrganizationSummary, 0)
	for rows.Next() {
		sum := &OrganizationSummary{}
		var role string
		if err := rows.Scan(
			&sum.ID, &sum.Name, &sum.Slug, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.MemberCount, &sum.PendingInvitationCount, &role,
		); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		sum.Role = rbac.RoleName(role)
		list = append(list, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate organizations: %w", err)
	}
	return list, nil
}

// LookupMembership resolves the user's role in an organization with a
// single query. A missing organization is reported through the result.
func (s *PostgresStore) LookupMembership(ctx context.Context, organizationID, userID string) (rbac.MembershipLookup, error) {
	query := `
		SELECT o.id, m.role
		FROM organizations o
		LEFT JOIN memberships m ON m.organization_id = o.id AND m.user_id = $2
		WHERE o.id = $1
	`
	var id string
	var role sql.NullString
	err := s.q.QueryRowContext(ctx, query, organizationID, userID).Scan(&id, &role)
	if err == sql.ErrNoRows {
		return rbac.MembershipLookup{OrganizationFound: false}, nil
	}
	if err != nil {
		return rbac.MembershipLookup{}, fmt.Errorf("failed to look up membership: %w", err)
	}

	lookup := rbac.MembershipLookup{OrganizationFound: true}
	if role.Valid {
		lookup.Role = rbac.RoleName(role.String)
	}
	return lookup, nil
}

// GetMembership retrieves a membership
func (s *PostgresStore) GetMembership(ctx context.Context, organizationID, userID string) (*Membership, error) {
	query := `
		SELECT user_id, organization_id, role, joined_at, updated_at
		FROM memberships
		WHERE organization_id = $1 AND user_id = $2
	`
	m := &Membership{}
	var role string
	err := s.q.QueryRowContext(ctx, query, organizationID, userID).Scan(
		&m.UserID, &m.OrganizationID, &role, &m.JoinedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	m.Role = rbac.RoleName(role)
	return m, nil
}

// UpsertMembership inserts a membership or updates the role of the
// existing row for (user, organization)
func (s *PostgresStore) UpsertMembership(ctx context.Context, m *Membership) error {
	now := time.Now().UTC()
	if m.JoinedAt.IsZero() {
		m.JoinedAt = now
	}
	m.UpdatedAt = now

	query := `
		INSERT INTO memberships (user_id, organization_id, role, joined_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, organization_id) DO UPDATE
		SET role = EXCLUDED.role, updated_at = EXCLUDED.updated_at
		RETURNING joined_at
	`
	err := s.q.QueryRowContext(ctx, query, m.UserID, m.OrganizationID, string(m.Role), m.JoinedAt, m.UpdatedAt).
		Scan(&m.JoinedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert member: %w", err)
	}
	return nil
}

// UpdateMembershipRole changes a member's role in place
func (s *PostgresStore) UpdateMembershipRole(ctx context.Context, organizationID, userID string, role rbac.RoleName) error {
	query := `UPDATE memberships SET role = $1, updated_at = $2 WHERE organization_id = $3 AND user_id = $4`
	result, err := s.q.ExecContext(ctx, query, string(role), time.Now().UTC(), organizationID, userID)
	if err != nil {
		return fmt.Errorf("failed to update member role: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// DeleteMembership removes a member
func (s *PostgresStore) DeleteMembership(ctx context.Context, organizationID, userID string) error {
	query := `DELETE FROM memberships WHERE organization_id = $1 AND user_id = $2`
	result, err := s.q.ExecContext(ctx, query, organizationID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// ListMemberships lists the members of an organization
func (s *PostgresStore) ListMemberships(ctx context.Context, organizationID string) ([]*Membership, error) {
	query := `
		SELECT user_id, organization_id, role, joined_at, updated_at
		FROM memberships
		WHERE organization_id = $1
		ORDER BY joined_at ASC
	`
	return s.queryMemberships(ctx, query, organizationID)
}

// ListMembershipsForUser returns every membership held by userID
func (s *PostgresStore) ListMembershipsForUser(ctx context.Context, userID string) ([]*Membership, error) {
	query := `
		SELECT user_id, organization_id, role, joined_at, updated_at
		FROM memberships
		WHERE user_id = $1
		ORDER BY joined_at ASC
	`
	return s.queryMemberships(ctx, query, userID)
}

func (s *PostgresStore) queryMemberships(ctx context.Context, query string, arg string) ([]*Membership, error) {
	rows, err := s.q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members := make([]*Membership, 0)
	for rows.Next() {
		m := &Membership{}
		var role string
		if err := rows.Scan(&m.UserID, &m.OrganizationID, &role, &m.JoinedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		m.Role = rbac.RoleName(role)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}
	return members, nil
}

// CountMembersWithRole counts the members holding role
func (s *PostgresStore) CountMembersWithRole(ctx context.Context, organizationID string, role rbac.RoleName) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memberships WHERE organization_id = $1 AND role = $2`,
		organizationID, string(role),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count members: %w", err)
	}
	return count, nil
}

const invitationColumns = `id, organization_id, email, role, status, invited_by, created_at, expires_at, accepted_at, accepted_by`

// CreateInvitation inserts an invitation
func (s *PostgresStore) CreateInvitation(ctx context.Context, inv *Invitation) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	if inv.Status == "" {
		inv.Status = InvitationPending
	}

	query := `
		INSERT INTO invitations (id, organization_id, email, role, status, invited_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.q.ExecContext(ctx, query, inv.ID, inv.OrganizationID, inv.Email, string(inv.Role),
		string(inv.Status), inv.InvitedBy, inv.CreatedAt, inv.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err, "idx_invitations_pending_email") {
			return ErrDuplicatePendingInvitation
		}
		return fmt.Errorf("failed to create invitation: %w", err)
	}
	return nil
}

// GetInvitation retrieves an invitation by ID
func (s *PostgresStore) GetInvitation(ctx context.Context, id string) (*Invitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM invitations WHERE id = $1`
	return scanInvitation(s.q.QueryRowContext(ctx, query, id))
}

// LockInvitation selects the invitation row FOR UPDATE
func (s *PostgresStore) LockInvitation(ctx context.Context, id string) (*Invitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM invitations WHERE id = $1 FOR UPDATE`
	return scanInvitation(s.q.QueryRowContext(ctx, query, id))
}

// FindPendingInvitation returns the pending invitation for (organization,
// email), expired or not
func (s *PostgresStore) FindPendingInvitation(ctx context.Context, organizationID, email string) (*Invitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM invitations
		WHERE organization_id = $1 AND email = $2 AND status = 'pending'
		FOR UPDATE`
	return scanInvitation(s.q.QueryRowContext(ctx, query, organizationID, email))
}

// CountActiveInvitations counts pending, unexpired invitations for email
func (s *PostgresStore) CountActiveInvitations(ctx context.Context, email string, now time.Time) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invitations WHERE email = $1 AND status = 'pending' AND expires_at >= $2`,
		email, now,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count invitations: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvitation(row rowScanner) (*Invitation, error) {
	inv := &Invitation{}
	var role, status string
	var acceptedAt sql.NullTime
	var acceptedBy sql.NullString
	err := row.Scan(&inv.ID, &inv.OrganizationID, &inv.Email, &role, &status, &inv.InvitedBy,
		&inv.CreatedAt, &inv.ExpiresAt, &acceptedAt, &acceptedBy)
	if err == sql.ErrNoRows {
		return nil, ErrInvitationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}

	inv.Role = rbac.RoleName(role)
	inv.Status = InvitationStatus(status)
	if acceptedAt.Valid {
		t := acceptedAt.Time
		inv.AcceptedAt = &t
	}
	if acceptedBy.Valid {
		by := acceptedBy.String
		inv.AcceptedBy = &by
	}
	return inv, nil
}

// UpdateInvitation persists status, expiry and acceptance fields
func (s *PostgresStore) UpdateInvitation(ctx context.Context, inv *Invitation) error {
	query := `
		UPDATE invitations
		SET status = $1, expires_at = $2, accepted_at = $3, accepted_by = $4
		WHERE id = $5
	`
	result, err := s.q.ExecContext(ctx, query, string(inv.Status), inv.ExpiresAt, inv.AcceptedAt, inv.AcceptedBy, inv.ID)
	if err != nil {
		return fmt.Errorf("failed to update invitation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrInvitationNotFound
	}
	return nil
}

// ListInvitations lists every invitation of an organization, newest first
func (s *PostgresStore) ListInvitations(ctx context.Context, organizationID string) ([]*Invitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM invitations
		WHERE organization_id = $1
		ORDER BY created_at DESC`
	rows, err := s.q.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	defer rows.Close()

	invitations := make([]*Invitation, 0)
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		invitations = append(invitations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate invitations: %w", err)
	}
	return invitations, nil
}

// ExpireInvitations marks pending invitations past expiry as expired
func (s *PostgresStore) ExpireInvitations(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.q.ExecContext(ctx,
		`UPDATE invitations SET status = 'expired' WHERE status = 'pending' AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire invitations: %w", err)
	}
	return result.RowsAffected()
}

// isUniqueViolation reports whether err is a unique violation on constraint
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return string(pqErr.Code) == pqUniqueViolation && (constraint == "" || pqErr.Constraint == constraint)
}
