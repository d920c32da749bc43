package provisioning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/backoffice/pkg/rbac"
)

// bootstrapLockKey serializes first-admin creation across instances
const bootstrapLockKey = 72190511

// PostgresDirectory implements UserDirectory using PostgreSQL
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates the users table if needed
func NewPostgresDirectory(ctx context.Context, db *sql.DB) (*PostgresDirectory, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	d := &PostgresDirectory{db: db}
	if err := d.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure users table: %w", err)
	}
	return d, nil
}

func (d *PostgresDirectory) ensureTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		name TEXT NOT NULL,
		username TEXT,
		system_role TEXT NOT NULL DEFAULT 'user',
		email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT users_email_key UNIQUE (email)
	);

	CREATE INDEX IF NOT EXISTS idx_users_system_role ON users(system_role);
	`

	_, err := d.db.ExecContext(ctx, query)
	return err
}

const insertUserQuery = `
	INSERT INTO users (id, email, name, username, system_role, email_verified, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertUser(ctx context.Context, q execer, user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := q.ExecContext(ctx, insertUserQuery,
		user.ID, strings.ToLower(user.Email), user.Name, nullString(user.Username),
		string(user.SystemRole), user.EmailVerified, user.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// CreateUser implements UserDirectory
func (d *PostgresDirectory) CreateUser(ctx context.Context, user *User) error {
	return insertUser(ctx, d.db, user)
}

// CreateFirstAdmin implements UserDirectory. A transaction-scoped advisory
// lock makes the admin check and the insert atomic.
func (d *PostgresDirectory) CreateFirstAdmin(ctx context.Context, user *User) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", bootstrapLockKey); err != nil {
		return fmt.Errorf("failed to acquire bootstrap lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM users WHERE system_role = $1)", string(rbac.RoleAdmin),
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check for admins: %w", err)
	}
	if exists {
		return ErrAdminExists
	}

	if err := insertUser(ctx, tx, user); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const selectUserColumns = `SELECT id, email, name, username, system_role, email_verified, created_at FROM users`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var username sql.NullString
	var role string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &username, &role, &u.EmailVerified, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Username = username.String
	u.SystemRole = rbac.RoleName(role)
	return &u, nil
}

func (d *PostgresDirectory) getOne(ctx context.Context, where string, arg interface{}) (*User, error) {
	u, err := scanUser(d.db.QueryRowContext(ctx, selectUserColumns+" WHERE "+where, arg))
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUser implements UserDirectory
func (d *PostgresDirectory) GetUser(ctx context.Context, id string) (*User, error) {
	return d.getOne(ctx, "id = $1", id)
}

// GetUserByEmail implements UserDirectory
func (d *PostgresDirectory) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return d.getOne(ctx, "email = $1", strings.ToLower(email))
}

// ListUsers implements UserDirectory, newest first
func (d *PostgresDirectory) ListUsers(ctx context.Context, limit, offset int) ([]*User, int, error) {
	var total int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	rows, err := d.db.QueryContext(ctx,
		selectUserColumns+" ORDER BY created_at DESC, email ASC LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := []*User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
