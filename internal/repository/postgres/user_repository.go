package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/circlecloud/circle/internal/domain"
	"github.com/circlecloud/circle/internal/services/auth"
)

var _ auth.UserRepository = (*UserRepository)(nil)

const userColumns = `id, username, email, password_hash, role, is_superuser, permissions,
	enabled, created_at, updated_at, last_login`

// UserRepository implements auth.UserRepository using PostgreSQL.
type UserRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUserRepository creates a new PostgreSQL user repository.
func NewUserRepository(db *DB, logger *zap.Logger) *UserRepository {
	return &UserRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "user")),
	}
}

// Create stores a new user.
func (r *UserRepository) Create(ctx context.Context, u *domain.User) (*domain.User, error) {
	perms, err := json.Marshal(nonNil(u.Permissions))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal permissions: %w", err)
	}
	err = r.db.pool.QueryRow(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, is_superuser, permissions, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		u.ID, u.Username, u.Email, u.PasswordHash, string(u.Role), u.IsSuperuser, perms, u.Enabled,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to create user", zap.String("username", u.Username), zap.Error(err))
		return nil, mapError(err, "insert user")
	}
	return u.Clone(), nil
}

// Get retrieves a user by ID.
func (r *UserRepository) Get(ctx context.Context, id string) (*domain.User, error) {
	u, err := scanUser(r.db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "get user")
	}
	return u, nil
}

// GetByUsername retrieves a user by username.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	u, err := scanUser(r.db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		return nil, mapError(err, "get user")
	}
	return u, nil
}

// Update replaces an existing user.
func (r *UserRepository) Update(ctx context.Context, u *domain.User) (*domain.User, error) {
	perms, err := json.Marshal(nonNil(u.Permissions))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal permissions: %w", err)
	}
	err = r.db.pool.QueryRow(ctx, `
		UPDATE users SET username = $2, email = $3, password_hash = $4, role = $5,
			is_superuser = $6, permissions = $7, enabled = $8, last_login = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		u.ID, u.Username, u.Email, u.PasswordHash, string(u.Role), u.IsSuperuser, perms, u.Enabled, u.LastLogin,
	).Scan(&u.UpdatedAt)
	if err != nil {
		return nil, mapError(err, "update user")
	}
	return u.Clone(), nil
}

func scanUser(row rowScanner) (*domain.User, error) {
	u := &domain.User{}
	var role string
	var perms []byte
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &u.IsSuperuser, &perms,
		&u.Enabled, &u.CreatedAt, &u.UpdatedAt, &u.LastLogin); err != nil {
		return nil, err
	}
	u.Role = domain.Role(role)
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &u.Permissions); err != nil {
			return nil, fmt.Errorf("failed to decode permissions of user %s: %w", u.ID, err)
		}
	}
	return u, nil
}
