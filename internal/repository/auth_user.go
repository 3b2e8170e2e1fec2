package repository

import (
	"context"
	"errors"

	"github.com/adaptiveauth/rba/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrEmailTaken is returned by Create when the unique email index rejects the row.
var ErrEmailTaken = errors.New("email already registered")

const authUserColumns = `id, email, password_hash, created_at, updated_at`

// PgAuthUserRepository stores login identities in auth_users. Emails are
// matched case-insensitively and stored lower-cased.
type PgAuthUserRepository struct{}

func NewPgAuthUserRepository() *PgAuthUserRepository {
	return &PgAuthUserRepository{}
}

// FindByEmail returns nil, nil when no user has that email.
func (r *PgAuthUserRepository) FindByEmail(ctx context.Context, db DBTX, email string) (*domain.AuthUser, error) {
	return scanAuthUser(db.QueryRow(ctx,
		`SELECT `+authUserColumns+` FROM auth_users WHERE email = $1`, domain.NormalizeEmail(email)))
}

func (r *PgAuthUserRepository) FindByID(ctx context.Context, db DBTX, id uuid.UUID) (*domain.AuthUser, error) {
	return scanAuthUser(db.QueryRow(ctx,
		`SELECT `+authUserColumns+` FROM auth_users WHERE id = $1`, id))
}

// Create inserts user and fills in the server-assigned timestamps. Two
// concurrent registrations for one email resolve to ErrEmailTaken for the loser.
func (r *PgAuthUserRepository) Create(ctx context.Context, db DBTX, user *domain.AuthUser) error {
	user.Email = domain.NormalizeEmail(user.Email)
	err := db.QueryRow(ctx,
		`INSERT INTO auth_users (id, email, password_hash) VALUES ($1, $2, $3)
		 RETURNING created_at, updated_at`,
		user.ID, user.Email, user.PasswordHash).Scan(&user.CreatedAt, &user.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

func scanAuthUser(row pgx.Row) (*domain.AuthUser, error) {
	u := &domain.AuthUser{}
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}
