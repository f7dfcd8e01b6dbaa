package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrUserNotFound signals that the user does not exist.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrDuplicateIdentity signals the account id or email is already registered.
	ErrDuplicateIdentity = errors.New("auth: identity already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	EnsureWalletUser(ctx context.Context, accountID string) (User, error)
	CreateOperator(ctx context.Context, params CreateOperatorParams) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
}

// CreateOperatorParams contains write parameters for creating operator users.
type CreateOperatorParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// EnsureWalletUser returns the user for a wallet account, creating it lazily
// as a buyer on first sign-in.
func (r *PGRepository) EnsureWalletUser(ctx context.Context, accountID string) (User, error) {
	const upsertSQL = `
		INSERT INTO users (account_id, role)
		VALUES ($1, 'buyer')
		ON CONFLICT (account_id) DO UPDATE SET updated_at = now()
		RETURNING id, account_id, email, full_name, password_hash, role, created_at, updated_at
	`
	user, err := scanUser(r.pool.QueryRow(ctx, upsertSQL, accountID))
	if err != nil {
		return User{}, fmt.Errorf("auth: ensure wallet user: %w", err)
	}
	return user, nil
}

// CreateOperator inserts an operator account with a hashed password.
func (r *PGRepository) CreateOperator(ctx context.Context, params CreateOperatorParams) (User, error) {
	const insertSQL = `
		INSERT INTO users (email, full_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, account_id, email, full_name, password_hash, role, created_at, updated_at
	`
	user, err := scanUser(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrDuplicateIdentity
		}
		return User{}, fmt.Errorf("auth: create operator: %w", err)
	}
	return user, nil
}

func (r *PGRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `
		SELECT id, account_id, email, full_name, password_hash, role, created_at, updated_at
		FROM users WHERE email = $1
	`
	user, err := scanUser(r.pool.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by email: %w", err)
	}
	return user, nil
}

func (r *PGRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `
		SELECT id, account_id, email, full_name, password_hash, role, created_at, updated_at
		FROM users WHERE id = $1
	`
	user, err := scanUser(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: get user by id: %w", err)
	}
	return user, nil
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.AccountID, &u.Email, &u.FullName, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}
