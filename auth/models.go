package auth

import "time"

type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleArbiter Role = "arbiter"
	RoleAdmin   Role = "admin"
)

// User is the domain representation of an account. Marketplace users sign in
// with a wallet account id; operators (arbiters, admins) with email and
// password. It mirrors the users table and carries no JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	AccountID    *string
	Email        *string
	FullName     *string
	PasswordHash *string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterOperatorRequest contains operator registration data.
type RegisterOperatorRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// OperatorLoginRequest contains operator login credentials.
type OperatorLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
