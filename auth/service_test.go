package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type fakeRepo struct {
	byAccount map[string]User
	byEmail   map[string]User
	byID      map[string]User
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		byAccount: make(map[string]User),
		byEmail:   make(map[string]User),
		byID:      make(map[string]User),
	}
}

func (f *fakeRepo) EnsureWalletUser(_ context.Context, accountID string) (User, error) {
	if u, ok := f.byAccount[accountID]; ok {
		return u, nil
	}
	acct := accountID
	u := User{
		ID:        uuid.NewString(),
		AccountID: &acct,
		Role:      RoleBuyer,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.byAccount[accountID] = u
	f.byID[u.ID] = u
	return u, nil
}

func (f *fakeRepo) CreateOperator(_ context.Context, params CreateOperatorParams) (User, error) {
	if _, ok := f.byEmail[params.Email]; ok {
		return User{}, ErrDuplicateIdentity
	}
	email := params.Email
	name := params.FullName
	hash := params.PasswordHash
	u := User{
		ID:           uuid.NewString(),
		Email:        &email,
		FullName:     &name,
		PasswordHash: &hash,
		Role:         params.Role,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	f.byEmail[params.Email] = u
	f.byID[u.ID] = u
	return u, nil
}

func (f *fakeRepo) GetUserByEmail(_ context.Context, email string) (User, error) {
	u, ok := f.byEmail[email]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (f *fakeRepo) GetUserByID(_ context.Context, userID string) (User, error) {
	u, ok := f.byID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func TestLoginWithAccountCreatesBuyerLazily(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	res, err := svc.LoginWithAccount(ctx, " 0xabc123 ")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.User.Role != RoleBuyer {
		t.Errorf("role = %s, want %s", res.User.Role, RoleBuyer)
	}
	if res.User.AccountID == nil || *res.User.AccountID != "0xabc123" {
		t.Errorf("account id not trimmed and stored: %+v", res.User.AccountID)
	}

	userID, role, err := svc.VerifyToken(res.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != res.User.ID || role != RoleBuyer {
		t.Errorf("claims = (%s, %s)", userID, role)
	}

	// A second login resolves to the same user.
	again, err := svc.LoginWithAccount(ctx, "0xabc123")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if again.User.ID != res.User.ID {
		t.Errorf("second login created a new user")
	}
}

func TestLoginWithAccountRequiresAccountID(t *testing.T) {
	svc := NewService(newFakeRepo(), "test-secret")
	if _, err := svc.LoginWithAccount(context.Background(), "   "); err == nil {
		t.Fatal("expected error for blank account id")
	}
}

func TestRegisterOperator(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	u, err := svc.RegisterOperator(ctx, RegisterOperatorRequest{
		Email:    "arbiter@example.com",
		Password: "long-enough-password",
		FullName: "Arbiter One",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.Role != RoleArbiter {
		t.Errorf("default role = %s, want %s", u.Role, RoleArbiter)
	}
	if u.PasswordHash == nil || *u.PasswordHash == "long-enough-password" {
		t.Error("password stored unhashed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*u.PasswordHash), []byte("long-enough-password")); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}

	if _, err := svc.RegisterOperator(ctx, RegisterOperatorRequest{
		Email:    "arbiter@example.com",
		Password: "long-enough-password",
		FullName: "Arbiter Two",
	}); !errors.Is(err, ErrDuplicateIdentity) {
		t.Errorf("err = %v, want ErrDuplicateIdentity", err)
	}
}

func TestRegisterOperatorRejectsBadInput(t *testing.T) {
	svc := NewService(newFakeRepo(), "test-secret")
	ctx := context.Background()

	if _, err := svc.RegisterOperator(ctx, RegisterOperatorRequest{
		Email: "a@example.com", Password: "short", FullName: "A",
	}); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("err = %v, want ErrWeakPassword", err)
	}

	if _, err := svc.RegisterOperator(ctx, RegisterOperatorRequest{
		Email: "a@example.com", Password: "long-enough-password", FullName: "A", Role: RoleBuyer,
	}); err == nil || !strings.Contains(err.Error(), "invalid operator role") {
		t.Errorf("err = %v, want invalid role", err)
	}
}

func TestLoginOperator(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	if _, err := svc.RegisterOperator(ctx, RegisterOperatorRequest{
		Email:    "admin@example.com",
		Password: "correct-horse-battery",
		FullName: "Admin",
		Role:     RoleAdmin,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := svc.LoginOperator(ctx, OperatorLoginRequest{Email: "admin@example.com", Password: "correct-horse-battery"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, role, err := svc.VerifyToken(res.Token); err != nil || role != RoleAdmin {
		t.Errorf("verify = (%s, %v)", role, err)
	}

	if _, err := svc.LoginOperator(ctx, OperatorLoginRequest{Email: "admin@example.com", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.LoginOperator(ctx, OperatorLoginRequest{Email: "nobody@example.com", Password: "whatever"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestVerifyTokenRejectsForeignSignature(t *testing.T) {
	repo := newFakeRepo()
	signer := NewService(repo, "secret-a")
	verifier := NewService(repo, "secret-b")

	res, err := signer.LoginWithAccount(context.Background(), "0xwallet")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, _, err := verifier.VerifyToken(res.Token); err == nil {
		t.Fatal("token signed with another secret verified")
	}
	if _, _, err := signer.VerifyToken("not.a.token"); err == nil {
		t.Fatal("garbage token verified")
	}
}
