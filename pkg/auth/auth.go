// Package auth verifies and manages account credentials.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/NicolasHaas/gorecord/pkg/crypto"
	"github.com/NicolasHaas/gorecord/pkg/datastore"
	"github.com/NicolasHaas/gorecord/pkg/model"
)

// ErrWrongPassword is returned by ChangePassword when the old password does
// not match. It is a validation failure, not an authentication failure.
var ErrWrongPassword = fmt.Errorf("%w: current password is incorrect", model.ErrInvalid)

// ErrSamePassword is returned when the new password equals the old one.
var ErrSamePassword = fmt.Errorf("%w: new password must differ from the current one", model.ErrInvalid)

// Authenticator checks credentials against the account table.
type Authenticator struct {
	store  datastore.DataProviderFactory
	verify func(password string, salt, hash []byte) bool
}

// New returns an Authenticator backed by store.
func New(store datastore.DataProviderFactory) *Authenticator {
	return &Authenticator{store: store, verify: crypto.VerifyPassword}
}

// Verify checks a username and password. An unknown user and a wrong
// password both yield model.ErrInvalidCredentials. The account is read in
// its own unit; hashing runs after the pooled connection is released.
func (a *Authenticator) Verify(ctx context.Context, username, password string) (model.Identity, error) {
	var acct *model.Account
	err := a.store.Tx(ctx, func(ds datastore.DataStore) error {
		var err error
		acct, err = ds.GetAccount(ctx, username)
		return err
	})
	if errors.Is(err, model.ErrNotFound) {
		// Hash anyway so unknown users cost the same as wrong passwords.
		crypto.HashPassword(password, make([]byte, crypto.SaltSize))
		return model.Identity{}, model.ErrInvalidCredentials
	}
	if err != nil {
		return model.Identity{}, err
	}
	if !a.verify(password, acct.Salt, acct.PasswordHash) {
		return model.Identity{}, model.ErrInvalidCredentials
	}
	return model.Identity{Username: acct.Username, Role: acct.Role}, nil
}

// Register creates an account with a fresh salt and hash.
func (a *Authenticator) Register(ctx context.Context, username, password string, role model.Role) (*model.Account, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := model.ValidatePassword(password); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, model.ErrInvalidRole
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	acct := &model.Account{
		Username:     username,
		PasswordHash: crypto.HashPassword(password, salt),
		Salt:         salt,
		Role:         role,
	}
	if err := a.store.Tx(ctx, func(ds datastore.DataStore) error {
		return ds.CreateAccount(ctx, acct)
	}); err != nil {
		return nil, err
	}
	slog.Info("account registered", "user", username, "role", role)
	return acct, nil
}

// ChangePassword re-verifies oldPassword and stores a new salt and hash in
// the same unit.
func (a *Authenticator) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	if err := model.ValidatePassword(newPassword); err != nil {
		return err
	}
	if oldPassword == newPassword {
		return ErrSamePassword
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	hash := crypto.HashPassword(newPassword, salt)

	return a.store.Tx(ctx, func(ds datastore.DataStore) error {
		acct, err := ds.GetAccount(ctx, username)
		if err != nil {
			return err
		}
		if !a.verify(oldPassword, acct.Salt, acct.PasswordHash) {
			return ErrWrongPassword
		}
		return ds.UpdateAccountPassword(ctx, username, hash, salt)
	})
}

// IssueToken returns a new random session token.
func (a *Authenticator) IssueToken() (string, error) {
	return crypto.GenerateToken()
}

// EnsureAdmin creates an admin account with a random password when no
// account exists yet. It returns the generated password, or "" when
// accounts already exist.
func (a *Authenticator) EnsureAdmin(ctx context.Context, username string) (string, error) {
	var count int64
	if err := a.store.Tx(ctx, func(ds datastore.DataStore) error {
		var err error
		count, err = ds.CountAccounts(ctx)
		return err
	}); err != nil {
		return "", err
	}
	if count > 0 {
		return "", nil
	}

	token, err := crypto.GenerateToken()
	if err != nil {
		return "", err
	}
	password := token[:24]
	if _, err := a.Register(ctx, username, password, model.RoleAdmin); err != nil {
		return "", fmt.Errorf("auth: create admin: %w", err)
	}
	return password, nil
}
