package datastore

import (
	"context"
	"fmt"

	"github.com/NicolasHaas/gorecord/pkg/model"
)

const accountColumns = "id, username, password_hash, salt, role, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	a := &model.Account{}
	var role, createdAt string
	if err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Salt, &role, &createdAt); err != nil {
		return nil, err
	}
	r, err := model.ParseRole(role)
	if err != nil {
		return nil, err
	}
	a.Role = r
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = parsed
	return a, nil
}

// GetAccount retrieves an account by username. Returns model.ErrNotFound
// when no such account exists.
func (p *provider) GetAccount(ctx context.Context, username string) (*model.Account, error) {
	a, err := scanAccount(p.queryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE username = ?", username))
	if isNoRows(err) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get account", err)
	}
	return a, nil
}

// ListAccounts returns all accounts ordered by ID.
func (p *provider) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := p.query(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY id")
	if err != nil {
		return nil, storeErr("list accounts", err)
	}
	defer func() { _ = rows.Close() }()

	accounts := []model.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, storeErr("scan account", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list accounts", err)
	}
	return accounts, nil
}

// CountAccounts returns the number of accounts.
func (p *provider) CountAccounts(ctx context.Context) (int64, error) {
	var n int64
	if err := p.queryRow(ctx, "SELECT COUNT(*) FROM accounts").Scan(&n); err != nil {
		return 0, storeErr("count accounts", err)
	}
	return n, nil
}

// CreateAccount inserts acct and sets its ID and CreatedAt.
// It validates the username and role before inserting.
func (p *provider) CreateAccount(ctx context.Context, acct *model.Account) error {
	if err := model.ValidateUsername(acct.Username); err != nil {
		return fmt.Errorf("datastore: create account: %w", err)
	}
	if !acct.Role.Valid() {
		return fmt.Errorf("datastore: create account: %w", model.ErrInvalidRole)
	}
	if len(acct.PasswordHash) == 0 || len(acct.Salt) == 0 {
		return fmt.Errorf("datastore: create account: %w: missing credentials", model.ErrInvalid)
	}

	created := now()
	err := p.queryRow(ctx,
		"INSERT INTO accounts (username, password_hash, salt, role, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id",
		acct.Username, acct.PasswordHash, acct.Salt, acct.Role.String(), formatDBTime(created),
	).Scan(&acct.ID)
	if IsUniqueViolation(err) {
		return fmt.Errorf("datastore: create account: %w", model.ErrUsernameTaken)
	}
	if err != nil {
		return storeErr("create account", err)
	}
	acct.CreatedAt = created
	return nil
}

// UpdateAccountRole changes an account's role.
func (p *provider) UpdateAccountRole(ctx context.Context, username string, role model.Role) error {
	if !role.Valid() {
		return fmt.Errorf("datastore: update account role: %w", model.ErrInvalidRole)
	}
	res, err := p.exec(ctx, "UPDATE accounts SET role = ? WHERE username = ?", role.String(), username)
	if err != nil {
		return storeErr("update account role", err)
	}
	return requireAffected(res, "update account role")
}

// UpdateAccountPassword replaces an account's hash and salt.
func (p *provider) UpdateAccountPassword(ctx context.Context, username string, hash, salt []byte) error {
	res, err := p.exec(ctx, "UPDATE accounts SET password_hash = ?, salt = ? WHERE username = ?", hash, salt, username)
	if err != nil {
		return storeErr("update account password", err)
	}
	return requireAffected(res, "update account password")
}

// DeleteAccount removes an account by username.
func (p *provider) DeleteAccount(ctx context.Context, username string) error {
	res, err := p.exec(ctx, "DELETE FROM accounts WHERE username = ?", username)
	if err != nil {
		return storeErr("delete account", err)
	}
	return requireAffected(res, "delete account")
}

// requireAffected maps zero affected rows to model.ErrNotFound.
func requireAffected(res interface{ RowsAffected() (int64, error) }, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("datastore: %s: %w", op, model.ErrNotFound)
	}
	return nil
}
