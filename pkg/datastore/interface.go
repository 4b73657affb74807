package datastore

import (
	"context"
	"database/sql"

	"github.com/NicolasHaas/gorecord/pkg/model"
)

// Transactor runs fn inside one transactional unit. *pool.Pool implements it.
type Transactor interface {
	Transact(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// DataProviderFactory hands out a DataStore bound to one transaction.
type DataProviderFactory interface {
	Tx(ctx context.Context, fn func(DataStore) error) error
}

// DataStore defines the persistence interface for accounts and records.
// Every implementation runs against a single transaction.
type DataStore interface {
	AccountReadProvider
	AccountWriteProvider

	RecordReadProvider
	RecordWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type AccountReadProvider interface {
	GetAccount(ctx context.Context, username string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	CountAccounts(ctx context.Context) (int64, error)
}

type AccountWriteProvider interface {
	CreateAccount(ctx context.Context, acct *model.Account) error
	UpdateAccountRole(ctx context.Context, username string, role model.Role) error
	UpdateAccountPassword(ctx context.Context, username string, hash, salt []byte) error
	DeleteAccount(ctx context.Context, username string) error
}

type RecordReadProvider interface {
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	GetRecordByName(ctx context.Context, name string) (*model.Record, error)
	ListRecords(ctx context.Context) ([]model.Record, error)
	Statistics(ctx context.Context) (model.Statistics, error)
}

type RecordWriteProvider interface {
	AddRecord(ctx context.Context, rec *model.Record) error
	UpdateRecord(ctx context.Context, id string, patch model.RecordPatch) (*model.Record, error)
	DeleteRecord(ctx context.Context, id string) error
}
