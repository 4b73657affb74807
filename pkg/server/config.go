package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gorecord/pkg/datastore"
	"github.com/NicolasHaas/gorecord/pkg/model"
)

// RecordsFile is the top-level YAML document for records import and export.
type RecordsFile struct {
	Records []model.Record `yaml:"records"`
}

// AccountYAML represents an account in YAML export. Credentials are never exported.
type AccountYAML struct {
	ID        int64  `yaml:"id"`
	Username  string `yaml:"username"`
	Role      string `yaml:"role"`
	CreatedAt string `yaml:"created_at"`
}

// AccountsExport is the top-level YAML for account export.
type AccountsExport struct {
	Accounts []AccountYAML `yaml:"accounts"`
}

// ImportResult counts what an import did.
type ImportResult struct {
	Added   int
	Skipped int // id already present
	Invalid int // failed validation
}

// LoadRecordsFromYAML reads a records YAML file and adds its records to the store.
func LoadRecordsFromYAML(ctx context.Context, path string, st datastore.DataProviderFactory) (ImportResult, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return ImportResult{}, fmt.Errorf("read records file: %w", err)
	}
	return ImportRecordsFromYAML(ctx, data, st)
}

// ImportRecordsFromYAML parses YAML data and adds each record in its own
// unit. Records whose id already exists are left untouched.
func ImportRecordsFromYAML(ctx context.Context, data []byte, st datastore.DataProviderFactory) (ImportResult, error) {
	var file RecordsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return ImportResult{}, fmt.Errorf("parse records file: %w", err)
	}

	var res ImportResult
	for _, rec := range file.Records {
		rec.Normalize()
		if err := rec.Validate(); err != nil {
			slog.Warn("skipping invalid record from file", "id", rec.ID, "err", err)
			res.Invalid++
			continue
		}
		err := st.Tx(ctx, func(ds datastore.DataStore) error {
			return ds.AddRecord(ctx, &rec)
		})
		switch {
		case err == nil:
			res.Added++
		case errors.Is(err, model.ErrAlreadyExists):
			slog.Debug("record already present", "id", rec.ID)
			res.Skipped++
		default:
			return res, fmt.Errorf("import record %q: %w", rec.ID, err)
		}
	}

	slog.Info("imported records from YAML", "added", res.Added, "skipped", res.Skipped, "invalid", res.Invalid)
	return res, nil
}

// ExportRecordsYAML exports all records as YAML, ordered like list_records.
func ExportRecordsYAML(ctx context.Context, st datastore.DataProviderFactory) ([]byte, error) {
	var records []model.Record
	if err := st.Tx(ctx, func(ds datastore.DataStore) error {
		var err error
		records, err = ds.ListRecords(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	return yaml.Marshal(&RecordsFile{Records: records})
}

// ExportAccountsYAML exports all accounts as YAML.
func ExportAccountsYAML(ctx context.Context, st datastore.DataProviderFactory) ([]byte, error) {
	var accounts []model.Account
	if err := st.Tx(ctx, func(ds datastore.DataStore) error {
		var err error
		accounts, err = ds.ListAccounts(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	export := AccountsExport{}
	for _, a := range accounts {
		export.Accounts = append(export.Accounts, AccountYAML{
			ID:        a.ID,
			Username:  a.Username,
			Role:      a.Role.String(),
			CreatedAt: a.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}
