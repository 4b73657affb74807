package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/NicolasHaas/gorecord/pkg/datastore"
	"github.com/NicolasHaas/gorecord/pkg/model"
	"github.com/NicolasHaas/gorecord/pkg/protocol"
)

var (
	errRecordNotFound  = fmt.Errorf("record %w", model.ErrNotFound)
	errAccountNotFound = fmt.Errorf("account %w", model.ErrNotFound)

	errLookupRequired = fmt.Errorf("%w: id or name is required", model.ErrInvalid)
	errSelfRole       = fmt.Errorf("%w: cannot change your own role", model.ErrInvalid)
	errSelfDelete     = fmt.Errorf("%w: cannot delete your own account", model.ErrInvalid)
)

// notFoundAs replaces a bare model.ErrNotFound with a message naming the entity.
func notFoundAs(err, as error) error {
	if errors.Is(err, model.ErrNotFound) {
		return as
	}
	return err
}

func success(message string, data any) protocol.Response {
	return protocol.Response{Status: protocol.StatusOK, Message: message, Data: data}
}

func created(message string, data any) protocol.Response {
	return protocol.Response{Status: protocol.StatusCreated, Message: message, Data: data}
}

// ----- Auth -----

func (s *Server) handleLogin(ctx context.Context, sess *Session, req *protocol.Request) (protocol.Response, error) {
	var in protocol.Credentials
	if err := req.Bind(&in); err != nil {
		return protocol.Response{}, err
	}
	id, err := s.auth.Verify(ctx, in.Username, in.Password)
	if err != nil {
		if errors.Is(err, model.ErrInvalidCredentials) {
			s.metrics.FailedAuths.Add(1)
			slog.Info("login failed", "remote", sess.remote, "user", in.Username)
		}
		return protocol.Response{}, err
	}
	token, err := s.auth.IssueToken()
	if err != nil {
		return protocol.Response{}, fmt.Errorf("server: issue token: %w", err)
	}
	sess.authenticate(id, token)
	s.metrics.SuccessfulAuths.Add(1)
	slog.Info("client authenticated", "session", sess.ID, "user", id.Username, "role", id.Role)

	resp := success("login successful", protocol.LoginData{
		Username: id.Username,
		Role:     id.Role.String(),
		Token:    token,
	})
	resp.Token = token
	return resp, nil
}

func (s *Server) handleRegister(ctx context.Context, _ *Session, req *protocol.Request) (protocol.Response, error) {
	var in protocol.Credentials
	if err := req.Bind(&in); err != nil {
		return protocol.Response{}, err
	}
	acct, err := s.auth.Register(ctx, in.Username, in.Password, model.RoleUser)
	if err != nil {
		return protocol.Response{}, err
	}
	s.metrics.AccountsRegistered.Add(1)
	return created("account created", acct), nil
}

func (s *Server) handleLogout(_ context.Context, sess *Session, _ *protocol.Request) (protocol.Response, error) {
	slog.Info("client logged out", "session", sess.ID, "user", sess.identity.Username)
	sess.close()
	return success("logged out", nil), nil
}

func (s *Server) handleChangePassword(ctx context.Context, sess *Session, req *protocol.Request) (protocol.Response, error) {
	var in protocol.ChangePasswordRequest
	if err := req.Bind(&in); err != nil {
		return protocol.Response{}, err
	}
	if err := s.auth.ChangePassword(ctx, sess.identity.Username, in.OldPassword, in.NewPassword); err != nil {
		return protocol.Response{}, notFoundAs(err, errAccountNotFound)
	}
	slog.Info("password changed", "user", sess.identity.Username)
	return success("password changed", nil), nil
}

// ----- Records -----

func (s *Server) handleListRecords(ctx context.Context, _ *Session, _ *protocol.Request) (protocol.Response, error) {
	var records []model.Record
	if err := s.store.Tx(ctx, func(ds datastore.DataStore) error {
		var err error
		records, err = ds.ListRecords(ctx)
		return err
	}); err != nil {
		return protocol.Response{}, err
	}
	views := make([]protocol.RecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, protocol.NewRecordView(rec))
	}
	return success("records retrieved", protocol.RecordList{Records: views, Count: len(views)}), nil
}

func (s *Server) handleGetRecord(ctx context.Context, _ *Session, req *protocol.Request) (protocol.Response, error) {
	var in protocol.RecordLookup
	if err := req.Bind(&in); err != nil {
		return protocol.Response{}, err
	}
	id := strings.TrimSpace(in.ID)
	name := model.SanitizeText(strings.TrimSpace(in.Name))
	if id == "" && name == "" {
		return protocol.Response{}, errLookupRequired
	}

	var rec *model.Record
	err := s.store.Tx(ctx, func(ds datastore.DataStore) error {
		var err error
		if id != "" {
			rec, err = ds.GetRecord(ctx, id)
		} else {
			rec, err = ds.GetRecordByName(ctx, name)
		}
		return err
	})
	if err != nil {
		return protocol.Response{}, notFoundAs(err, errRecordNotFound)
	}
	return success("record retrieved", protocol.NewRecordView(*rec)), nil
}

func (s *Server) handleGetStatistics(ctx context.Context, _ *Session, _ *protocol.Request) (protocol.Response, error) {
	var stats model.Statistics
	if err := s.store.Tx(ctx, func(ds datastore.DataStore) error {
		var err error
		stats, err = ds.Statistics(ctx)
		return err
	}); err != nil {
		return protocol.Response{}, err
	}
	return success("statistics retrieved", stats), nil
}

func (s *Server) handleAddRecord(ctx context.Context, sess *Session, req *protocol.Request) (protocol.Response, error) {
	var in protocol.AddRecordRequest
	if err := req.Bind(&in); err != nil {
		return protocol.Response{}, err
	}
	rec := in.Record()
	if err := rec.Validate(); err != nil {
		return protocol.Response{}, err
	}
	if err := s.store.Tx(ctx, func(ds datastore.DataStore) error {
		return ds.AddRecord(ctx, &rec)
	}); err != nil {
		return protocol.Response{}, err
	}
	s.metrics.RecordsAdded.Add(1)
	slog.Info("record added", "id", rec.ID, "by", sess.identity.Username)
	return created("record added", protocol.NewRecordView(rec)), nil
}

func (s *Server) handleUpdateRecord(ctx context.Context, sess *Session, req *protocol.Request) (protocol.Response, error) {
	var in protocol.UpdateRecordRequest
	if err := req.Bind(&in); err != nil {
		return protocol.Response{}, err
	}
	id := strings.TrimSpace(in.ID)
	if err := model.ValidateRecordID(id); err != nil {
		return protocol.Response{}, err
	}
	patch := in.Patch()
	if patch.Empty() {
		return protocol.Response{}, model.ErrNoFieldsToUpdate
	}

	var rec *model.Record
	if err := s.store.Tx(ctx, func(ds datastore.DataStore) error {
		var err error
		rec, err = ds.UpdateRecord(ctx, id, patch)
		return err
	}); err != nil {
		return protocol.Response{}, notFoundAs(err, errRecordNotFound)
	}
	s.metrics.RecordsUpdated.Add(1)
	slog.Info("record updated", "id", id, "by", sess.identity.Username)
	return success("record updated", protocol.NewRecordView(*rec)), nil
}

func (s *Server) handleDeleteRecord(ctx context.Context, sess *Session, req *protocol.Request) (protocol.Response, error) {
	var in protocol.DeleteRecordRequest
	if err := req.Bind(&in); err != nil {
		return protocol.Response{}, err
	}
	id := strings.TrimSpace(in.ID)
	if err := model.ValidateRecordID(id); err != nil {
		return protocol.Response{}, err
	}
	if err := s.store.Tx(ctx, func(ds datastore.DataStore) error {
		return ds.DeleteRecord(ctx, id)
	}); err != nil {
		return protocol.Response{}, notFoundAs(err, errRecordNotFound)
	}
	s.metrics.RecordsDeleted.Add(1)
	slog.Info("record deleted", "id", id, "by", sess.identity.Username)
	return success("record deleted", nil), nil
}

// ----- Accounts -----

func (s *Server) handleListAccounts(ctx context.Context, _ *Session, _ *protocol.Request) (protocol.Response, error) {
	var accounts []model.Account
	if err := s.store.Tx(ctx, func(ds datastore.DataStore) error {
		var err error
		accounts, err = ds.ListAccounts(ctx)
		return err
	}); err != nil {
		return protocol.Response{}, err
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	return success("accounts retrieved", protocol.AccountList{Accounts: accounts, Count: len(accounts)}), nil
}

func (s *Server) handleUpdatePermission(ctx context.Context, sess *Session, req *protocol.Request) (protocol.Response, error) {
	var in protocol.UpdatePermissionRequest
	if err := req.Bind(&in); err != nil {
		return protocol.Response{}, err
	}
	if err := model.ValidateUsername(in.Username); err != nil {
		return protocol.Response{}, err
	}
	if in.Username == sess.identity.Username {
		return protocol.Response{}, errSelfRole
	}
	role, err := model.ParseRole(in.Role())
	if err != nil {
		return protocol.Response{}, err
	}
	if err := s.store.Tx(ctx, func(ds datastore.DataStore) error {
		return ds.UpdateAccountRole(ctx, in.Username, role)
	}); err != nil {
		return protocol.Response{}, notFoundAs(err, errAccountNotFound)
	}
	slog.Info("role changed", "user", in.Username, "role", role, "by", sess.identity.Username)
	return success("permission updated", map[string]string{"username": in.Username, "role": role.String()}), nil
}

func (s *Server) handleDeleteAccount(ctx context.Context, sess *Session, req *protocol.Request) (protocol.Response, error) {
	var in protocol.DeleteAccountRequest
	if err := req.Bind(&in); err != nil {
		return protocol.Response{}, err
	}
	if err := model.ValidateUsername(in.Username); err != nil {
		return protocol.Response{}, err
	}
	if in.Username == sess.identity.Username {
		return protocol.Response{}, errSelfDelete
	}
	if err := s.store.Tx(ctx, func(ds datastore.DataStore) error {
		return ds.DeleteAccount(ctx, in.Username)
	}); err != nil {
		return protocol.Response{}, notFoundAs(err, errAccountNotFound)
	}
	slog.Info("account deleted", "user", in.Username, "by", sess.identity.Username)
	return success("account deleted", nil), nil
}
