package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/NicolasHaas/gorecord/pkg/model"
	"github.com/NicolasHaas/gorecord/pkg/pool"
	"github.com/NicolasHaas/gorecord/pkg/protocol"
	"github.com/NicolasHaas/gorecord/pkg/rbac"
)

const internalErrorMessage = "internal server error"

// handlerFunc runs one action for an admitted session. The returned
// response carries the success status; errors are translated by the
// dispatcher.
type handlerFunc func(ctx context.Context, sess *Session, req *protocol.Request) (protocol.Response, error)

type dispatcher struct {
	srv      *Server
	handlers map[model.Action]handlerFunc
}

func newDispatcher(s *Server) *dispatcher {
	return &dispatcher{
		srv: s,
		handlers: map[model.Action]handlerFunc{
			model.ActionLogin:            s.handleLogin,
			model.ActionRegister:         s.handleRegister,
			model.ActionLogout:           s.handleLogout,
			model.ActionListRecords:      s.handleListRecords,
			model.ActionGetRecord:        s.handleGetRecord,
			model.ActionGetStatistics:    s.handleGetStatistics,
			model.ActionChangePassword:   s.handleChangePassword,
			model.ActionAddRecord:        s.handleAddRecord,
			model.ActionUpdateRecord:     s.handleUpdateRecord,
			model.ActionDeleteRecord:     s.handleDeleteRecord,
			model.ActionListAccounts:     s.handleListAccounts,
			model.ActionUpdatePermission: s.handleUpdatePermission,
			model.ActionDeleteAccount:    s.handleDeleteAccount,
		},
	}
}

// dispatch runs one request and reports whether the session must close
// after the response is written.
func (d *dispatcher) dispatch(sess *Session, req *protocol.Request) (resp protocol.Response, closeAfter bool) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic",
				"session", sess.ID, "action", req.Action, "panic", r, "stack", string(debug.Stack()))
			resp = protocol.Response{Status: protocol.StatusInternalServerError, Message: internalErrorMessage}
			closeAfter = true
		}
		elapsed := time.Since(start)
		d.srv.metrics.ObserveRequest(req.Action, resp.Status, elapsed)
		slog.Info("request",
			"remote", sess.remote,
			"session", sess.ID,
			"user", sess.identity.Username,
			"action", req.Action,
			"status", resp.Status,
			"duration", elapsed,
		)
	}()

	ctx, cancel := context.WithTimeout(d.srv.ctx, d.srv.cfg.RequestTimeout)
	defer cancel()

	if !req.Action.Public() {
		if sess.state != StateAuthenticated {
			return d.fail(sess, req, model.ErrNotAuthenticated)
		}
		// Names outside the catalog miss the table too.
		if err := rbac.RequirePermission(sess.identity.Role, req.Action); err != nil {
			return d.fail(sess, req, err)
		}
	}
	h, ok := d.handlers[req.Action]
	if !ok {
		return d.fail(sess, req, fmt.Errorf("server: no handler bound for %q", req.Action))
	}

	resp, err := h(ctx, sess, req)
	if err != nil {
		return d.fail(sess, req, err)
	}
	return resp, false
}

func (d *dispatcher) fail(sess *Session, req *protocol.Request, err error) (protocol.Response, bool) {
	status, closeAfter := statusFor(err)
	msg := publicMessage(err)
	if status == protocol.StatusInternalServerError {
		slog.Error("request failed",
			"session", sess.ID, "user", sess.identity.Username, "action", req.Action, "err", err)
		msg = internalErrorMessage
	}
	return protocol.Response{Status: status, Message: msg}, closeAfter
}

// statusFor maps an error to a response status and whether the session
// must be closed.
func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, model.ErrInvalidCredentials), errors.Is(err, model.ErrNotAuthenticated):
		return protocol.StatusUnauthorized, false
	case errors.Is(err, model.ErrPermissionDenied):
		return protocol.StatusForbidden, false
	case errors.Is(err, model.ErrNotFound):
		return protocol.StatusNotFound, false
	case errors.Is(err, model.ErrInvalid), errors.Is(err, model.ErrUsernameTaken), errors.Is(err, model.ErrAlreadyExists):
		return protocol.StatusBadRequest, false
	case isStoreErr(err):
		return protocol.StatusInternalServerError, false
	default:
		return protocol.StatusInternalServerError, true
	}
}

func isStoreErr(err error) bool {
	return errors.Is(err, pool.ErrStore) ||
		errors.Is(err, pool.ErrStoreUnavailable) ||
		errors.Is(err, pool.ErrClosed) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, sql.ErrTxDone) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// publicMessage is the text sent to clients. Validation errors keep their
// own description; every other class uses its sentinel text so no store or
// decoder detail reaches the client.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidCredentials):
		return model.ErrInvalidCredentials.Error()
	case errors.Is(err, model.ErrNotAuthenticated):
		return model.ErrNotAuthenticated.Error()
	case errors.Is(err, model.ErrPermissionDenied):
		return model.ErrPermissionDenied.Error()
	case errors.Is(err, model.ErrNotFound):
		for _, e := range []error{errRecordNotFound, errAccountNotFound} {
			if errors.Is(err, e) {
				return e.Error()
			}
		}
		return model.ErrNotFound.Error()
	case errors.Is(err, model.ErrUsernameTaken):
		return model.ErrUsernameTaken.Error()
	case errors.Is(err, model.ErrAlreadyExists):
		return "record already exists"
	case errors.Is(err, model.ErrInvalid):
		return innermostInvalid(err).Error()
	default:
		return internalErrorMessage
	}
}

// innermostInvalid walks the wrap chain and returns the deepest error that
// still is a model.ErrInvalid, stopping above the bare sentinel.
func innermostInvalid(err error) error {
	found := model.ErrInvalid
	for err != nil && err != model.ErrInvalid {
		if errors.Is(err, model.ErrInvalid) {
			found = err
		}
		err = unwrapInvalid(err)
	}
	return found
}

func unwrapInvalid(err error) error {
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return u.Unwrap()
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if errors.Is(e, model.ErrInvalid) {
				return e
			}
		}
	}
	return nil
}
