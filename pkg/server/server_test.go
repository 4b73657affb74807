package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/gorecord/pkg/datastore"
	"github.com/NicolasHaas/gorecord/pkg/model"
	"github.com/NicolasHaas/gorecord/pkg/pool"
	"github.com/NicolasHaas/gorecord/pkg/protocol"
	"github.com/NicolasHaas/gorecord/pkg/rbac"
)

const (
	adminPass = "admin-secret"
	userPass  = "alice-secret"
)

func newStore(t *testing.T) *datastore.ProviderFactory {
	t.Helper()
	st, err := datastore.Connect(context.Background(), datastore.DriverSQLite, filepath.Join(t.TempDir(), "server.db"), 2)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return st
}

// newTestServer starts a server on a loopback port with an admin and a
// regular account. The server owns the store and closes it on cleanup.
func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	st := newStore(t)

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.MetricsLogInterval = 0
	cfg.DataDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg, Dependencies{Store: st, Pool: st.Pool()})

	ctx := context.Background()
	if _, err := srv.Auth().Register(ctx, "admin", adminPass, model.RoleAdmin); err != nil {
		t.Fatalf("Register admin: %v", err)
	}
	if _, err := srv.Auth().Register(ctx, "alice", userPass, model.RoleUser); err != nil {
		t.Fatalf("Register alice: %v", err)
	}
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *protocol.Reader
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, r: protocol.NewReader(conn)}
}

// with returns a client view reporting failures to t, for use in subtests.
func (c *testClient) with(t *testing.T) *testClient {
	return &testClient{t: t, conn: c.conn, r: c.r}
}

func (c *testClient) read() (*protocol.Response, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return protocol.ReadResponse(c.r)
}

func (c *testClient) do(action model.Action, payload any) *protocol.Response {
	c.t.Helper()
	req, err := protocol.NewRequest(action, payload)
	if err != nil {
		c.t.Fatalf("NewRequest(%s): %v", action, err)
	}
	if err := protocol.WriteRequest(c.conn, req); err != nil {
		c.t.Fatalf("WriteRequest(%s): %v", action, err)
	}
	resp, err := c.read()
	if err != nil {
		c.t.Fatalf("ReadResponse(%s): %v", action, err)
	}
	return resp
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) login(username, password string) *protocol.Response {
	c.t.Helper()
	resp := c.do(model.ActionLogin, protocol.Credentials{Username: username, Password: password})
	if resp.Status != protocol.StatusOK {
		c.t.Fatalf("login %s: status %d (%s)", username, resp.Status, resp.Message)
	}
	return resp
}

func (c *testClient) expectStatus(resp *protocol.Response, want int) {
	c.t.Helper()
	if resp.Status != want {
		c.t.Fatalf("status = %d (%q), want %d", resp.Status, resp.Message, want)
	}
}

// expectClosed asserts the server closed the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := c.r.Next()
	if err == nil {
		c.t.Fatal("expected connection to be closed, got another response")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.t.Fatal("expected connection to be closed, read timed out")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoginAndStatistics(t *testing.T) {
	srv := newTestServer(t, nil)
	c := dial(t, srv)

	resp := c.login("alice", userPass)
	var data protocol.LoginData
	if err := resp.DecodeData(&data); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if resp.Token == "" || data.Token != resp.Token {
		t.Fatalf("token top-level %q, data %q", resp.Token, data.Token)
	}
	if diff := cmp.Diff(protocol.LoginData{Username: "alice", Role: "user", Token: resp.Token}, data); diff != "" {
		t.Fatalf("login data mismatch (-want +got):\n%s", diff)
	}

	stats := c.do(model.ActionGetStatistics, nil)
	c.expectStatus(stats, protocol.StatusOK)
	var got model.Statistics
	if err := stats.DecodeData(&got); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if diff := cmp.Diff(model.Statistics{}, got); diff != "" {
		t.Fatalf("empty statistics mismatch (-want +got):\n%s", diff)
	}
}

func TestWrongPasswordStaysUnauthenticated(t *testing.T) {
	srv := newTestServer(t, nil)
	c := dial(t, srv)

	resp := c.do(model.ActionLogin, protocol.Credentials{Username: "alice", Password: "nope-nope"})
	c.expectStatus(resp, protocol.StatusUnauthorized)
	if resp.Token != "" {
		t.Fatalf("failed login returned token %q", resp.Token)
	}
	unknown := c.do(model.ActionLogin, protocol.Credentials{Username: "mallory", Password: "nope-nope"})
	c.expectStatus(unknown, protocol.StatusUnauthorized)
	if unknown.Message != resp.Message {
		t.Fatalf("messages differ: %q vs %q", unknown.Message, resp.Message)
	}

	c.expectStatus(c.do(model.ActionGetStatistics, nil), protocol.StatusUnauthorized)
	if got := srv.Metrics().FailedAuths.Load(); got != 2 {
		t.Fatalf("FailedAuths = %d, want 2", got)
	}
}

func TestActionsRequireAuthentication(t *testing.T) {
	srv := newTestServer(t, nil)
	c := dial(t, srv)

	for _, action := range model.AllActions() {
		if action.Public() {
			continue
		}
		t.Run(string(action), func(t *testing.T) {
			c := c.with(t)
			resp := c.do(action, nil)
			c.expectStatus(resp, protocol.StatusUnauthorized)
			if resp.Message != model.ErrNotAuthenticated.Error() {
				t.Fatalf("message = %q", resp.Message)
			}
		})
	}

	// Unknown actions are indistinguishable from known ones before login.
	c.expectStatus(c.do("frobnicate", nil), protocol.StatusUnauthorized)

	// After login an unknown name is a permission table miss.
	c.login("alice", userPass)
	resp := c.do("drop_tables", nil)
	c.expectStatus(resp, protocol.StatusForbidden)
	if resp.Message != model.ErrPermissionDenied.Error() {
		t.Fatalf("message = %q", resp.Message)
	}
	c.expectStatus(c.do(model.ActionGetStatistics, nil), protocol.StatusOK)
}

func TestRegister(t *testing.T) {
	srv := newTestServer(t, nil)
	c := dial(t, srv)

	resp := c.do(model.ActionRegister, protocol.Credentials{Username: "bob", Password: "bob-secret"})
	c.expectStatus(resp, protocol.StatusCreated)
	var acct model.Account
	if err := resp.DecodeData(&acct); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if acct.Username != "bob" || acct.Role != model.RoleUser {
		t.Fatalf("registered account = %+v", acct)
	}

	c.expectStatus(c.do(model.ActionRegister, protocol.Credentials{Username: "bob", Password: "bob-secret"}), protocol.StatusBadRequest)
	c.expectStatus(c.do(model.ActionRegister, protocol.Credentials{Username: "b o b", Password: "bob-secret"}), protocol.StatusBadRequest)

	c.login("bob", "bob-secret")
	c.expectStatus(c.do(model.ActionAddRecord, protocol.AddRecordRequest{ID: "S9", Name: "x"}), protocol.StatusForbidden)
}

func TestRecordLifecycleAcrossRoles(t *testing.T) {
	srv := newTestServer(t, nil)
	admin := dial(t, srv)
	admin.login("admin", adminPass)
	user := dial(t, srv)
	user.login("alice", userPass)

	added := admin.do(model.ActionAddRecord, protocol.AddRecordRequest{ID: "S1", Name: "Ada", Score1: 90, Score2: 80, Score3: 70})
	admin.expectStatus(added, protocol.StatusCreated)

	user.expectStatus(user.do(model.ActionDeleteRecord, protocol.DeleteRecordRequest{ID: "S1"}), protocol.StatusForbidden)

	got := user.do(model.ActionGetRecord, protocol.RecordLookup{ID: "S1"})
	user.expectStatus(got, protocol.StatusOK)
	var view protocol.RecordView
	if err := got.DecodeData(&view); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if view.ID != "S1" || view.Total != 240 {
		t.Fatalf("record view = %+v", view)
	}

	admin.expectStatus(admin.do(model.ActionDeleteRecord, protocol.DeleteRecordRequest{ID: "S1"}), protocol.StatusOK)

	missing := user.do(model.ActionGetRecord, protocol.RecordLookup{ID: "S1"})
	user.expectStatus(missing, protocol.StatusNotFound)
	if missing.Message != "record not found" {
		t.Fatalf("message = %q", missing.Message)
	}
}

func TestRecordOperations(t *testing.T) {
	srv := newTestServer(t, nil)
	c := dial(t, srv)
	c.login("admin", adminPass)

	for _, rec := range []protocol.AddRecordRequest{
		{ID: "S1", Name: "Ada", Score1: 50, Score2: 50, Score3: 50},
		{ID: "S2", Name: "Grace", Score1: 90, Score2: 90, Score3: 90},
	} {
		c.expectStatus(c.do(model.ActionAddRecord, rec), protocol.StatusCreated)
	}

	tests := []struct {
		name    string
		action  model.Action
		payload any
		want    int
		message string
	}{
		{"duplicate id", model.ActionAddRecord, protocol.AddRecordRequest{ID: "S1", Name: "Again"}, protocol.StatusBadRequest, "record already exists"},
		{"score out of range", model.ActionAddRecord, protocol.AddRecordRequest{ID: "S3", Name: "Bad", Score1: 101}, protocol.StatusBadRequest, model.ErrScoreOutOfRange.Error()},
		{"missing name", model.ActionAddRecord, protocol.AddRecordRequest{ID: "S3"}, protocol.StatusBadRequest, model.ErrRecordNameEmpty.Error()},
		{"lookup by name", model.ActionGetRecord, protocol.RecordLookup{Name: "Grace"}, protocol.StatusOK, "record retrieved"},
		{"lookup without key", model.ActionGetRecord, protocol.RecordLookup{}, protocol.StatusBadRequest, errLookupRequired.Error()},
		{"update nothing", model.ActionUpdateRecord, protocol.UpdateRecordRequest{ID: "S1"}, protocol.StatusBadRequest, model.ErrNoFieldsToUpdate.Error()},
		{"update missing", model.ActionUpdateRecord, map[string]any{"id": "S404", "score1": 10}, protocol.StatusNotFound, "record not found"},
		{"delete missing", model.ActionDeleteRecord, protocol.DeleteRecordRequest{ID: "S404"}, protocol.StatusNotFound, "record not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := c.with(t)
			resp := c.do(tt.action, tt.payload)
			c.expectStatus(resp, tt.want)
			if resp.Message != tt.message {
				t.Fatalf("message = %q, want %q", resp.Message, tt.message)
			}
		})
	}

	score := 99.0
	updated := c.do(model.ActionUpdateRecord, protocol.UpdateRecordRequest{ID: "S1", Score1: &score})
	c.expectStatus(updated, protocol.StatusOK)

	list := c.do(model.ActionListRecords, nil)
	c.expectStatus(list, protocol.StatusOK)
	var records protocol.RecordList
	if err := list.DecodeData(&records); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	var got []string
	for _, r := range records.Records {
		got = append(got, fmt.Sprintf("%s=%g", r.ID, r.Total))
	}
	if diff := cmp.Diff([]string{"S2=270", "S1=199"}, got); diff != "" {
		t.Fatalf("list order mismatch (-want +got):\n%s", diff)
	}

	stats := c.do(model.ActionGetStatistics, nil)
	var st model.Statistics
	if err := stats.DecodeData(&st); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if st.TotalRecords != 2 || st.Score1.Max == nil || *st.Score1.Max != 99 {
		t.Fatalf("statistics = %+v", st)
	}
}

func TestAccountAdministration(t *testing.T) {
	srv := newTestServer(t, nil)
	admin := dial(t, srv)
	admin.login("admin", adminPass)
	user := dial(t, srv)
	user.login("alice", userPass)

	self := admin.do(model.ActionUpdatePermission, protocol.UpdatePermissionRequest{Username: "admin", NewRole: "user"})
	admin.expectStatus(self, protocol.StatusBadRequest)
	if self.Message != errSelfRole.Error() {
		t.Fatalf("message = %q", self.Message)
	}
	admin.expectStatus(admin.do(model.ActionDeleteAccount, protocol.DeleteAccountRequest{Username: "admin"}), protocol.StatusBadRequest)
	admin.expectStatus(admin.do(model.ActionUpdatePermission, protocol.UpdatePermissionRequest{Username: "alice", NewRole: "root"}), protocol.StatusBadRequest)
	admin.expectStatus(admin.do(model.ActionUpdatePermission, protocol.UpdatePermissionRequest{Username: "ghost", NewRole: "admin"}), protocol.StatusNotFound)

	// new_permission is accepted as an alias.
	admin.expectStatus(admin.do(model.ActionUpdatePermission, protocol.UpdatePermissionRequest{Username: "alice", NewPermission: "admin"}), protocol.StatusOK)

	// The live session keeps its role until the next login.
	rec := protocol.AddRecordRequest{ID: "S7", Name: "Hopper"}
	user.expectStatus(user.do(model.ActionAddRecord, rec), protocol.StatusForbidden)
	user.login("alice", userPass)
	user.expectStatus(user.do(model.ActionAddRecord, rec), protocol.StatusCreated)

	list := admin.do(model.ActionListAccounts, nil)
	admin.expectStatus(list, protocol.StatusOK)
	var accounts protocol.AccountList
	if err := list.DecodeData(&accounts); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if accounts.Count != 2 {
		t.Fatalf("account count = %d, want 2", accounts.Count)
	}

	admin.expectStatus(admin.do(model.ActionDeleteAccount, protocol.DeleteAccountRequest{Username: "alice"}), protocol.StatusOK)
	c := dial(t, srv)
	c.expectStatus(c.do(model.ActionLogin, protocol.Credentials{Username: "alice", Password: userPass}), protocol.StatusUnauthorized)
}

func TestChangePassword(t *testing.T) {
	srv := newTestServer(t, nil)
	c := dial(t, srv)
	c.login("alice", userPass)

	wrong := c.do(model.ActionChangePassword, protocol.ChangePasswordRequest{OldPassword: "bad-guess", NewPassword: "new-secret"})
	c.expectStatus(wrong, protocol.StatusBadRequest)
	c.expectStatus(c.do(model.ActionChangePassword, protocol.ChangePasswordRequest{OldPassword: userPass, NewPassword: "new-secret"}), protocol.StatusOK)

	other := dial(t, srv)
	other.expectStatus(other.do(model.ActionLogin, protocol.Credentials{Username: "alice", Password: userPass}), protocol.StatusUnauthorized)
	other.login("alice", "new-secret")
}

func TestReloginReplacesIdentityOnlyOnSuccess(t *testing.T) {
	srv := newTestServer(t, nil)
	c := dial(t, srv)
	c.login("alice", userPass)

	c.expectStatus(c.do(model.ActionLogin, protocol.Credentials{Username: "admin", Password: "wrong-one"}), protocol.StatusUnauthorized)
	// Still alice: authenticated, but not an admin.
	c.expectStatus(c.do(model.ActionListRecords, nil), protocol.StatusOK)
	c.expectStatus(c.do(model.ActionListAccounts, nil), protocol.StatusForbidden)

	c.login("admin", adminPass)
	c.expectStatus(c.do(model.ActionListAccounts, nil), protocol.StatusOK)
}

func TestLogoutClosesSession(t *testing.T) {
	srv := newTestServer(t, nil)
	c := dial(t, srv)
	c.login("alice", userPass)

	c.expectStatus(c.do(model.ActionLogout, nil), protocol.StatusOK)
	c.expectClosed()
	waitFor(t, "session removal", func() bool { return srv.Sessions().Count() == 0 })
}

func TestIdleTimeout(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) { cfg.SessionTimeout = 200 * time.Millisecond })
	c := dial(t, srv)

	resp, err := c.read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	c.expectStatus(resp, protocol.StatusRequestTimeout)
	c.expectClosed()
	if got := srv.Metrics().Timeouts.Load(); got != 1 {
		t.Fatalf("Timeouts = %d, want 1", got)
	}
}

func TestMalformedFrames(t *testing.T) {
	srv := newTestServer(t, nil)
	c := dial(t, srv)

	c.sendRaw("not json")
	resp, err := c.read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	c.expectStatus(resp, protocol.StatusBadRequest)
	if resp.Message != protocol.ErrMalformed.Error() {
		t.Fatalf("message = %q", resp.Message)
	}

	// A good frame resets the counter and the connection stays usable.
	c.expectStatus(c.do(model.ActionGetStatistics, nil), protocol.StatusUnauthorized)

	for i := 0; i < protocol.MaxBadFrames; i++ {
		c.sendRaw(`{"action": 42}`)
		resp, err := c.read()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		c.expectStatus(resp, protocol.StatusBadRequest)
	}
	c.expectClosed()
}

func TestOversizeFrameCloses(t *testing.T) {
	srv := newTestServer(t, nil)
	c := dial(t, srv)

	c.sendRaw(`{"action":"login","username":"` + strings.Repeat("a", protocol.MaxRequestSize) + `"}`)
	resp, err := c.read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	c.expectStatus(resp, protocol.StatusBadRequest)
	c.expectClosed()
}

func TestSessionLimit(t *testing.T) {
	const max = 10
	srv := newTestServer(t, func(cfg *Config) { cfg.MaxSessions = max })

	clients := make([]*testClient, 0, max)
	for i := 0; i < max; i++ {
		clients = append(clients, dial(t, srv))
		waitFor(t, "session registration", func() bool { return srv.Sessions().Count() == i+1 })
	}

	extra := dial(t, srv)
	resp, err := extra.read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	extra.expectStatus(resp, protocol.StatusServiceUnavailable)
	extra.expectClosed()

	for _, c := range clients {
		c.expectStatus(c.do(model.ActionGetStatistics, nil), protocol.StatusUnauthorized)
	}
	if got := srv.Metrics().RejectedConnections.Load(); got != 1 {
		t.Fatalf("RejectedConnections = %d, want 1", got)
	}

	// Closing a session frees its slot.
	_ = clients[0].conn.Close()
	waitFor(t, "slot release", func() bool { return srv.Sessions().Count() == max-1 })
	again := dial(t, srv)
	again.login("alice", userPass)
}

func TestSessionLimitConcurrentDials(t *testing.T) {
	const max = 10
	srv := newTestServer(t, func(cfg *Config) { cfg.MaxSessions = max })

	type outcome struct {
		status int
		err    error
	}
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		out   = make(chan outcome, max+1)
		conns = make(chan net.Conn, max+1)
	)
	for i := 0; i < max+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
			if err != nil {
				out <- outcome{err: err}
				return
			}
			conns <- conn
			req, err := protocol.NewRequest(model.ActionGetStatistics, nil)
			if err == nil {
				err = protocol.WriteRequest(conn, req)
			}
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			resp, rerr := protocol.ReadResponse(protocol.NewReader(conn))
			if rerr != nil {
				out <- outcome{err: errors.Join(err, rerr)}
				return
			}
			out <- outcome{status: resp.Status}
		}()
	}
	close(start)
	wg.Wait()
	close(out)
	close(conns)
	defer func() {
		for conn := range conns {
			_ = conn.Close()
		}
	}()

	counts := map[int]int{}
	for o := range out {
		if o.err != nil {
			t.Fatalf("client: %v", o.err)
		}
		counts[o.status]++
	}
	want := map[int]int{protocol.StatusUnauthorized: max, protocol.StatusServiceUnavailable: 1}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Fatalf("status counts (-want +got):\n%s", diff)
	}
}

func TestStopClosesSessions(t *testing.T) {
	srv := newTestServer(t, nil)
	c := dial(t, srv)
	c.login("alice", userPass)

	srv.Stop()
	c.expectClosed()
	if _, err := net.DialTimeout("tcp", srv.Addr().String(), 500*time.Millisecond); err == nil {
		t.Fatal("listener still accepting after Stop")
	}
	srv.Stop()
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		closeConn bool
	}{
		{"validation", model.ErrScoreOutOfRange, protocol.StatusBadRequest, false},
		{"malformed", protocol.ErrMalformed, protocol.StatusBadRequest, false},
		{"taken", fmt.Errorf("datastore: create account: %w", model.ErrUsernameTaken), protocol.StatusBadRequest, false},
		{"exists", model.ErrAlreadyExists, protocol.StatusBadRequest, false},
		{"credentials", model.ErrInvalidCredentials, protocol.StatusUnauthorized, false},
		{"unauthenticated", model.ErrNotAuthenticated, protocol.StatusUnauthorized, false},
		{"forbidden", model.ErrPermissionDenied, protocol.StatusForbidden, false},
		{"not found", errRecordNotFound, protocol.StatusNotFound, false},
		{"store", fmt.Errorf("datastore: list: %w: %w", pool.ErrStore, errors.New("no such table: records")), protocol.StatusInternalServerError, false},
		{"store unavailable", pool.ErrStoreUnavailable, protocol.StatusInternalServerError, false},
		{"deadline", context.DeadlineExceeded, protocol.StatusInternalServerError, false},
		{"unknown", errors.New("boom"), protocol.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, closeConn := statusFor(tt.err)
			if status != tt.status || closeConn != tt.closeConn {
				t.Fatalf("statusFor(%v) = %d, %t; want %d, %t", tt.err, status, closeConn, tt.status, tt.closeConn)
			}
		})
	}
}

func TestPublicMessage(t *testing.T) {
	_, roleErr := model.ParseRole("root")
	_, decodeErr := protocol.DecodeRequest([]byte("{"))
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"wrapped validation", fmt.Errorf("datastore: update record: %w", model.ErrScoreOutOfRange), model.ErrScoreOutOfRange.Error()},
		{"parse role detail dropped", roleErr, model.ErrInvalidRole.Error()},
		{"decoder detail dropped", decodeErr, protocol.ErrMalformed.Error()},
		{"bare invalid", model.ErrInvalid, model.ErrInvalid.Error()},
		{"store text hidden", fmt.Errorf("%w: %w", pool.ErrStore, errors.New("pq: relation accounts does not exist")), internalErrorMessage},
		{"account not found", errAccountNotFound, "account not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := publicMessage(tt.err); got != tt.want {
				t.Fatalf("publicMessage(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.dispatcher.handlers[model.ActionListRecords] = func(context.Context, *Session, *protocol.Request) (protocol.Response, error) {
		panic("kaboom")
	}
	sess := &Session{ID: "s1", remote: "test", state: StateAuthenticated,
		identity: model.Identity{Username: "admin", Role: model.RoleAdmin}}

	resp, closeAfter := srv.dispatcher.dispatch(sess, mustRequest(t, model.ActionListRecords))
	if resp.Status != protocol.StatusInternalServerError || !closeAfter {
		t.Fatalf("dispatch = %+v, close %t", resp, closeAfter)
	}
}

func TestDispatchPermissionCrossProduct(t *testing.T) {
	srv := newTestServer(t, nil)
	d := newDispatcher(srv)
	for action := range d.handlers {
		d.handlers[action] = func(context.Context, *Session, *protocol.Request) (protocol.Response, error) {
			return success("ok", nil), nil
		}
	}

	userActions := map[model.Action]bool{
		model.ActionLogout:         true,
		model.ActionListRecords:    true,
		model.ActionGetRecord:      true,
		model.ActionGetStatistics:  true,
		model.ActionChangePassword: true,
	}
	allowed := func(role model.Role, action model.Action) bool {
		switch {
		case action.Public():
			return true
		case role == model.RoleAdmin:
			return action != "drop_tables"
		default:
			return userActions[action]
		}
	}

	actions := append(model.AllActions(), "drop_tables")
	for _, role := range model.Roles() {
		for _, action := range actions {
			t.Run(role.String()+"/"+string(action), func(t *testing.T) {
				sess := &Session{ID: "s-" + role.String(), remote: "test", state: StateAuthenticated,
					identity: model.Identity{Username: "someone", Role: role}}
				resp, closeAfter := d.dispatch(sess, mustRequest(t, action))
				want := protocol.StatusOK
				if !allowed(role, action) {
					want = protocol.StatusForbidden
				}
				if resp.Status != want || closeAfter {
					t.Fatalf("dispatch = %d (close %t), want %d", resp.Status, closeAfter, want)
				}
				if got := rbac.Allowed(role, action) || action.Public(); got != allowed(role, action) {
					t.Fatalf("rbac.Allowed = %t, want %t", got, allowed(role, action))
				}
			})
		}
	}
}

func mustRequest(t *testing.T, action model.Action) *protocol.Request {
	t.Helper()
	req, err := protocol.NewRequest(action, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func TestMetricsHandler(t *testing.T) {
	srv := newTestServer(t, nil)
	c := dial(t, srv)
	c.login("alice", userPass)

	rec := httptest.NewRecorder()
	srv.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`gorecord_requests_total{action="login",status="200"} 1`,
		"gorecord_auth_success_total 1",
		"gorecord_pool_size 2",
		"gorecord_sessions_active 1",
		`gorecord_build_info{commit="unknown",date="unknown",version="dev"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %q", want)
		}
	}

	health := httptest.NewRecorder()
	srv.MetricsHandler().ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("/healthz status = %d", health.Code)
	}

	js := httptest.NewRecorder()
	srv.MetricsHandler().ServeHTTP(js, httptest.NewRequest(http.MethodGet, "/metrics.json", nil))
	if !strings.Contains(js.Body.String(), `"successful_auths": 1`) {
		t.Fatalf("/metrics.json = %s", js.Body.String())
	}
}

func TestSessionManager(t *testing.T) {
	sm := NewSessionManager(2)
	a, b, c := &Session{ID: "a"}, &Session{ID: "b"}, &Session{ID: "c"}
	if !sm.TryAdd(a) || !sm.TryAdd(b) {
		t.Fatal("TryAdd within limit failed")
	}
	if sm.TryAdd(c) {
		t.Fatal("TryAdd beyond limit succeeded")
	}
	sm.Remove("a")
	sm.Remove("a")
	if sm.Count() != 1 {
		t.Fatalf("Count = %d, want 1", sm.Count())
	}
	if !sm.TryAdd(c) {
		t.Fatal("TryAdd after Remove failed")
	}
	if sm.TryAdd(a) {
		t.Fatal("double Remove freed two slots")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"postgres", func(c *Config) { c.DBDriver = "postgres"; c.DBDSN = "postgres://localhost/gorecord" }, false},
		{"no listen", func(c *Config) { c.ListenAddr = "" }, true},
		{"zero sessions", func(c *Config) { c.MaxSessions = 0 }, true},
		{"zero pool", func(c *Config) { c.PoolSize = 0 }, true},
		{"zero timeout", func(c *Config) { c.SessionTimeout = 0 }, true},
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }, true},
		{"no dsn", func(c *Config) { c.DBDSN = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %t", err, tt.wantErr)
			}
		})
	}
}

func TestRecordsYAMLRoundTrip(t *testing.T) {
	st := newStore(t)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	data := []byte(`records:
  - id: S1
    name: Ada
    score1: 90
    score2: 80
    score3: 70
  - id: S2
    name: Grace
    gender: f
    score1: 60
    score2: 60
    score3: 60
  - id: S3
    name: Broken
    score1: 500
`)
	res, err := ImportRecordsFromYAML(ctx, data, st)
	if err != nil {
		t.Fatalf("ImportRecordsFromYAML: %v", err)
	}
	if diff := cmp.Diff(ImportResult{Added: 2, Invalid: 1}, res); diff != "" {
		t.Fatalf("first import mismatch (-want +got):\n%s", diff)
	}

	path := filepath.Join(t.TempDir(), "records.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	res, err = LoadRecordsFromYAML(ctx, path, st)
	if err != nil {
		t.Fatalf("LoadRecordsFromYAML: %v", err)
	}
	if diff := cmp.Diff(ImportResult{Skipped: 2, Invalid: 1}, res); diff != "" {
		t.Fatalf("second import mismatch (-want +got):\n%s", diff)
	}

	out, err := ExportRecordsYAML(ctx, st)
	if err != nil {
		t.Fatalf("ExportRecordsYAML: %v", err)
	}
	other := newStore(t)
	t.Cleanup(func() { _ = other.Close() })
	res, err = ImportRecordsFromYAML(ctx, out, other)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if res.Added != 2 {
		t.Fatalf("re-import added %d, want 2\n%s", res.Added, out)
	}
	if strings.Contains(string(out), "created_at") {
		t.Fatalf("export leaks timestamps:\n%s", out)
	}
}

func TestExportAccountsYAMLOmitsCredentials(t *testing.T) {
	srv := newTestServer(t, nil)
	out, err := ExportAccountsYAML(context.Background(), srv.store)
	if err != nil {
		t.Fatalf("ExportAccountsYAML: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "username: admin") || !strings.Contains(s, "role: user") {
		t.Fatalf("export missing accounts:\n%s", s)
	}
	if strings.Contains(s, "salt") || strings.Contains(s, "hash") || strings.Contains(s, adminPass) {
		t.Fatalf("export leaks credentials:\n%s", s)
	}
}

func TestTLSListener(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) { cfg.TLS = true })
	if _, err := os.Stat(filepath.Join(srv.cfg.DataDir, "server.crt")); err != nil {
		t.Fatalf("certificate not generated: %v", err)
	}
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second}, "tcp", srv.Addr().String(),
		&tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13}) //nolint:gosec // self-signed test certificate
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	c := &testClient{t: t, conn: conn, r: protocol.NewReader(conn)}
	c.login("alice", userPass)
	c.expectStatus(c.do(model.ActionListRecords, nil), protocol.StatusOK)
}
