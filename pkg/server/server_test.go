package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/harrisonrobin/taskboard/pkg/model"
	"github.com/harrisonrobin/taskboard/pkg/syncer"
)

const (
	testSecret = "session-secret"
	testIssuer = "taskboard"
)

type fakeAuthorizer struct{}

func (fakeAuthorizer) AuthURL(userID string) (string, error) {
	return "https://accounts.example.com/auth?state=" + userID, nil
}

type fakeConnections struct {
	connected    map[string]bool
	connectErr   error
	disconnected []string
}

func (f *fakeConnections) Connect(_ context.Context, state, _ string) (string, error) {
	if f.connectErr != nil {
		return "", f.connectErr
	}
	f.connected[state] = true
	return state, nil
}

func (f *fakeConnections) Disconnect(_ context.Context, userID string) error {
	delete(f.connected, userID)
	f.disconnected = append(f.disconnected, userID)
	return nil
}

func (f *fakeConnections) Connected(_ context.Context, userID string) (bool, error) {
	return f.connected[userID], nil
}

type fakeSyncer struct {
	err      error
	calls    []string
	lastKind model.Kind
}

func (f *fakeSyncer) result(action, userID string, kind model.Kind, id string) (syncer.Result, error) {
	f.calls = append(f.calls, action+":"+userID+":"+id)
	f.lastKind = kind
	if f.err != nil {
		return syncer.Result{Action: action, Reason: model.Reason(f.err), Error: f.err.Error()}, f.err
	}
	return syncer.Result{Action: action, ExternalEventID: "evt-" + id}, nil
}

func (f *fakeSyncer) Sync(_ context.Context, userID string, kind model.Kind, id string) (syncer.Result, error) {
	return f.result(model.ActionCreate, userID, kind, id)
}

func (f *fakeSyncer) Unsync(_ context.Context, userID string, kind model.Kind, id string) (syncer.Result, error) {
	return f.result(model.ActionDelete, userID, kind, id)
}

func (f *fakeSyncer) UpdateTask(_ context.Context, userID string, kind model.Kind, id string, fields model.TaskFields) (*model.Task, syncer.Result, error) {
	if id == "missing" {
		return nil, syncer.Result{}, model.ErrTaskNotFound
	}
	task := &model.Task{ID: id, Kind: kind, UserID: userID, Title: *fields.Title, ExternalEventID: "evt-" + id}
	res := syncer.Result{Action: model.ActionUpdate, ExternalEventID: task.ExternalEventID}
	if f.err != nil {
		res.Reason, res.Error = model.Reason(f.err), f.err.Error()
	}
	return task, res, nil
}

type fakeReconciler struct {
	window        model.Window
	notifications []string
	notifyErr     error
	listErr       error
	forgot        []string
	gotWindow     model.Window
}

func (f *fakeReconciler) DefaultWindow() model.Window {
	return f.window
}

func (f *fakeReconciler) ListUpcoming(_ context.Context, _ string, w model.Window) ([]model.DisplayRecord, error) {
	f.gotWindow = w
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []model.DisplayRecord{{EventID: "e1", Title: "Dentist", Foreign: true}}, nil
}

func (f *fakeReconciler) OnExternalChangeNotification(_ context.Context, channelID, state string) error {
	f.notifications = append(f.notifications, channelID+":"+state)
	return f.notifyErr
}

func (f *fakeReconciler) Watch(_ context.Context, userID string) (*model.WatchChannel, error) {
	return &model.WatchChannel{ChannelID: "chan-" + userID, UserID: userID}, nil
}

func (f *fakeReconciler) ForgetChannels(_ context.Context, userID string) error {
	f.forgot = append(f.forgot, userID)
	return nil
}

type fakeSyncLog struct {
	limit int
}

func (f *fakeSyncLog) ListSyncLog(_ context.Context, userID string, limit int) ([]model.SyncLogEntry, error) {
	f.limit = limit
	return []model.SyncLogEntry{{ID: "l1", UserID: userID, Action: model.ActionCreate, Status: model.LogSuccess}}, nil
}

type testEnv struct {
	srv   *Server
	conns *fakeConnections
	sync  *fakeSyncer
	rec   *fakeReconciler
	logs  *fakeSyncLog
}

func newTestEnv() *testEnv {
	from := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	env := &testEnv{
		conns: &fakeConnections{connected: map[string]bool{}},
		sync:  &fakeSyncer{},
		rec:   &fakeReconciler{window: model.Window{From: from, To: from.AddDate(0, 0, 30)}},
		logs:  &fakeSyncLog{},
	}
	env.srv = New(Config{
		AppName:     "taskboard",
		FrontendURL: "http://localhost:5173",
		JWT:         JWTConfig{Secret: testSecret, Issuer: testIssuer},
	}, Services{
		Authorizer:  fakeAuthorizer{},
		Connections: env.conns,
		Syncer:      env.sync,
		Reconciler:  env.rec,
		SyncLog:     env.logs,
	}, nil)
	return env
}

func sessionToken(t *testing.T, userID string, secret string, expires time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(expires),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (env *testEnv) do(t *testing.T, method, target, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := env.srv.App().Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp, out
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv()
	resp, body := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("Expected healthy, got %d %v", resp.StatusCode, body)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	env := newTestEnv()
	cases := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"wrong key", sessionToken(t, "u1", "other-secret", time.Now().Add(time.Hour))},
		{"expired", sessionToken(t, "u1", testSecret, time.Now().Add(-time.Hour))},
		{"garbage", "not-a-jwt"},
	}
	for _, tc := range cases {
		resp, body := env.do(t, http.MethodPost, "/api/v1/tasks/t1/sync", tc.token, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", tc.name, resp.StatusCode)
		}
		if body["reason"] != model.ReasonUnauthenticated {
			t.Errorf("%s: expected reason unauthenticated, got %v", tc.name, body["reason"])
		}
	}
	if len(env.sync.calls) != 0 {
		t.Errorf("Expected no sync calls for rejected requests, got %v", env.sync.calls)
	}
}

func TestSyncRoutes(t *testing.T) {
	env := newTestEnv()
	token := sessionToken(t, "u1", testSecret, time.Now().Add(time.Hour))

	resp, body := env.do(t, http.MethodPost, "/api/v1/subtasks/s1/sync", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d %v", resp.StatusCode, body)
	}
	if body["external_event_id"] != "evt-s1" || env.sync.lastKind != model.KindSubtask {
		t.Errorf("Unexpected sync response %v (kind %s)", body, env.sync.lastKind)
	}

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/tasks/t1/sync", token, "")
	if resp.StatusCode != http.StatusOK || env.sync.lastKind != model.KindTask {
		t.Errorf("Expected unsync to succeed, got %d", resp.StatusCode)
	}
	if want := []string{"create:u1:s1", "delete:u1:t1"}; strings.Join(env.sync.calls, ",") != strings.Join(want, ",") {
		t.Errorf("Expected calls %v, got %v", want, env.sync.calls)
	}

	resp, body = env.do(t, http.MethodPost, "/api/v1/projects/p1/sync", token, "")
	if resp.StatusCode != http.StatusNotFound || body["reason"] != model.ReasonNotFound {
		t.Errorf("Expected 404 for an unknown collection, got %d %v", resp.StatusCode, body)
	}
}

func TestSyncFailureStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		reason string
	}{
		{fmt.Errorf("%w: no credential", model.ErrNotConnected), http.StatusForbidden, model.ReasonNeedsAuthorization},
		{fmt.Errorf("create event: %w", model.ErrExternalTransient), http.StatusBadGateway, model.ReasonRetryLater},
		{fmt.Errorf("version 1: %w", model.ErrExternalConflict), http.StatusConflict, model.ReasonConflict},
		{fmt.Errorf("%w: due_date", model.ErrMalformedMapping), http.StatusUnprocessableEntity, model.ReasonInvalidTask},
		{model.ErrTaskNotFound, http.StatusNotFound, model.ReasonNotFound},
		{errors.New("disk full"), http.StatusInternalServerError, model.ReasonInternal},
	}
	for _, tc := range cases {
		env := newTestEnv()
		env.sync.err = tc.err
		token := sessionToken(t, "u1", testSecret, time.Now().Add(time.Hour))

		resp, body := env.do(t, http.MethodPost, "/api/v1/tasks/t1/sync", token, "")
		if resp.StatusCode != tc.status {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.status, resp.StatusCode)
		}
		if body["reason"] != tc.reason {
			t.Errorf("%v: expected reason %s, got %v", tc.err, tc.reason, body["reason"])
		}
		if tc.reason == model.ReasonInternal && body["error"] != "internal error" {
			t.Errorf("Expected internal errors to be masked, got %v", body["error"])
		}
	}
}

func TestUpdateTaskReportsSyncSeparately(t *testing.T) {
	env := newTestEnv()
	env.sync.err = fmt.Errorf("patch event: %w", model.ErrExternalTransient)
	token := sessionToken(t, "u1", testSecret, time.Now().Add(time.Hour))

	resp, body := env.do(t, http.MethodPatch, "/api/v1/tasks/t1", token, `{"title":"Ship it"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected the edit to succeed, got %d %v", resp.StatusCode, body)
	}
	task, _ := body["task"].(map[string]any)
	if task["title"] != "Ship it" {
		t.Errorf("Expected updated title, got %v", task)
	}
	sync, _ := body["sync"].(map[string]any)
	if sync["reason"] != model.ReasonRetryLater {
		t.Errorf("Expected the sync failure reported, got %v", sync)
	}

	resp, _ = env.do(t, http.MethodPatch, "/api/v1/tasks/t1", token, `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for an empty edit, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPatch, "/api/v1/tasks/t1", token, `{"priority":9}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for an out of range priority, got %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPatch, "/api/v1/tasks/missing", token, `{"title":"x"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for a missing task, got %d", resp.StatusCode)
	}
}

func TestCalendarRoutes(t *testing.T) {
	env := newTestEnv()
	token := sessionToken(t, "u1", testSecret, time.Now().Add(time.Hour))

	_, body := env.do(t, http.MethodGet, "/api/v1/calendar/authorize", token, "")
	if !strings.HasSuffix(fmt.Sprint(body["url"]), "state=u1") {
		t.Errorf("Unexpected authorize url %v", body["url"])
	}

	_, body = env.do(t, http.MethodGet, "/api/v1/calendar/status", token, "")
	if body["connected"] != false {
		t.Errorf("Expected not connected, got %v", body)
	}

	resp, body := env.do(t, http.MethodPost, "/api/v1/calendar/watch", token, "")
	if resp.StatusCode != http.StatusCreated || body["channel_id"] != "chan-u1" {
		t.Errorf("Unexpected watch response %d %v", resp.StatusCode, body)
	}

	_, body = env.do(t, http.MethodGet, "/api/v1/calendar/logs?limit=5", token, "")
	if entries, _ := body["entries"].([]any); len(entries) != 1 || env.logs.limit != 5 {
		t.Errorf("Unexpected logs %v (limit %d)", body, env.logs.limit)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/v1/calendar/logs?limit=abc", token, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad limit, got %d", resp.StatusCode)
	}

	env.conns.connected["u1"] = true
	resp, _ = env.do(t, http.MethodDelete, "/api/v1/calendar/connection", token, "")
	if resp.StatusCode != http.StatusOK || env.conns.connected["u1"] {
		t.Errorf("Expected disconnect, got %d", resp.StatusCode)
	}
	if len(env.rec.forgot) != 1 {
		t.Errorf("Expected watch channels forgotten on disconnect")
	}
}

func TestEventsWindow(t *testing.T) {
	env := newTestEnv()
	token := sessionToken(t, "u1", testSecret, time.Now().Add(time.Hour))

	resp, body := env.do(t, http.MethodGet, "/api/v1/calendar/events", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d %v", resp.StatusCode, body)
	}
	if env.rec.gotWindow != env.rec.window {
		t.Errorf("Expected the default window, got %+v", env.rec.gotWindow)
	}
	if events, _ := body["events"].([]any); len(events) != 1 {
		t.Errorf("Expected one event, got %v", body["events"])
	}

	env.do(t, http.MethodGet, "/api/v1/calendar/events?from=2025-04-01&to=2025-04-08T00:00:00Z", token, "")
	want := model.Window{From: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2025, 4, 8, 0, 0, 0, 0, time.UTC)}
	if !env.rec.gotWindow.From.Equal(want.From) || !env.rec.gotWindow.To.Equal(want.To) {
		t.Errorf("Expected %+v, got %+v", want, env.rec.gotWindow)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/v1/calendar/events?from=2025-04-08&to=2025-04-01", token, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for an inverted window, got %d", resp.StatusCode)
	}

	env.rec.listErr = fmt.Errorf("%w: no credential", model.ErrNotConnected)
	resp, body = env.do(t, http.MethodGet, "/api/v1/calendar/events", token, "")
	if resp.StatusCode != http.StatusForbidden || body["reason"] != model.ReasonNeedsAuthorization {
		t.Errorf("Expected 403 needs_authorization, got %d %v", resp.StatusCode, body)
	}
}

func TestWebhookAlwaysAcknowledges(t *testing.T) {
	env := newTestEnv()
	env.rec.notifyErr = errors.New("queue unavailable")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/calendar", nil)
	req.Header.Set("X-Goog-Channel-ID", "c1")
	req.Header.Set("X-Goog-Resource-State", "exists")
	resp, err := env.srv.App().Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 even when enqueue fails, got %d", resp.StatusCode)
	}
	if len(env.rec.notifications) != 1 || env.rec.notifications[0] != "c1:exists" {
		t.Errorf("Unexpected notifications %v", env.rec.notifications)
	}

	resp, err = env.srv.App().Test(httptest.NewRequest(http.MethodPost, "/webhooks/calendar", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 without headers, got %d", resp.StatusCode)
	}
}

func TestCallbackRedirects(t *testing.T) {
	env := newTestEnv()

	resp, _ := env.do(t, http.MethodGet, "/calendar/callback?code=abc&state=u1", "", "")
	if loc := resp.Header.Get("Location"); loc != "http://localhost:5173/settings/calendar?connected=1" {
		t.Errorf("Unexpected redirect %d %q", resp.StatusCode, loc)
	}
	if !env.conns.connected["u1"] {
		t.Error("Expected the user connected")
	}

	env.conns.connectErr = fmt.Errorf("%w: bad state", model.ErrUnauthenticated)
	resp, _ = env.do(t, http.MethodGet, "/calendar/callback?code=abc&state=forged", "", "")
	if loc := resp.Header.Get("Location"); !strings.HasSuffix(loc, "?error=unauthenticated") {
		t.Errorf("Expected an error redirect, got %q", loc)
	}

	resp, _ = env.do(t, http.MethodGet, "/calendar/callback?error=access_denied", "", "")
	if loc := resp.Header.Get("Location"); !strings.HasSuffix(loc, "?error=access_denied") {
		t.Errorf("Expected the provider error forwarded, got %q", loc)
	}
}
