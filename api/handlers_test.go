package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
	"taskboard/events"
	"taskboard/storage"
)

type testEnv struct {
	e     *echo.Echo
	store *storage.SQLStore
	hub   *events.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.OpenSQL(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	_, client := newTestRedis(t)

	hub := events.NewHub()
	accounts := domain.NewAuthService(store, store, time.Hour)
	logger, _ := test.NewNullLogger()

	e := echo.New()
	e.JSONSerializer = JSONSerializer{}
	e.Use(RequestMetrics(logger), GzipRequestMiddleware())
	Register(e, Deps{
		Tasks:     domain.NewTaskService(store, hub),
		Accounts:  accounts,
		Auth:      NewAuth(testSecret, accounts),
		Events:    hub,
		Deduper:   NewRedisDeduper(client, time.Minute),
		Health:    store,
		KeepAlive: time.Hour,
	}, logger)
	return &testEnv{e: e, store: store, hub: hub}
}

type request struct {
	method  string
	path    string
	body    string
	token   string
	headers map[string]string
	cookies []*http.Cookie
}

func (env *testEnv) do(r request) *httptest.ResponseRecorder {
	req := httptest.NewRequest(r.method, r.path, strings.NewReader(r.body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if r.token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+r.token)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	for _, c := range r.cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) signUp(t *testing.T, name, email string) string {
	t.Helper()
	rec := env.do(request{
		method: http.MethodPost,
		path:   "/api/auth/signup",
		body:   `{"name":"` + name + `","email":"` + email + `","password":"secret123"}`,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("sign up: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp sessionResponse
	decodeJSON(t, rec, &resp)
	if resp.Token == "" {
		t.Fatalf("sign up returned no token")
	}
	return resp.Token
}

func (env *testEnv) listTasks(t *testing.T, token string) []domain.Task {
	t.Helper()
	rec := env.do(request{method: http.MethodGet, path: "/api/tasks", token: token})
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var tasks []domain.Task
	decodeJSON(t, rec, &tasks)
	return tasks
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := sonic.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, message string) errorResponse {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	var resp errorResponse
	decodeJSON(t, rec, &resp)
	if message != "" && resp.Error != message {
		t.Fatalf("expected error %q, got %q", message, resp.Error)
	}
	return resp
}

func sessionCookieFrom(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName {
			return c
		}
	}
	return nil
}

func TestSignUpAndSignIn(t *testing.T) {
	env := newTestEnv(t)
	env.signUp(t, "Alice", "alice@example.com")

	rec := env.do(request{method: http.MethodPost, path: "/api/auth/signup", body: `{"name":"Al","email":"ALICE@example.com","password":"secret123"}`})
	expectError(t, rec, http.StatusConflict, "Email already exists")

	rec = env.do(request{method: http.MethodPost, path: "/api/auth/signup", body: `{"name":"","email":"nope","password":"1"}`})
	resp := expectError(t, rec, http.StatusBadRequest, "")
	if len(resp.Fields) != 3 {
		t.Fatalf("expected three field errors, got %#v", resp.Fields)
	}

	wrongPassword := env.do(request{method: http.MethodPost, path: "/api/auth/signin", body: `{"email":"alice@example.com","password":"wrong-pass"}`})
	expectError(t, wrongPassword, http.StatusUnauthorized, "Incorrect email or password")
	unknownEmail := env.do(request{method: http.MethodPost, path: "/api/auth/signin", body: `{"email":"bob@example.com","password":"secret123"}`})
	expectError(t, unknownEmail, http.StatusUnauthorized, "Incorrect email or password")

	rec = env.do(request{method: http.MethodPost, path: "/api/auth/signin", body: `{"email":"alice@example.com","password":"secret123"}`})
	if rec.Code != http.StatusOK {
		t.Fatalf("sign in: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var session sessionResponse
	decodeJSON(t, rec, &session)
	if session.Token == "" || session.ExpiresAt.Before(time.Now()) {
		t.Fatalf("unexpected session response: %#v", session)
	}
	cookie := sessionCookieFrom(rec)
	if cookie == nil || cookie.Value != session.Token || !cookie.HttpOnly {
		t.Fatalf("expected http only session cookie, got %#v", cookie)
	}
}

func TestTasksRequireAuthentication(t *testing.T) {
	env := newTestEnv(t)

	expectError(t, env.do(request{method: http.MethodGet, path: "/api/tasks"}), http.StatusUnauthorized, "Unauthenticated")
	expectError(t, env.do(request{method: http.MethodGet, path: "/api/tasks", token: "a.b.c"}), http.StatusUnauthorized, "Unauthenticated")
	expectError(t, env.do(request{method: http.MethodGet, path: "/api/tasks?token=a.b.c"}), http.StatusUnauthorized, "Unauthenticated")
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "Alice", "alice@example.com")

	if tasks := env.listTasks(t, token); len(tasks) != 0 {
		t.Fatalf("expected empty board, got %#v", tasks)
	}

	for _, body := range []string{
		`{"title":"low one","status":"To_Do","priority":"Low"}`,
		`{"title":"urgent one","status":"In_Progress","priority":"Urgent","description":"now"}`,
		`{"title":"medium one","status":"To_Do","priority":"Medium","deadline":"2030-01-02T00:00:00Z"}`,
	} {
		rec := env.do(request{method: http.MethodPost, path: "/api/tasks", body: body, token: token})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		var res domain.Result
		decodeJSON(t, rec, &res)
		if res.Message != domain.MsgTaskCreated {
			t.Fatalf("unexpected message %q", res.Message)
		}
	}

	tasks := env.listTasks(t, token)
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	got := []domain.Priority{tasks[0].Priority, tasks[1].Priority, tasks[2].Priority}
	want := []domain.Priority{domain.PriorityUrgent, domain.PriorityMedium, domain.PriorityLow}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected priority order %v, got %v", want, got)
		}
	}
	if tasks[1].Deadline == nil || tasks[1].Deadline.Year() != 2030 {
		t.Fatalf("deadline not stored: %#v", tasks[1].Deadline)
	}

	id := tasks[2].ID
	rec := env.do(request{method: http.MethodPut, path: "/api/tasks/" + id, token: token, body: `{"title":"renamed","status":"Under_Review","priority":"Urgent"}`})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(request{method: http.MethodPatch, path: "/api/tasks/" + id + "/status", token: token, body: `{"status":"Completed"}`})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	expectError(t, env.do(request{method: http.MethodPatch, path: "/api/tasks/" + id + "/status", token: token, body: `{"status":"Done"}`}), http.StatusBadRequest, "Invalid status.")

	rec = env.do(request{method: http.MethodGet, path: "/api/tasks/" + id, token: token})
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var task domain.Task
	decodeJSON(t, rec, &task)
	if task.Title != "renamed" || task.Status != domain.StatusCompleted || task.Priority != domain.PriorityUrgent {
		t.Fatalf("unexpected task after updates: %#v", task)
	}

	rec = env.do(request{method: http.MethodDelete, path: "/api/tasks/" + id, token: token})
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
	expectError(t, env.do(request{method: http.MethodGet, path: "/api/tasks/" + id, token: token}), http.StatusNotFound, "Task not found")
	expectError(t, env.do(request{method: http.MethodDelete, path: "/api/tasks/" + id, token: token}), http.StatusNotFound, "Task not found")
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "Alice", "alice@example.com")

	resp := expectError(t, env.do(request{method: http.MethodPost, path: "/api/tasks", token: token, body: `{"title":"x","status":"Later","priority":"High"}`}), http.StatusBadRequest, "")
	fields := map[string]bool{}
	for _, f := range resp.Fields {
		fields[f.Field] = true
	}
	if !fields["title"] || !fields["status"] || !fields["priority"] {
		t.Fatalf("expected title, status and priority errors, got %#v", resp.Fields)
	}

	expectError(t, env.do(request{method: http.MethodPost, path: "/api/tasks", token: token, body: `{"title":"ok title","status":"To_Do","priority":"Low","extra":1}`}), http.StatusBadRequest, "Invalid request body")
	expectError(t, env.do(request{method: http.MethodPost, path: "/api/tasks", token: token, body: `not json`}), http.StatusBadRequest, "Invalid request body")
}

func TestTasksAreScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signUp(t, "Alice", "alice@example.com")
	bob := env.signUp(t, "Bob", "bob@example.com")

	rec := env.do(request{method: http.MethodPost, path: "/api/tasks", token: alice, body: `{"title":"private","status":"To_Do","priority":"Low"}`})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", rec.Code)
	}
	id := env.listTasks(t, alice)[0].ID

	if tasks := env.listTasks(t, bob); len(tasks) != 0 {
		t.Fatalf("bob sees alice's tasks: %#v", tasks)
	}
	expectError(t, env.do(request{method: http.MethodGet, path: "/api/tasks/" + id, token: bob}), http.StatusNotFound, "Task not found")
	expectError(t, env.do(request{method: http.MethodPut, path: "/api/tasks/" + id, token: bob, body: `{"title":"mine now","status":"To_Do","priority":"Low"}`}), http.StatusNotFound, "Task not found")
	expectError(t, env.do(request{method: http.MethodPatch, path: "/api/tasks/" + id + "/status", token: bob, body: `{"status":"Completed"}`}), http.StatusNotFound, "Task not found")
	expectError(t, env.do(request{method: http.MethodDelete, path: "/api/tasks/" + id, token: bob}), http.StatusNotFound, "Task not found")

	if tasks := env.listTasks(t, alice); len(tasks) != 1 || tasks[0].Title != "private" {
		t.Fatalf("alice's task was modified: %#v", tasks)
	}
}

func TestLogOutRevokesToken(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "Alice", "alice@example.com")

	rec := env.do(request{method: http.MethodPost, path: "/api/auth/logout", token: token})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", rec.Code)
	}
	if c := sessionCookieFrom(rec); c == nil || c.Value != "" || c.MaxAge >= 0 {
		t.Fatalf("expected cleared cookie, got %#v", c)
	}
	expectError(t, env.do(request{method: http.MethodGet, path: "/api/tasks", token: token}), http.StatusUnauthorized, "Unauthenticated")

	rec = env.do(request{method: http.MethodPost, path: "/api/auth/logout", token: token})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("repeated logout: expected 204, got %d", rec.Code)
	}
}

func TestCookieSessionIsRefreshed(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "Alice", "alice@example.com")

	rec := env.do(request{method: http.MethodGet, path: "/api/tasks", cookies: []*http.Cookie{{Name: sessionCookieName, Value: token}}})
	if rec.Code != http.StatusOK {
		t.Fatalf("cookie auth: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if c := sessionCookieFrom(rec); c == nil || c.Value != token {
		t.Fatalf("expected refreshed session cookie, got %#v", c)
	}

	rec = env.do(request{method: http.MethodGet, path: "/api/tasks", token: token})
	if c := sessionCookieFrom(rec); c != nil {
		t.Fatalf("bearer requests must not set cookies, got %#v", c)
	}
}

func TestIdempotentCreate(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "Alice", "alice@example.com")
	headers := map[string]string{idempotencyHeader: "create-1"}

	rec := env.do(request{method: http.MethodPost, path: "/api/tasks", token: token, headers: headers, body: `{"title":"x","status":"To_Do","priority":"Low"}`})
	expectError(t, rec, http.StatusBadRequest, "")

	body := `{"title":"once","status":"To_Do","priority":"Low"}`
	rec = env.do(request{method: http.MethodPost, path: "/api/tasks", token: token, headers: headers, body: body})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected failed attempt to release the key, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(request{method: http.MethodPost, path: "/api/tasks", token: token, headers: headers, body: body})
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(replayedHeader) != "true" {
		t.Fatalf("expected replay header")
	}
	if tasks := env.listTasks(t, token); len(tasks) != 1 {
		t.Fatalf("expected exactly one task, got %d", len(tasks))
	}

	headers[idempotencyHeader] = strings.Repeat("k", maxIdempotencyKey+1)
	expectError(t, env.do(request{method: http.MethodPost, path: "/api/tasks", token: token, headers: headers, body: body}), http.StatusBadRequest, "")
}

func TestGzipRequestBody(t *testing.T) {
	env := newTestEnv(t)
	token := env.signUp(t, "Alice", "alice@example.com")

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(`{"title":"zipped","status":"To_Do","priority":"Medium"}`)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	rec := env.do(request{method: http.MethodPost, path: "/api/tasks", token: token, body: buf.String(), headers: map[string]string{echo.HeaderContentEncoding: "gzip"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("gzip create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if tasks := env.listTasks(t, token); len(tasks) != 1 || tasks[0].Title != "zipped" {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}

	rec = env.do(request{method: http.MethodPost, path: "/api/tasks", token: token, body: "plain", headers: map[string]string{echo.HeaderContentEncoding: "gzip"}})
	expectError(t, rec, http.StatusBadRequest, "Invalid request body")
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(request{method: http.MethodGet, path: "/healthz"}); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	_ = env.store.Close()
	if rec := env.do(request{method: http.MethodGet, path: "/healthz"}); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after store close, got %d", rec.Code)
	}
}
