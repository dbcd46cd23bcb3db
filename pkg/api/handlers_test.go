package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aegisgate/core/pkg/audit"
	"github.com/aegisgate/core/pkg/auth"
	"github.com/aegisgate/core/pkg/conversation"
	"github.com/aegisgate/core/pkg/database"
	"github.com/aegisgate/core/pkg/rules"
	"github.com/aegisgate/core/pkg/scan"
	"github.com/aegisgate/core/pkg/tenants"
)

type scriptedScanner struct {
	blockOn string
}

func (s *scriptedScanner) Scan(_ context.Context, text string, _ *string) (scan.Result, error) {
	if s.blockOn != "" && text == s.blockOn {
		m := rules.Match{RuleID: "r1", StableKey: "block-secret", Action: rules.ActionBlock, Priority: 100}
		return scan.Result{FinalAction: rules.ActionBlock, Matches: []rules.Match{m}, Chosen: &m, RiskScore: 0.98}, nil
	}
	return scan.Result{FinalAction: rules.ActionAllow}, nil
}

type testServer struct {
	srv       *httptest.Server
	validator *auth.Validator
	store     *conversation.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := conversation.NewStore(db, database.DialectSQLite)
	require.NoError(t, err)
	trail, err := audit.NewTrail(db, database.DialectSQLite)
	require.NoError(t, err)

	appender := conversation.NewAppender(store, &scriptedScanner{blockOn: "leak the keys"},
		tenants.StaticChecker{"acme": {"alice"}}, trail, conversation.AppendConfig{}, nil)

	validator, err := auth.NewValidator([]byte("test-secret"), "aegisgate")
	require.NoError(t, err)

	handler := Chain(NewHandler(appender).Routes(),
		RequestID,
		Authenticate(validator, nil),
	)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, validator: validator, store: store}
}

func (ts *testServer) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := ts.validator.Sign(auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   user,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any, headers map[string]string) (*http.Response, Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t)
	resp, env := ts.do(t, http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.OK)
}

func TestMissingCredentialsRejected(t *testing.T) {
	ts := newTestServer(t)
	resp, env := ts.do(t, http.MethodPost, "/api/conversations", "", map[string]any{}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "UNAUTHORIZED", string(env.Error.Code))
	assert.NotEmpty(t, env.Meta.RequestID)
}

func TestConversationLifecycle(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "alice")

	resp, env := ts.do(t, http.MethodPost, "/api/conversations", token,
		map[string]any{"title": "notes"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, env.OK)

	var c conversation.Conversation
	raw, _ := json.Marshal(env.Data)
	require.NoError(t, json.Unmarshal(raw, &c))
	require.NotEmpty(t, c.ID)

	resp, env = ts.do(t, http.MethodPost, "/api/conversations/"+c.ID+"/messages", token,
		map[string]any{"content": "hello"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, env.OK)

	resp, env = ts.do(t, http.MethodGet, "/api/conversations/"+c.ID+"/messages", token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	msgs, ok := data["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 1)
}

func TestBlockedMessageReturnsPolicyBlock(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "alice")

	_, env := ts.do(t, http.MethodPost, "/api/conversations", token, map[string]any{}, nil)
	raw, _ := json.Marshal(env.Data)
	var c conversation.Conversation
	require.NoError(t, json.Unmarshal(raw, &c))

	resp, env := ts.do(t, http.MethodPost, "/api/conversations/"+c.ID+"/messages", token,
		map[string]any{"content": "leak the keys"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "POLICY_BLOCK", string(env.Error.Code))

	// The blocked message is committed; only its content is withheld.
	msgs, err := ts.store.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Content)
}

func TestForeignConversationReads404(t *testing.T) {
	ts := newTestServer(t)
	_, env := ts.do(t, http.MethodPost, "/api/conversations", ts.token(t, "alice"), map[string]any{}, nil)
	raw, _ := json.Marshal(env.Data)
	var c conversation.Conversation
	require.NoError(t, json.Unmarshal(raw, &c))

	resp, env := ts.do(t, http.MethodGet, "/api/conversations/"+c.ID+"/messages",
		ts.token(t, "mallory"), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "NOT_FOUND", string(env.Error.Code))
}

func TestMalformedBodyIsValidationError(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "alice")

	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/conversations",
		bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestRequestIDEchoedFromClient(t *testing.T) {
	ts := newTestServer(t)
	resp, env := ts.do(t, http.MethodGet, "/health", "", nil,
		map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "req-42", env.Meta.RequestID)
}

func TestRateLimiterReturns429(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteOK(w, r, http.StatusOK, nil)
	}), RequestID, rl.Middleware)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	var last int
	for i := 0; i < 5; i++ {
		resp, err := srv.Client().Get(srv.URL + "/")
		require.NoError(t, err)
		_ = resp.Body.Close()
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestIdempotencyRejectsDuplicateInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		WriteOK(w, r, http.StatusCreated, map[string]string{"id": "m1"})
	}), RequestID, Idempotency(NewIdempotencyStore(time.Minute)))
	srv := httptest.NewServer(handler)
	defer srv.Close()

	post := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/", bytes.NewBufferString(`{}`))
		require.NoError(t, err)
		req.Header.Set("Idempotency-Key", "dup")
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		return resp
	}

	firstDone := make(chan *http.Response, 1)
	go func() { firstDone <- post() }()
	<-entered

	// The duplicate must not execute the handler a second time.
	dup := post()
	defer func() { _ = dup.Body.Close() }()
	assert.Equal(t, http.StatusConflict, dup.StatusCode)
	var env Envelope
	require.NoError(t, json.NewDecoder(dup.Body).Decode(&env))
	require.NotNil(t, env.Error)
	assert.Equal(t, "CONFLICT", string(env.Error.Code))

	close(release)
	first := <-firstDone
	defer func() { _ = first.Body.Close() }()
	assert.Equal(t, http.StatusCreated, first.StatusCode)

	// Once the first request finishes, the same key replays its response.
	retry := post()
	defer func() { _ = retry.Body.Close() }()
	assert.Equal(t, http.StatusCreated, retry.StatusCode)
	assert.Equal(t, "true", retry.Header.Get("X-Idempotent-Replay"))
}

func TestIdempotentAppendDoesNotConsumeSequence(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := conversation.NewStore(db, database.DialectSQLite)
	require.NoError(t, err)
	trail, err := audit.NewTrail(db, database.DialectSQLite)
	require.NoError(t, err)
	appender := conversation.NewAppender(store, &scriptedScanner{}, tenants.StaticChecker{},
		trail, conversation.AppendConfig{}, nil)

	validator, err := auth.NewValidator([]byte("test-secret"), "aegisgate")
	require.NoError(t, err)
	handler := Chain(NewHandler(appender).Routes(),
		RequestID,
		Authenticate(validator, nil),
		Idempotency(NewIdempotencyStore(time.Minute)),
	)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	token, err := validator.Sign(auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	require.NoError(t, err)

	c, err := appender.CreatePersonal(context.Background(), "alice", "", "", nil)
	require.NoError(t, err)

	post := func() (*http.Response, Envelope) {
		body := bytes.NewBufferString(`{"content":"hi"}`)
		req, err := http.NewRequest(http.MethodPost,
			fmt.Sprintf("%s/api/conversations/%s/messages", srv.URL, c.ID), body)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", "once-please")
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		var env Envelope
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
		return resp, env
	}

	first, _ := post()
	require.Equal(t, http.StatusCreated, first.StatusCode)
	second, _ := post()
	require.Equal(t, http.StatusCreated, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("X-Idempotent-Replay"))

	msgs, err := store.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "retry must not append a second row")
}
