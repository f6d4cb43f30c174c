// internal/auth/auth_test.go
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookshare/internal/apperr"
	"bookshare/internal/config"
	"bookshare/internal/users"
	"bookshare/internal/web"
)

type fakeCreds struct {
	byName map[string]*users.User
	pass   map[string]string
	limit  bool
}

func newFakeCreds() *fakeCreds {
	return &fakeCreds{
		byName: map[string]*users.User{"alice": {ID: 7, Username: "alice"}},
		pass:   map[string]string{"alice": "secret"},
	}
}

func (f *fakeCreds) Authenticate(_ context.Context, username, password string) (*users.User, error) {
	if u, ok := f.byName[username]; ok && f.pass[username] == password {
		return u, nil
	}
	if f.limit {
		return nil, apperr.RateLimited()
	}
	return nil, apperr.Unauthenticated("invalid credentials")
}

func (f *fakeCreds) Lookup(_ context.Context, id int64) (*users.User, error) {
	for _, u := range f.byName {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, apperr.NotFound("user", id)
}

func newTokens(t *testing.T) *Tokens {
	t.Helper()
	tokens, err := NewTokens(config.AuthConfig{TokenSecret: "test-secret", TokenTTL: time.Hour})
	require.NoError(t, err)
	return tokens
}

func protected(creds Credentials, tokens *Tokens) http.Handler {
	return Middleware(creds, tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := web.RequireActor(r)
		if err != nil {
			web.Error(w, r, err)
			return
		}
		web.JSON(w, http.StatusOK, actor)
	}))
}

func call(h http.Handler, setup func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	setup(req)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTokenRoundTrip(t *testing.T) {
	tokens := newTokens(t)
	raw, expires, err := tokens.Issue(7, "alice")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	actor, err := tokens.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(7), actor.ID)
	assert.Equal(t, "alice", actor.Username)
}

func TestTokenRejections(t *testing.T) {
	tokens := newTokens(t)
	raw, _, err := tokens.Issue(7, "alice")
	require.NoError(t, err)

	other, err := NewTokens(config.AuthConfig{TokenSecret: "another", TokenTTL: time.Hour})
	require.NoError(t, err)
	_, err = other.Verify(raw)
	assert.True(t, apperr.Is(err, apperr.KindUnauthenticated))

	_, err = tokens.Verify(raw + "x")
	assert.True(t, apperr.Is(err, apperr.KindUnauthenticated))

	tokens.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = tokens.Verify(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestRandomSecretWhenUnset(t *testing.T) {
	a, err := NewTokens(config.AuthConfig{})
	require.NoError(t, err)
	b, err := NewTokens(config.AuthConfig{})
	require.NoError(t, err)

	raw, _, err := a.Issue(1, "x")
	require.NoError(t, err)
	_, err = b.Verify(raw)
	assert.Error(t, err)
}

func TestMiddlewareBasic(t *testing.T) {
	h := protected(newFakeCreds(), newTokens(t))

	rec := call(h, func(r *http.Request) { r.SetBasicAuth("alice", "secret") })
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct{ ID int64 }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(7), body.ID)

	rec = call(h, func(r *http.Request) { r.SetBasicAuth("alice", "wrong") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = call(h, func(r *http.Request) { r.Header.Set("Authorization", "Basic !!!") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareBearer(t *testing.T) {
	creds := newFakeCreds()
	tokens := newTokens(t)
	h := protected(creds, tokens)

	raw, _, err := tokens.Issue(7, "alice")
	require.NoError(t, err)
	rec := call(h, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+raw) })
	assert.Equal(t, http.StatusOK, rec.Code)

	gone, _, err := tokens.Issue(99, "ghost")
	require.NoError(t, err)
	rec = call(h, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+gone) })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(h, func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareMissingOrUnknownScheme(t *testing.T) {
	h := protected(newFakeCreds(), newTokens(t))

	rec := call(h, func(*http.Request) {})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call(h, func(r *http.Request) { r.Header.Set("Authorization", "Digest abc") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRateLimited(t *testing.T) {
	creds := newFakeCreds()
	creds.limit = true
	h := protected(creds, newTokens(t))

	rec := call(h, func(r *http.Request) { r.SetBasicAuth("alice", "wrong") })
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
