package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCookieName = "lg_client_id"

func newTestResolver() *Resolver {
	return NewResolver(testCookieName, false)
}

func resolve(t *testing.T, r *Resolver, req *http.Request, p *Principal) (Identity, *httptest.ResponseRecorder) {
	t.Helper()
	rec := httptest.NewRecorder()
	id := r.Resolve(rec, req, p)
	require.NotEmpty(t, id.IdentityKey)
	return id, rec
}

func setCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestResolveAuthenticatedUser(t *testing.T) {
	r := newTestResolver()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	id, rec := resolve(t, r, req, &Principal{UserID: 42, Nickname: "kim"})

	sum := sha256.Sum256([]byte("user:42"))
	assert.Equal(t, hex.EncodeToString(sum[:]), id.IdentityKey)
	assert.Equal(t, int64(42), id.UserID)
	assert.False(t, id.IsGuest)
	assert.ElementsMatch(t, []string{"client", "user"}, id.Roles)

	// Authenticated callers never get a guest cookie.
	assert.Nil(t, setCookie(rec, testCookieName))
}

func TestResolveAdminRole(t *testing.T) {
	r := newTestResolver()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	id, _ := resolve(t, r, req, &Principal{UserID: 1, Admin: true})

	assert.True(t, id.HasRole("admin"))
	assert.True(t, id.HasRole("user"))
	assert.False(t, id.HasRole("guest"))
}

func TestResolveSameUserYieldsSameKey(t *testing.T) {
	r := newTestResolver()

	a, _ := resolve(t, r, httptest.NewRequest(http.MethodGet, "/", nil), &Principal{UserID: 7})
	b, _ := resolve(t, r, httptest.NewRequest(http.MethodPost, "/other", nil), &Principal{UserID: 7})
	c, _ := resolve(t, r, httptest.NewRequest(http.MethodGet, "/", nil), &Principal{UserID: 8})

	assert.Equal(t, a.IdentityKey, b.IdentityKey)
	assert.NotEqual(t, a.IdentityKey, c.IdentityKey)
}

func TestResolveGuestMintsAndSetsCookie(t *testing.T) {
	r := newTestResolver()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	id, rec := resolve(t, r, req, nil)

	assert.True(t, id.IsGuest)
	assert.Zero(t, id.UserID)
	assert.ElementsMatch(t, []string{"client", "guest"}, id.Roles)

	_, err := uuid.Parse(id.IdentityKey)
	require.NoError(t, err)

	c := setCookie(rec, testCookieName)
	require.NotNil(t, c)
	assert.Equal(t, id.IdentityKey, c.Value)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
	assert.Positive(t, c.MaxAge)
}

func TestResolveGuestReusesCookieValue(t *testing.T) {
	r := newTestResolver()
	existing := uuid.NewString()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: testCookieName, Value: existing})

	id, rec := resolve(t, r, req, nil)

	assert.Equal(t, existing, id.IdentityKey)

	// Cookie is rewritten so the expiry slides forward.
	c := setCookie(rec, testCookieName)
	require.NotNil(t, c)
	assert.Equal(t, existing, c.Value)
}

func TestResolveGuestHonorsLegacyHeader(t *testing.T) {
	r := newTestResolver()
	legacy := uuid.NewString()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Client-Id", legacy)

	id, rec := resolve(t, r, req, nil)

	assert.Equal(t, legacy, id.IdentityKey)

	// The legacy id is migrated into the cookie.
	c := setCookie(rec, testCookieName)
	require.NotNil(t, c)
	assert.Equal(t, legacy, c.Value)
}

func TestResolveCookieWinsOverHeader(t *testing.T) {
	r := newTestResolver()
	fromCookie := uuid.NewString()
	fromHeader := uuid.NewString()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: testCookieName, Value: fromCookie})
	req.Header.Set("X-Client-Id", fromHeader)

	id, _ := resolve(t, r, req, nil)
	assert.Equal(t, fromCookie, id.IdentityKey)
}

func TestResolveDiscardsMalformedIdentifiers(t *testing.T) {
	r := newTestResolver()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: testCookieName, Value: "not-a-uuid"})
	req.Header.Set("X-Client-Id", "also }{ broken")

	id, rec := resolve(t, r, req, nil)

	// A fresh id is minted and neither bad value leaks through.
	_, err := uuid.Parse(id.IdentityKey)
	require.NoError(t, err)
	assert.NotEqual(t, "not-a-uuid", id.IdentityKey)

	c := setCookie(rec, testCookieName)
	require.NotNil(t, c)
	assert.Equal(t, id.IdentityKey, c.Value)
}

func TestResolveSecureFlagFollowsConfig(t *testing.T) {
	r := NewResolver(testCookieName, true)
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, rec := resolve(t, r, req, nil)

	c := setCookie(rec, testCookieName)
	require.NotNil(t, c)
	assert.True(t, c.Secure)
}

func TestClientKeyPrefersIdentityOverAddress(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:51234"

	assert.Equal(t, "abc", ClientKey(req, Identity{IdentityKey: "abc"}))
	assert.Equal(t, "203.0.113.9", ClientKey(req, Identity{}))

	req.RemoteAddr = "bare-host"
	assert.Equal(t, "bare-host", ClientKey(req, Identity{}))
}
