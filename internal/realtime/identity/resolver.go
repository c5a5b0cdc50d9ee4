// Package identity derives a stable client identity for every request,
// whether or not the caller is authenticated.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// legacyClientIDHeader carries client identifiers minted before the cookie
// scheme existed. Still honored on read, never written.
const legacyClientIDHeader = "X-Client-Id"

const cookieMaxAge = 365 * 24 * time.Hour

// ContextKey is where HTTP middleware stashes the authenticated *Principal
// for downstream handlers.
const ContextKey = "auth.principal"

// IdentityContextKey is where identity middleware stashes the resolved
// Identity for downstream handlers.
const IdentityContextKey = "auth.identity"

// Principal is an authenticated caller, as established by the auth
// middleware. A nil Principal means the request is anonymous.
type Principal struct {
	UserID   int64
	Nickname string
	Admin    bool
}

// Identity is the resolved identity of one request.
type Identity struct {
	// IdentityKey is stable across requests from the same caller: derived
	// from the user id when authenticated, from the client id otherwise.
	IdentityKey string
	// UserID is zero for guests.
	UserID  int64
	IsGuest bool
	Roles   []string
}

// HasRole reports whether the identity carries the given role.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Resolver assigns identities and maintains the guest client-id cookie.
type Resolver struct {
	cookieName   string
	cookieSecure bool

	now     func() time.Time
	newUUID func() string
}

// NewResolver creates a Resolver writing guest cookies under cookieName.
func NewResolver(cookieName string, cookieSecure bool) *Resolver {
	return &Resolver{
		cookieName:   cookieName,
		cookieSecure: cookieSecure,
		now:          time.Now,
		newUUID:      uuid.NewString,
	}
}

// Resolve determines the identity of the request. Authenticated callers get
// a key derived from their user id. Guests are keyed by a client id taken
// from the cookie, then the legacy header, then freshly minted; in every
// guest case the cookie is (re)written so the id survives future visits.
// Malformed cookies and headers are ignored, never an error.
//
// Postcondition: the returned IdentityKey is non-empty.
func (r *Resolver) Resolve(w http.ResponseWriter, req *http.Request, p *Principal) Identity {
	if p != nil {
		return Identity{
			IdentityKey: userKey(p.UserID),
			UserID:      p.UserID,
			IsGuest:     false,
			Roles:       rolesFor(p),
		}
	}

	clientID := r.clientID(req)
	if clientID == "" {
		clientID = r.newUUID()
	}
	r.writeCookie(w, clientID)

	return Identity{
		IdentityKey: clientID,
		IsGuest:     true,
		Roles:       []string{"client", "guest"},
	}
}

// ClientKey picks the rate-limit key for a request: user identity when
// authenticated, resolved client id otherwise, remote address as the floor.
func ClientKey(req *http.Request, id Identity) string {
	if id.IdentityKey != "" {
		return id.IdentityKey
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func userKey(userID int64) string {
	sum := sha256.Sum256([]byte("user:" + strconv.FormatInt(userID, 10)))
	return hex.EncodeToString(sum[:])
}

func rolesFor(p *Principal) []string {
	roles := []string{"client", "user"}
	if p.Admin {
		roles = append(roles, "admin")
	}
	return roles
}

// clientID extracts an existing guest client id, preferring the cookie over
// the legacy header. Values that do not parse as UUIDs are discarded.
func (r *Resolver) clientID(req *http.Request) string {
	if c, err := req.Cookie(r.cookieName); err == nil {
		if _, parseErr := uuid.Parse(c.Value); parseErr == nil {
			return c.Value
		}
	}
	if h := req.Header.Get(legacyClientIDHeader); h != "" {
		if _, err := uuid.Parse(h); err == nil {
			return h
		}
	}
	return ""
}

// writeCookie refreshes the guest cookie so its expiry slides forward on
// every visit.
func (r *Resolver) writeCookie(w http.ResponseWriter, clientID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     r.cookieName,
		Value:    clientID,
		Path:     "/",
		Expires:  r.now().Add(cookieMaxAge),
		MaxAge:   int(cookieMaxAge / time.Second),
		HttpOnly: true,
		Secure:   r.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
