package auth

import (
	"errors"
	"net/http"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/pscheid92/realtimeapi/internal/domain"
)

const (
	SessionName     = "realtime_session"
	sessionKeyUser  = "user_id"
	sessionKeyRoles = "roles"
)

// SessionAuthenticator reads the user from a signed cookie session shared
// with the web application that logs users in.
type SessionAuthenticator struct {
	store *sessions.CookieStore
}

func NewSessionAuthenticator(secret string, secure bool) *SessionAuthenticator {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   7 * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &SessionAuthenticator{store: store}
}

func (a *SessionAuthenticator) Authenticate(r *http.Request) (domain.Identity, error) {
	if _, err := r.Cookie(SessionName); err != nil {
		return domain.Anonymous(), nil
	}

	session, err := a.store.Get(r, SessionName)
	if err != nil {
		var cookieErr securecookie.Error
		if errors.As(err, &cookieErr) && cookieErr.IsDecode() {
			return domain.Anonymous(), unauthenticated("invalid session cookie", err)
		}
		return domain.Anonymous(), unauthenticated("session unavailable", err)
	}

	userID, _ := session.Values[sessionKeyUser].(string)
	if userID == "" {
		return domain.Anonymous(), nil
	}
	roles, _ := session.Values[sessionKeyRoles].([]string)
	return domain.Identity{UserID: userID, Roles: roles}, nil
}
