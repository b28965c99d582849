package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/agentworkforce/partsync/internal/session"
)

const (
	scopeInventoryRead  = "inventory:read"
	scopeInventoryWrite = "inventory:write"
	scopeSyncTrigger    = "sync:trigger"
	scopeAssistUse      = "assist:use"
)

// Verifier checks a bearer token; *session.Manager satisfies it.
type Verifier interface {
	Verify(token string) (session.Session, error)
}

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return ""
		}
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func authorizeBearer(r *http.Request, verifier Verifier, requiredScope string) (session.Session, *authError) {
	token := bearerToken(r)
	if token == "" {
		return session.Session{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	s, err := verifier.Verify(token)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrExpired):
			return session.Session{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "token expired"}
		case errors.Is(err, session.ErrForbidden):
			return session.Session{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "tenant mismatch"}
		default:
			return session.Session{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid bearer token"}
		}
	}
	if !s.HasScope(requiredScope) {
		return session.Session{}, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return s, nil
}
