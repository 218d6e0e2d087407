package session

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSubject is returned for tokens that carry no user id.
var ErrNoSubject = errors.New("token has no subject")

// Identity is the signed-in user of the daemon. The zero value is signed
// out. It is safe for concurrent use.
type Identity struct {
	mu     sync.RWMutex
	userID string
	token  string
}

// NewIdentity creates an identity from a bearer token. An empty token
// yields a signed-out identity.
func NewIdentity(token string) (*Identity, error) {
	id := &Identity{}
	if token == "" {
		return id, nil
	}
	if err := id.SignIn(token); err != nil {
		return nil, err
	}
	return id, nil
}

// SignIn replaces the current token. The signature is not verified here;
// the remote store does that on every request.
func (i *Identity) SignIn(token string) error {
	userID, err := SubjectFromToken(token)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.userID, i.token = userID, token
	i.mu.Unlock()
	return nil
}

// SignOut clears the identity.
func (i *Identity) SignOut() {
	i.mu.Lock()
	i.userID, i.token = "", ""
	i.mu.Unlock()
}

// UserID returns the signed-in user id, or "" when signed out.
func (i *Identity) UserID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.userID
}

// Token returns the bearer token, or "" when signed out.
func (i *Identity) Token() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.token
}

// SubjectFromToken reads the user id from the sub claim, falling back to
// user_id. Numeric ids are formatted as decimal strings.
func SubjectFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	for _, key := range []string{"sub", "user_id"} {
		switch v := claims[key].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return strconv.FormatInt(int64(v), 10), nil
		}
	}
	return "", ErrNoSubject
}
