// Package token issues and validates the proxy's session tokens.
//
// A token embeds the account's login session identifier at issue time.
// Validation is two-phase: Decode checks signature and expiry, Verify
// re-reads the account's current identifier and requires exact equality.
// The second phase is what makes logout and re-login revoke every
// previously issued token without a revocation list.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ErrInvalidSession is returned by Verify when the token's embedded
// session no longer matches the account's current one.
var ErrInvalidSession = errors.New("login session is no longer valid")

// Claims is the wire shape of a session token.
type Claims struct {
	Iat          int64  `json:"iat"`
	Exp          int64  `json:"exp"`
	User         string `json:"user"`
	LoginSession string `json:"login_session"`
}

var _ jwt.Claims = (*Claims)(nil)

func (c *Claims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.Exp, 0)), nil
}

func (c *Claims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.Iat, 0)), nil
}

func (*Claims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (*Claims) GetIssuer() (string, error)              { return "", nil }
func (c *Claims) GetSubject() (string, error)           { return c.User, nil }
func (*Claims) GetAudience() (jwt.ClaimStrings, error)  { return nil, nil }

// SessionStore is the narrow read surface Verify needs: the account's
// current login session value. Implemented by auth.Service; swappable
// for tests.
type SessionStore interface {
	CurrentSessionID(username string) (string, error)
}

// Manager issues and validates session tokens.
type Manager struct {
	signer  Signer
	maxAge  time.Duration
	nowTime func() time.Time
}

// Option modifies the Manager instance.
type Option func(*Manager)

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

// New creates a Manager. maxAge bounds token lifetime.
func New(signer Signer, maxAge time.Duration, options ...Option) *Manager {
	m := &Manager{
		signer:  signer,
		maxAge:  maxAge,
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Issue creates a signed token for a freshly logged-in user.
func (m *Manager) Issue(username, loginSession string) (string, error) {
	now := m.nowTime()
	claims := &Claims{
		Iat:          now.Unix(),
		Exp:          now.Add(m.maxAge).Unix(),
		User:         username,
		LoginSession: loginSession,
	}
	return m.signer.Sign(claims)
}

// Decode verifies the signature and time-based claims. It does not by
// itself confirm the embedded session is still current.
func (m *Manager) Decode(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, m.signer.GetVerificationKey,
		jwt.WithTimeFunc(m.nowTime))
	if err != nil {
		return nil, errors.Wrap(err, "decoding token")
	}
	return claims, nil
}

// Verify re-reads the account's current login session and requires exact
// equality with the token's embedded value. An empty stored value (the
// account is logged out) always fails.
func (m *Manager) Verify(claims *Claims, store SessionStore) (string, error) {
	current, err := store.CurrentSessionID(claims.User)
	if err != nil {
		return "", errors.Wrapf(err, "reading session for %q", claims.User)
	}
	if current == "" || current != claims.LoginSession {
		return "", ErrInvalidSession
	}
	return claims.User, nil
}
