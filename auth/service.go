// Package auth implements the credential store business rules: signup,
// login, logout, and the per-user login session that revokes tokens.
package auth

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zerogate/zerogate/users"
)

// ErrInvalidCredentials is returned for a bad username or password. Both
// cases collapse into one error so the login page cannot be used to probe
// which usernames exist.
var ErrInvalidCredentials = errors.New("wrong username or password")

// LoggedUser describes a successful login. LoginSession is the freshly
// generated session identifier embedded into issued tokens.
type LoggedUser struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	LoginSession string `json:"login_session"`
}

// Service owns the signup/login/logout primitives.
type Service struct {
	users      users.UserRepo
	nowTime    func() time.Time
	newSession func() string
}

// Option modifies the Service instance.
type Option func(*Service)

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(s *Service) {
		s.nowTime = nowFunc
	}
}

// WithSessionGenerator sets the login session generator (for testing).
func WithSessionGenerator(gen func() string) Option {
	return func(s *Service) {
		s.newSession = gen
	}
}

// New creates a Service backed by the given user repository.
func New(userRepo users.UserRepo, options ...Option) (*Service, error) {
	if userRepo == nil {
		return nil, errors.New("[auth.New] user repo is required")
	}

	s := &Service{
		users:      userRepo,
		nowTime:    time.Now,
		newSession: func() string { return uuid.New().String() },
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// NewUser is the signup submission.
type NewUser struct {
	Username  string
	Email     string
	Password  string
	Admin     bool
	Providers []string
	Services  []string
}

// Signup creates an account. The first account created is always an
// admin regardless of the submitted flag, which is what makes the
// first-run setup flow self-sufficient.
func (s *Service) Signup(submission NewUser) (*users.User, error) {
	if submission.Username == "" || submission.Email == "" {
		return nil, errors.New("username and email are required")
	}
	if err := users.ValidatePasswordStrength(submission.Password); err != nil {
		return nil, err
	}
	if existing, err := s.users.GetByUsername(submission.Username); err == nil && existing != nil {
		return nil, errors.Errorf("username %q is already taken", submission.Username)
	}

	hash, err := users.HashPassword(submission.Password)
	if err != nil {
		return nil, errors.Wrap(err, "hashing password")
	}

	count, err := s.users.Count()
	if err != nil {
		return nil, errors.Wrap(err, "counting users")
	}

	providers := submission.Providers
	if len(providers) == 0 {
		providers = []string{"basic"}
	}

	user := &users.User{
		Admin:        submission.Admin || count == 0,
		Username:     submission.Username,
		Email:        submission.Email,
		PasswordHash: hash,
		Providers:    providers,
		Services:     submission.Services,
		DateJoined:   s.nowTime(),
	}
	if err := s.users.Upsert(user); err != nil {
		return nil, errors.Wrap(err, "storing user")
	}
	return user, nil
}

// Login verifies the password and rotates the account's login session.
// Rotating the value implicitly invalidates every token issued against
// the previous one.
func (s *Service) Login(username, password string) (*LoggedUser, error) {
	user, err := s.users.GetByUsername(username)
	if err != nil {
		// Fall back to email lookup so the login form accepts either.
		user, err = s.users.GetByEmail(username)
	}
	if err != nil || user == nil {
		return nil, ErrInvalidCredentials
	}

	if !users.CheckPasswordHash(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	session := s.newSession()
	if err := s.users.SetLoginSession(user.Username, session); err != nil {
		return nil, errors.Wrap(err, "storing login session")
	}
	if err := s.users.RecordLogin(user.ID); err != nil {
		return nil, errors.Wrap(err, "recording login")
	}

	return &LoggedUser{
		ID:           user.ID,
		Username:     user.Username,
		LoginSession: session,
	}, nil
}

// Logout clears the account's login session, invalidating every
// outstanding token for it.
func (s *Service) Logout(username string) error {
	if err := s.users.SetLoginSession(username, ""); err != nil {
		return errors.Wrapf(err, "clearing login session for %q", username)
	}
	return nil
}

// HasUsers reports whether any account exists. The access chain redirects
// to the setup flow while this is false.
func (s *Service) HasUsers() (bool, error) {
	count, err := s.users.Count()
	if err != nil {
		return false, errors.Wrap(err, "counting users")
	}
	return count > 0, nil
}

// CurrentSessionID returns the account's current login session value.
// An empty string means no session is valid (logged out or never logged
// in).
func (s *Service) CurrentSessionID(username string) (string, error) {
	user, err := s.users.GetByUsername(username)
	if err != nil {
		return "", errors.Wrapf(err, "looking up %q", username)
	}
	return user.LoginSession, nil
}

// User returns the stored account for a username.
func (s *Service) User(username string) (*users.User, error) {
	return s.users.GetByUsername(username)
}
