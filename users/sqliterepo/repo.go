// Package sqliterepo is the embedded SQLite implementation of the user
// store.
package sqliterepo

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // database/sql driver

	"github.com/zerogate/zerogate/users"
)

var _ users.UserRepo = (*Repo)(nil)

// ErrNotFound is returned when a user does not exist.
var ErrNotFound = errors.New("user not found")

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	admin         INTEGER NOT NULL DEFAULT 0,
	username      TEXT NOT NULL UNIQUE,
	email         TEXT NOT NULL UNIQUE,
	password      TEXT NOT NULL,
	providers     TEXT NOT NULL DEFAULT '',
	services      TEXT NOT NULL DEFAULT '',
	login_session TEXT NOT NULL DEFAULT '',
	date_joined   TIMESTAMP NOT NULL,
	last_login    TIMESTAMP
);
CREATE TABLE IF NOT EXISTS login_history (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id         TEXT NOT NULL REFERENCES users(id),
	login_timestamp TIMESTAMP NOT NULL
);
`

// Repo stores users in a single SQLite database file.
type Repo struct {
	db *sql.DB
}

// Open opens (and if necessary initialises) the database at path.
func Open(path string) (*Repo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening database %q", path)
	}
	// modernc sqlite serialises writes; a single connection avoids
	// SQLITE_BUSY under concurrent request load.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialising schema")
	}
	return &Repo{db: db}, nil
}

// Close closes the underlying database.
func (r *Repo) Close() error {
	return r.db.Close()
}

func (r *Repo) Upsert(user *users.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.DateJoined.IsZero() {
		user.DateJoined = time.Now()
	}
	_, err := r.db.Exec(`
		INSERT INTO users (id, admin, username, email, password, providers, services, login_session, date_joined, last_login)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			admin = excluded.admin,
			email = excluded.email,
			password = excluded.password,
			providers = excluded.providers,
			services = excluded.services`,
		user.ID, user.Admin, user.Username, user.Email, user.PasswordHash,
		joinList(user.Providers), joinList(user.Services), user.LoginSession,
		user.DateJoined, nullTime(user.LastLogin),
	)
	return errors.Wrapf(err, "upserting user %q", user.Username)
}

func (r *Repo) Delete(username string) error {
	res, err := r.db.Exec(`DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return errors.Wrapf(err, "deleting user %q", username)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) GetByUsername(username string) (*users.User, error) {
	return r.getBy(`username = ?`, username)
}

func (r *Repo) GetByEmail(email string) (*users.User, error) {
	return r.getBy(`email = ?`, email)
}

func (r *Repo) getBy(where string, arg any) (*users.User, error) {
	row := r.db.QueryRow(`
		SELECT id, admin, username, email, password, providers, services, login_session, date_joined, last_login
		FROM users WHERE `+where, arg)

	var (
		u         users.User
		providers string
		services  string
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Admin, &u.Username, &u.Email, &u.PasswordHash,
		&providers, &services, &u.LoginSession, &u.DateJoined, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scanning user")
	}
	u.Providers = splitList(providers)
	u.Services = splitList(services)
	if lastLogin.Valid {
		u.LastLogin = lastLogin.Time
	}
	return &u, nil
}

func (r *Repo) Count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "counting users")
	}
	return n, nil
}

func (r *Repo) SetLoginSession(username, session string) error {
	query := `UPDATE users SET login_session = ? WHERE username = ?`
	args := []any{session, username}
	if session != "" {
		query = `UPDATE users SET login_session = ?, last_login = ? WHERE username = ?`
		args = []any{session, time.Now(), username}
	}
	res, err := r.db.Exec(query, args...)
	if err != nil {
		return errors.Wrapf(err, "updating login session for %q", username)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) RecordLogin(userID string) error {
	_, err := r.db.Exec(`INSERT INTO login_history (user_id, login_timestamp) VALUES (?, ?)`,
		userID, time.Now())
	return errors.Wrapf(err, "recording login for %q", userID)
}

func joinList(items []string) string {
	return strings.Join(items, ",")
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
