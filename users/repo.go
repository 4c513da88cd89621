package users

// UserRepo is the narrow storage surface the proxy needs. LoginSession
// reads and writes are the only mutable hot path: every authenticated
// request reads it, while writes happen only at login and logout.
type UserRepo interface {
	Upsert(user *User) error
	Delete(username string) error
	GetByUsername(username string) (*User, error)
	GetByEmail(email string) (*User, error)
	Count() (int, error)
	SetLoginSession(username, session string) error
	RecordLogin(userID string) error
}
