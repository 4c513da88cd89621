package fakeuserrepo

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zerogate/zerogate/users"
)

var _ users.UserRepo = (*FakeUserRepo)(nil)

// FakeUserRepo is an in-memory UserRepo for tests.
type FakeUserRepo struct {
	users       map[string]*users.User // keyed by username
	emailIndex  map[string]string      // email -> username
	loginsByID  map[string]int
	lock        sync.RWMutex
}

func NewFakeUserRepo() *FakeUserRepo {
	return &FakeUserRepo{
		users:      make(map[string]*users.User),
		emailIndex: make(map[string]string),
		loginsByID: make(map[string]int),
	}
}

func (ur *FakeUserRepo) Upsert(user *users.User) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	clone := *user
	ur.users[user.Username] = &clone
	ur.emailIndex[user.Email] = user.Username
	return nil
}

func (ur *FakeUserRepo) Delete(username string) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	user, ok := ur.users[username]
	if !ok {
		return errors.New("not found")
	}
	delete(ur.emailIndex, user.Email)
	delete(ur.users, username)
	return nil
}

func (ur *FakeUserRepo) GetByUsername(username string) (*users.User, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	user, ok := ur.users[username]
	if !ok {
		return nil, errors.New("not found")
	}
	clone := *user
	return &clone, nil
}

func (ur *FakeUserRepo) GetByEmail(email string) (*users.User, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	username, ok := ur.emailIndex[email]
	if !ok {
		return nil, errors.New("not found")
	}
	clone := *ur.users[username]
	return &clone, nil
}

func (ur *FakeUserRepo) Count() (int, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()
	return len(ur.users), nil
}

func (ur *FakeUserRepo) SetLoginSession(username, session string) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	user, ok := ur.users[username]
	if !ok {
		return errors.New("not found")
	}
	user.LoginSession = session
	if session != "" {
		user.LastLogin = time.Now()
	}
	return nil
}

func (ur *FakeUserRepo) RecordLogin(userID string) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()
	ur.loginsByID[userID]++
	return nil
}

// Logins returns how many logins were recorded for a user id.
func (ur *FakeUserRepo) Logins(userID string) int {
	ur.lock.RLock()
	defer ur.lock.RUnlock()
	return ur.loginsByID[userID]
}
