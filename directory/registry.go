package directory

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gwDistSys20/identity-manager/filemanager"
)

// UsersFile is the registry snapshot inside the data directory.
const UsersFile = "users.json"

// Registry is the user directory every manager replicates. It is only
// changed by committed log entries; each change is written to users.json.
type Registry struct {
	mu     sync.RWMutex
	fm     *filemanager.FileManager
	logger *slog.Logger
	users  map[string]*User
}

// NewRegistry loads users.json from the data directory, if present.
func NewRegistry(fm *filemanager.FileManager, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		fm:     fm,
		logger: logger.With("component", "directory"),
		users:  make(map[string]*User),
	}
	data, ok, err := fm.ReadFile(UsersFile)
	if err != nil {
		return nil, err
	}
	if !ok {
		return r, nil
	}
	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, errors.Wrapf(filemanager.ErrCorrupt, "decode %s: %v", UsersFile, err)
	}
	for i := range users {
		u := users[i]
		r.users[u.Username] = &u
	}
	r.logger.Info("loaded users", "count", len(r.users))
	return r, nil
}

// Get returns a copy of the named user.
func (r *Registry) Get(username string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[username]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// All returns every user sorted by name.
func (r *Registry) All() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

// Online returns the addresses of online users that have one.
func (r *Registry) Online() []Peer {
	var peers []Peer
	for _, u := range r.All() {
		if u.Status == Online && u.IP != "" && u.Port != 0 {
			peers = append(peers, Peer{Username: u.Username, IP: u.IP, Port: u.Port})
		}
	}
	return peers
}

// Stale returns online users not seen since now-timeout.
func (r *Registry) Stale(now time.Time, timeout time.Duration) []User {
	var stale []User
	for _, u := range r.All() {
		if u.Status != Offline && !u.LastSeen.IsZero() && now.Sub(u.LastSeen) > timeout {
			stale = append(stale, u)
		}
	}
	return stale
}

// Reset drops every user.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fm.Remove(UsersFile); err != nil {
		return err
	}
	r.users = make(map[string]*User)
	r.logger.Warn("directory reset")
	return nil
}

// update runs fn on the named user and persists the result.
func (r *Registry) update(username string, fn func(u *User) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[username]
	if !ok {
		return ErrUserNotFound
	}
	changed := *u
	if err := fn(&changed); err != nil {
		return err
	}
	prev := *u
	*u = changed
	if err := r.persistLocked(); err != nil {
		*u = prev
		return err
	}
	return nil
}

func (r *Registry) add(u User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.Username]; ok {
		return ErrUserExists
	}
	r.users[u.Username] = &u
	if err := r.persistLocked(); err != nil {
		delete(r.users, u.Username)
		return err
	}
	return nil
}

func (r *Registry) sortedLocked() []User {
	users := make([]User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

func (r *Registry) persistLocked() error {
	data, err := json.MarshalIndent(r.sortedLocked(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode users")
	}
	return r.fm.WriteFile(UsersFile, data)
}
