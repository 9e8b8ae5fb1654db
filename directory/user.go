package directory

import (
	"time"

	"github.com/pkg/errors"
)

var (
	ErrInvalidArgs   = errors.New("directory: missing or invalid arguments")
	ErrUserExists    = errors.New("directory: user already registered")
	ErrUserNotFound  = errors.New("directory: user does not exist")
	ErrWrongPassword = errors.New("directory: wrong password")
	ErrAlreadyOnline = errors.New("directory: session already started")
)

// Status is the presence of a user.
type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// User is one registered chat user. Password holds a bcrypt hash.
type User struct {
	Username string    `json:"username"`
	Password string    `json:"password,omitempty"`
	IP       string    `json:"ip"`
	Port     int       `json:"port"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// Public returns the user without its password hash.
func (u User) Public() User {
	u.Password = ""
	return u
}

// Peer is the reachable address of a chat client.
type Peer struct {
	Username string `json:"username"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
}

// Message is the answer to a successful mutating operation.
type Message struct {
	Message string `json:"message"`
}
