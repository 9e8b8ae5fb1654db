package directory

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/gwDistSys20/identity-manager/dispatcher"
)

// argAt carries the leader's clock into the log so every replica records the
// same timestamps.
const argAt = "at"

// Register binds every directory operation to d.
func (r *Registry) Register(d *dispatcher.Dispatcher) error {
	handlers := map[dispatcher.Op]dispatcher.Handler{
		dispatcher.OpRegister:        {Prepare: r.prepareRegister, Apply: r.applyRegister},
		dispatcher.OpLogin:           {Prepare: r.prepareLogin, Apply: r.applyLogin},
		dispatcher.OpLogout:          {Apply: r.applyStatus(Offline)},
		dispatcher.OpNotifyOnline:    {Apply: r.applyStatus(Online)},
		dispatcher.OpUpdateStatus:    {Apply: r.applyUpdateStatus},
		dispatcher.OpHeartbeat:       {Prepare: stampNow, Apply: r.applyHeartbeat},
		dispatcher.OpUpdateIPAddress: {Apply: r.applyUpdateIPAddress},
		dispatcher.OpGetPeers:        {Query: r.queryPeers},
		dispatcher.OpListUsers:       {Query: r.queryUsernames},
		dispatcher.OpFindByUsername:  {Query: r.queryUser},
		dispatcher.OpIsUserActive:    {Query: r.queryActive},
	}
	for op, h := range handlers {
		if err := d.Register(op, h); err != nil {
			return err
		}
	}
	return nil
}

func stampNow(args dispatcher.Args) (dispatcher.Args, error) {
	args[argAt] = time.Now().UTC().Format(time.RFC3339Nano)
	return args, nil
}

func (r *Registry) prepareRegister(args dispatcher.Args) (dispatcher.Args, error) {
	username, password := stringArg(args, "username"), stringArg(args, "password")
	if username == "" || password == "" {
		return nil, errors.Wrap(ErrInvalidArgs, "username and password are required")
	}
	if _, ok := r.Get(username); ok {
		return nil, errors.Wrapf(ErrUserExists, "user %s", username)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	args["password"] = string(hash)
	return stampNow(args)
}

func (r *Registry) applyRegister(args dispatcher.Args) (interface{}, error) {
	username, hash := stringArg(args, "username"), stringArg(args, "password")
	if username == "" || hash == "" {
		return nil, errors.Wrap(ErrInvalidArgs, "username and password are required")
	}
	port, err := intArg(args, "port")
	if err != nil {
		return nil, err
	}
	at, err := timeArg(args)
	if err != nil {
		return nil, err
	}
	err = r.add(User{
		Username: username,
		Password: hash,
		IP:       stringArg(args, "ip"),
		Port:     port,
		Status:   Online,
		LastSeen: at,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "register %s", username)
	}
	r.logger.Info("user registered", "username", username)
	return Message{Message: fmt.Sprintf("user %s registered", username)}, nil
}

// prepareLogin checks the password on the leader; the entry carries no
// password at all.
func (r *Registry) prepareLogin(args dispatcher.Args) (dispatcher.Args, error) {
	username := stringArg(args, "username")
	if username == "" {
		return nil, errors.Wrap(ErrInvalidArgs, "username is required")
	}
	u, ok := r.Get(username)
	if !ok {
		return nil, errors.Wrapf(ErrUserNotFound, "user %s", username)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(stringArg(args, "password"))) != nil {
		return nil, errors.Wrapf(ErrWrongPassword, "user %s", username)
	}
	if u.Status == Online {
		return nil, errors.Wrapf(ErrAlreadyOnline, "user %s", username)
	}
	delete(args, "password")
	return stampNow(args)
}

func (r *Registry) applyLogin(args dispatcher.Args) (interface{}, error) {
	username := stringArg(args, "username")
	port, err := intArg(args, "port")
	if err != nil {
		return nil, err
	}
	at, err := timeArg(args)
	if err != nil {
		return nil, err
	}
	err = r.update(username, func(u *User) error {
		if u.Status == Online {
			return ErrAlreadyOnline
		}
		u.IP = stringArg(args, "ip")
		u.Port = port
		u.Status = Online
		u.LastSeen = at
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "login %s", username)
	}
	return Message{Message: "login successful"}, nil
}

func (r *Registry) applyStatus(status Status) func(dispatcher.Args) (interface{}, error) {
	return func(args dispatcher.Args) (interface{}, error) {
		return r.setStatus(stringArg(args, "username"), status)
	}
}

func (r *Registry) applyUpdateStatus(args dispatcher.Args) (interface{}, error) {
	status := Status(stringArg(args, "status"))
	if status != Online && status != Offline {
		return nil, errors.Wrapf(ErrInvalidArgs, "status %q", status)
	}
	return r.setStatus(stringArg(args, "username"), status)
}

func (r *Registry) setStatus(username string, status Status) (interface{}, error) {
	if username == "" {
		return nil, errors.Wrap(ErrInvalidArgs, "username is required")
	}
	err := r.update(username, func(u *User) error {
		u.Status = status
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "set status of %s", username)
	}
	r.logger.Debug("status updated", "username", username, "status", status)
	return Message{Message: "status updated"}, nil
}

func (r *Registry) applyHeartbeat(args dispatcher.Args) (interface{}, error) {
	username := stringArg(args, "username")
	if username == "" {
		return nil, errors.Wrap(ErrInvalidArgs, "username is required")
	}
	at, err := timeArg(args)
	if err != nil {
		return nil, err
	}
	err = r.update(username, func(u *User) error {
		u.LastSeen = at
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "heartbeat of %s", username)
	}
	return Message{Message: "heartbeat received"}, nil
}

func (r *Registry) applyUpdateIPAddress(args dispatcher.Args) (interface{}, error) {
	username, ip := stringArg(args, "username"), stringArg(args, "ip")
	if username == "" || ip == "" {
		return nil, errors.Wrap(ErrInvalidArgs, "username and ip are required")
	}
	port, err := intArg(args, "port")
	if err != nil {
		return nil, err
	}
	err = r.update(username, func(u *User) error {
		u.IP = ip
		if port != 0 {
			u.Port = port
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "update address of %s", username)
	}
	return Message{Message: "ip address updated"}, nil
}

func (r *Registry) queryPeers(dispatcher.Args) (interface{}, error) {
	peers := []Peer{}
	for _, u := range r.All() {
		if u.IP != "" && u.Port != 0 {
			peers = append(peers, Peer{Username: u.Username, IP: u.IP, Port: u.Port})
		}
	}
	return peers, nil
}

func (r *Registry) queryUsernames(dispatcher.Args) (interface{}, error) {
	names := []string{}
	for _, u := range r.All() {
		names = append(names, u.Username)
	}
	return names, nil
}

func (r *Registry) queryUser(args dispatcher.Args) (interface{}, error) {
	username := stringArg(args, "username")
	u, ok := r.Get(username)
	if !ok {
		return nil, errors.Wrapf(ErrUserNotFound, "user %s", username)
	}
	return u.Public(), nil
}

func (r *Registry) queryActive(args dispatcher.Args) (interface{}, error) {
	username := stringArg(args, "username")
	u, ok := r.Get(username)
	if !ok {
		return nil, errors.Wrapf(ErrUserNotFound, "user %s", username)
	}
	return u.Status, nil
}

func stringArg(args dispatcher.Args, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// intArg accepts the shapes a port takes after a JSON round trip. A missing
// value is 0.
func intArg(args dispatcher.Args, key string) (int, error) {
	var n int
	switch v := args[key].(type) {
	case nil:
		return 0, nil
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		n = int(v)
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, errors.Wrapf(ErrInvalidArgs, "%s: %v", key, err)
		}
		n = int(i)
	case string:
		if v == "" {
			return 0, nil
		}
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, errors.Wrapf(ErrInvalidArgs, "%s: %v", key, err)
		}
		n = i
	default:
		return 0, errors.Wrapf(ErrInvalidArgs, "%s has type %T", key, v)
	}
	if n < 0 || n > 65535 {
		return 0, errors.Wrapf(ErrInvalidArgs, "%s %d out of range", key, n)
	}
	return n, nil
}

func timeArg(args dispatcher.Args) (time.Time, error) {
	raw := stringArg(args, argAt)
	if raw == "" {
		return time.Time{}, errors.Wrap(ErrInvalidArgs, "timestamp is required")
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, errors.Wrapf(ErrInvalidArgs, "timestamp: %v", err)
	}
	return at, nil
}
